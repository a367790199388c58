package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOllamaChatJSON_SendsFormat(t *testing.T) {
	var got ollamaChatReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": ` {"ok":true} `},
		})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "llama3:latest")
	out, err := p.ChatJSON(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if out != `{"ok":true}` {
		t.Fatalf("unexpected reply %q", out)
	}
	if got.Format != "json" || got.Stream {
		t.Fatalf("unexpected request: %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "hi" {
		t.Fatalf("messages not forwarded: %+v", got.Messages)
	}
}

func TestOllamaChat_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewOllamaProvider(srv.URL, "").Chat(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "model not loaded") {
		t.Fatalf("expected upstream body in error, got %v", err)
	}
}

func TestOpenAIChatJSON_UsesJSONObjectFormat(t *testing.T) {
	var body map[string]any
	var auth, title string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		title = r.Header.Get("X-Title")
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "test-model",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "{\"wish\":\"slow down\"}"}}]
		}`))
	}))
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "sk-test", "test-model", "", "coco")
	out, err := p.ChatJSON(context.Background(), []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "transcript"},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if out != `{"wish":"slow down"}` {
		t.Fatalf("unexpected reply %q", out)
	}
	if auth != "Bearer sk-test" {
		t.Fatalf("unexpected auth header %q", auth)
	}
	if title != "coco" {
		t.Fatalf("expected X-Title header, got %q", title)
	}
	rf, _ := body["response_format"].(map[string]any)
	if rf["type"] != "json_object" {
		t.Fatalf("expected json_object response_format, got %v", body["response_format"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %v", body["messages"])
	}
}

func TestOpenAIChat_RequiresKey(t *testing.T) {
	p := NewOpenAIProvider("", "", "gpt-4o-mini")
	if _, err := p.Chat(context.Background(), nil); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestRegistry_GetNormalizesName(t *testing.T) {
	reg := NewRegistry()
	var gotModel string
	reg.Register("Ollama", func(ctx context.Context, model string) (Provider, error) {
		_ = ctx
		gotModel = model
		return NewOllamaProvider("", model), nil
	})

	if _, err := reg.Get(context.Background(), " OLLAMA ", " llama3 "); err != nil {
		t.Fatalf("get: %v", err)
	}
	if gotModel != "llama3" {
		t.Fatalf("model not trimmed: %q", gotModel)
	}
	if _, err := reg.Get(context.Background(), "missing", ""); err == nil {
		t.Fatalf("expected unknown provider error")
	}
	if names := reg.Names(); len(names) != 1 || names[0] != "ollama" {
		t.Fatalf("unexpected names %v", names)
	}
}

var (
	_ JSONProvider = (*OpenAIProvider)(nil)
	_ JSONProvider = (*OllamaProvider)(nil)
)
