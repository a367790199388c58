package ai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

const (
	defaultOpenAIBaseURL     = "https://api.openai.com/v1"
	defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint. OpenRouter
// is served by the same client with its own base URL and attribution headers.
type OpenAIProvider struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Headers     map[string]string
	Client      *http.Client
}

func NewOpenAIProvider(baseURL, apiKey, model string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIProvider{
		BaseURL:     baseURL,
		APIKey:      apiKey,
		Model:       model,
		Temperature: 0.7,
		Client:      &http.Client{Timeout: 90 * time.Second},
	}
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = defaultOpenRouterBaseURL
	}
	p := NewOpenAIProvider(baseURL, apiKey, model)
	p.Headers = map[string]string{}
	if siteURL != "" {
		p.Headers["HTTP-Referer"] = siteURL
	}
	if appName != "" {
		p.Headers["X-Title"] = appName
	}
	return p
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	return p.complete(ctx, messages, false)
}

func (p *OpenAIProvider) ChatJSON(ctx context.Context, messages []Message) (string, error) {
	return p.complete(ctx, messages, true)
}

func (p *OpenAIProvider) complete(ctx context.Context, messages []Message, jsonMode bool) (string, error) {
	if p.Client == nil {
		return "", errors.New("openai: http client is nil")
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return "", errors.New("openai: api key is required")
	}
	model := strings.TrimSpace(p.Model)
	if model == "" {
		return "", errors.New("openai: model is required")
	}

	opts := []option.RequestOption{
		option.WithBaseURL(strings.TrimRight(p.BaseURL, "/")),
		option.WithAPIKey(strings.TrimSpace(p.APIKey)),
		option.WithHTTPClient(p.Client),
		// retries are the caller's decision, not the client's
		option.WithMaxRetries(0),
	}
	for k, v := range p.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	client := openai.NewClient(opts...)

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: toOpenAIMessages(messages),
	}
	if p.Temperature > 0 {
		params.Temperature = openai.Float(p.Temperature)
	}
	if jsonMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: empty response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
