package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultConvAIWSURL = "wss://api.elevenlabs.io/v1/convai/conversation"

type ElevenLabsConfig struct {
	APIKey       string
	AgentID      string
	BaseWSURL    string
	FlushTimeout time.Duration
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
}

// ElevenLabs dials ElevenLabs Conversational AI agents.
type ElevenLabs struct {
	cfg ElevenLabsConfig
}

func NewElevenLabs(cfg ElevenLabsConfig) *ElevenLabs {
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &ElevenLabs{cfg: cfg}
}

func (e *ElevenLabs) Dial(ctx context.Context, p Params) (Conn, error) {
	if strings.TrimSpace(e.cfg.APIKey) == "" {
		return nil, fmt.Errorf("elevenlabs api key is required")
	}
	if strings.TrimSpace(e.cfg.AgentID) == "" {
		return nil, fmt.Errorf("elevenlabs agent id is required")
	}
	wsURL, err := buildConvAIURL(e.cfg.BaseWSURL, e.cfg.AgentID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("xi-api-key", strings.TrimSpace(e.cfg.APIKey))

	ws, resp, err := e.cfg.Dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("elevenlabs dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("elevenlabs dial: %w", err)
	}

	c := &elevenLabsConn{
		ws:           ws,
		sessionID:    p.SessionID,
		events:       make(chan Event, 64),
		closed:       make(chan struct{}),
		writeTimeout: e.cfg.WriteTimeout,
		flushTimeout: e.cfg.FlushTimeout,
	}
	if err := c.writeJSON(ctx, initiationMessage(p)); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("elevenlabs init: %w", err)
	}
	go c.readLoop()
	return c, nil
}

func initiationMessage(p Params) map[string]any {
	vars := map[string]string{
		"user_name": p.UserName,
		"context":   p.Context,
		"goal":      p.Goal,
	}
	if p.Participants != "" {
		vars["participants"] = p.Participants
	}
	if p.Tone != "" {
		vars["tone"] = p.Tone
	}
	return map[string]any{
		"type":              "conversation_initiation_client_data",
		"dynamic_variables": vars,
	}
}

func buildConvAIURL(base, agentID string) (string, error) {
	if strings.TrimSpace(base) == "" {
		base = defaultConvAIWSURL
	}
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid elevenlabs ws url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("agent_id", strings.TrimSpace(agentID))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type elevenLabsConn struct {
	ws        *websocket.Conn
	sessionID string

	writeMu sync.Mutex
	errMu   sync.Mutex
	err     error

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once

	writeTimeout time.Duration
	flushTimeout time.Duration
}

func (c *elevenLabsConn) Events() <-chan Event { return c.events }

func (c *elevenLabsConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *elevenLabsConn) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *elevenLabsConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *elevenLabsConn) SendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	err := c.writeJSON(ctx, map[string]any{
		"user_audio_chunk": base64.StdEncoding.EncodeToString(pcm),
	})
	if err != nil && !c.isClosed() {
		c.setErr(fmt.Errorf("elevenlabs send audio: %w", err))
	}
	return err
}

// Close asks the agent to end the conversation and keeps reading until it does, or
// until the flush timeout passes, so trailing events still reach Events.
func (c *elevenLabsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.writeTimeout))
		c.writeMu.Unlock()
		_ = c.ws.SetReadDeadline(time.Now().Add(c.flushTimeout))
	})
	return nil
}

func (c *elevenLabsConn) readLoop() {
	defer close(c.events)
	defer c.ws.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.isClosed() {
				c.setErr(readError(err))
			}
			return
		}

		ev, pingID, ok := decodeServerEvent(data)
		if pingID != nil {
			if err := c.writeJSON(context.Background(), map[string]any{"type": "pong", "event_id": *pingID}); err != nil && !c.isClosed() {
				c.setErr(fmt.Errorf("elevenlabs pong: %w", err))
				return
			}
			continue
		}
		if !ok {
			continue
		}
		ev.ReceivedAt = time.Now().UTC()
		// Never drop an event: a slow consumer slows the agent connection down instead.
		c.events <- ev
	}
}

func readError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == websocket.CloseNormalClosure {
			return nil
		}
		return fmt.Errorf("elevenlabs closed the conversation: code=%d msg=%s", closeErr.Code, strings.TrimSpace(closeErr.Text))
	}
	return fmt.Errorf("elevenlabs read: %w", err)
}

func (c *elevenLabsConn) writeJSON(ctx context.Context, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	} else {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteJSON(payload)
}

// decodeServerEvent maps one ConvAI frame to an Event. Both the documented nested
// "*_event" shapes and the older flat shapes are accepted. pingID is set for pings,
// which are answered by the connection and never surfaced.
func decodeServerEvent(data []byte) (ev Event, pingID *int64, ok bool) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, nil, false
	}
	typ := decodeString(msg["type"])

	switch typ {
	case "ping":
		body := decodeObject(msg["ping_event"])
		id := decodeInt(body["event_id"])
		if id == 0 {
			id = decodeInt(msg["event_id"])
		}
		return Event{}, &id, false

	case "user_transcript":
		text := firstNonEmpty(
			decodeString(decodeObject(msg["user_transcription_event"])["user_transcript"]),
			decodeString(decodeObject(msg["user_transcript"])["text"]),
		)
		if text == "" {
			return Event{}, nil, false
		}
		return Event{Kind: EventUserTranscript, Text: text}, nil, true

	case "agent_response":
		text := firstNonEmpty(
			decodeString(decodeObject(msg["agent_response_event"])["agent_response"]),
			decodeString(decodeObject(msg["agent_response"])["text"]),
		)
		if text == "" {
			return Event{}, nil, false
		}
		return Event{Kind: EventAgentResponse, Text: text}, nil, true

	case "audio":
		body := decodeObject(msg["audio_event"])
		audio := firstNonEmpty(decodeString(body["audio_base_64"]), decodeString(body["audio_base64"]))
		if audio == "" {
			return Event{}, nil, false
		}
		return Event{Kind: EventAudio, AudioB64: audio}, nil, true

	case "conversation_initiation_metadata":
		body := decodeObject(msg["conversation_initiation_metadata_event"])
		return Event{
			Kind:           EventMetadata,
			ConversationID: decodeString(body["conversation_id"]),
			AudioFormat:    decodeString(body["agent_output_audio_format"]),
		}, nil, true

	case "interruption":
		return Event{Kind: EventInterruption}, nil, true

	default:
		if typ != "" {
			log.Printf("[agent] ignoring elevenlabs event type=%s", typ)
		}
		return Event{}, nil, false
	}
}

func decodeObject(raw json.RawMessage) map[string]json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func decodeString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

func decodeInt(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var out int64
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
