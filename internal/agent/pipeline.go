package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/suPer8Hu/coco/internal/ai"
)

const (
	defaultTranscribeModel  = "gpt-4o-mini-transcribe"
	defaultElevenLabsAPIURL = "https://api.elevenlabs.io"
	defaultTTSVoiceID       = "21m00Tcm4TlvDq8ikWAM"
	defaultTTSModel         = "eleven_turbo_v2_5"

	pipelineAudioFormat  = "mp3"
	pipelineHistoryTurns = 6
	pipelineMaxFailures  = 3
)

const tipSystemPrompt = "You are an expert conversation coach helping %s achieve their desired outcome from this conversation " +
	"by coaching, prompting and guiding them in real time during the conversation.\n\n" +
	"User Details:\n- Conversation Details: %s\n- Goal: %s\n%s\n" +
	"Your task is to analyze the recent conversation and provide ONE short, actionable coaching tip (max 10 words) " +
	"to help them achieve their goal. Be encouraging and specific. This is streaming in real time, so the tip must " +
	"help them navigate the conversation as it is happening."

// PipelineConfig configures OpenAIPipeline. Client audio is expected as 16-bit mono
// little-endian PCM at SampleRate.
type PipelineConfig struct {
	OpenAIBaseURL   string
	OpenAIAPIKey    string
	TranscribeModel string

	// Coach writes the live tips.
	Coach ai.Provider

	// Empty ElevenLabsAPIKey sends tips as text only.
	ElevenLabsAPIKey string
	ElevenLabsAPIURL string
	VoiceID          string
	TTSModel         string

	SampleRate         int
	ProcessInterval    time.Duration
	SuggestionInterval time.Duration
	MinAudio           time.Duration
	CallTimeout        time.Duration
	HTTPClient         *http.Client
}

// OpenAIPipeline is a Dialer that runs the conversation locally instead of through a
// hosted voice agent: buffered client audio is transcribed with OpenAI every
// ProcessInterval, a short coaching tip is generated at most every SuggestionInterval,
// and the tip is voiced with ElevenLabs text-to-speech.
type OpenAIPipeline struct {
	cfg    PipelineConfig
	openai openai.Client
}

func NewOpenAIPipeline(cfg PipelineConfig) *OpenAIPipeline {
	if cfg.TranscribeModel == "" {
		cfg.TranscribeModel = defaultTranscribeModel
	}
	if cfg.ElevenLabsAPIURL == "" {
		cfg.ElevenLabsAPIURL = defaultElevenLabsAPIURL
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = defaultTTSVoiceID
	}
	if cfg.TTSModel == "" {
		cfg.TTSModel = defaultTTSModel
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = 3 * time.Second
	}
	if cfg.SuggestionInterval <= 0 {
		cfg.SuggestionInterval = 8 * time.Second
	}
	if cfg.MinAudio <= 0 {
		cfg.MinAudio = time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.OpenAIAPIKey)),
		option.WithHTTPClient(cfg.HTTPClient),
		option.WithMaxRetries(0),
	}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(cfg.OpenAIBaseURL, "/")))
	}
	return &OpenAIPipeline{cfg: cfg, openai: openai.NewClient(opts...)}
}

func (p *OpenAIPipeline) Dial(ctx context.Context, params Params) (Conn, error) {
	if strings.TrimSpace(p.cfg.OpenAIAPIKey) == "" {
		return nil, fmt.Errorf("openai api key is required for transcription")
	}
	if p.cfg.Coach == nil {
		return nil, fmt.Errorf("no coaching model configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := &pipelineConn{
		p:       p,
		params:  params,
		events:  make(chan Event, 16),
		closed:  make(chan struct{}),
		lastTip: time.Now(),
	}
	c.events <- Event{
		Kind:           EventMetadata,
		ConversationID: params.SessionID,
		AudioFormat:    pipelineAudioFormat,
		ReceivedAt:     time.Now().UTC(),
	}
	go c.loop()
	return c, nil
}

type pipelineConn struct {
	p      *OpenAIPipeline
	params Params

	mu  sync.Mutex
	buf []byte

	// owned by loop
	history []string
	lastTip time.Time

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

func (c *pipelineConn) Events() <-chan Event { return c.events }

func (c *pipelineConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *pipelineConn) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *pipelineConn) SendAudio(_ context.Context, pcm []byte) error {
	select {
	case <-c.closed:
		return errors.New("pipeline: conversation closed")
	default:
	}
	c.mu.Lock()
	c.buf = append(c.buf, pcm...)
	c.mu.Unlock()
	return nil
}

// Close transcribes whatever audio is still buffered, then ends Events.
func (c *pipelineConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *pipelineConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *pipelineConn) loop() {
	defer close(c.events)

	ticker := time.NewTicker(c.p.cfg.ProcessInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ticker.C:
			if c.isClosed() {
				continue
			}
			err := c.process(true)
			if err == nil {
				failures = 0
				continue
			}
			failures++
			log.Printf("[Pipeline] processing failed session=%s attempt=%d err=%v", c.params.SessionID, failures, err)
			if fatalUpstream(err) || failures >= pipelineMaxFailures {
				c.setErr(fmt.Errorf("pipeline: %w", err))
				return
			}
		case <-c.closed:
			if err := c.process(false); err != nil {
				log.Printf("[Pipeline] final flush failed session=%s err=%v", c.params.SessionID, err)
			}
			return
		}
	}
}

func (c *pipelineConn) takeAudio() []byte {
	minBytes := int(c.p.cfg.MinAudio.Seconds() * float64(c.p.cfg.SampleRate) * 2)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) < minBytes {
		return nil
	}
	pcm := c.buf
	c.buf = nil
	return pcm
}

// process transcribes the buffered audio. Tips are only generated while the
// conversation is live.
func (c *pipelineConn) process(live bool) error {
	pcm := c.takeAudio()
	if pcm == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.p.cfg.CallTimeout)
	defer cancel()

	text, err := c.p.transcribe(ctx, pcm, c.params)
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	c.emit(Event{Kind: EventUserTranscript, Text: text})

	c.history = append(c.history, text)
	if len(c.history) > pipelineHistoryTurns {
		c.history = c.history[len(c.history)-pipelineHistoryTurns:]
	}
	if !live || len(c.history) < 2 || time.Since(c.lastTip) < c.p.cfg.SuggestionInterval {
		return nil
	}

	tip, err := c.p.suggest(ctx, c.params, c.history)
	if err != nil {
		// the transcript already went out; a missed tip is not a pipeline failure
		log.Printf("[Pipeline] coaching tip failed session=%s err=%v", c.params.SessionID, err)
		return nil
	}
	if tip == "" {
		return nil
	}
	c.lastTip = time.Now()
	c.emit(Event{Kind: EventAgentResponse, Text: tip})

	if strings.TrimSpace(c.p.cfg.ElevenLabsAPIKey) == "" {
		return nil
	}
	audio, err := c.p.synthesize(ctx, tip)
	if err != nil {
		log.Printf("[Pipeline] tts failed session=%s err=%v", c.params.SessionID, err)
		return nil
	}
	c.emit(Event{
		Kind:        EventAudio,
		AudioB64:    base64.StdEncoding.EncodeToString(audio),
		AudioFormat: pipelineAudioFormat,
	})
	return nil
}

func (c *pipelineConn) emit(ev Event) {
	ev.ReceivedAt = time.Now().UTC()
	c.events <- ev
}

// fatalUpstream reports errors a retry on the next tick cannot fix.
func fatalUpstream(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
	}
	return false
}

func (p *OpenAIPipeline) transcribe(ctx context.Context, pcm []byte, params Params) (string, error) {
	req := openai.AudioTranscriptionNewParams{
		File:           openai.File(bytes.NewReader(pcmToWAV(pcm, p.cfg.SampleRate)), "audio.wav", "audio/wav"),
		Model:          openai.AudioModel(p.cfg.TranscribeModel),
		Language:       openai.String("en"),
		ResponseFormat: openai.AudioResponseFormatJSON,
	}
	if prompt := transcriptionPrompt(params); prompt != "" {
		req.Prompt = openai.String(prompt)
	}
	res, err := p.openai.Audio.Transcriptions.New(ctx, req)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return strings.TrimSpace(res.Text), nil
}

func transcriptionPrompt(params Params) string {
	var parts []string
	if params.Context != "" {
		parts = append(parts, "Context: "+params.Context+".")
	}
	if params.Goal != "" {
		parts = append(parts, "Goal: "+params.Goal+".")
	}
	return strings.Join(parts, " ")
}

func (p *OpenAIPipeline) suggest(ctx context.Context, params Params, history []string) (string, error) {
	var extra strings.Builder
	if params.Participants != "" {
		fmt.Fprintf(&extra, "- Participants: %s\n", params.Participants)
	}
	if params.Tone != "" {
		fmt.Fprintf(&extra, "- Desired Tone: %s\n", params.Tone)
	}

	var convo strings.Builder
	convo.WriteString("Recent conversation:\n")
	for _, line := range history {
		fmt.Fprintf(&convo, "user: %s\n", line)
	}
	fmt.Fprintf(&convo, "\nWhat coaching tip would help %s right now?", params.UserName)

	out, err := p.cfg.Coach.Chat(ctx, []ai.Message{
		{Role: ai.RoleSystem, Content: fmt.Sprintf(tipSystemPrompt, params.UserName, params.Context, params.Goal, extra.String())},
		{Role: ai.RoleUser, Content: convo.String()},
	})
	if err != nil {
		return "", err
	}
	return strings.Trim(strings.TrimSpace(out), `"`), nil
}

func (p *OpenAIPipeline) synthesize(ctx context.Context, text string) ([]byte, error) {
	endpoint := strings.TrimRight(p.cfg.ElevenLabsAPIURL, "/") +
		"/v1/text-to-speech/" + url.PathEscape(p.cfg.VoiceID) + "?output_format=mp3_44100_128"
	body, err := json.Marshal(map[string]string{"text": text, "model_id": p.cfg.TTSModel})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", strings.TrimSpace(p.cfg.ElevenLabsAPIKey))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("elevenlabs tts http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, errors.New("elevenlabs tts returned no audio")
	}
	return audio, nil
}

// pcmToWAV wraps 16-bit mono PCM in a RIFF/WAVE header.
func pcmToWAV(pcm []byte, sampleRate int) []byte {
	var b bytes.Buffer
	b.Grow(44 + len(pcm))
	le := binary.LittleEndian

	b.WriteString("RIFF")
	_ = binary.Write(&b, le, uint32(36+len(pcm)))
	b.WriteString("WAVE")

	b.WriteString("fmt ")
	_ = binary.Write(&b, le, uint32(16))
	_ = binary.Write(&b, le, uint16(1)) // PCM
	_ = binary.Write(&b, le, uint16(1)) // mono
	_ = binary.Write(&b, le, uint32(sampleRate))
	_ = binary.Write(&b, le, uint32(sampleRate*2))
	_ = binary.Write(&b, le, uint16(2))
	_ = binary.Write(&b, le, uint16(16))

	b.WriteString("data")
	_ = binary.Write(&b, le, uint32(len(pcm)))
	b.Write(pcm)
	return b.Bytes()
}
