// Package relay bridges a client WebSocket and a voice-agent conversation for one
// session.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/suPer8Hu/coco/internal/agent"
	"github.com/suPer8Hu/coco/internal/session"
)

// Close codes sent to clients whose relay could not be opened.
const (
	CloseSessionNotFound = 4004
	CloseAlreadyBound    = 4009

	maxCloseReason = 123
)

// ClientConn is the client side of the relay. *websocket.Conn satisfies it.
type ClientConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

type Config struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	// IdleTimeout closes the relay when the client sends nothing (not even a pong) for
	// this long. Zero disables it.
	IdleTimeout   time.Duration
	MaxFrameBytes int64
	// AudioFormat labels agent audio until the agent announces its own format.
	AudioFormat string
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.AudioFormat == "" {
		c.AudioFormat = "mp3"
	}
	return c
}

// Relay pumps one session's audio and events. Create with New, then call Run exactly
// once.
type Relay struct {
	sess   *session.Session
	store  session.Store
	dialer agent.Dialer
	client ClientConn
	cfg    Config

	mu       sync.Mutex
	conn     agent.Conn
	stopping chan struct{}
	stopOnce sync.Once
	onExit   []func()

	failed atomic.Bool
	format string
}

func New(sess *session.Session, store session.Store, dialer agent.Dialer, client ClientConn, cfg Config) *Relay {
	cfg = cfg.withDefaults()
	return &Relay{
		sess:     sess,
		store:    store,
		dialer:   dialer,
		client:   client,
		cfg:      cfg,
		stopping: make(chan struct{}),
		format:   cfg.AudioFormat,
	}
}

// OnExit registers fn to run when Run returns.
func (r *Relay) OnExit(fn func()) {
	r.mu.Lock()
	r.onExit = append(r.onExit, fn)
	r.mu.Unlock()
}

// Stop shuts the relay down gracefully: the agent conversation is closed first, its
// remaining events are delivered, then the client is closed. Safe to call many times
// and from any goroutine.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		close(r.stopping)
		conn := r.conn
		r.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

func (r *Relay) stopped() bool {
	select {
	case <-r.stopping:
		return true
	default:
		return false
	}
}

// Run dials the agent and relays until either side ends the conversation. It returns
// an error wrapping session.ErrUpstream when the agent could not be reached or failed
// mid-conversation; client disconnects and stops return nil.
func (r *Relay) Run(ctx context.Context) error {
	defer r.exit()

	if r.cfg.MaxFrameBytes > 0 {
		r.client.SetReadLimit(r.cfg.MaxFrameBytes)
	}

	conn, err := r.dialer.Dial(ctx, agent.Params{
		SessionID:    r.sess.ID,
		UserName:     r.sess.UserName,
		Context:      r.sess.Context,
		Goal:         r.sess.Goal,
		Participants: r.sess.Participants,
		Tone:         r.sess.Tone,
	})
	if err != nil {
		log.Printf("[Relay] agent dial failed session=%s err=%v", r.sess.ID, err)
		Reject(r.client, websocket.CloseInternalServerErr, "voice agent unavailable", r.cfg.WriteTimeout)
		return fmt.Errorf("%w: dial voice agent: %v", session.ErrUpstream, err)
	}

	r.mu.Lock()
	r.conn = conn
	alreadyStopped := r.stopped()
	r.mu.Unlock()
	if alreadyStopped {
		_ = conn.Close()
	}

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			// Hard cancel: no flush.
			_ = conn.Close()
			_ = r.client.Close()
		case <-stopWatch:
		}
	}()

	log.Printf("[Relay] started session=%s", r.sess.ID)

	out := make(chan ServerMessage, 64)
	ctrl := make(chan ServerMessage, 8)
	writerDone := make(chan struct{})

	var g errgroup.Group
	g.Go(func() error { return r.readClient(ctx, conn, ctrl, writerDone) })
	g.Go(func() error { return r.readAgent(ctx, conn, out, writerDone) })
	g.Go(func() error { return r.writeClient(conn, out, ctrl, writerDone) })
	err = g.Wait()

	log.Printf("[Relay] ended session=%s err=%v", r.sess.ID, err)
	return err
}

func (r *Relay) exit() {
	r.mu.Lock()
	fns := r.onExit
	r.onExit = nil
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (r *Relay) readClient(ctx context.Context, conn agent.Conn, ctrl chan<- ServerMessage, writerDone <-chan struct{}) error {
	extend := func() {
		if r.cfg.IdleTimeout > 0 {
			_ = r.client.SetReadDeadline(time.Now().Add(r.cfg.IdleTimeout))
		}
	}
	r.client.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		extend()
		messageType, data, err := r.client.ReadMessage()
		if err != nil {
			if !r.stopped() && !isExpectedClose(err) {
				log.Printf("[Relay] client read ended session=%s err=%v", r.sess.ID, err)
			}
			// Tear the agent side down too; its reader drains what is left.
			_ = conn.Close()
			return nil
		}

		switch msg := DecodeClientFrame(messageType == websocket.BinaryMessage, data).(type) {
		case ClientAudio:
			if err := conn.SendAudio(ctx, msg.Data); err != nil {
				if r.stopped() {
					return nil
				}
				log.Printf("[Relay] forward audio failed session=%s err=%v", r.sess.ID, err)
				r.failed.Store(true)
				sendCtrl(ctrl, writerDone, ErrorMessage{Message: "failed to forward audio to voice agent"})
				r.Stop()
				return nil
			}
		case ClientStop:
			log.Printf("[Relay] stop requested session=%s", r.sess.ID)
			r.Stop()
			return nil
		case *DecodeError:
			sendCtrl(ctrl, writerDone, ErrorMessage{Message: msg.Message})
		}
	}
}

func sendCtrl(ctrl chan<- ServerMessage, writerDone <-chan struct{}, msg ServerMessage) {
	select {
	case ctrl <- msg:
	case <-writerDone:
	}
}

func (r *Relay) readAgent(ctx context.Context, conn agent.Conn, out chan<- ServerMessage, writerDone <-chan struct{}) error {
	defer close(out)

	deliver := func(msg ServerMessage) {
		select {
		case out <- msg:
		case <-writerDone:
		}
	}

	storeCtx := context.WithoutCancel(ctx)
	frozen := false
	for ev := range conn.Events() {
		if frozen {
			continue
		}
		msg, err := r.translate(storeCtx, ev)
		if err != nil {
			// The session left ACTIVE (finished) or storage failed: nothing more can be
			// recorded, so stop instead of relaying events the transcript will not hold.
			frozen = true
			if errors.Is(err, session.ErrInvalidState) {
				deliver(ErrorMessage{Message: "session is no longer active"})
			} else {
				log.Printf("[Relay] append utterance failed session=%s err=%v", r.sess.ID, err)
				deliver(ErrorMessage{Message: "failed to record transcript"})
			}
			r.Stop()
			continue
		}
		if msg != nil {
			deliver(msg)
		}
	}

	if err := conn.Err(); err != nil {
		log.Printf("[Relay] agent failed session=%s err=%v", r.sess.ID, err)
		r.failed.Store(true)
		deliver(ErrorMessage{Message: "voice agent connection failed"})
		return fmt.Errorf("%w: voice agent: %v", session.ErrUpstream, err)
	}
	return nil
}

func (r *Relay) translate(ctx context.Context, ev agent.Event) (ServerMessage, error) {
	ts := ev.ReceivedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	switch ev.Kind {
	case agent.EventUserTranscript:
		u := session.Utterance{Speaker: session.SpeakerUser, Text: ev.Text, Timestamp: ts}
		if err := r.store.AppendUtterance(ctx, r.sess.ID, u); err != nil {
			return nil, err
		}
		return TranscriptMessage{Text: ev.Text, Speaker: session.SpeakerUser, Timestamp: ts}, nil

	case agent.EventAgentResponse:
		u := session.Utterance{Speaker: session.SpeakerCoach, Text: ev.Text, Timestamp: ts}
		if err := r.store.AppendUtterance(ctx, r.sess.ID, u); err != nil {
			return nil, err
		}
		return SuggestionMessage{Text: ev.Text, Timestamp: ts}, nil

	case agent.EventAudio:
		format := ev.AudioFormat
		if format == "" {
			format = r.format
		}
		return AudioMessage{Data: ev.AudioB64, Format: format}, nil

	case agent.EventMetadata:
		if ev.AudioFormat != "" {
			r.format = ev.AudioFormat
		}
		log.Printf("[Relay] agent conversation session=%s conversation=%s format=%s", r.sess.ID, ev.ConversationID, r.format)
		return nil, nil

	case agent.EventInterruption:
		log.Printf("[Relay] user interrupted agent session=%s", r.sess.ID)
		return nil, nil

	default:
		log.Printf("[Relay] unknown agent event session=%s kind=%d", r.sess.ID, int(ev.Kind))
		return nil, nil
	}
}

func (r *Relay) writeClient(conn agent.Conn, out <-chan ServerMessage, ctrl <-chan ServerMessage, writerDone chan<- struct{}) error {
	defer close(writerDone)

	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()

	teardown := func(err error) error {
		if !r.stopped() && !isExpectedClose(err) {
			log.Printf("[Relay] client write failed session=%s err=%v", r.sess.ID, err)
		}
		_ = r.client.Close()
		_ = conn.Close()
		return nil
	}

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(r.cfg.WriteTimeout)
			if err := r.client.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return teardown(err)
			}
		case msg := <-ctrl:
			if err := r.write(msg); err != nil {
				return teardown(err)
			}
		case msg, ok := <-out:
			if !ok {
				r.flushCtrl(ctrl)
				code := websocket.CloseNormalClosure
				if r.failed.Load() {
					code = websocket.CloseInternalServerErr
				}
				_ = r.client.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, ""),
					time.Now().Add(r.cfg.WriteTimeout))
				_ = r.client.Close()
				return nil
			}
			if err := r.write(msg); err != nil {
				return teardown(err)
			}
		}
	}
}

func (r *Relay) flushCtrl(ctrl <-chan ServerMessage) {
	for {
		select {
		case msg := <-ctrl:
			if err := r.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (r *Relay) write(msg ServerMessage) error {
	payload, err := msg.Encode()
	if err != nil {
		log.Printf("[Relay] encode failed session=%s err=%v", r.sess.ID, err)
		return nil
	}
	if err := r.client.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout)); err != nil {
		return err
	}
	return r.client.WriteMessage(websocket.TextMessage, payload)
}

// Reject sends an error message and a close frame with code, then closes client.
func Reject(client ClientConn, code int, message string, writeTimeout time.Duration) {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	deadline := time.Now().Add(writeTimeout)
	if payload, err := (ErrorMessage{Message: message}).Encode(); err == nil {
		_ = client.SetWriteDeadline(deadline)
		_ = client.WriteMessage(websocket.TextMessage, payload)
	}
	reason := message
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	_ = client.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = client.Close()
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
