// Package coach coordinates a session's lifecycle: creation, the live relay and the
// final feedback report.
package coach

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/suPer8Hu/coco/internal/agent"
	"github.com/suPer8Hu/coco/internal/feedback"
	"github.com/suPer8Hu/coco/internal/relay"
	"github.com/suPer8Hu/coco/internal/session"
)

type Analyzer interface {
	Analyze(ctx context.Context, in feedback.Input) (*feedback.Report, error)
}

// ReportSink receives every finished report. Failures are logged, never returned to
// the caller of Finish.
type ReportSink interface {
	PublishReport(ctx context.Context, sess *session.Session, report *feedback.Report) error
}

type CreateInput struct {
	Context      string
	Goal         string
	UserName     string
	Participants string
	Tone         string
}

// Status is a session snapshot plus whether a relay is currently bound to it.
type Status struct {
	Session     *session.Session
	RelayActive bool
}

type Service struct {
	store    session.Store
	tracker  *relay.Tracker
	dialer   agent.Dialer
	analyzer Analyzer
	relayCfg relay.Config
	sink     ReportSink
}

func NewService(store session.Store, tracker *relay.Tracker, dialer agent.Dialer, analyzer Analyzer, relayCfg relay.Config) *Service {
	if tracker == nil {
		tracker = relay.NewTracker()
	}
	return &Service{
		store:    store,
		tracker:  tracker,
		dialer:   dialer,
		analyzer: analyzer,
		relayCfg: relayCfg,
	}
}

// SetReportSink enables publishing of finished reports. nil disables it.
func (s *Service) SetReportSink(sink ReportSink) {
	s.sink = sink
}

func StarterMessage(userName string) string {
	return fmt.Sprintf("Session created. Start by saying: 'Hi, I'm %s.'", userName)
}

func (s *Service) CreateSession(ctx context.Context, in CreateInput) (*session.Session, string, error) {
	sess, err := s.store.Create(ctx, session.NewSession{
		Context:      in.Context,
		Goal:         in.Goal,
		UserName:     in.UserName,
		Participants: in.Participants,
		Tone:         in.Tone,
	})
	if err != nil {
		return nil, "", err
	}
	log.Printf("[Coach] session created session=%s user=%q", sess.ID, sess.UserName)
	return sess, StarterMessage(sess.UserName), nil
}

func (s *Service) Get(ctx context.Context, id string) (*Status, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Status{Session: sess, RelayActive: s.tracker.IsBound(id)}, nil
}

// OpenRelay binds a new relay for the session and moves it to ACTIVE. The caller must
// call Run on the returned relay; the binding is released when Run returns.
func (s *Service) OpenRelay(ctx context.Context, id string, client relay.ClientConn) (*relay.Relay, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.State == session.StateFinished {
		return nil, fmt.Errorf("%w: session %s is finished", session.ErrInvalidState, id)
	}

	r := relay.New(sess, s.store, s.dialer, client, s.relayCfg)
	release, ok := s.tracker.Bind(id, r.Stop)
	if !ok {
		return nil, fmt.Errorf("%w: session %s already has a live relay", session.ErrInvalidState, id)
	}

	// re-read under the binding: another relay may have activated it, or finish may
	// have won the race
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		release()
		return nil, err
	}
	switch cur.State {
	case session.StateCreated:
		if _, err := s.store.Transition(ctx, id, session.StateActive); err != nil {
			release()
			return nil, err
		}
	case session.StateFinished:
		release()
		return nil, fmt.Errorf("%w: session %s is finished", session.ErrInvalidState, id)
	}

	r.OnExit(release)
	log.Printf("[Coach] relay bound session=%s", id)
	return r, nil
}

// Finish freezes the transcript, stops any live relay and analyzes the conversation.
// A second call fails with ErrInvalidState. When analysis fails the session stays
// FINISHED and the error wraps ErrUpstream.
func (s *Service) Finish(ctx context.Context, id string) (*feedback.Report, error) {
	// 1) freeze: no utterance can be appended after this
	sess, err := s.store.Transition(ctx, id, session.StateFinished)
	if err != nil {
		return nil, err
	}

	// 2) the relay notices on its next append anyway; stopping it closes the client now
	if s.tracker.Cancel(id) {
		log.Printf("[Coach] stopping live relay session=%s", id)
	}

	// 3) analyze
	report, err := s.analyzer.Analyze(ctx, feedback.InputFromSession(sess))
	if err != nil {
		log.Printf("[Coach] analysis failed session=%s err=%v", id, err)
		if !errors.Is(err, session.ErrUpstream) {
			err = fmt.Errorf("%w: %v", session.ErrUpstream, err)
		}
		return nil, err
	}

	// 4) archive (best effort)
	if s.sink != nil {
		if err := s.sink.PublishReport(ctx, sess, report); err != nil {
			log.Printf("[Coach] report publish failed session=%s err=%v", id, err)
		}
	}

	log.Printf("[Coach] session finished session=%s utterances=%d filler=%.2f", id, len(sess.Transcript), report.FillerPercentage)
	return report, nil
}

// StopRelays asks every live relay to stop gracefully.
func (s *Service) StopRelays() int {
	n := s.tracker.CancelAll()
	if n > 0 {
		log.Printf("[Coach] stopping %d live relays", n)
	}
	return n
}

// WaitRelays blocks until every relay has exited or ctx ends.
func (s *Service) WaitRelays(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}

// Shutdown stops every live relay and waits for them to exit or ctx to end.
func (s *Service) Shutdown(ctx context.Context) bool {
	s.StopRelays()
	return s.WaitRelays(ctx)
}
