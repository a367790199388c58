package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryEntry struct {
	mu   sync.Mutex
	sess *Session
}

// MemoryStore keeps sessions for the lifetime of the process. The map lock only
// guards membership; each record has its own mutex.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryEntry
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memoryEntry),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(ctx context.Context, in NewSession) (*Session, error) {
	_ = ctx
	in, err := validateNew(in)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := newRecord(in, s.now())
	for s.sessions[rec.ID] != nil {
		rec = newRecord(in, rec.CreatedAt)
	}
	s.sessions[rec.ID] = &memoryEntry{sess: rec}
	return rec.Clone(), nil
}

func (s *MemoryStore) entry(id string) (*memoryEntry, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	_ = ctx
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.Clone(), nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, to State) (*Session, error) {
	_ = ctx
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !CanTransition(e.sess.State, to) {
		return nil, transitionErr(id, e.sess.State, to)
	}
	e.sess.State = to
	if to == StateFinished {
		t := s.now()
		e.sess.FinishedAt = &t
	}
	return e.sess.Clone(), nil
}

func (s *MemoryStore) AppendUtterance(ctx context.Context, id string, u Utterance) error {
	_ = ctx
	u, err := validateUtterance(u)
	if err != nil {
		return err
	}
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess.State != StateActive {
		return fmt.Errorf("%w: session %s is %s, transcript is closed", ErrInvalidState, id, e.sess.State)
	}
	e.sess.Transcript = append(e.sess.Transcript, u)
	return nil
}
