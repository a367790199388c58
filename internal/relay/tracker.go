package relay

import (
	"context"
	"sync"
)

// Tracker holds the live relay bound to each session and enforces that at most one is
// bound at a time.
type Tracker struct {
	mu    sync.Mutex
	bound map[string]*binding
	wg    sync.WaitGroup
}

type binding struct {
	cancel func()
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{bound: make(map[string]*binding)}
}

// Bind registers a relay for sessionID. ok is false when one is already bound; the
// existing binding is left untouched.
func (t *Tracker) Bind(sessionID string, cancel func()) (release func(), ok bool) {
	entry := &binding{cancel: cancel}

	t.mu.Lock()
	if t.bound == nil {
		t.bound = make(map[string]*binding)
	}
	if _, exists := t.bound[sessionID]; exists {
		t.mu.Unlock()
		return func() {}, false
	}
	t.bound[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	return func() { t.release(sessionID, entry) }, true
}

func (t *Tracker) release(sessionID string, entry *binding) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.bound[sessionID] == entry {
			delete(t.bound, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) IsBound(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.bound[sessionID]
	return ok
}

// Cancel stops the relay bound to sessionID, if any.
func (t *Tracker) Cancel(sessionID string) bool {
	t.mu.Lock()
	entry := t.bound[sessionID]
	t.mu.Unlock()
	if entry == nil || entry.cancel == nil {
		return false
	}
	entry.cancel()
	return true
}

func (t *Tracker) CancelAll() (canceled int) {
	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.bound {
		if entry.cancel != nil {
			cancels = append(cancels, entry.cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every bound relay has been released or ctx is done.
func (t *Tracker) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
