package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestSession(t *testing.T, s Store) *Session {
	t.Helper()
	sess, err := s.Create(context.Background(), NewSession{
		Context:  "hackathon networking",
		Goal:     "be friendly",
		UserName: "Alex",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return sess
}

func TestCreate_AssignsUniqueIDs(t *testing.T) {
	s := NewMemoryStore()
	seen := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		sess := newTestSession(t, s)
		if sess.ID == "" {
			t.Fatalf("empty id at iteration %d", i)
		}
		if _, dup := seen[sess.ID]; dup {
			t.Fatalf("duplicate id %s", sess.ID)
		}
		seen[sess.ID] = struct{}{}
		if sess.State != StateCreated {
			t.Fatalf("expected CREATED, got %s", sess.State)
		}
	}
}

func TestCreate_RequiresFields(t *testing.T) {
	s := NewMemoryStore()
	cases := []NewSession{
		{Goal: "g", UserName: "u"},
		{Context: "c", UserName: "u"},
		{Context: "c", Goal: "g", UserName: "   "},
	}
	for i, in := range cases {
		if _, err := s.Create(context.Background(), in); !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
}

func TestGet_UnknownID(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransition_IsMonotonic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess := newTestSession(t, s)

	if _, err := s.Transition(ctx, sess.ID, StateActive); err != nil {
		t.Fatalf("CREATED->ACTIVE: %v", err)
	}
	if _, err := s.Transition(ctx, sess.ID, StateActive); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("ACTIVE->ACTIVE should fail, got %v", err)
	}
	got, err := s.Transition(ctx, sess.ID, StateFinished)
	if err != nil {
		t.Fatalf("ACTIVE->FINISHED: %v", err)
	}
	if got.FinishedAt == nil {
		t.Fatalf("expected finished_at to be set")
	}
	if _, err := s.Transition(ctx, sess.ID, StateActive); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("FINISHED->ACTIVE should fail, got %v", err)
	}
}

func TestTransition_CreatedToFinished(t *testing.T) {
	s := NewMemoryStore()
	sess := newTestSession(t, s)
	if _, err := s.Transition(context.Background(), sess.ID, StateFinished); err != nil {
		t.Fatalf("CREATED->FINISHED: %v", err)
	}
}

func TestAppendUtterance_RequiresActive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess := newTestSession(t, s)
	u := Utterance{Speaker: SpeakerUser, Text: "hi"}

	if err := s.AppendUtterance(ctx, sess.ID, u); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("append on CREATED should fail, got %v", err)
	}
	if _, err := s.Transition(ctx, sess.ID, StateActive); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := s.AppendUtterance(ctx, sess.ID, u); err != nil {
		t.Fatalf("append on ACTIVE: %v", err)
	}
	if _, err := s.Transition(ctx, sess.ID, StateFinished); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := s.AppendUtterance(ctx, sess.ID, u); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("append on FINISHED should fail, got %v", err)
	}
	if err := s.AppendUtterance(ctx, "missing", u); !errors.Is(err, ErrNotFound) {
		t.Fatalf("append on unknown id should fail with ErrNotFound, got %v", err)
	}
}

func TestAppendUtterance_RejectsUnknownSpeaker(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess := newTestSession(t, s)
	_, _ = s.Transition(ctx, sess.ID, StateActive)
	if err := s.AppendUtterance(ctx, sess.ID, Utterance{Speaker: "robot", Text: "x"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestAppendUtterance_PreservesOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess := newTestSession(t, s)
	_, _ = s.Transition(ctx, sess.ID, StateActive)

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	// timestamps deliberately out of order: insertion order wins
	in := []Utterance{
		{Speaker: SpeakerUser, Text: "A", Timestamp: base.Add(2 * time.Second)},
		{Speaker: SpeakerCoach, Text: "B", Timestamp: base},
		{Speaker: SpeakerUser, Text: "C", Timestamp: base.Add(time.Second)},
	}
	for _, u := range in {
		if err := s.AppendUtterance(ctx, sess.ID, u); err != nil {
			t.Fatalf("append %s: %v", u.Text, err)
		}
	}
	got, err := s.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Transcript) != 3 {
		t.Fatalf("expected 3 utterances, got %d", len(got.Transcript))
	}
	for i, want := range []string{"A", "B", "C"} {
		if got.Transcript[i].Text != want {
			t.Fatalf("position %d: want %s got %s", i, want, got.Transcript[i].Text)
		}
	}
}

func TestGet_ReturnsSnapshot(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess := newTestSession(t, s)
	_, _ = s.Transition(ctx, sess.ID, StateActive)
	_ = s.AppendUtterance(ctx, sess.ID, Utterance{Speaker: SpeakerUser, Text: "one"})

	snap, _ := s.Get(ctx, sess.ID)
	snap.Transcript[0].Text = "mutated"
	snap.State = StateFinished

	again, _ := s.Get(ctx, sess.ID)
	if again.Transcript[0].Text != "one" || again.State != StateActive {
		t.Fatalf("store was mutated through a snapshot: %+v", again)
	}
}

func TestConcurrentAppendAndFinish(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess := newTestSession(t, s)
	_, _ = s.Transition(ctx, sess.ID, StateActive)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.AppendUtterance(ctx, sess.ID, Utterance{Speaker: SpeakerUser, Text: fmt.Sprintf("u%d", i)})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	var finished *Session
	wg.Add(1)
	go func() {
		defer wg.Done()
		finished, _ = s.Transition(ctx, sess.ID, StateFinished)
	}()
	wg.Wait()

	final, _ := s.Get(ctx, sess.ID)
	if len(final.Transcript) != accepted {
		t.Fatalf("accepted %d appends but transcript has %d", accepted, len(final.Transcript))
	}
	if finished == nil || len(finished.Transcript) != accepted {
		t.Fatalf("finish snapshot should be frozen with all accepted utterances")
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateCreated, StateActive, true},
		{StateCreated, StateFinished, true},
		{StateActive, StateFinished, true},
		{StateActive, StateCreated, false},
		{StateFinished, StateActive, false},
		{StateFinished, StateFinished, false},
		{State("bogus"), StateActive, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Fatalf("%s->%s: want %v got %v", c.from, c.to, c.want, got)
		}
	}
}
