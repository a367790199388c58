package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, ttl), mr
}

func TestRedisStore_Lifecycle(t *testing.T) {
	s, _ := newMiniRedisStore(t, time.Hour)
	ctx := context.Background()
	sess := newTestSession(t, s)

	got, err := s.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateCreated || got.UserName != "Alex" || len(got.Transcript) != 0 {
		t.Fatalf("unexpected record %+v", got)
	}

	if err := s.AppendUtterance(ctx, sess.ID, Utterance{Speaker: SpeakerUser, Text: "too early"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("append on CREATED: expected ErrInvalidState, got %v", err)
	}

	if _, err := s.Transition(ctx, sess.ID, StateActive); err != nil {
		t.Fatalf("activate: %v", err)
	}
	for _, text := range []string{"A", "B", "C"} {
		if err := s.AppendUtterance(ctx, sess.ID, Utterance{Speaker: SpeakerUser, Text: text}); err != nil {
			t.Fatalf("append %s: %v", text, err)
		}
	}

	finished, err := s.Transition(ctx, sess.ID, StateFinished)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if finished.FinishedAt == nil {
		t.Fatalf("finished_at not set")
	}
	if len(finished.Transcript) != 3 {
		t.Fatalf("expected 3 utterances, got %+v", finished.Transcript)
	}
	for i, want := range []string{"A", "B", "C"} {
		if finished.Transcript[i].Text != want {
			t.Fatalf("transcript reordered: %+v", finished.Transcript)
		}
	}

	if _, err := s.Transition(ctx, sess.ID, StateActive); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("FINISHED -> ACTIVE: expected ErrInvalidState, got %v", err)
	}
	if _, err := s.Transition(ctx, sess.ID, StateFinished); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second finish: expected ErrInvalidState, got %v", err)
	}
	if err := s.AppendUtterance(ctx, sess.ID, Utterance{Speaker: SpeakerCoach, Text: "late"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("append on FINISHED: expected ErrInvalidState, got %v", err)
	}
}

func TestRedisStore_CreatedToFinished(t *testing.T) {
	s, _ := newMiniRedisStore(t, 0)
	sess := newTestSession(t, s)

	got, err := s.Transition(context.Background(), sess.ID, StateFinished)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if got.State != StateFinished || len(got.Transcript) != 0 {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestRedisStore_UnknownID(t *testing.T) {
	s, _ := newMiniRedisStore(t, time.Hour)
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Transition(ctx, "missing", StateActive); !errors.Is(err, ErrNotFound) {
		t.Fatalf("transition: expected ErrNotFound, got %v", err)
	}
	if err := s.AppendUtterance(ctx, "missing", Utterance{Speaker: SpeakerUser, Text: "hi"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("append: expected ErrNotFound, got %v", err)
	}
}

func TestRedisStore_CreateWritesCompleteRecord(t *testing.T) {
	s, mr := newMiniRedisStore(t, time.Hour)
	sess := newTestSession(t, s)

	key := s.hashKey(sess.ID)
	for _, field := range []string{"id", "context", "goal", "user_name", "state", "created_at"} {
		if mr.HGet(key, field) == "" {
			t.Fatalf("field %s missing right after create", field)
		}
	}
	if ttl := mr.TTL(key); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("session hash should expire within the ttl, got %v", ttl)
	}
}

func TestRedisStore_FailedCreateLeavesNothing(t *testing.T) {
	s, mr := newMiniRedisStore(t, time.Hour)
	mr.SetError("ERR backend unavailable")

	if _, err := s.Create(context.Background(), NewSession{Context: "c", Goal: "g", UserName: "u"}); err == nil {
		t.Fatalf("expected create to fail")
	}
	mr.SetError("")
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("failed create left keys behind: %v", keys)
	}
}

func TestRedisStore_SessionsExpire(t *testing.T) {
	s, mr := newMiniRedisStore(t, time.Minute)
	ctx := context.Background()
	sess := newTestSession(t, s)
	_, _ = s.Transition(ctx, sess.ID, StateActive)
	_ = s.AppendUtterance(ctx, sess.ID, Utterance{Speaker: SpeakerUser, Text: "hello"})

	mr.FastForward(2 * time.Minute)

	if _, err := s.Get(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired session: expected ErrNotFound, got %v", err)
	}
	if mr.Exists(s.transcriptKey(sess.ID)) {
		t.Fatalf("transcript list outlived its session")
	}
}

func TestRedisStore_ConcurrentAppendAndFinish(t *testing.T) {
	s, _ := newMiniRedisStore(t, time.Hour)
	ctx := context.Background()
	sess := newTestSession(t, s)
	if _, err := s.Transition(ctx, sess.ID, StateActive); err != nil {
		t.Fatalf("activate: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 20; i++ {
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
		// a finish can lose every optimistic round to appends; keep trying until it lands
		for finished == nil {
			f, err := s.Transition(ctx, sess.ID, StateFinished)
			if err == nil {
				finished = f
				return
			}
			if errors.Is(err, ErrInvalidState) {
				return
			}
		}
	}()
	wg.Wait()

	if finished == nil {
		t.Fatalf("finish never succeeded")
	}
	final, err := s.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(final.Transcript) != accepted {
		t.Fatalf("accepted %d appends but transcript has %d", accepted, len(final.Transcript))
	}
	if len(finished.Transcript) != accepted {
		t.Fatalf("finish snapshot should hold all %d accepted utterances, got %d", accepted, len(finished.Transcript))
	}
}
