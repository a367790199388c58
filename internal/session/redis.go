package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisMaxTxRetries = 8

// RedisStore keeps sessions in Redis so they survive a process restart. Per-session
// mutations run as WATCH/MULTI transactions on the session hash, so a concurrent
// finish aborts an in-flight append instead of interleaving with it.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb:    rdb,
		prefix: "coach:session:",
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// The hash tag keeps both keys of a session in one cluster slot.
func (s *RedisStore) hashKey(id string) string {
	return s.prefix + "{" + id + "}"
}

func (s *RedisStore) transcriptKey(id string) string {
	return s.hashKey(id) + ":transcript"
}

func (s *RedisStore) Create(ctx context.Context, in NewSession) (*Session, error) {
	in, err := validateNew(in)
	if err != nil {
		return nil, err
	}
	rec := newRecord(in, s.now())

	key := s.hashKey(rec.ID)
	err = s.withRetry(ctx, key, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("session id collision: %s", rec.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeSessionHash(rec))
			s.expire(ctx, pipe, rec.ID)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *RedisStore) expire(ctx context.Context, pipe redis.Pipeliner, id string) {
	if s.ttl <= 0 {
		return
	}
	pipe.Expire(ctx, s.hashKey(id), s.ttl)
	pipe.Expire(ctx, s.transcriptKey(id), s.ttl)
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	fields, err := s.rdb.HGetAll(ctx, s.hashKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sess, err := decodeSessionHash(fields)
	if err != nil {
		return nil, err
	}

	raw, err := s.rdb.LRange(ctx, s.transcriptKey(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	sess.Transcript, err = decodeTranscript(raw)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *RedisStore) Transition(ctx context.Context, id string, to State) (*Session, error) {
	key := s.hashKey(id)
	err := s.withRetry(ctx, key, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		from := State(fields["state"])
		if !CanTransition(from, to) {
			return transitionErr(id, from, to)
		}

		values := map[string]any{"state": string(to)}
		if to == StateFinished {
			values["finished_at"] = s.now().Format(time.RFC3339Nano)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, values)
			s.expire(ctx, pipe, id)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) AppendUtterance(ctx context.Context, id string, u Utterance) error {
	u, err := validateUtterance(u)
	if err != nil {
		return err
	}
	entry, err := json.Marshal(u)
	if err != nil {
		return err
	}

	key := s.hashKey(id)
	return s.withRetry(ctx, key, func(tx *redis.Tx) error {
		state, err := tx.HGet(ctx, key, "state").Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if State(state) != StateActive {
			return fmt.Errorf("%w: session %s is %s, transcript is closed", ErrInvalidState, id, state)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, s.transcriptKey(id), entry)
			// touch the hash so a racing WATCH on it observes the append
			pipe.HIncrBy(ctx, key, "transcript_len", 1)
			s.expire(ctx, pipe, id)
			return nil
		})
		return err
	})
}

func (s *RedisStore) withRetry(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < redisMaxTxRetries; i++ {
		err := s.rdb.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis: transaction on %s kept conflicting", key)
}

func encodeSessionHash(s *Session) map[string]any {
	return map[string]any{
		"id":           s.ID,
		"context":      s.Context,
		"goal":         s.Goal,
		"user_name":    s.UserName,
		"participants": s.Participants,
		"tone":         s.Tone,
		"state":        string(s.State),
		"created_at":   s.CreatedAt.Format(time.RFC3339Nano),
	}
}

func decodeSessionHash(fields map[string]string) (*Session, error) {
	created, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("redis: bad created_at for session %s: %w", fields["id"], err)
	}
	sess := &Session{
		ID:           fields["id"],
		Context:      fields["context"],
		Goal:         fields["goal"],
		UserName:     fields["user_name"],
		Participants: fields["participants"],
		Tone:         fields["tone"],
		State:        State(fields["state"]),
		Transcript:   []Utterance{},
		CreatedAt:    created,
	}
	if v := fields["finished_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("redis: bad finished_at for session %s: %w", sess.ID, err)
		}
		sess.FinishedAt = &t
	}
	return sess, nil
}

func decodeTranscript(raw []string) ([]Utterance, error) {
	out := make([]Utterance, 0, len(raw))
	for i, r := range raw {
		var u Utterance
		if err := json.Unmarshal([]byte(r), &u); err != nil {
			return nil, fmt.Errorf("redis: bad transcript entry %d: %w", i, err)
		}
		out = append(out, u)
	}
	return out, nil
}
