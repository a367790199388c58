package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store owns every Session record. Implementations must serialize mutations per
// session id and must not share locks across sessions.
type Store interface {
	Create(ctx context.Context, in NewSession) (*Session, error)
	// Get returns a snapshot; mutating it does not affect the store.
	Get(ctx context.Context, id string) (*Session, error)
	Transition(ctx context.Context, id string, to State) (*Session, error)
	AppendUtterance(ctx context.Context, id string, u Utterance) error
}

func validateNew(in NewSession) (NewSession, error) {
	in.Context = strings.TrimSpace(in.Context)
	in.Goal = strings.TrimSpace(in.Goal)
	in.UserName = strings.TrimSpace(in.UserName)
	in.Participants = strings.TrimSpace(in.Participants)
	in.Tone = strings.TrimSpace(in.Tone)

	var missing []string
	if in.Context == "" {
		missing = append(missing, "context")
	}
	if in.Goal == "" {
		missing = append(missing, "goal")
	}
	if in.UserName == "" {
		missing = append(missing, "user_name")
	}
	if len(missing) > 0 {
		return in, fmt.Errorf("%w: %s required", ErrValidation, strings.Join(missing, ", "))
	}
	return in, nil
}

func validateUtterance(u Utterance) (Utterance, error) {
	if !u.Speaker.Valid() {
		return u, fmt.Errorf("%w: unknown speaker %q", ErrValidation, u.Speaker)
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}
	return u, nil
}

func newRecord(in NewSession, now time.Time) *Session {
	return &Session{
		ID:           uuid.NewString(),
		Context:      in.Context,
		Goal:         in.Goal,
		UserName:     in.UserName,
		Participants: in.Participants,
		Tone:         in.Tone,
		State:        StateCreated,
		Transcript:   []Utterance{},
		CreatedAt:    now,
	}
}

func transitionErr(id string, from, to State) error {
	return fmt.Errorf("%w: session %s cannot move from %s to %s", ErrInvalidState, id, from, to)
}
