package session

import "time"

type State string

const (
	StateCreated  State = "CREATED"
	StateActive   State = "ACTIVE"
	StateFinished State = "FINISHED"
)

func (s State) rank() int {
	switch s {
	case StateCreated:
		return 1
	case StateActive:
		return 2
	case StateFinished:
		return 3
	default:
		return 0
	}
}

// CanTransition reports whether a session may move from one state to another.
// States only move forward; skipping ACTIVE (CREATED -> FINISHED) is allowed so a
// session that never streamed can still be finished.
func CanTransition(from, to State) bool {
	f, t := from.rank(), to.rank()
	if f == 0 || t == 0 {
		return false
	}
	return t > f
}

type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerCoach Speaker = "coach"
)

func (s Speaker) Valid() bool {
	return s == SpeakerUser || s == SpeakerCoach
}

type Utterance struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type Session struct {
	ID           string      `json:"session_id"`
	Context      string      `json:"context"`
	Goal         string      `json:"goal"`
	UserName     string      `json:"user_name"`
	Participants string      `json:"participants,omitempty"`
	Tone         string      `json:"tone,omitempty"`
	State        State       `json:"state"`
	Transcript   []Utterance `json:"transcript"`
	CreatedAt    time.Time   `json:"created_at"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
}

// Clone returns a deep copy so callers never share the transcript backing array
// with the store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Transcript = append([]Utterance(nil), s.Transcript...)
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

// NewSession is the creation input. Participants and Tone are optional.
type NewSession struct {
	Context      string
	Goal         string
	UserName     string
	Participants string
	Tone         string
}
