// Package agent is the boundary to the external conversational voice agent. Vendor
// wire formats are decoded here into Event values; nothing outside this package
// knows the vendor schema.
package agent

import (
	"context"
	"time"
)

type EventKind int

const (
	// EventUserTranscript carries recognized user speech.
	EventUserTranscript EventKind = iota + 1
	// EventAgentResponse carries the agent's text reply (a coaching suggestion).
	EventAgentResponse
	// EventAudio carries base64 agent audio.
	EventAudio
	// EventMetadata announces conversation parameters such as the output audio format.
	EventMetadata
	// EventInterruption reports that the user talked over the agent.
	EventInterruption
)

func (k EventKind) String() string {
	switch k {
	case EventUserTranscript:
		return "user_transcript"
	case EventAgentResponse:
		return "agent_response"
	case EventAudio:
		return "audio"
	case EventMetadata:
		return "metadata"
	case EventInterruption:
		return "interruption"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind           EventKind
	Text           string
	AudioB64       string
	AudioFormat    string
	ConversationID string
	ReceivedAt     time.Time
}

// Params are passed to the agent when the conversation starts.
type Params struct {
	SessionID    string
	UserName     string
	Context      string
	Goal         string
	Participants string
	Tone         string
}

// Conn is one live agent conversation.
type Conn interface {
	SendAudio(ctx context.Context, pcm []byte) error
	// Events is closed when the conversation ends for any reason. Callers must drain
	// it until closed.
	Events() <-chan Event
	// Err reports why the conversation ended; nil after a local Close.
	Err() error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, p Params) (Conn, error)
}
