package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/suPer8Hu/coco/internal/session"
)

// Outbound message types.
const (
	TypeTranscript = "transcript"
	TypeSuggestion = "suggestion"
	TypeAudio      = "audio"
	TypeError      = "error"
)

// ClientMessage is one decoded inbound frame: ClientAudio, ClientStop or *DecodeError.
type ClientMessage interface {
	isClientMessage()
}

// ClientAudio is a raw audio frame, forwarded to the agent as-is.
type ClientAudio struct {
	Data []byte
}

// ClientStop requests a graceful stop.
type ClientStop struct{}

// DecodeError describes an inbound frame that could not be understood.
type DecodeError struct {
	Message string
}

func (ClientAudio) isClientMessage()  {}
func (ClientStop) isClientMessage()   {}
func (*DecodeError) isClientMessage() {}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// DecodeClientFrame classifies one client frame. Binary frames are always audio; text
// frames must be a JSON object with a known "type".
func DecodeClientFrame(binary bool, data []byte) ClientMessage {
	if binary {
		return ClientAudio{Data: data}
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return &DecodeError{Message: "invalid json frame"}
	}
	typ := strings.ToLower(strings.TrimSpace(envelope.Type))
	switch typ {
	case "stop":
		return ClientStop{}
	case "":
		return &DecodeError{Message: "missing type"}
	default:
		return &DecodeError{Message: fmt.Sprintf("unsupported message type %q", typ)}
	}
}

// ServerMessage is one outbound event. Encode sets the "type" discriminator.
type ServerMessage interface {
	Encode() ([]byte, error)
}

type TranscriptMessage struct {
	Text      string          `json:"text"`
	Speaker   session.Speaker `json:"speaker"`
	Timestamp time.Time       `json:"timestamp"`
}

type SuggestionMessage struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type AudioMessage struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}

func (m TranscriptMessage) Encode() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		TranscriptMessage
	}{TypeTranscript, m})
}

func (m SuggestionMessage) Encode() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		SuggestionMessage
	}{TypeSuggestion, m})
}

func (m AudioMessage) Encode() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		AudioMessage
	}{TypeAudio, m})
}

func (m ErrorMessage) Encode() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		ErrorMessage
	}{TypeError, m})
}
