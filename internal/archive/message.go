package archive

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/suPer8Hu/coco/internal/feedback"
	"github.com/suPer8Hu/coco/internal/session"
)

// ReportMessage is the queue payload for one finished session.
type ReportMessage struct {
	SessionID    string          `json:"session_id"`
	UserName     string          `json:"user_name"`
	Context      string          `json:"context"`
	Goal         string          `json:"goal"`
	Participants string          `json:"participants,omitempty"`
	Tone         string          `json:"tone,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Report       feedback.Report `json:"report"`
}

var ErrBadMessage = errors.New("bad report message")

func NewMessage(sess *session.Session, report *feedback.Report) ReportMessage {
	return ReportMessage{
		SessionID:    sess.ID,
		UserName:     sess.UserName,
		Context:      sess.Context,
		Goal:         sess.Goal,
		Participants: sess.Participants,
		Tone:         sess.Tone,
		CreatedAt:    sess.CreatedAt,
		FinishedAt:   sess.FinishedAt,
		Report:       *report,
	}
}

// DecodeMessage rejects payloads that can never be stored; retrying them is pointless.
func DecodeMessage(body []byte) (ReportMessage, error) {
	var m ReportMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return m, errors.Join(ErrBadMessage, err)
	}
	if strings.TrimSpace(m.SessionID) == "" {
		return m, errors.Join(ErrBadMessage, errors.New("session_id missing"))
	}
	return m, nil
}

// Records converts a message into rows. The report id is assigned by the repo.
func Records(m ReportMessage) (*Report, []Utterance) {
	rep := &Report{
		SessionID:        m.SessionID,
		UserName:         m.UserName,
		Context:          m.Context,
		Goal:             m.Goal,
		Participants:     m.Participants,
		Tone:             m.Tone,
		Stars:            m.Report.Stars,
		Wish:             m.Report.Wish,
		FillerPercentage: m.Report.FillerPercentage,
		Takeaways:        m.Report.Takeaways,
		SummaryBullets:   m.Report.SummaryBullets,
		UtteranceCount:   len(m.Report.Transcript),
		SessionCreatedAt: m.CreatedAt,
		FinishedAt:       m.FinishedAt,
	}

	utts := make([]Utterance, 0, len(m.Report.Transcript))
	for i, u := range m.Report.Transcript {
		utts = append(utts, Utterance{
			SessionID: m.SessionID,
			Seq:       i,
			Speaker:   string(u.Speaker),
			Text:      u.Text,
			SpokenAt:  u.Timestamp,
		})
	}
	return rep, utts
}
