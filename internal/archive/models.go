package archive

import "time"

// Report is one archived feedback report, unique per coaching session.
type Report struct {
	ID        string `gorm:"primaryKey;size:26" json:"id"` // ULID length
	SessionID string `gorm:"type:varchar(36);uniqueIndex;not null" json:"session_id"`

	UserName     string `gorm:"type:varchar(128);index;not null" json:"user_name"`
	Context      string `gorm:"type:text;not null" json:"context"`
	Goal         string `gorm:"type:text;not null" json:"goal"`
	Participants string `gorm:"type:text" json:"participants,omitempty"`
	Tone         string `gorm:"type:varchar(64)" json:"tone,omitempty"`

	Stars            []string `gorm:"serializer:json;type:text" json:"stars"`
	Wish             string   `gorm:"type:text" json:"wish"`
	FillerPercentage float64  `json:"filler_percentage"`
	Takeaways        []string `gorm:"serializer:json;type:text" json:"takeaways"`
	SummaryBullets   []string `gorm:"serializer:json;type:text" json:"summary_bullets"`
	UtteranceCount   int      `json:"utterance_count"`

	SessionCreatedAt time.Time  `json:"session_created_at"`
	FinishedAt       *time.Time `json:"finished_at"`
	CreatedAt        time.Time  `json:"created_at"`
}

func (Report) TableName() string { return "coach_reports" }

// Utterance is one transcript line of an archived session; Seq keeps transcript order.
type Utterance struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID string    `gorm:"type:varchar(36);not null;index:uniq_coach_utt_seq,unique,priority:1" json:"session_id"`
	Seq       int       `gorm:"not null;index:uniq_coach_utt_seq,unique,priority:2" json:"seq"`
	Speaker   string    `gorm:"type:varchar(16);not null" json:"speaker"`
	Text      string    `gorm:"type:text;not null" json:"text"`
	SpokenAt  time.Time `json:"spoken_at"`
}

func (Utterance) TableName() string { return "coach_utterances" }
