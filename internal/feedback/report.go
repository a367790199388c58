package feedback

import "github.com/suPer8Hu/coco/internal/session"

const (
	starCount       = 2
	takeawayCount   = 3
	minSummaryCount = 3
	maxSummaryCount = 5
)

// Report is built once at finish and never mutated afterwards.
type Report struct {
	Stars            []string            `json:"stars"`
	Wish             string              `json:"wish"`
	FillerPercentage float64             `json:"filler_percentage"`
	Takeaways        []string            `json:"takeaways"`
	SummaryBullets   []string            `json:"summary_bullets"`
	Transcript       []session.Utterance `json:"transcript"`
}

type Input struct {
	UserName     string
	Context      string
	Goal         string
	Participants string
	Tone         string
	Transcript   []session.Utterance
}

func InputFromSession(s *session.Session) Input {
	return Input{
		UserName:     s.UserName,
		Context:      s.Context,
		Goal:         s.Goal,
		Participants: s.Participants,
		Tone:         s.Tone,
		Transcript:   append([]session.Utterance(nil), s.Transcript...),
	}
}

var (
	defaultStars = []string{"Started the session", "Ready to practice"}
	defaultWish  = "Have a longer conversation to get more feedback"

	defaultTakeaways = []string{
		"Practice makes perfect",
		"Try again with a real conversation",
		"Focus on your goals",
	}
	defaultSummary = []string{
		"Session started but no conversation recorded",
		"No user speech was captured",
		"Start a new session to get detailed feedback",
	}
)

func placeholderReport(in Input) *Report {
	return &Report{
		Stars:            append([]string(nil), defaultStars...),
		Wish:             defaultWish,
		FillerPercentage: FillerPercentage(in.Transcript),
		Takeaways:        append([]string(nil), defaultTakeaways...),
		SummaryBullets:   append([]string(nil), defaultSummary...),
		Transcript:       nonNil(in.Transcript),
	}
}

func nonNil(t []session.Utterance) []session.Utterance {
	if t == nil {
		return []session.Utterance{}
	}
	return t
}

// fit trims or pads list to the wanted length range, padding from fallback.
func fit(list []string, min, max int, fallback []string) []string {
	out := make([]string, 0, max)
	for _, s := range list {
		if s = trimBullet(s); s != "" {
			out = append(out, s)
		}
		if len(out) == max {
			break
		}
	}
	for i := 0; len(out) < min; i++ {
		out = append(out, fallback[i%len(fallback)])
	}
	return out
}
