package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/suPer8Hu/coco/internal/ai"
	"github.com/suPer8Hu/coco/internal/session"
)

const systemPrompt = "You are an expert conversation coach providing feedback on a conversation the user has just had. " +
	"Your goal is to encourage and help them improve their conversation skills for future conversations, " +
	"bearing in mind their goal for the conversation and how it went. " +
	"Only give advice helpful to the live conversation. Always respond with valid JSON."

type Analyzer struct {
	provider ai.Provider
	timeout  time.Duration
}

func NewAnalyzer(provider ai.Provider, timeout time.Duration) *Analyzer {
	return &Analyzer{provider: provider, timeout: timeout}
}

type modelReport struct {
	Stars          []string `json:"stars"`
	Wish           string   `json:"wish"`
	Takeaways      []string `json:"takeaways"`
	SummaryBullets []string `json:"summary_bullets"`
}

// Analyze never calls the model for an empty transcript. The filler percentage is
// always computed locally; whatever the model says about it is ignored.
func (a *Analyzer) Analyze(ctx context.Context, in Input) (*Report, error) {
	if !hasSpeech(in.Transcript) {
		return placeholderReport(in), nil
	}
	if a.provider == nil {
		return nil, fmt.Errorf("%w: no language model configured", session.ErrUpstream)
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	msgs := []ai.Message{
		{Role: ai.RoleSystem, Content: systemPrompt},
		{Role: ai.RoleUser, Content: buildPrompt(in)},
	}
	var raw string
	var err error
	if jp, ok := a.provider.(ai.JSONProvider); ok {
		raw, err = jp.ChatJSON(ctx, msgs)
	} else {
		raw, err = a.provider.Chat(ctx, msgs)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: analysis call failed: %v", session.ErrUpstream, err)
	}

	parsed, err := parseModelReport(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrUpstream, err)
	}

	wish := trimBullet(parsed.Wish)
	if wish == "" {
		wish = defaultWish
	}
	return &Report{
		Stars:            fit(parsed.Stars, starCount, starCount, defaultStars),
		Wish:             wish,
		FillerPercentage: FillerPercentage(in.Transcript),
		Takeaways:        fit(parsed.Takeaways, takeawayCount, takeawayCount, defaultTakeaways),
		SummaryBullets:   fit(parsed.SummaryBullets, minSummaryCount, maxSummaryCount, defaultSummary),
		Transcript:       nonNil(in.Transcript),
	}, nil
}

func hasSpeech(t []session.Utterance) bool {
	for _, u := range t {
		if strings.TrimSpace(u.Text) != "" {
			return true
		}
	}
	return false
}

func buildPrompt(in Input) string {
	var b strings.Builder
	b.WriteString("You are analyzing a conversation coaching session.\n\nUser Details:\n")
	fmt.Fprintf(&b, "- Name: %s\n- Conversation Details: %s\n- Goal: %s\n", in.UserName, in.Context, in.Goal)
	if in.Participants != "" {
		fmt.Fprintf(&b, "- Participants: %s\n", in.Participants)
	}
	if in.Tone != "" {
		fmt.Fprintf(&b, "- Desired Tone: %s\n", in.Tone)
	}
	b.WriteString("\nFull Transcript:\n")
	for _, u := range in.Transcript {
		fmt.Fprintf(&b, "[%s] %s: %s\n", u.Timestamp.UTC().Format(time.RFC3339), u.Speaker, u.Text)
	}
	fmt.Fprintf(&b, `
Analyze ONLY the user's speech (name: %s). Provide:

1. Two stars (2 things they did well)
2. One wish (1 area for improvement)
3. Three key takeaways
4. 3-5 summary bullets of the conversation

Return as JSON:
{
    "stars": ["star 1", "star 2"],
    "wish": "one wish",
    "takeaways": ["takeaway 1", "takeaway 2", "takeaway 3"],
    "summary_bullets": ["bullet 1", "bullet 2", "bullet 3"]
}
`, in.UserName)
	return b.String()
}

// parseModelReport tolerates prose or code fences around the JSON object.
func parseModelReport(raw string) (*modelReport, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("analysis reply is not a JSON object")
	}
	var out modelReport
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("analysis reply: %w", err)
	}
	return &out, nil
}

func trimBullet(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "-*• ")
	return strings.TrimSpace(s)
}
