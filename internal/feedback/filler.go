package feedback

import (
	"math"
	"strings"
	"unicode"

	"github.com/suPer8Hu/coco/internal/session"
)

var singleFillers = map[string]struct{}{
	"um": {}, "umm": {}, "uh": {}, "uhh": {}, "er": {}, "erm": {}, "ah": {}, "hmm": {}, "like": {},
}

var phraseFillers = [][]string{
	{"you", "know"},
	{"i", "mean"},
	{"kind", "of"},
	{"sort", "of"},
}

// Tokenize splits text into lower-cased runs of letters, digits and apostrophes.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '’')
	})
}

// CountFillers returns filler and total token counts for one piece of text.
// Every word of a matched filler phrase counts as a filler token.
func CountFillers(text string) (fillers, total int) {
	tokens := Tokenize(text)
	total = len(tokens)
	for i := 0; i < len(tokens); {
		if n := matchPhrase(tokens[i:]); n > 0 {
			fillers += n
			i += n
			continue
		}
		if _, ok := singleFillers[tokens[i]]; ok {
			fillers++
		}
		i++
	}
	return fillers, total
}

func matchPhrase(tokens []string) int {
	for _, phrase := range phraseFillers {
		if len(tokens) < len(phrase) {
			continue
		}
		match := true
		for j, w := range phrase {
			if tokens[j] != w {
				match = false
				break
			}
		}
		if match {
			return len(phrase)
		}
	}
	return 0
}

// FillerPercentage is computed over user utterances only, rounded to two decimals.
// A transcript without user tokens yields 0.
func FillerPercentage(transcript []session.Utterance) float64 {
	var fillers, total int
	for _, u := range transcript {
		if u.Speaker != session.SpeakerUser {
			continue
		}
		f, t := CountFillers(u.Text)
		fillers += f
		total += t
	}
	if total == 0 {
		return 0
	}
	pct := float64(fillers) / float64(total) * 100
	return math.Round(pct*100) / 100
}
