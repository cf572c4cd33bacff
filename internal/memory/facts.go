package memory

import "strings"

// ExtractedFact is a candidate fact pulled out of a user message.
type ExtractedFact struct {
	Category   string
	Content    string
	Importance int
}

var factPatterns = []struct {
	category   string
	importance int
	cues       []string
}{
	{"fact", 9, []string{"my name is", "i work at", "i live in", "i am from", "my job is", "i'm a"}},
	{"instruction", 8, []string{"remember that", "always ", "never ", "don't forget", "keep in mind"}},
	{"preference", 7, []string{"i like", "i prefer", "my favorite", "i love", "i hate", "i don't like"}},
}

// ExtractFact uses simple cue phrases to identify memorable content in a
// user message. The whole message is the fact's content, so only the
// highest-importance category that matches is reported.
func ExtractFact(text string) (ExtractedFact, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return ExtractedFact{}, false
	}
	lower := strings.ToLower(text)

	for _, p := range factPatterns {
		for _, cue := range p.cues {
			if strings.Contains(lower, cue) {
				return ExtractedFact{
					Category:   p.category,
					Content:    text,
					Importance: p.importance,
				}, true
			}
		}
	}
	return ExtractedFact{}, false
}
