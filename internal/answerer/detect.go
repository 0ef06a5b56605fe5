package answerer

import (
	"regexp"
	"strings"
)

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*(\x07|\x1b\\)|\x1b[@-Z\\-_]`)

// questionPrefixes start a line the agent uses to ask for a decision.
var questionPrefixes = []string{
	"should i", "should we", "would you like", "do you want", "which",
	"confirm", "approve", "verify", "choose", "proceed", "continue?",
}

// choiceMarkers are inline prompts for a yes/no answer.
var choiceMarkers = []string{"(y/n)", "[y/n]", "(yes/no)", "[yes/no]"}

// StripANSI removes terminal escape sequences.
func StripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

// Normalize returns the cache key of a question: escapes stripped, lowercased,
// whitespace collapsed.
func Normalize(line string) string {
	return strings.Join(strings.Fields(strings.ToLower(StripANSI(line))), " ")
}

// DetectQuestion reports whether a line of agent output asks for input.
func DetectQuestion(line string) bool {
	q := Normalize(line)
	if q == "" {
		return false
	}
	if strings.HasSuffix(q, "?") {
		return true
	}
	for _, m := range choiceMarkers {
		if strings.Contains(q, m) {
			return true
		}
	}
	for _, p := range questionPrefixes {
		if strings.HasPrefix(q, p) {
			return true
		}
	}
	return false
}
