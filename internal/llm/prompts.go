package llm

import (
	"fmt"
	"strings"
)

// Moods are the labels MoodPrompt may answer with.
var Moods = []string{"happy", "sad", "neutral", "anxious", "excited", "tired", "frustrated"}

// MoodPrompt asks for a single mood label for one conversational message.
func MoodPrompt(message string) string {
	return fmt.Sprintf(`Classify the mood of the speaker in the message below.
Answer with exactly one word from this list: %s.
Do not explain.

MESSAGE:
%s`, strings.Join(Moods, ", "), message)
}

// ParseMood extracts a known mood label from a completion. It tolerates
// surrounding whitespace, punctuation and capitalization.
func ParseMood(completion string) (string, bool) {
	word := strings.ToLower(strings.TrimSpace(completion))
	word = strings.Trim(word, " .!\"'`\n\t")
	if i := strings.IndexAny(word, " \n\t,"); i >= 0 {
		word = word[:i]
	}
	for _, m := range Moods {
		if word == m {
			return m, true
		}
	}
	return "", false
}
