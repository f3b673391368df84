package conversation

import (
	"strings"
	"unicode/utf8"
)

var (
	dollyMarkers    = []string{"### Instruction:", "### Response:", "### End"}
	oasstMarkers    = []string{"<|prompter|>", "<|assistant|>", "<|endoftext|>"}
	stableLMMarkers = []string{"<|SYSTEM|>", "<|USER|>", "<|ASSISTANT|>"}
)

// ComputeSkipEchoLen returns how many leading characters of a raw worker response repeat the
// submitted prompt. Workers decode special tokens away, so markers are subtracted from the
// prompt length. The result is a rune offset, computed once per turn.
func ComputeSkipEchoLen(modelName string, c *Conversation, prompt string) int {
	m := strings.ToLower(modelName)
	var skip int
	switch {
	case strings.Contains(m, "chatglm"):
		// chatglm workers only return the new turn, prefixed by one separator character
		if len(c.Messages) >= 2 {
			skip = utf8.RuneCountInString(c.Messages[len(c.Messages)-2].Text) + 1
		}
	case strings.Contains(m, "dolly-v2"):
		skip = lengthWithoutMarkers(prompt, dollyMarkers)
	case strings.Contains(m, "oasst") && strings.Contains(m, "pythia"):
		skip = lengthWithoutMarkers(prompt, oasstMarkers)
	case strings.Contains(m, "stablelm"):
		skip = lengthWithoutMarkers(prompt, stableLMMarkers)
	default:
		skip = utf8.RuneCountInString(prompt) + 1 - strings.Count(prompt, "</s>")*3
	}
	if skip < 0 {
		return 0
	}
	return skip
}

func lengthWithoutMarkers(prompt string, markers []string) int {
	n := utf8.RuneCountInString(prompt)
	for _, tok := range markers {
		n -= strings.Count(prompt, tok) * utf8.RuneCountInString(tok)
	}
	return n
}

// SkipRunes drops the first n runes of s.
func SkipRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	i := 0
	for idx := range s {
		if i == n {
			return s[idx:]
		}
		i++
	}
	return ""
}
