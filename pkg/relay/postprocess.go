package relay

import "strings"

const codeFence = "\n```"

// PostProcessCode unescapes markdown underscores inside fenced code blocks. Text with
// unbalanced fences is returned unchanged.
func PostProcessCode(text string) string {
	if !strings.Contains(text, codeFence) {
		return text
	}
	blocks := strings.Split(text, codeFence)
	if len(blocks)%2 != 1 {
		return text
	}
	for i := 1; i < len(blocks); i += 2 {
		blocks[i] = strings.ReplaceAll(blocks[i], `\_`, "_")
	}
	return strings.Join(blocks, codeFence)
}
