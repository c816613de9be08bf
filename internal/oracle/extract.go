package oracle

import (
	"regexp"
	"strings"
)

var codeFenceRe = regexp.MustCompile("```(?:python)?\\s*\\n([\\s\\S]*?)```")

// ExtractCode strips markdown formatting from an oracle response, returning
// the runnable Python body. Responses typically arrive either as a fenced
// ```python block or as bare code.
func ExtractCode(response string) string {
	matches := codeFenceRe.FindStringSubmatch(response)
	if len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}

	// No complete fenced block: drop any stray fence lines and return the rest.
	var lines []string
	for _, line := range strings.Split(response, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		lines = append(lines, line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
