package services

import (
	"fmt"
	"strings"

	"github.com/manthysbr/mandos/internal/core/domain"
)

const jsonFenceStart = "```json"
const jsonFenceEnd = "```"

// extractJSONObject locates the first JSON object in free-form LLM
// output. A fenced ```json block wins; otherwise the first balanced
// brace span is taken.
func extractJSONObject(text string) (string, error) {
	if i := strings.Index(text, jsonFenceStart); i >= 0 {
		rest := text[i+len(jsonFenceStart):]
		if j := strings.Index(rest, jsonFenceEnd); j >= 0 {
			candidate := strings.TrimSpace(rest[:j])
			if candidate != "" {
				return candidate, nil
			}
		}
	}

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", fmt.Errorf("%w: no JSON object in text", domain.ErrDecodePlan)
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("%w: unbalanced JSON object in text", domain.ErrDecodePlan)
}
