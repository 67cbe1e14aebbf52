package llm

import (
	"strings"
)

// StripFences removes markdown code-fence wrappers models sometimes add
// around JSON payloads, regardless of which model produced the text.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```JSON")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
