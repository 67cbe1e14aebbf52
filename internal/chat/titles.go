package chat

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parseTitle extracts the title field from a structured gateway payload.
func parseTitle(raw json.RawMessage) (string, error) {
	var payload struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("decode title payload: %w", err)
	}
	return strings.TrimSpace(payload.Title), nil
}
