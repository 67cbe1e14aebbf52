package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Modality distinguishes conversation surfaces. It is set once at session
// creation and persisted; session lists filter on it instead of inspecting
// titles or first messages.
type Modality string

const (
	ModalityText     Modality = "text"
	ModalityVoice    Modality = "voice"
	ModalityDocument Modality = "document"
)

// IsValid reports whether m is a known modality.
func (m Modality) IsValid() bool {
	switch m {
	case ModalityText, ModalityVoice, ModalityDocument:
		return true
	}
	return false
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation entry. Messages are owned by exactly one
// session and are appended in conversation order, never reordered or removed
// individually.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Kind      string    `json:"kind,omitempty"` // display tag, e.g. "voice"
	CreatedAt time.Time `json:"created_at"`
}

// Session is an ordered conversation between a user and the assistant.
// A session's message slice only ever grows; the whole session is the unit
// of deletion.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Modality  Modality  `json:"modality"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// maxProvisionalTitle bounds titles derived from a first message.
const maxProvisionalTitle = 40

// ProvisionalTitle derives a session title from the first user message.
// Used until a generated title arrives, and kept if generation fails.
func ProvisionalTitle(firstMessage string) string {
	title := strings.TrimSpace(firstMessage)
	title = strings.Join(strings.Fields(title), " ")
	if title == "" {
		return "New conversation"
	}
	if utf8.RuneCountInString(title) <= maxProvisionalTitle {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxProvisionalTitle])) + "…"
}
