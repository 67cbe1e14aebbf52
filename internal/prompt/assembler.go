package prompt

import (
	"strings"
	"unicode/utf8"

	"github.com/okotova/sage/internal/config"
	"github.com/okotova/sage/internal/domain"
	"github.com/okotova/sage/internal/llm"
)

// Input carries everything a single turn contributes to the prompt.
type Input struct {
	Persona  Persona
	Snapshot domain.ContextSnapshot
	// History is the session's prior messages in conversation order. The
	// in-flight message must not be part of it.
	History []domain.Message
	// UserMessage is the in-flight message, appended as the final entry.
	UserMessage string
	// DocumentText is the pre-extracted document body for the document
	// persona. Only a bounded prefix of it is injected.
	DocumentText string
}

// Assembler builds provider message sequences. All personas share the same
// assembly algorithm and differ only in their system instruction.
type Assembler struct {
	cfg config.PromptConfig
}

// NewAssembler creates a prompt assembler.
func NewAssembler(cfg config.PromptConfig) *Assembler {
	return &Assembler{cfg: cfg}
}

// Assemble produces the ordered message list for one turn:
// [system instruction, ...history window, new user message].
func (a *Assembler) Assemble(in Input) []llm.ChatMessage {
	var system strings.Builder
	system.WriteString(in.Persona.instruction())

	if directive := strings.TrimSpace(in.Snapshot.Directive); directive != "" {
		system.WriteString("\n\nThe student asked you to adapt your answers as follows: ")
		system.WriteString(directive)
	}

	if block := renderSnapshot(in.Snapshot); block != "" {
		system.WriteString("\n\n")
		system.WriteString(block)
	}

	if in.Persona == PersonaDocument {
		if excerpt := boundedExcerpt(in.DocumentText, a.cfg.DocumentExcerptSize); excerpt != "" {
			system.WriteString("\n\nDocument excerpt:\n---\n")
			system.WriteString(excerpt)
			system.WriteString("\n---")
		}
	}

	messages := make([]llm.ChatMessage, 0, len(in.History)+2)
	messages = append(messages, llm.ChatMessage{Role: llm.RoleSystem, Text: system.String()})

	for _, msg := range historyWindow(in.History, a.cfg.HistoryWindow) {
		role := llm.RoleUser
		if msg.Role == domain.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.ChatMessage{Role: role, Text: msg.Content})
	}

	messages = append(messages, llm.ChatMessage{Role: llm.RoleUser, Text: in.UserMessage})
	return messages
}

// historyWindow returns the most recent limit messages in their original
// chronological order.
func historyWindow(history []domain.Message, limit int) []domain.Message {
	if limit <= 0 || len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}

// boundedExcerpt returns a prefix of text at most size bytes long, cut at a
// rune boundary.
func boundedExcerpt(text string, size int) string {
	text = strings.TrimSpace(text)
	if len(text) <= size {
		return text
	}
	cut := size
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return strings.TrimSpace(text[:cut])
}
