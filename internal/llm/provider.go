// Package llm implements the generation gateway: a provider-agnostic client
// for language-generation models with a priority-ordered fallback chain.
package llm

import (
	"context"
	"errors"
)

// ChatMessage is one entry of the message sequence sent to a provider.
type ChatMessage struct {
	Role string // "system", "user" or "assistant"
	Text string
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// GenerateOptions carries per-call provider settings.
type GenerateOptions struct {
	Temperature float64
	// Structured requests a strictly machine-parseable JSON response.
	Structured bool
}

// Provider sends an assembled message sequence to one backing model and
// returns the generated text. Errors are classified so the gateway can
// decide between retrying the same model and advancing the chain.
type Provider interface {
	Generate(ctx context.Context, model string, messages []ChatMessage, opts GenerateOptions) (string, error)
}

// Error classes reported by providers. Checked with errors.Is.
var (
	// ErrRateLimited indicates the provider throttled the request. Often
	// momentary, so the gateway retries the same model once before moving on.
	ErrRateLimited = errors.New("rate limited")

	// ErrServer indicates a server-side failure; the model is abandoned
	// immediately in favor of the next one in the chain.
	ErrServer = errors.New("server error")

	// ErrEmptyPayload indicates the provider answered without usable content.
	ErrEmptyPayload = errors.New("empty payload")

	// ErrUnauthorized indicates the API credential was rejected. The cached
	// key is invalidated so the next call re-resolves it.
	ErrUnauthorized = errors.New("unauthorized")
)
