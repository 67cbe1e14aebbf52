package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/okotova/sage/internal/config"
)

// Request is the assembled message sequence sent through the fallback chain.
type Request struct {
	Messages   []ChatMessage
	Structured bool
}

// Result is a successful generation outcome.
type Result struct {
	// Text is the raw payload from the serving model.
	Text string
	// Structured holds the sanitized, validated JSON payload when the
	// request asked for structured output.
	Structured json.RawMessage
	// Model names the chain entry that served the answer.
	Model string
}

// Attempt records one failed model attempt for terminal-failure reporting.
type Attempt struct {
	Model string
	Err   error
}

// ChainExhaustedError is returned when every model in the chain failed to
// produce a usable payload.
type ChainExhaustedError struct {
	Attempts []Attempt
}

func (e *ChainExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Model, a.Err))
	}
	return "all models exhausted: " + strings.Join(parts, "; ")
}

// Gateway walks a priority-ordered model chain until one model returns a
// usable payload.
type Gateway struct {
	provider Provider
	cfg      config.GenerationConfig
	logger   *slog.Logger
}

// NewGateway creates a generation gateway over the given provider.
func NewGateway(provider Provider, cfg config.GenerationConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		provider: provider,
		cfg:      cfg,
		logger:   logger,
	}
}

// Generate sends the request down the fallback chain. Per model:
// a rate limit earns one short backoff and a retry of the same model
// (rate limits are often momentary, and the highest-capability model should
// not be abandoned prematurely); a server error or any other failure
// advances to the next model immediately. The first non-empty payload wins.
func (g *Gateway) Generate(ctx context.Context, req Request) (*Result, error) {
	temperature := g.cfg.Temperature
	if req.Structured {
		temperature = g.cfg.StructuredTemperature
	}
	opts := GenerateOptions{
		Temperature: temperature,
		Structured:  req.Structured,
	}

	var attempts []Attempt
	for _, model := range g.cfg.ModelChain {
		text, err := g.generateWithModel(ctx, model, req.Messages, opts)
		if err != nil {
			attempts = append(attempts, Attempt{Model: model, Err: err})
			g.logger.Warn("model attempt failed, advancing chain",
				"model", model, "error", err)
			continue
		}

		result := &Result{Text: text, Model: model}
		if req.Structured {
			payload := StripFences(text)
			if !json.Valid([]byte(payload)) {
				// Another model may still comply with the schema.
				attempts = append(attempts, Attempt{Model: model, Err: fmt.Errorf("unparseable structured output: %w", ErrEmptyPayload)})
				g.logger.Warn("structured output failed to parse, advancing chain", "model", model)
				continue
			}
			result.Structured = json.RawMessage(payload)
		}

		g.logger.Info("generation served", "model", model, "response_len", len(text))
		return result, nil
	}

	return nil, &ChainExhaustedError{Attempts: attempts}
}

// generateWithModel issues the request against one model, retrying the same
// model after a fixed backoff when the provider signals a rate limit.
func (g *Gateway) generateWithModel(ctx context.Context, model string, messages []ChatMessage, opts GenerateOptions) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= g.cfg.RateLimitRetries; attempt++ {
		text, err := g.provider.Generate(ctx, model, messages, opts)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if !errors.Is(err, ErrRateLimited) || attempt == g.cfg.RateLimitRetries {
			return "", err
		}

		g.logger.Info("rate limited, retrying same model",
			"model", model, "backoff", g.cfg.RateLimitBackoff)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(g.cfg.RateLimitBackoff):
		}
	}
	return "", lastErr
}
