package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// KeyFunc resolves the provider API key. It is called lazily on first use
// and again after the cached key is invalidated by an auth failure.
type KeyFunc func() (string, error)

// StaticKey returns a KeyFunc for a fixed API key.
func StaticKey(key string) KeyFunc {
	return func() (string, error) {
		if key == "" {
			return "", fmt.Errorf("GEMINI_API_KEY is not set")
		}
		return key, nil
	}
}

// GeminiProvider implements Provider against the Gemini REST API.
type GeminiProvider struct {
	baseURL    string
	keyFn      KeyFunc
	httpClient *http.Client

	mu  sync.Mutex
	key string // cached credential, cleared on auth failure
}

// NewGeminiProvider creates a Gemini REST provider.
func NewGeminiProvider(baseURL string, keyFn KeyFunc, timeout time.Duration) *GeminiProvider {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &GeminiProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		keyFn:   keyFn,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (p *GeminiProvider) apiKey() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.key != "" {
		return p.key, nil
	}
	key, err := p.keyFn()
	if err != nil {
		return "", fmt.Errorf("resolve api key: %w", err)
	}
	p.key = key
	return key, nil
}

func (p *GeminiProvider) invalidateKey() {
	p.mu.Lock()
	p.key = ""
	p.mu.Unlock()
}

// Gemini REST request/response shapes. Only the fields this engine uses.

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Generate sends one request to the named model and returns the generated
// text. The returned error wraps one of the package error classes.
func (p *GeminiProvider) Generate(ctx context.Context, model string, messages []ChatMessage, opts GenerateOptions) (string, error) {
	key, err := p.apiKey()
	if err != nil {
		return "", err
	}

	reqBody := geminiRequest{
		GenerationConfig: geminiGenerationConfig{
			Temperature: opts.Temperature,
		},
	}
	if opts.Structured {
		reqBody.GenerationConfig.ResponseMimeType = "application/json"
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			// Gemini takes the system instruction out of band.
			reqBody.SystemInstruction = &geminiContent{
				Parts: []geminiPart{{Text: msg.Text}},
			}
		case RoleAssistant:
			reqBody.Contents = append(reqBody.Contents, geminiContent{
				Role:  "model",
				Parts: []geminiPart{{Text: msg.Text}},
			})
		default:
			reqBody.Contents = append(reqBody.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: msg.Text}},
			})
		}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, model, key)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request %s: %w", model, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%s returned 429: %w", model, ErrRateLimited)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		p.invalidateKey()
		return "", fmt.Errorf("%s returned %d: %w", model, resp.StatusCode, ErrUnauthorized)
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%s returned %d: %w", model, resp.StatusCode, ErrServer)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%s returned %d: %s", model, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var geminiResp geminiResponse
	if err := json.Unmarshal(body, &geminiResp); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if geminiResp.Error != nil {
		return "", fmt.Errorf("%s api error %d: %s", model, geminiResp.Error.Code, geminiResp.Error.Message)
	}

	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%s: %w", model, ErrEmptyPayload)
	}

	var result strings.Builder
	for _, part := range geminiResp.Candidates[0].Content.Parts {
		result.WriteString(part.Text)
	}

	text := strings.TrimSpace(result.String())
	if text == "" {
		return "", fmt.Errorf("%s: %w", model, ErrEmptyPayload)
	}
	return text, nil
}
