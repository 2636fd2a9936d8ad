// Package llm provides the text-generation capability the workflow engine
// consumes. Providers speak the OpenAI-compatible chat-completions JSON
// shape over plain HTTP, which covers OpenAI, Anthropic-compatible proxies,
// and local gateways alike.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Zeeeepa/gobby-sub002/internal/common/config"
	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
)

// ErrNoProvider is returned when no default provider is configured.
var ErrNoProvider = errors.New("no llm provider configured")

// GenerateOptions tunes one generation call.
type GenerateOptions struct {
	Provider  string // empty = default
	MaxTokens int
	System    string
}

// Service is the capability the workflow engine consumes.
type Service interface {
	GenerateText(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
	DefaultProvider() string
}

// HTTPService is the config-driven provider registry.
type HTTPService struct {
	providers       map[string]config.LLMProvider
	defaultProvider string
	client          *http.Client
	logger          *logger.Logger
}

// New creates an LLM service from the configured providers.
func New(providers map[string]config.LLMProvider, defaultProvider string, log *logger.Logger) *HTTPService {
	return &HTTPService{
		providers:       providers,
		defaultProvider: defaultProvider,
		client:          &http.Client{Timeout: 120 * time.Second},
		logger:          log.WithFields(zap.String("component", "llm")),
	}
}

// DefaultProvider returns the configured default provider name.
func (s *HTTPService) DefaultProvider() string { return s.defaultProvider }

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// GenerateText renders prompt through the selected provider and returns the
// first choice's content.
func (s *HTTPService) GenerateText(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	name := opts.Provider
	if name == "" {
		name = s.defaultProvider
	}
	p, ok := s.providers[name]
	if !ok || name == "" {
		return "", ErrNoProvider
	}

	messages := []chatMessage{}
	if opts.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: opts.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.MaxTokens
	}

	body, err := json.Marshal(chatRequest{Model: p.Model, Messages: messages, MaxTokens: maxTokens})
	if err != nil {
		return "", err
	}

	url := strings.TrimSuffix(p.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request to %s: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm provider %s returned %d: %s", name, resp.StatusCode, truncate(string(data), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("parsing llm response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("llm provider %s: %s", name, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm provider %s returned no choices", name)
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
