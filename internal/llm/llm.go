// Package llm provides best-effort model decoration: short tag derivation
// for agents and one-line status hints. Nothing here sits on a critical
// path; an unconfigured client degrades to errors the callers fall back
// from, and callers log instead of propagating.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sibyldev/sibyl/internal/common/config"
	"github.com/sibyldev/sibyl/internal/common/logger"
)

// ErrDisabled is returned by every call when no API key is configured.
var ErrDisabled = errors.New("llm decoration disabled")

const (
	defaultModel     = anthropic.ModelClaudeSonnet4_20250514
	defaultMaxTokens = 512
)

// Decorator is the surface the runtime depends on.
type Decorator interface {
	// DeriveTags produces up to limit short lowercase tags for an agent.
	DeriveTags(ctx context.Context, name, description string, limit int) ([]string, error)
	// StatusHint produces a one-line hint describing what an agent is doing.
	StatusHint(ctx context.Context, agentName, activity string) (string, error)
}

// Client calls the Anthropic Messages API for decoration prompts.
type Client struct {
	api       anthropic.Client
	model     anthropic.Model
	maxTokens int64
	enabled   bool
	logger    *logger.Logger
}

// New builds a client from config. An empty API key yields a disabled
// client rather than an error; decoration is never required to boot.
func New(cfg config.LLMConfig, log *logger.Logger) *Client {
	c := &Client{
		model:     defaultModel,
		maxTokens: defaultMaxTokens,
		logger:    log,
	}
	if cfg.Model != "" {
		c.model = anthropic.Model(cfg.Model)
	}
	if cfg.MaxTokens > 0 {
		c.maxTokens = int64(cfg.MaxTokens)
	}
	if cfg.APIKey == "" {
		return c
	}
	c.api = anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
	c.enabled = true
	return c
}

// Enabled reports whether API calls will be attempted.
func (c *Client) Enabled() bool { return c.enabled }

func (c *Client) DeriveTags(ctx context.Context, name, description string, limit int) ([]string, error) {
	if !c.enabled {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 8
	}

	prompt := fmt.Sprintf(`Derive up to %d short lowercase tags for a coding agent.

Agent name: %s
Task description: %s

Tags are single words or hyphenated pairs (e.g. backend, api-design, testing).
Respond with ONLY the tags, comma-separated, no other text.`, limit, name, description)

	text, err := c.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return parseTags(text, limit), nil
}

func (c *Client) StatusHint(ctx context.Context, agentName, activity string) (string, error) {
	if !c.enabled {
		return "", ErrDisabled
	}

	prompt := fmt.Sprintf(`Summarize what this coding agent is currently doing in one short line
(under 12 words, present tense, no trailing period).

Agent: %s
Recent activity:
%s

Respond with ONLY the line.`, agentName, activity)

	text, err := c.complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text), nil
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("llm completion: %w", err)
	}
	return extractText(resp), nil
}

func extractText(resp *anthropic.Message) string {
	var b strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(variant.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

// parseTags normalizes a comma-separated response: lowercase, trimmed,
// deduplicated, capped at limit.
func parseTags(text string, limit int) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, part := range strings.Split(text, ",") {
		tag := strings.ToLower(strings.TrimSpace(part))
		tag = strings.Trim(tag, ".#\"'`")
		if tag == "" || seen[tag] || len(tag) > 32 {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
		if len(tags) == limit {
			break
		}
	}
	return tags
}
