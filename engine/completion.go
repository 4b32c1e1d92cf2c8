package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/becomeliminal/nim-recall/core"
)

// Completer is the external language-model call.
// Implementations wrap failures (timeout, quota, network) in *core.CompletionError.
type Completer interface {
	Complete(ctx context.Context, messages []core.Message) (string, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, messages []core.Message) (string, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, messages []core.Message) (string, error) {
	return f(ctx, messages)
}

// AnthropicConfig configures the Claude completer.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64

	// MaxRetries, when positive, overrides the SDK's retry count.
	MaxRetries int
}

// AnthropicCompleter calls the Claude Messages API.
type AnthropicCompleter struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicCompleter creates a completer with the given configuration.
func NewAnthropicCompleter(cfg AnthropicConfig) *AnthropicCompleter {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}

	// Apply defaults
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	client := anthropic.NewClient(opts...)
	return &AnthropicCompleter{
		client:    &client,
		model:     model,
		maxTokens: maxTokens,
	}
}

// Complete sends the assembled context to Claude and returns the text reply.
// System messages become system blocks; the conversation must open with a
// user message, so leading assistant turns are folded into the system prompt.
func (c *AnthropicCompleter) Complete(ctx context.Context, messages []core.Message) (string, error) {
	var system []anthropic.TextBlockParam
	var convo []anthropic.MessageParam
	var leading []string

	for _, m := range messages {
		switch m.Role {
		case core.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Text})
		case core.RoleUser:
			convo = append(convo, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Text)))
		case core.RoleAssistant:
			if len(convo) == 0 {
				leading = append(leading, m.Text)
				continue
			}
			convo = append(convo, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Text)))
		}
	}
	if len(leading) > 0 {
		system = append(system, anthropic.TextBlockParam{
			Text: "Your earlier replies in this conversation:\n" + strings.Join(leading, "\n---\n"),
		})
	}
	if len(convo) == 0 {
		return "", &core.CompletionError{Err: fmt.Errorf("no user message in context")}
	}

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages:  convo,
		System:    system,
	})
	if err != nil {
		return "", &core.CompletionError{Err: fmt.Errorf("claude API error: %w", err)}
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}
