// Package ai talks to the optional language endpoints: translation and
// smart-reply suggestions. Calls are best-effort with a short timeout and
// their failures must never influence message delivery state; callers
// treat an error exactly like an empty result.
package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

const requestTimeout = 10 * time.Second

// Config defines configuration for the language feature client.
type Config struct {
	APIKey string
	Model  string
	Logger zerolog.Logger
}

// Client implements translation and smart replies over the OpenAI chat API.
type Client struct {
	client *openai.Client
	model  string
	logger zerolog.Logger
}

// New builds a language feature client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	return &Client{
		client: openai.NewClient(cfg.APIKey),
		model:  cfg.Model,
		logger: cfg.Logger.With().Str("component", "ai").Logger(),
	}, nil
}

// Translate renders text into the target language.
func (c *Client) Translate(ctx context.Context, text, targetLanguage string) (string, error) {
	prompt := fmt.Sprintf("Translate the following message into %s. Reply with the translation only.\n\n%s", targetLanguage, text)
	return c.complete(ctx, prompt)
}

// SmartReplies suggests up to three short replies to the given message.
func (c *Client) SmartReplies(ctx context.Context, text string) ([]string, error) {
	prompt := fmt.Sprintf("Suggest up to three short casual replies to this chat message, one per line, no numbering:\n\n%s", text)
	raw, err := c.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var replies []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			replies = append(replies, line)
		}
		if len(replies) == 3 {
			break
		}
	}
	return replies, nil
}

func (c *Client) complete(parent context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(parent, requestTimeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: 256,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		c.logger.Debug().Err(err).Msg("language endpoint call failed")
		return "", fmt.Errorf("language endpoint: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("language endpoint returned no choices")
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
