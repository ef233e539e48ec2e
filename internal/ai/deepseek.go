package ai

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/camuig/crypto-trader/internal/config"
	"github.com/camuig/crypto-trader/internal/logger"
)

// Completer sends one prompt and returns the raw model text.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

type DeepSeekClient struct {
	client *openai.Client
	model  string
	logger *logger.Logger
}

func NewDeepSeekClient(cfg *config.Config, log *logger.Logger) *DeepSeekClient {
	ocfg := openai.DefaultConfig(cfg.DeepSeek.APIKey)
	ocfg.BaseURL = cfg.DeepSeek.BaseURL

	return &DeepSeekClient{
		client: openai.NewClientWithConfig(ocfg),
		model:  cfg.DeepSeek.Model,
		logger: log,
	}
}

func (d *DeepSeekClient) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := d.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       d.model,
		Temperature: 0.1,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("deepseek API call: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("deepseek returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	d.logger.Debug("AI raw response", "length", len(raw), "content", raw)
	return raw, nil
}
