// Package llm は記事生成と商品要約に使うチャットモデルのクライアントです。
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
)

// ErrRefused はモデルが空の応答を返したか、出力を拒否した場合に返されます。
var ErrRefused = errors.New("model refused to answer")

// ChatModel はメッセージ列から応答を生成するモデルです。
type ChatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// Config は OpenAI 互換 API の接続設定です。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
}

// Client はチャットモデルに1往復の補完を依頼します。
type Client struct {
	model  ChatModel
	logger zerolog.Logger
}

// New は OpenAI 互換のチャットモデルを使う Client を作成します。
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	temperature := cfg.Temperature

	chat, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		Model:       cfg.Model,
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}
	return NewWithModel(chat, logger), nil
}

// NewWithModel は任意の ChatModel を使う Client を作成します。
func NewWithModel(m ChatModel, logger zerolog.Logger) *Client {
	return &Client{model: m, logger: logger}
}

// Complete は system と prompt を送り、応答本文を返します。
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	messages := make([]*schema.Message, 0, 2)
	if system != "" {
		messages = append(messages, schema.SystemMessage(system))
	}
	messages = append(messages, schema.UserMessage(prompt))

	start := time.Now()
	resp, err := c.model.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if resp == nil {
		return "", ErrRefused
	}
	if resp.ResponseMeta != nil && resp.ResponseMeta.FinishReason == "content_filter" {
		return "", fmt.Errorf("%w: content filtered", ErrRefused)
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return "", ErrRefused
	}

	event := c.logger.Debug().
		Int("prompt_length", len(prompt)).
		Int("response_length", len(content)).
		Dur("elapsed", time.Since(start))
	if resp.ResponseMeta != nil && resp.ResponseMeta.Usage != nil {
		event = event.Int("total_tokens", resp.ResponseMeta.Usage.TotalTokens)
	}
	event.Msg("completion finished")
	return content, nil
}

// Unconfigured は API キーが設定されていない環境で使う Completer です。常に ErrRefused を返します。
type Unconfigured struct{}

// Complete は ErrRefused を返します。
func (Unconfigured) Complete(ctx context.Context, system, prompt string) (string, error) {
	return "", fmt.Errorf("%w: OPENAI_API_KEY is not set", ErrRefused)
}
