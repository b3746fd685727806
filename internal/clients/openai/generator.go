// Package openai generates candidate strategies through an OpenAI-compatible chat API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/evolver/internal/domain"
	"github.com/rs/zerolog"
	goopenai "github.com/sashabaranov/go-openai"
)

const (
	DefaultModel       = "gpt-4o-mini"
	DefaultMaxAttempts = 3
	DefaultBackoff     = 2 * time.Second
)

const defaultSystemPrompt = `You write complete, self-contained algorithmic trading strategies in Python.
Always reply with the full source of the strategy in a single fenced code block.
Do not omit parts of the file and do not describe changes outside the code block.`

// Config configures the generator.
type Config struct {
	APIKey       string
	Model        string
	BaseURL      string // empty uses the public OpenAI endpoint
	SystemPrompt string
	Temperature  float32
	MaxAttempts  int
	Backoff      time.Duration
}

// Generator implements domain.CandidateGenerator over chat completions.
type Generator struct {
	client *goopenai.Client
	cfg    Config
	log    zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewGenerator creates a generator. It fails without an API key.
func NewGenerator(cfg Config, log zerolog.Logger) (*Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}

	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Generator{
		client: goopenai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		log:    log.With().Str("client", "openai").Str("model", cfg.Model).Logger(),
		sleep:  sleepContext,
	}, nil
}

// Generate asks the model for a new strategy and returns the extracted source.
// Transport failures and replies without a code block are retried with a
// linear backoff; after the last attempt the failure is a GenerationError.
func (g *Generator) Generate(ctx context.Context, req domain.GenerationRequest) (string, error) {
	chat := goopenai.ChatCompletionRequest{
		Model: g.cfg.Model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: g.cfg.SystemPrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: BuildPrompt(req)},
		},
		Temperature: g.cfg.Temperature,
	}

	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := g.sleep(ctx, time.Duration(attempt-1)*g.cfg.Backoff); err != nil {
				return "", err
			}
		}

		source, err := g.attempt(ctx, chat)
		if err == nil {
			g.log.Debug().Str("family", req.Family).Int("attempt", attempt).Int("bytes", len(source)).Msg("Candidate generated")
			return source, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		g.log.Warn().Err(err).Str("family", req.Family).Int("attempt", attempt).Msg("Candidate generation attempt failed")
	}

	return "", &domain.GenerationError{
		Attempts: g.cfg.MaxAttempts,
		Err:      fmt.Errorf("%w: %v", domain.ErrNoArtifact, lastErr),
	}
}

func (g *Generator) attempt(ctx context.Context, chat goopenai.ChatCompletionRequest) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, chat)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in reply")
	}
	source, ok := ExtractCode(resp.Choices[0].Message.Content)
	if !ok {
		return "", fmt.Errorf("reply has no code block (finish reason %s)", resp.Choices[0].FinishReason)
	}
	return source, nil
}

// BuildPrompt renders the user message for a generation request.
func BuildPrompt(req domain.GenerationRequest) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.Instruction))
	if strings.TrimSpace(req.PriorSource) != "" {
		b.WriteString("\n\nCurrent strategy source:\n```python\n")
		b.WriteString(strings.TrimRight(req.PriorSource, "\n"))
		b.WriteString("\n```")
	}
	return b.String()
}

// ExtractCode returns the body of the last fenced code block in reply.
// An unterminated final fence is accepted when the reply was cut off.
func ExtractCode(reply string) (string, bool) {
	lines := strings.Split(strings.ReplaceAll(reply, "\r\n", "\n"), "\n")

	var blocks []string
	var current []string
	inside := false
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if inside {
				blocks = append(blocks, strings.Join(current, "\n"))
				current = nil
			}
			inside = !inside
			continue
		}
		if inside {
			current = append(current, line)
		}
	}
	if inside && len(current) > 0 {
		blocks = append(blocks, strings.Join(current, "\n"))
	}

	for i := len(blocks) - 1; i >= 0; i-- {
		if strings.TrimSpace(blocks[i]) != "" {
			return strings.TrimRight(blocks[i], "\n") + "\n", true
		}
	}
	return "", false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
