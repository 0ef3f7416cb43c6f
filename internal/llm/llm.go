// Package llm is the text-generation primitive: a paced, time-limited
// completion call over a langchaingo model.
package llm

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"golang.org/x/time/rate"

	"github.com/askben/askben/internal/pkg/errors"
	"github.com/askben/askben/internal/pkg/logger"
)

// Prompt is one completion request.
type Prompt struct {
	System string
	User   string

	// JSON asks the model for a JSON object response.
	JSON bool

	// Temperature overrides the client default when non-nil.
	Temperature *float64
}

// Completer produces text for a prompt.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// Config configures a Client.
type Config struct {
	Model             string
	Temperature       float64
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Client calls a langchaingo model with pacing and a per-call timeout.
type Client struct {
	model   llms.Model
	cfg     Config
	limiter *rate.Limiter
	log     *logger.Logger
}

// New creates a client. A zero RequestsPerSecond disables pacing.
func New(model llms.Model, cfg Config, log *logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		model:   model,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		log:     log.WithComponent("llm"),
	}
}

// Complete returns the first choice's content. Every failure is a
// GENERATION_ERROR; timeouts carry details.reason = "timeout".
func (c *Client) Complete(ctx context.Context, p Prompt) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return "", generationError("rate limiter wait failed", err)
	}

	messages := make([]llms.MessageContent, 0, 2)
	if p.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, p.System))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, p.User))

	temp := c.cfg.Temperature
	if p.Temperature != nil {
		temp = *p.Temperature
	}
	opts := []llms.CallOption{llms.WithTemperature(temp)}
	if c.cfg.Model != "" {
		opts = append(opts, llms.WithModel(c.cfg.Model))
	}
	if p.JSON {
		opts = append(opts, llms.WithJSONMode())
	}

	start := time.Now()
	resp, err := c.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		c.log.WithError(err).Warn("Completion failed", "duration", time.Since(start))
		return "", generationError("completion failed", err)
	}

	if resp == nil || len(resp.Choices) == 0 {
		return "", errors.GenerationError("model returned no choices", nil)
	}
	content := strings.TrimSpace(resp.Choices[0].Content)
	if content == "" {
		return "", errors.GenerationError("model returned an empty completion", nil)
	}

	c.log.Debug("Completion done", "duration", time.Since(start), "chars", len(content))
	return content, nil
}

func generationError(message string, err error) error {
	appErr := errors.GenerationError(message, err)
	if stderrors.Is(err, context.DeadlineExceeded) {
		appErr = appErr.WithDetail("reason", "timeout")
	}
	return appErr
}

// Func adapts a function to Completer.
type Func func(ctx context.Context, p Prompt) (string, error)

// Complete calls f.
func (f Func) Complete(ctx context.Context, p Prompt) (string, error) {
	return f(ctx, p)
}

// TrimCodeFence strips a surrounding markdown code fence, if present.
func TrimCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// String describes the client in logs.
func (c *Client) String() string {
	return fmt.Sprintf("llm(%s)", c.cfg.Model)
}
