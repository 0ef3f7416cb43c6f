package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tmc/langchaingo/llms"

	apperrors "github.com/askben/askben/internal/pkg/errors"
	"github.com/askben/askben/internal/pkg/logger"
)

// mockLLM implements llms.Model for tests.
type mockLLM struct {
	content  string
	err      error
	delay    time.Duration
	messages []llms.MessageContent
	opts     llms.CallOptions
}

func (m *mockLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.messages = messages
	for _, o := range options {
		o(&m.opts)
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: m.content}},
	}, nil
}

func (m *mockLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func TestClient_Complete(t *testing.T) {
	m := &mockLLM{content: "  an answer \n"}
	c := New(m, Config{Model: "test-model", Temperature: 0.2}, logger.Discard())

	got, err := c.Complete(context.Background(), Prompt{System: "sys", User: "question", JSON: true})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got != "an answer" {
		t.Errorf("Complete() = %q, want trimmed content", got)
	}
	if len(m.messages) != 2 || m.messages[0].Role != llms.ChatMessageTypeSystem || m.messages[1].Role != llms.ChatMessageTypeHuman {
		t.Errorf("unexpected messages %+v", m.messages)
	}
	if !m.opts.JSONMode || m.opts.Model != "test-model" || m.opts.Temperature != 0.2 {
		t.Errorf("unexpected options %+v", m.opts)
	}
}

func TestClient_TemperatureOverride(t *testing.T) {
	m := &mockLLM{content: "ok"}
	c := New(m, Config{Temperature: 0.7}, logger.Discard())

	zero := 0.0
	if _, err := c.Complete(context.Background(), Prompt{User: "q", Temperature: &zero}); err != nil {
		t.Fatal(err)
	}
	if m.opts.Temperature != 0 {
		t.Errorf("temperature = %v, want 0", m.opts.Temperature)
	}
	if len(m.messages) != 1 {
		t.Errorf("empty system prompt should be omitted, got %d messages", len(m.messages))
	}
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name       string
		model      *mockLLM
		timeout    time.Duration
		wantReason string
	}{
		{"model error", &mockLLM{err: errors.New("boom")}, time.Second, ""},
		{"empty completion", &mockLLM{content: "   "}, time.Second, ""},
		{"timeout", &mockLLM{content: "late", delay: time.Second}, 10 * time.Millisecond, "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.model, Config{Timeout: tt.timeout}, logger.Discard())
			_, err := c.Complete(context.Background(), Prompt{User: "q"})

			appErr, ok := apperrors.As(err)
			if !ok || appErr.Code != apperrors.CodeGeneration {
				t.Fatalf("Complete() error = %v, want %s", err, apperrors.CodeGeneration)
			}
			if appErr.Details["reason"] != tt.wantReason {
				t.Errorf("reason = %q, want %q", appErr.Details["reason"], tt.wantReason)
			}
		})
	}
}

func TestTrimCodeFence(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{}\n```  ", `{}`},
	}
	for _, tt := range tests {
		if got := TrimCodeFence(tt.in); got != tt.want {
			t.Errorf("TrimCodeFence(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
