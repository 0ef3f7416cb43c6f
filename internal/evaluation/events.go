package evaluation

import (
	"context"

	"github.com/askben/askben/internal/bus"
	"github.com/askben/askben/internal/store"
)

// RunEvent is the payload of every evaluation bus event.
type RunEvent struct {
	Kind          string          `json:"kind"`
	RunID         string          `json:"run_id"`
	Status        store.RunStatus `json:"status,omitempty"`
	TotalExamples int             `json:"total_examples,omitempty"`
	Position      int             `json:"position"`
	ExampleID     string          `json:"example_id,omitempty"`
	Excluded      bool            `json:"excluded,omitempty"`
	Score         *float64        `json:"score,omitempty"`
}

func (h *Harness) publish(ctx context.Context, topic, runID string, ev RunEvent) {
	if h.deps.Bus == nil {
		return
	}
	if err := h.deps.Bus.Publish(ctx, topic, bus.NewEvent(topic, "evaluation", runID, ev)); err != nil {
		h.log.WithRun(runID).WithError(err).Warn("Failed to publish eval event", "topic", topic)
	}
}
