package metrics

import (
	"context"
	"encoding/json"

	"github.com/askben/askben/internal/bus"
)

// EventSubscriber updates run and index metrics from bus events.
type EventSubscriber struct {
	metrics *Metrics
	bus     bus.Bus
}

// NewEventSubscriber creates a new event subscriber.
func NewEventSubscriber(metrics *Metrics, eventBus bus.Bus) *EventSubscriber {
	return &EventSubscriber{
		metrics: metrics,
		bus:     eventBus,
	}
}

// SubscribeToEvents registers the subscriber's handlers.
func (es *EventSubscriber) SubscribeToEvents(ctx context.Context) error {
	handlers := map[string]bus.Handler{
		bus.TopicEvalRunStarted:   es.handleRunStarted,
		bus.TopicEvalRunCompleted: es.handleRunCompleted,
		bus.TopicIndexSynced:      es.handleIndexSynced,
	}
	for topic, h := range handlers {
		if err := es.bus.Subscribe(ctx, topic, h); err != nil {
			return err
		}
	}
	return nil
}

// runPayload is the subset of an eval run event the metrics need.
type runPayload struct {
	Kind   string `json:"kind"`
	Status string `json:"status"`
}

// syncPayload is the subset of an index sync event the metrics need.
type syncPayload struct {
	Tiers map[string]struct {
		Pushed int `json:"pushed"`
	} `json:"tiers"`
}

func (es *EventSubscriber) handleRunStarted(_ context.Context, event bus.Event) error {
	es.metrics.RunStarted()
	return nil
}

func (es *EventSubscriber) handleRunCompleted(_ context.Context, event bus.Event) error {
	var p runPayload
	if err := decodePayload(event.Payload, &p); err != nil {
		return err
	}
	es.metrics.RunFinished(p.Kind, p.Status)
	return nil
}

func (es *EventSubscriber) handleIndexSynced(_ context.Context, event bus.Event) error {
	var p syncPayload
	if err := decodePayload(event.Payload, &p); err != nil {
		return err
	}
	pushed := make(map[string]int, len(p.Tiers))
	for tier, r := range p.Tiers {
		pushed[tier] = r.Pushed
	}
	es.metrics.RecordIndexSync(pushed)
	return nil
}

// decodePayload converts a payload into v. In-process buses deliver the
// publisher's value while Kafka delivers decoded JSON, so both go through
// a JSON round trip.
func decodePayload(payload any, v any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
