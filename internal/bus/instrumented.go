package bus

import (
	"context"
	"time"
)

// MetricsRecorder records publish and handler outcomes per topic. Declared
// here so the metrics package can implement it without an import cycle.
type MetricsRecorder interface {
	RecordBusPublish(topic string, latency time.Duration, err error)
	RecordBusHandled(topic string, latency time.Duration, err error)
}

// InstrumentedBus times every publish and every subscriber invocation.
type InstrumentedBus struct {
	inner   Bus
	metrics MetricsRecorder
}

// NewInstrumentedBus wraps inner. A nil recorder makes it a pass-through.
func NewInstrumentedBus(inner Bus, metrics MetricsRecorder) *InstrumentedBus {
	return &InstrumentedBus{inner: inner, metrics: metrics}
}

// Publish forwards to the wrapped bus and records the outcome.
func (b *InstrumentedBus) Publish(ctx context.Context, topic string, event Event) error {
	start := time.Now()
	err := b.inner.Publish(ctx, topic, event)
	if b.metrics != nil {
		b.metrics.RecordBusPublish(topic, time.Since(start), err)
	}
	return err
}

// Subscribe registers handler with the wrapped bus, timing each delivery.
func (b *InstrumentedBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if b.metrics == nil {
		return b.inner.Subscribe(ctx, topic, handler)
	}
	return b.inner.Subscribe(ctx, topic, func(ctx context.Context, event Event) error {
		start := time.Now()
		err := handler(ctx, event)
		b.metrics.RecordBusHandled(topic, time.Since(start), err)
		return err
	})
}

// Close closes the wrapped bus.
func (b *InstrumentedBus) Close() error {
	return b.inner.Close()
}
