package bus

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/askben/askben/internal/config"
	"github.com/askben/askben/internal/pkg/logger"
)

func waitFor(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timeout waiting for handlers")
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus(logger.Discard())
	defer bus.Close()

	var received atomic.Int32
	var wg sync.WaitGroup

	err := bus.Subscribe(context.Background(), TopicEvalResultRecorded, func(ctx context.Context, event Event) error {
		received.Add(1)
		wg.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	wg.Add(3)
	for i := 0; i < 3; i++ {
		if err := bus.Publish(context.Background(), TopicEvalResultRecorded, NewEvent(TopicEvalResultRecorded, "test", "run-1", i)); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	waitFor(t, &wg, time.Second)

	if got := received.Load(); got != 3 {
		t.Errorf("Received %d events, want 3", got)
	}
}

func TestMemoryBus_MultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus(logger.Discard())
	defer bus.Close()

	var count1, count2 atomic.Int32
	var wg sync.WaitGroup

	bus.Subscribe(context.Background(), "test.topic", func(ctx context.Context, event Event) error {
		count1.Add(1)
		wg.Done()
		return nil
	})
	bus.Subscribe(context.Background(), "test.topic", func(ctx context.Context, event Event) error {
		count2.Add(1)
		wg.Done()
		return errors.New("handler errors are logged, not returned")
	})

	wg.Add(2)
	if err := bus.Publish(context.Background(), "test.topic", Event{ID: "test", Type: "test"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, &wg, time.Second)

	if count1.Load() != 1 || count2.Load() != 1 {
		t.Errorf("Expected both subscribers to receive 1 event, got %d and %d", count1.Load(), count2.Load())
	}
}

func TestMemoryBus_HandlerOutlivesPublisherContext(t *testing.T) {
	bus := NewMemoryBus(logger.Discard())
	defer bus.Close()

	var wg sync.WaitGroup
	var ctxErr atomic.Value
	bus.Subscribe(context.Background(), "t", func(ctx context.Context, event Event) error {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		ctxErr.Store(ctx.Err() == nil)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	wg.Add(1)
	bus.Publish(ctx, "t", Event{ID: "x"})
	cancel()
	waitFor(t, &wg, time.Second)

	if ok, _ := ctxErr.Load().(bool); !ok {
		t.Error("handler context should not be cancelled with the publisher's")
	}
}

func TestMemoryBus_NoSubscribers(t *testing.T) {
	bus := NewMemoryBus(logger.Discard())
	defer bus.Close()

	if err := bus.Publish(context.Background(), "empty.topic", Event{ID: "test"}); err != nil {
		t.Errorf("Publish() to empty topic error = %v", err)
	}
}

func TestMemoryBus_Close(t *testing.T) {
	bus := NewMemoryBus(logger.Discard())

	if err := bus.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := bus.Publish(context.Background(), "test", Event{}); err == nil {
		t.Error("Publish() after Close() should error")
	}
	if err := bus.Subscribe(context.Background(), "test", func(ctx context.Context, event Event) error { return nil }); err == nil {
		t.Error("Subscribe() after Close() should error")
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestMemoryBus_Concurrent(t *testing.T) {
	bus := NewMemoryBus(logger.Discard())
	defer bus.Close()

	var received atomic.Int32
	var wg sync.WaitGroup

	bus.Subscribe(context.Background(), "concurrent", func(ctx context.Context, event Event) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	numPublishers := 10
	eventsPerPublisher := 100
	wg.Add(numPublishers * eventsPerPublisher)

	for p := 0; p < numPublishers; p++ {
		go func() {
			for i := 0; i < eventsPerPublisher; i++ {
				bus.Publish(context.Background(), "concurrent", Event{ID: "test"})
			}
		}()
	}
	waitFor(t, &wg, 5*time.Second)

	if got, want := received.Load(), int32(numPublishers*eventsPerPublisher); got != want {
		t.Errorf("Received %d events, want %d", got, want)
	}
}

func TestNewEvent(t *testing.T) {
	e := NewEvent(TopicEvalRunStarted, "harness", "run-9", "payload")
	if e.ID == "" || e.Type != TopicEvalRunStarted || e.Source != "harness" || e.CorrelationID != "run-9" || e.Timestamp == 0 {
		t.Errorf("NewEvent() = %+v", e)
	}
	if other := NewEvent(TopicEvalRunStarted, "harness", "run-9", nil); other.ID == e.ID {
		t.Error("event ids must be unique")
	}
}

func TestJournal_AppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events", "journal.jsonl")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatal(err)
	}

	mem := NewMemoryBus(logger.Discard())
	bus := NewJournaledBus(mem, j, logger.Discard())

	before := time.Now().Add(-time.Second)
	for _, topic := range []string{TopicEvalRunStarted, TopicEvalResultRecorded, TopicEvalRunCompleted} {
		if err := bus.Publish(context.Background(), topic, NewEvent(topic, "test", "run-1", nil)); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := j.Entries(before, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 || entries[0].Topic != TopicEvalRunStarted || entries[2].Topic != TopicEvalRunCompleted {
		t.Fatalf("entries = %+v", entries)
	}
	if limited, _ := j.Entries(before, 2); len(limited) != 2 {
		t.Errorf("limited entries = %d, want 2", len(limited))
	}
	if future, _ := j.Entries(time.Now().Add(time.Hour), 0); len(future) != 0 {
		t.Errorf("entries after now = %d, want 0", len(future))
	}

	target := NewMemoryBus(logger.Discard())
	defer target.Close()
	var wg sync.WaitGroup
	var replayed atomic.Int32
	for _, topic := range Topics {
		target.Subscribe(context.Background(), topic, func(context.Context, Event) error {
			replayed.Add(1)
			wg.Done()
			return nil
		})
	}
	wg.Add(3)
	if err := j.Replay(context.Background(), target, before); err != nil {
		t.Fatal(err)
	}
	waitFor(t, &wg, time.Second)
	if replayed.Load() != 3 {
		t.Errorf("replayed %d, want 3", replayed.Load())
	}

	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
	if err := j.Append("t", Event{}); err == nil {
		t.Error("Append() after Close() should fail")
	}
}

type recorder struct {
	mu          sync.Mutex
	topics      []string
	errs        int
	handled     int
	handlerErrs int
}

func (r *recorder) RecordBusPublish(topic string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	if err != nil {
		r.errs++
	}
}

func (r *recorder) RecordBusHandled(_ string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled++
	if err != nil {
		r.handlerErrs++
	}
}

func TestInstrumentedBus(t *testing.T) {
	mem := NewMemoryBus(logger.Discard())
	rec := &recorder{}
	bus := NewInstrumentedBus(mem, rec)

	var wg sync.WaitGroup
	wg.Add(2)
	err := bus.Subscribe(context.Background(), TopicIndexSynced, func(_ context.Context, e Event) error {
		defer wg.Done()
		if e.ID == "bad" {
			return errors.New("handler failed")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	bus.Publish(context.Background(), TopicIndexSynced, Event{ID: "1"})
	bus.Publish(context.Background(), TopicIndexSynced, Event{ID: "bad"})
	waitFor(t, &wg, time.Second)
	bus.Close()
	bus.Publish(context.Background(), TopicIndexSynced, Event{ID: "2"})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.topics) != 3 || rec.errs != 1 {
		t.Errorf("recorded %v with %d errors, want 3 publishes and 1 error", rec.topics, rec.errs)
	}
	if rec.handled != 2 || rec.handlerErrs != 1 {
		t.Errorf("handled %d with %d errors, want 2 and 1", rec.handled, rec.handlerErrs)
	}
}

func TestNewBus(t *testing.T) {
	b, err := NewBus(config.BusConfig{Type: "memory"}, logger.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.(*MemoryBus); !ok {
		t.Errorf("NewBus(memory) = %T", b)
	}
	b.Close()

	b, err = NewBus(config.BusConfig{Type: "memory", JournalPath: filepath.Join(t.TempDir(), "j.jsonl")}, logger.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.(*JournaledBus); !ok {
		t.Errorf("NewBus(memory+journal) = %T", b)
	}
	b.Close()

	if _, err := NewBus(config.BusConfig{Type: "kafka"}, logger.Discard()); err == nil {
		t.Error("kafka without brokers should fail")
	}
	if _, err := NewBus(config.BusConfig{Type: "nats"}, logger.Discard()); err == nil {
		t.Error("unknown bus type should fail")
	}
}
