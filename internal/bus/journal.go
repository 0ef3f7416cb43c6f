package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/askben/askben/internal/pkg/errors"
	"github.com/askben/askben/internal/pkg/logger"
)

// JournalEntry is one event as written to the journal.
type JournalEntry struct {
	Event     Event     `json:"event"`
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
}

// Journal appends events to a JSON-lines file so run histories can be
// inspected or replayed after the process exits.
type Journal struct {
	path    string
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

// OpenJournal opens (creating if needed) the journal at path.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	return &Journal{
		path:    path,
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

// Append writes an event to the journal.
func (j *Journal) Append(topic string, event Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return errors.New(errors.CodeUnavailable, "journal is closed")
	}

	entry := JournalEntry{Event: event, Topic: topic, Timestamp: time.Now().UTC()}
	if err := j.encoder.Encode(entry); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return j.file.Sync()
}

// Entries reads entries written after since, in order. A limit > 0 caps the
// number returned. Malformed lines are skipped.
func (j *Journal) Entries(since time.Time, limit int) ([]JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []JournalEntry{}, nil
		}
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer file.Close()

	var entries []JournalEntry
	scanner := bufio.NewScanner(file)

	// Result events can carry full answers.
	const maxScanTokenSize = 1024 * 1024
	scanner.Buffer(make([]byte, maxScanTokenSize), maxScanTokenSize)

	for scanner.Scan() {
		var e JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if !e.Timestamp.After(since) {
			continue
		}
		entries = append(entries, e)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan journal: %w", err)
	}
	return entries, nil
}

// Replay republishes journaled events written after since onto b.
func (j *Journal) Replay(ctx context.Context, b Bus, since time.Time) error {
	entries, err := j.Entries(since, 0)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.Publish(ctx, e.Topic, e.Event); err != nil {
			return fmt.Errorf("failed to replay event %s: %w", e.Event.ID, err)
		}
	}
	return nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	j.encoder = nil
	if err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	return nil
}

// JournaledBus writes every published event to a Journal before handing it
// to the wrapped bus. Journal failures are logged and never block publishing.
type JournaledBus struct {
	inner   Bus
	journal *Journal
	log     *logger.Logger
}

// NewJournaledBus wraps inner.
func NewJournaledBus(inner Bus, journal *Journal, log *logger.Logger) *JournaledBus {
	if log == nil {
		log = logger.Default()
	}
	return &JournaledBus{inner: inner, journal: journal, log: log.WithComponent("bus")}
}

// Journal returns the underlying journal.
func (b *JournaledBus) Journal() *Journal {
	return b.journal
}

// Publish journals the event and then delegates to the inner bus.
func (b *JournaledBus) Publish(ctx context.Context, topic string, event Event) error {
	if err := b.journal.Append(topic, event); err != nil {
		b.log.WithError(err).Warn("Failed to journal event", "topic", topic)
	}
	return b.inner.Publish(ctx, topic, event)
}

// Subscribe delegates to the inner bus.
func (b *JournaledBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	return b.inner.Subscribe(ctx, topic, handler)
}

// Close closes the journal and the inner bus.
func (b *JournaledBus) Close() error {
	if err := b.journal.Close(); err != nil {
		b.log.WithError(err).Warn("Failed to close journal")
	}
	return b.inner.Close()
}
