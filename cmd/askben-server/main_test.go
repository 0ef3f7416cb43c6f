package main

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/askben/askben/internal/bus"
	"github.com/askben/askben/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestParseSince(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"2h", now.Add(-2 * time.Hour), false},
		{"0s", now, false},
		{"2025-02-28T08:00:00Z", time.Date(2025, 2, 28, 8, 0, 0, 0, time.UTC), false},
		{"-1h", time.Time{}, true},
		{"yesterday", time.Time{}, true},
	}
	for _, tt := range tests {
		got, err := parseSince(tt.in, now)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseSince(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseSince(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMaskedSettings(t *testing.T) {
	cfg := config.Default()
	cfg.Archive.DSN = "postgres://askben:hunter2@db:5432/askben"
	cfg.Cache.RedisURL = "redis://:cachepw@cache:6379/0"
	cfg.Qdrant.URL = "http://qdrant:6334"
	cfg.LLM.APIKey = "sk-test"
	cfg.Security.APIKey = "server-key"

	s := maskedSettings(cfg)
	for k, v := range s {
		for _, secret := range []string{"hunter2", "cachepw", "sk-test", "server-key"} {
			if strings.Contains(v, secret) {
				t.Errorf("%s = %q leaks %q", k, v, secret)
			}
		}
	}
	if s["archive.dsn"] != "postgres://askben:xxxxx@db:5432/askben" {
		t.Errorf("archive.dsn = %q, want the host kept", s["archive.dsn"])
	}
	if s["qdrant.url"] != "http://qdrant:6334" {
		t.Errorf("qdrant.url = %q", s["qdrant.url"])
	}
	if s["llm.api_key"] != "[REDACTED]" {
		t.Errorf("llm.api_key = %q", s["llm.api_key"])
	}
	if s["server.address"] != cfg.Address() {
		t.Errorf("server.address = %q", s["server.address"])
	}
}

func TestReplayEvents_DryRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	t.Setenv("ASKBEN_BUS_JOURNAL", path)

	j, err := bus.OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	for _, topic := range []string{bus.TopicEvalRunStarted, bus.TopicEvalRunCompleted} {
		if err := j.Append(topic, bus.NewEvent(topic, "test", "run-1", nil)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	out, err := execute(t, "replay-events", "--dry-run", "--since", "1h")
	if err != nil {
		t.Fatalf("replay-events: %v", err)
	}
	var entries []bus.JournalEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(entries) != 2 || entries[0].Topic != bus.TopicEvalRunStarted {
		t.Errorf("entries = %+v", entries)
	}

	out, err = execute(t, "replay-events", "--dry-run", "--since", time.Now().Add(time.Hour).Format(time.RFC3339))
	if err != nil {
		t.Fatalf("replay-events: %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("future --since should match nothing, got %s", out)
	}
}

func TestReplayEvents_Errors(t *testing.T) {
	t.Setenv("ASKBEN_BUS_JOURNAL", "")
	if _, err := execute(t, "replay-events"); err == nil || !strings.Contains(err.Error(), "journal") {
		t.Errorf("missing journal error = %v", err)
	}

	t.Setenv("ASKBEN_BUS_JOURNAL", filepath.Join(t.TempDir(), "events.jsonl"))
	if _, err := execute(t, "replay-events"); err == nil || !strings.Contains(err.Error(), "broker") {
		t.Errorf("memory bus error = %v", err)
	}
	if _, err := execute(t, "replay-events", "--since", "soon"); err == nil {
		t.Error("bad --since should fail")
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "askben-server dev") {
		t.Errorf("version output = %q", out)
	}
}
