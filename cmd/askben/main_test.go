package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/askben/askben/internal/answer"
	"github.com/askben/askben/internal/router"
	"github.com/askben/askben/internal/server"
	"github.com/askben/askben/internal/store"
)

func run(t *testing.T, srvURL string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", srvURL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestAskSendsReasoningMode(t *testing.T) {
	var got server.QueryRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(answer.Response{
			Answer:        "Demand beats supply.",
			RetrievalTier: router.TierReasoningFirst,
			Sources:       []answer.Source{{Title: "Aggregation Theory", Date: "2015-07-21", Similarity: 0.8, Type: "distillation"}},
		})
	}))
	defer srv.Close()

	out, err := run(t, srv.URL, "ask", "--reasoning", "--threshold", "0.4", "why", "aggregate?")
	if err != nil {
		t.Fatalf("ask: %v\n%s", err, out)
	}
	if got.Question != "why aggregate?" || got.Mode != "reasoning" {
		t.Errorf("request = %+v", got)
	}
	if got.Threshold == nil || *got.Threshold != 0.4 {
		t.Errorf("threshold = %v", got.Threshold)
	}
	if got.Limit != nil {
		t.Errorf("limit should be omitted, got %d", *got.Limit)
	}
	if !strings.Contains(out, "Demand beats supply.") || !strings.Contains(out, "Aggregation Theory") {
		t.Errorf("output = %q", out)
	}
}

func TestEvalRunsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/eval/runs" || r.URL.Query().Get("limit") != "3" {
			t.Errorf("request = %s", r.URL)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"runs": []store.EvalRun{{ID: "run-1", Status: store.StatusCompleted}}})
	}))
	defer srv.Close()

	out, err := run(t, srv.URL, "--format", "json", "eval", "runs", "-n", "3")
	if err != nil {
		t.Fatalf("eval runs: %v", err)
	}
	var runs []store.EvalRun
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"run not found","code":"NOT_FOUND","message":"run not found"}`))
	}))
	defer srv.Close()

	_, err := run(t, srv.URL, "eval", "show", "missing")
	if err == nil || !strings.Contains(err.Error(), "NOT_FOUND") {
		t.Errorf("err = %v", err)
	}
}

func TestBatchTimeout(t *testing.T) {
	cmd := rootCmd()
	_ = cmd.ParseFlags(nil)
	batchTimeout(cmd)
	if d, _ := cmd.Flags().GetDuration("timeout"); d.Minutes() != 35 {
		t.Errorf("timeout = %v", d)
	}

	cmd = rootCmd()
	_ = cmd.ParseFlags([]string{"--timeout", "5s"})
	batchTimeout(cmd)
	if d, _ := cmd.Flags().GetDuration("timeout"); d.Seconds() != 5 {
		t.Errorf("explicit timeout overridden: %v", d)
	}
}
