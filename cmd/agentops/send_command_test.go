package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ongoingai/agentops/internal/api"
	"github.com/ongoingai/agentops/internal/auth"
	"github.com/ongoingai/agentops/internal/config"
	"github.com/ongoingai/agentops/internal/trace"
	"github.com/ongoingai/agentops/pkg/ingest"
	"github.com/ongoingai/agentops/pkg/tracing"
)

func newIngestServer(t *testing.T) (*httptest.Server, *trace.SQLiteStore, string) {
	t.Helper()

	store, err := trace.NewSQLiteStore(filepath.Join(t.TempDir(), "agentops.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	key, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey() error: %v", err)
	}
	project := &trace.Project{Name: "replay", APIKeyHash: key.Hash, APIKeyPrefix: key.Prefix, IsActive: true}
	if err := store.CreateProject(context.Background(), project); err != nil {
		t.Fatalf("CreateProject() error: %v", err)
	}
	pricing, err := newPricing(nil)
	if err != nil {
		t.Fatalf("newPricing() error: %v", err)
	}

	server := httptest.NewServer(api.NewRouter(api.RouterOptions{
		AppVersion:    "test",
		Store:         store,
		StorageDriver: "sqlite",
		Ingest:        api.IngestOptions{Pricer: pricing},
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}))
	t.Cleanup(server.Close)
	return server, store, key.Plaintext
}

// recordRun captures a small agent run with the tracing library and writes
// its payload to disk.
func recordRun(t *testing.T) (string, *ingest.Payload) {
	t.Helper()

	_, rec := tracing.Start(context.Background(), "support agent", tracing.Options{})
	plan := rec.StartSpan("plan", ingest.SpanTypeLLMCall, tracing.SpanOptions{Inputs: map[string]string{"question": "where is my order"}})
	if err := rec.RecordLLMCall(plan, ingest.LLMCall{ModelName: "gpt-4", InputTokens: 1000, OutputTokens: 500}); err != nil {
		t.Fatalf("RecordLLMCall() error: %v", err)
	}
	if err := rec.EndSpan(plan, "look it up", nil); err != nil {
		t.Fatalf("EndSpan(plan) error: %v", err)
	}
	lookup := rec.StartSpan("lookup", ingest.SpanTypeToolCall, tracing.SpanOptions{ParentSpanID: plan})
	if err := rec.RecordToolCall(lookup, tracing.ToolCall{Name: "search", Inputs: map[string]string{"q": "order"}, Outputs: []string{"shipped"}}); err != nil {
		t.Fatalf("RecordToolCall() error: %v", err)
	}
	if err := rec.EndSpan(lookup, nil, nil); err != nil {
		t.Fatalf("EndSpan(lookup) error: %v", err)
	}
	payload, err := rec.Finish(map[string]any{"agent": "support"})
	if err != nil {
		t.Fatalf("Finish() error: %v", err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	path := filepath.Join(t.TempDir(), "run.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	return path, payload
}

func TestRunSendReplaysRecordedRun(t *testing.T) {
	t.Parallel()

	server, store, key := newIngestServer(t)
	path, payload := recordRun(t)

	var stdout, stderr bytes.Buffer
	code := run([]string{"send", "--file", path, "--url", server.URL, "--api-key", key, "--format", "json"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("send code=%d stderr=%s", code, stderr.String())
	}
	var output sendOutput
	if err := json.Unmarshal(stdout.Bytes(), &output); err != nil {
		t.Fatalf("decode send output: %v (%s)", err, stdout.String())
	}
	if output.TraceID != payload.Trace.TraceID || output.StatusCode != 201 || output.Queued {
		t.Fatalf("output=%+v, want stored %s", output, payload.Trace.TraceID)
	}
	if output.Spans != 2 || output.LLMCalls != 1 || output.ToolCalls != 1 {
		t.Fatalf("output counts=%+v", output)
	}

	detail, err := store.GetTrace(context.Background(), payload.Trace.TraceID)
	if err != nil {
		t.Fatalf("GetTrace() error: %v", err)
	}
	if detail.Status != trace.StatusSuccess || detail.TotalTokens != 1500 || math.Abs(detail.TotalCost-0.06) > 1e-9 {
		t.Fatalf("trace status=%s tokens=%d cost=%v, want success 1500 0.06", detail.Status, detail.TotalTokens, detail.TotalCost)
	}
	if len(detail.Spans) != 2 {
		t.Fatalf("spans=%d, want 2", len(detail.Spans))
	}
}

func TestRunSendUsesPayloadKeyAndTextOutput(t *testing.T) {
	t.Parallel()

	server, _, key := newIngestServer(t)
	path, payload := recordRun(t)
	payload.APIKey = key
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	var stdout, stderr bytes.Buffer
	if code := run([]string{"send", "--file", path, "--url", server.URL}, &stdout, &stderr); code != 0 {
		t.Fatalf("send code=%d stderr=%s", code, stderr.String())
	}
	want := "stored trace " + payload.Trace.TraceID + " (2 spans, 1 llm calls, 1 tool calls)"
	if got := strings.TrimSpace(stdout.String()); got != want {
		t.Fatalf("stdout=%q, want %q", got, want)
	}
}

func TestRunSendReportsRejection(t *testing.T) {
	t.Parallel()

	server, store, _ := newIngestServer(t)
	path, payload := recordRun(t)

	var stdout, stderr bytes.Buffer
	code := run([]string{"send", "--file", path, "--url", server.URL, "--api-key", "agentops_not-a-real-key"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("send code=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "ingest rejected (401): Invalid API key") {
		t.Fatalf("stderr=%q, want 401 rejection", stderr.String())
	}
	if _, err := store.GetTrace(context.Background(), payload.Trace.TraceID); !errors.Is(err, trace.ErrNotFound) {
		t.Fatalf("GetTrace() error=%v, want %v", err, trace.ErrNotFound)
	}
}

func TestRunSendValidatesFlags(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	emptyTrace := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(emptyTrace, []byte(`{"trace":{"name":"x"},"spans":[]}`), 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantErr  string
	}{
		{name: "missing file", args: []string{"send"}, wantCode: 2, wantErr: "--file is required"},
		{name: "bad format", args: []string{"send", "--file", emptyTrace, "--format", "yaml"}, wantCode: 2, wantErr: "format"},
		{name: "bad timeout", args: []string{"send", "--file", emptyTrace, "--timeout", "0s"}, wantCode: 2, wantErr: "--timeout must be > 0"},
		{name: "unreadable file", args: []string{"send", "--file", filepath.Join(dir, "missing.json"), "--api-key", "k"}, wantCode: 1, wantErr: "failed to read payload"},
		{name: "payload without trace id", args: []string{"send", "--file", emptyTrace, "--api-key", "k"}, wantCode: 1, wantErr: "trace.trace_id is required"},
		{name: "positional args", args: []string{"send", "extra"}, wantCode: 2, wantErr: "does not accept positional arguments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			if code := run(tt.args, &stdout, &stderr); code != tt.wantCode {
				t.Fatalf("code=%d, want %d (stderr=%s)", code, tt.wantCode, stderr.String())
			}
			if !strings.Contains(stderr.String(), tt.wantErr) {
				t.Fatalf("stderr=%q, want substring %q", stderr.String(), tt.wantErr)
			}
		})
	}
}

func TestServerBaseURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		server config.ServerConfig
		want   string
	}{
		{server: config.ServerConfig{Host: "0.0.0.0", Port: 8000}, want: "http://127.0.0.1:8000"},
		{server: config.ServerConfig{Host: "", Port: 9000}, want: "http://127.0.0.1:9000"},
		{server: config.ServerConfig{Host: "agentops.internal", Port: 80}, want: "http://agentops.internal:80"},
		{server: config.ServerConfig{Host: "::1", Port: 8000}, want: "http://[::1]:8000"},
	}
	for _, tt := range tests {
		if got := serverBaseURL(tt.server); got != tt.want {
			t.Fatalf("serverBaseURL(%+v)=%q, want %q", tt.server, got, tt.want)
		}
	}
}
