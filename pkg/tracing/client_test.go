package tracing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ongoingai/agentops/pkg/ingest"
)

func TestClientSend(t *testing.T) {
	t.Parallel()

	var gotKey, gotPath string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(APIKeyHeader)
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"trace_id":"trace_0123456789abcdef"}`))
	}))
	defer server.Close()

	client, err := NewClient(server.URL+"/", "agentops_secret", server.Client())
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	result, err := client.Send(context.Background(), &ingest.Payload{
		APIKey: "should-not-leak",
		Trace:  ingest.Trace{TraceID: "trace_0123456789abcdef", Name: "run", StartTime: start},
	})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if !result.Success || result.TraceID != "trace_0123456789abcdef" || result.StatusCode != http.StatusCreated {
		t.Fatalf("result=%+v", result)
	}
	if gotKey != "agentops_secret" || gotPath != IngestPath {
		t.Fatalf("key=%q path=%q", gotKey, gotPath)
	}
	if _, leaked := gotBody["api_key"]; leaked {
		t.Fatalf("body carried api_key: %v", gotBody)
	}
}

func TestClientSendErrors(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"Invalid API key"}`))
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "agentops_wrong", nil)
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	_, err = client.Send(context.Background(), &ingest.Payload{Trace: ingest.Trace{TraceID: "t"}})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusUnauthorized || statusErr.Message != "Invalid API key" {
		t.Fatalf("Send() error=%v, want 401 StatusError", err)
	}

	if _, err := client.Send(context.Background(), nil); err == nil {
		t.Fatal("Send(nil) expected error")
	}
	if _, err := NewClient("", "key", nil); err == nil {
		t.Fatal("NewClient() without url expected error")
	}
	if _, err := NewClient("http://localhost", " ", nil); err == nil {
		t.Fatal("NewClient() without key expected error")
	}
}

func TestClientSendHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client, err := NewClient(server.URL, "key", nil)
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.Send(ctx, &ingest.Payload{Trace: ingest.Trace{TraceID: "t"}}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send() error=%v, want deadline exceeded", err)
	}
}
