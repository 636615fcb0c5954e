package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSONEncodesIngestResponse(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusAccepted, ingestResponse{Success: true, TraceID: "trace_0123456789abcdef", Queued: true})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusAccepted)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("content-type=%q, want application/json", got)
	}
	want := `{"success":true,"trace_id":"trace_0123456789abcdef","queued":true}`
	if got := strings.TrimSpace(rec.Body.String()); got != want {
		t.Fatalf("body=%q, want %q", got, want)
	}
}

func TestWriteJSONReturnsInternalServerErrorOnEncodeFailure(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]any{
		"bad": make(chan int),
	})

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"error":"internal server error"}` {
		t.Fatalf("body=%q, want %q", got, `{"error":"internal server error"}`)
	}
}

func TestWriteErrorUsesErrorPayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status  int
		message string
	}{
		{status: http.StatusUnauthorized, message: "Invalid API key"},
		{status: http.StatusNotFound, message: "Trace not found"},
		{status: http.StatusConflict, message: "Trace belongs to another project"},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			t.Parallel()

			rec := httptest.NewRecorder()
			writeError(rec, tt.status, tt.message)
			if rec.Code != tt.status {
				t.Fatalf("status=%d, want %d", rec.Code, tt.status)
			}
			var payload map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
				t.Fatalf("decode response body: %v", err)
			}
			if len(payload) != 1 || payload["error"] != tt.message {
				t.Fatalf("payload=%v, want only error=%q", payload, tt.message)
			}
		})
	}
}

func TestRequireMethodSetsAllowHeader(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	if requireMethod(rec, httptest.NewRequest(http.MethodDelete, "/api/projects", nil), http.MethodPost) {
		t.Fatal("requireMethod() = true, want false")
	}
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
	if got := rec.Header().Get("Allow"); got != "POST, OPTIONS" {
		t.Fatalf("allow=%q, want %q", got, "POST, OPTIONS")
	}
}

func TestDecodeJSONBody(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		limit      int64
		wantOK     bool
		wantStatus int
		wantError  string
	}{
		{name: "valid", body: `{"name":"support"}`, limit: 1024, wantOK: true},
		{name: "unknown field", body: `{"name":"support","owner":"ops"}`, limit: 1024, wantStatus: http.StatusBadRequest, wantError: "invalid request body"},
		{name: "trailing data", body: `{"name":"support"}{}`, limit: 1024, wantStatus: http.StatusBadRequest, wantError: "invalid request body"},
		{name: "too large", body: `{"name":"` + strings.Repeat("a", 64) + `"}`, limit: 16, wantStatus: http.StatusRequestEntityTooLarge, wantError: "request body too large"},
		{name: "empty", body: "", limit: 1024, wantStatus: http.StatusBadRequest, wantError: "request body is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodPost, "/api/projects", strings.NewReader(tt.body))
			if tt.body == "" {
				req.Body = http.NoBody
			}
			rec := httptest.NewRecorder()
			var out struct {
				Name string `json:"name"`
			}
			ok := decodeJSONBody(rec, req, tt.limit, &out)
			if ok != tt.wantOK {
				t.Fatalf("decodeJSONBody()=%v, want %v (body=%s)", ok, tt.wantOK, rec.Body.String())
			}
			if tt.wantOK {
				if out.Name != "support" {
					t.Fatalf("name=%q, want support", out.Name)
				}
				return
			}
			if rec.Code != tt.wantStatus {
				t.Fatalf("status=%d, want %d", rec.Code, tt.wantStatus)
			}
			var payload map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
				t.Fatalf("decode response body: %v", err)
			}
			if payload["error"] != tt.wantError {
				t.Fatalf("error=%q, want %q", payload["error"], tt.wantError)
			}
		})
	}
}
