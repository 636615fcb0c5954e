package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ongoingai/agentops/internal/trace"
)

type traceDetailResponse struct {
	Trace traceDetailBody `json:"trace"`
	Spans []spanBody      `json:"spans"`
}

type traceDetailBody struct {
	traceSummary
	ProjectName string          `json:"project_name"`
	Meta        json.RawMessage `json:"meta"`
}

type spanBody struct {
	SpanID       string          `json:"span_id"`
	TraceID      string          `json:"trace_id"`
	ParentSpanID *string         `json:"parent_span_id"`
	Name         string          `json:"name"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      *time.Time      `json:"end_time"`
	DurationMS   *int64          `json:"duration_ms"`
	Inputs       json.RawMessage `json:"inputs"`
	Outputs      json.RawMessage `json:"outputs"`
	Meta         json.RawMessage `json:"meta"`
	Error        *string         `json:"error"`
	LLMCall      *llmCallBody    `json:"llm_call,omitempty"`
	ToolCall     *toolCallBody   `json:"tool_call,omitempty"`
}

type llmCallBody struct {
	ModelName    string  `json:"model_name"`
	Provider     string  `json:"provider"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	Cost         float64 `json:"cost"`
	Prompt       string  `json:"prompt"`
	Response     string  `json:"response"`
}

type toolCallBody struct {
	ToolName    string          `json:"tool_name"`
	ToolInputs  json.RawMessage `json:"tool_inputs"`
	ToolOutputs json.RawMessage `json:"tool_outputs"`
	Error       *string         `json:"error"`
}

// TraceDetailHandler serves GET /api/traces/{trace_id}.
func TraceDetailHandler(store trace.TraceStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
			return
		}

		traceID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/traces/"), "/")
		if traceID == "" || strings.Contains(traceID, "/") {
			writeError(w, http.StatusNotFound, "not found")
			return
		}

		detail, err := store.GetTrace(r.Context(), traceID)
		if err != nil {
			if errors.Is(err, trace.ErrNotFound) {
				writeError(w, http.StatusNotFound, "Trace not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to load trace")
			return
		}

		spans := make([]spanBody, 0, len(detail.Spans))
		for _, span := range detail.Spans {
			spans = append(spans, toSpanBody(span))
		}
		writeJSON(w, http.StatusOK, traceDetailResponse{
			Trace: traceDetailBody{
				traceSummary: summarizeTrace(&detail.Trace),
				ProjectName:  detail.ProjectName,
				Meta:         rawOrNull(detail.Meta),
			},
			Spans: spans,
		})
	})
}

func toSpanBody(span *trace.Span) spanBody {
	body := spanBody{
		SpanID:       span.SpanID,
		TraceID:      span.TraceID,
		ParentSpanID: optionalString(span.ParentSpanID),
		Name:         span.Name,
		Type:         string(span.Type),
		Status:       string(span.Status),
		StartTime:    span.StartTime,
		EndTime:      span.EndTime,
		DurationMS:   span.DurationMS,
		Inputs:       rawOrNull(span.Inputs),
		Outputs:      rawOrNull(span.Outputs),
		Meta:         rawOrNull(span.Meta),
		Error:        optionalString(span.Error),
	}
	if call := span.LLMCall; call != nil {
		body.LLMCall = &llmCallBody{
			ModelName:    call.ModelName,
			Provider:     call.Provider,
			InputTokens:  call.InputTokens,
			OutputTokens: call.OutputTokens,
			TotalTokens:  call.TotalTokens,
			Cost:         call.Cost,
			Prompt:       call.Prompt,
			Response:     call.Response,
		}
	}
	if call := span.ToolCall; call != nil {
		body.ToolCall = &toolCallBody{
			ToolName:    call.ToolName,
			ToolInputs:  rawOrNull(call.ToolInputs),
			ToolOutputs: rawOrNull(call.ToolOutputs),
			Error:       optionalString(call.Error),
		}
	}
	return body
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func parseIntQuery(raw, name string, minValue, maxValue int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", name)
	}
	if value < minValue || value > maxValue {
		return 0, fmt.Errorf("%s must be between %d and %d", name, minValue, maxValue)
	}
	return value, nil
}

// parseTimeQuery accepts RFC3339 or YYYY-MM-DD. A date-only value is the
// start of that UTC day, or its last instant when endOfDay is set.
func parseTimeQuery(raw, name string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		parsed = parsed.UTC()
		return &parsed, nil
	}
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected RFC3339 or YYYY-MM-DD", name)
	}
	if endOfDay {
		parsed = parsed.Add(24*time.Hour - time.Nanosecond)
	}
	return &parsed, nil
}
