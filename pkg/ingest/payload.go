// Package ingest defines the wire payload instrumented agents post to
// /api/traces/ingest.
package ingest

import (
	"encoding/json"
	"time"
)

// SpanType identifies the kind of step a span records.
type SpanType string

const (
	SpanTypeLLMCall    SpanType = "llm_call"
	SpanTypeToolCall   SpanType = "tool_call"
	SpanTypeAgentStep  SpanType = "agent_step"
	SpanTypeA2AMessage SpanType = "a2a_message"
)

// Valid reports whether t is one of the known span types.
func (t SpanType) Valid() bool {
	switch t {
	case SpanTypeLLMCall, SpanTypeToolCall, SpanTypeAgentStep, SpanTypeA2AMessage:
		return true
	default:
		return false
	}
}

// Payload is one trace with its spans. Calls are keyed by span id.
type Payload struct {
	APIKey    string              `json:"api_key,omitempty"`
	Trace     Trace               `json:"trace"`
	Spans     []Span              `json:"spans"`
	LLMCalls  map[string]LLMCall  `json:"llm_calls,omitempty"`
	ToolCalls map[string]ToolCall `json:"tool_calls,omitempty"`
}

type Trace struct {
	TraceID   string          `json:"trace_id"`
	Name      string          `json:"name"`
	StartTime time.Time       `json:"start_time"`
	EndTime   *time.Time      `json:"end_time,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
}

type Span struct {
	SpanID       string          `json:"span_id"`
	TraceID      string          `json:"trace_id,omitempty"`
	ParentSpanID string          `json:"parent_span_id,omitempty"`
	Name         string          `json:"name"`
	Type         SpanType        `json:"type"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      *time.Time      `json:"end_time,omitempty"`
	Inputs       json.RawMessage `json:"inputs,omitempty"`
	Outputs      json.RawMessage `json:"outputs,omitempty"`
	Meta         json.RawMessage `json:"meta,omitempty"`
	Error        string          `json:"error,omitempty"`
}

type LLMCall struct {
	ModelName    string `json:"model_name"`
	Provider     string `json:"provider,omitempty"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	Prompt       string `json:"prompt,omitempty"`
	Response     string `json:"response,omitempty"`
}

type ToolCall struct {
	ToolName    string          `json:"tool_name"`
	ToolInputs  json.RawMessage `json:"tool_inputs,omitempty"`
	ToolOutputs json.RawMessage `json:"tool_outputs,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Pricer prices LLM usage and infers a provider from a model name.
type Pricer interface {
	Cost(model string, inputTokens, outputTokens int64) float64
	InferProvider(model string) string
}
