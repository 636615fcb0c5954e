package trace

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/ongoingai/agentops/pkg/ingest"
)

// Status is the lifecycle state shared by traces and spans.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

type SpanType = ingest.SpanType

const (
	SpanTypeLLMCall    = ingest.SpanTypeLLMCall
	SpanTypeToolCall   = ingest.SpanTypeToolCall
	SpanTypeAgentStep  = ingest.SpanTypeAgentStep
	SpanTypeA2AMessage = ingest.SpanTypeA2AMessage
)

// Project owns traces. Ingested traces are attributed to the project whose
// API key hash matches the presented key.
type Project struct {
	ID           uuid.UUID
	Name         string
	Description  string
	APIKeyHash   string
	APIKeyPrefix string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Trace is one agent execution.
type Trace struct {
	TraceID     string
	ProjectID   uuid.UUID
	Name        string
	Status      Status
	StartTime   time.Time
	EndTime     *time.Time
	DurationMS  *int64
	TotalTokens int64
	TotalCost   float64
	Meta        json.RawMessage
	Tags        []string
	CreatedAt   time.Time
}

// Span is one timed step within a trace. LLMCall and ToolCall are populated
// for spans of the matching type when the call detail is known.
type Span struct {
	SpanID       string
	TraceID      string
	ParentSpanID string
	Name         string
	Type         SpanType
	Status       Status
	StartTime    time.Time
	EndTime      *time.Time
	DurationMS   *int64
	Inputs       json.RawMessage
	Outputs      json.RawMessage
	Meta         json.RawMessage
	Error        string
	CreatedAt    time.Time

	LLMCall  *LLMCall
	ToolCall *ToolCall
}

type LLMCall struct {
	SpanID       string
	ModelName    string
	Provider     string
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	Cost         float64
	Prompt       string
	Response     string
}

type ToolCall struct {
	SpanID      string
	ToolName    string
	ToolInputs  json.RawMessage
	ToolOutputs json.RawMessage
	Error       string
}

// TraceDetail is a trace with its spans ordered by start time.
type TraceDetail struct {
	Trace
	ProjectName string
	Spans       []*Span
}

func durationMS(start time.Time, end *time.Time) *int64 {
	if end == nil || start.IsZero() {
		return nil
	}
	value := end.Sub(start).Milliseconds()
	if value < 0 {
		value = 0
	}
	return &value
}
