package trace

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ongoingai/agentops/pkg/ingest"
)

var ErrInvalidIngest = errors.New("invalid ingest payload")

// Wire types shared with instrumented agents.
type (
	IngestPayload   = ingest.Payload
	TracePayload    = ingest.Trace
	SpanPayload     = ingest.Span
	LLMCallPayload  = ingest.LLMCall
	ToolCallPayload = ingest.ToolCall
	Pricer          = ingest.Pricer
)

// IngestBatch is a validated payload ready to be written for one project.
type IngestBatch struct {
	ProjectID  uuid.UUID
	Trace      *Trace
	Spans      []*Span
	ReceivedAt time.Time
}

// TraceID returns the trace the batch writes to.
func (b *IngestBatch) TraceID() string {
	if b == nil || b.Trace == nil {
		return ""
	}
	return b.Trace.TraceID
}

// BuildIngest validates payload and derives statuses, durations, token totals
// and costs. The returned batch is what the stores persist.
func BuildIngest(projectID uuid.UUID, payload *IngestPayload, pricer Pricer, now time.Time) (*IngestBatch, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidIngest)
	}
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("%w: project is required", ErrInvalidIngest)
	}
	now = now.UTC()

	in := payload.Trace
	traceID := strings.TrimSpace(in.TraceID)
	if traceID == "" {
		return nil, fmt.Errorf("%w: trace.trace_id is required", ErrInvalidIngest)
	}
	if in.StartTime.IsZero() {
		return nil, fmt.Errorf("%w: trace.start_time is required", ErrInvalidIngest)
	}
	if err := checkBounds("trace", in.StartTime, in.EndTime); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = "Agent execution"
	}
	meta, err := normalizeRawJSON("trace.meta", in.Meta)
	if err != nil {
		return nil, err
	}

	item := &Trace{
		TraceID:   traceID,
		ProjectID: projectID,
		Name:      name,
		Status:    StatusRunning,
		StartTime: in.StartTime.UTC(),
		EndTime:   utcPtr(in.EndTime),
		Meta:      meta,
		Tags:      normalizeTags(in.Tags),
		CreatedAt: now,
	}
	if item.EndTime != nil {
		item.Status = StatusSuccess
		item.DurationMS = durationMS(item.StartTime, item.EndTime)
	}

	spans := make([]*Span, 0, len(payload.Spans))
	byID := make(map[string]*Span, len(payload.Spans))
	for i, sp := range payload.Spans {
		span, err := buildSpan(i, traceID, sp, now)
		if err != nil {
			return nil, err
		}
		if _, dup := byID[span.SpanID]; dup {
			return nil, fmt.Errorf("%w: duplicate span_id %q", ErrInvalidIngest, span.SpanID)
		}
		byID[span.SpanID] = span
		spans = append(spans, span)
	}

	for spanID, call := range payload.LLMCalls {
		span, err := callSpan(byID, spanID, SpanTypeLLMCall)
		if err != nil {
			return nil, err
		}
		span.LLMCall = buildLLMCall(span.SpanID, call, pricer)
	}
	for spanID, call := range payload.ToolCalls {
		span, err := callSpan(byID, spanID, SpanTypeToolCall)
		if err != nil {
			return nil, err
		}
		toolCall, err := buildToolCall(span.SpanID, call)
		if err != nil {
			return nil, err
		}
		span.ToolCall = toolCall
	}

	return &IngestBatch{
		ProjectID:  projectID,
		Trace:      item,
		Spans:      spans,
		ReceivedAt: now,
	}, nil
}

func buildSpan(index int, traceID string, in SpanPayload, now time.Time) (*Span, error) {
	field := fmt.Sprintf("spans[%d]", index)
	spanID := strings.TrimSpace(in.SpanID)
	if spanID == "" {
		return nil, fmt.Errorf("%w: %s.span_id is required", ErrInvalidIngest, field)
	}
	if owner := strings.TrimSpace(in.TraceID); owner != "" && owner != traceID {
		return nil, fmt.Errorf("%w: %s belongs to trace %q", ErrInvalidIngest, field, owner)
	}
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: %s.type %q is not supported", ErrInvalidIngest, field, in.Type)
	}
	if in.StartTime.IsZero() {
		return nil, fmt.Errorf("%w: %s.start_time is required", ErrInvalidIngest, field)
	}
	if err := checkBounds(field, in.StartTime, in.EndTime); err != nil {
		return nil, err
	}

	inputs, err := normalizeRawJSON(field+".inputs", in.Inputs)
	if err != nil {
		return nil, err
	}
	outputs, err := normalizeRawJSON(field+".outputs", in.Outputs)
	if err != nil {
		return nil, err
	}
	meta, err := normalizeRawJSON(field+".meta", in.Meta)
	if err != nil {
		return nil, err
	}

	span := &Span{
		SpanID:       spanID,
		TraceID:      traceID,
		ParentSpanID: strings.TrimSpace(in.ParentSpanID),
		Name:         strings.TrimSpace(in.Name),
		Type:         in.Type,
		StartTime:    in.StartTime.UTC(),
		EndTime:      utcPtr(in.EndTime),
		Inputs:       inputs,
		Outputs:      outputs,
		Meta:         meta,
		Error:        strings.TrimSpace(in.Error),
		CreatedAt:    now,
	}
	if span.Name == "" {
		span.Name = string(span.Type)
	}
	span.DurationMS = durationMS(span.StartTime, span.EndTime)
	switch {
	case span.Error != "":
		span.Status = StatusFailed
	case span.EndTime != nil:
		span.Status = StatusSuccess
	default:
		span.Status = StatusRunning
	}
	return span, nil
}

func callSpan(byID map[string]*Span, spanID string, want SpanType) (*Span, error) {
	span, ok := byID[strings.TrimSpace(spanID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s references unknown span %q", ErrInvalidIngest, want, spanID)
	}
	if span.Type != want {
		return nil, fmt.Errorf("%w: span %q has type %s, want %s", ErrInvalidIngest, span.SpanID, span.Type, want)
	}
	return span, nil
}

func buildLLMCall(spanID string, in LLMCallPayload, pricer Pricer) *LLMCall {
	model := strings.TrimSpace(in.ModelName)
	if model == "" {
		model = "unknown"
	}
	inputTokens := max(in.InputTokens, 0)
	outputTokens := max(in.OutputTokens, 0)

	provider := strings.TrimSpace(in.Provider)
	cost := 0.0
	if pricer != nil {
		if provider == "" {
			provider = pricer.InferProvider(model)
		}
		cost = pricer.Cost(model, inputTokens, outputTokens)
	}
	if provider == "" {
		provider = "unknown"
	}

	return &LLMCall{
		SpanID:       spanID,
		ModelName:    model,
		Provider:     provider,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
		Cost:         cost,
		Prompt:       in.Prompt,
		Response:     in.Response,
	}
}

func buildToolCall(spanID string, in ToolCallPayload) (*ToolCall, error) {
	inputs, err := normalizeRawJSON("tool_calls.tool_inputs", in.ToolInputs)
	if err != nil {
		return nil, err
	}
	outputs, err := normalizeRawJSON("tool_calls.tool_outputs", in.ToolOutputs)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.ToolName)
	if name == "" {
		name = "unknown"
	}
	return &ToolCall{
		SpanID:      spanID,
		ToolName:    name,
		ToolInputs:  inputs,
		ToolOutputs: outputs,
		Error:       strings.TrimSpace(in.Error),
	}, nil
}

func checkBounds(field string, start time.Time, end *time.Time) error {
	if end != nil && end.Before(start) {
		return fmt.Errorf("%w: %s.end_time is before start_time", ErrInvalidIngest, field)
	}
	return nil
}

func utcPtr(value *time.Time) *time.Time {
	if value == nil || value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
