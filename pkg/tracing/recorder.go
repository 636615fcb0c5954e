// Package tracing records agent executions in process and ships them to the
// ingest endpoint.
package tracing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ongoingai/agentops/pkg/ingest"
	"github.com/ongoingai/agentops/pkg/providers"
)

var (
	ErrFinished    = errors.New("trace already finished")
	ErrUnknownSpan = errors.New("unknown span")
)

type recorderKey struct{}

// Options configures a new Recorder.
type Options struct {
	Meta     map[string]any
	Tags     []string
	Hooks    Hooks
	Registry *providers.Registry
	Pricer   ingest.Pricer
	Now      func() time.Time
}

// SpanOptions configures a new span.
type SpanOptions struct {
	ParentSpanID string
	Inputs       any
	Meta         map[string]any
}

// ToolCall is one tool invocation attached to a tool_call span.
type ToolCall struct {
	Name    string
	Inputs  any
	Outputs any
	Err     error
}

// Recorder collects one trace with its spans and call records. It is safe
// for concurrent use by the goroutines of one agent run.
type Recorder struct {
	mu        sync.Mutex
	trace     ingest.Trace
	meta      map[string]any
	spans     []ingest.Span
	spanIndex map[string]int
	llmCalls  map[string]ingest.LLMCall
	toolCalls map[string]ingest.ToolCall
	finished  bool

	hooks    Hooks
	registry *providers.Registry
	pricer   ingest.Pricer
	now      func() time.Time
}

// Start begins a trace and returns a context carrying its Recorder.
func Start(ctx context.Context, name string, opts Options) (context.Context, *Recorder) {
	if ctx == nil {
		ctx = context.Background()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	registry := opts.Registry
	if registry == nil {
		registry = providers.DefaultRegistry()
	}
	meta := make(map[string]any, len(opts.Meta))
	for k, v := range opts.Meta {
		meta[k] = v
	}
	name = SanitizeName(name)
	if name == "" {
		name = DefaultTraceName
	}

	r := &Recorder{
		trace: ingest.Trace{
			TraceID:   newID("trace_"),
			Name:      name,
			StartTime: now().UTC(),
			Tags:      append([]string(nil), opts.Tags...),
		},
		meta:      meta,
		spanIndex: make(map[string]int),
		llmCalls:  make(map[string]ingest.LLMCall),
		toolCalls: make(map[string]ingest.ToolCall),
		hooks:     opts.Hooks,
		registry:  registry,
		pricer:    opts.Pricer,
		now:       now,
	}
	return context.WithValue(ctx, recorderKey{}, r), r
}

// FromContext returns the Recorder started on ctx, if any.
func FromContext(ctx context.Context) (*Recorder, bool) {
	if ctx == nil {
		return nil, false
	}
	r, ok := ctx.Value(recorderKey{}).(*Recorder)
	return r, ok && r != nil
}

func (r *Recorder) TraceID() string {
	return r.trace.TraceID
}

// StartSpan opens a span and returns its id. Spans opened after Finish are
// ignored and return an empty id.
func (r *Recorder) StartSpan(name string, spanType ingest.SpanType, opts SpanOptions) string {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return ""
	}
	span := ingest.Span{
		SpanID:       newID("span_"),
		TraceID:      r.trace.TraceID,
		ParentSpanID: opts.ParentSpanID,
		Name:         strings.TrimSpace(name),
		Type:         spanType,
		StartTime:    r.now().UTC(),
		Inputs:       marshalOptional(opts.Inputs),
		Meta:         marshalOptional(opts.Meta),
	}
	r.spanIndex[span.SpanID] = len(r.spans)
	r.spans = append(r.spans, span)
	r.mu.Unlock()

	r.hooks.spanStarted(r.event(span))
	return span.SpanID
}

// EndSpan closes a span with its outputs. A non-nil spanErr marks it failed.
func (r *Recorder) EndSpan(spanID string, outputs any, spanErr error) error {
	r.mu.Lock()
	idx, ok := r.spanIndex[spanID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownSpan, spanID)
	}
	span := &r.spans[idx]
	if span.EndTime == nil {
		end := r.now().UTC()
		span.EndTime = &end
	}
	if outputs != nil {
		span.Outputs = marshalOptional(outputs)
	}
	if spanErr != nil {
		span.Error = spanErr.Error()
	}
	event := r.event(*span)
	r.mu.Unlock()

	r.hooks.spanEnded(event)
	return nil
}

// RecordLLMCall attaches model usage to an llm_call span. An empty provider
// is inferred from the model name.
func (r *Recorder) RecordLLMCall(spanID string, call ingest.LLMCall) error {
	if strings.TrimSpace(call.Provider) == "" {
		call.Provider = providers.InferProvider(call.ModelName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireSpan(spanID, ingest.SpanTypeLLMCall); err != nil {
		return err
	}
	r.llmCalls[spanID] = call
	return nil
}

// RecordLLMResponse parses a raw provider response and records it as the
// span's LLM call. model is used when the response does not name one.
func (r *Recorder) RecordLLMResponse(spanID, model, prompt string, body []byte) (*providers.Response, error) {
	adapter := r.registry.ForModel(model)
	resp, err := adapter.ParseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("parse %s response: %w", adapter.Name(), err)
	}
	if resp.Model == "" {
		resp.Model = model
	}
	call := ingest.LLMCall{
		ModelName:    resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Prompt:       prompt,
		Response:     resp.Text,
	}
	if adapter.Name() != providers.ProviderUnknown {
		call.Provider = adapter.Name()
	}
	if err := r.RecordLLMCall(spanID, call); err != nil {
		return nil, err
	}
	return resp, nil
}

// RecordToolCall attaches a tool invocation to a tool_call span.
func (r *Recorder) RecordToolCall(spanID string, call ToolCall) error {
	payload := ingest.ToolCall{
		ToolName:    strings.TrimSpace(call.Name),
		ToolInputs:  marshalOptional(call.Inputs),
		ToolOutputs: marshalOptional(call.Outputs),
	}
	if call.Err != nil {
		payload.Error = call.Err.Error()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireSpan(spanID, ingest.SpanTypeToolCall); err != nil {
		return err
	}
	r.toolCalls[spanID] = payload
	return nil
}

// Finish closes the trace and returns the ingest payload. Open spans keep
// their running state. meta is merged into the trace meta.
func (r *Recorder) Finish(meta map[string]any) (*ingest.Payload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return nil, ErrFinished
	}
	r.finished = true

	end := r.now().UTC()
	if end.Before(r.trace.StartTime) {
		end = r.trace.StartTime
	}
	for k, v := range meta {
		r.meta[k] = v
	}

	out := &ingest.Payload{
		Trace:     r.trace,
		Spans:     append([]ingest.Span(nil), r.spans...),
		LLMCalls:  make(map[string]ingest.LLMCall, len(r.llmCalls)),
		ToolCalls: make(map[string]ingest.ToolCall, len(r.toolCalls)),
	}
	out.Trace.EndTime = &end
	if len(r.meta) > 0 {
		raw, err := json.Marshal(r.meta)
		if err != nil {
			return nil, fmt.Errorf("encode trace meta: %w", err)
		}
		out.Trace.Meta = raw
	}
	for id, call := range r.llmCalls {
		out.LLMCalls[id] = call
	}
	for id, call := range r.toolCalls {
		out.ToolCalls[id] = call
	}
	return out, nil
}

// Cost prices the recorded LLM calls with the configured pricer.
func (r *Recorder) Cost() float64 {
	if r.pricer == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0.0
	for _, call := range r.llmCalls {
		total += r.pricer.Cost(call.ModelName, call.InputTokens, call.OutputTokens)
	}
	return total
}

func (r *Recorder) requireSpan(spanID string, want ingest.SpanType) error {
	idx, ok := r.spanIndex[spanID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSpan, spanID)
	}
	if got := r.spans[idx].Type; got != want {
		return fmt.Errorf("span %q is %s, not %s", spanID, got, want)
	}
	return nil
}

func (r *Recorder) event(span ingest.Span) SpanEvent {
	ev := SpanEvent{
		TraceID:      span.TraceID,
		SpanID:       span.SpanID,
		ParentSpanID: span.ParentSpanID,
		Name:         span.Name,
		Type:         span.Type,
		StartTime:    span.StartTime,
		Error:        span.Error,
	}
	if span.EndTime != nil {
		ev.EndTime = *span.EndTime
		ev.Duration = span.EndTime.Sub(span.StartTime)
	}
	return ev
}

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func marshalOptional(value any) json.RawMessage {
	if value == nil {
		return nil
	}
	if raw, ok := value.(json.RawMessage); ok {
		return raw
	}
	raw, err := json.Marshal(value)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"unserializable": fmt.Sprintf("%v", value)})
	}
	return raw
}
