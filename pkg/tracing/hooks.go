package tracing

import (
	"time"

	"github.com/ongoingai/agentops/pkg/ingest"
)

// SpanEvent describes a span when it starts or ends. EndTime and Duration
// are zero for start events.
type SpanEvent struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Name         string
	Type         ingest.SpanType
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Error        string
}

// Hooks are optional callbacks invoked outside the recorder lock.
type Hooks struct {
	OnSpanStart func(SpanEvent)
	OnSpanEnd   func(SpanEvent)
}

func (h Hooks) spanStarted(ev SpanEvent) {
	if h.OnSpanStart != nil {
		h.OnSpanStart(ev)
	}
}

func (h Hooks) spanEnded(ev SpanEvent) {
	if h.OnSpanEnd != nil {
		h.OnSpanEnd(ev)
	}
}
