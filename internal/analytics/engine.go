package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ongoingai/agentops/internal/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Rollup names, used in errors, spans and metrics.
const (
	RollupSummary   = "summary"
	RollupTrends    = "trends"
	RollupModels    = "models"
	RollupTopTraces = "top_traces"
)

// ErrStoreFault marks a failure of the underlying store. Callers should treat
// it as a server error; the engine does not retry.
var ErrStoreFault = errors.New("analytics store fault")

// StoreFaultError wraps a store failure with the rollup that hit it.
type StoreFaultError struct {
	Rollup string
	Err    error
}

func (e *StoreFaultError) Error() string {
	return fmt.Sprintf("%s rollup: %v", e.Rollup, e.Err)
}

func (e *StoreFaultError) Unwrap() []error {
	return []error{ErrStoreFault, e.Err}
}

// RollupObserver is notified after every rollup query.
type RollupObserver interface {
	ObserveRollup(ctx context.Context, rollup string, duration time.Duration, err error)
}

// Query is a resolved window and the filter built from it.
type Query struct {
	Window Window
	Filter trace.AnalyticsFilter
	// ProjectFilterDropped is set when malformed project ids caused the
	// project component of the filter to be ignored.
	ProjectFilterDropped bool
}

// NewQuery resolves the window and builds the shared filter. Only
// ErrInvalidRange is returned.
func NewQuery(tag RangeTag, start, end *time.Time, projectIDs []string, now time.Time) (Query, error) {
	window, err := ResolveWindow(tag, start, end, now)
	if err != nil {
		return Query{}, err
	}
	filter, dropped := BuildFilter(&window, projectIDs)
	return Query{Window: window, Filter: filter, ProjectFilterDropped: dropped}, nil
}

// Trends is the trend series with the granularity it was bucketed by.
type Trends struct {
	Data        []trace.TrendPoint `json:"data"`
	Granularity trace.Granularity  `json:"granularity"`
}

// ModelBreakdown is one (model, provider) group with its share of the total
// cost across all groups.
type ModelBreakdown struct {
	trace.ModelUsage
	CostPercentage float64 `json:"cost_percentage"`
}

// Report holds all four rollups computed for one query.
type Report struct {
	Window    Window           `json:"window"`
	Summary   *trace.Summary   `json:"summary"`
	Trends    *Trends          `json:"trends"`
	Models    []ModelBreakdown `json:"models"`
	TopTraces []trace.TopTrace `json:"top_traces"`
}

// Engine computes rollups over an analytics store. It holds no per-call state
// and is safe for concurrent use.
type Engine struct {
	store     trace.AnalyticsStore
	observers []RollupObserver
	tracer    oteltrace.Tracer
}

func NewEngine(store trace.AnalyticsStore, observers ...RollupObserver) *Engine {
	active := make([]RollupObserver, 0, len(observers))
	for _, observer := range observers {
		if observer != nil {
			active = append(active, observer)
		}
	}
	return &Engine{
		store:     store,
		observers: active,
		tracer:    otel.Tracer("github.com/ongoingai/agentops/internal/analytics"),
	}
}

func (e *Engine) Summary(ctx context.Context, q Query) (*trace.Summary, error) {
	var summary *trace.Summary
	err := e.run(ctx, RollupSummary, func(ctx context.Context) error {
		var err error
		summary, err = e.store.GetSummary(ctx, q.Filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	if summary == nil {
		summary = &trace.Summary{}
	}
	return summary, nil
}

func (e *Engine) Trends(ctx context.Context, q Query) (*Trends, error) {
	var points []trace.TrendPoint
	err := e.run(ctx, RollupTrends, func(ctx context.Context) error {
		var err error
		points, err = e.store.GetTrends(ctx, q.Filter, q.Window.Granularity)
		return err
	})
	if err != nil {
		return nil, err
	}
	if points == nil {
		points = []trace.TrendPoint{}
	}
	return &Trends{Data: points, Granularity: q.Window.Granularity}, nil
}

func (e *Engine) Models(ctx context.Context, q Query) ([]ModelBreakdown, error) {
	var usage []trace.ModelUsage
	err := e.run(ctx, RollupModels, func(ctx context.Context) error {
		var err error
		usage, err = e.store.GetModelBreakdown(ctx, q.Filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	return withCostPercentages(usage), nil
}

func (e *Engine) TopTraces(ctx context.Context, q Query, query trace.TopTracesQuery) ([]trace.TopTrace, error) {
	var items []trace.TopTrace
	err := e.run(ctx, RollupTopTraces, func(ctx context.Context) error {
		var err error
		items, err = e.store.GetTopTraces(ctx, q.Filter, query)
		return err
	})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []trace.TopTrace{}
	}
	return items, nil
}

// Report runs the four rollups in parallel. The first failure cancels the
// others and no partial report is returned.
func (e *Engine) Report(ctx context.Context, q Query, top trace.TopTracesQuery) (*Report, error) {
	report := &Report{Window: q.Window}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		summary, err := e.Summary(gctx, q)
		report.Summary = summary
		return err
	})
	g.Go(func() error {
		trends, err := e.Trends(gctx, q)
		report.Trends = trends
		return err
	})
	g.Go(func() error {
		models, err := e.Models(gctx, q)
		report.Models = models
		return err
	})
	g.Go(func() error {
		items, err := e.TopTraces(gctx, q, top)
		report.TopTraces = items
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return report, nil
}

func (e *Engine) run(ctx context.Context, rollup string, fn func(ctx context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, "analytics."+rollup, oteltrace.WithAttributes(
		attribute.String("analytics.rollup", rollup),
	))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)
	for _, observer := range e.observers {
		observer.ObserveRollup(ctx, rollup, duration, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rollup failed")
		return &StoreFaultError{Rollup: rollup, Err: err}
	}
	return nil
}

// withCostPercentages computes each group's share of the total cost. All
// shares are zero when the total is zero.
func withCostPercentages(usage []trace.ModelUsage) []ModelBreakdown {
	total := 0.0
	for _, item := range usage {
		total += item.TotalCost
	}
	out := make([]ModelBreakdown, 0, len(usage))
	for _, item := range usage {
		pct := 0.0
		if total > 0 {
			pct = item.TotalCost / total * 100
		}
		out = append(out, ModelBreakdown{ModelUsage: item, CostPercentage: pct})
	}
	return out
}
