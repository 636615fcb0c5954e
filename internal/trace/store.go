package trace

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("trace store record not found")
var ErrInvalidCursor = errors.New("trace cursor is invalid")
var ErrProjectMismatch = errors.New("trace belongs to another project")
var ErrDuplicateKey = errors.New("project api key already exists")

// ProjectStore persists projects and resolves API key hashes to projects.
type ProjectStore interface {
	CreateProject(ctx context.Context, project *Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*Project, error)
	GetProjectByKeyHash(ctx context.Context, keyHash string) (*Project, error)
	ListProjects(ctx context.Context) ([]*Project, error)
	UpdateProjectKey(ctx context.Context, id uuid.UUID, keyHash, keyPrefix string) error
}

// TraceStore writes ingested batches and reads traces back.
type TraceStore interface {
	WriteIngest(ctx context.Context, batch *IngestBatch) error
	GetTrace(ctx context.Context, traceID string) (*TraceDetail, error)
	QueryTraces(ctx context.Context, filter TraceFilter) (*TraceResult, error)
}

// AnalyticsStore computes the rollups over traces matching a filter. Every
// method is read-only.
type AnalyticsStore interface {
	GetSummary(ctx context.Context, filter AnalyticsFilter) (*Summary, error)
	GetTrends(ctx context.Context, filter AnalyticsFilter, granularity Granularity) ([]TrendPoint, error)
	GetModelBreakdown(ctx context.Context, filter AnalyticsFilter) ([]ModelUsage, error)
	GetTopTraces(ctx context.Context, filter AnalyticsFilter, query TopTracesQuery) ([]TopTrace, error)
}

// Store is the full event store implemented by the SQLite and Postgres backends.
type Store interface {
	ProjectStore
	TraceStore
	AnalyticsStore
	Ping(ctx context.Context) error
	Close() error
}

type TraceFilter struct {
	ProjectID uuid.UUID
	Limit     int
	Cursor    string
}

type TraceResult struct {
	Items      []*Trace
	NextCursor string
}

// AnalyticsFilter is the predicate shared by all rollups: a bound on the
// trace start time and an optional project set. The zero value matches every
// trace.
type AnalyticsFilter struct {
	From        time.Time
	To          time.Time
	ToInclusive bool
	ProjectIDs  []uuid.UUID
}

// Granularity is the width of a trend bucket.
type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
	GranularityWeek Granularity = "week"
)

type Summary struct {
	TotalTraces       int64   `json:"total_traces"`
	TotalLLMCalls     int64   `json:"total_llm_calls"`
	TotalToolCalls    int64   `json:"total_tool_calls"`
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	TotalTokens       int64   `json:"total_tokens"`
	TotalCost         float64 `json:"total_cost"`
	AvgDurationMS     float64 `json:"avg_duration_ms"`
	MinDurationMS     int64   `json:"min_duration_ms"`
	MaxDurationMS     int64   `json:"max_duration_ms"`
	TotalDurationMS   int64   `json:"total_duration_ms"`
	UniqueProjects    int64   `json:"unique_projects"`
}

type TrendPoint struct {
	Timestamp    time.Time `json:"timestamp"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	TotalTokens  int64     `json:"total_tokens"`
	Cost         float64   `json:"cost"`
	TraceCount   int64     `json:"trace_count"`
}

type ModelUsage struct {
	ModelName    string  `json:"model_name"`
	Provider     string  `json:"provider"`
	TotalCost    float64 `json:"total_cost"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	CallCount    int64   `json:"call_count"`
}

// TopTraceSort is the descending sort key of the top traces rollup.
type TopTraceSort string

const (
	SortByTokens   TopTraceSort = "tokens"
	SortByCost     TopTraceSort = "cost"
	SortByDuration TopTraceSort = "duration"
)

type TopTracesQuery struct {
	SortBy TopTraceSort
	Limit  int
}

type TopTrace struct {
	TraceID      string    `json:"trace_id"`
	Name         string    `json:"name"`
	TotalTokens  int64     `json:"total_tokens"`
	TotalCost    float64   `json:"total_cost"`
	DurationMS   int64     `json:"duration_ms"`
	LLMCallCount int64     `json:"llm_call_count"`
	StartTime    time.Time `json:"start_time"`
	ProjectName  string    `json:"project_name"`
	Status       Status    `json:"status"`
}

func normalizeTopTracesQuery(query TopTracesQuery) TopTracesQuery {
	switch query.SortBy {
	case SortByCost, SortByDuration:
	default:
		query.SortBy = SortByTokens
	}
	if query.Limit <= 0 {
		query.Limit = 10
	}
	if query.Limit > 100 {
		query.Limit = 100
	}
	return query
}

func projectIDStrings(ids []uuid.UUID) []string {
	values := make([]string, 0, len(ids))
	for _, id := range ids {
		values = append(values, id.String())
	}
	return values
}
