package trace

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// analyticsWhere renders filter against the traces table aliased as t.
func (s *sqlEventStore) analyticsWhere(filter AnalyticsFilter) (string, []any) {
	where := make([]string, 0, 3)
	args := make([]any, 0, 2+len(filter.ProjectIDs))

	if !filter.From.IsZero() {
		where = append(where, "t.start_time >= ?")
		args = append(args, s.timeArg(filter.From))
	}
	if !filter.To.IsZero() {
		if filter.ToInclusive {
			where = append(where, "t.start_time <= ?")
		} else {
			where = append(where, "t.start_time < ?")
		}
		args = append(args, s.timeArg(filter.To))
	}
	if len(filter.ProjectIDs) > 0 {
		placeholders := make([]string, 0, len(filter.ProjectIDs))
		for _, id := range projectIDStrings(filter.ProjectIDs) {
			placeholders = append(placeholders, "?")
			args = append(args, id)
		}
		where = append(where, "t.project_id IN ("+strings.Join(placeholders, ", ")+")")
	}

	if len(where) == 0 {
		return "1=1", args
	}
	return strings.Join(where, " AND "), args
}

func (s *sqlEventStore) GetSummary(ctx context.Context, filter AnalyticsFilter) (*Summary, error) {
	whereSQL, args := s.analyticsWhere(filter)

	var summary Summary
	row := s.db.QueryRowContext(ctx, s.q(`
SELECT
	COUNT(DISTINCT t.trace_id),
	COUNT(DISTINCT CASE WHEN s.type = 'llm_call' THEN s.span_id END),
	COUNT(DISTINCT CASE WHEN s.type = 'tool_call' THEN s.span_id END),
	CAST(COALESCE(SUM(l.input_tokens), 0) AS BIGINT),
	CAST(COALESCE(SUM(l.output_tokens), 0) AS BIGINT),
	CAST(COALESCE(SUM(l.total_tokens), 0) AS BIGINT),
	COALESCE(SUM(l.cost), 0),
	COUNT(DISTINCT t.project_id)
FROM traces t
LEFT JOIN spans s ON s.trace_id = t.trace_id
LEFT JOIN llm_calls l ON l.span_id = s.span_id
WHERE `+whereSQL), args...)
	if err := row.Scan(
		&summary.TotalTraces,
		&summary.TotalLLMCalls,
		&summary.TotalToolCalls,
		&summary.TotalInputTokens,
		&summary.TotalOutputTokens,
		&summary.TotalTokens,
		&summary.TotalCost,
		&summary.UniqueProjects,
	); err != nil {
		return nil, fmt.Errorf("query analytics summary: %w", err)
	}

	// Duration statistics are taken over traces alone; the span join above
	// would repeat each trace once per span.
	row = s.db.QueryRowContext(ctx, s.q(`
SELECT
	CAST(COALESCE(AVG(t.duration_ms), 0) AS DOUBLE PRECISION),
	CAST(COALESCE(MIN(t.duration_ms), 0) AS BIGINT),
	CAST(COALESCE(MAX(t.duration_ms), 0) AS BIGINT),
	CAST(COALESCE(SUM(t.duration_ms), 0) AS BIGINT)
FROM traces t
WHERE `+whereSQL), args...)
	if err := row.Scan(
		&summary.AvgDurationMS,
		&summary.MinDurationMS,
		&summary.MaxDurationMS,
		&summary.TotalDurationMS,
	); err != nil {
		return nil, fmt.Errorf("query analytics duration summary: %w", err)
	}

	summary.TotalCost = roundCost(summary.TotalCost)
	return &summary, nil
}

func (s *sqlEventStore) GetTrends(ctx context.Context, filter AnalyticsFilter, granularity Granularity) ([]TrendPoint, error) {
	bucketExpr, err := s.dialect.bucketExpression("t.start_time", granularity)
	if err != nil {
		return nil, err
	}

	whereSQL, args := s.analyticsWhere(filter)
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT
	`+bucketExpr+` AS bucket_start,
	CAST(COALESCE(SUM(l.input_tokens), 0) AS BIGINT),
	CAST(COALESCE(SUM(l.output_tokens), 0) AS BIGINT),
	CAST(COALESCE(SUM(l.total_tokens), 0) AS BIGINT),
	COALESCE(SUM(l.cost), 0),
	COUNT(DISTINCT t.trace_id)
FROM traces t
LEFT JOIN spans s ON s.trace_id = t.trace_id
LEFT JOIN llm_calls l ON l.span_id = s.span_id
WHERE `+whereSQL+`
GROUP BY bucket_start
ORDER BY bucket_start ASC
`), args...)
	if err != nil {
		return nil, fmt.Errorf("query analytics trends: %w", err)
	}
	defer rows.Close()

	points := make([]TrendPoint, 0)
	for rows.Next() {
		var (
			bucket nullTime
			point  TrendPoint
		)
		if err := rows.Scan(&bucket, &point.InputTokens, &point.OutputTokens, &point.TotalTokens, &point.Cost, &point.TraceCount); err != nil {
			return nil, fmt.Errorf("scan analytics trend row: %w", err)
		}
		point.Timestamp = bucket.Time
		point.Cost = roundCost(point.Cost)
		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analytics trend rows: %w", err)
	}
	return points, nil
}

func (s *sqlEventStore) GetModelBreakdown(ctx context.Context, filter AnalyticsFilter) ([]ModelUsage, error) {
	whereSQL, args := s.analyticsWhere(filter)
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT
	l.model_name,
	l.provider,
	COALESCE(SUM(l.cost), 0) AS model_cost,
	CAST(COALESCE(SUM(l.input_tokens), 0) AS BIGINT),
	CAST(COALESCE(SUM(l.output_tokens), 0) AS BIGINT),
	CAST(COALESCE(SUM(l.total_tokens), 0) AS BIGINT),
	COUNT(*)
FROM llm_calls l
JOIN spans s ON s.span_id = l.span_id
JOIN traces t ON t.trace_id = s.trace_id
WHERE `+whereSQL+`
GROUP BY l.model_name, l.provider
ORDER BY model_cost DESC, l.model_name ASC, l.provider ASC
`), args...)
	if err != nil {
		return nil, fmt.Errorf("query model breakdown: %w", err)
	}
	defer rows.Close()

	items := make([]ModelUsage, 0)
	for rows.Next() {
		var item ModelUsage
		if err := rows.Scan(&item.ModelName, &item.Provider, &item.TotalCost, &item.InputTokens, &item.OutputTokens, &item.TotalTokens, &item.CallCount); err != nil {
			return nil, fmt.Errorf("scan model breakdown row: %w", err)
		}
		item.TotalCost = roundCost(item.TotalCost)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate model breakdown rows: %w", err)
	}
	return items, nil
}

func (s *sqlEventStore) GetTopTraces(ctx context.Context, filter AnalyticsFilter, query TopTracesQuery) ([]TopTrace, error) {
	query = normalizeTopTracesQuery(query)
	orderExpr := topTracesOrderExpression(query.SortBy)

	whereSQL, args := s.analyticsWhere(filter)
	args = append(args, query.Limit)
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT
	t.trace_id,
	t.name,
	t.total_tokens,
	t.total_cost,
	COALESCE(t.duration_ms, 0),
	COALESCE(c.llm_call_count, 0),
	t.start_time,
	p.name,
	t.status
FROM traces t
JOIN projects p ON p.id = t.project_id
LEFT JOIN (
	SELECT s.trace_id, COUNT(l.span_id) AS llm_call_count
	FROM spans s
	LEFT JOIN llm_calls l ON l.span_id = s.span_id
	GROUP BY s.trace_id
) c ON c.trace_id = t.trace_id
WHERE `+whereSQL+`
ORDER BY `+orderExpr+` DESC
LIMIT ?
`), args...)
	if err != nil {
		return nil, fmt.Errorf("query top traces: %w", err)
	}
	defer rows.Close()

	items := make([]TopTrace, 0, query.Limit)
	for rows.Next() {
		var (
			item   TopTrace
			start  nullTime
			status string
			name   sql.NullString
		)
		if err := rows.Scan(&item.TraceID, &item.Name, &item.TotalTokens, &item.TotalCost, &item.DurationMS, &item.LLMCallCount, &start, &name, &status); err != nil {
			return nil, fmt.Errorf("scan top trace row: %w", err)
		}
		item.StartTime = start.Time
		item.ProjectName = name.String
		item.Status = Status(status)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate top trace rows: %w", err)
	}
	return items, nil
}

func topTracesOrderExpression(sortBy TopTraceSort) string {
	switch sortBy {
	case SortByCost:
		return "t.total_cost"
	case SortByDuration:
		return "COALESCE(t.duration_ms, 0)"
	default:
		return "t.total_tokens"
	}
}
