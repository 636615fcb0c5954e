package trace

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// dialect captures the differences between the SQLite and Postgres event
// stores. Shared queries are written with ? placeholders and rebound per
// dialect before execution.
type dialect struct {
	name              string
	rebind            func(query string) string
	timeArg           func(value time.Time) any
	bucketExpression  func(column string, granularity Granularity) (string, error)
	rowLock           string
	isUniqueViolation func(err error) bool
}

type rowScanner interface {
	Scan(dest ...any) error
}

// sqlEventStore implements the project, trace and analytics queries shared by
// both database backends. Backends embed it and add their own write
// serialization around WriteIngest.
type sqlEventStore struct {
	db      *sql.DB
	dialect dialect
	locks   *traceLocks
}

func newSQLEventStore(db *sql.DB, d dialect) *sqlEventStore {
	return &sqlEventStore{
		db:      db,
		dialect: d,
		locks:   newTraceLocks(),
	}
}

func (s *sqlEventStore) q(query string) string {
	if s.dialect.rebind == nil {
		return query
	}
	return s.dialect.rebind(query)
}

func (s *sqlEventStore) timeArg(value time.Time) any {
	return s.dialect.timeArg(value.UTC())
}

func (s *sqlEventStore) nullableTimeArg(value *time.Time) any {
	if value == nil || value.IsZero() {
		return nil
	}
	return s.timeArg(*value)
}

func (s *sqlEventStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("event store is not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *sqlEventStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlEventStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s transaction: %w", s.dialect.name, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s transaction: %w", s.dialect.name, err)
	}
	return nil
}

const projectSelectColumns = `
id,
name,
description,
api_key_hash,
api_key_prefix,
is_active,
created_at,
updated_at
`

func (s *sqlEventStore) createProject(ctx context.Context, project *Project) error {
	if project == nil {
		return fmt.Errorf("project is required")
	}
	if strings.TrimSpace(project.Name) == "" {
		return fmt.Errorf("project name is required")
	}
	if strings.TrimSpace(project.APIKeyHash) == "" {
		return fmt.Errorf("project api key hash is required")
	}
	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	if project.CreatedAt.IsZero() {
		project.CreatedAt = time.Now().UTC()
	}
	if project.UpdatedAt.IsZero() {
		project.UpdatedAt = project.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO projects (
    id,
    name,
    description,
    api_key_hash,
    api_key_prefix,
    is_active,
    created_at,
    updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		project.ID,
		strings.TrimSpace(project.Name),
		strings.TrimSpace(project.Description),
		project.APIKeyHash,
		project.APIKeyPrefix,
		project.IsActive,
		s.timeArg(project.CreatedAt),
		s.timeArg(project.UpdatedAt),
	)
	if err != nil {
		if s.dialect.isUniqueViolation != nil && s.dialect.isUniqueViolation(err) {
			return fmt.Errorf("create project %q: %w", project.Name, ErrDuplicateKey)
		}
		return fmt.Errorf("create project %q: %w", project.Name, err)
	}
	return nil
}

func (s *sqlEventStore) GetProject(ctx context.Context, id uuid.UUID) (*Project, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+projectSelectColumns+" FROM projects WHERE id = ?"), id)
	project, err := scanProject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get project %q: %w", id, err)
	}
	return project, nil
}

func (s *sqlEventStore) GetProjectByKeyHash(ctx context.Context, keyHash string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+projectSelectColumns+" FROM projects WHERE api_key_hash = ?"), keyHash)
	project, err := scanProject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get project by key hash: %w", err)
	}
	return project, nil
}

func (s *sqlEventStore) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+projectSelectColumns+" FROM projects ORDER BY created_at ASC, name ASC")
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]*Project, 0)
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		items = append(items, project)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project rows: %w", err)
	}
	return items, nil
}

func (s *sqlEventStore) updateProjectKey(ctx context.Context, id uuid.UUID, keyHash, keyPrefix string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE projects SET api_key_hash = ?, api_key_prefix = ?, updated_at = ? WHERE id = ?`),
		keyHash,
		keyPrefix,
		s.timeArg(time.Now()),
		id,
	)
	if err != nil {
		if s.dialect.isUniqueViolation != nil && s.dialect.isUniqueViolation(err) {
			return fmt.Errorf("update project %q key: %w", id, ErrDuplicateKey)
		}
		return fmt.Errorf("update project %q key: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read project update count: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProject(scanner rowScanner) (*Project, error) {
	var (
		item      Project
		createdAt nullTime
		updatedAt nullTime
	)
	if err := scanner.Scan(
		&item.ID,
		&item.Name,
		&item.Description,
		&item.APIKeyHash,
		&item.APIKeyPrefix,
		&item.IsActive,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	item.CreatedAt = createdAt.Time
	item.UpdatedAt = updatedAt.Time
	return &item, nil
}

// writeIngestTx upserts the trace, its spans and call details, then refreshes
// the trace rollup fields. Callers hold the per-trace lock.
func (s *sqlEventStore) writeIngestTx(ctx context.Context, tx *sql.Tx, batch *IngestBatch) error {
	item := batch.Trace
	res, err := tx.ExecContext(ctx, s.q(`
INSERT INTO traces (
    trace_id,
    project_id,
    name,
    status,
    start_time,
    end_time,
    duration_ms,
    total_tokens,
    total_cost,
    meta,
    tags,
    created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?)
ON CONFLICT (trace_id) DO NOTHING`),
		item.TraceID,
		batch.ProjectID,
		item.Name,
		string(item.Status),
		s.timeArg(item.StartTime),
		s.nullableTimeArg(item.EndTime),
		nullableInt64(item.DurationMS),
		nullIfEmpty(rawJSONColumn(item.Meta)),
		nullIfEmpty(encodeTags(item.Tags)),
		s.timeArg(item.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert trace %q: %w", item.TraceID, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read trace insert count: %w", err)
	}

	var (
		ownerID uuid.UUID
		start   nullTime
		end     nullTime
	)
	row := tx.QueryRowContext(ctx, s.q("SELECT project_id, start_time, end_time FROM traces WHERE trace_id = ?"+s.dialect.rowLock), item.TraceID)
	if err := row.Scan(&ownerID, &start, &end); err != nil {
		return fmt.Errorf("load trace %q: %w", item.TraceID, err)
	}
	if ownerID != batch.ProjectID {
		return fmt.Errorf("write trace %q: %w", item.TraceID, ErrProjectMismatch)
	}
	if inserted == 0 && !end.Valid && item.EndTime != nil {
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE traces SET end_time = ?, duration_ms = ?, status = ? WHERE trace_id = ?`),
			s.timeArg(*item.EndTime),
			nullableInt64(durationMS(start.Time, item.EndTime)),
			string(StatusSuccess),
			item.TraceID,
		); err != nil {
			return fmt.Errorf("close trace %q: %w", item.TraceID, err)
		}
	}

	for _, span := range batch.Spans {
		if err := s.upsertSpan(ctx, tx, span); err != nil {
			return err
		}
	}
	for _, span := range batch.Spans {
		if span.LLMCall != nil {
			if err := s.insertLLMCall(ctx, tx, span.LLMCall, batch.ReceivedAt); err != nil {
				return err
			}
		}
		if span.ToolCall != nil {
			if err := s.insertToolCall(ctx, tx, span.ToolCall, batch.ReceivedAt); err != nil {
				return err
			}
		}
	}

	return s.refreshTraceMetricsTx(ctx, tx, item.TraceID, batch.ReceivedAt)
}

// upsertSpan inserts a span or, when it already exists and has not ended,
// records its completion. Ended spans are never rewritten.
func (s *sqlEventStore) upsertSpan(ctx context.Context, tx *sql.Tx, span *Span) error {
	_, err := tx.ExecContext(ctx, s.q(`
INSERT INTO spans (
    span_id,
    trace_id,
    parent_span_id,
    name,
    type,
    status,
    start_time,
    end_time,
    duration_ms,
    inputs,
    outputs,
    meta,
    error,
    created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (span_id) DO UPDATE SET
    status = excluded.status,
    end_time = excluded.end_time,
    duration_ms = excluded.duration_ms,
    outputs = COALESCE(excluded.outputs, spans.outputs),
    meta = COALESCE(excluded.meta, spans.meta),
    error = COALESCE(excluded.error, spans.error)
WHERE spans.end_time IS NULL AND spans.trace_id = excluded.trace_id`),
		span.SpanID,
		span.TraceID,
		nullIfEmpty(span.ParentSpanID),
		span.Name,
		string(span.Type),
		string(span.Status),
		s.timeArg(span.StartTime),
		s.nullableTimeArg(span.EndTime),
		nullableInt64(span.DurationMS),
		nullIfEmpty(rawJSONColumn(span.Inputs)),
		nullIfEmpty(rawJSONColumn(span.Outputs)),
		nullIfEmpty(rawJSONColumn(span.Meta)),
		nullIfEmpty(span.Error),
		s.timeArg(span.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert span %q: %w", span.SpanID, err)
	}

	// The conflict guard skips spans owned by another trace; reject those
	// before any call detail can attach to them.
	var (
		ownerTraceID string
		storedType   string
	)
	row := tx.QueryRowContext(ctx, s.q("SELECT trace_id, type FROM spans WHERE span_id = ?"), span.SpanID)
	if err := row.Scan(&ownerTraceID, &storedType); err != nil {
		return fmt.Errorf("load span %q: %w", span.SpanID, err)
	}
	if ownerTraceID != span.TraceID {
		return fmt.Errorf("%w: span %q belongs to another trace", ErrInvalidIngest, span.SpanID)
	}
	if storedType != string(span.Type) {
		return fmt.Errorf("%w: span %q has type %s, want %s", ErrInvalidIngest, span.SpanID, storedType, span.Type)
	}
	return nil
}

func (s *sqlEventStore) insertLLMCall(ctx context.Context, tx *sql.Tx, call *LLMCall, createdAt time.Time) error {
	_, err := tx.ExecContext(ctx, s.q(`
INSERT INTO llm_calls (
    span_id,
    model_name,
    provider,
    input_tokens,
    output_tokens,
    total_tokens,
    cost,
    prompt,
    response,
    created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (span_id) DO NOTHING`),
		call.SpanID,
		call.ModelName,
		call.Provider,
		call.InputTokens,
		call.OutputTokens,
		call.TotalTokens,
		call.Cost,
		nullIfEmpty(call.Prompt),
		nullIfEmpty(call.Response),
		s.timeArg(createdAt),
	)
	if err != nil {
		return fmt.Errorf("insert llm call for span %q: %w", call.SpanID, err)
	}
	return nil
}

func (s *sqlEventStore) insertToolCall(ctx context.Context, tx *sql.Tx, call *ToolCall, createdAt time.Time) error {
	_, err := tx.ExecContext(ctx, s.q(`
INSERT INTO tool_calls (
    span_id,
    tool_name,
    tool_inputs,
    tool_outputs,
    error,
    created_at
) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (span_id) DO NOTHING`),
		call.SpanID,
		call.ToolName,
		nullIfEmpty(rawJSONColumn(call.ToolInputs)),
		nullIfEmpty(rawJSONColumn(call.ToolOutputs)),
		nullIfEmpty(call.Error),
		s.timeArg(createdAt),
	)
	if err != nil {
		return fmt.Errorf("insert tool call for span %q: %w", call.SpanID, err)
	}
	return nil
}

// refreshTraceMetricsTx recomputes total_tokens and total_cost from the
// trace's LLM calls and closes the trace once every span has ended.
func (s *sqlEventStore) refreshTraceMetricsTx(ctx context.Context, tx *sql.Tx, traceID string, now time.Time) error {
	var (
		totalTokens int64
		totalCost   float64
	)
	if err := tx.QueryRowContext(ctx, s.q(`
SELECT
	CAST(COALESCE(SUM(l.total_tokens), 0) AS BIGINT),
	COALESCE(SUM(l.cost), 0)
FROM llm_calls l
JOIN spans s ON s.span_id = l.span_id
WHERE s.trace_id = ?`), traceID).Scan(&totalTokens, &totalCost); err != nil {
		return fmt.Errorf("sum llm calls for trace %q: %w", traceID, err)
	}

	var spanCount, endedCount int64
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*), COUNT(end_time) FROM spans WHERE trace_id = ?`), traceID).Scan(&spanCount, &endedCount); err != nil {
		return fmt.Errorf("count spans for trace %q: %w", traceID, err)
	}

	var (
		status   string
		start    nullTime
		end      nullTime
		duration sql.NullInt64
	)
	if err := tx.QueryRowContext(ctx, s.q(`SELECT status, start_time, end_time, duration_ms FROM traces WHERE trace_id = ?`), traceID).Scan(&status, &start, &end, &duration); err != nil {
		return fmt.Errorf("load trace %q for refresh: %w", traceID, err)
	}

	endArg := s.nullableTimeArg(end.ptr())
	durationArg := any(nil)
	if duration.Valid {
		durationArg = duration.Int64
	}
	if !end.Valid && spanCount > 0 && endedCount == spanCount {
		closedAt := now.UTC()
		endArg = s.timeArg(closedAt)
		durationArg = nullableInt64(durationMS(start.Time, &closedAt))
		status = string(StatusSuccess)
	}

	if _, err := tx.ExecContext(ctx, s.q(`
UPDATE traces
SET total_tokens = ?, total_cost = ?, status = ?, end_time = ?, duration_ms = ?
WHERE trace_id = ?`),
		totalTokens,
		roundCost(totalCost),
		status,
		endArg,
		durationArg,
		traceID,
	); err != nil {
		return fmt.Errorf("refresh metrics for trace %q: %w", traceID, err)
	}
	return nil
}

const traceSelectColumns = `
t.trace_id,
t.project_id,
t.name,
t.status,
t.start_time,
t.end_time,
t.duration_ms,
t.total_tokens,
t.total_cost,
t.meta,
t.tags,
t.created_at
`

func (s *sqlEventStore) GetTrace(ctx context.Context, traceID string) (*TraceDetail, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+traceSelectColumns+", p.name FROM traces t JOIN projects p ON p.id = t.project_id WHERE t.trace_id = ?"), traceID)

	var projectName sql.NullString
	item, err := scanTraceRow(row, &projectName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trace %q: %w", traceID, err)
	}

	spans, err := s.listSpans(ctx, traceID)
	if err != nil {
		return nil, err
	}
	return &TraceDetail{
		Trace:       *item,
		ProjectName: projectName.String,
		Spans:       spans,
	}, nil
}

func (s *sqlEventStore) listSpans(ctx context.Context, traceID string) ([]*Span, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT
	s.span_id,
	s.trace_id,
	s.parent_span_id,
	s.name,
	s.type,
	s.status,
	s.start_time,
	s.end_time,
	s.duration_ms,
	s.inputs,
	s.outputs,
	s.meta,
	s.error,
	s.created_at,
	l.model_name,
	l.provider,
	l.input_tokens,
	l.output_tokens,
	l.total_tokens,
	l.cost,
	l.prompt,
	l.response,
	tc.tool_name,
	tc.tool_inputs,
	tc.tool_outputs,
	tc.error
FROM spans s
LEFT JOIN llm_calls l ON l.span_id = s.span_id
LEFT JOIN tool_calls tc ON tc.span_id = s.span_id
WHERE s.trace_id = ?
ORDER BY s.start_time ASC, s.span_id ASC`), traceID)
	if err != nil {
		return nil, fmt.Errorf("query spans for trace %q: %w", traceID, err)
	}
	defer rows.Close()

	spans := make([]*Span, 0)
	for rows.Next() {
		span, err := scanSpanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan span row: %w", err)
		}
		spans = append(spans, span)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate span rows: %w", err)
	}
	return spans, nil
}

func (s *sqlEventStore) QueryTraces(ctx context.Context, filter TraceFilter) (*TraceResult, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	where := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if filter.ProjectID != uuid.Nil {
		where = append(where, "t.project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Cursor != "" {
		createdAt, id, err := decodeTraceCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}
		where = append(where, "(t.created_at < ? OR (t.created_at = ? AND t.trace_id < ?))")
		args = append(args, s.timeArg(createdAt), s.timeArg(createdAt), id)
	}
	whereSQL := "1=1"
	if len(where) > 0 {
		whereSQL = strings.Join(where, " AND ")
	}
	args = append(args, limit+1)

	query := "SELECT " + traceSelectColumns + " FROM traces t WHERE " + whereSQL + " ORDER BY t.created_at DESC, t.trace_id DESC LIMIT ?"
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	items := make([]*Trace, 0, limit+1)
	for rows.Next() {
		item, err := scanTraceRow(rows, nil)
		if err != nil {
			return nil, fmt.Errorf("scan trace row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace rows: %w", err)
	}

	nextCursor := ""
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		nextCursor = encodeTraceCursor(last.CreatedAt, last.TraceID)
	}
	return &TraceResult{
		Items:      items,
		NextCursor: nextCursor,
	}, nil
}

// scanTraceRow scans traceSelectColumns, plus the project name when
// projectName is non-nil.
func scanTraceRow(scanner rowScanner, projectName *sql.NullString) (*Trace, error) {
	var (
		item      Trace
		status    string
		start     nullTime
		end       nullTime
		duration  sql.NullInt64
		meta      sql.NullString
		tags      sql.NullString
		createdAt nullTime
	)
	dest := []any{
		&item.TraceID,
		&item.ProjectID,
		&item.Name,
		&status,
		&start,
		&end,
		&duration,
		&item.TotalTokens,
		&item.TotalCost,
		&meta,
		&tags,
		&createdAt,
	}
	if projectName != nil {
		dest = append(dest, projectName)
	}
	if err := scanner.Scan(dest...); err != nil {
		return nil, err
	}

	item.Status = Status(status)
	item.StartTime = start.Time
	item.EndTime = end.ptr()
	if duration.Valid {
		value := duration.Int64
		item.DurationMS = &value
	}
	item.Meta = decodeRawJSONColumn(meta.String)
	item.Tags = decodeTags(tags.String)
	item.CreatedAt = createdAt.Time
	return &item, nil
}

func scanSpanRow(scanner rowScanner) (*Span, error) {
	var (
		item         Span
		parentSpanID sql.NullString
		spanType     string
		status       string
		start        nullTime
		end          nullTime
		duration     sql.NullInt64
		inputs       sql.NullString
		outputs      sql.NullString
		meta         sql.NullString
		spanError    sql.NullString
		createdAt    nullTime

		modelName    sql.NullString
		provider     sql.NullString
		inputTokens  sql.NullInt64
		outputTokens sql.NullInt64
		totalTokens  sql.NullInt64
		cost         sql.NullFloat64
		prompt       sql.NullString
		response     sql.NullString

		toolName    sql.NullString
		toolInputs  sql.NullString
		toolOutputs sql.NullString
		toolError   sql.NullString
	)
	if err := scanner.Scan(
		&item.SpanID,
		&item.TraceID,
		&parentSpanID,
		&item.Name,
		&spanType,
		&status,
		&start,
		&end,
		&duration,
		&inputs,
		&outputs,
		&meta,
		&spanError,
		&createdAt,
		&modelName,
		&provider,
		&inputTokens,
		&outputTokens,
		&totalTokens,
		&cost,
		&prompt,
		&response,
		&toolName,
		&toolInputs,
		&toolOutputs,
		&toolError,
	); err != nil {
		return nil, err
	}

	item.ParentSpanID = parentSpanID.String
	item.Type = SpanType(spanType)
	item.Status = Status(status)
	item.StartTime = start.Time
	item.EndTime = end.ptr()
	if duration.Valid {
		value := duration.Int64
		item.DurationMS = &value
	}
	item.Inputs = decodeRawJSONColumn(inputs.String)
	item.Outputs = decodeRawJSONColumn(outputs.String)
	item.Meta = decodeRawJSONColumn(meta.String)
	item.Error = spanError.String
	item.CreatedAt = createdAt.Time

	if modelName.Valid {
		item.LLMCall = &LLMCall{
			SpanID:       item.SpanID,
			ModelName:    modelName.String,
			Provider:     provider.String,
			InputTokens:  inputTokens.Int64,
			OutputTokens: outputTokens.Int64,
			TotalTokens:  totalTokens.Int64,
			Cost:         cost.Float64,
			Prompt:       prompt.String,
			Response:     response.String,
		}
	}
	if toolName.Valid {
		item.ToolCall = &ToolCall{
			SpanID:      item.SpanID,
			ToolName:    toolName.String,
			ToolInputs:  decodeRawJSONColumn(toolInputs.String),
			ToolOutputs: decodeRawJSONColumn(toolOutputs.String),
			Error:       toolError.String,
		}
	}
	return &item, nil
}

// nullTime scans timestamps stored either natively (Postgres) or as text
// (SQLite).
type nullTime struct {
	Time  time.Time
	Valid bool
}

func (n *nullTime) Scan(value any) error {
	switch typed := value.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
		return nil
	case time.Time:
		n.Time, n.Valid = typed.UTC(), true
		return nil
	case string:
		return n.scanText(typed)
	case []byte:
		return n.scanText(string(typed))
	default:
		return fmt.Errorf("unsupported timestamp value %T", value)
	}
}

func (n *nullTime) scanText(raw string) error {
	parsed, err := parseSQLiteTimestamp(raw)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	n.Time, n.Valid = parsed, !parsed.IsZero()
	return nil
}

func (n nullTime) ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	value := n.Time
	return &value
}

func parseSQLiteTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	withTZLayouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05 -0700 MST",
	}
	for _, layout := range withTZLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	withoutTZLayouts := []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range withoutTZLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported datetime format")
}

func encodeTraceCursor(createdAt time.Time, id string) string {
	if createdAt.IsZero() || id == "" {
		return ""
	}
	raw := createdAt.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeTraceCursor(cursor string) (time.Time, string, error) {
	payload, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: decode base64 cursor", ErrInvalidCursor)
	}
	parts := strings.SplitN(string(payload), "|", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return time.Time{}, "", fmt.Errorf("%w: missing id", ErrInvalidCursor)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(parts[0]))
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: parse created_at", ErrInvalidCursor)
	}
	return createdAt.UTC(), strings.TrimSpace(parts[1]), nil
}

func rebindDollar(query string) string {
	var (
		b strings.Builder
		n int
	)
	b.Grow(len(query) + 16)
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nullableInt64(value *int64) any {
	if value == nil {
		return nil
	}
	return *value
}

func roundCost(value float64) float64 {
	return math.Round(value*1e6) / 1e6
}
