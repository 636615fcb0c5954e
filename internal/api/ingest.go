package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ongoingai/agentops/internal/auth"
	"github.com/ongoingai/agentops/internal/limits"
	"github.com/ongoingai/agentops/internal/trace"
)

const (
	ingestBodyLimit = 10 << 20

	IngestModeSync  = "sync"
	IngestModeAsync = "async"
)

// Ingest outcomes passed to IngestRecorder.
const (
	ingestOutcomeStored      = "stored"
	ingestOutcomeQueued      = "queued"
	ingestOutcomeRejected    = "rejected"
	ingestOutcomeRateLimited = "rate_limited"
	ingestOutcomeQueueFull   = "queue_full"
	ingestOutcomeFailed      = "failed"
)

// ProjectResolver maps a plaintext project API key to its project.
type ProjectResolver interface {
	Authenticate(ctx context.Context, key string) (*trace.Project, error)
}

// IngestQueue accepts batches for asynchronous persistence.
type IngestQueue interface {
	Enqueue(batch *trace.IngestBatch) bool
}

// IngestLimiter throttles ingest per project.
type IngestLimiter interface {
	Check(ctx context.Context, projectID uuid.UUID) (*limits.Result, error)
}

// IngestRecorder counts ingest outcomes.
type IngestRecorder interface {
	RecordIngest(mode, outcome string)
}

type IngestOptions struct {
	Projects ProjectResolver
	Store    trace.TraceStore
	// Queue switches ingest to async mode when set.
	Queue    IngestQueue
	Limiter  IngestLimiter
	Pricer   trace.Pricer
	Recorder IngestRecorder
	Logger   *slog.Logger
	Now      func() time.Time
}

type ingestResponse struct {
	Success bool   `json:"success"`
	TraceID string `json:"trace_id"`
	Queued  bool   `json:"queued,omitempty"`
}

type rateLimitResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retry_after"`
}

// IngestHandler accepts one trace batch from an instrumented agent. The
// project key comes from the X-AgentOps-Key header or the api_key body field.
func IngestHandler(options IngestOptions) http.Handler {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	mode := IngestModeSync
	if options.Queue != nil {
		mode = IngestModeAsync
	}
	record := func(outcome string) {
		if options.Recorder != nil {
			options.Recorder.RecordIngest(mode, outcome)
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if options.Projects == nil || (options.Queue == nil && options.Store == nil) {
			writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
			return
		}

		payload, ok := decodeIngestPayload(w, r)
		if !ok {
			record(ingestOutcomeRejected)
			return
		}

		key := strings.TrimSpace(r.Header.Get(auth.ProjectKeyHeader))
		if key == "" {
			key = payload.APIKey
		}
		project, err := options.Projects.Authenticate(r.Context(), key)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidAPIKey) {
				logger.WarnContext(r.Context(), "invalid api key on ingest", "remote_addr", r.RemoteAddr)
				record(ingestOutcomeRejected)
				writeError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}
			logger.ErrorContext(r.Context(), "resolve ingest api key failed", "error", err)
			record(ingestOutcomeFailed)
			writeError(w, http.StatusInternalServerError, "failed to resolve api key")
			return
		}

		if options.Limiter != nil {
			result, err := options.Limiter.Check(r.Context(), project.ID)
			if err != nil {
				logger.ErrorContext(r.Context(), "ingest limit check failed", "project_id", project.ID.String(), "error", err)
				record(ingestOutcomeFailed)
				writeError(w, http.StatusInternalServerError, "failed to check ingest limits")
				return
			}
			if result != nil {
				record(ingestOutcomeRateLimited)
				w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfterSeconds))
				writeJSON(w, http.StatusTooManyRequests, rateLimitResponse{
					Error:      result.Message,
					Code:       result.Code,
					RetryAfter: result.RetryAfterSeconds,
				})
				return
			}
		}

		batch, err := trace.BuildIngest(project.ID, payload, options.Pricer, now())
		if err != nil {
			record(ingestOutcomeRejected)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		if options.Queue != nil {
			if !options.Queue.Enqueue(batch) {
				logger.WarnContext(r.Context(), "ingest queue full", "trace_id", batch.TraceID(), "project_id", project.ID.String())
				record(ingestOutcomeQueueFull)
				writeError(w, http.StatusServiceUnavailable, "ingest queue is full")
				return
			}
			record(ingestOutcomeQueued)
			writeJSON(w, http.StatusAccepted, ingestResponse{Success: true, TraceID: batch.TraceID(), Queued: true})
			return
		}

		if err := options.Store.WriteIngest(r.Context(), batch); err != nil {
			switch {
			case errors.Is(err, trace.ErrProjectMismatch):
				record(ingestOutcomeRejected)
				writeError(w, http.StatusConflict, "Trace belongs to another project")
			case errors.Is(err, trace.ErrInvalidIngest):
				record(ingestOutcomeRejected)
				writeError(w, http.StatusBadRequest, err.Error())
			default:
				logger.ErrorContext(r.Context(), "ingest write failed",
					"trace_id", batch.TraceID(),
					"project_id", project.ID.String(),
					"error_class", trace.ClassifyStoreError(err),
					"error", err,
				)
				record(ingestOutcomeFailed)
				writeError(w, http.StatusInternalServerError, "failed to ingest trace")
			}
			return
		}

		logger.InfoContext(r.Context(), "trace ingested",
			"trace_id", batch.TraceID(),
			"project_id", project.ID.String(),
			"span_count", len(batch.Spans),
		)
		record(ingestOutcomeStored)
		writeJSON(w, http.StatusCreated, ingestResponse{Success: true, TraceID: batch.TraceID()})
	})
}

func decodeIngestPayload(w http.ResponseWriter, r *http.Request) (*trace.IngestPayload, bool) {
	if r.Body == nil || r.Body == http.NoBody {
		writeError(w, http.StatusBadRequest, "request body is required")
		return nil, false
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, ingestBodyLimit)

	decoder := json.NewDecoder(r.Body)
	var payload trace.IngestPayload
	if err := decoder.Decode(&payload); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "ingest request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid ingest request body")
		return nil, false
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid ingest request body")
		return nil, false
	}
	return &payload, true
}
