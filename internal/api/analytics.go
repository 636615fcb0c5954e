package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ongoingai/agentops/internal/analytics"
	"github.com/ongoingai/agentops/internal/trace"
)

const (
	defaultTopTracesLimit = 10
	maxTopTracesLimit     = 100
)

// AnalyticsOptions configures the analytics handlers.
type AnalyticsOptions struct {
	Engine *analytics.Engine
	Logger *slog.Logger
	Now    func() time.Time
}

type analyticsRequest struct {
	tag        analytics.RangeTag
	start      *time.Time
	end        *time.Time
	projectIDs []string
	query      analytics.Query
}

type modelsResponse struct {
	Models []analytics.ModelBreakdown `json:"models"`
}

type topTracesResponse struct {
	Traces []trace.TopTrace `json:"traces"`
}

func SummaryHandler(options AnalyticsOptions) http.Handler {
	return analyticsHandler(options, func(ctx context.Context, req analyticsRequest, _ *http.Request) (any, error) {
		return options.Engine.Summary(ctx, req.query)
	})
}

func TrendsHandler(options AnalyticsOptions) http.Handler {
	return analyticsHandler(options, func(ctx context.Context, req analyticsRequest, _ *http.Request) (any, error) {
		return options.Engine.Trends(ctx, req.query)
	})
}

func ModelsHandler(options AnalyticsOptions) http.Handler {
	return analyticsHandler(options, func(ctx context.Context, req analyticsRequest, _ *http.Request) (any, error) {
		models, err := options.Engine.Models(ctx, req.query)
		if err != nil {
			return nil, err
		}
		if models == nil {
			models = []analytics.ModelBreakdown{}
		}
		return modelsResponse{Models: models}, nil
	})
}

func TopTracesHandler(options AnalyticsOptions) http.Handler {
	return analyticsHandler(options, func(ctx context.Context, req analyticsRequest, r *http.Request) (any, error) {
		top, err := parseTopTracesQuery(r)
		if err != nil {
			return nil, err
		}
		traces, err := options.Engine.TopTraces(ctx, req.query, top)
		if err != nil {
			return nil, err
		}
		if traces == nil {
			traces = []trace.TopTrace{}
		}
		return topTracesResponse{Traces: traces}, nil
	})
}

// badRequestError is a query validation failure reported verbatim as 400.
type badRequestError struct {
	message string
}

func (e *badRequestError) Error() string {
	return e.message
}

func parseTopTracesQuery(r *http.Request) (trace.TopTracesQuery, error) {
	query := r.URL.Query()
	limit, err := parseIntQuery(query.Get("limit"), "limit", 1, maxTopTracesLimit)
	if err != nil {
		return trace.TopTracesQuery{}, &badRequestError{message: err.Error()}
	}
	if limit == 0 {
		limit = defaultTopTracesLimit
	}
	sortBy := trace.TopTraceSort(strings.ToLower(strings.TrimSpace(query.Get("sort_by"))))
	switch sortBy {
	case "":
		sortBy = trace.SortByTokens
	case trace.SortByTokens, trace.SortByCost, trace.SortByDuration:
	default:
		return trace.TopTracesQuery{}, &badRequestError{message: "sort_by must be one of tokens, cost, duration"}
	}
	return trace.TopTracesQuery{SortBy: sortBy, Limit: limit}, nil
}

type rollupFunc func(ctx context.Context, req analyticsRequest, r *http.Request) (any, error)

func analyticsHandler(options AnalyticsOptions, run rollupFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if options.Engine == nil {
			writeError(w, http.StatusServiceUnavailable, "analytics engine is not configured")
			return
		}
		req, ok := parseAnalyticsRequest(w, r, options.now())
		if !ok {
			return
		}

		result, err := run(r.Context(), req, r)
		if err != nil {
			writeAnalyticsError(w, r, options.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})
}

func parseAnalyticsRequest(w http.ResponseWriter, r *http.Request, now time.Time) (analyticsRequest, bool) {
	query := r.URL.Query()
	tag := analytics.RangeTag(strings.TrimSpace(query.Get("time_range")))
	if tag == "" {
		tag = analytics.DefaultRange
	}
	start, err := parseTimeQuery(query.Get("start_date"), "start_date", false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return analyticsRequest{}, false
	}
	end, err := parseTimeQuery(query.Get("end_date"), "end_date", true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return analyticsRequest{}, false
	}
	projectIDs := analytics.SplitProjectIDs(query.Get("project_ids"))

	resolved, err := analytics.NewQuery(tag, start, end, projectIDs, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, invalidRangeMessage(err))
		return analyticsRequest{}, false
	}
	return analyticsRequest{
		tag:        tag,
		start:      start,
		end:        end,
		projectIDs: projectIDs,
		query:      resolved,
	}, true
}

func writeAnalyticsError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var badRequest *badRequestError
	switch {
	case errors.As(err, &badRequest):
		writeError(w, http.StatusBadRequest, badRequest.message)
	case errors.Is(err, analytics.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, invalidRangeMessage(err))
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "request canceled")
	default:
		if logger != nil {
			logger.ErrorContext(r.Context(), "analytics query failed", "path", r.URL.Path, "error", err)
		}
		writeError(w, http.StatusInternalServerError, "failed to compute analytics")
	}
}

// invalidRangeMessage strips the sentinel prefix so clients see only the cause.
func invalidRangeMessage(err error) string {
	message := err.Error()
	if trimmed, ok := strings.CutPrefix(message, analytics.ErrInvalidRange.Error()+": "); ok {
		return trimmed
	}
	return message
}

func (o AnalyticsOptions) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}
