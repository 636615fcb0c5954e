package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ongoingai/agentops/internal/analytics"
	"github.com/ongoingai/agentops/internal/auth"
	"github.com/ongoingai/agentops/internal/trace"
)

const apiPrefix = "/api"

type RouterOptions struct {
	AppVersion     string
	Store          trace.Store
	StorageDriver  string
	Engine         *analytics.Engine
	Ingest         IngestOptions
	Projects       *auth.ProjectAuthenticator
	Authorizer     *auth.Authorizer
	Diagnostics    trace.IngestDiagnosticsReader
	AllowedOrigins []string
	Logger         *slog.Logger
	// Telemetry wraps the handler chain. Nil disables it.
	Telemetry Telemetry
	// MetricsPath and MetricsHandler expose a scrape endpoint when both are set.
	MetricsPath    string
	MetricsHandler http.Handler
	Now            func() time.Time
}

// Telemetry is the slice of the observability runtime the router uses.
type Telemetry interface {
	WrapHTTPHandler(next http.Handler) http.Handler
	SpanEnrichmentMiddleware(next http.Handler) http.Handler
}

func NewRouter(options RouterOptions) http.Handler {
	startedAt := time.Now().UTC()
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	engine := options.Engine
	if engine == nil && options.Store != nil {
		engine = analytics.NewEngine(options.Store)
	}
	projects := options.Projects
	if projects == nil && options.Store != nil {
		projects = auth.NewProjectAuthenticator(options.Store, 0)
	}
	ingest := options.Ingest
	if ingest.Store == nil && options.Store != nil {
		ingest.Store = options.Store
	}
	if ingest.Projects == nil && projects != nil {
		ingest.Projects = projects
	}
	if ingest.Logger == nil {
		ingest.Logger = options.Logger
	}
	if ingest.Now == nil {
		ingest.Now = now
	}

	mux := http.NewServeMux()
	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:       options.AppVersion,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		Store:         options.Store,
	}))
	mux.Handle("/api/diagnostics/ingest", IngestDiagnosticsHandler(IngestDiagnosticsOptions{
		Reader:        options.Diagnostics,
		StorageDriver: options.StorageDriver,
	}))
	mux.Handle("/api/traces/ingest", IngestHandler(ingest))
	mux.Handle("/api/traces/", TraceDetailHandler(options.Store))
	mux.Handle("/api/projects", ProjectsHandler(options.Store))
	var keys KeyCache
	if projects != nil {
		keys = projects
	}
	mux.Handle("/api/projects/", ProjectDetailHandler(options.Store, keys))

	analyticsOptions := AnalyticsOptions{Engine: engine, Logger: options.Logger, Now: now}
	mux.Handle("/api/analytics/summary", SummaryHandler(analyticsOptions))
	mux.Handle("/api/analytics/trends", TrendsHandler(analyticsOptions))
	mux.Handle("/api/analytics/models", ModelsHandler(analyticsOptions))
	mux.Handle("/api/analytics/top-traces", TopTracesHandler(analyticsOptions))
	mux.Handle("/api/analytics/export", ExportHandler(analyticsOptions))

	if path := strings.TrimSpace(options.MetricsPath); path != "" && options.MetricsHandler != nil {
		mux.Handle(path, options.MetricsHandler)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "agentops",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	var handler http.Handler = mux
	if options.Telemetry != nil {
		handler = options.Telemetry.SpanEnrichmentMiddleware(handler)
	}
	handler = auth.Middleware(options.Authorizer, apiPrefix, handler)
	handler = LoggingMiddleware(options.Logger, handler)
	handler = withCORS(handler, options.AllowedOrigins)
	if options.Telemetry != nil {
		handler = options.Telemetry.WrapHTTPHandler(handler)
	}
	return handler
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func withCORS(next http.Handler, allowedOrigins []string) http.Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	allowAny := false
	for _, origin := range allowedOrigins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		switch origin {
		case "":
		case "*":
			allowAny = true
		default:
			allowed[origin] = struct{}{}
		}
	}
	allowedHeaders := strings.Join([]string{
		"Content-Type",
		"Authorization",
		auth.AdminTokenHeader,
		auth.ProjectKeyHeader,
	}, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			_, ok := allowed[strings.TrimRight(origin, "/")]
			if allowAny || ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
				w.Header().Set("Access-Control-Expose-Headers", "Content-Disposition, Retry-After")
				w.Header().Add("Vary", "Origin")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
