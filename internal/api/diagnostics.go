package api

import (
	"net/http"
	"time"

	"github.com/ongoingai/agentops/internal/trace"
)

const ingestDiagnosticsSchemaVersion = "ingest-diagnostics.v1"

type IngestDiagnosticsOptions struct {
	Reader        trace.IngestDiagnosticsReader
	StorageDriver string
}

type ingestDiagnosticsResponse struct {
	SchemaVersion string                  `json:"schema_version"`
	GeneratedAt   time.Time               `json:"generated_at"`
	Diagnostics   trace.IngestDiagnostics `json:"diagnostics"`
}

// IngestDiagnosticsHandler reports async queue pressure and drop counters. It
// answers 503 in sync mode, where no queue exists.
func IngestDiagnosticsHandler(options IngestDiagnosticsOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if options.Reader == nil {
			writeError(w, http.StatusServiceUnavailable, "ingest diagnostics unavailable")
			return
		}

		diagnostics := options.Reader.IngestDiagnostics()
		if diagnostics.StoreDriver == "" {
			diagnostics.StoreDriver = options.StorageDriver
		}
		writeJSON(w, http.StatusOK, ingestDiagnosticsResponse{
			SchemaVersion: ingestDiagnosticsSchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Diagnostics:   diagnostics,
		})
	})
}
