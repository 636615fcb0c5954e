package api

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"github.com/ongoingai/agentops/internal/export"
)

// ExportHandler serves GET /api/analytics/export. The format defaults to csv.
func ExportHandler(options AnalyticsOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if options.Engine == nil {
			writeError(w, http.StatusServiceUnavailable, "analytics engine is not configured")
			return
		}

		rawFormat := strings.TrimSpace(r.URL.Query().Get("format"))
		if rawFormat == "" {
			rawFormat = string(export.FormatCSV)
		}
		format, err := export.ParseFormat(rawFormat)
		if err != nil {
			writeError(w, http.StatusBadRequest, "format must be csv or json")
			return
		}

		now := options.now()
		req, ok := parseAnalyticsRequest(w, r, now)
		if !ok {
			return
		}
		report, err := options.Engine.Report(r.Context(), req.query, export.TopTraces)
		if err != nil {
			writeAnalyticsError(w, r, options.Logger, err)
			return
		}

		doc := export.NewDocument(report, export.Filters{
			TimeRange:  req.tag,
			StartDate:  req.start,
			EndDate:    req.end,
			ProjectIDs: req.projectIDs,
		}, now)
		var body bytes.Buffer
		if err := export.Write(&body, format, doc); err != nil {
			writeAnalyticsError(w, r, options.Logger, err)
			return
		}

		w.Header().Set("Content-Type", format.ContentType())
		w.Header().Set("Content-Disposition", `attachment; filename="`+export.Filename(format, now)+`"`)
		w.Header().Set("Content-Length", strconv.Itoa(body.Len()))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body.Bytes())
	})
}
