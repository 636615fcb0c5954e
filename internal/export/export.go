// Package export renders analytics reports as downloadable JSON or CSV.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ongoingai/agentops/internal/analytics"
	"github.com/ongoingai/agentops/internal/trace"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// TopTraces is the top traces query used for exports.
var TopTraces = trace.TopTracesQuery{SortBy: trace.SortByTokens, Limit: 50}

const filenameTimeLayout = "2006-01-02_15-04-05"

// ParseFormat accepts json or csv, case-insensitively. Empty means json.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(FormatJSON):
		return FormatJSON, nil
	case string(FormatCSV):
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unsupported export format %q: expected json or csv", raw)
	}
}

func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/json"
}

// Filename returns the attachment name for an export taken at the given time.
func Filename(format Format, at time.Time) string {
	return fmt.Sprintf("analytics-%s.%s", at.UTC().Format(filenameTimeLayout), format)
}

// Filters echoes the request that produced an export.
type Filters struct {
	TimeRange  analytics.RangeTag `json:"time_range"`
	StartDate  *time.Time         `json:"start_date"`
	EndDate    *time.Time         `json:"end_date"`
	ProjectIDs []string           `json:"project_ids"`
}

// Document is the JSON export body.
type Document struct {
	ExportedAt time.Time                  `json:"exported_at"`
	Filters    Filters                    `json:"filters"`
	Summary    *trace.Summary             `json:"summary"`
	Trends     *analytics.Trends          `json:"trends"`
	Models     []analytics.ModelBreakdown `json:"models"`
	TopTraces  []trace.TopTrace           `json:"top_traces"`
}

func NewDocument(report *analytics.Report, filters Filters, exportedAt time.Time) *Document {
	doc := &Document{
		ExportedAt: exportedAt.UTC(),
		Filters:    filters,
		Summary:    &trace.Summary{},
		Trends:     &analytics.Trends{Data: []trace.TrendPoint{}},
		Models:     []analytics.ModelBreakdown{},
		TopTraces:  []trace.TopTrace{},
	}
	if doc.Filters.ProjectIDs == nil {
		doc.Filters.ProjectIDs = []string{}
	}
	if report == nil {
		return doc
	}
	if report.Summary != nil {
		doc.Summary = report.Summary
	}
	if report.Trends != nil {
		doc.Trends = report.Trends
	}
	if report.Models != nil {
		doc.Models = report.Models
	}
	if report.TopTraces != nil {
		doc.TopTraces = report.TopTraces
	}
	return doc
}

// Write renders doc to w in the given format.
func Write(w io.Writer, format Format, doc *Document) error {
	if doc == nil {
		return fmt.Errorf("export document is required")
	}
	switch format {
	case FormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(doc)
	case FormatCSV:
		return writeCSV(w, doc)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

func writeCSV(w io.Writer, doc *Document) error {
	writer := csv.NewWriter(w)
	s := doc.Summary

	rows := [][]string{
		{"Analytics Summary"},
		{"Metric", "Value"},
		{"Total Traces", formatInt(s.TotalTraces)},
		{"Total LLM Calls", formatInt(s.TotalLLMCalls)},
		{"Total Tool Calls", formatInt(s.TotalToolCalls)},
		{"Total Input Tokens", formatInt(s.TotalInputTokens)},
		{"Total Output Tokens", formatInt(s.TotalOutputTokens)},
		{"Total Tokens", formatInt(s.TotalTokens)},
		{"Total Cost ($)", formatFloat(s.TotalCost)},
		{"Avg Duration (ms)", formatFloat(s.AvgDurationMS)},
		{"Min Duration (ms)", formatInt(s.MinDurationMS)},
		{"Max Duration (ms)", formatInt(s.MaxDurationMS)},
		{"Total Duration (ms)", formatInt(s.TotalDurationMS)},
		{"Unique Projects", formatInt(s.UniqueProjects)},
		{},
		{"Model Breakdown"},
		{"Model", "Provider", "Cost", "Cost %", "Input Tokens", "Output Tokens", "Total Tokens", "Calls"},
	}
	for _, m := range doc.Models {
		rows = append(rows, []string{
			m.ModelName,
			m.Provider,
			formatFloat(m.TotalCost),
			formatFloat(m.CostPercentage),
			formatInt(m.InputTokens),
			formatInt(m.OutputTokens),
			formatInt(m.TotalTokens),
			formatInt(m.CallCount),
		})
	}
	rows = append(rows,
		[]string{},
		[]string{"Top Traces"},
		[]string{"Trace ID", "Name", "Tokens", "Cost", "Duration (ms)", "LLM Calls", "Start Time", "Project", "Status"},
	)
	for _, t := range doc.TopTraces {
		rows = append(rows, []string{
			t.TraceID,
			t.Name,
			formatInt(t.TotalTokens),
			formatFloat(t.TotalCost),
			formatInt(t.DurationMS),
			formatInt(t.LLMCallCount),
			t.StartTime.UTC().Format(time.RFC3339),
			t.ProjectName,
			string(t.Status),
		})
	}

	for _, row := range rows {
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
