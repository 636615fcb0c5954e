package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ongoingai/agentops/internal/analytics"
	"github.com/ongoingai/agentops/internal/trace"
)

const (
	defaultReportFormat = "text"
	defaultReportLimit  = 10
	maxReportLimit      = 100
	reportSchemaVersion = "report.v1"
)

type reportDocument struct {
	SchemaVersion string                     `json:"schema_version"`
	GeneratedAt   time.Time                  `json:"generated_at"`
	Storage       reportStorageInfo          `json:"storage"`
	Filters       reportFilterInfo           `json:"filters"`
	Window        analytics.Window           `json:"window"`
	Summary       *trace.Summary             `json:"summary"`
	Trends        *analytics.Trends          `json:"trends"`
	Models        []analytics.ModelBreakdown `json:"models"`
	TopTraces     []trace.TopTrace           `json:"top_traces"`
}

type reportStorageInfo struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
}

type reportFilterInfo struct {
	TimeRange  analytics.RangeTag `json:"time_range"`
	ProjectIDs []string           `json:"project_ids,omitempty"`
	SortBy     trace.TopTraceSort `json:"sort_by"`
	Limit      int                `json:"limit"`
}

func runReport(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("report", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultReportFormat, "Output format: text or json")
	filters := registerQueryFlags(flagSet)
	limit := flagSet.Int("limit", defaultReportLimit, "Top trace count (1-100)")
	sortBy := flagSet.String("sort-by", string(trace.SortByTokens), "Top trace order: tokens, cost or duration")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "report does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("report", *format, defaultReportFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if *limit <= 0 || *limit > maxReportLimit {
		fmt.Fprintf(errOut, "limit must be between 1 and %d\n", maxReportLimit)
		return 2
	}
	top := trace.TopTracesQuery{SortBy: trace.TopTraceSort(strings.ToLower(strings.TrimSpace(*sortBy))), Limit: *limit}
	switch top.SortBy {
	case trace.SortByTokens, trace.SortByCost, trace.SortByDuration:
	default:
		fmt.Fprintf(errOut, "invalid sort-by %q: expected tokens, cost or duration\n", *sortBy)
		return 2
	}

	resolved, err := filters.resolve(time.Now().UTC())
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	cfg, ok := loadConfigForCommand(*configPath, errOut)
	if !ok {
		return 1
	}
	store, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize trace store: %v\n", err)
		return 1
	}
	defer closeStoreWithWarning(store, errOut)

	report, err := analytics.NewEngine(store).Report(context.Background(), resolved.query, top)
	if err != nil {
		fmt.Fprintf(errOut, "failed to build report: %v\n", err)
		return 1
	}

	storagePath := ""
	if strings.TrimSpace(cfg.Storage.Driver) == "sqlite" {
		storagePath = cfg.Storage.Path
	}
	doc := reportDocument{
		SchemaVersion: reportSchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Storage:       reportStorageInfo{Driver: cfg.Storage.Driver, Path: storagePath},
		Filters: reportFilterInfo{
			TimeRange:  resolved.tag,
			ProjectIDs: resolved.projectIDs,
			SortBy:     top.SortBy,
			Limit:      top.Limit,
		},
		Window:    report.Window,
		Summary:   report.Summary,
		Trends:    report.Trends,
		Models:    report.Models,
		TopTraces: report.TopTraces,
	}

	if err := writeReport(out, normalizedFormat, doc); err != nil {
		fmt.Fprintf(errOut, "failed to write report: %v\n", err)
		return 1
	}
	return 0
}

func writeReport(out io.Writer, format string, report reportDocument) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	default:
		return writeReportText(out, report)
	}
}

func writeReportText(out io.Writer, report reportDocument) error {
	fmt.Fprintln(out, "AgentOps Report")

	metadataWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(metadataWriter, "Schema version\t%s\n", report.SchemaVersion)
	fmt.Fprintf(metadataWriter, "Generated at\t%s\n", report.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(metadataWriter, "Storage driver\t%s\n", report.Storage.Driver)
	if strings.TrimSpace(report.Storage.Path) != "" {
		fmt.Fprintf(metadataWriter, "Storage path\t%s\n", report.Storage.Path)
	}
	fmt.Fprintf(metadataWriter, "Time range\t%s\n", report.Filters.TimeRange)
	fmt.Fprintf(metadataWriter, "Window\t%s .. %s\n", report.Window.Start.Format(time.RFC3339), report.Window.End.Format(time.RFC3339))
	fmt.Fprintf(metadataWriter, "Projects\t%s\n", valueOr(strings.Join(report.Filters.ProjectIDs, ","), "(all)"))
	if err := metadataWriter.Flush(); err != nil {
		return err
	}

	summary := report.Summary
	if summary == nil {
		summary = &trace.Summary{}
	}
	fmt.Fprintln(out, "\nSummary")
	summaryWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(summaryWriter, "Traces\t%d\n", summary.TotalTraces)
	fmt.Fprintf(summaryWriter, "LLM calls\t%d\n", summary.TotalLLMCalls)
	fmt.Fprintf(summaryWriter, "Tool calls\t%d\n", summary.TotalToolCalls)
	fmt.Fprintf(summaryWriter, "Input tokens\t%d\n", summary.TotalInputTokens)
	fmt.Fprintf(summaryWriter, "Output tokens\t%d\n", summary.TotalOutputTokens)
	fmt.Fprintf(summaryWriter, "Total tokens\t%d\n", summary.TotalTokens)
	fmt.Fprintf(summaryWriter, "Total cost (USD)\t%.6f\n", summary.TotalCost)
	fmt.Fprintf(summaryWriter, "Avg duration (ms)\t%.2f\n", summary.AvgDurationMS)
	fmt.Fprintf(summaryWriter, "Projects\t%d\n", summary.UniqueProjects)
	if err := summaryWriter.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nTrends")
	if report.Trends == nil || len(report.Trends.Data) == 0 {
		fmt.Fprintln(out, "(no trend data)")
	} else {
		trendWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintf(trendWriter, "BUCKET (%s)\tTRACES\tTOTAL_TOKENS\tCOST_USD\n", report.Trends.Granularity)
		for _, point := range report.Trends.Data {
			fmt.Fprintf(trendWriter, "%s\t%d\t%d\t%.6f\n", point.Timestamp.Format(time.RFC3339), point.TraceCount, point.TotalTokens, point.Cost)
		}
		if err := trendWriter.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "\nModels")
	if len(report.Models) == 0 {
		fmt.Fprintln(out, "(no model data)")
	} else {
		modelWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(modelWriter, "MODEL\tPROVIDER\tCALLS\tTOTAL_TOKENS\tCOST_USD\tCOST_PCT")
		for _, row := range report.Models {
			fmt.Fprintf(modelWriter, "%s\t%s\t%d\t%d\t%.6f\t%.2f\n", valueOr(row.ModelName, "(unknown)"), valueOr(row.Provider, "(unknown)"), row.CallCount, row.TotalTokens, row.TotalCost, row.CostPercentage)
		}
		if err := modelWriter.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "\nTop Traces (by %s)\n", report.Filters.SortBy)
	if len(report.TopTraces) == 0 {
		fmt.Fprintln(out, "(no traces)")
		return nil
	}
	traceWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(traceWriter, "TRACE_ID\tNAME\tPROJECT\tSTATUS\tTOKENS\tCOST_USD\tDURATION_MS\tLLM_CALLS\tSTARTED_AT")
	for _, row := range report.TopTraces {
		fmt.Fprintf(
			traceWriter,
			"%s\t%s\t%s\t%s\t%d\t%.6f\t%d\t%d\t%s\n",
			row.TraceID,
			valueOr(row.Name, "(unnamed)"),
			valueOr(row.ProjectName, "(unknown)"),
			row.Status,
			row.TotalTokens,
			row.TotalCost,
			row.DurationMS,
			row.LLMCallCount,
			row.StartTime.UTC().Format(time.RFC3339),
		)
	}
	return traceWriter.Flush()
}
