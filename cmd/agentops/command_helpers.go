package main

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ongoingai/agentops/internal/analytics"
	"github.com/ongoingai/agentops/internal/config"
	"github.com/ongoingai/agentops/internal/trace"
	"github.com/ongoingai/agentops/pkg/providers"
)

const (
	configStageLoad     = "load"
	configStageValidate = "validate"
)

// normalizeTextJSONFormat validates command output format flags with shared semantics.
func normalizeTextJSONFormat(command, rawValue, defaultValue string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawValue))
	if normalized == "" {
		normalized = strings.TrimSpace(defaultValue)
	}
	switch normalized {
	case "text", "json":
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid %s format %q: expected text or json", strings.TrimSpace(command), rawValue)
	}
}

// loadAndValidateConfig resolves config and reports which stage failed.
func loadAndValidateConfig(configPath string) (config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

// loadConfigForCommand prints the failing stage and returns false on error.
func loadConfigForCommand(configPath string, errOut io.Writer) (config.Config, bool) {
	cfg, stage, err := loadAndValidateConfig(configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return config.Config{}, false
	}
	return cfg, true
}

func openStore(cfg config.Config) (trace.Store, error) {
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "sqlite":
		return trace.NewSQLiteStore(cfg.Storage.Path)
	case "postgres":
		return trace.NewPostgresStore(cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

func closeStoreWithWarning(store trace.Store, errOut io.Writer) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		fmt.Fprintf(errOut, "warning: failed to close trace store: %v\n", err)
	}
}

func newPricing(entries []config.PricingEntry) (*providers.Pricing, error) {
	table := make([]providers.PriceEntry, 0, len(entries))
	for _, entry := range entries {
		table = append(table, providers.PriceEntry{
			Match:            entry.Match,
			InputPerMillion:  entry.InputPerMillion,
			OutputPerMillion: entry.OutputPerMillion,
		})
	}
	return providers.NewPricing(table)
}

// queryFlags are the analytics filter flags shared by report and export.
type queryFlags struct {
	timeRange  *string
	start      *string
	end        *string
	projectIDs *string
}

func registerQueryFlags(flagSet *flag.FlagSet) queryFlags {
	return queryFlags{
		timeRange:  flagSet.String("time-range", string(analytics.DefaultRange), "Time range: last_24h, last_7d, last_30d, this_year or custom"),
		start:      flagSet.String("start", "", "Custom range start (RFC3339 or YYYY-MM-DD)"),
		end:        flagSet.String("end", "", "Custom range end (RFC3339 or YYYY-MM-DD, inclusive)"),
		projectIDs: flagSet.String("project-ids", "", "Comma separated project ids"),
	}
}

type resolvedQuery struct {
	tag        analytics.RangeTag
	start      *time.Time
	end        *time.Time
	projectIDs []string
	query      analytics.Query
}

func (f queryFlags) resolve(now time.Time) (resolvedQuery, error) {
	start, err := parseCLITime(*f.start, false)
	if err != nil {
		return resolvedQuery{}, fmt.Errorf("invalid start: %w", err)
	}
	end, err := parseCLITime(*f.end, true)
	if err != nil {
		return resolvedQuery{}, fmt.Errorf("invalid end: %w", err)
	}
	tag := analytics.RangeTag(strings.TrimSpace(*f.timeRange))
	if tag == "" {
		tag = analytics.DefaultRange
	}
	projectIDs := analytics.SplitProjectIDs(*f.projectIDs)

	query, err := analytics.NewQuery(tag, start, end, projectIDs, now)
	if err != nil {
		return resolvedQuery{}, err
	}
	return resolvedQuery{
		tag:        tag,
		start:      start,
		end:        end,
		projectIDs: projectIDs,
		query:      query,
	}, nil
}

func parseCLITime(raw string, endOfDay bool) (*time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02",
	}
	for _, layout := range layouts {
		if layout == "2006-01-02" {
			parsed, err := time.ParseInLocation(layout, value, time.UTC)
			if err == nil {
				if endOfDay {
					parsed = parsed.Add(24*time.Hour - time.Nanosecond)
				}
				return &parsed, nil
			}
			continue
		}
		if parsed, err := time.Parse(layout, value); err == nil {
			parsed = parsed.UTC()
			return &parsed, nil
		}
	}

	return nil, fmt.Errorf("expected RFC3339 or YYYY-MM-DD")
}

func valueOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
