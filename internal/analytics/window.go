package analytics

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ongoingai/agentops/internal/trace"
)

// ErrInvalidRange reports a missing, unknown or malformed time range. It is a
// client error and is returned before any store query runs.
var ErrInvalidRange = errors.New("invalid time range")

// RangeTag names a symbolic analytics time range.
type RangeTag string

const (
	RangeLast24h  RangeTag = "last_24h"
	RangeLast7d   RangeTag = "last_7d"
	RangeLast30d  RangeTag = "last_30d"
	RangeThisYear RangeTag = "this_year"
	RangeCustom   RangeTag = "custom"
)

// DefaultRange is used by callers when no range is requested.
const DefaultRange = RangeThisYear

// RangeTags lists the accepted tags in display order.
func RangeTags() []RangeTag {
	return []RangeTag{RangeLast24h, RangeLast7d, RangeLast30d, RangeThisYear, RangeCustom}
}

// Window is a resolved time interval with the trend granularity derived from
// it. Symbolic ranges end at the resolution time, exclusive. Custom ranges
// include their end bound.
type Window struct {
	Range        RangeTag          `json:"time_range"`
	Start        time.Time         `json:"start"`
	End          time.Time         `json:"end"`
	EndInclusive bool              `json:"end_inclusive"`
	Granularity  trace.Granularity `json:"granularity"`
}

// ResolveWindow converts tag, plus start and end for custom ranges, into a
// concrete window relative to now.
func ResolveWindow(tag RangeTag, start, end *time.Time, now time.Time) (Window, error) {
	now = now.UTC()
	switch RangeTag(strings.TrimSpace(string(tag))) {
	case RangeLast24h:
		return Window{Range: RangeLast24h, Start: now.Add(-24 * time.Hour), End: now, Granularity: trace.GranularityHour}, nil
	case RangeLast7d:
		return Window{Range: RangeLast7d, Start: now.AddDate(0, 0, -7), End: now, Granularity: trace.GranularityDay}, nil
	case RangeLast30d:
		return Window{Range: RangeLast30d, Start: now.AddDate(0, 0, -30), End: now, Granularity: trace.GranularityDay}, nil
	case RangeThisYear:
		yearStart := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		return Window{Range: RangeThisYear, Start: yearStart, End: now, Granularity: trace.GranularityDay}, nil
	case RangeCustom:
		return resolveCustom(start, end)
	default:
		return Window{}, fmt.Errorf("%w: unknown time_range %q", ErrInvalidRange, tag)
	}
}

func resolveCustom(start, end *time.Time) (Window, error) {
	if start == nil || end == nil || start.IsZero() || end.IsZero() {
		return Window{}, fmt.Errorf("%w: start_date and end_date are required when time_range is 'custom'", ErrInvalidRange)
	}
	from := start.UTC()
	to := end.UTC()
	if to.Before(from) {
		return Window{}, fmt.Errorf("%w: end_date is before start_date", ErrInvalidRange)
	}
	return Window{
		Range:        RangeCustom,
		Start:        from,
		End:          to,
		EndInclusive: true,
		Granularity:  customGranularity(to.Sub(from)),
	}, nil
}

// customGranularity buckets by the number of whole days in span.
func customGranularity(span time.Duration) trace.Granularity {
	days := int64(span / (24 * time.Hour))
	switch {
	case days <= 2:
		return trace.GranularityHour
	case days <= 90:
		return trace.GranularityDay
	default:
		return trace.GranularityWeek
	}
}
