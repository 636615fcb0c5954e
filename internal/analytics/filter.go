package analytics

import (
	"strings"

	"github.com/google/uuid"
	"github.com/ongoingai/agentops/internal/trace"
)

// SplitProjectIDs splits a comma separated project list, dropping blanks.
func SplitProjectIDs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// BuildFilter combines an optional window and project list into the filter
// shared by every rollup. A nil window leaves time unbounded.
//
// Project ids are parsed permissively: if any id is not a UUID the whole
// project component is dropped and the filter matches every project.
// dropped reports when that happened so callers can log it.
func BuildFilter(window *Window, projectIDs []string) (filter trace.AnalyticsFilter, dropped bool) {
	if window != nil {
		filter.From = window.Start
		filter.To = window.End
		filter.ToInclusive = window.EndInclusive
	}

	if len(projectIDs) == 0 {
		return filter, false
	}
	ids := make([]uuid.UUID, 0, len(projectIDs))
	for _, raw := range projectIDs {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			return filter, true
		}
		ids = append(ids, id)
	}
	filter.ProjectIDs = ids
	return filter, false
}
