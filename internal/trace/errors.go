package trace

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Store error classes reported in logs, metrics and ingest diagnostics.
const (
	ErrorClassConnection = "connection"
	ErrorClassTimeout    = "timeout"
	ErrorClassContention = "contention"
	ErrorClassConstraint = "constraint"
	ErrorClassRejected   = "rejected"
	ErrorClassUnknown    = "unknown"
)

// ClassifyStoreError maps an event store error to one of the error classes.
func ClassifyStoreError(err error) string {
	if err == nil {
		return ErrorClassUnknown
	}

	if errors.Is(err, ErrInvalidIngest) || errors.Is(err, ErrProjectMismatch) {
		return ErrorClassRejected
	}

	// net.Error can be both a timeout and a connection error; timeout wins.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return ErrorClassConnection
	}

	// Driver errors often reach here wrapped as plain strings.
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection refused", "broken pipe", "no such host", "bad connection"):
		return ErrorClassConnection
	case containsAny(msg, "timeout", "deadline exceeded"):
		return ErrorClassTimeout
	case containsAny(msg, "sqlite_busy", "database is locked", "could not serialize access", "deadlock detected"):
		return ErrorClassContention
	case containsAny(msg,
		"violates foreign key constraint",
		"violates unique constraint",
		"violates check constraint",
		"duplicate key",
		"unique constraint failed",
		"foreign key constraint failed",
	):
		return ErrorClassConstraint
	default:
		return ErrorClassUnknown
	}
}

func containsAny(msg string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
