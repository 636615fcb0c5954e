// Package limits enforces per-project ingest rate limits and daily usage
// budgets.
package limits

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/ongoingai/agentops/internal/trace"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

const DefaultRequestsPerMinute = 100

// Policy bounds the ingest traffic of one project. Zero disables a bound.
type Policy struct {
	RequestsPerMinute int
	MaxTokensPerDay   int64
	MaxCostUSDPerDay  float64
}

// Result describes a rejected request.
type Result struct {
	Code              string
	Message           string
	RetryAfterSeconds int
}

// SummaryReader is the slice of the analytics store used for daily budgets.
type SummaryReader interface {
	GetSummary(ctx context.Context, filter trace.AnalyticsFilter) (*trace.Summary, error)
}

// IngestLimiter keeps one token bucket per project. Idle buckets expire.
type IngestLimiter struct {
	usage    SummaryReader
	policy   Policy
	limiters *cache.Cache
	nowFn    func() time.Time
}

func NewIngestLimiter(usage SummaryReader, policy Policy) *IngestLimiter {
	return &IngestLimiter{
		usage:    usage,
		policy:   policy,
		limiters: cache.New(5*time.Minute, 10*time.Minute),
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *IngestLimiter) Enabled() bool {
	if l == nil {
		return false
	}
	return l.policy.RequestsPerMinute > 0 || dailyUsageEnabled(l.policy)
}

// Check returns a non-nil Result when the project must be throttled. Daily
// budgets are checked before the request rate.
func (l *IngestLimiter) Check(ctx context.Context, projectID uuid.UUID) (*Result, error) {
	if !l.Enabled() {
		return nil, nil
	}
	now := l.nowFn().UTC()
	if result, err := l.checkDailyUsage(ctx, projectID, now); err != nil || result != nil {
		return result, err
	}
	return l.checkRequestRate(projectID, now), nil
}

func (l *IngestLimiter) checkDailyUsage(ctx context.Context, projectID uuid.UUID, now time.Time) (*Result, error) {
	if l.usage == nil || !dailyUsageEnabled(l.policy) {
		return nil, nil
	}
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	summary, err := l.usage.GetSummary(ctx, trace.AnalyticsFilter{
		From:        dayStart,
		To:          now,
		ToInclusive: true,
		ProjectIDs:  []uuid.UUID{projectID},
	})
	if err != nil {
		return nil, fmt.Errorf("daily usage for project %s: %w", projectID, err)
	}
	if summary == nil {
		return nil, nil
	}
	retry := int(math.Ceil(dayStart.Add(24 * time.Hour).Sub(now).Seconds()))

	if max := l.policy.MaxTokensPerDay; max > 0 && summary.TotalTokens >= max {
		return &Result{
			Code:              "PROJECT_DAILY_TOKENS_EXCEEDED",
			Message:           "daily token limit exceeded for project",
			RetryAfterSeconds: retry,
		}, nil
	}
	if max := l.policy.MaxCostUSDPerDay; max > 0 && summary.TotalCost >= max {
		return &Result{
			Code:              "PROJECT_DAILY_COST_EXCEEDED",
			Message:           "daily cost limit exceeded for project",
			RetryAfterSeconds: retry,
		}, nil
	}
	return nil, nil
}

func (l *IngestLimiter) checkRequestRate(projectID uuid.UUID, now time.Time) *Result {
	rpm := l.policy.RequestsPerMinute
	if rpm <= 0 {
		return nil
	}
	key := projectID.String()

	var limiter *rate.Limiter
	if val, found := l.limiters.Get(key); found {
		limiter = val.(*rate.Limiter)
		// Slide the idle expiry so a busy project keeps its drained bucket.
		l.limiters.SetDefault(key, limiter)
	} else {
		limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60), rpm)
		// Add keeps the first limiter when two requests race on a new key.
		if err := l.limiters.Add(key, limiter, cache.DefaultExpiration); err != nil {
			if val, found := l.limiters.Get(key); found {
				limiter = val.(*rate.Limiter)
			}
		}
	}

	if limiter.AllowN(now, 1) {
		return nil
	}
	missing := 1 - limiter.TokensAt(now)
	retry := int(math.Ceil(missing * 60 / float64(rpm)))
	if retry < 1 {
		retry = 1
	}
	return &Result{
		Code:              "PROJECT_RATE_LIMIT_EXCEEDED",
		Message:           "Rate limit exceeded",
		RetryAfterSeconds: retry,
	}
}

func dailyUsageEnabled(policy Policy) bool {
	return policy.MaxTokensPerDay > 0 || policy.MaxCostUSDPerDay > 0
}
