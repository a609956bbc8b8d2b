package ratelimit

import (
	"context"
	"time"

	"github.com/sokohub/sentinel/internal/counter"
	"github.com/sokohub/sentinel/internal/logging"
	"github.com/sokohub/sentinel/internal/metrics"
)

// Check runs one rate limit decision for key under policy. The counter
// increment is the only read: two requests racing at the ceiling cannot both
// observe count < max, because each sees its own post-increment value.
//
// A store error yields an allow with FailedOpen set, logged at error level.
func (l *Limiter) Check(ctx context.Context, key string, policy Policy) Decision {
	count, remaining, err := l.store.IncrementAndGet(ctx, key, policy.Window)
	if err != nil {
		logging.L(ctx).Error("rate limit counter unavailable, failing open",
			"policy", policy.Name,
			"key", key,
			"error", err,
		)
		metrics.RateLimitDecisionsTotal.WithLabelValues(policy.Name, "fail_open").Inc()
		return Decision{
			Allowed:    true,
			FailedOpen: true,
			Limit:      policy.MaxRequests,
			Remaining:  policy.MaxRequests,
			Reset:      time.Now().Add(policy.Window),
		}
	}

	d := Decision{
		Limit: policy.MaxRequests,
		Reset: time.Now().Add(remaining),
	}

	if count <= policy.MaxRequests {
		d.Allowed = true
		d.Remaining = policy.MaxRequests - count
		metrics.RateLimitDecisionsTotal.WithLabelValues(policy.Name, "allow").Inc()
		return d
	}

	d.Allowed = false
	d.Remaining = 0
	d.RetryAfter = remaining
	metrics.RateLimitDecisionsTotal.WithLabelValues(policy.Name, "deny").Inc()
	return d
}

// counterKey builds the per-client counter key for a request.
func counterKey(ip, route string) string {
	return counter.Key("rate", ip, route)
}
