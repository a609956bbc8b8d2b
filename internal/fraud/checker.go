package fraud

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sokohub/sentinel/internal/idgen"
	"github.com/sokohub/sentinel/internal/metrics"
)

// Default classification thresholds. Score >= warn flags the activity;
// score >= block (or any hard trigger) rejects it.
const (
	DefaultWarnThreshold  = 0.5
	DefaultBlockThreshold = 0.8
	DefaultEvalTimeout    = 50 * time.Millisecond
)

// Checker runs all signal evaluators for an activity and classifies the
// aggregate. Each call is independent and stateless beyond the durable
// lookups the evaluators perform.
type Checker struct {
	evaluators []Evaluator
	alerts     AlertStore
	activity   ActivityLogStore
	logger     *slog.Logger

	warnThreshold  float64
	blockThreshold float64
	evalTimeout    time.Duration
}

// NewChecker creates a checker over the given stores and evaluators.
// Pass nil for alerts or activity to disable persistence (tests).
func NewChecker(alerts AlertStore, activity ActivityLogStore, evaluators ...Evaluator) *Checker {
	return &Checker{
		evaluators:     evaluators,
		alerts:         alerts,
		activity:       activity,
		logger:         slog.Default(),
		warnThreshold:  DefaultWarnThreshold,
		blockThreshold: DefaultBlockThreshold,
		evalTimeout:    DefaultEvalTimeout,
	}
}

// WithWarnThreshold overrides the default warn threshold.
func (c *Checker) WithWarnThreshold(t float64) *Checker {
	c.warnThreshold = t
	return c
}

// WithBlockThreshold overrides the default block threshold.
func (c *Checker) WithBlockThreshold(t float64) *Checker {
	c.blockThreshold = t
	return c
}

// WithEvalTimeout overrides the per-evaluator timeout.
func (c *Checker) WithEvalTimeout(d time.Duration) *Checker {
	c.evalTimeout = d
	return c
}

// WithLogger sets a custom logger.
func (c *Checker) WithLogger(logger *slog.Logger) *Checker {
	c.logger = logger
	return c
}

// CheckActivity evaluates one activity snapshot. Evaluators run
// concurrently, each under its own timeout; a failed or timed-out evaluator
// contributes zero with a logged warning rather than blocking the request.
// A hard trigger cancels the evaluators still in flight — their outcome
// cannot change the verdict.
//
// CheckActivity never returns an infrastructure error to the hosting
// request; the worst case is an allow with degraded signal coverage.
func (c *Checker) CheckActivity(ctx context.Context, activity *ActivityData) *CheckResult {
	if activity.OccurredAt.IsZero() {
		activity.OccurredAt = time.Now()
	}

	evalCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	signals := make([]*RiskSignal, len(c.evaluators))
	var wg sync.WaitGroup

	for i, ev := range c.evaluators {
		wg.Add(1)
		go func(i int, ev Evaluator) {
			defer wg.Done()
			signals[i] = c.runEvaluator(evalCtx, ev, activity)
			if signals[i].HardTrigger {
				cancel() // remaining evaluators cannot change the verdict
			}
		}(i, ev)
	}
	wg.Wait()

	result := c.classify(signals)
	c.record(ctx, activity, result)
	return result
}

// runEvaluator executes one evaluator under the per-evaluator timeout and
// normalizes every failure mode to a zero-contribution signal.
func (c *Checker) runEvaluator(ctx context.Context, ev Evaluator, activity *ActivityData) *RiskSignal {
	timer := prometheus.NewTimer(metrics.EvaluatorDuration.WithLabelValues(ev.Name()))
	defer timer.ObserveDuration()

	evCtx, evCancel := context.WithTimeout(ctx, c.evalTimeout)
	defer evCancel()

	signal, err := ev.Evaluate(evCtx, activity)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
			// Short-circuited by a hard trigger; nothing to report.
		case errors.Is(err, context.DeadlineExceeded):
			metrics.EvaluatorFailuresTotal.WithLabelValues(ev.Name(), "timeout").Inc()
			c.logger.Warn("evaluator timed out, contributing zero",
				"evaluator", ev.Name(),
				"activity_type", activity.Type,
				"timeout", c.evalTimeout,
			)
		default:
			metrics.EvaluatorFailuresTotal.WithLabelValues(ev.Name(), "error").Inc()
			c.logger.Error("evaluator failed, contributing zero",
				"evaluator", ev.Name(),
				"activity_type", activity.Type,
				"error", err,
			)
		}
		return quiet(ev.Name())
	}
	if signal == nil {
		return quiet(ev.Name())
	}
	return signal
}

// classify combines signals by max and applies the thresholds.
func (c *Checker) classify(signals []*RiskSignal) *CheckResult {
	result := &CheckResult{EvaluatedAt: time.Now()}

	for _, s := range signals {
		if s == nil {
			continue
		}
		result.Signals = append(result.Signals, *s)
		result.Score = math.Max(result.Score, s.Score)
		if s.HardTrigger {
			result.ShouldBlock = true
		}
		if s.Reason != "" {
			result.Reasons = append(result.Reasons, s.Reason)
		}
	}

	result.Score = math.Round(result.Score*1000) / 1000
	if result.Score >= c.blockThreshold {
		result.ShouldBlock = true
	}
	if result.ShouldBlock || result.Score >= c.warnThreshold {
		result.IsRisky = true
	}
	return result
}

// record persists the audit trail for a decision: an alert plus a log entry
// for risky/blocked activity, a debug log line otherwise. Best effort —
// store failures are logged and never surface to the hosting request.
func (c *Checker) record(ctx context.Context, activity *ActivityData, result *CheckResult) {
	outcome := result.Outcome()
	metrics.RiskChecksTotal.WithLabelValues(string(activity.Type), string(outcome)).Inc()

	if !result.IsRisky {
		c.logger.Debug("activity allowed",
			"activity_type", activity.Type,
			"actor", activity.Actor,
			"score", result.Score,
		)
		return
	}

	c.logger.Warn("risky activity detected",
		"activity_type", activity.Type,
		"actor", activity.Actor,
		"ip", activity.IP,
		"score", result.Score,
		"outcome", outcome,
		"reasons", result.Reasons,
	)

	if c.alerts != nil {
		alert := &FraudAlert{
			ID:          idgen.WithPrefix("alert_"),
			Actor:       activity.Identity(),
			AlertType:   c.alertType(result),
			Description: strings.Join(result.Reasons, "; "),
			Score:       result.Score,
			Status:      AlertActive,
			Metadata:    activity.Metadata,
			CreatedAt:   time.Now(),
		}
		if err := c.alerts.CreateAlert(ctx, alert); err != nil {
			c.logger.Error("failed to persist fraud alert", "error", err)
		} else {
			metrics.FraudAlertsTotal.WithLabelValues(alert.AlertType).Inc()
		}
	}

	if c.activity != nil {
		entry := &ActivityLogEntry{
			ID:        idgen.WithPrefix("act_"),
			Actor:     activity.Identity(),
			Type:      activity.Type,
			IP:        activity.IP,
			Outcome:   outcome,
			Score:     result.Score,
			Reasons:   strings.Join(result.Reasons, "; "),
			CreatedAt: time.Now(),
		}
		if err := c.activity.AppendActivity(ctx, entry); err != nil {
			c.logger.Error("failed to append activity log", "error", err)
		}
	}
}

// alertType names the alert after the dominant signal.
func (c *Checker) alertType(result *CheckResult) string {
	dominant := ""
	best := -1.0
	for _, s := range result.Signals {
		if s.HardTrigger {
			return strings.ToUpper(s.Evaluator)
		}
		if s.Score > best {
			best = s.Score
			dominant = s.Evaluator
		}
	}
	if dominant == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(dominant)
}
