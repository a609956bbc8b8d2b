package fraud

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sokohub/sentinel/internal/counter"
	"github.com/sokohub/sentinel/internal/logging"
)

// Evaluator is a single independent risk signal. Evaluators never call each
// other; each takes explicit store handles so it can be unit-tested without
// standing up the full pipeline.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, activity *ActivityData) (*RiskSignal, error)
}

// quiet returns a zero-contribution signal for the given evaluator.
func quiet(name string) *RiskSignal {
	return &RiskSignal{Evaluator: name}
}

// -----------------------------------------------------------------------------
// Blacklist
// -----------------------------------------------------------------------------

// BlacklistEvaluator checks the activity's IP, device fingerprint, and actor
// against active blacklist entries. Any match is a hard trigger.
type BlacklistEvaluator struct {
	store BlacklistStore
}

// NewBlacklistEvaluator creates a blacklist evaluator over the given store.
func NewBlacklistEvaluator(store BlacklistStore) *BlacklistEvaluator {
	return &BlacklistEvaluator{store: store}
}

func (e *BlacklistEvaluator) Name() string { return "blacklist" }

func (e *BlacklistEvaluator) Evaluate(ctx context.Context, activity *ActivityData) (*RiskSignal, error) {
	checks := []struct {
		entityType EntityType
		value      string
	}{
		{EntityIP, activity.IP},
		{EntityDevice, activity.DeviceFingerprint},
		{EntityUser, activity.Actor},
	}

	for _, check := range checks {
		if check.value == "" {
			continue
		}
		entry, err := e.store.FindActive(ctx, check.entityType, check.value)
		if err != nil {
			return nil, fmt.Errorf("blacklist lookup for %s failed: %w", check.entityType, err)
		}
		if entry != nil {
			return &RiskSignal{
				Evaluator:   e.Name(),
				Score:       1.0,
				HardTrigger: true,
				Reason:      fmt.Sprintf("blacklisted %s: %s", entry.EntityType, entry.Reason),
			}, nil
		}
	}

	return quiet(e.Name()), nil
}

// -----------------------------------------------------------------------------
// Velocity
// -----------------------------------------------------------------------------

// VelocityLimit is one activity type's window/threshold pair.
type VelocityLimit struct {
	Window    time.Duration
	Threshold int64
}

// DefaultVelocityLimits returns the built-in per-activity velocity limits.
// Each value is a policy constant, independently tunable.
func DefaultVelocityLimits() map[ActivityType]VelocityLimit {
	return map[ActivityType]VelocityLimit{
		ActivityLogin:         {Window: 15 * time.Minute, Threshold: 5},
		ActivityAdminLogin:    {Window: 15 * time.Minute, Threshold: 3},
		ActivityPayoutRequest: {Window: time.Hour, Threshold: 3},
		ActivityPayment:       {Window: time.Hour, Threshold: 10},
		ActivityPasswordReset: {Window: time.Hour, Threshold: 3},
	}
}

// VelocityEvaluator counts activities per (identity, type) in the shared
// window counter store. Exceeding the threshold scores proportionally to the
// overshoot, saturating at 1.0.
type VelocityEvaluator struct {
	counters counter.Store
	limits   map[ActivityType]VelocityLimit
}

// NewVelocityEvaluator creates a velocity evaluator with the given limits.
// Pass nil to use DefaultVelocityLimits.
func NewVelocityEvaluator(counters counter.Store, limits map[ActivityType]VelocityLimit) *VelocityEvaluator {
	if limits == nil {
		limits = DefaultVelocityLimits()
	}
	return &VelocityEvaluator{counters: counters, limits: limits}
}

func (e *VelocityEvaluator) Name() string { return "velocity" }

func (e *VelocityEvaluator) Evaluate(ctx context.Context, activity *ActivityData) (*RiskSignal, error) {
	limit, ok := e.limits[activity.Type]
	if !ok {
		// Missing configuration is an engineering bug, not a user problem:
		// treat as non-risky and make noise.
		logging.L(ctx).Warn("no velocity limit configured for activity type",
			"activity_type", activity.Type,
		)
		return quiet(e.Name()), nil
	}

	key := counter.Key("velocity", activity.Identity(), string(activity.Type))
	count, _, err := e.counters.IncrementAndGet(ctx, key, limit.Window)
	if err != nil {
		return nil, fmt.Errorf("velocity counter failed: %w", err)
	}

	if count <= limit.Threshold {
		return quiet(e.Name()), nil
	}

	over := float64(count-limit.Threshold) / float64(limit.Threshold)
	score := math.Min(over, 1.0)
	return &RiskSignal{
		Evaluator: e.Name(),
		Score:     score,
		Reason: fmt.Sprintf("%d %s events in %s exceeds threshold %d",
			count, activity.Type, limit.Window, limit.Threshold),
	}, nil
}

// -----------------------------------------------------------------------------
// Location anomaly
// -----------------------------------------------------------------------------

// MaxPlausibleSpeedKmh is the travel speed above which a location jump is
// considered anomalous (roughly commercial flight cruise speed).
const MaxPlausibleSpeedKmh = 900.0

// LocationEvaluator compares the current geo hint against the actor's last
// recorded location and scores implausible travel speed.
type LocationEvaluator struct {
	history HistoryStore
}

// NewLocationEvaluator creates a location anomaly evaluator.
func NewLocationEvaluator(history HistoryStore) *LocationEvaluator {
	return &LocationEvaluator{history: history}
}

func (e *LocationEvaluator) Name() string { return "location" }

func (e *LocationEvaluator) Evaluate(ctx context.Context, activity *ActivityData) (*RiskSignal, error) {
	if activity.Actor == "" || activity.Geo == nil {
		return quiet(e.Name()), nil
	}

	last, err := e.history.LastLocation(ctx, activity.Actor)
	if err != nil {
		return nil, fmt.Errorf("location history lookup failed: %w", err)
	}

	current := &LocationRecord{
		Country: activity.Geo.Country,
		City:    activity.Geo.City,
		Lat:     activity.Geo.Lat,
		Lng:     activity.Geo.Lng,
		At:      activity.OccurredAt,
	}
	if err := e.history.RecordLocation(ctx, activity.Actor, current); err != nil {
		logging.L(ctx).Warn("failed to record location", "actor", activity.Actor, "error", err)
	}

	if last == nil {
		return quiet(e.Name()), nil
	}

	elapsed := activity.OccurredAt.Sub(last.At)
	if elapsed <= 0 {
		elapsed = time.Second
	}

	distanceKm := haversineKm(last.Lat, last.Lng, current.Lat, current.Lng)
	speedKmh := distanceKm / elapsed.Hours()
	if speedKmh <= MaxPlausibleSpeedKmh {
		return quiet(e.Name()), nil
	}

	// Score by how far past plausible the implied speed is: 2x = 1.0.
	score := math.Min((speedKmh-MaxPlausibleSpeedKmh)/MaxPlausibleSpeedKmh, 1.0)
	return &RiskSignal{
		Evaluator: e.Name(),
		Score:     score,
		Reason: fmt.Sprintf("implausible travel: %.0f km in %s (%.0f km/h) from %s to %s",
			distanceKm, elapsed.Round(time.Second), speedKmh, last.City, current.City),
	}, nil
}

// -----------------------------------------------------------------------------
// Device anomaly
// -----------------------------------------------------------------------------

// NewDeviceScore is the contribution of a never-before-seen device. Moderate
// by design: legitimate new-device logins are common.
const NewDeviceScore = 0.4

// DeviceEvaluator flags a device fingerprint never previously associated
// with the actor.
type DeviceEvaluator struct {
	history HistoryStore
}

// NewDeviceEvaluator creates a device anomaly evaluator.
func NewDeviceEvaluator(history HistoryStore) *DeviceEvaluator {
	return &DeviceEvaluator{history: history}
}

func (e *DeviceEvaluator) Name() string { return "device" }

func (e *DeviceEvaluator) Evaluate(ctx context.Context, activity *ActivityData) (*RiskSignal, error) {
	if activity.Actor == "" || activity.DeviceFingerprint == "" {
		return quiet(e.Name()), nil
	}

	known, err := e.history.IsKnownDevice(ctx, activity.Actor, activity.DeviceFingerprint)
	if err != nil {
		return nil, fmt.Errorf("device history lookup failed: %w", err)
	}

	if err := e.history.RecordDevice(ctx, activity.Actor, activity.DeviceFingerprint, activity.OccurredAt); err != nil {
		logging.L(ctx).Warn("failed to record device", "actor", activity.Actor, "error", err)
	}

	if known {
		return quiet(e.Name()), nil
	}

	return &RiskSignal{
		Evaluator: e.Name(),
		Score:     NewDeviceScore,
		Reason:    "activity from a device not previously seen for this account",
	}, nil
}

// -----------------------------------------------------------------------------
// Behavioral deviation
// -----------------------------------------------------------------------------

// Behavior policy constants.
const (
	// MinBaselineSamples is the history size below which no deviation is
	// scored (cold start).
	MinBaselineSamples = 3
	// DeviationMultiple is the multiple of the trailing average at which
	// an amount starts contributing risk.
	DeviationMultiple = 3.0
	// DeviationSaturationMultiple is the multiple at which the score
	// saturates at 1.0.
	DeviationSaturationMultiple = 10.0
)

// BehaviorEvaluator compares amount-bearing activities against the actor's
// trailing average for that activity type.
type BehaviorEvaluator struct {
	history HistoryStore
}

// NewBehaviorEvaluator creates a behavioral deviation evaluator.
func NewBehaviorEvaluator(history HistoryStore) *BehaviorEvaluator {
	return &BehaviorEvaluator{history: history}
}

func (e *BehaviorEvaluator) Name() string { return "behavior" }

func (e *BehaviorEvaluator) Evaluate(ctx context.Context, activity *ActivityData) (*RiskSignal, error) {
	if activity.Actor == "" || activity.Amount <= 0 {
		return quiet(e.Name()), nil
	}

	avg, samples, err := e.history.AverageAmount(ctx, activity.Actor, activity.Type)
	if err != nil {
		return nil, fmt.Errorf("amount history lookup failed: %w", err)
	}

	if err := e.history.RecordAmount(ctx, activity.Actor, activity.Type, activity.Amount, activity.OccurredAt); err != nil {
		logging.L(ctx).Warn("failed to record amount", "actor", activity.Actor, "error", err)
	}

	if samples < MinBaselineSamples || avg <= 0 {
		return quiet(e.Name()), nil
	}

	ratio := activity.Amount / avg
	if ratio <= DeviationMultiple {
		return quiet(e.Name()), nil
	}

	score := math.Min((ratio-DeviationMultiple)/(DeviationSaturationMultiple-DeviationMultiple), 1.0)
	return &RiskSignal{
		Evaluator: e.Name(),
		Score:     score,
		Reason: fmt.Sprintf("amount %.2f is %.1fx the trailing average %.2f for %s",
			activity.Amount, ratio, avg, activity.Type),
	}, nil
}

// haversineKm returns the great-circle distance between two points in km.
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusKm = 6371.0

	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	rLat1 := lat1 * math.Pi / 180
	rLat2 := lat2 * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}
