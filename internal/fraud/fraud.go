// Package fraud implements inline risk evaluation for sensitive marketplace
// operations (login, admin login, payouts, payments).
//
// Five independent signal evaluators — blacklist membership, velocity,
// location anomaly, device anomaly, and behavioral deviation — each score an
// activity snapshot in [0, 1]. The checker runs them concurrently, combines
// contributions by max (one strong signal is enough; it is not diluted by
// weak ones), and classifies the activity as allow, flag, or block before
// any downstream handler executes. A confirmed blacklist hit is a hard
// trigger that forces a block regardless of the aggregate score.
//
// The pipeline is availability-first: evaluator errors and timeouts
// contribute zero with a logged warning, and a dead store never denies
// legitimate traffic.
package fraud

import (
	"context"
	"errors"
	"time"
)

// ActivityType identifies the kind of sensitive operation being evaluated.
type ActivityType string

const (
	ActivityLogin         ActivityType = "LOGIN"
	ActivityAdminLogin    ActivityType = "ADMIN_LOGIN"
	ActivityPayoutRequest ActivityType = "PAYOUT_REQUEST"
	ActivityPayment       ActivityType = "PAYMENT"
	ActivityPasswordReset ActivityType = "PASSWORD_RESET"
)

// GeoHint is the caller-observed location of a request, if any.
type GeoHint struct {
	Country string  `json:"country,omitempty"`
	City    string  `json:"city,omitempty"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

// ActivityData is the immutable input snapshot for one evaluation.
// Constructed once per request by the guard middleware; never persisted
// directly, only derived records are.
type ActivityData struct {
	Actor             string // nullable pre-auth; empty means unknown
	Type              ActivityType
	IP                string
	UserAgent         string
	DeviceFingerprint string
	Geo               *GeoHint
	SessionID         string
	Amount            float64 // for amount-bearing activities, 0 otherwise
	Metadata          map[string]string
	OccurredAt        time.Time
}

// Identity returns the best available identity for per-actor counters:
// the actor if known, otherwise the source IP.
func (a *ActivityData) Identity() string {
	if a.Actor != "" {
		return a.Actor
	}
	return a.IP
}

// RiskSignal is the output of a single evaluator. Produced fresh per
// evaluation, never stored on its own.
type RiskSignal struct {
	Evaluator   string
	Score       float64 // contribution in [0, 1]
	HardTrigger bool    // forces a block irrespective of aggregate score
	Reason      string  // human-readable; empty when the signal is quiet
}

// Outcome is the classified disposition of one check.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeFlag  Outcome = "flag"
	OutcomeBlock Outcome = "block"
)

// CheckResult aggregates all signals for one ActivityData. Transient; only
// persisted as a FraudAlert when the score crosses the alerting threshold.
type CheckResult struct {
	Score       float64      `json:"score"`
	IsRisky     bool         `json:"isRisky"`
	ShouldBlock bool         `json:"shouldBlock"`
	Reasons     []string     `json:"reasons,omitempty"`
	Signals     []RiskSignal `json:"-"`
	EvaluatedAt time.Time    `json:"evaluatedAt"`
}

// Outcome returns the classification for this result.
func (r *CheckResult) Outcome() Outcome {
	switch {
	case r.ShouldBlock:
		return OutcomeBlock
	case r.IsRisky:
		return OutcomeFlag
	default:
		return OutcomeAllow
	}
}

// AlertStatus is the lifecycle state of a fraud alert.
type AlertStatus string

const (
	AlertActive   AlertStatus = "ACTIVE"
	AlertResolved AlertStatus = "RESOLVED"
)

// FraudAlert is the durable audit record of a risky or blocked activity.
// Alerts are never deleted, only transitioned ACTIVE → RESOLVED.
type FraudAlert struct {
	ID          string            `json:"id"`
	Actor       string            `json:"actor"`
	AlertType   string            `json:"alertType"`
	Description string            `json:"description"`
	Score       float64           `json:"score"`
	Status      AlertStatus       `json:"status"`
	Resolution  string            `json:"resolution,omitempty"`
	ResolvedBy  string            `json:"resolvedBy,omitempty"`
	ResolvedAt  *time.Time        `json:"resolvedAt,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// EntityType classifies what a blacklist entry matches against.
type EntityType string

const (
	EntityIP            EntityType = "IP"
	EntityDevice        EntityType = "DEVICE_FINGERPRINT"
	EntityUser          EntityType = "USER"
	EntityAccountNumber EntityType = "ACCOUNT_NUMBER"
)

// BlacklistEntry is a durable block rule. At most one active entry may exist
// per (EntityType, EntityValue) pair.
type BlacklistEntry struct {
	ID          string     `json:"id"`
	EntityType  EntityType `json:"entityType"`
	EntityValue string     `json:"entityValue"`
	Reason      string     `json:"reason"`
	AddedBy     string     `json:"addedBy"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Expired reports whether the entry has a passed expiry time.
func (b *BlacklistEntry) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && now.After(*b.ExpiresAt)
}

// ActivityLogEntry is one line of the risk evaluation audit log.
type ActivityLogEntry struct {
	ID        string       `json:"id"`
	Actor     string       `json:"actor"`
	Type      ActivityType `json:"type"`
	IP        string       `json:"ip"`
	Outcome   Outcome      `json:"outcome"`
	Score     float64      `json:"score"`
	Reasons   string       `json:"reasons,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Sentinel errors surfaced by the stores.
var (
	ErrAlertNotFound     = errors.New("fraud alert not found")
	ErrBlacklistExists   = errors.New("an active blacklist entry already exists for this entity")
	ErrBlacklistNotFound = errors.New("blacklist entry not found")
)

// AlertStore persists fraud alerts.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *FraudAlert) error
	GetAlert(ctx context.Context, id string) (*FraudAlert, error)
	// ResolveAlert transitions ACTIVE → RESOLVED. Resolving an already
	// resolved alert is a no-op success.
	ResolveAlert(ctx context.Context, id, resolution, resolvedBy string) (*FraudAlert, error)
	ListAlerts(ctx context.Context, status AlertStatus, limit int) ([]*FraudAlert, error)
	AlertStats(ctx context.Context) (*AlertStats, error)
}

// AlertStats summarizes the alert table for the admin dashboard.
type AlertStats struct {
	Active   int64            `json:"active"`
	Resolved int64            `json:"resolved"`
	ByType   map[string]int64 `json:"byType"`
}

// BlacklistStore persists blacklist entries.
type BlacklistStore interface {
	// Add inserts an entry; returns ErrBlacklistExists if an active entry
	// for the same (type, value) already exists.
	Add(ctx context.Context, entry *BlacklistEntry) error
	Deactivate(ctx context.Context, id string) error
	// FindActive returns the active, non-expired entry for (type, value),
	// or nil if there is none.
	FindActive(ctx context.Context, entityType EntityType, value string) (*BlacklistEntry, error)
	ListEntries(ctx context.Context, activeOnly bool, limit int) ([]*BlacklistEntry, error)
}

// LocationRecord is an actor's last observed location.
type LocationRecord struct {
	Country string
	City    string
	Lat     float64
	Lng     float64
	At      time.Time
}

// HistoryStore holds the per-actor history consulted by the location,
// device, and behavior evaluators.
type HistoryStore interface {
	LastLocation(ctx context.Context, actor string) (*LocationRecord, error)
	RecordLocation(ctx context.Context, actor string, loc *LocationRecord) error
	IsKnownDevice(ctx context.Context, actor, fingerprint string) (bool, error)
	RecordDevice(ctx context.Context, actor, fingerprint string, seen time.Time) error
	// AverageAmount returns the trailing average and sample count for an
	// actor's past activities of the given type.
	AverageAmount(ctx context.Context, actor string, activityType ActivityType) (avg float64, samples int64, err error)
	RecordAmount(ctx context.Context, actor string, activityType ActivityType, amount float64, at time.Time) error
}

// ActivityLogStore is the append-only evaluation audit log.
type ActivityLogStore interface {
	AppendActivity(ctx context.Context, entry *ActivityLogEntry) error
	ListActivity(ctx context.Context, actor string, limit int) ([]*ActivityLogEntry, error)
}
