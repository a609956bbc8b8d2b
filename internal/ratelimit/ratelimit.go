// Package ratelimit provides fixed-window rate limiting over the shared
// counter store, with per-endpoint policies and gin middleware.
//
// The limiter is advisory-first: every response carries X-RateLimit-* headers,
// and a denied request gets a 429 with a Retry-After hint. If the counter
// store is unreachable the limiter fails open — a dead counter backend must
// never become its own denial of service.
package ratelimit

import (
	"time"

	"github.com/sokohub/sentinel/internal/counter"
)

// Policy defines one named rate limit: how many requests fit in a window and
// the caller-facing message on denial.
type Policy struct {
	Name        string
	Window      time.Duration
	MaxRequests int64
	Message     string
}

// Default policy values. Auth endpoints get a narrow window and low ceiling
// to blunt credential stuffing; general API traffic gets a wide ceiling;
// uploads are capped hourly.
const (
	DefaultAuthWindow   = 15 * time.Minute
	DefaultAuthMax      = 10
	DefaultAPIWindow    = time.Minute
	DefaultAPIMax       = 300
	DefaultUploadWindow = time.Hour
	DefaultUploadMax    = 60
)

// AuthPolicy returns the policy for authentication endpoints.
func AuthPolicy() Policy {
	return Policy{
		Name:        "auth",
		Window:      DefaultAuthWindow,
		MaxRequests: DefaultAuthMax,
		Message:     "Too many attempts. Please try again later.",
	}
}

// APIPolicy returns the policy for general API traffic.
func APIPolicy() Policy {
	return Policy{
		Name:        "api",
		Window:      DefaultAPIWindow,
		MaxRequests: DefaultAPIMax,
		Message:     "Too many requests. Please slow down.",
	}
}

// UploadPolicy returns the policy for upload endpoints.
func UploadPolicy() Policy {
	return Policy{
		Name:        "upload",
		Window:      DefaultUploadWindow,
		MaxRequests: DefaultUploadMax,
		Message:     "Upload limit reached. Please try again later.",
	}
}

// Decision is the outcome of one rate limit check. Limit, Remaining, and
// Reset mirror the client-facing header conventions; they are informational
// and not a security boundary.
type Decision struct {
	Allowed    bool
	FailedOpen bool // store was unreachable; allowed without counting

	Limit      int64
	Remaining  int64
	Reset      time.Time
	RetryAfter time.Duration // only meaningful when denied
}

// Limiter produces allow/deny decisions from a counter store.
type Limiter struct {
	store counter.Store
}

// New creates a limiter over the given counter store.
func New(store counter.Store) *Limiter {
	return &Limiter{store: store}
}
