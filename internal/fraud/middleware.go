package fraud

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sokohub/sentinel/internal/logging"
)

// Context keys set by the guard for downstream handlers.
const (
	ContextKeyResult = "fraud_result"
	ContextKeyScore  = "fraud_score"
)

// ActorResolver extracts the acting identity from a request. The default
// reads the "user_id" gin context key set by the auth layer, falling back
// to empty (unknown) for pre-auth endpoints.
type ActorResolver func(c *gin.Context) string

// AmountResolver extracts the monetary amount of an activity, when any.
type AmountResolver func(c *gin.Context) float64

// GuardOption customizes a guard middleware.
type GuardOption func(*guardConfig)

type guardConfig struct {
	actor  ActorResolver
	amount AmountResolver
}

// WithActorResolver overrides how the guard determines the acting user.
func WithActorResolver(r ActorResolver) GuardOption {
	return func(g *guardConfig) { g.actor = r }
}

// WithAmountResolver overrides how the guard determines the activity amount.
func WithAmountResolver(r AmountResolver) GuardOption {
	return func(g *guardConfig) { g.amount = r }
}

func defaultActor(c *gin.Context) string {
	if v, ok := c.Get("user_id"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func defaultAmount(c *gin.Context) float64 {
	if raw := c.GetHeader("X-Amount"); raw != "" {
		if amount, err := strconv.ParseFloat(raw, 64); err == nil {
			return amount
		}
	}
	return 0
}

// Guard returns middleware that risk-checks every request before the
// handler runs. Blocked requests get 403 and never reach the handler;
// flagged requests proceed with the result exposed on the gin context.
func Guard(checker *Checker, activityType ActivityType, opts ...GuardOption) gin.HandlerFunc {
	cfg := &guardConfig{actor: defaultActor, amount: defaultAmount}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(c *gin.Context) {
		data := &ActivityData{
			Actor:             cfg.actor(c),
			Type:              activityType,
			IP:                c.ClientIP(),
			UserAgent:         c.Request.UserAgent(),
			DeviceFingerprint: c.GetHeader("X-Device-Fingerprint"),
			SessionID:         c.GetHeader("X-Session-ID"),
			Amount:            cfg.amount(c),
			Geo:               geoFromHeaders(c),
		}

		result := checker.CheckActivity(c.Request.Context(), data)

		c.Set(ContextKeyResult, result)
		c.Set(ContextKeyScore, result.Score)

		if result.ShouldBlock {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "action_blocked",
				"message": "this action was blocked by our security checks",
			})
			return
		}

		if result.IsRisky {
			logging.L(c.Request.Context()).Warn("risky request allowed through",
				"activity_type", string(activityType),
				"score", result.Score,
				"ip", data.IP,
			)
		}

		c.Next()
	}
}

// geoFromHeaders builds a GeoHint from edge-provided geolocation headers.
// Returns nil when no coordinates were supplied.
func geoFromHeaders(c *gin.Context) *GeoHint {
	latRaw := c.GetHeader("X-Geo-Lat")
	lngRaw := c.GetHeader("X-Geo-Lng")
	if latRaw == "" || lngRaw == "" {
		return nil
	}
	lat, err := strconv.ParseFloat(latRaw, 64)
	if err != nil {
		return nil
	}
	lng, err := strconv.ParseFloat(lngRaw, 64)
	if err != nil {
		return nil
	}
	return &GeoHint{
		Country: c.GetHeader("X-Geo-Country"),
		City:    c.GetHeader("X-Geo-City"),
		Lat:     lat,
		Lng:     lng,
	}
}

// ResultFrom returns the check result the guard stored on the context,
// or nil when no guard ran for this request.
func ResultFrom(c *gin.Context) *CheckResult {
	if v, ok := c.Get(ContextKeyResult); ok {
		if result, ok := v.(*CheckResult); ok {
			return result
		}
	}
	return nil
}
