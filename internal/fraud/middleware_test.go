package fraud

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func guardedRouter(checker *Checker, activityType ActivityType, opts ...GuardOption) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/login", Guard(checker, activityType, opts...), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return r
}

func TestGuardAllowsCleanRequest(t *testing.T) {
	checker := NewChecker(nil, nil, &stubEvaluator{name: "quiet"})
	r := guardedRouter(checker, ActivityLogin)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/login", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGuardBlocksHighRisk(t *testing.T) {
	checker := NewChecker(nil, nil,
		&stubEvaluator{name: "blacklist", signal: &RiskSignal{Score: 1.0, HardTrigger: true, Reason: "blacklisted"}},
	)
	r := guardedRouter(checker, ActivityLogin)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/login", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "action_blocked")
}

func TestGuardFlaggedRequestProceeds(t *testing.T) {
	checker := NewChecker(nil, nil,
		&stubEvaluator{name: "velocity", signal: &RiskSignal{Score: 0.6, Reason: "busy"}},
	)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	var captured *CheckResult
	r.POST("/login", Guard(checker, ActivityLogin), func(c *gin.Context) {
		captured = ResultFrom(c)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/login", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, captured)
	assert.True(t, captured.IsRisky)
	assert.False(t, captured.ShouldBlock)
	assert.Equal(t, 0.6, captured.Score)
}

func TestGuardBuildsActivityFromRequest(t *testing.T) {
	var seen *ActivityData
	capture := &captureEvaluator{data: &seen}
	checker := NewChecker(nil, nil, capture)

	r := guardedRouter(checker, ActivityPayment, WithActorResolver(func(c *gin.Context) string {
		return c.GetHeader("X-User-ID")
	}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/login", nil)
	req.Header.Set("X-User-ID", "user_77")
	req.Header.Set("X-Device-Fingerprint", "fp-test-123")
	req.Header.Set("X-Geo-Lat", "6.45")
	req.Header.Set("X-Geo-Lng", "3.39")
	req.Header.Set("X-Geo-City", "Lagos")
	req.Header.Set("X-Amount", "250.00")
	r.ServeHTTP(w, req)

	require.NotNil(t, seen)
	assert.Equal(t, "user_77", seen.Actor)
	assert.Equal(t, ActivityPayment, seen.Type)
	assert.Equal(t, "fp-test-123", seen.DeviceFingerprint)
	require.NotNil(t, seen.Geo)
	assert.Equal(t, "Lagos", seen.Geo.City)
	assert.Equal(t, 250.00, seen.Amount)
}

func TestGuardIgnoresMalformedGeoHeaders(t *testing.T) {
	var seen *ActivityData
	checker := NewChecker(nil, nil, &captureEvaluator{data: &seen})
	r := guardedRouter(checker, ActivityLogin)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/login", nil)
	req.Header.Set("X-Geo-Lat", "not-a-number")
	req.Header.Set("X-Geo-Lng", "3.39")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, seen)
	assert.Nil(t, seen.Geo)
}

// captureEvaluator records the activity snapshot it was handed.
type captureEvaluator struct {
	data **ActivityData
}

func (c *captureEvaluator) Name() string { return "capture" }

func (c *captureEvaluator) Evaluate(_ context.Context, activity *ActivityData) (*RiskSignal, error) {
	*c.data = activity
	return quiet(c.Name()), nil
}
