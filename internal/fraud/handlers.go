package fraud

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sokohub/sentinel/internal/logging"
	"github.com/sokohub/sentinel/internal/validation"
)

// Handler exposes the admin API for alerts, the blacklist, and the
// activity log.
type Handler struct {
	alerts    AlertStore
	blacklist BlacklistStore
	activity  ActivityLogStore
}

// NewHandler creates the fraud admin handler.
func NewHandler(alerts AlertStore, blacklist BlacklistStore, activity ActivityLogStore) *Handler {
	return &Handler{alerts: alerts, blacklist: blacklist, activity: activity}
}

// RegisterRoutes mounts the admin endpoints on the given group. The group
// is expected to already carry admin authentication.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/alerts", h.listAlerts)
	rg.GET("/alerts/:id", h.getAlert)
	rg.POST("/alerts/:id/resolve", h.resolveAlert)
	rg.GET("/alerts/stats", h.alertStats)
	rg.GET("/blacklist", h.listBlacklist)
	rg.POST("/blacklist", h.addBlacklistEntry)
	rg.DELETE("/blacklist/:id", h.removeBlacklistEntry)
	rg.GET("/activity", h.listActivity)
}

func (h *Handler) listAlerts(c *gin.Context) {
	status := AlertStatus(c.Query("status"))
	if status != "" && status != AlertActive && status != AlertResolved {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_status",
			"message": "status must be ACTIVE or RESOLVED",
		})
		return
	}

	limit := parseLimit(c, 50)
	alerts, err := h.alerts.ListAlerts(c.Request.Context(), status, limit)
	if err != nil {
		h.internalError(c, "failed to list alerts", err)
		return
	}
	if alerts == nil {
		alerts = []*FraudAlert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

func (h *Handler) getAlert(c *gin.Context) {
	alert, err := h.alerts.GetAlert(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAlertNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "alert_not_found",
				"message": "no alert with that id",
			})
			return
		}
		h.internalError(c, "failed to load alert", err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

type resolveAlertRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	ResolvedBy string `json:"resolvedBy" binding:"required"`
}

func (h *Handler) resolveAlert(c *gin.Context) {
	var req resolveAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolution and resolvedBy are required",
		})
		return
	}

	alert, err := h.alerts.ResolveAlert(c.Request.Context(),
		c.Param("id"),
		validation.SanitizeString(req.Resolution, 1024),
		validation.SanitizeString(req.ResolvedBy, 255),
	)
	if err != nil {
		if errors.Is(err, ErrAlertNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "alert_not_found",
				"message": "no alert with that id",
			})
			return
		}
		h.internalError(c, "failed to resolve alert", err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (h *Handler) alertStats(c *gin.Context) {
	stats, err := h.alerts.AlertStats(c.Request.Context())
	if err != nil {
		h.internalError(c, "failed to compute alert stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) listBlacklist(c *gin.Context) {
	activeOnly := c.Query("active") != "false"
	limit := parseLimit(c, 50)

	entries, err := h.blacklist.ListEntries(c.Request.Context(), activeOnly, limit)
	if err != nil {
		h.internalError(c, "failed to list blacklist", err)
		return
	}
	if entries == nil {
		entries = []*BlacklistEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

type addBlacklistRequest struct {
	EntityType  string `json:"entityType" binding:"required"`
	EntityValue string `json:"entityValue" binding:"required"`
	Reason      string `json:"reason" binding:"required"`
	AddedBy     string `json:"addedBy" binding:"required"`
	TTLHours    int    `json:"ttlHours"`
}

func (h *Handler) addBlacklistEntry(c *gin.Context) {
	var req addBlacklistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "entityType, entityValue, reason and addedBy are required",
		})
		return
	}

	entityType := EntityType(req.EntityType)
	switch entityType {
	case EntityIP, EntityDevice, EntityUser, EntityAccountNumber:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_entity_type",
			"message": "entityType must be IP, DEVICE_FINGERPRINT, USER or ACCOUNT_NUMBER",
		})
		return
	}

	if entityType == EntityIP && !validation.IsValidIP(req.EntityValue) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_entity_value",
			"message": "entityValue is not a valid IP address",
		})
		return
	}
	if entityType == EntityDevice && !validation.IsValidFingerprint(req.EntityValue) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_entity_value",
			"message": "entityValue is not a valid device fingerprint",
		})
		return
	}

	entry := &BlacklistEntry{
		EntityType:  entityType,
		EntityValue: req.EntityValue,
		Reason:      validation.SanitizeString(req.Reason, 1024),
		AddedBy:     validation.SanitizeString(req.AddedBy, 255),
	}
	if req.TTLHours > 0 {
		expires := time.Now().Add(time.Duration(req.TTLHours) * time.Hour)
		entry.ExpiresAt = &expires
	}

	if err := h.blacklist.Add(c.Request.Context(), entry); err != nil {
		if errors.Is(err, ErrBlacklistExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "blacklist_exists",
				"message": "an active entry for this entity already exists",
			})
			return
		}
		h.internalError(c, "failed to add blacklist entry", err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *Handler) removeBlacklistEntry(c *gin.Context) {
	err := h.blacklist.Deactivate(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrBlacklistNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "blacklist_not_found",
				"message": "no blacklist entry with that id",
			})
			return
		}
		h.internalError(c, "failed to remove blacklist entry", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

func (h *Handler) listActivity(c *gin.Context) {
	entries, err := h.activity.ListActivity(c.Request.Context(), c.Query("actor"), parseLimit(c, 50))
	if err != nil {
		h.internalError(c, "failed to list activity", err)
		return
	}
	if entries == nil {
		entries = []*ActivityLogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"activity": entries, "count": len(entries)})
}

func (h *Handler) internalError(c *gin.Context, msg string, err error) {
	logging.L(c.Request.Context()).Error(msg, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": msg,
	})
}

func parseLimit(c *gin.Context, fallback int) int {
	raw := c.Query("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > 500 {
		return fallback
	}
	return limit
}
