package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sokohub/sentinel/internal/fraud"
	"github.com/sokohub/sentinel/internal/logging"
)

// The business handlers below are intentionally thin. This service fronts
// the risk layer; a request that reaches a handler has already passed rate
// limiting and the fraud guard, so the handler's job is to hand off to the
// upstream platform and echo the risk disposition.

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) loginHandler(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "email and password are required",
		})
		return
	}

	resp := gin.H{"status": "accepted"}
	if result := fraud.ResultFrom(c); result != nil {
		resp["riskScore"] = result.Score
		resp["flagged"] = result.IsRisky
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) adminLoginHandler(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "email and password are required",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

type passwordResetRequest struct {
	Email string `json:"email" binding:"required"`
}

func (s *Server) passwordResetHandler(c *gin.Context) {
	var req passwordResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "email is required",
		})
		return
	}
	// Same response whether or not the account exists.
	c.JSON(http.StatusAccepted, gin.H{"status": "reset_email_queued"})
}

type payoutRequest struct {
	AccountNumber string  `json:"accountNumber" binding:"required"`
	Amount        float64 `json:"amount" binding:"required,gt=0"`
}

func (s *Server) payoutHandler(c *gin.Context) {
	var req payoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "accountNumber and a positive amount are required",
		})
		return
	}

	resp := gin.H{"status": "queued", "amount": req.Amount}
	if result := fraud.ResultFrom(c); result != nil && result.IsRisky {
		// Flagged payouts queue for manual review instead of auto-processing.
		resp["status"] = "pending_review"
	}
	c.JSON(http.StatusAccepted, resp)
}

type confirmPaymentRequest struct {
	UserID         string  `json:"userId" binding:"required"`
	OrderID        string  `json:"orderId" binding:"required"`
	ExpectedAmount float64 `json:"expectedAmount" binding:"required"`
	ChargedAmount  float64 `json:"chargedAmount" binding:"required"`
	PaymentMethod  string  `json:"paymentMethod" binding:"required"`
}

func (s *Server) confirmPaymentHandler(c *gin.Context) {
	var req confirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId, orderId, expectedAmount, chargedAmount and paymentMethod are required",
		})
		return
	}

	alert, err := s.checker.CheckPaymentMismatch(c.Request.Context(),
		req.UserID, req.ExpectedAmount, req.ChargedAmount, req.PaymentMethod,
		map[string]string{"order_id": req.OrderID},
	)
	if err != nil {
		// The mismatch check is audit, not authorization. A store failure
		// must not fail the payment confirmation.
		logging.L(c.Request.Context()).Error("mismatch check failed", "error", err)
	}

	resp := gin.H{"status": "confirmed", "orderId": req.OrderID}
	if alert != nil {
		resp["flagged"] = true
		resp["alertId"] = alert.ID
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) uploadHandler(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{"status": "upload_accepted"})
}
