package fraud

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sokohub/sentinel/internal/idgen"
	"github.com/sokohub/sentinel/internal/metrics"
)

// PaymentMismatchTolerance is the relative divergence between expected and
// actual payment amounts below which no alert is raised (rounding noise).
const PaymentMismatchTolerance = 0.01

// AlertTypePaymentMismatch is the alert type for amount disagreements.
const AlertTypePaymentMismatch = "PAYMENT_MISMATCH"

// CheckPaymentMismatch compares the charged amount against what the order
// said it should be. A divergence past the tolerance is conclusive evidence,
// not a probabilistic signal, so it creates an alert directly without
// running the evaluator pipeline. Returns the created alert, or nil when
// the amounts agree.
func (c *Checker) CheckPaymentMismatch(ctx context.Context, userID string, expected, actual float64, paymentMethod string, metadata map[string]string) (*FraudAlert, error) {
	reference := math.Max(math.Abs(expected), 0.01)
	divergence := math.Abs(actual-expected) / reference
	if divergence <= PaymentMismatchTolerance {
		return nil, nil
	}

	if metadata == nil {
		metadata = make(map[string]string)
	}
	metadata["expected_amount"] = fmt.Sprintf("%.2f", expected)
	metadata["actual_amount"] = fmt.Sprintf("%.2f", actual)
	metadata["payment_method"] = paymentMethod

	alert := &FraudAlert{
		ID:    idgen.WithPrefix("alert_"),
		Actor: userID,
		AlertType: AlertTypePaymentMismatch,
		Description: fmt.Sprintf("payment amount mismatch: expected %.2f, charged %.2f via %s",
			expected, actual, paymentMethod),
		Score:     1.0,
		Status:    AlertActive,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}

	if c.alerts == nil {
		return alert, nil
	}
	if err := c.alerts.CreateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to create mismatch alert: %w", err)
	}
	metrics.FraudAlertsTotal.WithLabelValues(AlertTypePaymentMismatch).Inc()

	c.logger.Warn("payment amount mismatch",
		"user", userID,
		"expected", expected,
		"actual", actual,
		"method", paymentMethod,
	)

	if c.activity != nil {
		entry := &ActivityLogEntry{
			ID:        idgen.WithPrefix("act_"),
			Actor:     userID,
			Type:      ActivityPayment,
			Outcome:   OutcomeFlag,
			Score:     1.0,
			Reasons:   alert.Description,
			CreatedAt: time.Now(),
		}
		if err := c.activity.AppendActivity(ctx, entry); err != nil {
			c.logger.Error("failed to append mismatch activity log", "error", err)
		}
	}

	return alert, nil
}
