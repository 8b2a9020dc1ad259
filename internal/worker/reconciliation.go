package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sokokicks/checkout/internal/domain"
	"github.com/sokokicks/checkout/internal/notify"
)

// ReconciliationHandler consumes payment.reconciliation events and alerts
// the finance inbox. These are the cases the lifecycle refuses to resolve
// automatically: money arrived after the reservation lapsed, or the amount
// does not match the order.
type ReconciliationHandler struct {
	opsEmail string
	notifier *notify.Client
	logger   *slog.Logger
}

func NewReconciliationHandler(opsEmail string, notifier *notify.Client, logger *slog.Logger) *ReconciliationHandler {
	return &ReconciliationHandler{
		opsEmail: opsEmail,
		notifier: notifier,
		logger:   logger,
	}
}

func (h *ReconciliationHandler) Handle(ctx context.Context, payload []byte) error {
	var event domain.ReconciliationEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("unmarshal reconciliation event: %w", err)
	}

	h.logger.Warn("payment flagged for manual reconciliation",
		"checkout_request_id", event.CheckoutRequestID,
		"order_id", event.OrderID, "reason", event.Reason, "amount", event.Amount)

	subject := "Payment reconciliation needed: " + event.CheckoutRequestID
	body := fmt.Sprintf("Reason: %s\nOrder: %s\nAmount: KES %d.%02d\nExpected: KES %d.%02d\nReceived: %s",
		event.Reason, event.OrderID,
		event.Amount/100, event.Amount%100,
		event.Expected/100, event.Expected%100,
		event.Timestamp.Format("2006-01-02 15:04:05"))
	if err := h.notifier.SendEmail(ctx, h.opsEmail, subject, body); err != nil {
		h.logger.Error("failed to alert finance", "error", err,
			"checkout_request_id", event.CheckoutRequestID)
		return fmt.Errorf("send reconciliation alert: %w", err)
	}

	return nil
}
