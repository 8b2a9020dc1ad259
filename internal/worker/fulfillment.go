package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sokokicks/checkout/internal/domain"
	"github.com/sokokicks/checkout/internal/notify"
)

// FulfillmentHandler consumes order.paid events: it notifies the customer
// and moves the order into processing. Events may be redelivered; the
// status transition on the checkout service is a guarded CAS, so a replay
// is at worst a duplicate notification.
type FulfillmentHandler struct {
	checkoutServiceURL string
	notifier           *notify.Client
	httpClient         *http.Client
	logger             *slog.Logger
}

func NewFulfillmentHandler(checkoutServiceURL string, notifier *notify.Client, client *http.Client, logger *slog.Logger) *FulfillmentHandler {
	return &FulfillmentHandler{
		checkoutServiceURL: checkoutServiceURL,
		notifier:           notifier,
		httpClient:         client,
		logger:             logger,
	}
}

func (h *FulfillmentHandler) Handle(ctx context.Context, payload []byte) error {
	var event domain.OrderPaidEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("unmarshal order paid event: %w", err)
	}

	h.logger.Info("processing paid order", "order_id", event.OrderID, "order_number", event.OrderNumber)

	if err := h.markProcessing(ctx, event.OrderID); err != nil {
		h.logger.Error("failed to mark order processing", "error", err, "order_id", event.OrderID)
		return fmt.Errorf("mark order processing: %w", err)
	}

	sms := fmt.Sprintf("Order %s confirmed. KES %d received (receipt %s). We are packing your kicks!",
		event.OrderNumber, event.Total/100, event.MpesaReceipt)
	if err := h.notifier.SendSMS(ctx, event.Phone, sms); err != nil {
		h.logger.Error("failed to send confirmation sms", "error", err, "order_id", event.OrderID)
		return fmt.Errorf("send confirmation sms: %w", err)
	}

	subject := "Order confirmed: " + event.OrderNumber
	body := fmt.Sprintf("Your order %s with %d item(s) is paid and being prepared for dispatch.",
		event.OrderNumber, len(event.Items))
	if err := h.notifier.SendEmail(ctx, event.UserID, subject, body); err != nil {
		h.logger.Error("failed to send confirmation email", "error", err, "order_id", event.OrderID)
		return fmt.Errorf("send confirmation email: %w", err)
	}

	h.logger.Info("fulfillment kicked off", "order_id", event.OrderID)
	return nil
}

func (h *FulfillmentHandler) markProcessing(ctx context.Context, orderID string) error {
	body := map[string]string{"status": string(domain.OrderStatusProcessing)}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/orders/%s/status", h.checkoutServiceURL, orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	// 409 means the order already advanced past paid: a redelivered event.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("checkout service returned status %d", resp.StatusCode)
	}

	return nil
}
