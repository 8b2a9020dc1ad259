package domain

import "time"

// OrderPaidEvent is published after a payment confirmation commits. The
// fulfillment worker consumes it to kick off processing and notifications.
type OrderPaidEvent struct {
	OrderID      string      `json:"order_id"`
	OrderNumber  string      `json:"order_number"`
	UserID       string      `json:"user_id"`
	Phone        string      `json:"phone"`
	Items        []OrderItem `json:"items"`
	Total        int64       `json:"total"`
	MpesaReceipt string      `json:"mpesa_receipt"`
	Timestamp    time.Time   `json:"timestamp"`
}

// ReconciliationEvent flags a callback that could not be applied cleanly
// (late confirmation after expiry, amount mismatch) for manual review.
type ReconciliationEvent struct {
	CheckoutRequestID string    `json:"checkout_request_id"`
	OrderID           string    `json:"order_id,omitempty"`
	Reason            string    `json:"reason"`
	Amount            int64     `json:"amount"`
	Expected          int64     `json:"expected,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}
