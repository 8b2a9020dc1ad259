package domain

import "time"

type PaymentStatus string

const (
	PaymentStatusInitiated PaymentStatus = "initiated"
	PaymentStatusConfirmed PaymentStatus = "confirmed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusTimedOut  PaymentStatus = "timed_out"
)

// Terminal reports whether the payment has reached a final state. Callbacks
// for terminal payments are idempotent no-ops.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusConfirmed || s == PaymentStatusFailed || s == PaymentStatusTimedOut
}

// Payment tracks a single STK push attempt against an order. Retried
// checkouts create a new row; at most one row per order is non-terminal.
type Payment struct {
	ID                string        `json:"id"`
	OrderID           string        `json:"order_id"`
	CheckoutRequestID string        `json:"checkout_request_id"`
	Phone             string        `json:"phone"`
	Amount            int64         `json:"amount"`
	Status            PaymentStatus `json:"status"`
	MpesaReceipt      string        `json:"mpesa_receipt,omitempty"`
	TransactionDate   string        `json:"transaction_date,omitempty"`
	InitiatedAt       time.Time     `json:"initiated_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
}
