package domain

import "errors"

var (
	// ErrStockUnavailable means a requested quantity could not be reserved.
	ErrStockUnavailable = errors.New("stock unavailable")

	// ErrInvalidCoupon covers unknown, inactive, expired and exhausted coupons.
	ErrInvalidCoupon = errors.New("invalid coupon")

	// ErrUnknownDeliveryArea means the delivery area does not exist or is inactive.
	ErrUnknownDeliveryArea = errors.New("unknown delivery area")

	// ErrGatewayUnreachable means the STK push could not be delivered after
	// retries. The order stays pending; the caller may retry checkout.
	ErrGatewayUnreachable = errors.New("payment gateway unreachable")

	// ErrUnknownTransaction means a callback referenced no known payment.
	// Logged and counted, never fatal.
	ErrUnknownTransaction = errors.New("unknown transaction reference")

	// ErrDuplicateCallback means the payment already reached a terminal
	// state; the callback is an idempotent no-op.
	ErrDuplicateCallback = errors.New("duplicate callback")

	// ErrReservationExpiredConflict means a confirmation arrived after the
	// reservation expired and stock was released. The order is left expired
	// and the payment is routed to manual reconciliation.
	ErrReservationExpiredConflict = errors.New("reservation expired before confirmation")

	// ErrAmountMismatch means the confirmed amount differs from the order
	// total at initiation time. Routed to manual reconciliation.
	ErrAmountMismatch = errors.New("callback amount does not match order total")

	// ErrOrderNotCancellable means the order already entered fulfillment.
	ErrOrderNotCancellable = errors.New("order can no longer be cancelled")

	// ErrInvalidTransition means a fulfillment transition was requested out
	// of order (e.g. shipping an order that was never paid).
	ErrInvalidTransition = errors.New("invalid order status transition")
)
