package domain

import "time"

type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusAwaitingPayment OrderStatus = "awaiting_payment"
	OrderStatusPaid            OrderStatus = "paid"
	OrderStatusPaymentFailed   OrderStatus = "payment_failed"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusProcessing      OrderStatus = "processing"
	OrderStatusShipped         OrderStatus = "shipped"
	OrderStatusDelivered       OrderStatus = "delivered"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// Cancellable reports whether an order in this status may still be soft
// cancelled. Once fulfillment starts the order is out of the customer's hands.
func (s OrderStatus) Cancellable() bool {
	switch s {
	case OrderStatusPending, OrderStatusAwaitingPayment, OrderStatusPaid,
		OrderStatusPaymentFailed, OrderStatusExpired:
		return true
	}
	return false
}

// HoldsReservation reports whether stock is still held (reserved, neither
// committed nor released) for an order in this status.
func (s OrderStatus) HoldsReservation() bool {
	return s == OrderStatusPending || s == OrderStatusAwaitingPayment
}

type OrderItem struct {
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Subtotal  int64  `json:"subtotal"`
}

type Order struct {
	ID             string      `json:"id"`
	OrderNumber    string      `json:"order_number"`
	UserID         string      `json:"user_id"`
	Items          []OrderItem `json:"items"`
	Status         OrderStatus `json:"status"`
	Subtotal       int64       `json:"subtotal"`
	DeliveryFee    int64       `json:"delivery_fee"`
	Discount       int64       `json:"discount"`
	Total          int64       `json:"total"`
	CouponCode     string      `json:"coupon_code,omitempty"`
	CountyCode     string      `json:"county_code"`
	DeliveryAreaID int64       `json:"delivery_area_id"`
	Address        string      `json:"address"`
	Phone          string      `json:"phone"`
	ReservedUntil  time.Time   `json:"reserved_until"`
	CreatedAt      time.Time   `json:"created_at"`
	PaidAt         *time.Time  `json:"paid_at,omitempty"`
}
