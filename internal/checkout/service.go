package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/sokokicks/checkout/internal/domain"
	"github.com/sokokicks/checkout/internal/telemetry"
)

// StockStore is the per-variant stock ledger. Reserve, Release and Commit
// are atomic compare-and-swap operations: a counter can never go negative
// regardless of interleaving. Restock puts committed units back on the
// shelf after a post-payment cancellation.
type StockStore interface {
	GetVariant(ctx context.Context, sku string) (*domain.ShoeVariant, error)
	Reserve(ctx context.Context, sku string, quantity int) error
	Release(ctx context.Context, sku string, quantity int) error
	Commit(ctx context.Context, sku string, quantity int) error
	Restock(ctx context.Context, sku string, quantity int) error
}

type CouponStore interface {
	GetCoupon(ctx context.Context, code string) (*domain.Coupon, error)
	Redeem(ctx context.Context, code string) error
	Return(ctx context.Context, code string) error
}

type DeliveryStore interface {
	GetDeliveryArea(ctx context.Context, id int64) (*domain.DeliveryArea, error)
}

// OrderStore persists orders and payments. TransitionOrder serializes all
// writers of an order's status behind a row lock and reports both the
// status it observed and whether the transition was applied.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *domain.Order, payment *domain.Payment) error
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	GetPaymentByRef(ctx context.Context, checkoutRequestID string) (*domain.Payment, error)
	AttachCheckoutRequest(ctx context.Context, paymentID, checkoutRequestID string) error
	TransitionOrder(ctx context.Context, orderID string, from []domain.OrderStatus, to domain.OrderStatus) (domain.OrderStatus, bool, error)
	ConfirmPayment(ctx context.Context, paymentID, receipt, transactionDate string, raw []byte) (bool, error)
	ClosePayment(ctx context.Context, paymentID string, to domain.PaymentStatus, raw []byte) (bool, error)
	TimeOutPayments(ctx context.Context, orderID string) error
	StaleOrders(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error)
	AppendCallback(ctx context.Context, checkoutRequestID string, resultCode int, payload []byte) error
}

// PaymentInitiator sends the STK push prompt to the payer's phone and
// returns the gateway's checkout request reference.
type PaymentInitiator interface {
	InitiateSTKPush(ctx context.Context, phone string, amount int64, accountRef string) (string, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

type CheckoutLine struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type CheckoutRequest struct {
	UserID         string         `json:"user_id"`
	Phone          string         `json:"phone"`
	Address        string         `json:"address"`
	DeliveryAreaID int64          `json:"delivery_area_id"`
	CouponCode     string         `json:"coupon_code,omitempty"`
	Lines          []CheckoutLine `json:"lines"`
}

type Config struct {
	// ReservationTTL bounds how long checkout holds stock before the
	// sweeper reclaims it.
	ReservationTTL time.Duration
	// STKPushRetries bounds retries at the initiation boundary. Once the
	// push is accepted, retries are the gateway's problem and show up as
	// duplicate callbacks.
	STKPushRetries uint64
}

func (c Config) withDefaults() Config {
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = 5 * time.Minute
	}
	if c.STKPushRetries == 0 {
		c.STKPushRetries = 3
	}
	return c
}

// Service owns the order/payment lifecycle: checkout initiation, gateway
// callback application and reservation expiry.
type Service struct {
	orders      OrderStore
	stock       StockStore
	coupons     CouponStore
	delivery    DeliveryStore
	initiator   PaymentInitiator
	paidEvents  EventPublisher
	reconEvents EventPublisher
	metrics     *telemetry.CheckoutMetrics
	logger      *slog.Logger
	cfg         Config
	now         func() time.Time
}

func NewService(
	orders OrderStore,
	stock StockStore,
	coupons CouponStore,
	delivery DeliveryStore,
	initiator PaymentInitiator,
	paidEvents, reconEvents EventPublisher,
	metrics *telemetry.CheckoutMetrics,
	logger *slog.Logger,
	cfg Config,
) *Service {
	return &Service{
		orders:      orders,
		stock:       stock,
		coupons:     coupons,
		delivery:    delivery,
		initiator:   initiator,
		paidEvents:  paidEvents,
		reconEvents: reconEvents,
		metrics:     metrics,
		logger:      logger,
		cfg:         cfg.withDefaults(),
		now:         time.Now,
	}
}

// InitiateCheckout validates stock and prices at this instant, reserves the
// requested quantities, creates the order and payment records and sends the
// STK push. If the gateway cannot be reached the order is left pending with
// its reservation deadline set, so held stock is reclaimed by the sweeper.
func (s *Service) InitiateCheckout(ctx context.Context, req CheckoutRequest) (*domain.Order, error) {
	if len(req.Lines) == 0 {
		return nil, fmt.Errorf("%w: empty cart", domain.ErrStockUnavailable)
	}
	for _, line := range req.Lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: bad quantity %d for %s", domain.ErrStockUnavailable, line.Quantity, line.SKU)
		}
	}

	area, err := s.delivery.GetDeliveryArea(ctx, req.DeliveryAreaID)
	if err != nil {
		return nil, fmt.Errorf("lookup delivery area: %w", err)
	}
	if area == nil {
		return nil, domain.ErrUnknownDeliveryArea
	}

	now := s.now()

	items := make([]domain.OrderItem, 0, len(req.Lines))
	var subtotal int64
	for _, line := range req.Lines {
		variant, err := s.stock.GetVariant(ctx, line.SKU)
		if err != nil {
			return nil, fmt.Errorf("lookup variant %s: %w", line.SKU, err)
		}
		if variant == nil || !variant.Active {
			return nil, fmt.Errorf("%w: %s", domain.ErrStockUnavailable, line.SKU)
		}
		item := domain.OrderItem{
			SKU:       line.SKU,
			Quantity:  line.Quantity,
			UnitPrice: variant.Price,
			Subtotal:  variant.Price * int64(line.Quantity),
		}
		items = append(items, item)
		subtotal += item.Subtotal
	}

	var discount int64
	if req.CouponCode != "" {
		coupon, err := s.coupons.GetCoupon(ctx, req.CouponCode)
		if err != nil {
			return nil, fmt.Errorf("lookup coupon: %w", err)
		}
		if coupon == nil || !coupon.ValidAt(now) {
			return nil, domain.ErrInvalidCoupon
		}
		if subtotal < coupon.MinOrder {
			// Don't burn a limited-use slot on a cart that earns nothing.
			return nil, fmt.Errorf("%w: order below %d minimum", domain.ErrInvalidCoupon, coupon.MinOrder)
		}
		discount = coupon.DiscountFor(subtotal)
		if err := s.coupons.Redeem(ctx, req.CouponCode); err != nil {
			return nil, err
		}
	}

	reserved, err := s.reserveLines(ctx, items)
	if err != nil {
		s.releaseItems(ctx, reserved)
		s.returnCoupon(ctx, req.CouponCode)
		s.metrics.Checkouts.Add(ctx, 1, telemetry.WithResult("stock_unavailable"))
		return nil, err
	}

	// M-Pesa moves whole shillings only, so the total is rounded up to the
	// next shilling. Otherwise the charged amount could never match the
	// order and every confirmation would land in reconciliation.
	total := subtotal + area.Fee - discount
	if rem := total % 100; rem != 0 {
		total += 100 - rem
	}

	order := &domain.Order{
		ID:             uuid.New().String(),
		OrderNumber:    newOrderNumber(),
		UserID:         req.UserID,
		Items:          items,
		Status:         domain.OrderStatusPending,
		Subtotal:       subtotal,
		DeliveryFee:    area.Fee,
		Discount:       discount,
		Total:          total,
		CouponCode:     req.CouponCode,
		CountyCode:     area.CountyCode,
		DeliveryAreaID: area.ID,
		Address:        req.Address,
		Phone:          req.Phone,
		ReservedUntil:  now.Add(s.cfg.ReservationTTL),
		CreatedAt:      now,
	}
	payment := &domain.Payment{
		ID:          uuid.New().String(),
		OrderID:     order.ID,
		Phone:       req.Phone,
		Amount:      order.Total,
		Status:      domain.PaymentStatusInitiated,
		InitiatedAt: now,
	}

	if err := s.orders.CreateOrder(ctx, order, payment); err != nil {
		s.releaseItems(ctx, items)
		s.returnCoupon(ctx, req.CouponCode)
		return nil, fmt.Errorf("create order: %w", err)
	}

	ref, err := s.pushWithRetry(ctx, req.Phone, order.Total, order.OrderNumber)
	if err != nil {
		s.logger.Error("stk push failed, order left pending",
			"error", err, "order_id", order.ID, "order_number", order.OrderNumber)
		s.metrics.Checkouts.Add(ctx, 1, telemetry.WithResult("gateway_unreachable"))
		return order, fmt.Errorf("%w: %v", domain.ErrGatewayUnreachable, err)
	}

	if err := s.orders.AttachCheckoutRequest(ctx, payment.ID, ref); err != nil {
		return order, fmt.Errorf("record checkout request id: %w", err)
	}
	if _, _, err := s.orders.TransitionOrder(ctx, order.ID,
		[]domain.OrderStatus{domain.OrderStatusPending}, domain.OrderStatusAwaitingPayment); err != nil {
		return order, fmt.Errorf("transition to awaiting_payment: %w", err)
	}
	order.Status = domain.OrderStatusAwaitingPayment

	s.metrics.Checkouts.Add(ctx, 1, telemetry.WithResult("initiated"))
	s.logger.Info("checkout initiated",
		"order_id", order.ID, "order_number", order.OrderNumber,
		"total", order.Total, "checkout_request_id", ref)
	return order, nil
}

func (s *Service) reserveLines(ctx context.Context, items []domain.OrderItem) ([]domain.OrderItem, error) {
	var reserved []domain.OrderItem
	for _, item := range items {
		if err := s.stock.Reserve(ctx, item.SKU, item.Quantity); err != nil {
			if errors.Is(err, domain.ErrStockUnavailable) {
				return reserved, fmt.Errorf("%w: %s", domain.ErrStockUnavailable, item.SKU)
			}
			return reserved, fmt.Errorf("reserve %s: %w", item.SKU, err)
		}
		reserved = append(reserved, item)
	}
	return reserved, nil
}

func (s *Service) releaseItems(ctx context.Context, items []domain.OrderItem) {
	for _, item := range items {
		if err := s.stock.Release(ctx, item.SKU, item.Quantity); err != nil {
			s.logger.Error("failed to release reservation", "error", err, "sku", item.SKU, "quantity", item.Quantity)
		}
	}
}

func (s *Service) restockItems(ctx context.Context, items []domain.OrderItem) {
	for _, item := range items {
		if err := s.stock.Restock(ctx, item.SKU, item.Quantity); err != nil {
			s.logger.Error("failed to restock cancelled order", "error", err, "sku", item.SKU, "quantity", item.Quantity)
		}
	}
}

func (s *Service) returnCoupon(ctx context.Context, code string) {
	if code == "" {
		return
	}
	if err := s.coupons.Return(ctx, code); err != nil {
		s.logger.Error("failed to return coupon use", "error", err, "coupon", code)
	}
}

func (s *Service) pushWithRetry(ctx context.Context, phone string, amount int64, accountRef string) (string, error) {
	var ref string
	op := func() error {
		var err error
		ref, err = s.initiator.InitiateSTKPush(ctx, phone, amount, accountRef)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.cfg.STKPushRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return "", err
	}
	return ref, nil
}

// CancelOrder soft-cancels an order. Orders are never hard-deleted; the
// record stays for the audit trail. Held stock and coupon uses are returned
// when cancellation happens before payment resolved.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, nil
	}

	cancellable := []domain.OrderStatus{
		domain.OrderStatusPending,
		domain.OrderStatusAwaitingPayment,
		domain.OrderStatusPaid,
		domain.OrderStatusPaymentFailed,
		domain.OrderStatusExpired,
	}
	prior, won, err := s.orders.TransitionOrder(ctx, orderID, cancellable, domain.OrderStatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}
	if !won {
		return nil, domain.ErrOrderNotCancellable
	}

	switch {
	case prior.HoldsReservation():
		s.releaseItems(ctx, order.Items)
		s.returnCoupon(ctx, order.CouponCode)
		if err := s.orders.TimeOutPayments(ctx, orderID); err != nil {
			s.logger.Error("failed to time out payment", "error", err, "order_id", orderID)
		}
	case prior == domain.OrderStatusPaid:
		// Stock was committed and the money taken. Put the units back on
		// the shelf and flag the refund for the payments desk; the refund
		// itself is a manual M-Pesa reversal.
		s.restockItems(ctx, order.Items)
		s.returnCoupon(ctx, order.CouponCode)
		s.publishReconciliation(ctx, domain.ReconciliationEvent{
			OrderID:   order.ID,
			Reason:    "refund_required",
			Amount:    order.Total,
			Timestamp: s.now(),
		})
	}

	s.logger.Info("order cancelled", "order_id", orderID, "prior_status", string(prior))
	order.Status = domain.OrderStatusCancelled
	return order, nil
}

var fulfillmentFrom = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusProcessing: {domain.OrderStatusPaid},
	domain.OrderStatusShipped:    {domain.OrderStatusProcessing},
	domain.OrderStatusDelivered:  {domain.OrderStatusShipped},
}

// AdvanceFulfillment applies the forward-only paid -> processing -> shipped
// -> delivered chain. Anything else is rejected.
func (s *Service) AdvanceFulfillment(ctx context.Context, orderID string, to domain.OrderStatus) error {
	from, ok := fulfillmentFrom[to]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrInvalidTransition, to)
	}

	prior, won, err := s.orders.TransitionOrder(ctx, orderID, from, to)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, prior, to)
	}

	s.logger.Info("order advanced", "order_id", orderID, "status", string(to))
	return nil
}

const orderNumberAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newOrderNumber returns the short human reference customers quote on the
// phone. Uniqueness is enforced by the database constraint; the keyspace is
// large enough that insert collisions are not a practical concern.
func newOrderNumber() string {
	b := make([]byte, 9)
	for i := range b {
		b[i] = orderNumberAlphabet[rand.IntN(len(orderNumberAlphabet))]
	}
	return string(b)
}
