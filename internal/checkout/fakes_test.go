package checkout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sokokicks/checkout/internal/domain"
	"github.com/sokokicks/checkout/internal/telemetry"
)

// memOrders is an in-memory OrderStore with the same transition semantics as
// the Postgres repository: TransitionOrder and the payment updates are
// compare-and-swap under one lock.
type memOrders struct {
	mu        sync.Mutex
	orders    map[string]*domain.Order
	payments  map[string]*domain.Payment
	callbacks []string
}

func newMemOrders() *memOrders {
	return &memOrders{
		orders:   make(map[string]*domain.Order),
		payments: make(map[string]*domain.Payment),
	}
}

func (m *memOrders) CreateOrder(_ context.Context, order *domain.Order, payment *domain.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := *order
	p := *payment
	m.orders[order.ID] = &o
	m.payments[payment.ID] = &p
	return nil
}

func (m *memOrders) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, nil
	}
	o := *order
	return &o, nil
}

func (m *memOrders) GetPaymentByRef(_ context.Context, ref string) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.CheckoutRequestID == ref && ref != "" {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memOrders) AttachCheckoutRequest(_ context.Context, paymentID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok {
		return fmt.Errorf("payment %s not found", paymentID)
	}
	p.CheckoutRequestID = ref
	return nil
}

func (m *memOrders) TransitionOrder(_ context.Context, orderID string, from []domain.OrderStatus, to domain.OrderStatus) (domain.OrderStatus, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return "", false, fmt.Errorf("order %s not found", orderID)
	}
	for _, s := range from {
		if order.Status == s {
			prior := order.Status
			order.Status = to
			return prior, true, nil
		}
	}
	return order.Status, false, nil
}

func (m *memOrders) ConfirmPayment(_ context.Context, paymentID, receipt, transactionDate string, _ []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok || p.Status != domain.PaymentStatusInitiated {
		return false, nil
	}
	p.Status = domain.PaymentStatusConfirmed
	p.MpesaReceipt = receipt
	p.TransactionDate = transactionDate
	return true, nil
}

func (m *memOrders) ClosePayment(_ context.Context, paymentID string, to domain.PaymentStatus, _ []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok || p.Status != domain.PaymentStatusInitiated {
		return false, nil
	}
	p.Status = to
	return true, nil
}

func (m *memOrders) TimeOutPayments(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.OrderID == orderID && p.Status == domain.PaymentStatusInitiated {
			p.Status = domain.PaymentStatusTimedOut
		}
	}
	return nil
}

func (m *memOrders) StaleOrders(_ context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []domain.Order
	for _, order := range m.orders {
		if len(stale) >= limit {
			break
		}
		if order.Status.HoldsReservation() && order.ReservedUntil.Before(cutoff) {
			stale = append(stale, *order)
		}
	}
	return stale, nil
}

func (m *memOrders) AppendCallback(_ context.Context, ref string, _ int, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, ref)
	return nil
}

func (m *memOrders) paymentForOrder(orderID string) *domain.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.OrderID == orderID {
			cp := *p
			return &cp
		}
	}
	return nil
}

// memStock mirrors the conditional-UPDATE stock discipline: counters never
// go negative and a failed guard returns ErrStockUnavailable.
type memStock struct {
	mu       sync.Mutex
	variants map[string]*domain.ShoeVariant
}

func newMemStock(variants ...domain.ShoeVariant) *memStock {
	m := &memStock{variants: make(map[string]*domain.ShoeVariant)}
	for _, v := range variants {
		cp := v
		m.variants[v.SKU] = &cp
	}
	return m
}

func (m *memStock) GetVariant(_ context.Context, sku string) (*domain.ShoeVariant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.variants[sku]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (m *memStock) Reserve(_ context.Context, sku string, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.variants[sku]
	if !ok || !v.Active || v.Available < quantity {
		return domain.ErrStockUnavailable
	}
	v.Available -= quantity
	v.Reserved += quantity
	return nil
}

func (m *memStock) Release(_ context.Context, sku string, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.variants[sku]
	if !ok || v.Reserved < quantity {
		return domain.ErrStockUnavailable
	}
	v.Reserved -= quantity
	v.Available += quantity
	return nil
}

func (m *memStock) Commit(_ context.Context, sku string, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.variants[sku]
	if !ok || v.Reserved < quantity {
		return domain.ErrStockUnavailable
	}
	v.Reserved -= quantity
	return nil
}

func (m *memStock) Restock(_ context.Context, sku string, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.variants[sku]
	if !ok {
		return domain.ErrStockUnavailable
	}
	v.Available += quantity
	return nil
}

func (m *memStock) snapshot(sku string) domain.ShoeVariant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.variants[sku]
}

type memCoupons struct {
	mu      sync.Mutex
	coupons map[string]*domain.Coupon
}

func newMemCoupons(coupons ...domain.Coupon) *memCoupons {
	m := &memCoupons{coupons: make(map[string]*domain.Coupon)}
	for _, c := range coupons {
		cp := c
		m.coupons[c.Code] = &cp
	}
	return m
}

func (m *memCoupons) GetCoupon(_ context.Context, code string) (*domain.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[code]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memCoupons) Redeem(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[code]
	if !ok || !c.Active || (c.UsageLimit > 0 && c.UsedCount >= c.UsageLimit) {
		return domain.ErrInvalidCoupon
	}
	c.UsedCount++
	return nil
}

func (m *memCoupons) Return(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.coupons[code]; ok && c.UsedCount > 0 {
		c.UsedCount--
	}
	return nil
}

func (m *memCoupons) usedCount(code string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coupons[code].UsedCount
}

type staticDelivery struct {
	areas map[int64]domain.DeliveryArea
}

func (d *staticDelivery) GetDeliveryArea(_ context.Context, id int64) (*domain.DeliveryArea, error) {
	area, ok := d.areas[id]
	if !ok {
		return nil, nil
	}
	return &area, nil
}

type fakeInitiator struct {
	mu    sync.Mutex
	calls int
	fail  int // fail the first n calls
	err   error
	refs  []string
}

func (f *fakeInitiator) InitiateSTKPush(_ context.Context, _ string, _ int64, accountRef string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fail {
		return "", f.err
	}
	ref := fmt.Sprintf("ws_CO_test_%d", f.calls)
	f.refs = append(f.refs, ref)
	return ref, nil
}

type memPublisher struct {
	mu     sync.Mutex
	events []any
}

func (p *memPublisher) Publish(_ context.Context, _ string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *memPublisher) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type testEnv struct {
	service  *Service
	orders   *memOrders
	stock    *memStock
	coupons  *memCoupons
	initiate *fakeInitiator
	paid     *memPublisher
	recon    *memPublisher
}

func newTestEnv(t *testing.T, variants []domain.ShoeVariant, coupons []domain.Coupon) *testEnv {
	t.Helper()

	metrics, err := telemetry.NewCheckoutMetrics()
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	env := &testEnv{
		orders:   newMemOrders(),
		stock:    newMemStock(variants...),
		coupons:  newMemCoupons(coupons...),
		initiate: &fakeInitiator{},
		paid:     &memPublisher{},
		recon:    &memPublisher{},
	}

	delivery := &staticDelivery{areas: map[int64]domain.DeliveryArea{
		1: {ID: 1, CountyCode: "047", Name: "CBD", Fee: 15000, DeliveryDays: 1, Active: true},
	}}

	env.service = NewService(
		env.orders, env.stock, env.coupons, delivery,
		env.initiate, env.paid, env.recon,
		metrics, slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config{ReservationTTL: 5 * time.Minute},
	)
	return env
}

func testVariant(sku string, price int64, available int) domain.ShoeVariant {
	return domain.ShoeVariant{
		SKU:       sku,
		ShoeName:  "Air Force 1",
		Brand:     "Nike",
		Color:     "White",
		Size:      "42",
		Price:     price,
		Available: available,
		Active:    true,
	}
}
