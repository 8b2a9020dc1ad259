package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sokokicks/checkout/internal/domain"
)

func TestInitiateCheckout(t *testing.T) {
	t.Run("reserves stock and moves to awaiting_payment", func(t *testing.T) {
		env := newTestEnv(t, []domain.ShoeVariant{testVariant("AF1-WHT-42", 850000, 5)}, nil)

		order, err := env.service.InitiateCheckout(context.Background(), CheckoutRequest{
			UserID:         "user-1",
			Phone:          "254712345678",
			Address:        "Moi Avenue, Nairobi",
			DeliveryAreaID: 1,
			Lines:          []CheckoutLine{{SKU: "AF1-WHT-42", Quantity: 2}},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if order.Status != domain.OrderStatusAwaitingPayment {
			t.Errorf("expected awaiting_payment, got %s", order.Status)
		}
		if order.Subtotal != 1700000 {
			t.Errorf("expected subtotal 1700000, got %d", order.Subtotal)
		}
		if order.Total != 1700000+15000 {
			t.Errorf("expected total 1715000, got %d", order.Total)
		}
		if len(order.OrderNumber) != 9 {
			t.Errorf("expected 9-char order number, got %q", order.OrderNumber)
		}

		v := env.stock.snapshot("AF1-WHT-42")
		if v.Available != 3 || v.Reserved != 2 {
			t.Errorf("expected available=3 reserved=2, got available=%d reserved=%d", v.Available, v.Reserved)
		}

		payment := env.orders.paymentForOrder(order.ID)
		if payment == nil {
			t.Fatal("expected a payment record")
		}
		if payment.Amount != order.Total {
			t.Errorf("payment amount %d does not match order total %d", payment.Amount, order.Total)
		}
		if payment.CheckoutRequestID == "" {
			t.Error("expected checkout request id to be attached")
		}
	})

	t.Run("applies coupon discount and redeems a use", func(t *testing.T) {
		env := newTestEnv(t, []domain.ShoeVariant{testVariant("AF1-WHT-42", 850000, 5)},
			[]domain.Coupon{{
				Code: "KARIBU10", Kind: domain.CouponKindPercent, Value: 10,
				MaxDiscount: 150000, UsageLimit: 10, Active: true,
				ValidFrom: time.Now().Add(-time.Hour), ValidTo: time.Now().Add(time.Hour),
			}})

		order, err := env.service.InitiateCheckout(context.Background(), CheckoutRequest{
			UserID: "user-1", Phone: "254712345678", Address: "Moi Avenue",
			DeliveryAreaID: 1, CouponCode: "KARIBU10",
			Lines: []CheckoutLine{{SKU: "AF1-WHT-42", Quantity: 1}},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if order.Discount != 85000 {
			t.Errorf("expected discount 85000, got %d", order.Discount)
		}
		if order.Total != 850000+15000-85000 {
			t.Errorf("unexpected total %d", order.Total)
		}
		if got := env.coupons.usedCount("KARIBU10"); got != 1 {
			t.Errorf("expected used_count 1, got %d", got)
		}
	})

	t.Run("rounds the total up to a whole shilling", func(t *testing.T) {
		env := newTestEnv(t, []domain.ShoeVariant{testVariant("AF1-WHT-42", 84975, 5)}, nil)

		order, err := env.service.InitiateCheckout(context.Background(), CheckoutRequest{
			UserID: "user-1", Phone: "254712345678", Address: "Moi Avenue",
			DeliveryAreaID: 1,
			Lines:          []CheckoutLine{{SKU: "AF1-WHT-42", Quantity: 1}},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// 84975 + 15000 = 99975 cents; the gateway can only charge whole
		// shillings, so the order is billed at 100000.
		if order.Total != 100000 {
			t.Errorf("expected total 100000, got %d", order.Total)
		}
		if order.Total%100 != 0 {
			t.Errorf("total must be a whole-shilling amount, got %d", order.Total)
		}

		payment := env.orders.paymentForOrder(order.ID)
		if payment.Amount != order.Total {
			t.Errorf("payment amount %d does not match order total %d", payment.Amount, order.Total)
		}
	})

	t.Run("rejects a coupon below its minimum order", func(t *testing.T) {
		env := newTestEnv(t, []domain.ShoeVariant{testVariant("AF1-WHT-42", 850000, 5)},
			[]domain.Coupon{{
				Code: "BIGSPENDER", Kind: domain.CouponKindFixed, Value: 100000,
				MinOrder: 2000000, UsageLimit: 1, Active: true,
				ValidFrom: time.Now().Add(-time.Hour), ValidTo: time.Now().Add(time.Hour),
			}})

		_, err := env.service.InitiateCheckout(context.Background(), CheckoutRequest{
			UserID: "user-1", Phone: "254712345678", Address: "Moi Avenue",
			DeliveryAreaID: 1, CouponCode: "BIGSPENDER",
			Lines: []CheckoutLine{{SKU: "AF1-WHT-42", Quantity: 1}},
		})
		if !errors.Is(err, domain.ErrInvalidCoupon) {
			t.Fatalf("expected ErrInvalidCoupon, got %v", err)
		}

		if got := env.coupons.usedCount("BIGSPENDER"); got != 0 {
			t.Errorf("a rejected coupon must not burn a use, got used_count %d", got)
		}
		v := env.stock.snapshot("AF1-WHT-42")
		if v.Available != 5 || v.Reserved != 0 {
			t.Errorf("stock should be untouched, got available=%d reserved=%d", v.Available, v.Reserved)
		}
	})

	t.Run("rejects expired coupon before touching stock", func(t *testing.T) {
		env := newTestEnv(t, []domain.ShoeVariant{testVariant("AF1-WHT-42", 850000, 5)},
			[]domain.Coupon{{
				Code: "OLD", Kind: domain.CouponKindPercent, Value: 10, Active: true,
				ValidFrom: time.Now().Add(-48 * time.Hour), ValidTo: time.Now().Add(-24 * time.Hour),
			}})

		_, err := env.service.InitiateCheckout(context.Background(), CheckoutRequest{
			UserID: "user-1", Phone: "254712345678", Address: "Moi Avenue",
			DeliveryAreaID: 1, CouponCode: "OLD",
			Lines: []CheckoutLine{{SKU: "AF1-WHT-42", Quantity: 1}},
		})
		if !errors.Is(err, domain.ErrInvalidCoupon) {
			t.Fatalf("expected ErrInvalidCoupon, got %v", err)
		}

		v := env.stock.snapshot("AF1-WHT-42")
		if v.Available != 5 || v.Reserved != 0 {
			t.Errorf("stock should be untouched, got available=%d reserved=%d", v.Available, v.Reserved)
		}
	})

	t.Run("rejects unknown delivery area", func(t *testing.T) {
		env := newTestEnv(t, []domain.ShoeVariant{testVariant("AF1-WHT-42", 850000, 5)}, nil)

		_, err := env.service.InitiateCheckout(context.Background(), CheckoutRequest{
			UserID: "user-1", Phone: "254712345678", Address: "Somewhere",
			DeliveryAreaID: 999,
			Lines:          []CheckoutLine{{SKU: "AF1-WHT-42", Quantity: 1}},
		})
		if !errors.Is(err, domain.ErrUnknownDeliveryArea) {
			t.Fatalf("expected ErrUnknownDeliveryArea, got %v", err)
		}
	})

	t.Run("releases partial reservations when a later line fails", func(t *testing.T) {
		env := newTestEnv(t, []domain.ShoeVariant{
			testVariant("AF1-WHT-42", 850000, 5),
			testVariant("SB-CLD-44", 620000, 1),
		}, nil)

		_, err := env.service.InitiateCheckout(context.Background(), CheckoutRequest{
			UserID: "user-1", Phone: "254712345678", Address: "Moi Avenue",
			DeliveryAreaID: 1,
			Lines: []CheckoutLine{
				{SKU: "AF1-WHT-42", Quantity: 2},
				{SKU: "SB-CLD-44", Quantity: 3},
			},
		})
		if !errors.Is(err, domain.ErrStockUnavailable) {
			t.Fatalf("expected ErrStockUnavailable, got %v", err)
		}

		for _, sku := range []string{"AF1-WHT-42", "SB-CLD-44"} {
			v := env.stock.snapshot(sku)
			if v.Reserved != 0 {
				t.Errorf("%s: expected reserved 0 after rollback, got %d", sku, v.Reserved)
			}
		}
		v := env.stock.snapshot("AF1-WHT-42")
		if v.Available != 5 {
			t.Errorf("expected available restored to 5, got %d", v.Available)
		}
	})

	t.Run("two buyers cannot both reserve the last pair", func(t *testing.T) {
		env := newTestEnv(t, []domain.ShoeVariant{testVariant("AF1-WHT-42", 850000, 2)}, nil)

		req := CheckoutRequest{
			UserID: "user-1", Phone: "254712345678", Address: "Moi Avenue",
			DeliveryAreaID: 1,
			Lines:          []CheckoutLine{{SKU: "AF1-WHT-42", Quantity: 2}},
		}

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = env.service.InitiateCheckout(context.Background(), req)
			}(i)
		}
		wg.Wait()

		var won, lost int
		for _, err := range errs {
			switch {
			case err == nil:
				won++
			case errors.Is(err, domain.ErrStockUnavailable):
				lost++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if won != 1 || lost != 1 {
			t.Errorf("expected exactly one winner, got won=%d lost=%d", won, lost)
		}

		v := env.stock.snapshot("AF1-WHT-42")
		if v.Available != 0 || v.Reserved != 2 {
			t.Errorf("expected available=0 reserved=2, got available=%d reserved=%d", v.Available, v.Reserved)
		}
	})

	t.Run("leaves order pending when the gateway is unreachable", func(t *testing.T) {
		env := newTestEnv(t, []domain.ShoeVariant{testVariant("AF1-WHT-42", 850000, 5)}, nil)
		env.initiate.fail = 100
		env.initiate.err = errors.New("connection refused")

		order, err := env.service.InitiateCheckout(context.Background(), CheckoutRequest{
			UserID: "user-1", Phone: "254712345678", Address: "Moi Avenue",
			DeliveryAreaID: 1,
			Lines:          []CheckoutLine{{SKU: "AF1-WHT-42", Quantity: 1}},
		})
		if !errors.Is(err, domain.ErrGatewayUnreachable) {
			t.Fatalf("expected ErrGatewayUnreachable, got %v", err)
		}
		if order == nil {
			t.Fatal("expected the pending order back")
		}

		stored, err := env.orders.GetOrder(context.Background(), order.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if stored.Status != domain.OrderStatusPending {
			t.Errorf("expected order to stay pending, got %s", stored.Status)
		}

		// The reservation stays held until the sweeper reclaims it.
		v := env.stock.snapshot("AF1-WHT-42")
		if v.Reserved != 1 {
			t.Errorf("expected reservation held, got reserved=%d", v.Reserved)
		}
	})

	t.Run("retries the push and succeeds on a later attempt", func(t *testing.T) {
		env := newTestEnv(t, []domain.ShoeVariant{testVariant("AF1-WHT-42", 850000, 5)}, nil)
		env.initiate.fail = 1
		env.initiate.err = errors.New("timeout")

		order, err := env.service.InitiateCheckout(context.Background(), CheckoutRequest{
			UserID: "user-1", Phone: "254712345678", Address: "Moi Avenue",
			DeliveryAreaID: 1,
			Lines:          []CheckoutLine{{SKU: "AF1-WHT-42", Quantity: 1}},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if order.Status != domain.OrderStatusAwaitingPayment {
			t.Errorf("expected awaiting_payment, got %s", order.Status)
		}
		if env.initiate.calls != 2 {
			t.Errorf("expected 2 push attempts, got %d", env.initiate.calls)
		}
	})
}

func TestCancelOrder(t *testing.T) {
	t.Run("cancel before payment releases stock and coupon", func(t *testing.T) {
		env := newTestEnv(t, []domain.ShoeVariant{testVariant("AF1-WHT-42", 850000, 5)},
			[]domain.Coupon{{
				Code: "KARIBU10", Kind: domain.CouponKindPercent, Value: 10, Active: true,
				ValidFrom: time.Now().Add(-time.Hour), ValidTo: time.Now().Add(time.Hour),
			}})

		order, err := env.service.InitiateCheckout(context.Background(), CheckoutRequest{
			UserID: "user-1", Phone: "254712345678", Address: "Moi Avenue",
			DeliveryAreaID: 1, CouponCode: "KARIBU10",
			Lines: []CheckoutLine{{SKU: "AF1-WHT-42", Quantity: 2}},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		cancelled, err := env.service.CancelOrder(context.Background(), order.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cancelled.Status != domain.OrderStatusCancelled {
			t.Errorf("expected cancelled, got %s", cancelled.Status)
		}

		v := env.stock.snapshot("AF1-WHT-42")
		if v.Available != 5 || v.Reserved != 0 {
			t.Errorf("expected stock fully released, got available=%d reserved=%d", v.Available, v.Reserved)
		}
		if got := env.coupons.usedCount("KARIBU10"); got != 0 {
			t.Errorf("expected coupon use returned, got used_count %d", got)
		}

		payment := env.orders.paymentForOrder(order.ID)
		if payment.Status != domain.PaymentStatusTimedOut {
			t.Errorf("expected payment timed_out, got %s", payment.Status)
		}
	})

	t.Run("cancel after payment restocks and flags a refund", func(t *testing.T) {
		env := newTestEnv(t, []domain.ShoeVariant{testVariant("AF1-WHT-42", 850000, 5)},
			[]domain.Coupon{{
				Code: "KARIBU10", Kind: domain.CouponKindPercent, Value: 10, Active: true,
				ValidFrom: time.Now().Add(-time.Hour), ValidTo: time.Now().Add(time.Hour),
			}})
		order, ref := initiateTestCheckout(t, env, "KARIBU10")

		if _, err := env.service.HandleCallback(context.Background(), Callback{
			CheckoutRequestID: ref, ResultCode: 0,
			Amount: order.Total, MpesaReceipt: "SGR7KLMNOP",
		}); err != nil {
			t.Fatalf("confirmation failed: %v", err)
		}

		cancelled, err := env.service.CancelOrder(context.Background(), order.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cancelled.Status != domain.OrderStatusCancelled {
			t.Errorf("expected cancelled, got %s", cancelled.Status)
		}

		v := env.stock.snapshot("AF1-WHT-42")
		if v.Available != 5 || v.Reserved != 0 {
			t.Errorf("committed stock must return on paid cancellation, got available=%d reserved=%d", v.Available, v.Reserved)
		}
		if got := env.coupons.usedCount("KARIBU10"); got != 0 {
			t.Errorf("expected coupon use returned, got used_count %d", got)
		}
		if env.recon.len() != 1 {
			t.Errorf("a paid cancellation needs a refund flag, got %d reconciliation events", env.recon.len())
		}
	})

	t.Run("cancel after fulfillment started is rejected", func(t *testing.T) {
		env := newTestEnv(t, []domain.ShoeVariant{testVariant("AF1-WHT-42", 850000, 5)}, nil)

		order, err := env.service.InitiateCheckout(context.Background(), CheckoutRequest{
			UserID: "user-1", Phone: "254712345678", Address: "Moi Avenue",
			DeliveryAreaID: 1,
			Lines:          []CheckoutLine{{SKU: "AF1-WHT-42", Quantity: 1}},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		env.orders.mu.Lock()
		env.orders.orders[order.ID].Status = domain.OrderStatusProcessing
		env.orders.mu.Unlock()

		_, err = env.service.CancelOrder(context.Background(), order.ID)
		if !errors.Is(err, domain.ErrOrderNotCancellable) {
			t.Fatalf("expected ErrOrderNotCancellable, got %v", err)
		}
	})

	t.Run("cancel unknown order returns nil", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)

		order, err := env.service.CancelOrder(context.Background(), "no-such-order")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if order != nil {
			t.Errorf("expected nil order, got %+v", order)
		}
	})
}

func TestAdvanceFulfillment(t *testing.T) {
	env := newTestEnv(t, []domain.ShoeVariant{testVariant("AF1-WHT-42", 850000, 5)}, nil)

	order, err := env.service.InitiateCheckout(context.Background(), CheckoutRequest{
		UserID: "user-1", Phone: "254712345678", Address: "Moi Avenue",
		DeliveryAreaID: 1,
		Lines:          []CheckoutLine{{SKU: "AF1-WHT-42", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("rejects processing before payment", func(t *testing.T) {
		err := env.service.AdvanceFulfillment(context.Background(), order.ID, domain.OrderStatusProcessing)
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("walks paid through delivered in order", func(t *testing.T) {
		env.orders.mu.Lock()
		env.orders.orders[order.ID].Status = domain.OrderStatusPaid
		env.orders.mu.Unlock()

		for _, status := range []domain.OrderStatus{
			domain.OrderStatusProcessing,
			domain.OrderStatusShipped,
			domain.OrderStatusDelivered,
		} {
			if err := env.service.AdvanceFulfillment(context.Background(), order.ID, status); err != nil {
				t.Fatalf("advance to %s: %v", status, err)
			}
		}
	})

	t.Run("rejects skipping a stage", func(t *testing.T) {
		err := env.service.AdvanceFulfillment(context.Background(), order.ID, domain.OrderStatusShipped)
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("rejects statuses outside the fulfillment chain", func(t *testing.T) {
		err := env.service.AdvanceFulfillment(context.Background(), order.ID, domain.OrderStatusPaid)
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
	})
}
