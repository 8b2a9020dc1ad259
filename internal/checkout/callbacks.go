package checkout

import (
	"context"
	"fmt"

	"github.com/sokokicks/checkout/internal/domain"
	"github.com/sokokicks/checkout/internal/telemetry"
)

// Callback is a normalized gateway notification for one STK push attempt.
// ResultCode zero means the payer authorized the charge.
type Callback struct {
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Amount            int64
	MpesaReceipt      string
	TransactionDate   string
	Raw               []byte
}

// HandleCallback applies a gateway callback exactly once. Replays, reorders
// and unknown references are tolerated: a callback for a payment already in
// a terminal state returns that state without touching stock or re-firing
// events. Every callback, applied or ignored, lands in the append-only
// callback log.
func (s *Service) HandleCallback(ctx context.Context, cb Callback) (*domain.Payment, error) {
	if err := s.orders.AppendCallback(ctx, cb.CheckoutRequestID, cb.ResultCode, cb.Raw); err != nil {
		s.logger.Error("failed to record callback", "error", err, "checkout_request_id", cb.CheckoutRequestID)
	}

	payment, err := s.orders.GetPaymentByRef(ctx, cb.CheckoutRequestID)
	if err != nil {
		return nil, fmt.Errorf("lookup payment: %w", err)
	}
	if payment == nil {
		s.metrics.Callbacks.Add(ctx, 1, telemetry.WithResult("unknown"))
		s.logger.Warn("callback for unknown transaction", "checkout_request_id", cb.CheckoutRequestID)
		return nil, domain.ErrUnknownTransaction
	}

	if payment.Status.Terminal() {
		if payment.Status == domain.PaymentStatusTimedOut && cb.ResultCode == 0 {
			// The sweep reclaimed the reservation before this confirmation
			// landed, so the money moved but the stock may already be
			// resold. Never decrement here; hand it to a human.
			s.metrics.Callbacks.Add(ctx, 1, telemetry.WithResult("expired_conflict"))
			s.publishReconciliation(ctx, domain.ReconciliationEvent{
				CheckoutRequestID: cb.CheckoutRequestID,
				OrderID:           payment.OrderID,
				Reason:            "confirmed_after_timeout",
				Amount:            cb.Amount,
				Timestamp:         s.now(),
			})
			s.logger.Error("confirmation arrived after payment timed out",
				"order_id", payment.OrderID, "checkout_request_id", cb.CheckoutRequestID,
				"mpesa_receipt", cb.MpesaReceipt)
			return payment, domain.ErrReservationExpiredConflict
		}

		s.metrics.Callbacks.Add(ctx, 1, telemetry.WithResult("duplicate"))
		s.logger.Info("duplicate callback ignored",
			"checkout_request_id", cb.CheckoutRequestID, "status", string(payment.Status))
		return payment, domain.ErrDuplicateCallback
	}

	order, err := s.orders.GetOrder(ctx, payment.OrderID)
	if err != nil {
		return nil, fmt.Errorf("lookup order: %w", err)
	}
	if order == nil {
		return nil, fmt.Errorf("payment %s references missing order %s", payment.ID, payment.OrderID)
	}

	if cb.ResultCode != 0 {
		return s.applyFailure(ctx, cb, payment, order)
	}
	return s.applyConfirmation(ctx, cb, payment, order)
}

func (s *Service) applyFailure(ctx context.Context, cb Callback, payment *domain.Payment, order *domain.Order) (*domain.Payment, error) {
	won, err := s.orders.ClosePayment(ctx, payment.ID, domain.PaymentStatusFailed, cb.Raw)
	if err != nil {
		return nil, fmt.Errorf("close payment: %w", err)
	}
	if !won {
		// Another callback got here first. Report the settled state.
		current, err := s.orders.GetPaymentByRef(ctx, cb.CheckoutRequestID)
		if err != nil {
			return nil, err
		}
		s.metrics.Callbacks.Add(ctx, 1, telemetry.WithResult("duplicate"))
		return current, domain.ErrDuplicateCallback
	}
	payment.Status = domain.PaymentStatusFailed

	prior, moved, err := s.orders.TransitionOrder(ctx, order.ID,
		[]domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusAwaitingPayment},
		domain.OrderStatusPaymentFailed)
	if err != nil {
		return nil, fmt.Errorf("transition order: %w", err)
	}
	if moved {
		// This writer owned the live reservation; give everything back.
		s.releaseItems(ctx, order.Items)
		s.returnCoupon(ctx, order.CouponCode)
	} else {
		s.logger.Warn("payment failed but order already settled",
			"order_id", order.ID, "order_status", string(prior))
	}

	s.metrics.Callbacks.Add(ctx, 1, telemetry.WithResult("failed"))
	s.logger.Info("payment failed",
		"order_id", order.ID, "checkout_request_id", cb.CheckoutRequestID,
		"result_code", cb.ResultCode, "result_desc", cb.ResultDesc)
	return payment, nil
}

func (s *Service) applyConfirmation(ctx context.Context, cb Callback, payment *domain.Payment, order *domain.Order) (*domain.Payment, error) {
	if cb.Amount != order.Total {
		s.metrics.Callbacks.Add(ctx, 1, telemetry.WithResult("amount_mismatch"))
		s.publishReconciliation(ctx, domain.ReconciliationEvent{
			CheckoutRequestID: cb.CheckoutRequestID,
			OrderID:           order.ID,
			Reason:            "amount_mismatch",
			Amount:            cb.Amount,
			Expected:          order.Total,
			Timestamp:         s.now(),
		})
		s.logger.Error("callback amount mismatch",
			"order_id", order.ID, "got", cb.Amount, "want", order.Total)
		return payment, domain.ErrAmountMismatch
	}

	won, err := s.orders.ConfirmPayment(ctx, payment.ID, cb.MpesaReceipt, cb.TransactionDate, cb.Raw)
	if err != nil {
		return nil, fmt.Errorf("confirm payment: %w", err)
	}
	if !won {
		current, err := s.orders.GetPaymentByRef(ctx, cb.CheckoutRequestID)
		if err != nil {
			return nil, err
		}
		s.metrics.Callbacks.Add(ctx, 1, telemetry.WithResult("duplicate"))
		return current, domain.ErrDuplicateCallback
	}
	payment.Status = domain.PaymentStatusConfirmed
	payment.MpesaReceipt = cb.MpesaReceipt

	prior, moved, err := s.orders.TransitionOrder(ctx, order.ID,
		[]domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusAwaitingPayment},
		domain.OrderStatusPaid)
	if err != nil {
		return nil, fmt.Errorf("transition order: %w", err)
	}
	if !moved {
		// The reservation expired (or the order was cancelled) before the
		// confirmation landed. The money arrived but the stock may already
		// be resold: never decrement below zero here, hand it to a human.
		s.metrics.Callbacks.Add(ctx, 1, telemetry.WithResult("expired_conflict"))
		s.publishReconciliation(ctx, domain.ReconciliationEvent{
			CheckoutRequestID: cb.CheckoutRequestID,
			OrderID:           order.ID,
			Reason:            "confirmed_after_" + string(prior),
			Amount:            cb.Amount,
			Timestamp:         s.now(),
		})
		s.logger.Error("confirmation arrived after order settled",
			"order_id", order.ID, "order_status", string(prior),
			"checkout_request_id", cb.CheckoutRequestID)
		return payment, domain.ErrReservationExpiredConflict
	}

	for _, item := range order.Items {
		if err := s.stock.Commit(ctx, item.SKU, item.Quantity); err != nil {
			s.metrics.StockConflicts.Add(ctx, 1)
			s.logger.Error("failed to commit reserved stock",
				"error", err, "order_id", order.ID, "sku", item.SKU, "quantity", item.Quantity)
		}
	}

	s.metrics.Callbacks.Add(ctx, 1, telemetry.WithResult("confirmed"))
	s.logger.Info("payment confirmed",
		"order_id", order.ID, "order_number", order.OrderNumber,
		"amount", cb.Amount, "mpesa_receipt", cb.MpesaReceipt)

	// Fulfillment kickoff happens after the transition committed, outside
	// any lock. A lost event is recoverable from the order status.
	if s.paidEvents != nil {
		event := domain.OrderPaidEvent{
			OrderID:      order.ID,
			OrderNumber:  order.OrderNumber,
			UserID:       order.UserID,
			Phone:        order.Phone,
			Items:        order.Items,
			Total:        order.Total,
			MpesaReceipt: cb.MpesaReceipt,
			Timestamp:    s.now(),
		}
		if err := s.paidEvents.Publish(ctx, order.ID, event); err != nil {
			s.logger.Error("failed to publish order paid event", "error", err, "order_id", order.ID)
		}
	}

	return payment, nil
}

func (s *Service) publishReconciliation(ctx context.Context, event domain.ReconciliationEvent) {
	if s.reconEvents == nil {
		return
	}
	// Refund flags raised outside a callback have no gateway reference.
	key := event.CheckoutRequestID
	if key == "" {
		key = event.OrderID
	}
	if err := s.reconEvents.Publish(ctx, key, event); err != nil {
		s.logger.Error("failed to publish reconciliation event",
			"error", err, "checkout_request_id", event.CheckoutRequestID, "order_id", event.OrderID)
	}
}
