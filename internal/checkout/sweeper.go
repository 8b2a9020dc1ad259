package checkout

import (
	"context"
	"log/slog"
	"time"

	"github.com/sokokicks/checkout/internal/domain"
)

const staleBatchSize = 100

// ExpireStaleReservations transitions orders still pending or awaiting
// payment past their reservation deadline to expired and returns held stock
// and coupon uses. Every transition is a compare-and-swap, so the sweep is
// safe against callbacks landing on the same orders mid-sweep: exactly one
// writer wins each order.
func (s *Service) ExpireStaleReservations(ctx context.Context, now time.Time) (int, error) {
	stale, err := s.orders.StaleOrders(ctx, now, staleBatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, order := range stale {
		_, won, err := s.orders.TransitionOrder(ctx, order.ID,
			[]domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusAwaitingPayment},
			domain.OrderStatusExpired)
		if err != nil {
			return expired, err
		}
		if !won {
			// A callback settled this order between the scan and the swap.
			continue
		}

		s.releaseItems(ctx, order.Items)
		s.returnCoupon(ctx, order.CouponCode)
		if err := s.orders.TimeOutPayments(ctx, order.ID); err != nil {
			s.logger.Error("failed to time out payment", "error", err, "order_id", order.ID)
		}

		s.metrics.ExpiredReservations.Add(ctx, 1)
		s.logger.Info("reservation expired",
			"order_id", order.ID, "order_number", order.OrderNumber,
			"reserved_until", order.ReservedUntil)
		expired++
	}

	return expired, nil
}

// Sweeper drives ExpireStaleReservations on a fixed interval. It is the only
// timer-driven actor in the lifecycle; expiry never piggybacks on request
// handling.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(service *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{service: service, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			expired, err := sw.service.ExpireStaleReservations(ctx, now)
			if err != nil {
				sw.logger.Error("reservation sweep failed", "error", err)
				continue
			}
			if expired > 0 {
				sw.logger.Info("reservation sweep complete", "expired", expired)
			}
		}
	}
}
