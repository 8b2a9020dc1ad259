package pricing

import (
	"context"
	"database/sql"

	"github.com/sokokicks/checkout/internal/domain"
)

type CouponRepository struct {
	db *sql.DB
}

func NewCouponRepository(db *sql.DB) *CouponRepository {
	return &CouponRepository{db: db}
}

func (r *CouponRepository) GetCoupon(ctx context.Context, code string) (*domain.Coupon, error) {
	c := &domain.Coupon{}

	err := r.db.QueryRowContext(ctx, `
		SELECT code, kind, value, min_order_cents, max_discount_cents,
		       usage_limit, used_count, valid_from, valid_to, active
		FROM coupons
		WHERE code = $1
	`, code).Scan(&c.Code, &c.Kind, &c.Value, &c.MinOrder, &c.MaxDiscount,
		&c.UsageLimit, &c.UsedCount, &c.ValidFrom, &c.ValidTo, &c.Active)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return c, nil
}

// Redeem takes one use of the coupon. The usage_limit guard lives in the
// UPDATE so two concurrent checkouts cannot both take the last slot.
func (r *CouponRepository) Redeem(ctx context.Context, code string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE coupons
		SET used_count = used_count + 1
		WHERE code = $1 AND active
		  AND valid_from <= NOW() AND valid_to >= NOW()
		  AND (usage_limit = 0 OR used_count < usage_limit)
	`, code)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return domain.ErrInvalidCoupon
	}

	return nil
}

// Return gives a redeemed use back when the order never completes
// (payment failure, expiry, cancellation before payment).
func (r *CouponRepository) Return(ctx context.Context, code string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE coupons
		SET used_count = used_count - 1
		WHERE code = $1 AND used_count > 0
	`, code)
	return err
}
