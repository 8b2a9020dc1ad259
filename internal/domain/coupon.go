package domain

import "time"

type CouponKind string

const (
	CouponKindPercent CouponKind = "percent"
	CouponKindFixed   CouponKind = "fixed"
)

type Coupon struct {
	Code        string     `json:"code"`
	Kind        CouponKind `json:"kind"`
	Value       int64      `json:"value"`
	MinOrder    int64      `json:"min_order"`
	MaxDiscount int64      `json:"max_discount"`
	UsageLimit  int        `json:"usage_limit"`
	UsedCount   int        `json:"used_count"`
	ValidFrom   time.Time  `json:"valid_from"`
	ValidTo     time.Time  `json:"valid_to"`
	Active      bool       `json:"active"`
}

// ValidAt checks the validity window, active flag and usage budget. It does
// not reserve a use; redemption is a separate compare-and-swap.
func (c *Coupon) ValidAt(now time.Time) bool {
	if !c.Active {
		return false
	}
	if now.Before(c.ValidFrom) || now.After(c.ValidTo) {
		return false
	}
	if c.UsageLimit > 0 && c.UsedCount >= c.UsageLimit {
		return false
	}
	return true
}

// DiscountFor returns the discount a coupon yields on the given subtotal,
// clamped so the resulting total never drops below zero.
func (c *Coupon) DiscountFor(subtotal int64) int64 {
	if subtotal < c.MinOrder {
		return 0
	}

	var discount int64
	switch c.Kind {
	case CouponKindPercent:
		discount = subtotal * c.Value / 100
	case CouponKindFixed:
		discount = c.Value
	}

	if c.MaxDiscount > 0 && discount > c.MaxDiscount {
		discount = c.MaxDiscount
	}
	if discount > subtotal {
		discount = subtotal
	}
	if discount < 0 {
		discount = 0
	}
	return discount
}
