package catalog

import (
	"context"
	"database/sql"

	"github.com/sokokicks/checkout/internal/domain"
)

type VariantRepository struct {
	db *sql.DB
}

func NewVariantRepository(db *sql.DB) *VariantRepository {
	return &VariantRepository{db: db}
}

func (r *VariantRepository) GetVariant(ctx context.Context, sku string) (*domain.ShoeVariant, error) {
	v := &domain.ShoeVariant{}

	err := r.db.QueryRowContext(ctx, `
		SELECT sku, shoe_name, brand, color, size, price_cents, available, reserved, active, updated_at
		FROM shoe_variants
		WHERE sku = $1
	`, sku).Scan(&v.SKU, &v.ShoeName, &v.Brand, &v.Color, &v.Size, &v.Price, &v.Available, &v.Reserved, &v.Active, &v.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return v, nil
}

func (r *VariantRepository) ListVariants(ctx context.Context) ([]domain.ShoeVariant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sku, shoe_name, brand, color, size, price_cents, available, reserved, active, updated_at
		FROM shoe_variants
		WHERE active
		ORDER BY sku
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var variants []domain.ShoeVariant
	for rows.Next() {
		var v domain.ShoeVariant
		if err := rows.Scan(&v.SKU, &v.ShoeName, &v.Brand, &v.Color, &v.Size, &v.Price, &v.Available, &v.Reserved, &v.Active, &v.UpdatedAt); err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return variants, nil
}

// Reserve moves quantity from available to reserved. The conditional UPDATE
// is the only guard against overselling: concurrent checkouts race on the
// same row and the loser sees zero rows affected.
func (r *VariantRepository) Reserve(ctx context.Context, sku string, quantity int) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE shoe_variants
		SET available = available - $2, reserved = reserved + $2, updated_at = NOW()
		WHERE sku = $1 AND active AND available >= $2
	`, sku, quantity)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return domain.ErrStockUnavailable
	}

	return nil
}

// Release returns reserved quantity to availability (payment failure,
// reservation expiry, cancellation).
func (r *VariantRepository) Release(ctx context.Context, sku string, quantity int) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE shoe_variants
		SET available = available + $2, reserved = reserved - $2, updated_at = NOW()
		WHERE sku = $1 AND reserved >= $2
	`, sku, quantity)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return domain.ErrStockUnavailable
	}

	return nil
}

// Restock returns committed quantity to availability after a post-payment
// cancellation. Unconditional: the units were already decremented, adding
// them back cannot break an invariant.
func (r *VariantRepository) Restock(ctx context.Context, sku string, quantity int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE shoe_variants
		SET available = available + $2, updated_at = NOW()
		WHERE sku = $1
	`, sku, quantity)
	return err
}

// Commit removes reserved quantity definitively on payment confirmation.
// The reserved >= guard keeps the counter from going negative even if a
// buggy caller double-commits.
func (r *VariantRepository) Commit(ctx context.Context, sku string, quantity int) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE shoe_variants
		SET reserved = reserved - $2, updated_at = NOW()
		WHERE sku = $1 AND reserved >= $2
	`, sku, quantity)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return domain.ErrStockUnavailable
	}

	return nil
}
