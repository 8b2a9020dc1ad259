package pricing

import (
	"context"
	"database/sql"

	"github.com/sokokicks/checkout/internal/domain"
)

type DeliveryRepository struct {
	db *sql.DB
}

func NewDeliveryRepository(db *sql.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

// GetDeliveryArea resolves an active area and its fee. Inactive counties
// disable all of their areas.
func (r *DeliveryRepository) GetDeliveryArea(ctx context.Context, id int64) (*domain.DeliveryArea, error) {
	area := &domain.DeliveryArea{}

	err := r.db.QueryRowContext(ctx, `
		SELECT a.id, a.county_code, a.name, a.fee_cents, a.delivery_days, a.active
		FROM delivery_areas a
		JOIN counties c ON c.code = a.county_code
		WHERE a.id = $1 AND a.active AND c.active
	`, id).Scan(&area.ID, &area.CountyCode, &area.Name, &area.Fee, &area.DeliveryDays, &area.Active)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return area, nil
}

func (r *DeliveryRepository) ListCounties(ctx context.Context) ([]domain.County, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT code, name, active
		FROM counties
		WHERE active
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var counties []domain.County
	for rows.Next() {
		var c domain.County
		if err := rows.Scan(&c.Code, &c.Name, &c.Active); err != nil {
			return nil, err
		}
		counties = append(counties, c)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return counties, nil
}

func (r *DeliveryRepository) ListAreas(ctx context.Context, countyCode string) ([]domain.DeliveryArea, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, county_code, name, fee_cents, delivery_days, active
		FROM delivery_areas
		WHERE county_code = $1 AND active
		ORDER BY name
	`, countyCode)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var areas []domain.DeliveryArea
	for rows.Next() {
		var a domain.DeliveryArea
		if err := rows.Scan(&a.ID, &a.CountyCode, &a.Name, &a.Fee, &a.DeliveryDays, &a.Active); err != nil {
			return nil, err
		}
		areas = append(areas, a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return areas, nil
}
