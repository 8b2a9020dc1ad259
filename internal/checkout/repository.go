package checkout

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/sokokicks/checkout/internal/domain"
)

// OrderRepository is the Postgres OrderStore. Status transitions take a row
// lock on the order so the checkout handler, the callback handler and the
// sweeper serialize per order; stock CAS lives in the catalog repository.
type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) CreateOrder(ctx context.Context, order *domain.Order, payment *domain.Payment) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, order_number, user_id, status, subtotal_cents, delivery_fee_cents,
			discount_cents, total_cents, coupon_code, county_code, delivery_area_id,
			address_text, phone, reservation_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12, $13, $14, $15, $15)
	`, order.ID, order.OrderNumber, order.UserID, order.Status, order.Subtotal, order.DeliveryFee,
		order.Discount, order.Total, order.CouponCode, order.CountyCode, order.DeliveryAreaID,
		order.Address, order.Phone, order.ReservedUntil, order.CreatedAt)
	if err != nil {
		return err
	}

	for _, item := range order.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, sku, quantity, unit_price_cents, subtotal_cents)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.New().String(), order.ID, item.SKU, item.Quantity, item.UnitPrice, item.Subtotal)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (id, order_id, phone, amount_cents, status, initiated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, payment.ID, payment.OrderID, payment.Phone, payment.Amount, payment.Status, payment.InitiatedAt)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (r *OrderRepository) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	order := &domain.Order{}
	var couponCode sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT id, order_number, user_id, status, subtotal_cents, delivery_fee_cents,
		       discount_cents, total_cents, coupon_code, county_code, delivery_area_id,
		       address_text, phone, reservation_expires_at, created_at, paid_at
		FROM orders
		WHERE id = $1
	`, id).Scan(&order.ID, &order.OrderNumber, &order.UserID, &order.Status, &order.Subtotal,
		&order.DeliveryFee, &order.Discount, &order.Total, &couponCode, &order.CountyCode,
		&order.DeliveryAreaID, &order.Address, &order.Phone, &order.ReservedUntil,
		&order.CreatedAt, &order.PaidAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	order.CouponCode = couponCode.String

	items, err := r.orderItems(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return order, nil
}

func (r *OrderRepository) orderItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sku, quantity, unit_price_cents, subtotal_cents
		FROM order_items
		WHERE order_id = $1
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []domain.OrderItem
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.SKU, &item.Quantity, &item.UnitPrice, &item.Subtotal); err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

func (r *OrderRepository) GetPaymentByRef(ctx context.Context, checkoutRequestID string) (*domain.Payment, error) {
	p := &domain.Payment{}
	var receipt, txnDate sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT id, order_id, checkout_request_id, phone, amount_cents, status,
		       mpesa_receipt, transaction_date, initiated_at, completed_at
		FROM payments
		WHERE checkout_request_id = $1
	`, checkoutRequestID).Scan(&p.ID, &p.OrderID, &p.CheckoutRequestID, &p.Phone, &p.Amount,
		&p.Status, &receipt, &txnDate, &p.InitiatedAt, &p.CompletedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	p.MpesaReceipt = receipt.String
	p.TransactionDate = txnDate.String

	return p, nil
}

func (r *OrderRepository) AttachCheckoutRequest(ctx context.Context, paymentID, checkoutRequestID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE payments SET checkout_request_id = $2
		WHERE id = $1
	`, paymentID, checkoutRequestID)
	return err
}

// TransitionOrder moves an order to the target status if its current status
// is in the allowed set. The SELECT ... FOR UPDATE serializes competing
// writers (callback vs sweeper vs cancel); the returned status is what the
// winner replaced or what the loser found.
func (r *OrderRepository) TransitionOrder(ctx context.Context, orderID string, from []domain.OrderStatus, to domain.OrderStatus) (domain.OrderStatus, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback() }()

	var current domain.OrderStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM orders WHERE id = $1 FOR UPDATE
	`, orderID).Scan(&current)
	if err != nil {
		return "", false, err
	}

	allowed := false
	for _, s := range from {
		if current == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return current, false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2,
		    updated_at = NOW(),
		    paid_at = CASE WHEN $2 = 'paid' THEN NOW() ELSE paid_at END,
		    shipped_at = CASE WHEN $2 = 'shipped' THEN NOW() ELSE shipped_at END,
		    delivered_at = CASE WHEN $2 = 'delivered' THEN NOW() ELSE delivered_at END,
		    cancelled_at = CASE WHEN $2 = 'cancelled' THEN NOW() ELSE cancelled_at END
		WHERE id = $1
	`, orderID, to)
	if err != nil {
		return current, false, err
	}

	if err := tx.Commit(); err != nil {
		return current, false, err
	}

	return current, true, nil
}

func (r *OrderRepository) ConfirmPayment(ctx context.Context, paymentID, receipt, transactionDate string, raw []byte) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payments
		SET status = 'confirmed', mpesa_receipt = $2, transaction_date = $3,
		    raw_callback = $4, completed_at = NOW()
		WHERE id = $1 AND status = 'initiated'
	`, paymentID, receipt, transactionDate, raw)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected > 0, nil
}

func (r *OrderRepository) ClosePayment(ctx context.Context, paymentID string, to domain.PaymentStatus, raw []byte) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $2, raw_callback = COALESCE($3, raw_callback), completed_at = NOW()
		WHERE id = $1 AND status = 'initiated'
	`, paymentID, to, raw)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected > 0, nil
}

func (r *OrderRepository) TimeOutPayments(ctx context.Context, orderID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE payments
		SET status = 'timed_out', completed_at = NOW()
		WHERE order_id = $1 AND status = 'initiated'
	`, orderID)
	return err
}

// StaleOrders scans for reservation deadlines in the past. SKIP LOCKED keeps
// concurrent sweeps (or a sweep racing a callback transaction) from piling
// up on the same rows; the CAS in TransitionOrder remains the correctness
// guard.
func (r *OrderRepository) StaleOrders(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_number, user_id, status, total_cents, coupon_code, reservation_expires_at
		FROM orders
		WHERE status = ANY($1) AND reservation_expires_at < $2
		ORDER BY reservation_expires_at
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, pq.Array([]string{string(domain.OrderStatusPending), string(domain.OrderStatusAwaitingPayment)}),
		cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var orders []domain.Order
	for rows.Next() {
		var order domain.Order
		var couponCode sql.NullString
		if err := rows.Scan(&order.ID, &order.OrderNumber, &order.UserID, &order.Status,
			&order.Total, &couponCode, &order.ReservedUntil); err != nil {
			return nil, err
		}
		order.CouponCode = couponCode.String
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range orders {
		items, err := r.orderItems(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}

	return orders, nil
}

func (r *OrderRepository) AppendCallback(ctx context.Context, checkoutRequestID string, resultCode int, payload []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO callback_log (checkout_request_id, result_code, payload, received_at)
		VALUES ($1, $2, $3, NOW())
	`, checkoutRequestID, resultCode, payload)
	return err
}
