package store

import (
	"context"
	"database/sql"
	"fmt"

	"shop-order-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateOrder inserts a new order row
func (t *Tx) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (code, user_id, name, phone, address, province_id, district_id, ward_id,
			total_price, discount_value, final_price, shipping_fee,
			status, payment_method, payment_status, voucher_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, created_at, updated_at`

	return t.tx.GetContext(ctx, order, query,
		order.Code, order.UserID, order.Name, order.Phone, order.Address,
		order.ProvinceID, order.DistrictID, order.WardID,
		order.TotalPrice, order.DiscountValue, order.FinalPrice, order.ShippingFee,
		order.Status, order.PaymentMethod, order.PaymentStatus, order.VoucherID)
}

// OrderCodeExists reports whether an order already uses the given code
func (t *Tx) OrderCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM orders WHERE code = $1)", code)
	return exists, err
}

// CreateOrderItem inserts one order line
func (t *Tx) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, variant_id, price, quantity, total)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	return t.tx.GetContext(ctx, &item.ID, query,
		item.OrderID, item.VariantID, item.Price, item.Quantity, item.Total)
}

// AppendStatusHistory appends one audit row for a status transition
func (t *Tx) AppendStatusHistory(ctx context.Context, entry *models.OrderStatusHistory) error {
	query := `
		INSERT INTO order_status_histories (order_id, old_status, new_status, changed_by, note)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	return t.tx.GetContext(ctx, entry, query,
		entry.OrderID, entry.OldStatus, entry.NewStatus, entry.ChangedBy, entry.Note)
}

// GetOrderByIDForUpdate locks an order row for the rest of the transaction
func (t *Tx) GetOrderByIDForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := t.tx.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1 FOR UPDATE", id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByCodeForUpdate locks an order row located by its code
func (t *Tx) GetOrderByCodeForUpdate(ctx context.Context, code string) (*models.Order, error) {
	var order models.Order
	err := t.tx.GetContext(ctx, &order, "SELECT * FROM orders WHERE code = $1 FOR UPDATE", code)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrderStatus moves an order to a new status
func (t *Tx) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		status, orderID)
	return err
}

// MarkOrderPaid records a confirmed payment, overwriting total_price
// with the amount the gateway reported
func (t *Tx) MarkOrderPaid(ctx context.Context, orderID int64, totalPrice int64) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE orders SET payment_status = $1, total_price = $2, updated_at = NOW() WHERE id = $3",
		models.PaymentStatusPaid, totalPrice, orderID)
	return err
}

// MarkOrderCompleted closes out a delivered order and refreshes its timestamps
func (t *Tx) MarkOrderCompleted(ctx context.Context, orderID int64) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, payment_status = $2, created_at = NOW(), updated_at = NOW() WHERE id = $3",
		models.OrderStatusCompleted, models.PaymentStatusPaid, orderID)
	return err
}

// GetOrderItems retrieves the lines of an order within the transaction
func (t *Tx) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := t.tx.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// DeleteCartItems removes the given variants from a user's cart
func (t *Tx) DeleteCartItems(ctx context.Context, userID int64, variantIDs []int64) error {
	if len(variantIDs) == 0 {
		return nil
	}

	query, args, err := sqlx.In(
		"DELETE FROM cart_items WHERE user_id = ? AND variant_id IN (?)", userID, variantIDs)
	if err != nil {
		return err
	}
	query = t.tx.Rebind(query)

	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to clear cart for user %d: %w", userID, err)
	}
	return nil
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderItemsByOrderID retrieves all lines for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// GetOrderHistory retrieves the status audit trail for an order
func (s *Store) GetOrderHistory(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error) {
	var entries []models.OrderStatusHistory
	err := s.db.SelectContext(ctx, &entries,
		"SELECT * FROM order_status_histories WHERE order_id = $1 ORDER BY id", orderID)
	return entries, err
}

// ListOrdersByUser retrieves a user's orders newest first, optionally
// filtered by code
func (s *Store) ListOrdersByUser(ctx context.Context, userID int64, code string) ([]models.Order, error) {
	var orders []models.Order
	if code != "" {
		err := s.db.SelectContext(ctx, &orders,
			"SELECT * FROM orders WHERE user_id = $1 AND code = $2 ORDER BY id DESC", userID, code)
		return orders, err
	}
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY id DESC", userID)
	return orders, err
}
