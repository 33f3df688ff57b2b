package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/buildtall-systems/ticketstock/internal/order"
)

// ErrOrderNotFound indicates order does not exist.
var ErrOrderNotFound = errors.New("order not found")

// ErrStatusConflict indicates the order's status changed underneath a transition.
var ErrStatusConflict = errors.New("order status changed concurrently")

// ErrEmptyOrder indicates an order without line items.
var ErrEmptyOrder = errors.New("order has no items")

// CreateOrder stores an order and its items in one transaction.
func (db *DB) CreateOrder(ctx context.Context, recordType, status string, items []order.Item) (*order.Order, error) {
	if len(items) == 0 {
		return nil, ErrEmptyOrder
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO orders (record_type, status) VALUES (?, ?)
	`, recordType, status)
	if err != nil {
		return nil, fmt.Errorf("creating order: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting order id: %w", err)
	}

	for i, it := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, position, type, ticket_id, quantity)
			VALUES (?, ?, ?, ?, ?)
		`, id, i, it.Type, it.TicketID, it.Quantity)
		if err != nil {
			return nil, fmt.Errorf("creating order item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	return db.GetOrder(ctx, id)
}

// GetOrder returns an order with its items and ledger.
func (db *DB) GetOrder(ctx context.Context, orderID int64) (*order.Order, error) {
	var o order.Order
	err := db.QueryRowContext(ctx, `
		SELECT id, record_type, status, created_at, updated_at FROM orders WHERE id = ?
	`, orderID).Scan(&o.ID, &o.RecordType, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying order: %w", err)
	}

	if o.Items, err = db.orderItems(ctx, orderID); err != nil {
		return nil, err
	}
	if o.Ledger, err = db.Ledger(ctx, orderID); err != nil {
		return nil, err
	}
	return &o, nil
}

func (db *DB) orderItems(ctx context.Context, orderID int64) ([]order.Item, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT type, ticket_id, quantity FROM order_items WHERE order_id = ? ORDER BY position
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("querying order items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []order.Item
	for rows.Next() {
		var it order.Item
		if err := rows.Scan(&it.Type, &it.TicketID, &it.Quantity); err != nil {
			return nil, fmt.Errorf("scanning order item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating order items: %w", err)
	}
	return items, nil
}

// ListOrders returns the most recent orders without items.
func (db *DB) ListOrders(ctx context.Context, limit int) ([]order.Order, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, record_type, status, created_at, updated_at
		FROM orders ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var orders []order.Order
	for rows.Next() {
		var o order.Order
		if err := rows.Scan(&o.ID, &o.RecordType, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating orders: %w", err)
	}
	return orders, nil
}

// UpdateOrderStatus moves the order from oldStatus to newStatus. It returns
// ErrStatusConflict if the order no longer holds oldStatus.
func (db *DB) UpdateOrderStatus(ctx context.Context, orderID int64, oldStatus, newStatus string) error {
	result, err := db.ExecContext(ctx, `
		UPDATE orders SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?
	`, newStatus, orderID, oldStatus)
	if err != nil {
		return fmt.Errorf("updating order status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := db.GetOrder(ctx, orderID); err != nil {
			return err
		}
		return fmt.Errorf("%w: expected %s", ErrStatusConflict, oldStatus)
	}
	return nil
}

// Ledger returns the order's ledger entries.
func (db *DB) Ledger(ctx context.Context, orderID int64) (order.Ledger, error) {
	rows, err := db.QueryContext(ctx, `SELECT key, value FROM order_ledger WHERE order_id = ?`, orderID)
	if err != nil {
		return nil, fmt.Errorf("querying ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ledger := order.Ledger{}
	for rows.Next() {
		var key string
		var value int
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scanning ledger entry: %w", err)
		}
		ledger[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ledger: %w", err)
	}
	return ledger, nil
}

// SetLedgerEntry stores value under key in the order's ledger.
func (db *DB) SetLedgerEntry(ctx context.Context, orderID int64, key string, value int) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO order_ledger (order_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT (order_id, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, orderID, key, value)
	if err != nil {
		return fmt.Errorf("writing ledger entry: %w", err)
	}
	return nil
}
