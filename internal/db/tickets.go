package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/buildtall-systems/ticketstock/internal/ticket"
)

// ErrInvalidTicket indicates a ticket definition that cannot be stored.
var ErrInvalidTicket = errors.New("invalid ticket")

const ticketColumns = `id, event_id, name, capacity, stock, sold, total_sales, manage_stock, stock_mode`

func scanTicket(row interface{ Scan(...any) error }) (*ticket.Ticket, error) {
	var t ticket.Ticket
	var mode string
	if err := row.Scan(&t.ID, &t.EventID, &t.Name, &t.Capacity, &t.Stock, &t.Sold, &t.TotalSales, &t.ManageStock, &mode); err != nil {
		return nil, err
	}
	t.StockMode = ticket.StockMode(mode)
	return &t, nil
}

// CreateTicket stores a new ticket. Stock starts at capacity.
func (db *DB) CreateTicket(ctx context.Context, t ticket.Ticket) (*ticket.Ticket, error) {
	if t.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidTicket)
	}
	if t.StockMode == "" {
		t.StockMode = ticket.ModeOwn
	}
	if !t.StockMode.Valid() {
		return nil, fmt.Errorf("%w: unknown stock mode %q", ErrInvalidTicket, t.StockMode)
	}
	if t.Capacity < ticket.Unlimited {
		return nil, fmt.Errorf("%w: capacity %d", ErrInvalidTicket, t.Capacity)
	}
	t.Stock = max(t.Capacity, 0)

	result, err := db.ExecContext(ctx, `
		INSERT INTO tickets (event_id, name, capacity, stock, manage_stock, stock_mode)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.EventID, t.Name, t.Capacity, t.Stock, t.ManageStock, string(t.StockMode))
	if err != nil {
		return nil, fmt.Errorf("creating ticket: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting ticket id: %w", err)
	}
	t.ID = id
	return &t, nil
}

// Ticket returns a ticket by id.
func (db *DB) Ticket(ctx context.Context, id int64) (*ticket.Ticket, error) {
	t, err := scanTicket(db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ticket.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying ticket: %w", err)
	}
	return t, nil
}

// FreshTicket is Ticket; the database is the authoritative source.
func (db *DB) FreshTicket(ctx context.Context, id int64) (*ticket.Ticket, error) {
	return db.Ticket(ctx, id)
}

// ListTickets returns every ticket ordered by id.
func (db *DB) ListTickets(ctx context.Context) ([]ticket.Ticket, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+ticketColumns+` FROM tickets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying tickets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tickets []ticket.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ticket: %w", err)
		}
		tickets = append(tickets, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tickets: %w", err)
	}
	return tickets, nil
}

// SetStock assigns the ticket's stock.
func (db *DB) SetStock(ctx context.Context, id int64, stock int) error {
	return db.updateTicket(ctx, id, "setting stock", `
		UPDATE tickets SET stock = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, stock, id)
}

// AdjustSold adds delta to the held-units counter, flooring at zero.
func (db *DB) AdjustSold(ctx context.Context, id int64, delta int) error {
	return db.updateTicket(ctx, id, "adjusting sold", `
		UPDATE tickets SET sold = MAX(sold + ?, 0), updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, delta, id)
}

// AdjustTotalSales adds delta to the global sales counter, flooring at zero.
func (db *DB) AdjustTotalSales(ctx context.Context, id int64, delta int) error {
	return db.updateTicket(ctx, id, "adjusting total sales", `
		UPDATE tickets SET total_sales = MAX(total_sales + ?, 0), updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, delta, id)
}

func (db *DB) updateTicket(ctx context.Context, id int64, what, query string, args ...any) error {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ticket.ErrNotFound
	}
	return nil
}

// FlagPool marks an event's shared stock pool for recalculation.
func (db *DB) FlagPool(ctx context.Context, eventID int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO pool_flags (event_id) VALUES (?)
		ON CONFLICT (event_id) DO UPDATE SET flagged_at = CURRENT_TIMESTAMP
	`, eventID)
	if err != nil {
		return fmt.Errorf("flagging pool: %w", err)
	}
	return nil
}

// PoolFlagged reports whether an event's pool is awaiting recalculation.
func (db *DB) PoolFlagged(ctx context.Context, eventID int64) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pool_flags WHERE event_id = ?`, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying pool flag: %w", err)
	}
	return n > 0, nil
}

// ClearPoolFlag removes the recalculation mark for an event.
func (db *DB) ClearPoolFlag(ctx context.Context, eventID int64) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM pool_flags WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("clearing pool flag: %w", err)
	}
	return nil
}
