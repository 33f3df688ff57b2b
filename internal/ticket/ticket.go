package ticket

import (
	"context"
	"errors"
)

// Unlimited is the capacity sentinel for tickets without a sales limit.
const Unlimited = -1

// StockMode classifies how a ticket's inventory is tracked.
type StockMode string

const (
	// ModeOwn tracks stock on the ticket itself.
	ModeOwn StockMode = "own"
	// ModeGlobal draws from a stock pool shared by the event's tickets.
	ModeGlobal StockMode = "global"
	// ModeCapped draws a bounded slice of the shared pool.
	ModeCapped StockMode = "capped"
)

// Valid reports whether m is a known stock mode.
func (m StockMode) Valid() bool {
	switch m {
	case ModeOwn, ModeGlobal, ModeCapped:
		return true
	}
	return false
}

// ErrNotFound indicates the ticket does not exist.
var ErrNotFound = errors.New("ticket not found")

// Ticket is the inventory record of a sellable ticket.
type Ticket struct {
	ID          int64
	EventID     int64
	Name        string
	Capacity    int
	Stock       int
	Sold        int // units currently held by orders
	TotalSales  int
	ManageStock bool
	StockMode   StockMode
}

// IsUnlimited reports whether the ticket has no capacity limit.
func (t *Ticket) IsUnlimited() bool {
	return t.Capacity < 0
}

// IsPooled reports whether the ticket draws from a shared stock pool.
func (t *Ticket) IsPooled() bool {
	return t.StockMode == ModeGlobal || t.StockMode == ModeCapped
}

// Available returns the number of units that can still be sold. Unlimited
// tickets report the Unlimited sentinel.
func (t *Ticket) Available() int {
	if t.IsUnlimited() {
		return t.Capacity
	}
	return max(t.Stock, 0)
}

// Repository resolves tickets by id.
type Repository interface {
	Ticket(ctx context.Context, id int64) (*Ticket, error)
}
