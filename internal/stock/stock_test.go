package stock

import (
	"context"
	"sync"
	"testing"

	"github.com/buildtall-systems/ticketstock/internal/alert"
	"github.com/buildtall-systems/ticketstock/internal/db"
	"github.com/buildtall-systems/ticketstock/internal/order"
	"github.com/buildtall-systems/ticketstock/internal/status"
	"github.com/buildtall-systems/ticketstock/internal/ticket"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *db.DB {
	t.Helper()

	store, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTicket(t *testing.T, store *db.DB, tk ticket.Ticket) *ticket.Ticket {
	t.Helper()
	if tk.Name == "" {
		tk.Name = "General Admission"
	}
	created, err := store.CreateTicket(context.Background(), tk)
	require.NoError(t, err)
	return created
}

func reload(t *testing.T, store *db.DB, id int64) *ticket.Ticket {
	t.Helper()
	tk, err := store.Ticket(context.Background(), id)
	require.NoError(t, err)
	return tk
}

func lookup(t *testing.T, slug string) status.Status {
	t.Helper()
	s, err := status.DefaultCatalog().Lookup(slug)
	require.NoError(t, err)
	return s
}

func ticketOrder(id int64, items ...order.Item) *order.Order {
	return &order.Order{ID: id, RecordType: order.RecordTypeCommerce, Items: items, Ledger: order.Ledger{}}
}

// placeOrder persists a created order so ledger writes have a row to reference.
func placeOrder(t *testing.T, store *db.DB, items ...order.Item) *order.Order {
	t.Helper()
	o, err := store.CreateOrder(context.Background(), order.RecordTypeCommerce, status.Created, items)
	require.NoError(t, err)
	return o
}

func ticketItem(ticketID int64, qty int) order.Item {
	return order.Item{Type: order.ItemTicket, TicketID: ticketID, Quantity: qty}
}

// capturePublisher records signals together with a stock reading taken at
// publish time.
type capturePublisher struct {
	mu      sync.Mutex
	store   *db.DB
	ticket  int64
	signals []alert.InsufficientStock
	stockAt []int
	err     error
}

func (p *capturePublisher) Publish(ctx context.Context, sig alert.InsufficientStock) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
	if p.store != nil {
		tk, err := p.store.Ticket(ctx, p.ticket)
		if err == nil {
			p.stockAt = append(p.stockAt, tk.Stock)
		}
	}
	return p.err
}
