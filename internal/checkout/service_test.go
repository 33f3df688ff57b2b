package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/buildtall-systems/ticketstock/internal/alert"
	"github.com/buildtall-systems/ticketstock/internal/db"
	"github.com/buildtall-systems/ticketstock/internal/flagaction"
	"github.com/buildtall-systems/ticketstock/internal/order"
	"github.com/buildtall-systems/ticketstock/internal/status"
	"github.com/buildtall-systems/ticketstock/internal/stock"
	"github.com/buildtall-systems/ticketstock/internal/ticket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type harness struct {
	store   *db.DB
	service *Service
}

func setup(t *testing.T) *harness {
	t.Helper()
	return setupWith(t, nil)
}

// setupWith builds the harness, letting wrap intercept inventory writes.
func setupWith(t *testing.T, wrap func(stock.Inventory) stock.Inventory) *harness {
	t.Helper()

	store, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { _ = store.Close() })

	logger := zaptest.NewLogger(t)
	cache := ticket.NewCache(store, 64, time.Minute)

	var inv stock.Inventory = cache
	if wrap != nil {
		inv = wrap(cache)
	}

	registry := flagaction.NewRegistry(logger)
	stock.RegisterActions(registry, stock.Deps{
		Tickets:   cache,
		Inventory: inv,
		Pools:     store,
		Ledger:    store,
		Publisher: alert.NewLogPublisher(logger),
		Logger:    logger,
	})

	validator := stock.NewValidator(cache, db.NewLocker(store), logger, stock.WithLockTimeout(2*time.Second))
	svc := NewService(store, validator, registry, status.DefaultCatalog(), logger)
	return &harness{store: store, service: svc}
}

func (h *harness) ticket(t *testing.T, name string, capacity int) *ticket.Ticket {
	t.Helper()
	tk, err := h.store.CreateTicket(context.Background(), ticket.Ticket{Name: name, Capacity: capacity, ManageStock: true})
	require.NoError(t, err)
	return tk
}

func (h *harness) reload(t *testing.T, id int64) *ticket.Ticket {
	t.Helper()
	tk, err := h.store.Ticket(context.Background(), id)
	require.NoError(t, err)
	return tk
}

// hookedInventory calls onAdjustSold before each sold-counter change.
type hookedInventory struct {
	stock.Inventory
	onAdjustSold func(ctx context.Context, id int64, delta int)
}

func (h *hookedInventory) AdjustSold(ctx context.Context, id int64, delta int) error {
	if h.onAdjustSold != nil {
		h.onAdjustSold(ctx, id, delta)
	}
	return h.Inventory.AdjustSold(ctx, id, delta)
}

func TestPurchaseLifecycle(t *testing.T) {
	ctx := context.Background()
	h := setup(t)
	tk := h.ticket(t, "General Admission", 100)

	o, err := h.service.Checkout(ctx, order.Cart{{TicketID: tk.ID, Quantity: 5}}, "")
	require.NoError(t, err)
	assert.Equal(t, status.Pending, o.Status)
	assert.Equal(t, order.RecordTypeCommerce, o.RecordType)
	assert.Equal(t, 95, h.reload(t, tk.ID).Available())

	o, err = h.service.Transition(ctx, o.ID, status.Completed)
	require.NoError(t, err)
	assert.Equal(t, status.Completed, o.Status)

	got := h.reload(t, tk.ID)
	assert.Equal(t, 95, got.Available(), "completing does not take stock twice")
	assert.Equal(t, 5, got.Sold)
	assert.Equal(t, 5, got.TotalSales)

	stored, err := h.service.Order(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.Ledger.Get(order.SalesLedgerKey(tk.ID)))

	_, err = h.service.Transition(ctx, o.ID, status.Refunded)
	require.NoError(t, err)

	got = h.reload(t, tk.ID)
	assert.Equal(t, 100, got.Available())
	assert.Equal(t, 0, got.Sold)
	assert.Equal(t, 0, got.TotalSales)
}

func TestCheckout_SoldOut(t *testing.T) {
	ctx := context.Background()
	h := setup(t)
	tk := h.ticket(t, "Front Row", 1)

	_, err := h.service.Checkout(ctx, order.Cart{{TicketID: tk.ID, Quantity: 1}}, "")
	require.NoError(t, err)
	assert.Equal(t, 0, h.reload(t, tk.ID).Available())

	_, err = h.service.Checkout(ctx, order.Cart{{TicketID: tk.ID, Quantity: 1}}, "")
	var ise *stock.InsufficientStockError
	require.True(t, errors.As(err, &ise), "got %v", err)
	assert.Equal(t, stock.CodeInsufficientStock, ise.Code())
	assert.Contains(t, ise.Error(), "sold out")
}

func TestCheckout_ConcurrentBuyersOneWins(t *testing.T) {
	ctx := context.Background()
	h := setup(t)
	tk := h.ticket(t, "Last Seat", 1)

	var mu sync.Mutex
	var wins, losses int
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.service.Checkout(ctx, order.Cart{{TicketID: tk.ID, Quantity: 1}}, "")

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, stock.ErrInsufficientStock):
				losses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, losses)
	assert.Equal(t, 0, h.reload(t, tk.ID).Stock)
}

func TestCheckout_EmptyCart(t *testing.T) {
	h := setup(t)
	_, err := h.service.Checkout(context.Background(), order.Cart{{TicketID: 1, Quantity: 0}}, "")
	assert.ErrorIs(t, err, ErrEmptyCart)
}

func TestTransition_RevalidatesWhenTakingStockAgain(t *testing.T) {
	ctx := context.Background()
	h := setup(t)
	tk := h.ticket(t, "Balcony", 1)

	first, err := h.service.Checkout(ctx, order.Cart{{TicketID: tk.ID, Quantity: 1}}, "")
	require.NoError(t, err)
	_, err = h.service.Transition(ctx, first.ID, status.Completed)
	require.NoError(t, err)

	// A chargeback returns the seat, and someone else buys it.
	_, err = h.service.Transition(ctx, first.ID, status.Reversed)
	require.NoError(t, err)
	assert.Equal(t, 1, h.reload(t, tk.ID).Available())

	_, err = h.service.Checkout(ctx, order.Cart{{TicketID: tk.ID, Quantity: 1}}, "")
	require.NoError(t, err)

	// Winning the dispute cannot oversell the seat.
	_, err = h.service.Transition(ctx, first.ID, status.Completed)
	assert.ErrorIs(t, err, stock.ErrInsufficientStock)

	stored, err := h.service.Order(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, status.Reversed, stored.Status)
	assert.Equal(t, 0, h.reload(t, tk.ID).Stock)
}

func TestTransition_NoOpAndInvalid(t *testing.T) {
	ctx := context.Background()
	h := setup(t)
	tk := h.ticket(t, "GA", 10)

	o, err := h.service.Checkout(ctx, order.Cart{{TicketID: tk.ID, Quantity: 2}}, "")
	require.NoError(t, err)

	// Same status again dispatches nothing.
	_, err = h.service.Transition(ctx, o.ID, status.Pending)
	require.NoError(t, err)
	assert.Equal(t, 8, h.reload(t, tk.ID).Stock)

	_, err = h.service.Transition(ctx, o.ID, status.Refunded)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.service.Transition(ctx, o.ID, "shipped")
	assert.ErrorIs(t, err, status.ErrUnknownStatus)

	_, err = h.service.Transition(ctx, 999, status.Completed)
	assert.ErrorIs(t, err, db.ErrOrderNotFound)
}

func TestTransition_FailedPaymentReturnsStock(t *testing.T) {
	ctx := context.Background()
	h := setup(t)
	tk := h.ticket(t, "GA", 10)

	o, err := h.service.Checkout(ctx, order.Cart{{TicketID: tk.ID, Quantity: 3}}, "")
	require.NoError(t, err)

	_, err = h.service.Transition(ctx, o.ID, status.NotCompleted)
	require.NoError(t, err)
	got := h.reload(t, tk.ID)
	assert.Equal(t, 10, got.Stock)
	assert.Equal(t, 0, got.TotalSales)

	// Retrying payment takes the units again.
	_, err = h.service.Transition(ctx, o.ID, status.Pending)
	require.NoError(t, err)
	assert.Equal(t, 7, h.reload(t, tk.ID).Stock)
}

func TestRedeliver(t *testing.T) {
	ctx := context.Background()
	h := setup(t)
	tk := h.ticket(t, "GA", 10)

	o, err := h.service.Checkout(ctx, order.Cart{{TicketID: tk.ID, Quantity: 2}}, "")
	require.NoError(t, err)
	_, err = h.service.Transition(ctx, o.ID, status.Completed)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		report, err := h.service.Redeliver(ctx, o.ID, status.Pending, status.Completed)
		require.NoError(t, err)
		assert.Empty(t, report.Failed)
	}

	got := h.reload(t, tk.ID)
	assert.Equal(t, 2, got.TotalSales, "sales counted once")
	assert.Equal(t, 8, got.Stock, "stock taken once")

	_, err = h.service.Redeliver(ctx, o.ID, status.Completed, status.Refunded)
	assert.ErrorIs(t, err, ErrNotInStatus)
}

func TestTransition_RestockDoesNotLoseConcurrentCheckout(t *testing.T) {
	ctx := context.Background()

	var (
		h         *harness
		tk        *ticket.Ticket
		once      sync.Once
		buyerDone = make(chan error, 1)
	)
	h = setupWith(t, func(inv stock.Inventory) stock.Inventory {
		return &hookedInventory{Inventory: inv, onAdjustSold: func(ctx context.Context, id int64, delta int) {
			if delta >= 0 {
				return
			}
			// A second buyer checks out while the refund is restocking.
			once.Do(func() {
				go func() {
					_, err := h.service.Checkout(context.Background(), order.Cart{{TicketID: tk.ID, Quantity: 1}}, "")
					buyerDone <- err
				}()
				select {
				case err := <-buyerDone:
					buyerDone <- err
				case <-time.After(200 * time.Millisecond):
				}
			})
		}}
	})
	tk = h.ticket(t, "Pit", 2)

	first, err := h.service.Checkout(ctx, order.Cart{{TicketID: tk.ID, Quantity: 1}}, "")
	require.NoError(t, err)
	_, err = h.service.Transition(ctx, first.ID, status.Completed)
	require.NoError(t, err)

	_, err = h.service.Transition(ctx, first.ID, status.Refunded)
	require.NoError(t, err)
	require.NoError(t, <-buyerDone)

	got := h.reload(t, tk.ID)
	assert.Equal(t, 1, got.Stock, "the second buyer's unit stays out of stock")
	assert.Equal(t, 1, got.Sold)
}

func TestRedeliver_CheckoutTakesStockOnce(t *testing.T) {
	ctx := context.Background()
	h := setup(t)
	tk := h.ticket(t, "GA", 10)

	o, err := h.service.Checkout(ctx, order.Cart{{TicketID: tk.ID, Quantity: 3}}, "")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		report, err := h.service.Redeliver(ctx, o.ID, status.Created, status.Pending)
		require.NoError(t, err)
		assert.Empty(t, report.Failed)
	}

	got := h.reload(t, tk.ID)
	assert.Equal(t, 7, got.Stock)
	assert.Equal(t, 3, got.Sold)
}

func TestRedeliver_RefundReturnsStockOnce(t *testing.T) {
	ctx := context.Background()
	h := setup(t)
	tk := h.ticket(t, "GA", 10)

	o, err := h.service.Checkout(ctx, order.Cart{{TicketID: tk.ID, Quantity: 2}}, "")
	require.NoError(t, err)
	_, err = h.service.Transition(ctx, o.ID, status.Completed)
	require.NoError(t, err)

	// Someone else holds three units while the refund is redelivered.
	_, err = h.service.Checkout(ctx, order.Cart{{TicketID: tk.ID, Quantity: 3}}, "")
	require.NoError(t, err)

	_, err = h.service.Transition(ctx, o.ID, status.Refunded)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := h.service.Redeliver(ctx, o.ID, status.Completed, status.Refunded)
		require.NoError(t, err)
	}

	got := h.reload(t, tk.ID)
	assert.Equal(t, 7, got.Stock)
	assert.Equal(t, 3, got.Sold)
}

func TestRedeliver_ConcurrentCountsSalesOnce(t *testing.T) {
	ctx := context.Background()
	h := setup(t)
	tk := h.ticket(t, "GA", 10)

	o, err := h.service.Checkout(ctx, order.Cart{{TicketID: tk.ID, Quantity: 2}}, "")
	require.NoError(t, err)
	_, err = h.service.Transition(ctx, o.ID, status.Completed)
	require.NoError(t, err)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := h.service.Redeliver(ctx, o.ID, status.Pending, status.Completed); err != nil {
				t.Errorf("redeliver: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	got := h.reload(t, tk.ID)
	assert.Equal(t, 2, got.TotalSales)
	assert.Equal(t, 8, got.Stock)
	assert.Equal(t, 2, got.Sold)
}
