package stock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/buildtall-systems/ticketstock/internal/db"
	"github.com/buildtall-systems/ticketstock/internal/lock"
	"github.com/buildtall-systems/ticketstock/internal/order"
	"github.com/buildtall-systems/ticketstock/internal/status"
	"github.com/buildtall-systems/ticketstock/internal/ticket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

func newValidator(t *testing.T, store *db.DB, locker lock.Locker) *Validator {
	t.Helper()
	return NewValidator(store, locker, zaptest.NewLogger(t), WithLockTimeout(200*time.Millisecond))
}

func requireInsufficient(t *testing.T, err error) *InsufficientStockError {
	t.Helper()
	var ise *InsufficientStockError
	require.True(t, errors.As(err, &ise), "expected *InsufficientStockError, got %v", err)
	assert.Equal(t, CodeInsufficientStock, ise.Code())
	assert.True(t, errors.Is(err, ErrInsufficientStock))
	return ise
}

func TestValidate_Messages(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		capacity int
		stock    int
		request  int
		contains []string
	}{
		{"sold out", 1, 0, 1, []string{"sold out"}},
		{"partial availability", 1, 1, 2, []string{"You requested 2", "only 1 available"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupStore(t)
			tk := createTicket(t, store, ticket.Ticket{Capacity: tt.capacity, ManageStock: true})
			require.NoError(t, store.SetStock(ctx, tk.ID, tt.stock))

			err := newValidator(t, store, lock.NewMemory()).Validate(ctx, order.Cart{{TicketID: tk.ID, Quantity: tt.request}})
			ise := requireInsufficient(t, err)
			for _, want := range tt.contains {
				assert.Contains(t, ise.Error(), want)
			}
		})
	}
}

func TestValidate_Success(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	tk := createTicket(t, store, ticket.Ticket{Capacity: 5, ManageStock: true})
	v := newValidator(t, store, lock.NewMemory())

	assert.NoError(t, v.Validate(ctx, order.Cart{{TicketID: tk.ID, Quantity: 5}}))
	assert.NoError(t, v.Validate(ctx, order.Cart{}))
	// Quantities for one ticket are summed across lines.
	err := v.Validate(ctx, order.Cart{{TicketID: tk.ID, Quantity: 3}, {TicketID: tk.ID, Quantity: 3}})
	ise := requireInsufficient(t, err)
	assert.Equal(t, 6, ise.Shortfalls[0].Requested)
}

func TestValidate_SkipsUnlimitedPooledUnmanaged(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	unlimited := createTicket(t, store, ticket.Ticket{Capacity: ticket.Unlimited, ManageStock: true})
	pooled := createTicket(t, store, ticket.Ticket{Capacity: 1, ManageStock: true, StockMode: ticket.ModeGlobal})
	capped := createTicket(t, store, ticket.Ticket{Capacity: 1, ManageStock: true, StockMode: ticket.ModeCapped})
	unmanaged := createTicket(t, store, ticket.Ticket{Capacity: 1, ManageStock: false})
	require.NoError(t, store.SetStock(ctx, pooled.ID, 0))

	// A held lock on a skipped ticket must not matter either.
	locker := lock.NewMemory()
	lease, err := locker.Acquire(ctx, LockKey(pooled.ID), time.Minute)
	require.NoError(t, err)
	defer func() { _ = lease.Release(ctx) }()

	v := newValidator(t, store, locker)
	err = v.Validate(ctx, order.Cart{
		{TicketID: unlimited.ID, Quantity: 100000},
		{TicketID: pooled.ID, Quantity: 5},
		{TicketID: capped.ID, Quantity: 5},
		{TicketID: unmanaged.ID, Quantity: 5},
		{TicketID: 31337, Quantity: 1},
	})
	assert.NoError(t, err)
}

func TestValidate_UnlimitedUnderLoad(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	tk := createTicket(t, store, ticket.Ticket{Capacity: ticket.Unlimited, ManageStock: true})
	v := newValidator(t, store, lock.NewMemory())

	var g errgroup.Group
	for i := 0; i < 25; i++ {
		g.Go(func() error {
			return v.Validate(ctx, order.Cart{{TicketID: tk.ID, Quantity: 1000}})
		})
	}
	assert.NoError(t, g.Wait())
}

func TestValidate_LockTimeoutFailsClosed(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	tk := createTicket(t, store, ticket.Ticket{Name: "VIP", Capacity: 100, ManageStock: true})

	for name, locker := range map[string]lock.Locker{
		"memory":   lock.NewMemory(),
		"database": db.NewLocker(store),
	} {
		t.Run(name, func(t *testing.T) {
			lease, err := locker.Acquire(ctx, LockKey(tk.ID), time.Minute)
			require.NoError(t, err)
			defer func() { _ = lease.Release(ctx) }()

			v := NewValidator(store, locker, zaptest.NewLogger(t), WithLockTimeout(20*time.Millisecond))
			err = v.Validate(ctx, order.Cart{{TicketID: tk.ID, Quantity: 1}})

			ise := requireInsufficient(t, err)
			require.Len(t, ise.Shortfalls, 1)
			assert.True(t, ise.Shortfalls[0].LockTimeout)
			assert.Contains(t, ise.Error(), "VIP")
		})
	}
}

func TestValidate_TwoTicketsIndependent(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	logger := zaptest.NewLogger(t)

	a := createTicket(t, store, ticket.Ticket{Name: "Ticket A", Capacity: 2, ManageStock: true})
	b := createTicket(t, store, ticket.Ticket{Name: "Ticket B", Capacity: 1, ManageStock: true})
	v := newValidator(t, store, lock.NewMemory())
	dec := NewDecreaseStock(store, store, logger)

	cart := order.Cart{{TicketID: a.ID, Quantity: 1}, {TicketID: b.ID, Quantity: 1}}
	o := placeOrder(t, store, cart.Items()...)
	err := v.Reserve(ctx, cart, func(ctx context.Context) error {
		return dec.Handle(ctx, lookup(t, status.Pending), lookup(t, status.Created), o)
	})
	require.NoError(t, err)

	err = v.Validate(ctx, cart)
	ise := requireInsufficient(t, err)
	require.Len(t, ise.Shortfalls, 1)
	assert.Equal(t, b.ID, ise.Shortfalls[0].TicketID)
	assert.Contains(t, ise.Error(), "Ticket B is sold out")
	assert.NotContains(t, ise.Error(), "Ticket A")
	assert.Equal(t, 1, reload(t, store, a.ID).Available())
}

func TestReserve_ExactlyOneWinner(t *testing.T) {
	for name, newLocker := range map[string]func(*db.DB) lock.Locker{
		"memory":   func(*db.DB) lock.Locker { return lock.NewMemory() },
		"database": func(s *db.DB) lock.Locker { return db.NewLocker(s) },
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := setupStore(t)
			logger := zaptest.NewLogger(t)

			tk := createTicket(t, store, ticket.Ticket{Capacity: 1, ManageStock: true})
			v := NewValidator(store, newLocker(store), logger, WithLockTimeout(2*time.Second))
			dec := NewDecreaseStock(store, store, logger)
			cart := order.Cart{{TicketID: tk.ID, Quantity: 1}}

			var mu sync.Mutex
			var wins, losses int
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					err := v.Reserve(ctx, cart, func(ctx context.Context) error {
						o, err := store.CreateOrder(ctx, order.RecordTypeCommerce, status.Created, cart.Items())
						if err != nil {
							return err
						}
						return dec.Handle(ctx, lookup(t, status.Pending), lookup(t, status.Created), o)
					})

					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						wins++
					case errors.Is(err, ErrInsufficientStock):
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
			assert.Equal(t, 0, reload(t, store, tk.ID).Stock)
		})
	}
}

func TestReserve_ShortfallSkipsCallback(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	tk := createTicket(t, store, ticket.Ticket{Capacity: 1, ManageStock: true})
	v := newValidator(t, store, lock.NewMemory())

	called := false
	err := v.Reserve(ctx, order.Cart{{TicketID: tk.ID, Quantity: 2}}, func(context.Context) error {
		called = true
		return nil
	})
	requireInsufficient(t, err)
	assert.False(t, called)

	// Locks were released: a follow-up reservation proceeds.
	err = v.Reserve(ctx, order.Cart{{TicketID: tk.ID, Quantity: 1}}, func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestHold_LocksOrderAndTrackedTickets(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	locker := lock.NewMemory()

	finite := createTicket(t, store, ticket.Ticket{Capacity: 5, ManageStock: true})
	pooled := createTicket(t, store, ticket.Ticket{Capacity: 5, ManageStock: true, StockMode: ticket.ModeGlobal})
	unlimited := createTicket(t, store, ticket.Ticket{Capacity: ticket.Unlimited, ManageStock: true})
	v := NewValidator(store, locker, zaptest.NewLogger(t), WithLockTimeout(20*time.Millisecond))

	cart := order.Cart{
		{TicketID: unlimited.ID, Quantity: 1},
		{TicketID: pooled.ID, Quantity: 1},
		{TicketID: finite.ID, Quantity: 1},
	}
	err := v.Hold(ctx, 42, cart, func(ctx context.Context) error {
		for _, key := range []string{OrderLockKey(42), LockKey(finite.ID), LockKey(pooled.ID)} {
			busy, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			_, err := locker.Acquire(busy, key, time.Minute)
			cancel()
			assert.ErrorIs(t, err, lock.ErrTimeout, key)
		}
		lease, err := locker.Acquire(ctx, LockKey(unlimited.ID), time.Minute)
		require.NoError(t, err, "unlimited tickets are never locked")
		return lease.Release(ctx)
	})
	require.NoError(t, err)

	// Everything was released afterwards.
	lease, err := locker.Acquire(ctx, OrderLockKey(42), time.Minute)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
}

func TestHold_OrderBusy(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	locker := lock.NewMemory()

	tk := createTicket(t, store, ticket.Ticket{Capacity: 5, ManageStock: true})
	lease, err := locker.Acquire(ctx, OrderLockKey(7), time.Minute)
	require.NoError(t, err)
	defer func() { _ = lease.Release(ctx) }()

	v := NewValidator(store, locker, zaptest.NewLogger(t), WithLockTimeout(20*time.Millisecond))
	called := false
	err = v.Hold(ctx, 7, order.Cart{{TicketID: tk.ID, Quantity: 1}}, func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locking order 7")
	assert.False(t, called)
}

func TestCheck_ReportsShortfallWithoutLocking(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	locker := lock.NewMemory()

	tk := createTicket(t, store, ticket.Ticket{Name: "Balcony", Capacity: 2, ManageStock: true})
	lease, err := locker.Acquire(ctx, LockKey(tk.ID), time.Minute)
	require.NoError(t, err)
	defer func() { _ = lease.Release(ctx) }()

	v := NewValidator(store, locker, zaptest.NewLogger(t), WithLockTimeout(20*time.Millisecond))
	require.NoError(t, v.Check(ctx, order.Cart{{TicketID: tk.ID, Quantity: 2}}))

	ise := requireInsufficient(t, v.Check(ctx, order.Cart{{TicketID: tk.ID, Quantity: 3}}))
	require.Len(t, ise.Shortfalls, 1)
	assert.False(t, ise.Shortfalls[0].LockTimeout)
}

func TestShortfall_Message(t *testing.T) {
	assert.Equal(t, "ticket #4 is sold out.", Shortfall{TicketID: 4, Requested: 1}.Message())
	assert.Equal(t, "You requested 3 of Floor, but only 2 available.",
		Shortfall{TicketName: "Floor", Requested: 3, Available: 2}.Message())
}
