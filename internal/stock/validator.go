package stock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/buildtall-systems/ticketstock/internal/lock"
	"github.com/buildtall-systems/ticketstock/internal/order"
	"github.com/buildtall-systems/ticketstock/internal/ticket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Source reads tickets straight from the authoritative store.
type Source interface {
	FreshTicket(ctx context.Context, id int64) (*ticket.Ticket, error)
}

// Defaults for the per-ticket lock.
const (
	DefaultLockTimeout = 3 * time.Second
	DefaultLeaseTTL    = 30 * time.Second
)

// Validator checks that a cart can be covered by current stock. Each ticket
// is checked under its own lock so concurrent checkouts of the same ticket
// serialize while different tickets never contend.
type Validator struct {
	tickets     Source
	locker      lock.Locker
	lockTimeout time.Duration
	leaseTTL    time.Duration
	logger      *zap.Logger
	tracer      trace.Tracer
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithLockTimeout bounds how long a single lock acquisition may wait.
func WithLockTimeout(d time.Duration) ValidatorOption {
	return func(v *Validator) { v.lockTimeout = d }
}

// WithLeaseTTL sets how long an abandoned lease blocks a ticket.
func WithLeaseTTL(d time.Duration) ValidatorOption {
	return func(v *Validator) { v.leaseTTL = d }
}

// NewValidator creates a validator reading from tickets and locking through locker.
func NewValidator(tickets Source, locker lock.Locker, logger *zap.Logger, opts ...ValidatorOption) *Validator {
	v := &Validator{
		tickets:     tickets,
		locker:      locker,
		lockTimeout: DefaultLockTimeout,
		leaseTTL:    DefaultLeaseTTL,
		logger:      logger,
		tracer:      otel.Tracer("ticketstock/stock"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// LockKey is the lock name guarding a ticket's stock.
func LockKey(ticketID int64) string {
	return "ticket:" + strconv.FormatInt(ticketID, 10)
}

// OrderLockKey is the lock name serializing status changes of one order.
func OrderLockKey(orderID int64) string {
	return "order:" + strconv.FormatInt(orderID, 10)
}

type candidate struct {
	ticketID  int64
	name      string
	requested int
	pooled    bool
}

// tracked returns the cart tickets whose stock counter the stock actions
// write, ascending by id. Unlimited, unmanaged and unknown tickets are left
// out.
func (v *Validator) tracked(ctx context.Context, c order.Cart) ([]candidate, error) {
	var out []candidate
	for _, q := range c.Quantities() {
		t, err := v.tickets.FreshTicket(ctx, q.TicketID)
		if errors.Is(err, ticket.ErrNotFound) {
			v.logger.Debug("skipping unknown ticket", zap.Int64("ticket_id", q.TicketID))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading ticket %d: %w", q.TicketID, err)
		}
		if t.IsUnlimited() || !t.ManageStock {
			continue
		}
		out = append(out, candidate{ticketID: t.ID, name: t.Name, requested: q.Quantity, pooled: t.IsPooled()})
	}
	return out, nil
}

// checkable drops pooled tickets; their availability is accounted elsewhere.
func checkable(cands []candidate) []candidate {
	out := cands[:0:0]
	for _, c := range cands {
		if !c.pooled {
			out = append(out, c)
		}
	}
	return out
}

func (v *Validator) acquire(ctx context.Context, key string) (lock.Lease, error) {
	actx, cancel := context.WithTimeout(ctx, v.lockTimeout)
	defer cancel()
	return v.locker.Acquire(actx, key, v.leaseTTL)
}

func (v *Validator) release(ctx context.Context, lease lock.Lease, key string) {
	if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		v.logger.Warn("releasing stock lock", zap.String("key", key), zap.Error(err))
	}
}

// check re-reads the ticket and returns a shortfall when it cannot cover
// the request. Callers must hold the ticket's lock.
func (v *Validator) check(ctx context.Context, c candidate) (*Shortfall, error) {
	t, err := v.tickets.FreshTicket(ctx, c.ticketID)
	if errors.Is(err, ticket.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading ticket %d: %w", c.ticketID, err)
	}

	available := t.Available()
	if available >= c.requested {
		return nil, nil
	}
	return &Shortfall{
		TicketID:   t.ID,
		TicketName: t.Name,
		Requested:  c.requested,
		Available:  available,
	}, nil
}

func (v *Validator) checkAll(ctx context.Context, cands []candidate) error {
	var shortfalls []Shortfall
	for _, cand := range cands {
		sf, err := v.check(ctx, cand)
		if err != nil {
			return err
		}
		if sf != nil {
			shortfalls = append(shortfalls, *sf)
		}
	}
	if len(shortfalls) > 0 {
		return &InsufficientStockError{Shortfalls: shortfalls}
	}
	return nil
}

func (v *Validator) lockFailure(c candidate, err error) error {
	v.logger.Warn("stock lock not acquired",
		zap.Int64("ticket_id", c.ticketID),
		zap.Duration("timeout", v.lockTimeout),
		zap.Error(err),
	)
	return &InsufficientStockError{Shortfalls: []Shortfall{{
		TicketID:    c.ticketID,
		TicketName:  c.name,
		Requested:   c.requested,
		LockTimeout: true,
	}}}
}

// Validate checks every ticket of the cart, locking one ticket at a time.
// It returns nil when the cart can be covered and an
// *InsufficientStockError otherwise. A lock that cannot be acquired in time
// fails the whole validation.
func (v *Validator) Validate(ctx context.Context, c order.Cart) (err error) {
	ctx, span := v.tracer.Start(ctx, "stock.validate")
	defer func() { endSpan(span, err) }()

	cands, err := v.tracked(ctx, c)
	if err != nil {
		return err
	}
	cands = checkable(cands)
	span.SetAttributes(attribute.Int("stock.tickets_checked", len(cands)))

	var shortfalls []Shortfall
	for _, cand := range cands {
		key := LockKey(cand.ticketID)
		lease, err := v.acquire(ctx, key)
		if err != nil {
			return v.lockFailure(cand, err)
		}

		sf, err := v.check(ctx, cand)
		v.release(ctx, lease, key)
		if err != nil {
			return err
		}
		if sf != nil {
			shortfalls = append(shortfalls, *sf)
		}
	}

	if len(shortfalls) > 0 {
		return &InsufficientStockError{Shortfalls: shortfalls}
	}
	return nil
}

// Check compares the cart against current stock without taking locks. Call
// it from inside Hold.
func (v *Validator) Check(ctx context.Context, c order.Cart) error {
	cands, err := v.tracked(ctx, c)
	if err != nil {
		return err
	}
	return v.checkAll(ctx, checkable(cands))
}

// Hold runs fn while holding the order's lock (when orderID is set) and the
// lock of every cart ticket whose stock is tracked, so no other status change
// or checkout can write those counters meanwhile. Ticket locks are taken in
// ascending id order after the order lock.
func (v *Validator) Hold(ctx context.Context, orderID int64, c order.Cart, fn func(ctx context.Context) error) (err error) {
	ctx, span := v.tracer.Start(ctx, "stock.hold", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer func() { endSpan(span, err) }()

	if orderID > 0 {
		key := OrderLockKey(orderID)
		lease, err := v.acquire(ctx, key)
		if err != nil {
			return fmt.Errorf("locking order %d: %w", orderID, err)
		}
		defer v.release(ctx, lease, key)
	}

	cands, err := v.tracked(ctx, c)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("stock.tickets_locked", len(cands)))

	type held struct {
		lease lock.Lease
		key   string
	}
	leases := make([]held, 0, len(cands))
	defer func() {
		for i := len(leases) - 1; i >= 0; i-- {
			v.release(ctx, leases[i].lease, leases[i].key)
		}
	}()

	for _, cand := range cands {
		key := LockKey(cand.ticketID)
		lease, err := v.acquire(ctx, key)
		if err != nil {
			return v.lockFailure(cand, err)
		}
		leases = append(leases, held{lease: lease, key: key})
	}

	return fn(ctx)
}

// Reserve validates the cart and, while still holding every ticket lock, runs
// fn. The check and whatever stock change fn makes form one critical section.
func (v *Validator) Reserve(ctx context.Context, c order.Cart, fn func(ctx context.Context) error) (err error) {
	ctx, span := v.tracer.Start(ctx, "stock.reserve")
	defer func() { endSpan(span, err) }()

	return v.Hold(ctx, 0, c, func(ctx context.Context) error {
		if err := v.Check(ctx, c); err != nil {
			return err
		}
		return fn(ctx)
	})
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
