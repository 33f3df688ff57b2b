package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/buildtall-systems/ticketstock/internal/alert"
	"github.com/buildtall-systems/ticketstock/internal/flagaction"
	"github.com/buildtall-systems/ticketstock/internal/order"
	"github.com/buildtall-systems/ticketstock/internal/status"
	"github.com/buildtall-systems/ticketstock/internal/ticket"
	"go.uber.org/zap"
)

// PriorityValidateAvailability runs the availability check ahead of the
// default-priority stock mutation.
const PriorityValidateAvailability = 5

// Inventory is the ticket store the bookkeeping actions read and write.
type Inventory interface {
	Source
	SetStock(ctx context.Context, id int64, stock int) error
	AdjustSold(ctx context.Context, id int64, delta int) error
	AdjustTotalSales(ctx context.Context, id int64, delta int) error
}

// Pools marks shared stock pools for recalculation.
type Pools interface {
	FlagPool(ctx context.Context, eventID int64) error
}

// LedgerStore persists per-order ledger entries.
type LedgerStore interface {
	SetLedgerEntry(ctx context.Context, orderID int64, key string, value int) error
}

var commerceOnly = []string{order.RecordTypeCommerce}

// lineTicket pairs a requested quantity with its resolved ticket.
type lineTicket struct {
	ticket   *ticket.Ticket
	quantity int
}

// resolveLines returns the order's ticket quantities with their tickets,
// skipping tickets that no longer exist. Lookup failures other than a
// missing ticket are returned alongside whatever resolved.
func resolveLines(ctx context.Context, load func(context.Context, int64) (*ticket.Ticket, error), o *order.Order, logger *zap.Logger) ([]lineTicket, error) {
	var lines []lineTicket
	var errs []error
	for _, q := range o.Cart().Quantities() {
		t, err := load(ctx, q.TicketID)
		if errors.Is(err, ticket.ErrNotFound) {
			logger.Debug("skipping unresolvable ticket", zap.Int64("order_id", o.ID), zap.Int64("ticket_id", q.TicketID))
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("loading ticket %d: %w", q.TicketID, err))
			continue
		}
		lines = append(lines, lineTicket{ticket: t, quantity: q.Quantity})
	}
	return lines, errors.Join(errs...)
}

// ValidateAvailability publishes an insufficient-stock signal when an order
// entering a stock-decreasing status asks for more than is available. It
// never blocks the transition.
type ValidateAvailability struct {
	flagaction.Base
	tickets   ticket.Repository
	publisher alert.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewValidateAvailability reads tickets through tickets, which may be cached.
func NewValidateAvailability(tickets ticket.Repository, publisher alert.Publisher, logger *zap.Logger) *ValidateAvailability {
	return &ValidateAvailability{
		Base:      flagaction.NewBase([]string{status.FlagDecreaseStock}, commerceOnly, PriorityValidateAvailability),
		tickets:   tickets,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

func (a *ValidateAvailability) Name() string { return "validate_stock_availability" }

func (a *ValidateAvailability) Handle(ctx context.Context, newStatus, oldStatus status.Status, o *order.Order) error {
	// Units were already taken when the order entered the old status.
	if oldStatus.HasFlag(status.FlagDecreaseStock) {
		return nil
	}

	lines, err := resolveLines(ctx, a.tickets.Ticket, o, a.logger)

	var short []alert.Shortfall
	for _, l := range lines {
		t := l.ticket
		if !t.ManageStock || t.IsUnlimited() || t.IsPooled() {
			continue
		}
		if available := t.Available(); available < l.quantity {
			short = append(short, alert.Shortfall{
				Item:       order.Item{Type: order.ItemTicket, TicketID: t.ID, Quantity: l.quantity},
				TicketID:   t.ID,
				TicketName: t.Name,
				Requested:  l.quantity,
				Available:  available,
			})
		}
	}

	if len(short) > 0 {
		sig := alert.InsufficientStock{Order: o, Items: short, DetectedAt: a.now()}
		if perr := a.publisher.Publish(ctx, sig); perr != nil {
			err = errors.Join(err, fmt.Errorf("publishing insufficient stock signal: %w", perr))
		}
	}
	return err
}

// DecreaseStock takes the ordered units out of stock. The ledger records
// what the order holds, so a redelivered transition takes nothing twice.
type DecreaseStock struct {
	flagaction.Base
	inv    Inventory
	ledger LedgerStore
	logger *zap.Logger
}

func NewDecreaseStock(inv Inventory, ledger LedgerStore, logger *zap.Logger) *DecreaseStock {
	return &DecreaseStock{
		Base:   flagaction.NewBase([]string{status.FlagDecreaseStock}, commerceOnly, flagaction.DefaultPriority),
		inv:    inv,
		ledger: ledger,
		logger: logger,
	}
}

func (a *DecreaseStock) Name() string { return "decrease_stock" }

func (a *DecreaseStock) Handle(ctx context.Context, newStatus, oldStatus status.Status, o *order.Order) error {
	if oldStatus.HasFlag(status.FlagDecreaseStock) {
		return nil
	}

	lines, err := resolveLines(ctx, a.inv.FreshTicket, o, a.logger)
	errs := []error{err}
	for _, l := range lines {
		t := l.ticket
		if !t.ManageStock {
			continue
		}
		key := order.StockLedgerKey(t.ID)
		delta := l.quantity - o.Ledger.Get(key)
		if delta <= 0 {
			a.logger.Debug("units already held", zap.Int64("order_id", o.ID), zap.Int64("ticket_id", t.ID))
			continue
		}

		if !t.IsUnlimited() {
			if err := a.inv.SetStock(ctx, t.ID, max(t.Stock-delta, 0)); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if err := a.inv.AdjustSold(ctx, t.ID, delta); err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, recordLedger(ctx, a.ledger, o, key, l.quantity))
	}
	return errors.Join(errs...)
}

// IncreaseStock returns the units an order held back to stock, never above
// capacity.
type IncreaseStock struct {
	flagaction.Base
	inv    Inventory
	ledger LedgerStore
	logger *zap.Logger
}

func NewIncreaseStock(inv Inventory, ledger LedgerStore, logger *zap.Logger) *IncreaseStock {
	return &IncreaseStock{
		Base:   flagaction.NewBase([]string{status.FlagIncreaseStock}, commerceOnly, flagaction.DefaultPriority),
		inv:    inv,
		ledger: ledger,
		logger: logger,
	}
}

func (a *IncreaseStock) Name() string { return "increase_stock" }

func (a *IncreaseStock) Handle(ctx context.Context, newStatus, oldStatus status.Status, o *order.Order) error {
	// Nothing was taken unless the old status decreased stock.
	if !oldStatus.HasFlag(status.FlagDecreaseStock) {
		return nil
	}

	lines, err := resolveLines(ctx, a.inv.FreshTicket, o, a.logger)
	errs := []error{err}
	for _, l := range lines {
		t := l.ticket
		if !t.ManageStock {
			continue
		}
		key := order.StockLedgerKey(t.ID)
		held := o.Ledger.Get(key)
		if held <= 0 {
			a.logger.Debug("no units held", zap.Int64("order_id", o.ID), zap.Int64("ticket_id", t.ID))
			continue
		}
		original := t.Stock

		if err := a.inv.AdjustSold(ctx, t.ID, -held); err != nil {
			errs = append(errs, err)
			continue
		}
		if !t.IsUnlimited() {
			after, err := a.inv.FreshTicket(ctx, t.ID)
			if err != nil {
				if !errors.Is(err, ticket.ErrNotFound) {
					errs = append(errs, err)
				}
				continue
			}
			if after.Stock+after.Sold+held != after.Capacity {
				a.logger.Debug("stock and sold counters disagree",
					zap.Int64("ticket_id", t.ID),
					zap.Int("stock", after.Stock),
					zap.Int("sold", after.Sold),
					zap.Int("capacity", after.Capacity),
				)
			}
			if err := a.inv.SetStock(ctx, t.ID, min(original+held, after.Capacity)); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		errs = append(errs, recordLedger(ctx, a.ledger, o, key, 0))
	}
	return errors.Join(errs...)
}

// recordLedger persists a ledger entry and mirrors it on o.
func recordLedger(ctx context.Context, store LedgerStore, o *order.Order, key string, value int) error {
	if err := store.SetLedgerEntry(ctx, o.ID, key, value); err != nil {
		return err
	}
	if o.Ledger == nil {
		o.Ledger = order.Ledger{}
	}
	o.Ledger[key] = value
	return nil
}

// IncreaseSales counts an order's tickets toward sales exactly once per
// ticket, however often the transition is delivered. The ledger holds the
// quantity already counted for each ticket.
type IncreaseSales struct {
	flagaction.Base
	inv    Inventory
	pools  Pools
	ledger LedgerStore
	logger *zap.Logger
}

func NewIncreaseSales(inv Inventory, pools Pools, ledger LedgerStore, logger *zap.Logger) *IncreaseSales {
	return &IncreaseSales{
		Base:   flagaction.NewBase([]string{status.FlagIncreaseSales}, commerceOnly, flagaction.DefaultPriority),
		inv:    inv,
		pools:  pools,
		ledger: ledger,
		logger: logger,
	}
}

func (a *IncreaseSales) Name() string { return "increase_sales" }

func (a *IncreaseSales) Handle(ctx context.Context, newStatus, oldStatus status.Status, o *order.Order) error {
	lines, err := resolveLines(ctx, a.inv.FreshTicket, o, a.logger)
	errs := []error{err}
	for _, l := range lines {
		t := l.ticket
		key := order.SalesLedgerKey(t.ID)
		delta := max(0, l.quantity-o.Ledger.Get(key))

		if delta > 0 {
			if err := a.inv.AdjustTotalSales(ctx, t.ID, delta); err != nil {
				errs = append(errs, err)
				continue
			}
			if t.IsPooled() {
				if err := a.pools.FlagPool(ctx, t.EventID); err != nil {
					errs = append(errs, err)
				}
			}
		}

		// Store the full quantity so a replay recomputes from the whole order.
		errs = append(errs, recordLedger(ctx, a.ledger, o, key, l.quantity))
	}
	return errors.Join(errs...)
}

// DecreaseSales takes refunded or reversed tickets back out of sales.
//
// Unlike IncreaseSales it keeps no ledger, so a redelivered transition
// subtracts again.
type DecreaseSales struct {
	flagaction.Base
	inv    Inventory
	logger *zap.Logger
}

func NewDecreaseSales(inv Inventory, logger *zap.Logger) *DecreaseSales {
	return &DecreaseSales{
		Base:   flagaction.NewBase([]string{status.FlagDecreaseSales}, commerceOnly, flagaction.DefaultPriority),
		inv:    inv,
		logger: logger,
	}
}

func (a *DecreaseSales) Name() string { return "decrease_sales" }

func (a *DecreaseSales) Handle(ctx context.Context, newStatus, oldStatus status.Status, o *order.Order) error {
	lines, err := resolveLines(ctx, a.inv.FreshTicket, o, a.logger)
	errs := []error{err}
	for _, l := range lines {
		if err := a.inv.AdjustTotalSales(ctx, l.ticket.ID, -l.quantity); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Deps are the collaborators of the built-in actions.
type Deps struct {
	Tickets   ticket.Repository
	Inventory Inventory
	Pools     Pools
	Ledger    LedgerStore
	Publisher alert.Publisher
	Logger    *zap.Logger
}

// RegisterActions adds the stock and sales actions to r.
func RegisterActions(r *flagaction.Registry, d Deps) {
	r.Register(
		NewValidateAvailability(d.Tickets, d.Publisher, d.Logger),
		NewDecreaseStock(d.Inventory, d.Ledger, d.Logger),
		NewIncreaseStock(d.Inventory, d.Ledger, d.Logger),
		NewIncreaseSales(d.Inventory, d.Pools, d.Ledger, d.Logger),
		NewDecreaseSales(d.Inventory, d.Logger),
	)
}
