// Package checkout creates orders from carts and moves them between
// statuses, dispatching flag actions on every applied change.
package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/buildtall-systems/ticketstock/internal/flagaction"
	"github.com/buildtall-systems/ticketstock/internal/fsm"
	"github.com/buildtall-systems/ticketstock/internal/order"
	"github.com/buildtall-systems/ticketstock/internal/status"
	"go.uber.org/zap"
)

// ErrEmptyCart indicates a checkout without any positive quantity.
var ErrEmptyCart = errors.New("cart is empty")

// ErrInvalidTransition indicates a status change the order may not make.
var ErrInvalidTransition = errors.New("invalid order status transition")

// ErrNotInStatus indicates a redelivery for a status the order doesn't hold.
var ErrNotInStatus = errors.New("order is not in the redelivered status")

// Orders persists orders and their status.
type Orders interface {
	CreateOrder(ctx context.Context, recordType, status string, items []order.Item) (*order.Order, error)
	GetOrder(ctx context.Context, orderID int64) (*order.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, oldStatus, newStatus string) error
}

// Guard serializes stock writes. Reserve confirms and locks a cart's stock
// around fn, Hold locks the order and its tracked tickets around fn, and Check
// confirms stock while those locks are held.
type Guard interface {
	Reserve(ctx context.Context, c order.Cart, fn func(ctx context.Context) error) error
	Hold(ctx context.Context, orderID int64, c order.Cart, fn func(ctx context.Context) error) error
	Check(ctx context.Context, c order.Cart) error
}

// Dispatcher runs flag actions for a status change.
type Dispatcher interface {
	Dispatch(ctx context.Context, newStatus, oldStatus status.Status, o *order.Order) flagaction.Report
}

// Service is the status transition component.
type Service struct {
	orders     Orders
	guard      Guard
	dispatcher Dispatcher
	machine    *fsm.StatusMachine
	statuses   status.Catalog
	logger     *zap.Logger
}

// NewService wires a checkout service.
func NewService(orders Orders, guard Guard, dispatcher Dispatcher, statuses status.Catalog, logger *zap.Logger) *Service {
	return &Service{
		orders:     orders,
		guard:      guard,
		dispatcher: dispatcher,
		machine:    fsm.NewStatusMachine(),
		statuses:   statuses,
		logger:     logger,
	}
}

// Checkout validates the cart and, under the same stock locks, creates the
// order and moves it to pending so its units are taken out of stock.
func (s *Service) Checkout(ctx context.Context, c order.Cart, recordType string) (*order.Order, error) {
	items := c.Items()
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}
	if recordType == "" {
		recordType = order.RecordTypeCommerce
	}

	var created *order.Order
	err := s.guard.Reserve(ctx, c, func(ctx context.Context) error {
		o, err := s.orders.CreateOrder(ctx, recordType, status.Created, items)
		if err != nil {
			return err
		}
		created = o
		return s.apply(ctx, o, status.Pending)
	})
	if err != nil {
		if created != nil {
			s.logger.Warn("order created but not reserved", zap.Int64("order_id", created.ID), zap.Error(err))
		}
		return nil, err
	}

	s.logger.Info("checkout completed",
		zap.Int64("order_id", created.ID),
		zap.Int("items", len(items)),
	)
	return created, nil
}

// Transition moves an order to next. Moving to the status the order already
// holds is a no-op. The change and its actions run under the order lock and
// the locks of every stock-tracked ticket in the order. Entering a
// stock-decreasing status from one that held no stock re-validates
// availability first.
func (s *Service) Transition(ctx context.Context, orderID int64, next string) (*order.Order, error) {
	newStatus, err := s.statuses.Lookup(next)
	if err != nil {
		return nil, err
	}
	o, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status == next {
		s.logger.Debug("status unchanged, nothing to dispatch", zap.Int64("order_id", o.ID), zap.String("status", next))
		return o, nil
	}

	err = s.guard.Hold(ctx, o.ID, o.Cart(), func(ctx context.Context) error {
		// Another change may have landed while we waited for the locks.
		cur, err := s.orders.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		o = cur
		if o.Status == next {
			s.logger.Debug("status unchanged, nothing to dispatch", zap.Int64("order_id", o.ID), zap.String("status", next))
			return nil
		}

		oldStatus, err := s.statuses.Lookup(o.Status)
		if err != nil {
			return err
		}
		if !s.machine.CanTransition(o.Status, next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
		}
		if newStatus.HasFlag(status.FlagDecreaseStock) && !oldStatus.HasFlag(status.FlagDecreaseStock) {
			if err := s.guard.Check(ctx, o.Cart()); err != nil {
				return err
			}
		}
		return s.apply(ctx, o, next)
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Redeliver dispatches the actions of a status change that was already
// applied, as a retried payment notification would. oldSlug is the status the
// order came from; the order must currently hold the status being redelivered.
// It takes the same locks as Transition.
func (s *Service) Redeliver(ctx context.Context, orderID int64, oldSlug, newSlug string) (flagaction.Report, error) {
	oldStatus, err := s.statuses.Lookup(oldSlug)
	if err != nil {
		return flagaction.Report{}, err
	}
	newStatus, err := s.statuses.Lookup(newSlug)
	if err != nil {
		return flagaction.Report{}, err
	}
	o, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return flagaction.Report{}, err
	}

	var report flagaction.Report
	err = s.guard.Hold(ctx, o.ID, o.Cart(), func(ctx context.Context) error {
		cur, err := s.orders.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if cur.Status != newSlug {
			return fmt.Errorf("%w: order %d is %s, not %s", ErrNotInStatus, cur.ID, cur.Status, newSlug)
		}

		s.logger.Info("redelivering status change",
			zap.Int64("order_id", cur.ID),
			zap.String("old_status", oldSlug),
			zap.String("new_status", newSlug),
		)
		report = s.dispatcher.Dispatch(ctx, newStatus, oldStatus, cur)
		return nil
	})
	if err != nil {
		return flagaction.Report{}, err
	}
	return report, nil
}

// Order returns an order by id.
func (s *Service) Order(ctx context.Context, orderID int64) (*order.Order, error) {
	return s.orders.GetOrder(ctx, orderID)
}

// apply stores the new status and dispatches its actions. Action failures are
// logged by the dispatcher and never undo the status change.
func (s *Service) apply(ctx context.Context, o *order.Order, next string) error {
	oldStatus, err := s.statuses.Lookup(o.Status)
	if err != nil {
		return err
	}
	newStatus, err := s.statuses.Lookup(next)
	if err != nil {
		return err
	}

	if _, err := s.machine.Transition(ctx, o.Status, next); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	if err := s.orders.UpdateOrderStatus(ctx, o.ID, o.Status, next); err != nil {
		return err
	}
	o.Status = next

	report := s.dispatcher.Dispatch(ctx, newStatus, oldStatus, o)
	s.logger.Info("order status changed",
		zap.Int64("order_id", o.ID),
		zap.String("old_status", oldStatus.Slug),
		zap.String("new_status", newStatus.Slug),
		zap.Strings("actions", report.Triggered),
		zap.Int("failed", len(report.Failed)),
	)
	return nil
}
