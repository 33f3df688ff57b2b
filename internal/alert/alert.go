// Package alert publishes the insufficient-stock signal raised when an order
// enters a stock-decreasing status with more units than are available. The
// signal is for monitoring only and never drives control flow.
package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/buildtall-systems/ticketstock/internal/order"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Shortfall describes one under-stocked line item.
type Shortfall struct {
	Item       order.Item
	TicketID   int64
	TicketName string
	Requested  int
	Available  int
}

// InsufficientStock is the signal payload.
type InsufficientStock struct {
	Order      *order.Order
	Items      []Shortfall
	DetectedAt time.Time
}

// Summary renders the signal as a single human readable line.
func (s InsufficientStock) Summary() string {
	parts := make([]string, 0, len(s.Items))
	for _, it := range s.Items {
		parts = append(parts, fmt.Sprintf("%s (#%d) requested %d, available %d",
			it.TicketName, it.TicketID, it.Requested, it.Available))
	}
	return fmt.Sprintf("insufficient stock detected on order %d: %s",
		s.Order.ID, strings.Join(parts, "; "))
}

// Publisher delivers insufficient-stock signals.
type Publisher interface {
	Publish(ctx context.Context, sig InsufficientStock) error
}

// LogPublisher writes signals to the log.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher returns a publisher that logs at warn level.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs the signal.
func (p *LogPublisher) Publish(_ context.Context, sig InsufficientStock) error {
	fields := []zap.Field{
		zap.Int64("order_id", sig.Order.ID),
		zap.String("status", sig.Order.Status),
		zap.Time("detected_at", sig.DetectedAt),
	}
	for _, it := range sig.Items {
		fields = append(fields, zap.Dict(fmt.Sprintf("ticket_%d", it.TicketID),
			zap.String("name", it.TicketName),
			zap.Int("requested", it.Requested),
			zap.Int("available", it.Available),
		))
	}
	p.logger.Warn("insufficient stock detected", fields...)
	return nil
}

// Multi fans a signal out to several publishers. Every publisher is attempted;
// the first error is returned.
type Multi []Publisher

// Publish delivers sig to every publisher concurrently.
func (m Multi) Publish(ctx context.Context, sig InsufficientStock) error {
	var g errgroup.Group
	for _, p := range m {
		g.Go(func() error {
			return p.Publish(ctx, sig)
		})
	}
	return g.Wait()
}
