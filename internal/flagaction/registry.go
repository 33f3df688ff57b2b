package flagaction

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/buildtall-systems/ticketstock/internal/order"
	"github.com/buildtall-systems/ticketstock/internal/status"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultPriority is the priority of actions that don't ask for another.
const DefaultPriority = 10

// Action reacts to an order entering a status that carries one of its flags.
type Action interface {
	Name() string
	// Priority orders actions within a dispatch, lowest first.
	Priority() int
	// Applies reports whether the action reacts to a status with the given
	// flags on an order of the given record type.
	Applies(flags []string, recordType string) bool
	Handle(ctx context.Context, newStatus, oldStatus status.Status, o *order.Order) error
}

// Base implements Priority and Applies for embedding in concrete actions.
type Base struct {
	flags       []string
	recordTypes []string
	priority    int
}

// NewBase returns a Base bound to flags and recordTypes.
func NewBase(flags, recordTypes []string, priority int) Base {
	return Base{flags: flags, recordTypes: recordTypes, priority: priority}
}

// Priority returns the action's priority.
func (b Base) Priority() int {
	return b.priority
}

// Flags returns the flags the action is bound to.
func (b Base) Flags() []string {
	return b.flags
}

// Applies reports whether any of flags is bound and recordType is accepted.
func (b Base) Applies(flags []string, recordType string) bool {
	if !slices.Contains(b.recordTypes, recordType) {
		return false
	}
	for _, f := range flags {
		if slices.Contains(b.flags, f) {
			return true
		}
	}
	return false
}

// Failure records an action that returned an error or panicked.
type Failure struct {
	Action string
	Err    error
}

// Report summarizes one dispatch.
type Report struct {
	Triggered []string
	Failed    []Failure
}

// Registry holds flag actions in dispatch order. It is safe for concurrent
// use; registration normally happens once at startup.
type Registry struct {
	mu      sync.RWMutex
	actions []Action

	logger *zap.Logger
	tracer trace.Tracer
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger,
		tracer: otel.Tracer("ticketstock/flagaction"),
	}
}

// Register adds an action. Actions with equal priority keep registration order.
func (r *Registry) Register(actions ...Action) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.actions = append(r.actions, actions...)
	slices.SortStableFunc(r.actions, func(a, b Action) int {
		return a.Priority() - b.Priority()
	})
}

// Actions returns the registered actions in dispatch order.
func (r *Registry) Actions() []Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.actions)
}

// Triggered returns the actions that react to o entering newStatus.
func (r *Registry) Triggered(newStatus status.Status, o *order.Order) []Action {
	var out []Action
	for _, a := range r.Actions() {
		if a.Applies(newStatus.Flags, o.RecordType) {
			out = append(out, a)
		}
	}
	return out
}

// Dispatch runs every triggered action in priority order. A failing action is
// logged and skipped; it never stops the remaining actions or the transition.
func (r *Registry) Dispatch(ctx context.Context, newStatus, oldStatus status.Status, o *order.Order) Report {
	ctx, span := r.tracer.Start(ctx, "flagaction.dispatch", trace.WithAttributes(
		attribute.Int64("order.id", o.ID),
		attribute.String("order.record_type", o.RecordType),
		attribute.String("status.old", oldStatus.Slug),
		attribute.String("status.new", newStatus.Slug),
	))
	defer span.End()

	var report Report
	for _, a := range r.Triggered(newStatus, o) {
		report.Triggered = append(report.Triggered, a.Name())

		if err := r.run(ctx, a, newStatus, oldStatus, o); err != nil {
			report.Failed = append(report.Failed, Failure{Action: a.Name(), Err: err})
			r.logger.Error("flag action failed",
				zap.String("action", a.Name()),
				zap.Int64("order_id", o.ID),
				zap.String("old_status", oldStatus.Slug),
				zap.String("new_status", newStatus.Slug),
				zap.Error(err),
			)
		}
	}

	span.SetAttributes(
		attribute.Int("actions.triggered", len(report.Triggered)),
		attribute.Int("actions.failed", len(report.Failed)),
	)
	return report
}

func (r *Registry) run(ctx context.Context, a Action, newStatus, oldStatus status.Status, o *order.Order) (err error) {
	ctx, span := r.tracer.Start(ctx, "flagaction."+a.Name(), trace.WithAttributes(
		attribute.Int("action.priority", a.Priority()),
	))
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in %s: %v", a.Name(), p)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	return a.Handle(ctx, newStatus, oldStatus, o)
}
