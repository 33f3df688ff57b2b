package stock

import (
	"errors"
	"fmt"
	"strings"
)

// CodeInsufficientStock is the stable error code shown to purchasers.
const CodeInsufficientStock = "insufficient-stock"

// ErrInsufficientStock matches every *InsufficientStockError with errors.Is.
var ErrInsufficientStock = errors.New(CodeInsufficientStock)

// Shortfall is one ticket that cannot cover the requested quantity.
type Shortfall struct {
	TicketID   int64
	TicketName string
	Requested  int
	Available  int
	// LockTimeout is set when availability could not be confirmed because
	// the ticket's lock was not acquired in time.
	LockTimeout bool
}

// Message is the purchaser-facing explanation.
func (s Shortfall) Message() string {
	name := s.TicketName
	if name == "" {
		name = fmt.Sprintf("ticket #%d", s.TicketID)
	}

	switch {
	case s.LockTimeout:
		return fmt.Sprintf("Could not confirm availability of %s. Please try again.", name)
	case s.Available <= 0:
		return fmt.Sprintf("%s is sold out.", name)
	default:
		return fmt.Sprintf("You requested %d of %s, but only %d available.", s.Requested, name, s.Available)
	}
}

// InsufficientStockError reports every shortfall found in a cart.
type InsufficientStockError struct {
	Shortfalls []Shortfall
}

// Code returns CodeInsufficientStock.
func (e *InsufficientStockError) Code() string {
	return CodeInsufficientStock
}

func (e *InsufficientStockError) Error() string {
	msgs := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		msgs = append(msgs, s.Message())
	}
	return strings.Join(msgs, " ")
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}
