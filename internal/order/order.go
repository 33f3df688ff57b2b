package order

import (
	"fmt"
	"slices"
	"time"
)

// RecordTypeCommerce tags orders placed through ticket commerce checkout.
const RecordTypeCommerce = "tc-order"

// Line item types. Only ticket items carry inventory.
const (
	ItemTicket = "ticket"
	ItemFee    = "fee"
	ItemCoupon = "coupon"
)

// Item is one line of an order.
type Item struct {
	Type     string
	TicketID int64
	Quantity int
}

// IsTicket reports whether the item refers to a ticket.
func (i Item) IsTicket() bool {
	return i.Type == ItemTicket
}

// Ledger remembers quantities an action already applied for an order, so a
// redelivered transition can be neutralized.
type Ledger map[string]int

// Get returns the stored value for key, zero if absent.
func (l Ledger) Get(key string) int {
	return l[key]
}

// Order is a ticket order and the status it currently holds.
type Order struct {
	ID         int64
	RecordType string
	Status     string
	Items      []Item
	Ledger     Ledger
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TicketItems returns the order's ticket line items.
func (o *Order) TicketItems() []Item {
	var items []Item
	for _, it := range o.Items {
		if it.IsTicket() {
			items = append(items, it)
		}
	}
	return items
}

// Cart returns the ticket quantities of the order as a cart.
func (o *Order) Cart() Cart {
	var c Cart
	for _, it := range o.TicketItems() {
		c = append(c, Line{TicketID: it.TicketID, Quantity: it.Quantity})
	}
	return c
}

// SalesLedgerKey is the ledger key holding the quantity of ticketID already
// counted toward sales for the order.
func SalesLedgerKey(ticketID int64) string {
	return fmt.Sprintf("sales_counted:%d", ticketID)
}

// StockLedgerKey is the ledger key holding the quantity of ticketID the order
// currently keeps out of stock.
func StockLedgerKey(ticketID int64) string {
	return fmt.Sprintf("stock_held:%d", ticketID)
}

// Line is a candidate purchase of a ticket.
type Line struct {
	TicketID int64
	Quantity int
}

// Cart is a set of lines prior to order creation.
type Cart []Line

// Quantity is a requested total for one ticket.
type Quantity struct {
	TicketID int64
	Quantity int
}

// Quantities sums the cart per ticket id, ascending by id. Lines with a
// non-positive quantity are ignored.
func (c Cart) Quantities() []Quantity {
	totals := make(map[int64]int)
	for _, l := range c {
		if l.Quantity <= 0 {
			continue
		}
		totals[l.TicketID] += l.Quantity
	}

	out := make([]Quantity, 0, len(totals))
	for id, q := range totals {
		out = append(out, Quantity{TicketID: id, Quantity: q})
	}
	slices.SortFunc(out, func(a, b Quantity) int {
		switch {
		case a.TicketID < b.TicketID:
			return -1
		case a.TicketID > b.TicketID:
			return 1
		}
		return 0
	})
	return out
}

// Items converts the cart into ticket line items.
func (c Cart) Items() []Item {
	var items []Item
	for _, q := range c.Quantities() {
		items = append(items, Item{Type: ItemTicket, TicketID: q.TicketID, Quantity: q.Quantity})
	}
	return items
}
