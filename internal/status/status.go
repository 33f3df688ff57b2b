package status

import (
	"errors"
	"fmt"
	"slices"
)

// Flags a status may declare. A flag selects which actions react when an
// order enters a status carrying it.
const (
	FlagDecreaseStock            = "decrease_stock"
	FlagIncreaseStock            = "increase_stock"
	FlagIncreaseSales            = "increase_sales"
	FlagDecreaseSales            = "decrease_sales"
	FlagGenerateAttendees        = "generate_attendees"
	FlagArchiveAttendees         = "archive_attendees"
	FlagBackfillPurchaser        = "backfill_purchaser"
	FlagSendEmail                = "send_email"
	FlagSendEmailCompletedOrder  = "send_email_completed_order"
	FlagSendEmailPurchaseReceipt = "send_email_purchase_receipt"
	FlagAttendeeGeneration       = "attendee_generation"
)

// Status slugs of the built-in catalog.
const (
	Created        = "created"
	Pending        = "pending"
	ActionRequired = "action-required"
	Completed      = "completed"
	NotCompleted   = "not-completed"
	Denied         = "denied"
	Voided         = "voided"
	Refunded       = "refunded"
	Reversed       = "reversed"
)

// ErrUnknownStatus indicates a slug that is not in the catalog.
var ErrUnknownStatus = errors.New("unknown status")

// Status is a named order status and the flags it declares.
type Status struct {
	Slug  string
	Name  string
	Flags []string
}

// HasFlag reports whether the status declares flag.
func (s Status) HasFlag(flag string) bool {
	return slices.Contains(s.Flags, flag)
}

// HasAnyFlag reports whether the status declares at least one of flags.
func (s Status) HasAnyFlag(flags ...string) bool {
	for _, f := range flags {
		if s.HasFlag(f) {
			return true
		}
	}
	return false
}

func (s Status) String() string {
	return s.Slug
}

// Catalog maps slugs to statuses.
type Catalog map[string]Status

// Lookup returns the status registered under slug.
func (c Catalog) Lookup(slug string) (Status, error) {
	s, ok := c[slug]
	if !ok {
		return Status{}, fmt.Errorf("%w: %q", ErrUnknownStatus, slug)
	}
	return s, nil
}

// Slugs returns every registered slug in sorted order.
func (c Catalog) Slugs() []string {
	slugs := make([]string, 0, len(c))
	for slug := range c {
		slugs = append(slugs, slug)
	}
	slices.Sort(slugs)
	return slugs
}

// DefaultCatalog returns the built-in statuses of ticket commerce orders.
func DefaultCatalog() Catalog {
	statuses := []Status{
		{Slug: Created, Name: "Created"},
		{Slug: Pending, Name: "Pending", Flags: []string{
			FlagDecreaseStock,
			FlagAttendeeGeneration,
		}},
		{Slug: ActionRequired, Name: "Action Required"},
		{Slug: Completed, Name: "Completed", Flags: []string{
			FlagDecreaseStock,
			FlagIncreaseSales,
			FlagGenerateAttendees,
			FlagAttendeeGeneration,
			FlagBackfillPurchaser,
			FlagSendEmail,
			FlagSendEmailCompletedOrder,
			FlagSendEmailPurchaseReceipt,
		}},
		{Slug: NotCompleted, Name: "Not Completed", Flags: []string{FlagIncreaseStock, FlagArchiveAttendees}},
		{Slug: Denied, Name: "Denied", Flags: []string{FlagIncreaseStock, FlagArchiveAttendees}},
		{Slug: Voided, Name: "Voided", Flags: []string{FlagIncreaseStock, FlagArchiveAttendees}},
		{Slug: Refunded, Name: "Refunded", Flags: []string{
			FlagIncreaseStock,
			FlagDecreaseSales,
			FlagArchiveAttendees,
		}},
		{Slug: Reversed, Name: "Reversed", Flags: []string{
			FlagIncreaseStock,
			FlagDecreaseSales,
			FlagArchiveAttendees,
		}},
	}

	c := make(Catalog, len(statuses))
	for _, s := range statuses {
		c[s.Slug] = s
	}
	return c
}
