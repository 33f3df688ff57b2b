package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/buildtall-systems/ticketstock/internal/order"
	"github.com/buildtall-systems/ticketstock/internal/stock"
	"github.com/spf13/cobra"
)

// withApp builds the app for one command run and tears it down afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	return fn(ctx, a)
}

// parseCart reads "ticket[:qty]" arguments. Quantity defaults to 1.
func parseCart(args []string) (order.Cart, error) {
	cart := make(order.Cart, 0, len(args))
	for _, arg := range args {
		idPart, qtyPart, hasQty := strings.Cut(arg, ":")

		id, err := strconv.ParseInt(idPart, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid ticket id in %q", arg)
		}
		qty := 1
		if hasQty {
			qty, err = strconv.Atoi(qtyPart)
			if err != nil || qty <= 0 {
				return nil, fmt.Errorf("invalid quantity in %q", arg)
			}
		}
		cart = append(cart, order.Line{TicketID: id, Quantity: qty})
	}
	return cart, nil
}

func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, arg)
	}
	return id, nil
}

// describe prefixes stock failures with their error code so callers can
// match on it.
func describe(err error) error {
	var ise *stock.InsufficientStockError
	if errors.As(err, &ise) {
		return fmt.Errorf("%s: %w", ise.Code(), err)
	}
	return err
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			v, err := a.db.SchemaVersion()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
			return nil
		})
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate TICKET[:QTY]...",
	Short: "Check that a cart can be fulfilled from current stock",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cart, err := parseCart(args)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.validator.Validate(ctx, cart); err != nil {
				return describe(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "available")
			return nil
		})
	},
}

var checkoutCmd = &cobra.Command{
	Use:   "checkout TICKET[:QTY]...",
	Short: "Validate a cart and place a pending order for it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cart, err := parseCart(args)
		if err != nil {
			return err
		}
		recordType, _ := cmd.Flags().GetString("record-type")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			o, err := a.checkout.Checkout(ctx, cart, recordType)
			if err != nil {
				return describe(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "order %d %s\n", o.ID, o.Status)
			return nil
		})
	},
}

var statusesCmd = &cobra.Command{
	Use:   "statuses",
	Short: "List order statuses and their flags",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			out := cmd.OutOrStdout()
			for _, slug := range a.statuses.Slugs() {
				s, _ := a.statuses.Lookup(slug)
				fmt.Fprintf(out, "%-16s %s\n", s.Slug, strings.Join(s.Flags, ","))
			}
			return nil
		})
	},
}

func init() {
	checkoutCmd.Flags().String("record-type", order.RecordTypeCommerce, "order record type")

	rootCmd.AddCommand(migrateCmd, validateCmd, checkoutCmd, statusesCmd)
}
