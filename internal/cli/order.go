package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/buildtall-systems/ticketstock/internal/order"
	"github.com/spf13/cobra"
)

var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Inspect orders and change their status",
}

var orderShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show an order with its items and ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "order")
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			o, err := a.checkout.Order(ctx, id)
			if err != nil {
				return err
			}
			printOrder(cmd.OutOrStdout(), o)
			for _, it := range o.Items {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s ticket=%d qty=%d\n", it.Type, it.TicketID, it.Quantity)
			}
			for key, v := range o.Ledger {
				fmt.Fprintf(cmd.OutOrStdout(), "  ledger %s=%d\n", key, v)
			}
			return nil
		})
	},
}

var orderListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent orders",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			orders, err := a.db.ListOrders(ctx, limit)
			if err != nil {
				return err
			}
			for i := range orders {
				printOrder(cmd.OutOrStdout(), &orders[i])
			}
			return nil
		})
	},
}

var orderTransitionCmd = &cobra.Command{
	Use:   "transition ID STATUS",
	Short: "Move an order to a new status and run its actions",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "order")
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			o, err := a.checkout.Transition(ctx, id, args[1])
			if err != nil {
				return describe(err)
			}
			printOrder(cmd.OutOrStdout(), o)
			return nil
		})
	},
}

var orderRedeliverCmd = &cobra.Command{
	Use:   "redeliver ID OLD_STATUS NEW_STATUS",
	Short: "Run the actions of an already applied status change again",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "order")
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			report, err := a.checkout.Redeliver(ctx, id, args[1], args[2])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ran %s\n", strings.Join(report.Triggered, ","))
			for _, f := range report.Failed {
				fmt.Fprintf(out, "  %s failed: %v\n", f.Action, f.Err)
			}
			return nil
		})
	},
}

func printOrder(w io.Writer, o *order.Order) {
	fmt.Fprintf(w, "order %d %s %s\n", o.ID, o.RecordType, o.Status)
}

func init() {
	orderListCmd.Flags().Int("limit", 20, "maximum orders to list")

	orderCmd.AddCommand(orderShowCmd, orderListCmd, orderTransitionCmd, orderRedeliverCmd)
	rootCmd.AddCommand(orderCmd)
}
