package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/buildtall-systems/ticketstock/internal/ticket"
	"github.com/spf13/cobra"
)

var ticketCmd = &cobra.Command{
	Use:   "ticket",
	Short: "Manage ticket inventory",
}

var ticketAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Create a ticket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		capacity, _ := flags.GetInt("capacity")
		eventID, _ := flags.GetInt64("event")
		unmanaged, _ := flags.GetBool("unmanaged")
		mode, _ := flags.GetString("mode")

		t := ticket.Ticket{
			EventID:     eventID,
			Name:        args[0],
			Capacity:    capacity,
			ManageStock: !unmanaged,
			StockMode:   ticket.StockMode(mode),
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			created, err := a.db.CreateTicket(ctx, t)
			if err != nil {
				return err
			}
			printTicket(cmd.OutOrStdout(), created)
			return nil
		})
	},
}

var ticketShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a ticket's stock and sales",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "ticket")
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			t, err := a.db.FreshTicket(ctx, id)
			if err != nil {
				return err
			}
			printTicket(cmd.OutOrStdout(), t)
			return nil
		})
	},
}

var ticketListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tickets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			tickets, err := a.db.ListTickets(ctx)
			if err != nil {
				return err
			}
			for i := range tickets {
				printTicket(cmd.OutOrStdout(), &tickets[i])
			}
			return nil
		})
	},
}

func printTicket(w io.Writer, t *ticket.Ticket) {
	available := fmt.Sprint(t.Available())
	if t.IsUnlimited() {
		available = "unlimited"
	}
	fmt.Fprintf(w, "ticket %d %q event=%d mode=%s available=%s sold=%d sales=%d\n",
		t.ID, t.Name, t.EventID, t.StockMode, available, t.Sold, t.TotalSales)
}

func init() {
	ticketAddCmd.Flags().Int("capacity", ticket.Unlimited, "units for sale, -1 for unlimited")
	ticketAddCmd.Flags().Int64("event", 0, "event the ticket belongs to")
	ticketAddCmd.Flags().Bool("unmanaged", false, "do not track stock for this ticket")
	ticketAddCmd.Flags().String("mode", string(ticket.ModeOwn), "stock mode: own, global or capped")

	ticketCmd.AddCommand(ticketAddCmd, ticketShowCmd, ticketListCmd)
	rootCmd.AddCommand(ticketCmd)
}
