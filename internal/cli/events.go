package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/supportcrm/backend/internal/events"
)

// NewEventsCmd creates the 'events' command group.
func NewEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect AI lifecycle events",
	}
	cmd.AddCommand(newEventsListCmd())
	cmd.AddCommand(newEventsShowCmd())
	return cmd
}

func newEventsListCmd() *cobra.Command {
	var (
		p      events.ListParams
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events, newest first",
		Example: `  assistctl events list --type ai.handoff.requested --window 24h
  assistctl events list --conversation 6f1c... --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.Events.List(commandContext(cmd), p)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, items)
			}
			if len(items) == 0 {
				fmt.Fprintln(out, "No events found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tCONVERSATION\tPROCESSED\tCREATED")
			for _, e := range items {
				conv := "-"
				if e.ConversationID != nil {
					conv = *e.ConversationID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", e.ID, e.EventType, conv, e.Processed, e.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&p.Type, "type", "", "Filter by event type")
	cmd.Flags().StringVar(&p.Window, "window", "", "Time window: 24h, 7d or 30d")
	cmd.Flags().StringVar(&p.ConversationID, "conversation", "", "Filter by conversation ID")
	cmd.Flags().IntVar(&p.Limit, "limit", 50, "Maximum number of events")
	cmd.Flags().IntVar(&p.Offset, "offset", 0, "Number of events to skip")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newEventsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <event-id>",
		Short: "Show one event with its decoded payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			e, err := a.Events.Get(commandContext(cmd), args[0])
			if err != nil {
				return fmt.Errorf("event %s: %w", args[0], err)
			}
			return printJSON(cmd.OutOrStdout(), e)
		},
	}
}
