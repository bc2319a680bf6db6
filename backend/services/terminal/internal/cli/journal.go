package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fuelpos/backend/services/terminal/internal/journal"
)

// NewJournalCommand creates the journal command group.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Read the local device and sale journal",
	}
	cmd.AddCommand(newJournalFramesCommand(rootOpts))
	cmd.AddCommand(newJournalOutcomesCommand(rootOpts))
	return cmd
}

func newJournalFramesCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "frames",
		Short: "Print the most recent dispenser frames, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadEnv()
			if err != nil {
				return err
			}
			defer logger.Sync()

			jr, err := journal.Open(cfg.JournalPath())
			if err != nil {
				return err
			}
			defer jr.Close()

			frames, err := jr.RecentFrames(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), rootOpts, frames, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				for _, f := range frames {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", f.RecordedAt.Local().Format(time.DateTime), f.Direction, f.Tag, f.Raw)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of frames")
	return cmd
}

func newJournalOutcomesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "outcomes <idempotency-key>",
		Short: "Print everything that happened to one sale",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadEnv()
			if err != nil {
				return err
			}
			defer logger.Sync()

			jr, err := journal.Open(cfg.JournalPath())
			if err != nil {
				return err
			}
			defer jr.Close()

			outcomes, err := jr.Outcomes(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), rootOpts, outcomes, func(w io.Writer) error {
				if len(outcomes) == 0 {
					_, err := fmt.Fprintln(w, "no outcomes recorded")
					return err
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				for _, o := range outcomes {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.RecordedAt.Local().Format(time.DateTime), o.Status, o.TransactionID, o.Detail)
				}
				return tw.Flush()
			})
		},
	}
}
