package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fuelpos/backend/services/terminal/internal/app"
	"fuelpos/backend/services/terminal/internal/journal"
	"fuelpos/backend/services/terminal/internal/queue"
	"fuelpos/backend/services/terminal/internal/supervisor"
	"fuelpos/backend/services/terminal/internal/syncer"
)

// ErrUnknownSale is returned by queue discard for a key that is not queued.
var ErrUnknownSale = errors.New("queue: no queued sale with that key")

// NewQueueCommand creates the queue command group. Its subcommands work on the
// queue file directly and must not run next to a live terminal.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drain the offline sale queue",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueSyncCommand(rootOpts))
	cmd.AddCommand(newQueueDiscardCommand(rootOpts))
	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print queued sales, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadEnv()
			if err != nil {
				return err
			}
			defer logger.Sync()

			store, err := queue.Open(cfg.QueuePath(), cfg.Queue.MaxItems, logger)
			if err != nil {
				return err
			}
			items := store.List()
			return output(cmd.OutOrStdout(), rootOpts, map[string]any{"items": items, "count": len(items)}, func(w io.Writer) error {
				return writeQueue(w, items)
			})
		},
	}
}

func newQueueSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Submit queued sales now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadEnv()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if strings.TrimSpace(cfg.Sales.BaseURL) == "" {
				return errors.New("queue sync: sales baseUrl is not configured")
			}

			store, err := queue.Open(cfg.QueuePath(), cfg.Queue.MaxItems, logger)
			if err != nil {
				return err
			}
			jr, err := journal.Open(cfg.JournalPath())
			if err != nil {
				return err
			}
			defer jr.Close()

			online := func() bool { return true }
			engine := syncer.NewEngine(store, app.NewSalesClient(cfg, logger), online, jr, nil, cfg.Sales.Timeout, logger)
			res, err := engine.SyncNow(cmd.Context())
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), rootOpts, res, func(w io.Writer) error {
				return writeSyncResult(w, res)
			})
		},
	}
}

func newQueueDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	var pin string

	cmd := &cobra.Command{
		Use:   "discard <idempotency-key>",
		Short: "Drop a queued sale (supervisor PIN required)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadEnv()
			if err != nil {
				return err
			}
			defer logger.Sync()

			verifier := supervisor.NewVerifier(cfg.Supervisor.PINHash, supervisor.NewBcryptHasher(0))
			if err := verifier.Verify(pin); err != nil {
				return err
			}

			store, err := queue.Open(cfg.QueuePath(), cfg.Queue.MaxItems, logger)
			if err != nil {
				return err
			}
			key := args[0]
			if _, ok := store.Get(key); !ok {
				return fmt.Errorf("%w: %s", ErrUnknownSale, key)
			}
			if err := store.Remove(key); err != nil {
				return err
			}
			logger.Warn("queued sale discarded by supervisor", zap.String("idempotency_key", key))

			jr, err := journal.Open(cfg.JournalPath())
			if err != nil {
				return err
			}
			defer jr.Close()
			if err := jr.RecordOutcome(cmd.Context(), key, "discarded", "", "discarded by supervisor"); err != nil {
				logger.Warn("failed to journal discard", zap.Error(err))
			}

			remaining := store.Count()
			return output(cmd.OutOrStdout(), rootOpts, map[string]any{"discarded": key, "remaining": remaining}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "discarded %s, %d sale(s) still queued\n", key, remaining)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&pin, "pin", "", "supervisor PIN")
	_ = cmd.MarkFlagRequired("pin")
	return cmd
}

// NewHashPINCommand creates the hash-pin command, which prints the value for
// supervisor.pinHash.
func NewHashPINCommand(rootOpts *RootOptions) *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "hash-pin <pin>",
		Short: "Hash a supervisor PIN for the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := supervisor.NewBcryptHasher(cost).Hash(args[0])
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), rootOpts, map[string]string{"pinHash": hash}, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, hash)
				return err
			})
		},
	}

	cmd.Flags().IntVar(&cost, "cost", 0, "bcrypt cost (default bcrypt.DefaultCost)")
	return cmd
}
