package cli

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fuelpos/backend/services/terminal/internal/app"
	"fuelpos/backend/services/terminal/internal/device"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the terminal and its local UI API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadEnv()
			if err != nil {
				return err
			}
			defer logger.Sync()

			application, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				logger.Error("failed to init terminal", zap.Error(err))
				return err
			}
			defer application.Close()

			if err := application.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("terminal stopped with error", zap.Error(err))
				return err
			}
			return nil
		},
	}
}

// NewScanCommand creates the scan command.
func NewScanCommand(rootOpts *RootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List dispensers in range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadEnv()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if timeout <= 0 {
				timeout = cfg.ScanTimeout()
			}
			link := device.NewLink(
				device.NewSerialScanner(cfg.Device.ServiceMatch, cfg.Device.RescanInterval, logger),
				device.NewSerialDialer(cfg.Device.BaudRate),
				device.Config{ScanTimeout: timeout},
				nil, nil, logger,
			)
			found, err := link.Scan(cmd.Context(), timeout)
			if err != nil {
				return err
			}
			if found == nil {
				found = []device.Descriptor{}
			}
			return output(cmd.OutOrStdout(), rootOpts, found, func(w io.Writer) error {
				return writeDevices(w, found)
			})
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "scan window (default from config)")
	return cmd
}
