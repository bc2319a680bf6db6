package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"fuelpos/backend/services/terminal/internal/device"
	"fuelpos/backend/services/terminal/internal/models"
	"fuelpos/backend/services/terminal/internal/syncer"
)

func writeDevices(w io.Writer, found []device.Descriptor) error {
	if len(found) == 0 {
		_, err := fmt.Fprintln(w, "no dispensers found")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tLABEL\tSIGNAL\tDISPENSER")
	for _, d := range found {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%t\n", d.Name, d.Label, d.SignalStrength, d.OffersService)
	}
	return tw.Flush()
}

func writeQueue(w io.Writer, items []models.OfflineTransaction) error {
	if len(items) == 0 {
		_, err := fmt.Fprintln(w, "queue is empty")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tCAPTURED\tFUEL\tLITERS\tAMOUNT")
	for _, tx := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%g\t%g\n",
			tx.IdempotencyKey,
			tx.CapturedAt.Local().Format(time.DateTime),
			tx.Draft.FuelType(),
			tx.Draft.Liters(),
			tx.Draft.Amount(),
		)
	}
	return tw.Flush()
}

func writeSyncResult(w io.Writer, res syncer.Result) error {
	if _, err := fmt.Fprintf(w, "synced %d, %d still queued\n", res.SyncedCount, res.RemainingCount); err != nil {
		return err
	}
	for _, e := range res.Failures {
		if _, err := fmt.Fprintf(w, "  %v\n", e); err != nil {
			return err
		}
	}
	return nil
}
