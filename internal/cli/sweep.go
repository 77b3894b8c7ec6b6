package cli

import (
	"fmt"
	"time"

	"dspaving.app/licensing/internal/sweep"
	"dspaving.app/licensing/storage"
	"github.com/spf13/cobra"
)

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Mark lapsed trial and paid licenses as expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := databaseURL(cmd)
			if err != nil {
				return err
			}

			ledger, err := storage.Open(cmd.Context(), url)
			if err != nil {
				return err
			}
			defer ledger.Close()

			changed, err := sweep.New(ledger, time.Minute).Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Expired %d license(s)\n", changed)
			return nil
		},
	}
	cmd.Flags().String("database", "", "database URL (defaults to DATABASE_URL)")
	return cmd
}
