package cli

import (
	"errors"
	"fmt"

	"dspaving.app/licensing/internal/config"
	"dspaving.app/licensing/models"
	"github.com/spf13/cobra"
)

func checkCmd(version string) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Look up a user's latest confirmed payment and apply it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			app, err := NewApp(cmd.Context(), cfg, version)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.Checker.CheckForUser(cmd.Context(), userID)
			if errors.Is(err, models.ErrNoPaymentFound) {
				fmt.Fprintf(cmd.OutOrStdout(), "No confirmed payment found for %s\n", userID)
				return nil
			}
			if err != nil {
				return err
			}

			license := res.Outcome.License
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %s until %s (reference %s, duplicate=%v)\n",
				license.UserID, license.PlanTier, license.Status,
				license.ExpiresAt.Format("2006-01-02"), res.Event.ReferenceID, res.Outcome.Duplicate)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to check")
	cmd.MarkFlagRequired("user")
	return cmd
}
