package cli

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"dspaving.app/licensing/internal/config"
	"dspaving.app/licensing/internal/returnpoll"
	"dspaving.app/licensing/models"
	"github.com/spf13/cobra"
)

func waitCmd() *cobra.Command {
	var (
		userID   string
		server   string
		token    string
		redirect string
	)
	poll, pollErr := config.LoadPoll()
	policy := returnpoll.PolicyFromConfig(poll)

	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Poll a running server until a user's license activates",
		Long: `Poll GET /api/v1/licenses/{user} with exponential backoff until the
license is active. When the attempt cap is reached a manual check runs once.
Flag defaults come from POLL_INTERVAL, POLL_MAX_INTERVAL, POLL_MULTIPLIER and
POLL_MAX_ATTEMPTS.

Examples:
  licensing wait --user U1
  licensing wait --user U1 --redirect 'status=approved&payment_id=123'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pollErr != nil {
				return fmt.Errorf("invalid poll settings: %w", pollErr)
			}
			if token == "" {
				token = os.Getenv("LICENSING_TOKEN")
			}

			sess := returnpoll.NewSession(cmd.Context(), userID)
			defer sess.End()

			if redirect != "" {
				q, err := url.ParseQuery(redirect)
				if err != nil {
					return fmt.Errorf("invalid redirect query: %w", err)
				}
				if r, ok := returnpoll.DetectRedirect(q); ok {
					sess.MarkProcessing(r)
					fmt.Fprintf(cmd.OutOrStdout(), "Payment %s detected, waiting for confirmation\n", r.ReferenceID)
				}
			}

			client := returnpoll.NewClient(server, token)
			out, err := returnpoll.NewPoller(client, client, policy).Wait(cmd.Context(), sess)
			if errors.Is(err, models.ErrNoPaymentFound) {
				fmt.Fprintln(cmd.OutOrStdout(), "No confirmed payment found yet; try again shortly")
				return nil
			}
			if err != nil {
				return err
			}

			if out.Activated {
				fmt.Fprintf(cmd.OutOrStdout(), "License active after %d attempt(s)\n", out.Attempts)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "License not active yet (status %q); try again shortly\n", out.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id to wait for")
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "licensing server base URL")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (defaults to LICENSING_TOKEN)")
	cmd.Flags().StringVar(&redirect, "redirect", "", "provider return query string")
	cmd.Flags().DurationVar(&policy.Interval, "interval", policy.Interval, "initial poll interval")
	cmd.Flags().DurationVar(&policy.MaxInterval, "max-interval", policy.MaxInterval, "maximum poll interval")
	cmd.Flags().Float64Var(&policy.Multiplier, "multiplier", policy.Multiplier, "growth factor between polls")
	cmd.Flags().IntVar(&policy.MaxAttempts, "max-attempts", policy.MaxAttempts, "polls before falling back to a manual check")
	cmd.MarkFlagRequired("user")
	return cmd
}
