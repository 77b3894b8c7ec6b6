package cli

import (
	"fmt"
	"strings"

	"dspaving.app/licensing/storage"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the license ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := databaseURL(cmd)
			if err != nil {
				return err
			}

			if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
				if err := storage.MigratePostgres(url); err != nil {
					return err
				}
			} else {
				// Opening a SQLite ledger migrates it.
				ledger, err := storage.NewSQLiteLedger(url)
				if err != nil {
					return err
				}
				ledger.Close()
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
			return nil
		},
	}
	cmd.Flags().String("database", "", "database URL (defaults to DATABASE_URL)")
	return cmd
}
