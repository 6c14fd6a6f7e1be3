package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update database schemas",
	Long:  "Creates the run audit, manual review, admission lock, and task outbox tables for the configured store driver.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		backend, err := initLockBackend(st)
		if err != nil {
			return err
		}
		if c, ok := backend.(interface{ Close() error }); ok {
			defer c.Close() //nolint:errcheck
		}

		outbox, err := initOutbox(st)
		if err != nil {
			return err
		}
		if c, ok := outbox.(interface{ Close() error }); ok {
			defer c.Close() //nolint:errcheck
		}

		for _, c := range []any{st, backend, outbox} {
			if m, ok := c.(migrator); ok {
				if err := m.Migrate(ctx); err != nil {
					return eris.Wrap(err, "migrate")
				}
			}
		}

		zap.L().Info("migrations complete", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
