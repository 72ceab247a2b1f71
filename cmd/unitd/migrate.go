package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"unitcore/internal/core"
)

// newMigrateCmd applies the embedded schema of the configured backend and
// exits. Opening a relational backend runs its migrations.
func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the storage schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			backend, err := core.OpenBackend(cmd.Context(), a.cfg.Storage)
			if err != nil {
				return fmt.Errorf("open backend: %w", err)
			}
			a.logger.Info("schema up to date", zap.String("driver", string(backend.Driver())))
			return backend.Close()
		},
	}
}
