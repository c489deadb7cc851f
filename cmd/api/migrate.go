package main

import (
	"context"
	"fmt"

	"github.com/estatehub/portal/common/bootstrap"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply embedded database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(cmd.Context())
		},
	}
}

func migrate(ctx context.Context) error {
	components, err := bootstrap.Setup(ctx, serviceName,
		bootstrap.WithoutRedis(),
		bootstrap.WithoutQueue(),
		bootstrap.WithoutCache(),
		bootstrap.WithoutTelemetry(),
	)
	if err != nil {
		return fmt.Errorf("failed to bootstrap %s: %w", serviceName, err)
	}
	defer components.Shutdown(context.Background())

	if components.DB == nil {
		return fmt.Errorf("migrate requires STORAGE_BACKEND=postgres")
	}
	if err := components.DB.Migrate(ctx); err != nil {
		return err
	}

	components.Logger.Info("migrations applied")
	return nil
}
