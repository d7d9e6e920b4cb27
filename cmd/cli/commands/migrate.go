package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// MigrateCmd applies pending schema migrations
func MigrateCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := app.OpenDatabase(); err != nil {
				return err
			}
			return runMigrations(app.Ctx, app)
		},
	}
}

func runMigrations(ctx context.Context, app *AppContext) error {
	ran, err := app.Database.RunMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if len(ran) == 0 {
		fmt.Println("Schema is up to date")
		return nil
	}
	for _, name := range ran {
		app.Logger.Info("Applied migration", zap.String("file", name))
		fmt.Printf("Applied %s\n", name)
	}
	return nil
}
