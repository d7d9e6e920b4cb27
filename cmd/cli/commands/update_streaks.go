package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// UpdateStreaksCmd recomputes every driver's consecutive work days
func UpdateStreaksCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "update-streaks",
		Short: "Recompute driver work streaks up to yesterday",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.OpenEngine()
			if err != nil {
				return err
			}

			n, err := engine.UpdateStreaks(app.Ctx)
			if err != nil {
				return fmt.Errorf("failed to update streaks: %w", err)
			}
			fmt.Printf("Updated streaks for %d drivers\n", n)
			return nil
		},
	}
}
