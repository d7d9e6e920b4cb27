package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// SweepCmd runs a single expiry sweep
func SweepCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue calls and recall imminent shifts",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.OpenEngine()
			if err != nil {
				return err
			}

			res, err := engine.Sweep(app.Ctx)
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}

			fmt.Printf("Expired %d calls (%d pending tokens)\n", res.Expired, res.ExpiredTokens)
			for _, rc := range res.RecalledCalls {
				fmt.Printf("  Recalled shift %s as urgent call %s (%d drivers)\n", rc.ShiftID, rc.CallID, rc.TokensCreated)
			}
			if res.RecallFailures > 0 {
				fmt.Printf("%d recalls failed, see the log for details\n", res.RecallFailures)
			}
			return nil
		},
	}
}
