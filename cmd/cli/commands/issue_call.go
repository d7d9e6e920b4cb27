package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Tompark0927/bus-assigning/pkg/core/dispatch"
)

// IssueCallCmd opens an emergency call for a shift
func IssueCallCmd(app *AppContext) *cobra.Command {
	var (
		expiryMinutes int
		urgent        bool
		actor         string
	)

	cmd := &cobra.Command{
		Use:   "issue-call <shift_id>",
		Short: "Open an emergency call for a shift",
		Long: `Opens a call for the shift and notifies the best ranked available drivers.

The shift must not already have a confirmed driver or an open call.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.OpenEngine()
			if err != nil {
				return err
			}

			req := dispatch.IssueRequest{
				ShiftID:      args[0],
				ExpiryWindow: time.Duration(expiryMinutes) * time.Minute,
				Actor:        actor,
				Urgent:       urgent,
			}
			app.Logger.Info("Issuing call", zap.String("shift_id", req.ShiftID), zap.Bool("urgent", urgent))

			res, err := engine.IssueCall(app.Ctx, req)
			if err != nil {
				return fmt.Errorf("failed to issue call: %w", err)
			}

			fmt.Printf("Call %s opened for shift %s\n", res.CallID, res.ShiftID)
			fmt.Printf("  Drivers notified: %d\n", res.TokensCreated)
			fmt.Printf("  Expires at:       %s\n", res.ExpiresAt.In(engine.Config().Location).Format(time.DateTime))
			if res.Urgent {
				fmt.Println("  Urgent")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&expiryMinutes, "expiry-minutes", 0, "Minutes drivers have to respond (configured default when 0)")
	cmd.Flags().BoolVar(&urgent, "urgent", false, "Use the urgent expiry window")
	cmd.Flags().StringVar(&actor, "actor", "cli", "Recorded as the creator of the call")

	return cmd
}
