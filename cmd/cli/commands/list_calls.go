package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Tompark0927/bus-assigning/pkg/core/dispatch"
	"github.com/Tompark0927/bus-assigning/pkg/db"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorDim    = "\033[2m"
)

// ListCallsCmd prints the calls opened in the last few days
func ListCallsCmd(app *AppContext) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "list-calls",
		Short: "List recent emergency calls and how they ended",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 1 || days > dispatch.MaxRecentDays {
				return fmt.Errorf("days must be between 1 and %d, got: %d", dispatch.MaxRecentDays, days)
			}

			engine, err := app.OpenEngine()
			if err != nil {
				return err
			}

			app.Logger.Debug("list-calls command", zap.Int("days", days))

			calls, err := engine.ListRecentCalls(app.Ctx, days)
			if err != nil {
				return err
			}

			fmt.Printf("\nEmergency calls (last %d days)\n\n", days)
			if len(calls) == 0 {
				fmt.Println("No calls")
				return nil
			}

			loc := engine.Config().Location
			fmt.Printf("%-38s%-12s%-8s%-8s%-10s%-12s%s\n", "Call", "Date", "Start", "Route", "Replies", "Status", "Driver")
			fmt.Println(strings.Repeat("-", 100))

			for _, c := range calls {
				label, color := callStatus(c, colorGreen, colorYellow, colorRed)
				if c.Call.Urgent {
					label += "!"
				}
				status := fmt.Sprintf("%s%-12s%s", color, label, colorReset)
				fmt.Printf("%-38s%-12s%-8s%-8s%-10s%s%s\n",
					c.Call.ID,
					c.Shift.ServiceDate,
					c.Shift.StartTime,
					c.Shift.RouteID,
					responseRate(c),
					status,
					c.WinnerDriverID,
				)
				if c.Call.State == db.CallOpen {
					fmt.Printf("%s  expires %s%s\n", colorDim, c.Call.ExpiresAt.In(loc).Format(time.DateTime), colorReset)
				}
			}

			fmt.Println()
			fmt.Println("Legend:")
			fmt.Printf("  %sOpen%s     = waiting for responses\n", colorYellow, colorReset)
			fmt.Printf("  %sResolved%s = a driver was confirmed\n", colorGreen, colorReset)
			fmt.Printf("  %sExpired%s  = nobody accepted in time\n", colorRed, colorReset)
			fmt.Println("  !        = urgent call")

			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "How many days back to list")

	return cmd
}

// callStatus returns the display label for a call and the color to print it in
func callStatus(c db.CallSummary, resolved, open, expired string) (string, string) {
	switch {
	case c.Call.State == db.CallOpen:
		return "Open", open
	case c.Call.ClosedReason == db.CloseReasonResolved:
		return "Resolved", resolved
	case c.Call.ClosedReason == db.CloseReasonExpired:
		return "Expired", expired
	default:
		return "Closed", ""
	}
}

// responseRate formats how many notified drivers have answered
func responseRate(c db.CallSummary) string {
	if c.TotalTokens == 0 {
		return "-"
	}
	answered := c.TotalTokens - c.PendingTokens
	return fmt.Sprintf("%d/%d", answered, c.TotalTokens)
}
