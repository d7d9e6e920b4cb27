package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tompark0927/bus-assigning/pkg/auth"
)

// TokenCmd mints an API token for a driver or administrator
func TokenCmd(app *AppContext) *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <driver_id>",
		Short: "Mint a signed API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if role != auth.RoleDriver && role != auth.RoleAdmin {
				return fmt.Errorf("role must be %s or %s", auth.RoleDriver, auth.RoleAdmin)
			}
			if ttl <= 0 {
				ttl = app.Cfg.JWT.TTL
			}

			token, err := auth.Issue(app.Cfg.JWT.Secret, app.Cfg.JWT.Issuer, args[0], role, ttl, time.Now())
			if err != nil {
				return fmt.Errorf("failed to issue token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", auth.RoleDriver, "Token role (driver or admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (jwt.ttl when 0)")

	return cmd
}
