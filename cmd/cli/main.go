package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Tompark0927/bus-assigning/cmd/cli/commands"
	"github.com/Tompark0927/bus-assigning/internal/config"
	"github.com/Tompark0927/bus-assigning/pkg/utils/logging"
)

var (
	configPath string
	logDir     string
	app        *commands.AppContext
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cli",
		Short: "Bus Assigning CLI - Emergency shift calls for bus drivers",
		Long:  `Runs the dispatch server and the maintenance jobs that issue, resolve and expire emergency shift calls.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initApp()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if app == nil {
				return
			}
			app.Close()
			if app.Logger != nil {
				_ = app.Logger.Sync()
			}
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to "+config.FileName+" (searched for upwards when empty)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", logging.DefaultDir, "Directory for log files, - to disable")

	app = &commands.AppContext{}

	rootCmd.AddCommand(commands.ServeCmd(app))
	rootCmd.AddCommand(commands.MigrateCmd(app))
	rootCmd.AddCommand(commands.IssueCallCmd(app))
	rootCmd.AddCommand(commands.SweepCmd(app))
	rootCmd.AddCommand(commands.UpdateStreaksCmd(app))
	rootCmd.AddCommand(commands.ListCallsCmd(app))
	rootCmd.AddCommand(commands.TokenCmd(app))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// initApp loads configuration and the logger; connections are opened by the
// commands that need them
func initApp() error {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.InitLogger(logging.Options{
		Env:   cfg.Logging.Env,
		Level: cfg.Logging.Level,
		Dir:   logDir,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	app.Cfg = cfg
	app.Logger = logger
	app.Ctx = context.Background()

	logger.Debug("Configuration loaded",
		zap.String("timezone", cfg.Dispatch.Timezone),
		zap.String("addr", cfg.Server.Addr))
	return nil
}
