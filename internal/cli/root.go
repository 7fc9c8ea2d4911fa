package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"intraday-trader/internal/config"
	"intraday-trader/internal/store"
)

// Version information
const (
	Version   = "0.3.0"
	BuildDate = "2024-03-01"
)

// App holds the application dependencies.
type App struct {
	Config    *config.Config
	ConfigDir string
	Logger    zerolog.Logger
}

// openStore opens the configured order store.
func (a *App) openStore() (*store.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(a.Config.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	st, err := store.NewSQLiteStore(a.Config.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening order store %s: %w", a.Config.Store.Path, err)
	}
	return st, nil
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "trader",
		Short: "Intraday NSE trading engine",
		Long: `trader runs rule-based intraday strategies on NSE equities.

Market data is aggregated into candles, strategies raise signals, every
signal passes the pre-trade risk checks, and approved orders are routed to
Zerodha Kite or to the built-in paper broker. Positions are squared off
before the close.

Use 'trader replay --ticks FILE' to run strategies over a recorded session.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().String("config", app.ConfigDir, "configuration directory")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newReplayCmd(app))
	rootCmd.AddCommand(newPositionsCmd(app))
	rootCmd.AddCommand(newOrdersCmd(app))
	rootCmd.AddCommand(newReconcileCmd(app))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("trader v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate the engine configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				redacted := *app.Config
				redacted.Credentials = config.Credentials{}
				return output.JSON(redacted)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": app.ConfigDir})
			}
			output.Println(app.ConfigDir)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Trading")
	output.Printf("  Mode:            %s\n", cfg.Trading.Mode)
	output.Printf("  Capital:         %s\n", FormatIndianCurrency(cfg.Trading.Capital))
	output.Printf("  Exchange:        %s (%s)\n", cfg.Trading.Exchange, cfg.Trading.Product)
	output.Printf("  Square-off:      %v\n", cfg.Trading.SquareOff)
	output.Println()

	output.Bold("Risk")
	output.Printf("  Risk per trade:  %.2f%%\n", cfg.Risk.RiskPerTrade*100)
	output.Printf("  Max exposure:    %.0f%% of capital\n", cfg.Risk.MaxExposureFraction*100)
	output.Printf("  Daily loss:      %s\n", FormatIndianCurrency(cfg.Risk.MaxDailyLoss))
	output.Printf("  Max concurrent:  %d\n", cfg.Risk.MaxConcurrentTrades)
	output.Printf("  Costs:           %s\n", cfg.Risk.CostModel)
	output.Println()

	output.Bold("Market data")
	output.Printf("  Source:          %s\n", cfg.Feed.Source)
	output.Printf("  Staleness:       %s\n", cfg.Feed.Staleness)
	output.Printf("  Backoff:         %s to %s\n", cfg.Feed.BackoffBase, cfg.Feed.BackoffMax)
	output.Println()

	output.Bold("Broker")
	output.Printf("  Rate limit:      %.0f/s (burst %d)\n", cfg.Broker.RateLimit, cfg.Broker.Burst)
	output.Printf("  Store:           %s\n", cfg.Store.Path)
	output.Println()

	output.Bold("Strategies")
	for _, s := range cfg.Strategies {
		output.Printf("  %-16s %s %s %v\n", s.ID, s.Kind, s.Interval, s.Instruments)
	}
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Enabled:         %v\n", cfg.Notifications.Enabled)
	output.Printf("  Level:           %s\n", cfg.Notifications.Level)
	output.Printf("  Webhook:         %v\n", cfg.Notifications.Webhook.Enabled)
	output.Printf("  Telegram:        %v\n", cfg.Notifications.Telegram.Enabled)
}
