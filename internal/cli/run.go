package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"intraday-trader/internal/clock"
	"intraday-trader/internal/engine"
	"intraday-trader/internal/feed"
	"intraday-trader/internal/metrics"
	"intraday-trader/internal/notify"
	"intraday-trader/internal/store"
)

func newRunCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the trading engine",
		Long: `Run the trading engine until interrupted.

The trading mode (paper or live) and the market data source come from the
configuration. Send SIGUSR1 to engage the kill switch and SIGUSR2 to clear it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg := app.Config
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := app.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			clk := clock.New()
			gw, err := engine.NewGateway(cfg, clk, app.Logger)
			if err != nil {
				return err
			}
			instruments, err := engine.LoadReferenceData(ctx, cfg, gw)
			if err != nil {
				return err
			}
			source, err := engine.NewSource(cfg, instruments, 1, app.Logger)
			if err != nil {
				return err
			}

			notifier := notify.New(cfg.Notifications, clk, app.Logger)
			if !output.IsJSON() {
				notifier.AddChannel(notify.NewTerminalChannel(cmd.OutOrStdout()))
			}

			e, err := engine.New(engine.Options{
				Config:      cfg,
				Store:       st,
				Gateway:     gw,
				Source:      source,
				Instruments: instruments,
				Clock:       clk,
				Logger:      app.Logger,
				Notifier:    notifier,
				Metrics:     metrics.New(),
			})
			if err != nil {
				return err
			}

			go handleOperatorSignals(ctx, e, output)

			if !output.IsJSON() {
				output.Info("Trading %s via %s on %s data; Ctrl-C to stop", cfg.Trading.Mode, gw.Name(), source.Name())
			}
			if err := e.Run(ctx); err != nil {
				return err
			}
			return printStatus(output, e.FinalStatus(), app)
		},
	}
	return cmd
}

// handleOperatorSignals maps SIGUSR1 to the kill switch and SIGUSR2 to
// resume.
func handleOperatorSignals(ctx context.Context, e *engine.Engine, output *Output) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			switch sig {
			case syscall.SIGUSR1:
				if _, err := e.EngageKillSwitch(callCtx, "operator signal"); err != nil {
					output.Error("Kill switch failed: %v", err)
				}
			case syscall.SIGUSR2:
				if ok, err := e.ClearKillSwitch(callCtx); err != nil {
					output.Error("Resume failed: %v", err)
				} else if !ok {
					output.Warning("Kill switch was not engaged")
				}
			}
			cancel()
		}
	}
}

func newReplayCmd(app *App) *cobra.Command {
	var (
		ticksPath string
		speed     float64
		storePath string
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run strategies over a recorded tick file",
		Long: `Replay a recorded session through the full pipeline with the paper broker.

The tick file is CSV with the header timestamp,instrument,price,volume and
optional bid, ask and oi columns. Market time follows the recording, so
candles, risk windows and the square-off behave as they did on the day.
With --speed 0 ticks are played as fast as the engine consumes them.`,
		Example: `  trader replay --ticks infy-2024-03-04.csv
  trader replay --ticks session.csv --speed 60 --store replay.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			cfg := *app.Config
			cfg.Trading.Mode = "paper"
			cfg.Feed.Source = "replay"
			cfg.Feed.ReplayFile = ticksPath
			cfg.Metrics.Listen = ""
			if err := cfg.Validate(); err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}

			f, err := os.Open(ticksPath)
			if err != nil {
				return err
			}
			ticks, err := feed.ReadTicks(f, loc)
			f.Close()
			if err != nil {
				return fmt.Errorf("reading %s: %w", ticksPath, err)
			}
			if len(ticks) == 0 {
				return fmt.Errorf("%s contains no ticks", ticksPath)
			}

			var st store.OrderStore = store.NewMemoryStore()
			if storePath != "" {
				sq, err := store.NewSQLiteStore(storePath)
				if err != nil {
					return err
				}
				st = sq
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			market := clock.NewFake(ticks[0].Timestamp)
			gw, err := engine.NewGateway(&cfg, market, app.Logger)
			if err != nil {
				return err
			}
			instruments, err := engine.LoadReferenceData(ctx, &cfg, gw)
			if err != nil {
				return err
			}
			notifier := notify.New(cfg.Notifications, market, app.Logger)
			if !output.IsJSON() {
				notifier.AddChannel(notify.NewTerminalChannel(cmd.OutOrStdout()))
			}

			e, err := engine.New(engine.Options{
				Config:      &cfg,
				Store:       st,
				Gateway:     gw,
				Source:      feed.NewReplaySourceFromTicks(ticks, speed, clock.New(), app.Logger),
				Instruments: instruments,
				Replay:      market,
				Logger:      app.Logger,
				Notifier:    notifier,
			})
			if err != nil {
				return err
			}

			started := time.Now()
			if err := e.Run(ctx); err != nil {
				return err
			}
			if !output.IsJSON() {
				output.Dim("Replayed %d ticks from %s to %s in %s",
					len(ticks),
					FormatDateTime(ticks[0].Timestamp, loc),
					FormatTime(ticks[len(ticks)-1].Timestamp, loc),
					FormatDuration(time.Since(started)))
			}
			return printStatus(output, e.FinalStatus(), app)
		},
	}

	cmd.Flags().StringVar(&ticksPath, "ticks", "", "recorded tick CSV file")
	cmd.Flags().Float64Var(&speed, "speed", 0, "playback speed multiplier; 0 plays without delay")
	cmd.Flags().StringVar(&storePath, "store", "", "SQLite file for the replay order log (default: in memory)")
	_ = cmd.MarkFlagRequired("ticks")

	return cmd
}

func printStatus(output *Output, st engine.Status, app *App) error {
	if output.IsJSON() {
		return output.JSON(st)
	}
	loc, err := app.Config.Location()
	if err != nil {
		return err
	}

	output.Println()
	output.Bold("Session %s (%s via %s)", st.SessionDate.Format("2006-01-02"), st.Mode, st.Gateway)
	output.Printf("  Realized:    %s\n", output.FormatPnL(st.Realized))
	output.Printf("  Unrealized:  %s\n", output.FormatPnL(st.Unrealized))
	output.Printf("  Charges:     %s\n", FormatIndianCurrency(st.Charges))
	output.Printf("  Net:         %s\n", output.FormatPnL(st.NetPnL))
	output.Printf("  Turnover:    %s\n", FormatIndianCurrency(st.Turnover))
	if st.KillSwitch {
		output.Error("  Kill switch engaged: %s", st.KillReason)
	}
	output.Printf("  Feed:        %s (%d ticks, %d dropped, %d reconnects)\n",
		st.Feed, st.FeedStats.Ticks, st.FeedStats.Dropped, st.FeedStats.Reconnects)
	output.Printf("  Pipeline:    %d candles, %d broker calls (%d cancels)\n",
		st.Candles, st.RateGrants["normal"]+st.RateGrants["cancel"], st.RateGrants["cancel"])

	if len(st.OpenPositions) > 0 {
		output.Println()
		renderPositions(output, st.OpenPositions)
	}
	if len(st.OpenOrders) > 0 {
		output.Println()
		output.Warning("%d orders still open", len(st.OpenOrders))
		renderOrders(output, st.OpenOrders, loc)
	}
	return nil
}
