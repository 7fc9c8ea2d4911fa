package cli

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"intraday-trader/internal/clock"
	"intraday-trader/internal/engine"
	"intraday-trader/internal/feed"
	"intraday-trader/internal/models"
	"intraday-trader/internal/notify"
	"intraday-trader/internal/store"
)

func newPositionsCmd(app *App) *cobra.Command {
	var (
		all  bool
		date string
	)

	cmd := &cobra.Command{
		Use:   "positions",
		Short: "Show positions rebuilt from the fill log",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			loc, err := app.Config.Location()
			if err != nil {
				return err
			}
			session := clock.SessionDate(time.Now(), loc)
			if date != "" {
				if session, err = time.ParseInLocation("2006-01-02", date, loc); err != nil {
					return fmt.Errorf("invalid --date: %w", err)
				}
			}

			st, err := app.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			fills, err := st.LoadFills(cmd.Context())
			if err != nil {
				return err
			}
			var today []models.Fill
			for _, f := range fills {
				if clock.SessionDate(f.Timestamp, loc).Equal(session) {
					today = append(today, f)
				}
			}

			positions := sortedPositions(models.FoldPositions(today), all)
			if output.IsJSON() {
				return output.JSON(positions)
			}
			if len(positions) == 0 {
				output.Dim("No positions on %s", session.Format("2006-01-02"))
				return nil
			}
			renderPositions(output, positions)

			var realized, charges float64
			for _, f := range today {
				if f.RealizedPnL != nil {
					realized += *f.RealizedPnL
				}
				charges += f.Charges.Total
			}
			output.Println()
			output.Printf("Realized %s, charges %s, %d fills\n",
				output.FormatPnL(realized), FormatIndianCurrency(charges), len(today))
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include flat positions")
	cmd.Flags().StringVar(&date, "date", "", "session date YYYY-MM-DD (default: today)")
	return cmd
}

func sortedPositions(byKey map[models.PositionKey]*models.Position, includeFlat bool) []models.Position {
	out := make([]models.Position, 0, len(byKey))
	for _, p := range byKey {
		if p.Quantity != 0 || includeFlat {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StrategyID != out[j].StrategyID {
			return out[i].StrategyID < out[j].StrategyID
		}
		return out[i].InstrumentID < out[j].InstrumentID
	})
	return out
}

func renderPositions(output *Output, positions []models.Position) {
	table := NewTable(output, "STRATEGY", "INSTRUMENT", "QTY", "AVG", "LAST", "REALIZED")
	for _, p := range positions {
		table.AddRow(
			p.StrategyID,
			p.InstrumentID,
			FormatQuantity(p.Quantity),
			FormatPrice(p.AveragePrice),
			FormatPrice(p.LastPrice),
			output.FormatPnL(p.RealizedPnL),
		)
	}
	table.Render()
}

func newOrdersCmd(app *App) *cobra.Command {
	var (
		statuses []string
		strategy string
		limit    int
		history  string
	)

	cmd := &cobra.Command{
		Use:   "orders",
		Short: "List orders from the order log",
		Example: `  trader orders --status ACKNOWLEDGED --status PARTIALLY_FILLED
  trader orders --history 5f1c2b9e`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			loc, err := app.Config.Location()
			if err != nil {
				return err
			}
			st, err := app.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if history != "" {
				return showHistory(cmd, output, st, history, loc)
			}

			filter := store.OrderFilter{StrategyID: strategy, Limit: limit}
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, models.OrderStatus(strings.ToUpper(s)))
			}
			orders, err := st.ListOrders(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(orders)
			}
			if len(orders) == 0 {
				output.Dim("No orders")
				return nil
			}
			list := make([]models.Order, 0, len(orders))
			for _, o := range orders {
				list = append(list, *o)
			}
			renderOrders(output, list, loc)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (repeatable)")
	cmd.Flags().StringVar(&strategy, "strategy", "", "filter by strategy id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum orders to show")
	cmd.Flags().StringVar(&history, "history", "", "show the transition history of one order")
	return cmd
}

func renderOrders(output *Output, orders []models.Order, loc *time.Location) {
	table := NewTable(output, "ID", "TIME", "STRATEGY", "INSTRUMENT", "SIDE", "QTY", "FILLED", "AVG", "STATUS", "MESSAGE")
	for _, o := range orders {
		id := TruncateString(o.InternalID, 8)
		if o.IsParent {
			id += "*"
		}
		status := output.Status(string(o.Status))
		if o.Frozen {
			status += " (frozen)"
		}
		table.AddRow(
			id,
			FormatTime(o.CreatedAt, loc),
			o.StrategyID,
			o.InstrumentID,
			string(o.Side),
			fmt.Sprintf("%d", o.Quantity),
			fmt.Sprintf("%d", o.FilledQuantity),
			FormatPrice(o.AveragePrice),
			status,
			TruncateString(o.StatusMessage, 40),
		)
	}
	table.Render()
}

func showHistory(cmd *cobra.Command, output *Output, st store.OrderStore, id string, loc *time.Location) error {
	order, err := st.GetOrder(cmd.Context(), id)
	if err != nil {
		return err
	}
	transitions, err := st.Transitions(cmd.Context(), order.InternalID)
	if err != nil {
		return err
	}
	if output.IsJSON() {
		return output.JSON(map[string]interface{}{"order": order, "transitions": transitions})
	}

	output.Bold("%s %s %d %s (%s)", order.InternalID, order.Side, order.Quantity, order.InstrumentID, order.StrategyID)
	table := NewTable(output, "TIME", "FROM", "TO", "REASON")
	for _, tr := range transitions {
		table.AddRow(FormatTime(tr.Timestamp, loc), string(tr.From), output.Status(string(tr.To)), tr.Reason)
	}
	table.Render()
	return nil
}

func newReconcileCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile open orders with the broker and exit",
		Long: `Load the order log, ask the broker for the state of every open order,
record the answers and print the resulting book. No market data is consumed
and no strategy runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg := app.Config

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
			notifier := notify.New(cfg.Notifications, clk, app.Logger)
			if !output.IsJSON() {
				notifier.AddChannel(notify.NewTerminalChannel(cmd.OutOrStdout()))
			}

			e, err := engine.New(engine.Options{
				Config:        cfg,
				Store:         st,
				Gateway:       gw,
				Source:        feed.NewReplaySourceFromTicks(nil, 0, clk, app.Logger),
				Instruments:   instruments,
				Clock:         clk,
				Logger:        app.Logger,
				Notifier:      notifier,
				ReconcileOnly: true,
			})
			if err != nil {
				return err
			}
			if err := e.Run(ctx); err != nil {
				return err
			}
			return printStatus(output, e.FinalStatus(), app)
		},
	}
}
