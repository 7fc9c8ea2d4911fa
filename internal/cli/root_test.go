package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-trader/internal/config"
	"intraday-trader/internal/models"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	color.NoColor = true
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	return &App{Config: cfg, ConfigDir: dir, Logger: zerolog.Nop()}
}

func execute(t *testing.T, app *App, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd(app)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seedOrder(t *testing.T, app *App) *models.Order {
	t.Helper()
	st, err := app.openStore()
	require.NoError(t, err)
	defer st.Close()

	now := time.Now()
	order := &models.Order{
		InternalID:   "6f0c1d2e-0000-4000-8000-000000000001",
		InstrumentID: "INFY",
		Exchange:     models.NSE,
		Product:      models.ProductMIS,
		Side:         models.OrderSideBuy,
		Type:         models.OrderTypeMarket,
		Quantity:     10,
		Status:       models.OrderStatusCreated,
		StrategyID:   "orb-infy",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	ctx := context.Background()
	require.NoError(t, st.CreateOrders(ctx, []*models.Order{order}, []models.Transition{{
		OrderID: order.InternalID, To: models.OrderStatusCreated, Reason: "signal", Timestamp: now,
	}}))

	filled := *order
	filled.Status = models.OrderStatusFilled
	filled.FilledQuantity = 10
	filled.AveragePrice = 1500
	require.NoError(t, st.SaveOrder(ctx, &filled, &models.Transition{
		OrderID: order.InternalID, From: models.OrderStatusCreated, To: models.OrderStatusFilled, Reason: "fill", Timestamp: now,
	}, []models.Fill{{
		FillID: "f1", OrderID: order.InternalID, InstrumentID: "INFY", StrategyID: "orb-infy",
		Side: models.OrderSideBuy, Price: 1500, Quantity: 10, Timestamp: now,
	}}))
	return &filled
}

func TestVersionCommand(t *testing.T) {
	app := newTestApp(t)

	out, err := execute(t, app, "version", "--json")
	require.NoError(t, err)

	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, Version, v["version"])
}

func TestConfigCommands(t *testing.T) {
	app := newTestApp(t)
	app.Config.Credentials.Zerodha.APISecret = "hunter2"

	out, err := execute(t, app, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")

	out, err = execute(t, app, "config", "show", "--json")
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")

	out, err = execute(t, app, "config", "path")
	require.NoError(t, err)
	assert.Contains(t, out, app.ConfigDir)

	app.Config.Trading.Mode = "margin"
	_, err = execute(t, app, "config", "validate")
	assert.Error(t, err)
}

func TestOrdersCommand(t *testing.T) {
	app := newTestApp(t)

	out, err := execute(t, app, "orders")
	require.NoError(t, err)
	assert.Contains(t, out, "No orders")

	order := seedOrder(t, app)

	out, err = execute(t, app, "orders", "--status", "filled")
	require.NoError(t, err)
	assert.Contains(t, out, "orb-infy")
	assert.Contains(t, out, "FILLED")

	out, err = execute(t, app, "orders", "--status", "ACKNOWLEDGED")
	require.NoError(t, err)
	assert.Contains(t, out, "No orders")

	out, err = execute(t, app, "orders", "--history", order.InternalID)
	require.NoError(t, err)
	assert.Contains(t, out, "CREATED")
	assert.Contains(t, out, "fill")
}

func TestPositionsCommand(t *testing.T) {
	app := newTestApp(t)
	seedOrder(t, app)

	out, err := execute(t, app, "positions", "--json")
	require.NoError(t, err)

	var positions []models.Position
	require.NoError(t, json.Unmarshal([]byte(out), &positions))
	require.Len(t, positions, 1)
	assert.Equal(t, "INFY", positions[0].InstrumentID)
	assert.Equal(t, 10, positions[0].Quantity)
	assert.InDelta(t, 1500, positions[0].AveragePrice, 1e-9)

	out, err = execute(t, app, "positions", "--date", "2001-01-01")
	require.NoError(t, err)
	assert.Contains(t, out, "No positions on 2001-01-01")
}
