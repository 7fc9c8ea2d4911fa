package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-trader/internal/errors"
	"intraday-trader/internal/models"
)

var t0 = time.Date(2024, 3, 4, 9, 20, 0, 0, time.UTC)

func newOrder(id string) *models.Order {
	return &models.Order{
		InternalID:   id,
		InstrumentID: "RELIANCE",
		Exchange:     models.NSE,
		Product:      models.ProductMIS,
		Side:         models.OrderSideBuy,
		Type:         models.OrderTypeLimit,
		Quantity:     100,
		Price:        2500,
		Status:       models.OrderStatusPendingBroker,
		StrategyID:   "orb-1",
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
}

func created(id string) []models.Transition {
	return []models.Transition{
		{OrderID: id, From: "", To: models.OrderStatusCreated, Timestamp: t0},
		{OrderID: id, From: models.OrderStatusCreated, To: models.OrderStatusPendingBroker, Timestamp: t0},
	}
}

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func forEachStore(t *testing.T, fn func(t *testing.T, s OrderStore)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLite(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func TestStore_CreateAndReadBack(t *testing.T) {
	forEachStore(t, func(t *testing.T, s OrderStore) {
		ctx := context.Background()
		o := newOrder("a1")
		require.NoError(t, s.CreateOrders(ctx, []*models.Order{o}, created("a1")))

		got, err := s.GetOrder(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusPendingBroker, got.Status)
		assert.Equal(t, 100, got.Quantity)
		assert.True(t, got.CreatedAt.Equal(t0))

		trs, err := s.Transitions(ctx, "a1")
		require.NoError(t, err)
		require.Len(t, trs, 2)
		assert.Equal(t, models.OrderStatusCreated, trs[0].To)
		assert.Equal(t, models.OrderStatusPendingBroker, trs[1].To)
	})
}

func TestStore_DuplicateInternalIDRejected(t *testing.T) {
	forEachStore(t, func(t *testing.T, s OrderStore) {
		ctx := context.Background()
		require.NoError(t, s.CreateOrders(ctx, []*models.Order{newOrder("dup")}, created("dup")))

		err := s.CreateOrders(ctx, []*models.Order{newOrder("other"), newOrder("dup")}, nil)
		assert.ErrorIs(t, err, errors.ErrDuplicateOrder)

		// The batch is atomic: "other" must not exist.
		_, err = s.GetOrder(ctx, "other")
		assert.ErrorIs(t, err, errors.ErrOrderNotFound)
	})
}

func TestStore_SaveOrderAppendsFillsAndFilters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s OrderStore) {
		ctx := context.Background()
		require.NoError(t, s.CreateOrders(ctx, []*models.Order{newOrder("b1"), newOrder("b2")}, nil))

		o, err := s.GetOrder(ctx, "b1")
		require.NoError(t, err)
		o.Status = models.OrderStatusFilled
		o.ExchangeID = "X-1"
		o.FilledQuantity = 100
		o.AveragePrice = 2501.5
		pnl := 12.5
		fill := models.Fill{
			FillID: "f1", OrderID: "b1", InstrumentID: "RELIANCE", StrategyID: "orb-1",
			Side: models.OrderSideBuy, Price: 2501.5, Quantity: 100, Timestamp: t0.Add(time.Second),
			Charges:     models.Charges{STT: 1, Total: 3.2},
			RealizedPnL: &pnl,
		}
		tr := models.Transition{OrderID: "b1", From: models.OrderStatusPendingBroker, To: models.OrderStatusFilled, Timestamp: t0}
		require.NoError(t, s.SaveOrder(ctx, o, &tr, []models.Fill{fill}))

		open, err := LoadOpenOrders(ctx, s)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, "b2", open[0].InternalID)

		fills, err := s.LoadFills(ctx)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, 3.2, fills[0].Charges.Total)
		require.NotNil(t, fills[0].RealizedPnL)
		assert.Equal(t, 12.5, *fills[0].RealizedPnL)

		got, err := s.GetOrder(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, "X-1", got.ExchangeID)
		assert.Equal(t, 2501.5, got.AveragePrice)

		err = s.SaveOrder(ctx, newOrder("missing"), nil, nil)
		assert.ErrorIs(t, err, errors.ErrOrderNotFound)
	})
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateOrders(ctx, []*models.Order{newOrder("r1")}, created("r1")))
	require.NoError(t, s.Close())

	s2, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s2.Close()
	open, err := LoadOpenOrders(ctx, s2)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "r1", open[0].InternalID)
}

// Feature: order persistence, Property: the projection reflects the last write
//
// Property: after any sequence of status saves, reading the order back yields
// the last saved status and the history holds one transition per save.
func TestProperty_ProjectionReflectsLastSave(t *testing.T) {
	dbPath := filepath.Join(os.TempDir(), fmt.Sprintf("projection_property_%d.db", time.Now().UnixNano()))
	defer os.Remove(dbPath)

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	statuses := []models.OrderStatus{
		models.OrderStatusAcknowledged,
		models.OrderStatusPartiallyFilled,
		models.OrderStatusFilled,
		models.OrderStatusCancelled,
		models.OrderStatusRejected,
	}
	counter := 0

	properties.Property("last saved status wins", prop.ForAll(
		func(steps []int) bool {
			ctx := context.Background()
			counter++
			id := fmt.Sprintf("p-%d", counter)
			o := newOrder(id)
			if err := s.CreateOrders(ctx, []*models.Order{o}, nil); err != nil {
				return false
			}
			for _, step := range steps {
				tr := models.Transition{OrderID: id, From: o.Status, To: statuses[step], Timestamp: t0}
				o.Status = statuses[step]
				if err := s.SaveOrder(ctx, o, &tr, nil); err != nil {
					return false
				}
			}
			got, err := s.GetOrder(ctx, id)
			if err != nil || got.Status != o.Status {
				return false
			}
			trs, err := s.Transitions(ctx, id)
			return err == nil && len(trs) == len(steps)
		},
		gen.SliceOf(gen.IntRange(0, len(statuses)-1)),
	))

	properties.TestingRun(t)
}
