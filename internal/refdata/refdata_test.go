package refdata

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-trader/internal/config"
	"intraday-trader/internal/models"
)

func TestCache_ReplaceAndLookup(t *testing.T) {
	c := NewCache(1800)

	_, ok := c.Lookup("RELIANCE")
	assert.False(t, ok)

	c.Replace([]models.Instrument{
		{InstrumentID: "RELIANCE", Token: 738561, LotSize: 1, FreezeQty: 0},
		{InstrumentID: "TCS", Token: 2953217, FreezeQty: 900},
	})

	inst, ok := c.Lookup("RELIANCE")
	require.True(t, ok)
	assert.Equal(t, 1800, inst.FreezeQty)
	assert.Equal(t, 900, c.FreezeQty("TCS"))
	assert.Equal(t, 1800, c.FreezeQty("UNKNOWN"))
	assert.Equal(t, []string{"RELIANCE", "TCS"}, c.Symbols())
	assert.Equal(t, "TCS", c.Tokens()[2953217])

	c.Replace(nil)
	assert.Equal(t, 0, c.Len())
}

func TestCache_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	c := NewCache(1800)
	a := []models.Instrument{{InstrumentID: "X", LotSize: 1}, {InstrumentID: "Y", LotSize: 1}}
	b := []models.Instrument{{InstrumentID: "X", LotSize: 50}, {InstrumentID: "Y", LotSize: 50}}
	c.Replace(a)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if i%2 == 0 {
				c.Replace(b)
			} else {
				c.Replace(a)
			}
		}
		close(stop)
	}()

	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
			snap := *c.current.Load()
			assert.Equal(t, snap["X"].LotSize, snap["Y"].LotSize)
		}
	}
}

func TestMerge(t *testing.T) {
	base := []models.Instrument{{InstrumentID: "A", Token: 1, LotSize: 1, TickSize: 0.05}}
	overrides := []models.Instrument{
		{InstrumentID: "A", FreezeQty: 500, UpperCircuit: 110, LowerCircuit: 90},
		{InstrumentID: "B", Token: 2, LotSize: 25},
	}

	got := Merge(base, overrides)
	require.Len(t, got, 2)
	assert.Equal(t, models.Instrument{InstrumentID: "A", Token: 1, LotSize: 1, TickSize: 0.05, FreezeQty: 500, UpperCircuit: 110, LowerCircuit: 90}, got[0])
	assert.Equal(t, "B", got[1].InstrumentID)
	assert.Equal(t, 25, got[1].LotSize)
}

func TestFromConfig(t *testing.T) {
	got := FromConfig([]config.InstrumentConfig{{Symbol: "SBIN", Token: 779521, FreezeQty: 900}}, models.NSE)
	require.Len(t, got, 1)
	assert.Equal(t, models.Instrument{InstrumentID: "SBIN", Token: 779521, Exchange: models.NSE, FreezeQty: 900}, got[0])

	c := NewCache(1800)
	c.Replace(got)
	assert.Equal(t, 900, c.FreezeQty("SBIN"))
	assert.Equal(t, map[uint32]string{779521: "SBIN"}, c.Tokens())
}
