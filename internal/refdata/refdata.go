// Package refdata holds the instrument reference data used by risk and execution.
package refdata

import (
	"sort"
	"sync/atomic"

	"intraday-trader/internal/config"
	"intraday-trader/internal/models"
)

// Snapshot is an immutable view of instrument reference data keyed by symbol.
type Snapshot map[string]models.Instrument

// Cache serves lookups from the current snapshot. Readers never observe a
// partially applied update: Replace swaps the whole snapshot atomically.
type Cache struct {
	current          atomic.Pointer[Snapshot]
	defaultFreezeQty int
}

// NewCache creates an empty cache. defaultFreezeQty fills instruments that
// carry no freeze quantity.
func NewCache(defaultFreezeQty int) *Cache {
	c := &Cache{defaultFreezeQty: defaultFreezeQty}
	empty := Snapshot{}
	c.current.Store(&empty)
	return c
}

// Replace installs a new snapshot. The input is copied.
func (c *Cache) Replace(instruments []models.Instrument) {
	next := make(Snapshot, len(instruments))
	for _, inst := range instruments {
		if inst.FreezeQty <= 0 {
			inst.FreezeQty = c.defaultFreezeQty
		}
		if inst.LotSize <= 0 {
			inst.LotSize = 1
		}
		next[inst.InstrumentID] = inst
	}
	c.current.Store(&next)
}

// Lookup returns the instrument for a symbol.
func (c *Cache) Lookup(symbol string) (models.Instrument, bool) {
	snap := *c.current.Load()
	inst, ok := snap[symbol]
	return inst, ok
}

// FreezeQty returns the per-order exchange limit for a symbol, falling back
// to the default when the instrument is unknown.
func (c *Cache) FreezeQty(symbol string) int {
	if inst, ok := c.Lookup(symbol); ok && inst.FreezeQty > 0 {
		return inst.FreezeQty
	}
	return c.defaultFreezeQty
}

// Symbols returns the known symbols in sorted order.
func (c *Cache) Symbols() []string {
	snap := *c.current.Load()
	out := make([]string, 0, len(snap))
	for sym := range snap {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Tokens maps feed tokens back to symbols.
func (c *Cache) Tokens() map[uint32]string {
	snap := *c.current.Load()
	out := make(map[uint32]string, len(snap))
	for sym, inst := range snap {
		if inst.Token != 0 {
			out[inst.Token] = sym
		}
	}
	return out
}

// Len returns the number of instruments in the current snapshot.
func (c *Cache) Len() int {
	return len(*c.current.Load())
}

// Merge overlays overrides on base by symbol. Zero-valued override fields keep
// the base value.
func Merge(base []models.Instrument, overrides []models.Instrument) []models.Instrument {
	bySymbol := make(map[string]models.Instrument, len(base))
	order := make([]string, 0, len(base)+len(overrides))
	for _, inst := range base {
		if _, ok := bySymbol[inst.InstrumentID]; !ok {
			order = append(order, inst.InstrumentID)
		}
		bySymbol[inst.InstrumentID] = inst
	}
	for _, o := range overrides {
		cur, ok := bySymbol[o.InstrumentID]
		if !ok {
			order = append(order, o.InstrumentID)
			cur = models.Instrument{InstrumentID: o.InstrumentID, Exchange: o.Exchange}
		}
		if o.Token != 0 {
			cur.Token = o.Token
		}
		if o.LotSize > 0 {
			cur.LotSize = o.LotSize
		}
		if o.TickSize > 0 {
			cur.TickSize = o.TickSize
		}
		if o.FreezeQty > 0 {
			cur.FreezeQty = o.FreezeQty
		}
		if o.UpperCircuit > 0 {
			cur.UpperCircuit = o.UpperCircuit
		}
		if o.LowerCircuit > 0 {
			cur.LowerCircuit = o.LowerCircuit
		}
		bySymbol[o.InstrumentID] = cur
	}
	out := make([]models.Instrument, 0, len(order))
	for _, sym := range order {
		out = append(out, bySymbol[sym])
	}
	return out
}

// FromConfig converts configured instrument overrides on exchange.
func FromConfig(cfgs []config.InstrumentConfig, exchange models.Exchange) []models.Instrument {
	out := make([]models.Instrument, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, models.Instrument{
			InstrumentID: c.Symbol,
			Token:        c.Token,
			Exchange:     exchange,
			LotSize:      c.LotSize,
			TickSize:     c.TickSize,
			FreezeQty:    c.FreezeQty,
			UpperCircuit: c.UpperCircuit,
			LowerCircuit: c.LowerCircuit,
		})
	}
	return out
}
