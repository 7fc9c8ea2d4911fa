package risk

import (
	"github.com/shopspring/decimal"

	"intraday-trader/internal/models"
)

// CostEstimator attributes statutory charges to a fill.
type CostEstimator interface {
	Name() string
	Charges(side models.OrderSide, value float64) models.Charges
}

// FlatRate charges a fixed fraction of traded value.
type FlatRate struct {
	Rate float64
}

// DefaultFlatRate approximates NSE intraday costs at 0.035% of turnover.
const DefaultFlatRate = 0.00035

func (f FlatRate) Name() string { return "flat" }

func (f FlatRate) Charges(_ models.OrderSide, value float64) models.Charges {
	total, _ := decimal.NewFromFloat(value).Mul(decimal.NewFromFloat(f.Rate)).Round(4).Float64()
	return models.Charges{Total: total}
}

// NSE equity intraday rates.
var (
	sttSellRate         = decimal.RequireFromString("0.00025")
	txnRate             = decimal.RequireFromString("0.0000325")
	gstRate             = decimal.RequireFromString("0.18")
	sebiRate            = decimal.RequireFromString("0.000001")
	stampBuyRate        = decimal.RequireFromString("0.00003")
	defaultBrokerageCap = decimal.NewFromInt(20)
)

// Itemized computes NSE equity intraday charges line by line.
type Itemized struct {
	// BrokerageRate is a fraction of value, capped at BrokerageCap per order.
	// Zero means a zero-brokerage plan.
	BrokerageRate float64
	BrokerageCap  float64
}

func (i Itemized) Name() string { return "itemized" }

func (i Itemized) Charges(side models.OrderSide, value float64) models.Charges {
	v := decimal.NewFromFloat(value)

	brokerage := v.Mul(decimal.NewFromFloat(i.BrokerageRate))
	limit := defaultBrokerageCap
	if i.BrokerageCap > 0 {
		limit = decimal.NewFromFloat(i.BrokerageCap)
	}
	if brokerage.GreaterThan(limit) {
		brokerage = limit
	}

	stt := decimal.Zero
	stamp := decimal.Zero
	if side == models.OrderSideSell {
		stt = v.Mul(sttSellRate)
	} else {
		stamp = v.Mul(stampBuyRate)
	}
	txn := v.Mul(txnRate)
	gst := brokerage.Add(txn).Mul(gstRate)
	sebi := v.Mul(sebiRate)
	total := brokerage.Add(stt).Add(txn).Add(gst).Add(sebi).Add(stamp)

	f := func(d decimal.Decimal) float64 {
		out, _ := d.Round(4).Float64()
		return out
	}
	return models.Charges{
		Brokerage: f(brokerage),
		STT:       f(stt),
		Exchange:  f(txn),
		SEBI:      f(sebi),
		Stamp:     f(stamp),
		GST:       f(gst),
		Total:     f(total),
	}
}

// NewCostEstimator returns the estimator named by the cost model setting.
func NewCostEstimator(model string, flatRate float64) CostEstimator {
	if model == "itemized" {
		return Itemized{}
	}
	if flatRate <= 0 {
		flatRate = DefaultFlatRate
	}
	return FlatRate{Rate: flatRate}
}
