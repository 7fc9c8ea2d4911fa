package cli

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

var indianPattern = regexp.MustCompile(`^(\d{1,2},)*\d{1,3}$`)

// For any amount, FormatIndianCurrency carries the rupee sign, two decimal
// places and Indian digit grouping, and parses back to the rounded value.
func TestProperty_IndianCurrencyFormatting(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("rupee prefix, two decimals, Indian grouping", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatIndianCurrency(amount)
			body := strings.TrimPrefix(formatted, "-")
			if !strings.HasPrefix(body, "₹") {
				t.Logf("missing rupee sign for %f: %s", amount, formatted)
				return false
			}
			intPart, decPart, ok := strings.Cut(strings.TrimPrefix(body, "₹"), ".")
			if !ok || len(decPart) != 2 {
				t.Logf("expected two decimals for %f: %s", amount, formatted)
				return false
			}
			return indianPattern.MatchString(intPart)
		},
		gen.Float64Range(-1e12, 1e12),
	))

	properties.Property("value survives formatting", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatIndianCurrency(amount)
			clean := strings.NewReplacer("₹", "", ",", "").Replace(formatted)
			parsed, err := strconv.ParseFloat(clean, 64)
			if err != nil {
				return false
			}
			return math.Abs(parsed-amount) <= 0.005+1e-9*math.Abs(amount)
		},
		gen.Float64Range(-1e9, 1e9),
	))

	properties.Property("FormatPnL signs gains", prop.ForAll(
		func(pnl float64) bool {
			formatted := FormatPnL(pnl)
			switch {
			case pnl > 0:
				return strings.HasPrefix(formatted, "+₹")
			case pnl < 0:
				return strings.HasPrefix(formatted, "-₹")
			}
			return formatted == "₹0.00"
		},
		gen.Float64Range(-1e7, 1e7),
	))

	properties.Property("TruncateString never exceeds the limit", prop.ForAll(
		func(s string, n int) bool {
			out := TruncateString(s, n)
			return len([]rune(out)) <= max(n, 0) || len([]rune(s)) <= n
		},
		gen.AnyString(),
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}

func TestIndianNumberFormatExamples(t *testing.T) {
	testCases := []struct {
		amount   float64
		expected string
	}{
		{0, "₹0.00"},
		{1, "₹1.00"},
		{1000, "₹1,000.00"},
		{100000, "₹1,00,000.00"},
		{10000000, "₹1,00,00,000.00"},
		{-1234.56, "-₹1,234.56"},
		{12345678.90, "₹1,23,45,678.90"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			assert.Equal(t, tc.expected, FormatIndianCurrency(tc.amount))
		})
	}
}

func TestFormatHelpers(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	ts := time.Date(2024, 3, 4, 4, 0, 5, 0, time.UTC)

	assert.Equal(t, "09:30:05", FormatTime(ts, ist))
	assert.Equal(t, "04-Mar-2024 09:30:05", FormatDateTime(ts, ist))
	assert.Equal(t, "-", FormatTime(time.Time{}, ist))
	assert.Equal(t, "+10", FormatQuantity(10))
	assert.Equal(t, "-5", FormatQuantity(-5))
	assert.Equal(t, "-", FormatPrice(0))
	assert.Equal(t, "1523.45", FormatPrice(1523.45))
	assert.Equal(t, "2m 5s", FormatDuration(125*time.Second))
	assert.Equal(t, "INF...", TruncateString("INFOSYS", 6))
}
