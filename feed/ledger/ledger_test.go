package ledger

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linluma/marketfeed/shared/models"
)

var baseTime = time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func trade(id, price, qty string, side models.Side, offset time.Duration) models.Trade {
	return models.Trade{
		ID:        id,
		Symbol:    "AKBNK",
		Price:     d(price),
		Quantity:  d(qty),
		Side:      side,
		Timestamp: baseTime.Add(offset),
	}
}

// Three trades in one window
func TestStatisticsScenario(t *testing.T) {
	l := New("AKBNK", 500)
	require.NoError(t, l.Record(trade("t1", "10", "2", models.SideBuy, time.Second)))
	require.NoError(t, l.Record(trade("t2", "12", "1", models.SideSell, 2*time.Second)))
	require.NoError(t, l.Record(trade("t3", "11", "3", models.SideBuy, 3*time.Second)))

	stats := l.Statistics()
	assert.Equal(t, 3, stats.TotalTrades)
	assert.True(t, stats.AveragePrice.Equal(d("10.8333")), stats.AveragePrice.String())
	assert.True(t, stats.HighPrice.Equal(d("12")))
	assert.True(t, stats.LowPrice.Equal(d("10")))
	assert.True(t, stats.LastPrice.Equal(d("11")))
	assert.True(t, stats.PriceChange.Equal(d("1")))
	assert.True(t, stats.PriceChangePercent.Equal(d("10")))
	assert.True(t, stats.TotalVolume.Equal(d("65")))
	assert.True(t, stats.TotalQuantity.Equal(d("6")))
}

func TestStatisticsEmpty(t *testing.T) {
	l := New("AKBNK", 10)
	assert.Equal(t, models.TradeStatistics{}, l.Statistics())
	_, ok := l.LastPrice()
	assert.False(t, ok)
}

func TestStatisticsRounding(t *testing.T) {
	l := New("AKBNK", 10)
	require.NoError(t, l.Record(trade("a", "3", "1", models.SideBuy, 0)))
	require.NoError(t, l.Record(trade("b", "3.333", "2.5", models.SideSell, time.Second)))

	stats := l.Statistics()
	// volume 3 + 8.3325
	assert.Equal(t, "11.33", stats.TotalVolume.String())
	// 11.3325 / 3.5
	assert.Equal(t, "3.2379", stats.AveragePrice.String())
	// 0.333 / 3 * 100
	assert.Equal(t, "11.1", stats.PriceChangePercent.String())
}

func TestRecordRejectsInvalidTrades(t *testing.T) {
	l := New("AKBNK", 10)

	cases := []struct {
		name  string
		trade models.Trade
		field string
	}{
		{"zero price", trade("a", "0", "1", models.SideBuy, 0), "price"},
		{"negative price", trade("b", "-1", "1", models.SideBuy, 0), "price"},
		{"zero quantity", trade("c", "1", "0", models.SideBuy, 0), "quantity"},
		{"bad side", trade("d", "1", "1", models.Side("HOLD"), 0), "side"},
		{"missing id", trade("", "1", "1", models.SideBuy, 0), "id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := l.Record(tc.trade)
			var dataErr *models.DataError
			require.True(t, errors.As(err, &dataErr))
			assert.Contains(t, dataErr.Fields, tc.field)
		})
	}

	other := trade("e", "1", "1", models.SideBuy, 0)
	other.Symbol = "THYAO"
	err := l.Record(other)
	var dataErr *models.DataError
	require.True(t, errors.As(err, &dataErr))
	assert.Equal(t, "THYAO", dataErr.Symbol)

	assert.Zero(t, l.Len())
}

func TestRecordRejectsDuplicateID(t *testing.T) {
	l := New("akbnk", 10)
	require.NoError(t, l.Record(trade("t1", "10", "1", models.SideBuy, 0)))
	err := l.Record(trade("t1", "11", "1", models.SideBuy, time.Second))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate trade")
	assert.Equal(t, 1, l.Len())
}

func TestCapacityBound(t *testing.T) {
	l := New("AKBNK", 5)
	for i := 1; i <= 12; i++ {
		require.NoError(t, l.Record(trade(fmt.Sprintf("t%d", i), fmt.Sprint(i), "1", models.SideBuy, time.Duration(i)*time.Second)))
		assert.LessOrEqual(t, l.Len(), 5)
	}

	trades := l.Trades()
	require.Len(t, trades, 5)
	assert.Equal(t, "t12", trades[0].ID)
	assert.Equal(t, "t8", trades[4].ID)

	// Evicted ids may be recorded again
	require.NoError(t, l.Record(trade("t1", "1", "1", models.SideBuy, 20*time.Second)))
	stats := l.Statistics()
	assert.True(t, stats.LowPrice.Equal(d("1")))
	assert.True(t, stats.HighPrice.Equal(d("12")))
}

func TestQueries(t *testing.T) {
	l := New("AKBNK", 10)
	require.NoError(t, l.Record(trade("t1", "10", "1", models.SideBuy, 1*time.Second)))
	require.NoError(t, l.Record(trade("t2", "11", "1", models.SideSell, 2*time.Second)))
	require.NoError(t, l.Record(trade("t3", "12", "1", models.SideBuy, 3*time.Second)))
	require.NoError(t, l.Record(trade("t4", "9", "1", models.SideSell, 4*time.Second)))

	ids := func(trades []models.Trade) []string {
		out := make([]string, len(trades))
		for i, t := range trades {
			out[i] = t.ID
		}
		return out
	}

	assert.Equal(t, []string{"t4", "t3"}, ids(l.Recent(2)))
	assert.Equal(t, []string{"t4", "t3", "t2", "t1"}, ids(l.Recent(50)))
	assert.Empty(t, l.Recent(0))

	assert.Equal(t, []string{"t3", "t1"}, ids(l.BySide(models.SideBuy)))
	assert.Equal(t, []string{"t4", "t2"}, ids(l.BySide(models.SideSell)))

	assert.Equal(t, []string{"t3", "t2"}, ids(l.InRange(baseTime.Add(2*time.Second), baseTime.Add(3*time.Second))))

	last, ok := l.LastPrice()
	require.True(t, ok)
	assert.True(t, last.Equal(d("9")))

	up, ok := l.TrendingUp(3)
	require.True(t, ok)
	assert.False(t, up, "9 is below 11")
	up, ok = l.TrendingUp(4)
	require.True(t, ok)
	assert.False(t, up)
	_, ok = l.TrendingUp(5)
	assert.False(t, ok, "not enough trades")

	require.NoError(t, l.Record(trade("t5", "13", "1", models.SideBuy, 5*time.Second)))
	up, ok = l.TrendingUp(2)
	require.True(t, ok)
	assert.True(t, up)
}

func TestReset(t *testing.T) {
	l := New("AKBNK", 10)
	require.NoError(t, l.Record(trade("t1", "10", "1", models.SideBuy, 0)))

	l.Reset("thyao")
	assert.Equal(t, "THYAO", l.Symbol())
	assert.Zero(t, l.Len())

	next := trade("t1", "10", "1", models.SideBuy, 0)
	next.Symbol = "THYAO"
	require.NoError(t, l.Record(next))
}
