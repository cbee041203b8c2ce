package bot

import (
	"context"
	"testing"
	"time"

	"binance-trade-cycle-go/internal/exchange"
	"binance-trade-cycle-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A 10 budget buys 200 at 0.05 in one IOC order.
func TestEntryFillsBudgetInOneOrder(t *testing.T) {
	h := newHarness(t)
	h.sim.Script(models.Ticker{Bid: 0.0499, Ask: 0.05})
	ctx := context.Background()

	s, err := h.bot.CreateSession(ctx, testParams())
	require.NoError(t, err)
	filled, err := h.bot.RunEntry(ctx, s)
	require.NoError(t, err)
	require.True(t, filled)

	assert.True(t, s.Buy.Complete)
	assert.Equal(t, 200.0, s.Buy.AmountActual)
	assert.Equal(t, 10.0, s.Buy.SpendActual)
	assert.Equal(t, 0.05, s.Buy.AvgPriceActual)
	assert.Equal(t, s.Buy.AmountActual, s.Sell.Amount)
	assert.Equal(t, 1, h.sim.Calls("PlaceBuy"))
	assert.Equal(t, 990.0, h.sim.Balance("BTC"))
	assert.Equal(t, 200.0, h.sim.Balance("ETH"))

	stored := h.stored(t)
	assert.True(t, stored.Buy.Complete)
	assert.Len(t, stored.Buy.FillOrders, 1)
}

func TestEntryNeverBuysAboveMaxPrice(t *testing.T) {
	h := newHarness(t)
	h.sim.Script(
		models.Ticker{Bid: 0.059, Ask: 0.06},
		models.Ticker{Bid: 0.0505, Ask: 0.0506},
		models.Ticker{Bid: 0.0499, Ask: 0.05},
	)
	ctx := context.Background()

	s, err := h.bot.CreateSession(ctx, testParams())
	require.NoError(t, err)
	filled, err := h.bot.RunEntry(ctx, s)
	require.NoError(t, err)
	require.True(t, filled)

	assert.Equal(t, 1, h.sim.Calls("PlaceBuy"))
	for _, f := range s.Buy.FillOrders {
		assert.LessOrEqual(t, f.Price, s.Buy.MaxPrice)
	}
	assert.Equal(t, 400*time.Millisecond, h.clk.Now().Sub(s.CreatedAt))
}

func TestEntryPartialFillsStayWithinBudget(t *testing.T) {
	h := newHarness(t)
	h.sim.SetOrderBook(&models.OrderBook{Asks: []models.PriceLevel{
		{Price: 0.05, Size: 50},
		{Price: 0.0501, Size: 1000},
	}})
	h.sim.Script(
		models.Ticker{Bid: 0.0499, Ask: 0.05},
		models.Ticker{Bid: 0.05, Ask: 0.0501},
	)
	ctx := context.Background()

	s, err := h.bot.CreateSession(ctx, testParams())
	require.NoError(t, err)
	filled, err := h.bot.RunEntry(ctx, s)
	require.NoError(t, err)
	require.True(t, filled)

	assert.Equal(t, 2, h.sim.Calls("PlaceBuy"))
	assert.Len(t, s.Buy.FillOrders, 2)
	assert.LessOrEqual(t, s.Buy.SpendActual, s.Buy.SpendBudget)
	assert.InDelta(t, 199.7005988, s.Buy.AmountActual, 1e-8)
	assert.Equal(t, s.Buy.AmountActual, s.Sell.Amount)
	for _, f := range s.Buy.FillOrders {
		assert.LessOrEqual(t, f.Price, s.Buy.MaxPrice)
	}
}

func TestEntryTimeoutWithPartialFillContinues(t *testing.T) {
	h := newHarness(t)
	h.sim.SetOrderBook(&models.OrderBook{Asks: []models.PriceLevel{{Price: 0.05, Size: 50}}})
	h.sim.Script(models.Ticker{Bid: 0.0499, Ask: 0.05})
	ctx := context.Background()

	s, err := h.bot.CreateSession(ctx, testParams())
	require.NoError(t, err)
	filled, err := h.bot.RunEntry(ctx, s)
	require.NoError(t, err)
	require.True(t, filled)

	assert.True(t, s.Buy.Complete)
	assert.False(t, s.Buy.Failed)
	assert.Equal(t, 50.0, s.Buy.AmountActual)
	assert.Equal(t, 2.5, s.Buy.SpendActual)
	assert.Equal(t, 50.0, s.Sell.Amount)
	assert.False(t, h.clk.Now().Before(s.Buy.AbortTime))
}

func TestEntryTimeoutWithoutFillsFails(t *testing.T) {
	h := newHarness(t)
	h.sim.Script(models.Ticker{Bid: 0.059, Ask: 0.06})
	ctx := context.Background()

	s, err := h.bot.CreateSession(ctx, testParams())
	require.NoError(t, err)
	filled, err := h.bot.RunEntry(ctx, s)
	assert.ErrorIs(t, err, models.ErrEntryTimeout)
	assert.False(t, filled)
	assert.True(t, s.Buy.Failed)
	assert.False(t, s.Buy.Complete)

	stored := h.stored(t)
	require.NotNil(t, stored)
	assert.True(t, stored.Buy.Failed)
}

func TestEntryRetriesTransientOrderErrors(t *testing.T) {
	h := newHarness(t)
	h.sim.SetTicker(0.0499, 0.05)
	h.sim.FailNext("PlaceBuy", 2)
	ctx := context.Background()

	s, err := h.bot.CreateSession(ctx, testParams())
	require.NoError(t, err)
	filled, err := h.bot.RunEntry(ctx, s)
	require.NoError(t, err)
	require.True(t, filled)

	assert.Equal(t, 3, h.sim.Calls("PlaceBuy"))
	assert.Equal(t, 200.0, s.Buy.AmountActual)
}

func TestEntryStopsOnContextCancel(t *testing.T) {
	h := newHarness(t)
	h.sim.SetTicker(0.059, 0.06)

	s, err := h.bot.CreateSession(context.Background(), testParams())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.bot.RunEntry(ctx, s)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, s.Buy.Failed)
}

// lotSizeBuys rejects buys smaller than minQty the way the live adapter does
// after rounding to the lot step.
type lotSizeBuys struct {
	*exchange.SimExchange
	minQty float64
	calls  int
}

func (l *lotSizeBuys) PlaceBuy(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	l.calls++
	if req.Quantity < l.minQty {
		return nil, exchange.ErrBelowMinQty
	}
	return l.SimExchange.PlaceBuy(ctx, req)
}

func TestEntryLeftoverBelowLotSizeCompletes(t *testing.T) {
	h := newHarness(t)
	h.sim.SetTicker(0.0499, 0.05)
	h.sim.SetOrderBook(&models.OrderBook{Asks: []models.PriceLevel{{Price: 0.05, Size: 150}}})
	ctx := context.Background()

	ex := &lotSizeBuys{SimExchange: h.sim, minQty: 100}
	b := h.newBot(ex)
	s, err := b.CreateSession(ctx, testParams())
	require.NoError(t, err)

	filled, err := b.RunEntry(ctx, s)
	require.NoError(t, err)
	require.True(t, filled)

	assert.Equal(t, 2, ex.calls, "the leftover 50 is rejected once, not retried")
	assert.Equal(t, 1, h.sim.Calls("PlaceBuy"))
	assert.True(t, s.Buy.Complete)
	assert.Equal(t, 150.0, s.Buy.AmountActual)
	assert.Equal(t, 7.5, s.Buy.SpendActual)
	assert.True(t, h.clk.Now().Before(s.Buy.AbortTime))
}
