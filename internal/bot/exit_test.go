package bot

import (
	"context"
	"testing"

	"binance-trade-cycle-go/internal/exchange"
	"binance-trade-cycle-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeThreshold(t *testing.T) {
	tests := []struct {
		name                   string
		avg, target, stop, tol float64
		want                   float64
	}{
		{"entry at target", 0.05, 0.05, 0.0495, 0.01, 0.049995},
		{"entry below target uses the average", 0.049, 0.05, 0.0485, 0.5, 0.04875},
		{"entry above target uses the target", 0.0504, 0.05, 0.0495, 0.01, 0.049995},
		{"unknown average uses the target", 0, 0.05, 0.0495, 0.01, 0.049995},
		{"zero tolerance", 0.05, 0.05, 0.0495, 0, 0.05},
		{"full tolerance reaches the stop", 0.05, 0.05, 0.0495, 1, 0.0495},
		{"average below stop is clamped", 0.049, 0.05, 0.0495, 0.2, 0.0495},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, ComputeThreshold(tt.avg, tt.target, tt.stop, tt.tol), 1e-12)
		})
	}
}

func TestComputeThresholdStaysBetweenStopAndTarget(t *testing.T) {
	target, stop := 0.05, 0.0495
	for _, avg := range []float64{0, 0.048, 0.0495, 0.0499, 0.05, 0.0505} {
		for tol := 0.0; tol <= 1.0; tol += 0.05 {
			got := ComputeThreshold(avg, target, stop, tol)
			assert.GreaterOrEqual(t, got, stop, "avg=%v tol=%v", avg, tol)
			assert.LessOrEqual(t, got, target, "avg=%v tol=%v", avg, tol)
		}
	}
}

// The bid drops below the threshold, so the resting sell is pulled.
func TestBidBelowThresholdCancelsRestingSell(t *testing.T) {
	h := newHarness(t)
	s := enterPosition(t, h)
	orderID := s.Sell.ActiveOrderID
	require.Equal(t, 0.049995, s.Sell.Threshold)

	h.sim.SetTicker(0.0497, 0.0498)
	// Depth only covers the position above the stop, so nothing is sold.
	h.sim.SetOrderBook(&models.OrderBook{Bids: []models.PriceLevel{{Price: 0.0497, Size: 1000}}})
	ctx := context.Background()

	require.NoError(t, h.bot.exitStep(ctx, s))
	assert.Equal(t, models.StopArmed, s.Sell.Mode)
	assert.Empty(t, s.Sell.ActiveOrderID)
	assert.False(t, s.Sell.Complete)

	open, err := h.sim.GetOpenOrders(ctx, testMarket)
	require.NoError(t, err)
	assert.NotContains(t, open, orderID)

	stored := h.stored(t)
	assert.Equal(t, models.StopArmed, stored.Sell.Mode)
	assert.Empty(t, stored.Sell.ActiveOrderID)

	require.NoError(t, h.bot.exitStep(ctx, s))
	assert.Equal(t, models.StopArmed, s.Sell.Mode)
	assert.Equal(t, 1, h.sim.Calls("PlaceSell"))
	assert.Equal(t, 1, h.sim.Calls("GetOrderBook"))
}

// A stop-armed session sees the price recover and re-places the sell.
func TestRecoveryReplacesRestingSell(t *testing.T) {
	h := newHarness(t)
	s := enterPosition(t, h)
	first := s.Sell.ActiveOrderID
	ctx := context.Background()

	h.sim.SetTicker(0.0497, 0.0498)
	h.sim.SetOrderBook(&models.OrderBook{Bids: []models.PriceLevel{{Price: 0.0497, Size: 1000}}})
	require.NoError(t, h.bot.exitStep(ctx, s))
	require.Equal(t, models.StopArmed, s.Sell.Mode)

	h.sim.SetTicker(0.0501, 0.0502)
	require.NoError(t, h.bot.exitStep(ctx, s))
	assert.Equal(t, models.RestingSell, s.Sell.Mode)
	require.NotEmpty(t, s.Sell.ActiveOrderID)
	assert.NotEqual(t, first, s.Sell.ActiveOrderID)

	open, err := h.sim.GetOpenOrders(ctx, testMarket)
	require.NoError(t, err)
	assert.Equal(t, []string{s.Sell.ActiveOrderID}, open)

	stored := h.stored(t)
	assert.Equal(t, models.RestingSell, stored.Sell.Mode)
	assert.Equal(t, s.Sell.ActiveOrderID, stored.Sell.ActiveOrderID)
}

func TestStopArmedBetweenBandAndThresholdWaits(t *testing.T) {
	h := newHarness(t)
	s := enterPosition(t, h)
	ctx := context.Background()

	h.sim.SetTicker(0.0497, 0.0498)
	h.sim.SetOrderBook(&models.OrderBook{Bids: []models.PriceLevel{{Price: 0.0497, Size: 1000}}})
	require.NoError(t, h.bot.exitStep(ctx, s))

	// Zero tolerance moves the band down to the stop, below the bid.
	s.Parameters.PriceTolerance = 0
	require.NoError(t, h.bot.exitStep(ctx, s))
	assert.Equal(t, 0, h.sim.Calls("GetOrderBook"))
	assert.Equal(t, models.StopArmed, s.Sell.Mode)
}

func TestPartialFillIsKeptWhenSellIsPulled(t *testing.T) {
	h := newHarness(t)
	s := enterPosition(t, h)
	require.NoError(t, h.sim.FillOrder(s.Sell.ActiveOrderID, 80))
	ctx := context.Background()

	h.sim.SetTicker(0.0497, 0.0498)
	h.sim.SetOrderBook(&models.OrderBook{Bids: []models.PriceLevel{{Price: 0.0497, Size: 1000}}})
	require.NoError(t, h.bot.exitStep(ctx, s))

	assert.Equal(t, models.StopArmed, s.Sell.Mode)
	assert.Equal(t, 80.0, s.Sell.AmountActual)
	assert.Equal(t, 120.0, s.Sell.Remaining())
	assert.Len(t, s.Sell.FillOrders, 1)

	// The replacement sell only covers what is left.
	h.sim.SetTicker(0.0501, 0.0502)
	require.NoError(t, h.bot.exitStep(ctx, s))
	assert.Equal(t, models.RestingSell, s.Sell.Mode)

	open, err := h.sim.GetOpenOrders(ctx, testMarket)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.NoError(t, h.sim.FillOrder(open[0], 120))
	require.NoError(t, h.bot.exitStep(ctx, s))
	assert.True(t, s.Sell.Complete)
	assert.Equal(t, models.ResultTarget, s.Sell.Result)
	assert.Equal(t, s.Sell.Amount, s.Sell.AmountActual)
}

func TestRepeatedPollsDoNotDoubleCountFills(t *testing.T) {
	h := newHarness(t)
	s := enterPosition(t, h)
	require.NoError(t, h.sim.FillOrder(s.Sell.ActiveOrderID, 50))
	h.sim.SetTicker(0.0501, 0.0502)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, h.bot.exitStep(ctx, s))
	}
	assert.Equal(t, 50.0, s.Sell.AmountActual)
	assert.Len(t, s.Sell.FillOrders, 1)
	assert.Equal(t, models.RestingSell, s.Sell.Mode)
}

func TestSellClosedWithPartialFillEndsAtTarget(t *testing.T) {
	h := newHarness(t)
	s := enterPosition(t, h)
	orderID := s.Sell.ActiveOrderID
	require.NoError(t, h.sim.FillOrder(orderID, 150))
	h.sim.DropOrder(orderID)
	h.sim.SetTicker(0.0501, 0.0502)

	require.NoError(t, h.bot.exitStep(context.Background(), s))
	assert.True(t, s.Sell.Complete)
	assert.Equal(t, models.ResultTarget, s.Sell.Result)
	assert.Equal(t, 150.0, s.Sell.AmountActual)
}

// fillOnCancel fills the order just before the cancel reaches the exchange.
type fillOnCancel struct {
	*exchange.SimExchange
	amount float64
}

func (f fillOnCancel) CancelOrder(ctx context.Context, market, orderID string) (*models.CancelResult, error) {
	_ = f.SimExchange.FillOrder(orderID, f.amount)
	return f.SimExchange.CancelOrder(ctx, market, orderID)
}

func TestNotCancelableFilledSellEndsAtTarget(t *testing.T) {
	h := newHarness(t)
	s := enterPosition(t, h)
	b := h.newBot(fillOnCancel{SimExchange: h.sim, amount: 200})

	h.sim.SetTicker(0.0497, 0.0498)
	require.NoError(t, b.exitStep(context.Background(), s))

	assert.True(t, s.Sell.Complete)
	assert.Equal(t, models.ResultTarget, s.Sell.Result)
	assert.Equal(t, 200.0, s.Sell.AmountActual)
	assert.Equal(t, 10.15, s.Sell.GainActual)
}

func TestNotCancelableWithoutFillsIsDesync(t *testing.T) {
	h := newHarness(t)
	s := enterPosition(t, h)
	h.sim.DropOrder(s.Sell.ActiveOrderID)

	h.sim.SetTicker(0.0497, 0.0498)
	err := h.bot.exitStep(context.Background(), s)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrExchangeDesync)
	assert.False(t, s.Sell.Complete)
	assert.NotEmpty(t, s.Sell.ActiveOrderID)
}

func TestCancelFailureIsRetriedNextPoll(t *testing.T) {
	h := newHarness(t)
	s := enterPosition(t, h)
	h.sim.FailNext("CancelOrder", 1)
	h.sim.SetTicker(0.0497, 0.0498)
	h.sim.SetOrderBook(&models.OrderBook{Bids: []models.PriceLevel{{Price: 0.0497, Size: 1000}}})
	ctx := context.Background()

	require.NoError(t, h.bot.exitStep(ctx, s))
	assert.Equal(t, models.RestingSell, s.Sell.Mode)
	assert.NotEmpty(t, s.Sell.ActiveOrderID)

	require.NoError(t, h.bot.exitStep(ctx, s))
	assert.Equal(t, models.StopArmed, s.Sell.Mode)
	assert.Equal(t, 2, h.sim.Calls("CancelOrder"))
}

func TestPlaceRestingSellRetriesUntilAcknowledged(t *testing.T) {
	h := newHarness(t)
	h.sim.SetTicker(0.0499, 0.05)
	ctx := context.Background()

	s, err := h.bot.CreateSession(ctx, testParams())
	require.NoError(t, err)
	_, err = h.bot.RunEntry(ctx, s)
	require.NoError(t, err)
	h.bot.prepareExit(s)

	h.sim.FailNext("PlaceSell", 2)
	before := h.clk.Now()
	require.NoError(t, h.bot.PlaceRestingSell(ctx, s))

	assert.Equal(t, 3, h.sim.Calls("PlaceSell"))
	assert.Equal(t, h.bot.timing.SellRetry*2, h.clk.Now().Sub(before))
	assert.Equal(t, s.Sell.ActiveOrderID, h.stored(t).Sell.ActiveOrderID)
}
