package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"binance-trade-cycle-go/internal/clock"
	"binance-trade-cycle-go/internal/exchange"
	"binance-trade-cycle-go/internal/models"
	"binance-trade-cycle-go/internal/persistence"
	"binance-trade-cycle-go/internal/statemanager"
	"binance-trade-cycle-go/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testMarket = "BTC_ETH"

type harness struct {
	clk     *clock.Fake
	sim     *exchange.SimExchange
	store   persistence.TradeStore
	journal *storage.Journal
	state   *statemanager.StateManager
	bot     *Bot
}

// newHarness uses a fee-free exchange so the expected amounts stay round.
func newHarness(t *testing.T) *harness {
	return newHarnessWithFees(t, models.FeeSchedule{})
}

func newHarnessWithFees(t *testing.T, fees models.FeeSchedule) *harness {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	sim := exchange.NewSimExchange(clk, map[string]float64{"BTC": 1000}, fees)

	store, err := persistence.NewInMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	journal, err := storage.InitDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	h := &harness{clk: clk, sim: sim, store: store, journal: journal}
	h.state = statemanager.NewStateManager(store, clk, nil, zap.NewNop())
	h.bot = h.newBot(sim)
	return h
}

// newBot builds a bot sharing the harness store, as a restarted process would.
func (h *harness) newBot(ex exchange.Exchange) *Bot {
	return New(Deps{
		Exchange: ex,
		State:    h.state,
		Journal:  h.journal,
		Clock:    h.clk,
		Logger:   zap.NewNop(),
		Timing:   TimingFromConfig(models.TimingConfig{}),
	})
}

func (h *harness) stored(t *testing.T) *models.TradeSession {
	t.Helper()
	s, err := h.store.Get(testMarket)
	require.NoError(t, err)
	return s
}

func testParams() models.TradeParams {
	return models.TradeParams{
		Market:              testMarket,
		BuyTarget:           0.05,
		ProfitLevel:         0.015,
		StopLevel:           0.01,
		SpendProportion:     0.01,
		PriceTolerance:      0.01,
		EntryTimeoutMinutes: 1,
		TakerFeeOK:          true,
	}
}

// enterPosition buys 200 at 0.05 and leaves a resting sell at the target.
func enterPosition(t *testing.T, h *harness) *models.TradeSession {
	t.Helper()
	ctx := context.Background()
	h.sim.SetTicker(0.0499, 0.05)

	s, err := h.bot.CreateSession(ctx, testParams())
	require.NoError(t, err)
	filled, err := h.bot.RunEntry(ctx, s)
	require.NoError(t, err)
	require.True(t, filled)

	h.bot.prepareExit(s)
	require.NoError(t, h.bot.PlaceRestingSell(ctx, s))
	require.NotEmpty(t, s.Sell.ActiveOrderID)
	require.Equal(t, models.RestingSell, s.Sell.Mode)
	return s
}

func TestCreateSessionDerivesTargets(t *testing.T) {
	h := newHarnessWithFees(t, models.FeeSchedule{Maker: 0.001, Taker: 0.001})
	s, err := h.bot.CreateSession(context.Background(), testParams())
	require.NoError(t, err)

	assert.Equal(t, 10.0, s.Buy.SpendBudget)
	assert.Equal(t, 0.0505, s.Buy.MaxPrice)
	assert.Equal(t, 0.05075, s.Sell.TargetPrice)
	assert.Equal(t, 0.0495, s.Sell.StopPrice)
	assert.Equal(t, "BTC", s.BaseCurrency)
	assert.Equal(t, "ETH", s.QuoteCurrency)
	assert.Equal(t, 0.001, s.Fees.Taker)
	assert.Equal(t, h.clk.Now().Add(time.Minute), s.Buy.AbortTime)

	stored := h.stored(t)
	require.NotNil(t, stored)
	assert.Equal(t, s.ID, stored.ID)
}

func TestCreateSessionRejectsStopAtOrAboveTarget(t *testing.T) {
	h := newHarness(t)
	p := testParams()
	stop := 0.05
	p.StopPrice = &stop

	_, err := h.bot.CreateSession(context.Background(), p)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.ErrorIs(t, err, models.ErrStopAboveTarget)
	assert.Equal(t, 0, h.sim.Calls(""), "validation happens before any exchange call")
	assert.Nil(t, h.stored(t))
}

func TestCreateSessionRejectsMakerOnlyEntry(t *testing.T) {
	h := newHarness(t)
	p := testParams()
	p.TakerFeeOK = false

	_, err := h.bot.CreateSession(context.Background(), p)
	assert.ErrorIs(t, err, models.ErrMakerEntryUnsupported)
}

func TestCreateSessionInsufficientBalance(t *testing.T) {
	h := newHarness(t)
	p := testParams()
	p.Market = "USDT_ETH"

	_, err := h.bot.CreateSession(context.Background(), p)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)
	assert.True(t, models.IsFatal(err))
}

func TestCreateSessionRetriesTransientBalanceErrors(t *testing.T) {
	h := newHarness(t)
	h.sim.FailNext("GetBalance", 2)

	s, err := h.bot.CreateSession(context.Background(), testParams())
	require.NoError(t, err)
	assert.Equal(t, 10.0, s.Buy.SpendBudget)
	assert.Equal(t, 3, h.sim.Calls("GetBalance"))
}

func TestCreateSessionRejectsSecondOpenSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.bot.CreateSession(ctx, testParams())
	require.NoError(t, err)

	_, err = h.bot.CreateSession(ctx, testParams())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSessionOpen)
}

func TestRunReachesTarget(t *testing.T) {
	h := newHarness(t)
	h.sim.Script(
		models.Ticker{Bid: 0.0499, Ask: 0.05},
		models.Ticker{Bid: 0.0508, Ask: 0.0509},
	)

	out, err := h.bot.Run(context.Background(), testParams())
	require.NoError(t, err)
	assert.Equal(t, OutcomeTarget, out.Result)

	s := out.Session
	assert.True(t, s.Sell.Complete)
	assert.Equal(t, models.ResultTarget, s.Sell.Result)
	assert.Equal(t, 200.0, s.Sell.AmountActual)
	assert.Equal(t, 10.15, s.Sell.GainActual)
	assert.Empty(t, s.Sell.ActiveOrderID)

	stored := h.stored(t)
	require.NotNil(t, stored)
	assert.True(t, stored.Sell.Complete)

	orders, err := h.journal.OrdersForMarket(testMarket)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, models.Buy, orders[0].Side)
	assert.Equal(t, storage.StatusFilled, orders[0].Status)
	assert.Equal(t, models.Sell, orders[1].Side)
	assert.Equal(t, storage.StatusFilled, orders[1].Status)
}

func TestRunStopLossPath(t *testing.T) {
	h := newHarness(t)
	h.sim.Script(
		models.Ticker{Bid: 0.0499, Ask: 0.05},   // entry
		models.Ticker{Bid: 0.0497, Ask: 0.0498}, // below threshold: pull the sell
		models.Ticker{Bid: 0.0495, Ask: 0.0496}, // stop band, synthetic book covers at 0.0495
	)

	out, err := h.bot.Run(context.Background(), testParams())
	require.NoError(t, err)
	assert.Equal(t, OutcomeStop, out.Result)

	s := out.Session
	assert.Equal(t, 200.0, s.Sell.AmountActual)
	for _, f := range s.Sell.FillOrders {
		assert.LessOrEqual(t, f.Price, s.Sell.StopPrice)
	}
	assert.Equal(t, models.StopArmed, s.Sell.Mode)
}

func TestRunEntryTimeoutDeletesSession(t *testing.T) {
	h := newHarness(t)
	h.sim.Script(models.Ticker{Bid: 0.059, Ask: 0.06})

	start := h.clk.Now()
	out, err := h.bot.Run(context.Background(), testParams())
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, out.Result)
	assert.True(t, out.Session.Buy.Failed)
	assert.False(t, h.clk.Now().Before(start.Add(time.Minute)))

	assert.Nil(t, h.stored(t), "a timed out session without fills is deleted")
	assert.Equal(t, 0, h.sim.Calls("PlaceBuy"))
}

func TestRunChargesFees(t *testing.T) {
	h := newHarnessWithFees(t, models.FeeSchedule{Maker: 0.001, Taker: 0.001})
	h.sim.Script(
		models.Ticker{Bid: 0.0499, Ask: 0.05},
		models.Ticker{Bid: 0.0508, Ask: 0.0509},
	)

	out, err := h.bot.Run(context.Background(), testParams())
	require.NoError(t, err)
	assert.Equal(t, OutcomeTarget, out.Result)

	s := out.Session
	// taker fee on the entry comes out of the ETH bought
	assert.Equal(t, 10.0, s.Buy.SpendActual)
	assert.Equal(t, 199.8, s.Buy.AmountActual)
	assert.Equal(t, 199.8, s.Sell.Amount, "only the net amount is sold")
	assert.Equal(t, 199.8, s.Sell.AmountActual)

	// maker fee on the resting sell comes out of the BTC received
	gross := models.Round8(199.8 * 0.05075)
	net := models.Round8(gross - models.Round8(gross*0.001))
	assert.Equal(t, net, s.Sell.GainActual)
	assert.Equal(t, models.Round8(990+net), h.sim.Balance("BTC"))
	assert.Zero(t, h.sim.Balance("ETH"))
}

func TestRunStopsWhenReplayEnds(t *testing.T) {
	h := newHarness(t)
	h.sim.Replay(
		models.Ticker{Bid: 0.0499, Ask: 0.05},   // entry
		models.Ticker{Bid: 0.0501, Ask: 0.0502}, // resting sell waits
	)

	_, err := h.bot.Run(context.Background(), testParams())
	require.ErrorIs(t, err, exchange.ErrReplayExhausted)
	assert.Equal(t, 3, h.sim.Calls("GetTicker"))

	stored := h.stored(t)
	require.NotNil(t, stored, "an unfinished session stays persisted")
	assert.False(t, stored.Sell.Complete)
	assert.Equal(t, models.RestingSell, stored.Sell.Mode)
	assert.NotEmpty(t, stored.Sell.ActiveOrderID)
}

func TestStopArmedSessionStopsWhenReplayEnds(t *testing.T) {
	h := newHarness(t)
	h.sim.Replay(
		models.Ticker{Bid: 0.0499, Ask: 0.05},   // entry
		models.Ticker{Bid: 0.0497, Ask: 0.0498}, // pull the sell
		models.Ticker{Bid: 0.0497, Ask: 0.0498}, // depth covers above the stop
	)

	_, err := h.bot.Run(context.Background(), testParams())
	require.ErrorIs(t, err, exchange.ErrReplayExhausted)

	stored := h.stored(t)
	require.NotNil(t, stored)
	assert.False(t, stored.Sell.Complete)
	assert.Equal(t, models.StopArmed, stored.Sell.Mode)
	assert.Empty(t, stored.Sell.ActiveOrderID)
}

func TestResumeCompletedSessionMakesNoExchangeCalls(t *testing.T) {
	h := newHarness(t)
	h.sim.Script(
		models.Ticker{Bid: 0.0499, Ask: 0.05},
		models.Ticker{Bid: 0.0508, Ask: 0.0509},
	)
	_, err := h.bot.Run(context.Background(), testParams())
	require.NoError(t, err)

	fresh := exchange.NewSimExchange(h.clk, nil, models.FeeSchedule{})
	out, err := h.newBot(fresh).Resume(context.Background(), testMarket)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTarget, out.Result)
	assert.Equal(t, 0, fresh.Calls(""))
}

func TestResumeContinuesRestingSell(t *testing.T) {
	h := newHarness(t)
	s := enterPosition(t, h)
	orderID := s.Sell.ActiveOrderID

	// A restarted process sees the same exchange and store.
	h.sim.Script(models.Ticker{Bid: 0.0508, Ask: 0.0509})
	out, err := h.newBot(h.sim).Resume(context.Background(), testMarket)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTarget, out.Result)
	assert.Equal(t, 1, h.sim.Calls("PlaceSell"), "the persisted order is reused, not placed again")
	assert.Equal(t, orderID, out.Session.Sell.FillOrders[0].OrderID)
}

func TestJournalAheadOfSession(t *testing.T) {
	h := newHarness(t)
	s := enterPosition(t, h)
	assert.Equal(t, 0.0, h.bot.journalAhead(s))

	// fill journaled but the session save never happened
	require.NoError(t, h.journal.RecordFills(testMarket, []models.Fill{
		{OrderID: s.Sell.ActiveOrderID, FillID: "late-1", Side: models.Sell, Amount: 50, Price: 0.05075, Total: 2.5375, Timestamp: h.clk.Now()},
	}))
	assert.Equal(t, 50.0, h.bot.journalAhead(h.stored(t)))
}

// journaledBot shares the harness exchange and journal but writes the session
// through a store that can be made to fail.
func journaledBot(h *harness) (*Bot, *flakyStore) {
	flaky := &flakyStore{TradeStore: h.store}
	state := statemanager.NewStateManager(flaky, h.clk, nil, zap.NewNop())
	return New(Deps{
		Exchange: h.sim,
		State:    state,
		Journal:  h.journal,
		Clock:    h.clk,
		Logger:   zap.NewNop(),
		Timing:   TimingFromConfig(models.TimingConfig{}),
	}), flaky
}

// enterWithLostSell buys the position and places the resting sell while the
// store is down, so the stored session never learns the order id.
func enterWithLostSell(t *testing.T, h *harness) string {
	t.Helper()
	ctx := context.Background()
	b, flaky := journaledBot(h)
	h.sim.SetTicker(0.0499, 0.05)

	s, err := b.CreateSession(ctx, testParams())
	require.NoError(t, err)
	_, err = b.RunEntry(ctx, s)
	require.NoError(t, err)
	b.prepareExit(s)

	flaky.failures = 1
	require.NoError(t, b.PlaceRestingSell(ctx, s))
	require.NotEmpty(t, s.Sell.ActiveOrderID)
	require.Empty(t, h.stored(t).Sell.ActiveOrderID)
	return s.Sell.ActiveOrderID
}

func TestResumeRecoversRestingSellFromJournal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	orderID := enterWithLostSell(t, h)

	h.sim.Script(
		models.Ticker{Bid: 0.0501, Ask: 0.0502},
		models.Ticker{Bid: 0.0508, Ask: 0.0509},
	)
	out, err := h.newBot(h.sim).Resume(ctx, testMarket)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTarget, out.Result)
	assert.Equal(t, 1, h.sim.Calls("PlaceSell"), "the journaled order is adopted, not placed again")
	require.Len(t, out.Session.Sell.FillOrders, 1)
	assert.Equal(t, orderID, out.Session.Sell.FillOrders[0].OrderID)

	open, err := h.sim.GetOpenOrders(ctx, testMarket)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestResumeIgnoresJournaledSellGoneFromExchange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	orderID := enterWithLostSell(t, h)
	h.sim.DropOrder(orderID)

	h.sim.Script(models.Ticker{Bid: 0.0508, Ask: 0.0509})
	out, err := h.newBot(h.sim).Resume(ctx, testMarket)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTarget, out.Result)
	assert.Equal(t, 2, h.sim.Calls("PlaceSell"))
	require.Len(t, out.Session.Sell.FillOrders, 1)
	assert.NotEqual(t, orderID, out.Session.Sell.FillOrders[0].OrderID)

	orders, err := h.journal.OrdersForMarket(testMarket)
	require.NoError(t, err)
	for _, o := range orders {
		if o.OrderID == orderID {
			assert.Equal(t, storage.StatusCanceled, o.Status)
		}
	}
}

func TestResumeAfterEntryPlacesInitialSell(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sim.SetTicker(0.0499, 0.05)

	s, err := h.bot.CreateSession(ctx, testParams())
	require.NoError(t, err)
	_, err = h.bot.RunEntry(ctx, s)
	require.NoError(t, err)

	h.sim.Script(models.Ticker{Bid: 0.0508, Ask: 0.0509})
	out, err := h.newBot(h.sim).Resume(ctx, testMarket)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTarget, out.Result)
	assert.Equal(t, 0.049995, out.Session.Sell.Threshold)
}

func TestResumeUnknownMarket(t *testing.T) {
	h := newHarness(t)
	_, err := h.bot.Resume(context.Background(), testMarket)
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestDesyncLeavesSessionForInspection(t *testing.T) {
	h := newHarness(t)
	s := enterPosition(t, h)
	h.sim.DropOrder(s.Sell.ActiveOrderID)
	h.sim.SetTicker(0.0501, 0.0502)

	_, err := h.newBot(h.sim).Resume(context.Background(), testMarket)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrExchangeDesync)
	assert.True(t, models.IsFatal(err))

	stored := h.stored(t)
	require.NotNil(t, stored)
	assert.False(t, stored.Sell.Complete)
	assert.Equal(t, s.Sell.ActiveOrderID, stored.Sell.ActiveOrderID)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t)
	s := enterPosition(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.bot.RunExit(ctx, s)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, s.Sell.Complete)
}

// flakyStore fails a number of writes before delegating.
type flakyStore struct {
	persistence.TradeStore
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) Upsert(s *models.TradeSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("store unavailable")
	}
	return f.TradeStore.Upsert(s)
}

func TestPersistenceFailureKeepsOrderID(t *testing.T) {
	h := newHarness(t)
	s := enterPosition(t, h)
	ctx := context.Background()

	flaky := &flakyStore{TradeStore: h.store}
	state := statemanager.NewStateManager(flaky, h.clk, nil, zap.NewNop())
	b := New(Deps{Exchange: h.sim, State: state, Clock: h.clk, Logger: zap.NewNop(), Timing: TimingFromConfig(models.TimingConfig{})})

	// Pull the sell while the store is down: the transition write fails.
	flaky.failures = 1
	h.sim.SetTicker(0.0497, 0.0498)
	h.sim.SetOrderBook(&models.OrderBook{Bids: []models.PriceLevel{{Price: 0.0497, Size: 1000}}})
	require.NoError(t, b.exitStep(ctx, s))
	assert.Equal(t, models.StopArmed, s.Sell.Mode)
	assert.True(t, state.Dirty(testMarket))

	// Price recovers; the new sell and the missed transition are written together.
	h.sim.SetTicker(0.0501, 0.0502)
	require.NoError(t, b.exitStep(ctx, s))
	assert.False(t, state.Dirty(testMarket))

	stored := h.stored(t)
	assert.Equal(t, models.RestingSell, stored.Sell.Mode)
	assert.Equal(t, s.Sell.ActiveOrderID, stored.Sell.ActiveOrderID)
}

func TestClientOrderIDFitsBinanceLimit(t *testing.T) {
	id := newClientOrderID("s")
	assert.True(t, strings.HasPrefix(id, "tcs-"))
	assert.LessOrEqual(t, len(id), 36)
	assert.NotEqual(t, id, newClientOrderID("s"))
}
