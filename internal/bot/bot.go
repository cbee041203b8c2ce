package bot

import (
	"context"
	"errors"
	"time"

	"binance-trade-cycle-go/internal/clock"
	"binance-trade-cycle-go/internal/exchange"
	"binance-trade-cycle-go/internal/metrics"
	"binance-trade-cycle-go/internal/models"
	"binance-trade-cycle-go/internal/pricefeed"
	"binance-trade-cycle-go/internal/statemanager"
	"binance-trade-cycle-go/internal/storage"

	"go.uber.org/zap"
)

// Result 是一次交易会话的最终结果
type Result string

const (
	OutcomeTarget  Result = "TARGET"
	OutcomeStop    Result = "STOP"
	OutcomeTimeout Result = "TIMEOUT"
)

// Outcome 描述一次 Run/Resume 的结束状态
type Outcome struct {
	Result  Result
	Session *models.TradeSession
}

// Timing 是各循环的节奏
type Timing struct {
	EntryPoll     time.Duration
	ExitPoll      time.Duration
	StopPoll      time.Duration
	Sweep         time.Duration
	SellRetry     time.Duration
	Retry         time.Duration
	OrderBookSize int
}

// TimingFromConfig fills unset values with the defaults.
func TimingFromConfig(c models.TimingConfig) Timing {
	t := Timing{
		EntryPoll:     models.Duration(c.EntryPollMs, 200*time.Millisecond),
		ExitPoll:      models.Duration(c.ExitPollMs, 5*time.Second),
		StopPoll:      models.Duration(c.StopPollMs, time.Second),
		Sweep:         models.Duration(c.SweepMs, 200*time.Millisecond),
		SellRetry:     models.Duration(c.SellRetryMs, 30*time.Second),
		Retry:         models.Duration(c.RetryMs, 5*time.Second),
		OrderBookSize: c.OrderBookSize,
	}
	if t.OrderBookSize <= 0 {
		t.OrderBookSize = 100
	}
	return t
}

// Deps 是 Bot 依赖的组件。Journal 和 Metrics 可以为 nil。
type Deps struct {
	Exchange exchange.Exchange
	Feed     pricefeed.Feed
	State    *statemanager.StateManager
	Journal  *storage.Journal
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Timing   Timing
}

// Bot 编排单个市场的完整交易周期：入场买入、挂单卖出、止损。
// 一个会话只由一个 goroutine 推进。
type Bot struct {
	exchange exchange.Exchange
	feed     pricefeed.Feed
	state    *statemanager.StateManager
	journal  *storage.Journal
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger
	timing   Timing
}

// New 创建一个新的 Bot 实例
func New(d Deps) *Bot {
	feed := d.Feed
	if feed == nil {
		feed = pricefeed.NewRESTFeed(d.Exchange, d.Metrics)
	}
	clk := d.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{
		exchange: d.Exchange,
		feed:     feed,
		state:    d.State,
		journal:  d.Journal,
		clock:    clk,
		metrics:  d.Metrics,
		logger:   logger,
		timing:   d.Timing,
	}
}

// CreateSession validates the parameters, snapshots balance and fees, and
// persists a new session. Nothing is sent to the exchange besides the two reads.
func (b *Bot) CreateSession(ctx context.Context, p models.TradeParams) (*models.TradeSession, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	existing, err := b.state.Load(p.Market)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.Sell.Complete && !existing.Buy.Failed {
		return nil, models.NewError(models.KindValidation, "create_session", p.Market, models.ErrSessionOpen)
	}

	base, _, _ := models.SplitMarket(p.Market)

	var balance float64
	err = b.retry(ctx, "get_balance", func() error {
		var err error
		balance, err = b.exchange.GetBalance(ctx, base)
		return err
	})
	if err != nil {
		return nil, err
	}
	if balance <= 0 {
		return nil, models.NewError(models.KindInsufficientBalance, "create_session", p.Market, nil)
	}

	var fees models.FeeSchedule
	err = b.retry(ctx, "get_fee_schedule", func() error {
		var err error
		fees, err = b.exchange.GetFeeSchedule(ctx, p.Market)
		return err
	})
	if err != nil {
		return nil, err
	}

	s, err := models.NewTradeSession(newSessionID(), p, balance, fees, b.clock.Now())
	if err != nil {
		return nil, err
	}
	// 会话在写入存储之前不会下任何订单
	if err := b.state.Save(s, "created"); err != nil {
		return nil, err
	}

	b.logger.Info("交易会话已创建",
		zap.String("session", s.ID),
		zap.String("market", s.Market),
		zap.Float64("balance", balance),
		zap.Float64("spendBudget", s.Buy.SpendBudget),
		zap.Float64("maxPrice", s.Buy.MaxPrice),
		zap.Float64("sellTarget", s.Sell.TargetPrice),
		zap.Float64("stopPrice", s.Sell.StopPrice),
		zap.Time("abortTime", s.Buy.AbortTime))
	return s, nil
}

// Run creates a session and drives it to a terminal outcome.
func (b *Bot) Run(ctx context.Context, p models.TradeParams) (*Outcome, error) {
	s, err := b.CreateSession(ctx, p)
	if err != nil {
		return nil, err
	}
	return b.drive(ctx, s)
}

// Resume continues the stored session of market from whichever phase it reached.
// A completed session is reported without contacting the exchange.
func (b *Bot) Resume(ctx context.Context, market string) (*Outcome, error) {
	s, err := b.state.Load(market)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, models.NewError(models.KindValidation, "resume", market, models.ErrSessionNotFound)
	}

	b.logger.Info("恢复交易会话",
		zap.String("session", s.ID),
		zap.String("market", s.Market),
		zap.Bool("buyComplete", s.Buy.Complete),
		zap.String("sellMode", string(s.Sell.Mode)),
		zap.Bool("sellComplete", s.Sell.Complete),
		zap.String("activeOrder", s.Sell.ActiveOrderID))

	if s.Sell.Complete {
		return &Outcome{Result: Result(s.Sell.Result), Session: s}, nil
	}
	if err := b.recoverRestingSell(ctx, s); err != nil {
		return nil, err
	}
	if ahead := b.journalAhead(s); ahead > 0 {
		// 会话在成交落盘前中断; 下一次成交查询会补齐
		b.logger.Warn("订单日志中的成交多于会话记录",
			zap.String("session", s.ID),
			zap.String("order", s.Sell.ActiveOrderID),
			zap.Float64("missing", ahead))
	}
	return b.drive(ctx, s)
}

// recoverRestingSell restores a resting sell the journal saw acknowledged but
// the stored session lost, so that resuming never places a second sell for
// the same position. The order is adopted only while the exchange still has
// it open or shows fills for it.
func (b *Bot) recoverRestingSell(ctx context.Context, s *models.TradeSession) error {
	if b.journal == nil || !s.Buy.Complete || s.Sell.Complete || s.Sell.ActiveOrderID != "" {
		return nil
	}
	orders, err := b.journal.OrdersForMarket(s.Market)
	if err != nil {
		b.logger.Warn("无法读取订单日志", zap.String("market", s.Market), zap.Error(err))
		return nil
	}
	var lost *storage.OrderEntry
	for i := range orders {
		o := &orders[i]
		if o.SessionID == s.ID && o.Side == models.Sell && o.Kind == "LIMIT" && o.Status == storage.StatusAcked {
			lost = o
		}
	}
	if lost == nil {
		return nil
	}

	var open []string
	err = b.retry(ctx, "get_open_orders", func() error {
		var err error
		open, err = b.exchange.GetOpenOrders(ctx, s.Market)
		return err
	})
	if err != nil {
		return err
	}
	adopt := false
	for _, id := range open {
		if id == lost.OrderID {
			adopt = true
			break
		}
	}
	if !adopt {
		var fills []models.Fill
		err = b.retry(ctx, "get_order_fills", func() error {
			var err error
			fills, err = b.exchange.GetOrderFills(ctx, s.Market, lost.OrderID)
			return err
		})
		if err != nil {
			return err
		}
		adopt = len(fills) > 0
	}
	if !adopt {
		b.logger.Warn("订单日志中的卖单已不存在且没有成交，忽略",
			zap.String("session", s.ID),
			zap.String("orderId", lost.OrderID))
		b.journalStatus(lost.OrderID, storage.StatusCanceled)
		return nil
	}

	b.logger.Warn("会话记录缺少已确认的卖单，从订单日志恢复",
		zap.String("session", s.ID),
		zap.String("market", s.Market),
		zap.String("orderId", lost.OrderID),
		zap.String("storedMode", string(s.Sell.Mode)))
	s.Sell.ActiveOrderID = lost.OrderID
	s.Sell.Mode = models.RestingSell
	b.save(s, "resting sell recovered")
	return nil
}

// journalAhead returns how much more of the active sell order the journal
// saw filled than the session recorded.
func (b *Bot) journalAhead(s *models.TradeSession) float64 {
	id := s.Sell.ActiveOrderID
	if b.journal == nil || id == "" {
		return 0
	}
	journaled, err := b.journal.FilledAmount(id)
	if err != nil {
		b.logger.Warn("无法读取订单日志", zap.String("order", id), zap.Error(err))
		return 0
	}
	var recorded float64
	for _, f := range s.Sell.FillOrders {
		if f.OrderID == id {
			recorded += f.Amount
		}
	}
	return models.Round8(journaled - recorded)
}

// drive advances s through the remaining phases.
func (b *Bot) drive(ctx context.Context, s *models.TradeSession) (*Outcome, error) {
	if !s.Buy.Complete && !s.Buy.Failed {
		if _, err := b.RunEntry(ctx, s); err != nil && !errors.Is(err, models.ErrEntryTimeout) {
			return nil, b.fail(s, err)
		}
	}

	if s.Buy.Failed {
		b.logger.Warn("入场超时且没有任何成交，删除交易会话",
			zap.String("session", s.ID),
			zap.String("market", s.Market),
			zap.Time("abortTime", s.Buy.AbortTime))
		if err := b.state.Delete(s.Market); err != nil {
			return nil, err
		}
		b.metrics.Outcome(string(OutcomeTimeout))
		return &Outcome{Result: OutcomeTimeout, Session: s}, nil
	}

	if s.Sell.Threshold == 0 {
		b.prepareExit(s)
	}

	if !s.Sell.Complete && s.Sell.Mode == models.RestingSell && s.Sell.ActiveOrderID == "" {
		if err := b.PlaceRestingSell(ctx, s); err != nil {
			return nil, b.fail(s, err)
		}
	}

	if err := b.RunExit(ctx, s); err != nil {
		return nil, b.fail(s, err)
	}

	result := Result(s.Sell.Result)
	b.metrics.Outcome(string(result))
	b.logger.Info("交易会话结束",
		zap.String("session", s.ID),
		zap.String("market", s.Market),
		zap.String("result", string(result)),
		zap.Float64("spent", s.Buy.SpendActual),
		zap.Float64("bought", s.Buy.AmountActual),
		zap.Float64("sold", s.Sell.AmountActual),
		zap.Float64("gain", s.Sell.GainActual))
	return &Outcome{Result: result, Session: s}, nil
}

// fail logs a session-stopping error. The session stays in its last persisted state.
func (b *Bot) fail(s *models.TradeSession, err error) error {
	if kind := models.KindOf(err); kind != 0 {
		result := "ERROR"
		if kind == models.KindExchangeDesync {
			result = "DESYNC"
		}
		b.metrics.Outcome(result)
		b.logger.Error("交易会话因致命错误停止，状态保留以供检查",
			zap.String("session", s.ID),
			zap.String("market", s.Market),
			zap.String("kind", kind.String()),
			zap.String("activeOrder", s.Sell.ActiveOrderID),
			zap.Float64("sold", s.Sell.AmountActual),
			zap.Float64("remaining", s.Sell.Remaining()),
			zap.Error(err))
		return err
	}
	b.logger.Info("交易会话已中断", zap.String("session", s.ID), zap.String("market", s.Market), zap.Error(err))
	return err
}

// retry runs fn until it succeeds or ctx ends, pacing failures with the retry delay.
func (b *Bot) retry(ctx context.Context, op string, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}
		b.transient(op, err)
		if err := b.clock.Sleep(ctx, b.timing.Retry); err != nil {
			return err
		}
	}
}

// quote reads the current ticker. Read failures are logged and reported as a
// nil ticker so the caller polls again; only the end of a price replay is
// returned as an error.
func (b *Bot) quote(ctx context.Context, market string) (*models.Ticker, error) {
	t, err := b.feed.GetTicker(ctx, market)
	if err == nil {
		return t, nil
	}
	if errors.Is(err, exchange.ErrReplayExhausted) {
		return nil, err
	}
	b.transient("get_ticker", err)
	return nil, nil
}

// transient logs and counts an error that is retried locally.
func (b *Bot) transient(op string, err error) {
	b.metrics.APIError(op)
	if !errors.Is(err, models.ErrTransient) {
		// 交易所明确拒绝的请求, 重试大概率仍会失败
		b.logger.Error("交易所拒绝请求，稍后重试", zap.String("op", op), zap.Error(err))
		return
	}
	b.logger.Warn("交易所调用失败，稍后重试", zap.String("op", op), zap.Error(err))
}

// save persists s. Failures are already logged and counted by the state manager;
// the next save rewrites the whole document.
func (b *Bot) save(s *models.TradeSession, reason string) {
	_ = b.state.Save(s, reason)
}

// recordOrder journals an acknowledged order and its immediate fills.
func (b *Bot) recordOrder(s *models.TradeSession, req models.OrderRequest, res *models.OrderResult) {
	kind := "limit"
	if req.ImmediateOrCancel {
		kind = "ioc"
	}
	b.metrics.OrderPlaced(s.Market, string(req.Side), req.ImmediateOrCancel)

	b.logger.Info("订单已确认",
		zap.String("session", s.ID),
		zap.String("market", s.Market),
		zap.String("side", string(req.Side)),
		zap.String("kind", kind),
		zap.String("orderId", res.OrderID),
		zap.String("clientOrderId", req.ClientOrderID),
		zap.Float64("price", req.Price),
		zap.Float64("quantity", req.Quantity),
		zap.Float64("filled", res.FilledAmount()),
		zap.Float64("unfilled", res.UnfilledQty))

	if b.journal == nil {
		return
	}
	now := b.clock.Now()
	if err := b.journal.RecordOrder(s.ID, req, res.OrderID, now); err != nil {
		b.logger.Error("写入订单日志失败", zap.String("orderId", res.OrderID), zap.Error(err))
	}
	b.recordFills(s, res.Fills)
	if res.UnfilledQty <= 0 {
		b.journalStatus(res.OrderID, storage.StatusFilled)
	} else if req.ImmediateOrCancel {
		b.journalStatus(res.OrderID, storage.StatusCanceled)
	}
}

func (b *Bot) recordFills(s *models.TradeSession, fills []models.Fill) {
	if b.journal == nil || len(fills) == 0 {
		return
	}
	if err := b.journal.RecordFills(s.Market, fills); err != nil {
		b.logger.Error("写入成交日志失败", zap.String("market", s.Market), zap.Error(err))
	}
}

func (b *Bot) journalStatus(orderID, status string) {
	if b.journal == nil {
		return
	}
	if err := b.journal.UpdateOrderStatus(orderID, status, b.clock.Now()); err != nil {
		b.logger.Error("更新订单日志失败", zap.String("orderId", orderID), zap.Error(err))
	}
}
