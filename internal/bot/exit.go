package bot

import (
	"context"
	"errors"
	"fmt"
	"math"

	"binance-trade-cycle-go/internal/exchange"
	"binance-trade-cycle-go/internal/models"
	"binance-trade-cycle-go/internal/storage"

	"go.uber.org/zap"
)

// ComputeThreshold returns the bid below which the resting sell is pulled.
// The baseline is the lower of the average entry price and the buy target
// (the target when nothing is known about the entry), moved towards the stop
// by tolerance. The result always lies within [stop, target].
func ComputeThreshold(avgPrice, buyTarget, stopPrice, tolerance float64) float64 {
	baseline := buyTarget
	if avgPrice > 0 {
		baseline = math.Min(avgPrice, buyTarget)
	}
	threshold := models.Round8(baseline - (baseline-stopPrice)*tolerance)
	return math.Max(stopPrice, math.Min(threshold, buyTarget))
}

// stopBand is the bid at or below which a stop-armed session checks the book.
func stopBand(s *models.TradeSession) float64 {
	return models.Round8(s.Sell.StopPrice * (1 + s.Parameters.PriceTolerance))
}

func (b *Bot) prepareExit(s *models.TradeSession) {
	s.Sell.Threshold = ComputeThreshold(s.Buy.AvgPriceActual, s.Buy.TargetPrice, s.Sell.StopPrice, s.Parameters.PriceTolerance)
	b.metrics.SetThreshold(s.Market, s.Sell.Threshold)
	b.save(s, "exit prepared")

	b.logger.Info("离场参数已计算",
		zap.String("session", s.ID),
		zap.String("market", s.Market),
		zap.Float64("amount", s.Sell.Amount),
		zap.Float64("sellTarget", s.Sell.TargetPrice),
		zap.Float64("threshold", s.Sell.Threshold),
		zap.Float64("stopPrice", s.Sell.StopPrice),
		zap.Float64("stopBand", stopBand(s)))
}

// RunExit polls until the sell side reaches TARGET or STOP. It returns an
// ExchangeDesync error when the exchange contradicts the session, or the
// context error (or ErrReplayExhausted in sim mode) when interrupted.
func (b *Bot) RunExit(ctx context.Context, s *models.TradeSession) error {
	if s.Sell.Threshold == 0 {
		b.prepareExit(s)
	}
	b.metrics.SetThreshold(s.Market, s.Sell.Threshold)

	for !s.Sell.Complete {
		if err := b.exitStep(ctx, s); err != nil {
			return err
		}
		if s.Sell.Complete {
			break
		}
		delay := b.timing.ExitPoll
		if s.Sell.Mode == models.StopArmed {
			delay = b.timing.StopPoll
		}
		if err := b.clock.Sleep(ctx, delay); err != nil {
			return err
		}
	}
	return nil
}

// exitStep is one poll-evaluate-act iteration of the exit state machine.
func (b *Bot) exitStep(ctx context.Context, s *models.TradeSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t, err := b.quote(ctx, s.Market)
	if err != nil || t == nil {
		return err
	}

	switch s.Sell.Mode {
	case models.RestingSell:
		return b.checkRestingSell(ctx, s, t.Bid)
	case models.StopArmed:
		return b.checkStopArmed(ctx, s, t.Bid)
	default:
		return models.NewError(models.KindExchangeDesync, "exit", s.Market, fmt.Errorf("unknown sell mode %q", s.Sell.Mode))
	}
}

func (b *Bot) checkRestingSell(ctx context.Context, s *models.TradeSession, bid float64) error {
	if s.Sell.ActiveOrderID == "" {
		// 恢复时卖单尚未挂出
		return b.PlaceRestingSell(ctx, s)
	}
	orderID := s.Sell.ActiveOrderID

	// 首选路径: 直接查询挂单的成交
	fills, err := b.exchange.GetOrderFills(ctx, s.Market, orderID)
	if err != nil {
		b.transient("get_order_fills", err)
		return nil
	}
	b.addSellFills(s, fills, "resting sell fill")
	if s.Sell.SoldOut() {
		b.journalStatus(orderID, storage.StatusFilled)
		b.terminate(s, models.ResultTarget, "resting sell filled")
		return nil
	}

	if bid < s.Sell.Threshold {
		return b.pullRestingSell(ctx, s, bid)
	}

	// 次要线索: 挂单已不在未成交列表中
	open, err := b.exchange.GetOpenOrders(ctx, s.Market)
	if err != nil {
		b.transient("get_open_orders", err)
		return nil
	}
	for _, id := range open {
		if id == orderID {
			return nil
		}
	}

	fills, err = b.exchange.GetOrderFills(ctx, s.Market, orderID)
	if err != nil {
		b.transient("get_order_fills", err)
		return nil
	}
	b.addSellFills(s, fills, "resting sell fill")
	if len(fills) == 0 {
		return models.NewError(models.KindExchangeDesync, "check_resting_sell", s.Market,
			fmt.Errorf("sell order %s is not open and has no fills", orderID))
	}
	if !s.Sell.SoldOut() {
		b.logger.Warn("挂单已关闭但只部分成交，按目标价结束",
			zap.String("session", s.ID),
			zap.String("orderId", orderID),
			zap.Float64("sold", s.Sell.AmountActual),
			zap.Float64("amount", s.Sell.Amount))
	}
	b.journalStatus(orderID, storage.StatusFilled)
	b.terminate(s, models.ResultTarget, "resting sell closed")
	return nil
}

// pullRestingSell cancels the resting sell because the bid fell below the threshold.
func (b *Bot) pullRestingSell(ctx context.Context, s *models.TradeSession, bid float64) error {
	orderID := s.Sell.ActiveOrderID
	res, err := b.exchange.CancelOrder(ctx, s.Market, orderID)
	if err != nil {
		b.transient("cancel_order", err)
		return nil
	}
	b.logger.Info("撤单结果",
		zap.String("session", s.ID),
		zap.String("orderId", orderID),
		zap.Bool("success", res.Success),
		zap.String("message", res.Message),
		zap.Float64("bid", bid),
		zap.Float64("threshold", s.Sell.Threshold))

	if !res.Success {
		// 无法撤单: 通常意味着挂单已经成交
		fills, err := b.exchange.GetOrderFills(ctx, s.Market, orderID)
		if err != nil {
			b.transient("get_order_fills", err)
			return nil
		}
		b.addSellFills(s, fills, "resting sell fill")
		if len(fills) == 0 {
			return models.NewError(models.KindExchangeDesync, "cancel_sell", s.Market,
				fmt.Errorf("sell order %s is not cancelable and has no fills: %s", orderID, res.Message))
		}
		b.journalStatus(orderID, storage.StatusFilled)
		b.terminate(s, models.ResultTarget, "resting sell filled before cancel")
		return nil
	}

	b.journalStatus(orderID, storage.StatusCanceled)

	// 记录被撤订单的部分成交, 以免丢失已卖出的数量
	var fills []models.Fill
	err = b.retry(ctx, "get_order_fills", func() error {
		var err error
		fills, err = b.exchange.GetOrderFills(ctx, s.Market, orderID)
		return err
	})
	if err != nil {
		return err
	}
	s.Sell.ActiveOrderID = ""
	b.addSellFills(s, fills, "")
	if s.Sell.SoldOut() {
		b.terminate(s, models.ResultTarget, "resting sell filled before cancel")
		return nil
	}
	b.transition(s, models.StopArmed, bid)
	return nil
}

func (b *Bot) checkStopArmed(ctx context.Context, s *models.TradeSession, bid float64) error {
	switch {
	case bid > s.Sell.Threshold:
		b.logger.Info("价格回升至阈值之上，重新挂出卖单",
			zap.String("session", s.ID),
			zap.Float64("bid", bid),
			zap.Float64("threshold", s.Sell.Threshold))
		return b.PlaceRestingSell(ctx, s)
	case bid <= stopBand(s):
		book, err := b.exchange.GetOrderBook(ctx, s.Market, b.timing.OrderBookSize)
		if err != nil {
			b.transient("get_order_book", err)
			return nil
		}
		check := ConfirmDepth(book.Bids, s.Sell.Remaining(), s.Sell.StopPrice)
		b.logger.Info("止损深度检查",
			zap.String("session", s.ID),
			zap.Float64("bid", bid),
			zap.Float64("remaining", s.Sell.Remaining()),
			zap.Float64("stopPrice", s.Sell.StopPrice),
			zap.Bool("covered", check.Covered),
			zap.Float64("coverPrice", check.CoverPrice),
			zap.Bool("confirmed", check.Confirmed))
		if !check.Confirmed {
			return nil
		}
		return b.ExecuteStop(ctx, s)
	}
	return nil
}

// PlaceRestingSell places a limit sell at the sell target for the unsold
// amount, retrying until the exchange acknowledges it. The order id is
// persisted right after the acknowledgment.
func (b *Bot) PlaceRestingSell(ctx context.Context, s *models.TradeSession) error {
	for {
		qty := models.Floor8(s.Sell.Remaining())
		if qty <= 0 {
			b.terminate(s, models.ResultTarget, "nothing left to sell")
			return nil
		}
		req := models.OrderRequest{
			Market:        s.Market,
			Side:          models.Sell,
			Price:         s.Sell.TargetPrice,
			Quantity:      qty,
			ClientOrderID: newClientOrderID("s"),
		}
		res, err := b.exchange.PlaceSell(ctx, req)
		if err == nil {
			b.recordOrder(s, req, res)
			s.Sell.ActiveOrderID = res.OrderID
			b.addSellFills(s, res.Fills, "")
			from := s.Sell.Mode
			s.Sell.Mode = models.RestingSell
			b.save(s, "resting sell placed")
			if from != models.RestingSell {
				b.metrics.Transition(s.Market, string(from), string(models.RestingSell))
				b.logger.Info("状态转换",
					zap.String("session", s.ID),
					zap.String("from", string(from)),
					zap.String("to", string(models.RestingSell)),
					zap.String("orderId", res.OrderID))
			}
			if s.Sell.SoldOut() {
				b.terminate(s, models.ResultTarget, "resting sell filled on placement")
			}
			return nil
		}
		if errors.Is(err, exchange.ErrBelowMinQty) {
			b.logger.Warn("剩余数量低于最小下单量，结束卖出",
				zap.String("session", s.ID),
				zap.Float64("remaining", qty))
			b.terminate(s, models.ResultTarget, "dust remaining")
			return nil
		}
		b.transient("place_sell", err)
		if err := b.clock.Sleep(ctx, b.timing.SellRetry); err != nil {
			return err
		}
	}
}

// addSellFills records new sell fills and persists when anything changed.
func (b *Bot) addSellFills(s *models.TradeSession, fills []models.Fill, reason string) {
	before := s.Sell.AmountActual
	added := s.Sell.AddFills(fills)
	if added == 0 {
		return
	}
	b.recordFills(s, fills)
	b.metrics.Filled(s.Market, string(models.Sell), s.Sell.AmountActual-before)
	if reason != "" {
		b.save(s, reason)
	}
	b.logger.Info("卖出成交",
		zap.String("session", s.ID),
		zap.Int("newFills", added),
		zap.Float64("sold", s.Sell.AmountActual),
		zap.Float64("gain", s.Sell.GainActual),
		zap.Float64("remaining", s.Sell.Remaining()))
}

func (b *Bot) transition(s *models.TradeSession, to models.SellMode, bid float64) {
	from := s.Sell.Mode
	s.Sell.Mode = to
	b.save(s, "mode "+string(to))
	b.metrics.Transition(s.Market, string(from), string(to))
	b.logger.Info("状态转换",
		zap.String("session", s.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Float64("bid", bid),
		zap.Float64("threshold", s.Sell.Threshold))
}

func (b *Bot) terminate(s *models.TradeSession, result models.SellResult, reason string) {
	s.Sell.Terminate(result)
	b.save(s, reason)
	b.logger.Info("卖出结束",
		zap.String("session", s.ID),
		zap.String("market", s.Market),
		zap.String("result", string(result)),
		zap.String("reason", reason),
		zap.Float64("sold", s.Sell.AmountActual),
		zap.Float64("gain", s.Sell.GainActual))
}
