package bot

import (
	"context"
	"errors"

	"binance-trade-cycle-go/internal/exchange"
	"binance-trade-cycle-go/internal/models"

	"go.uber.org/zap"
)

// RunEntry buys with immediate-or-cancel orders at the best ask until the
// spend budget is used or the abort time passes. An entry that ends with
// nothing bought is marked failed and returns an ErrEntryTimeout error; the
// caller deletes such a session. Otherwise only context cancellation and
// the end of a price replay are returned as errors.
func (b *Bot) RunEntry(ctx context.Context, s *models.TradeSession) (bool, error) {
	b.logger.Info("开始入场买入",
		zap.String("session", s.ID),
		zap.String("market", s.Market),
		zap.Float64("spendBudget", s.Buy.SpendBudget),
		zap.Float64("spent", s.Buy.SpendActual),
		zap.Float64("maxPrice", s.Buy.MaxPrice))

	for {
		done, err := b.entryStep(ctx, s)
		if err != nil {
			return false, err
		}
		if done {
			if s.Buy.Failed {
				return false, models.NewError(models.KindEntryTimeout, "entry", s.Market, nil)
			}
			return true, nil
		}
		if err := b.clock.Sleep(ctx, b.timing.EntryPoll); err != nil {
			return false, err
		}
	}
}

// entryStep is one poll-evaluate-act iteration of the entry loop.
func (b *Bot) entryStep(ctx context.Context, s *models.TradeSession) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	filled, err := b.tryBuy(ctx, s)
	if err != nil {
		return false, err
	}
	if filled {
		b.completeEntry(s)
		return true, nil
	}

	if !b.clock.Now().Before(s.Buy.AbortTime) {
		if s.Buy.AmountActual > 0 {
			b.logger.Warn("入场超时，以部分成交继续",
				zap.String("session", s.ID),
				zap.Float64("bought", s.Buy.AmountActual),
				zap.Float64("spent", s.Buy.SpendActual),
				zap.Float64("spendBudget", s.Buy.SpendBudget))
			b.completeEntry(s)
			return true, nil
		}
		s.Buy.Failed = true
		b.save(s, "entry timeout")
		return true, nil
	}
	return false, nil
}

// tryBuy sends at most one IOC buy and reports whether the entry is filled.
// A leftover budget too small for the lot size counts as filled.
func (b *Bot) tryBuy(ctx context.Context, s *models.TradeSession) (bool, error) {
	t, err := b.quote(ctx, s.Market)
	if err != nil || t == nil {
		return false, err
	}
	// 点差保护: 卖一价高于最高可接受价时跳过本轮
	if t.Ask <= 0 || t.Ask > s.Buy.MaxPrice {
		b.logger.Debug("卖一价超出可接受范围，跳过",
			zap.String("market", s.Market),
			zap.Float64("ask", t.Ask),
			zap.Float64("maxPrice", s.Buy.MaxPrice))
		return false, nil
	}

	remaining := models.Round8(s.Buy.SpendBudget - s.Buy.SpendActual)
	if remaining*t.Ask <= 0 {
		return true, nil
	}
	qty := models.Floor8(remaining / t.Ask)
	if qty <= 0 {
		return true, nil
	}

	req := models.OrderRequest{
		Market:            s.Market,
		Side:              models.Buy,
		Price:             t.Ask,
		Quantity:          qty,
		ImmediateOrCancel: true,
		ClientOrderID:     newClientOrderID("b"),
	}
	res, err := b.exchange.PlaceBuy(ctx, req)
	if errors.Is(err, exchange.ErrBelowMinQty) {
		b.logger.Info("剩余预算低于最小下单量，结束买入",
			zap.String("session", s.ID),
			zap.Float64("remainingBudget", remaining),
			zap.Float64("quantity", qty))
		return true, nil
	}
	if err != nil {
		b.transient("place_buy", err)
		return false, nil
	}

	b.recordOrder(s, req, res)
	before := s.Buy.AmountActual
	if s.Buy.AddFills(res.Fills) > 0 {
		b.metrics.Filled(s.Market, string(models.Buy), s.Buy.AmountActual-before)
		b.save(s, "buy fill")
	}
	return res.UnfilledQty <= 0, nil
}

// completeEntry freezes the buy side and sizes the position to sell.
func (b *Bot) completeEntry(s *models.TradeSession) {
	if s.Buy.AmountActual <= 0 {
		s.Buy.Failed = true
		b.save(s, "entry empty")
		return
	}
	s.Buy.Finish()
	s.Sell.Amount = s.Buy.AmountActual
	b.save(s, "entry complete")

	b.logger.Info("入场买入完成",
		zap.String("session", s.ID),
		zap.String("market", s.Market),
		zap.Float64("bought", s.Buy.AmountActual),
		zap.Float64("spent", s.Buy.SpendActual),
		zap.Float64("avgPrice", s.Buy.AvgPriceActual),
		zap.Int("fills", len(s.Buy.FillOrders)))
}
