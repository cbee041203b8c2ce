package bot

import (
	"context"
	"errors"
	"math"

	"binance-trade-cycle-go/internal/exchange"
	"binance-trade-cycle-go/internal/models"

	"go.uber.org/zap"
)

// DepthCheck is the result of walking the bid side of a book.
type DepthCheck struct {
	Covered    bool    // cumulative depth reached the position size
	CoverPrice float64 // price of the level where it did
	Depth      float64 // cumulative size walked
	Confirmed  bool    // covered at or below the stop price
}

// ConfirmDepth walks bids best-first until their cumulative size covers size.
// The stop is confirmed only when that happens at a price at or below
// stopPrice; a book that never covers the position is not confirmed.
// It has no side effects and returns the same answer for the same book.
func ConfirmDepth(bids []models.PriceLevel, size, stopPrice float64) DepthCheck {
	var check DepthCheck
	if size <= 0 {
		return check
	}
	for _, lvl := range bids {
		check.Depth = models.Round8(check.Depth + lvl.Size)
		if check.Depth >= size {
			check.Covered = true
			check.CoverPrice = lvl.Price
			check.Confirmed = lvl.Price <= stopPrice
			return check
		}
	}
	return check
}

// ExecuteStop sells the remaining position with immediate-or-cancel orders
// priced at min(stop, best bid), following the bid down until everything is
// sold. Each partial fill is persisted before the next attempt. Only context
// cancellation or the end of a price replay interrupts it.
func (b *Bot) ExecuteStop(ctx context.Context, s *models.TradeSession) error {
	b.logger.Warn("触发止损，开始扫单",
		zap.String("session", s.ID),
		zap.String("market", s.Market),
		zap.Float64("stopPrice", s.Sell.StopPrice),
		zap.Float64("remaining", s.Sell.Remaining()))

	for {
		done, err := b.sweepOnce(ctx, s)
		if err != nil {
			return err
		}
		if done {
			b.terminate(s, models.ResultStop, "stop executed")
			return nil
		}
		if err := b.clock.Sleep(ctx, b.timing.Sweep); err != nil {
			return err
		}
	}
}

// sweepOnce sends at most one IOC sell and reports whether the position is gone.
func (b *Bot) sweepOnce(ctx context.Context, s *models.TradeSession) (bool, error) {
	if s.Sell.SoldOut() {
		return true, nil
	}
	t, err := b.quote(ctx, s.Market)
	if err != nil || t == nil {
		return false, err
	}
	if t.Bid <= 0 {
		return false, nil
	}

	price := math.Min(s.Sell.StopPrice, t.Bid)
	qty := models.Floor8(s.Sell.Remaining())
	req := models.OrderRequest{
		Market:            s.Market,
		Side:              models.Sell,
		Price:             price,
		Quantity:          qty,
		ImmediateOrCancel: true,
		ClientOrderID:     newClientOrderID("x"),
	}
	res, err := b.exchange.PlaceSell(ctx, req)
	if errors.Is(err, exchange.ErrBelowMinQty) {
		b.logger.Warn("剩余数量低于最小下单量，止损结束", zap.String("session", s.ID), zap.Float64("remaining", qty))
		return true, nil
	}
	if err != nil {
		b.transient("place_sell", err)
		return false, nil
	}

	b.recordOrder(s, req, res)
	b.addSellFills(s, res.Fills, "stop sweep fill")
	return s.Sell.SoldOut(), nil
}
