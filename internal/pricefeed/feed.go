package pricefeed

import (
	"context"

	"binance-trade-cycle-go/internal/metrics"
	"binance-trade-cycle-go/internal/models"
)

// Feed supplies the current best bid/ask of a market.
type Feed interface {
	GetTicker(ctx context.Context, market string) (*models.Ticker, error)
}

// TickerSource is anything that can be asked for a quote on demand, usually an exchange.Exchange.
type TickerSource interface {
	GetTicker(ctx context.Context, market string) (*models.Ticker, error)
}

// RESTFeed 每次读取时直接向交易所查询报价 (pull 模式)
type RESTFeed struct {
	src     TickerSource
	metrics *metrics.Metrics
}

// NewRESTFeed creates a pull-based feed over src.
func NewRESTFeed(src TickerSource, m *metrics.Metrics) *RESTFeed {
	return &RESTFeed{src: src, metrics: m}
}

func (f *RESTFeed) GetTicker(ctx context.Context, market string) (*models.Ticker, error) {
	t, err := f.src.GetTicker(ctx, market)
	if err != nil {
		return nil, err
	}
	f.metrics.ObserveBid(market, t.Bid)
	return t, nil
}
