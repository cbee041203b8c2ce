package exchange

import (
	"context"
	"errors"

	"binance-trade-cycle-go/internal/models"
)

// ErrBelowMinQty is returned when an order quantity rounds to zero at the
// exchange's lot size, i.e. the amount is unsellable dust.
var ErrBelowMinQty = errors.New("order quantity is below the minimum lot size")

// Exchange 定义了所有交易所实现必须提供的通用方法。
// 这使得交易机器人可以在真实交易和模拟交易之间切换，状态机本身不区分两者。
//
// Markets are always given in BASE_QUOTE form; implementations translate to
// their own symbol convention. Errors other than a rejected cancel are treated
// as transient by callers.
type Exchange interface {
	GetTicker(ctx context.Context, market string) (*models.Ticker, error)
	// GetOrderBook returns up to depth levels per side, best first.
	GetOrderBook(ctx context.Context, market string, depth int) (*models.OrderBook, error)
	PlaceBuy(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error)
	PlaceSell(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error)
	// CancelOrder reports Success=false with a nil error when the order can no
	// longer be canceled (usually because it filled).
	CancelOrder(ctx context.Context, market, orderID string) (*models.CancelResult, error)
	GetOpenOrders(ctx context.Context, market string) ([]string, error)
	GetOrderFills(ctx context.Context, market, orderID string) ([]models.Fill, error)
	// GetBalance returns the available amount of currency.
	GetBalance(ctx context.Context, currency string) (float64, error)
	GetFeeSchedule(ctx context.Context, market string) (models.FeeSchedule, error)
}
