package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"binance-trade-cycle-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// codeUnknownOrder is Binance's reply when canceling an order that is no longer open.
const codeUnknownOrder = -2011

// Binance codes -1000..-1099 are server, network and rate-limit conditions.
const lastGeneralErrorCode = -1099

// symbolRules 交易对的精度规则
type symbolRules struct {
	stepSize decimal.Decimal
	tickSize decimal.Decimal
}

// LiveExchange 实现了 Exchange 接口，通过 go-binance 与币安现货交易所交互。
type LiveExchange struct {
	client *binance.Client
	logger *zap.Logger

	mu    sync.Mutex
	rules map[string]symbolRules
}

// NewLiveExchange 创建一个新的 LiveExchange 实例。
func NewLiveExchange(apiKey, secretKey string, isTestnet bool, logger *zap.Logger) *LiveExchange {
	binance.UseTestnet = isTestnet
	return &LiveExchange{
		client: binance.NewClient(apiKey, secretKey),
		logger: logger,
		rules:  make(map[string]symbolRules),
	}
}

// Symbol converts a BASE_QUOTE market into Binance's QUOTEBASE symbol, e.g. BTC_ETH -> ETHBTC.
func Symbol(market string) (string, error) {
	base, quote, err := models.SplitMarket(market)
	if err != nil {
		return "", err
	}
	return quote + base, nil
}

// --- Exchange 接口实现 ---

func (e *LiveExchange) GetTicker(ctx context.Context, market string) (*models.Ticker, error) {
	symbol, err := Symbol(market)
	if err != nil {
		return nil, err
	}
	tickers, err := e.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, transient("get_ticker", market, fmt.Errorf("获取 %s 最优报价失败: %w", symbol, err))
	}
	if len(tickers) == 0 {
		return nil, fmt.Errorf("交易所未返回 %s 的报价", symbol)
	}

	bid, errB := strconv.ParseFloat(tickers[0].BidPrice, 64)
	ask, errA := strconv.ParseFloat(tickers[0].AskPrice, 64)
	if errB != nil || errA != nil {
		return nil, fmt.Errorf("解析 %s 报价失败: bid=%q ask=%q", symbol, tickers[0].BidPrice, tickers[0].AskPrice)
	}
	return &models.Ticker{Market: market, Bid: bid, Ask: ask, Time: time.Now()}, nil
}

func (e *LiveExchange) GetOrderBook(ctx context.Context, market string, depth int) (*models.OrderBook, error) {
	symbol, err := Symbol(market)
	if err != nil {
		return nil, err
	}
	res, err := e.client.NewDepthService().Symbol(symbol).Limit(depthLimit(depth)).Do(ctx)
	if err != nil {
		return nil, transient("get_order_book", market, fmt.Errorf("获取 %s 订单簿失败: %w", symbol, err))
	}

	book := &models.OrderBook{Market: market}
	for _, b := range res.Bids {
		lvl, err := parseLevel(b.Price, b.Quantity)
		if err != nil {
			return nil, err
		}
		book.Bids = append(book.Bids, lvl)
	}
	for _, a := range res.Asks {
		lvl, err := parseLevel(a.Price, a.Quantity)
		if err != nil {
			return nil, err
		}
		book.Asks = append(book.Asks, lvl)
	}
	return book, nil
}

func (e *LiveExchange) PlaceBuy(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	return e.placeOrder(ctx, binance.SideTypeBuy, req)
}

func (e *LiveExchange) PlaceSell(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	return e.placeOrder(ctx, binance.SideTypeSell, req)
}

func (e *LiveExchange) CancelOrder(ctx context.Context, market, orderID string) (*models.CancelResult, error) {
	symbol, err := Symbol(market)
	if err != nil {
		return nil, err
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("无效的订单ID %q: %w", orderID, err)
	}

	_, err = e.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeUnknownOrder {
			return &models.CancelResult{Success: false, Message: apiErr.Message}, nil
		}
		return nil, transient("cancel_order", market, fmt.Errorf("撤销订单 %s 失败: %w", orderID, err))
	}
	return &models.CancelResult{Success: true, Message: fmt.Sprintf("Order #%s canceled.", orderID)}, nil
}

func (e *LiveExchange) GetOpenOrders(ctx context.Context, market string) ([]string, error) {
	symbol, err := Symbol(market)
	if err != nil {
		return nil, err
	}
	orders, err := e.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, transient("get_open_orders", market, fmt.Errorf("获取 %s 挂单失败: %w", symbol, err))
	}
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, strconv.FormatInt(o.OrderID, 10))
	}
	return ids, nil
}

func (e *LiveExchange) GetOrderFills(ctx context.Context, market, orderID string) ([]models.Fill, error) {
	symbol, err := Symbol(market)
	if err != nil {
		return nil, err
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("无效的订单ID %q: %w", orderID, err)
	}

	trades, err := e.client.NewListTradesService().Symbol(symbol).OrderId(id).Do(ctx)
	if err != nil {
		return nil, transient("get_order_fills", market, fmt.Errorf("获取订单 %s 成交记录失败: %w", orderID, err))
	}

	base, quote, _ := models.SplitMarket(market)
	fills := make([]models.Fill, 0, len(trades))
	for _, t := range trades {
		price, errP := strconv.ParseFloat(t.Price, 64)
		qty, errQ := strconv.ParseFloat(t.Quantity, 64)
		total, errT := strconv.ParseFloat(t.QuoteQuantity, 64)
		fee, errF := parseCommission(t.Commission)
		if errP != nil || errQ != nil || errT != nil || errF != nil {
			return nil, fmt.Errorf("解析成交记录 %d 失败", t.ID)
		}
		side := models.Sell
		if t.IsBuyer {
			side = models.Buy
		}
		f := models.Fill{
			OrderID:   orderID,
			FillID:    strconv.FormatInt(t.ID, 10),
			Side:      side,
			Amount:    qty,
			Price:     price,
			Total:     models.Round8(total),
			Timestamp: time.UnixMilli(t.Time),
		}
		f.ApplyFee(fee, t.CommissionAsset, base, quote)
		fills = append(fills, f)
	}
	return fills, nil
}

func (e *LiveExchange) GetBalance(ctx context.Context, currency string) (float64, error) {
	account, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, transient("get_balance", "", fmt.Errorf("获取账户余额失败: %w", err))
	}
	for _, b := range account.Balances {
		if strings.EqualFold(b.Asset, currency) {
			return strconv.ParseFloat(b.Free, 64)
		}
	}
	// 账户中没有该资产，视为余额为零
	return 0, nil
}

func (e *LiveExchange) GetFeeSchedule(ctx context.Context, market string) (models.FeeSchedule, error) {
	symbol, err := Symbol(market)
	if err != nil {
		return models.FeeSchedule{}, err
	}
	fees, err := e.client.NewTradeFeeService().Symbol(symbol).Do(ctx)
	if err != nil {
		return models.FeeSchedule{}, transient("get_fee_schedule", market, fmt.Errorf("获取 %s 手续费率失败: %w", symbol, err))
	}
	if len(fees) == 0 {
		return models.FeeSchedule{}, fmt.Errorf("交易所未返回 %s 的手续费率", symbol)
	}

	maker, errM := strconv.ParseFloat(fees[0].MakerCommission, 64)
	taker, errT := strconv.ParseFloat(fees[0].TakerCommission, 64)
	if errM != nil || errT != nil {
		return models.FeeSchedule{}, fmt.Errorf("解析 %s 手续费率失败", symbol)
	}
	return models.FeeSchedule{Maker: maker, Taker: taker}, nil
}

// placeOrder 提交限价单。IOC 单只成交可立即成交的部分，其余撤销；否则挂单 GTC。
func (e *LiveExchange) placeOrder(ctx context.Context, side binance.SideType, req models.OrderRequest) (*models.OrderResult, error) {
	symbol, err := Symbol(req.Market)
	if err != nil {
		return nil, err
	}
	rules, err := e.symbolRules(ctx, symbol)
	if err != nil {
		return nil, err
	}

	quantity := adjustToStep(decimal.NewFromFloat(req.Quantity), rules.stepSize)
	price := adjustToStep(decimal.NewFromFloat(req.Price), rules.tickSize)
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("数量 %v 按步长 %s 调整后为零: %w", req.Quantity, rules.stepSize, ErrBelowMinQty)
	}

	tif := binance.TimeInForceTypeGTC
	if req.ImmediateOrCancel {
		tif = binance.TimeInForceTypeIOC
	}

	svc := e.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(binance.OrderTypeLimit).
		TimeInForce(tif).
		Quantity(quantity.String()).
		Price(price.String()).
		NewOrderRespType(binance.NewOrderRespTypeFULL)
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		e.logger.Error("下单请求失败，交易所返回错误",
			zap.String("symbol", symbol),
			zap.String("side", string(side)),
			zap.String("price", price.String()),
			zap.String("quantity", quantity.String()),
			zap.Error(err))
		return nil, transient("place_order", req.Market, err)
	}

	orderID := strconv.FormatInt(res.OrderID, 10)
	result := &models.OrderResult{OrderID: orderID}
	base, quote, _ := models.SplitMarket(req.Market)
	for _, f := range res.Fills {
		fp, errP := strconv.ParseFloat(f.Price, 64)
		fq, errQ := strconv.ParseFloat(f.Quantity, 64)
		fee, errF := parseCommission(f.Commission)
		if errP != nil || errQ != nil || errF != nil {
			return nil, fmt.Errorf("解析订单 %s 的成交失败", orderID)
		}
		fill := models.Fill{
			OrderID:   orderID,
			FillID:    strconv.FormatInt(f.TradeID, 10),
			Side:      models.Side(side),
			Amount:    fq,
			Price:     fp,
			Total:     models.Round8(fq * fp),
			Timestamp: time.UnixMilli(res.TransactTime),
		}
		fill.ApplyFee(fee, f.CommissionAsset, base, quote)
		result.Fills = append(result.Fills, fill)
	}

	orig, _ := decimal.NewFromString(res.OrigQuantity)
	executed, _ := decimal.NewFromString(res.ExecutedQuantity)
	result.UnfilledQty = orig.Sub(executed).InexactFloat64()
	if result.UnfilledQty < 0 {
		result.UnfilledQty = 0
	}
	return result, nil
}

// symbolRules 获取并缓存交易对的数量步长和价格步长
func (e *LiveExchange) symbolRules(ctx context.Context, symbol string) (symbolRules, error) {
	e.mu.Lock()
	cached, ok := e.rules[symbol]
	e.mu.Unlock()
	if ok {
		return cached, nil
	}

	info, err := e.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return symbolRules{}, fmt.Errorf("获取 %s 交易规则失败: %w", symbol, err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		r := symbolRules{stepSize: decimal.Zero, tickSize: decimal.Zero}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "LOT_SIZE":
				if v, ok := f["stepSize"].(string); ok {
					r.stepSize, _ = decimal.NewFromString(v)
				}
			case "PRICE_FILTER":
				if v, ok := f["tickSize"].(string); ok {
					r.tickSize, _ = decimal.NewFromString(v)
				}
			}
		}
		e.mu.Lock()
		e.rules[symbol] = r
		e.mu.Unlock()
		e.logger.Info("已加载交易规则",
			zap.String("symbol", symbol),
			zap.String("stepSize", r.stepSize.String()),
			zap.String("tickSize", r.tickSize.String()))
		return r, nil
	}
	return symbolRules{}, fmt.Errorf("未找到交易对 %s 的信息", symbol)
}

// transient classifies err as retryable unless the exchange explicitly rejected
// the request (an API error outside the general server error range).
func transient(op, market string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && apiErr.Code < lastGeneralErrorCode {
		return err
	}
	return models.NewError(models.KindTransient, op, market, err)
}

// parseCommission 解析手续费, 空字符串视为零
func parseCommission(v string) (float64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseFloat(v, 64)
}

// adjustToStep 将数值向下取整到步长的整数倍, 步长为零时只截断到8位小数
func adjustToStep(value, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return value.RoundFloor(8)
	}
	return value.Div(step).Floor().Mul(step)
}

func parseLevel(price, quantity string) (models.PriceLevel, error) {
	p, errP := strconv.ParseFloat(price, 64)
	q, errQ := strconv.ParseFloat(quantity, 64)
	if errP != nil || errQ != nil {
		return models.PriceLevel{}, fmt.Errorf("解析订单簿档位失败: price=%q qty=%q", price, quantity)
	}
	return models.PriceLevel{Price: p, Size: q}, nil
}

// depthLimit 将请求的深度映射到币安支持的档位数量
func depthLimit(depth int) int {
	for _, l := range []int{5, 10, 20, 50, 100, 500, 1000, 5000} {
		if depth <= l {
			return l
		}
	}
	return 5000
}
