package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"binance-trade-cycle-go/internal/clock"
	"binance-trade-cycle-go/internal/models"
)

// syntheticDepth is the size quoted at the best bid/ask when no explicit order
// book has been set, so that the top of book absorbs any order.
const syntheticDepth = 1e12

// ErrReplayExhausted is returned by GetTicker once a recorded price series
// installed with Replay has been read to the end.
var ErrReplayExhausted = errors.New("sim: price replay exhausted")

// SimExchange 实现了 Exchange 接口，用于在不接触真实交易所的情况下模拟撮合。
// 价格由脚本驱动：每次 GetTicker 前进一步，脚本耗尽后停留在最后一个报价
// (回放模式下则返回 ErrReplayExhausted)。
// 挂单在后续报价的买一价触及其价格时按 maker 费率成交, 与订单簿撮合的按 taker 费率。
type SimExchange struct {
	mu    sync.Mutex
	clock clock.Clock

	script  []models.Ticker
	pos     int
	replay  bool
	current models.Ticker
	book    *models.OrderBook // nil: synthesized from the current ticker

	balances map[string]float64
	fees     models.FeeSchedule

	orders      map[string]*simOrder
	orderSeq    []string
	nextOrderID int64

	failures map[string]int
	calls    map[string]int
}

type simOrder struct {
	id       string
	req      models.OrderRequest
	open     bool
	canceled bool
	filled   float64
	fills    []models.Fill
}

// NewSimExchange 创建一个新的 SimExchange 实例。
func NewSimExchange(clk clock.Clock, balances map[string]float64, fees models.FeeSchedule) *SimExchange {
	b := make(map[string]float64, len(balances))
	for k, v := range balances {
		b[k] = v
	}
	return &SimExchange{
		clock:       clk,
		balances:    b,
		fees:        fees,
		orders:      make(map[string]*simOrder),
		nextOrderID: 1,
		failures:    make(map[string]int),
		calls:       make(map[string]int),
	}
}

// Script replaces the price script. The first quote becomes current on the next GetTicker.
func (e *SimExchange) Script(tickers ...models.Ticker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.script = append([]models.Ticker(nil), tickers...)
	e.pos = 0
	e.replay = false
}

// Replay installs a recorded price series. Unlike Script, reading past its
// last quote fails with ErrReplayExhausted instead of repeating it.
func (e *SimExchange) Replay(tickers ...models.Ticker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.script = append([]models.Ticker(nil), tickers...)
	e.pos = 0
	e.replay = true
}

// SetTicker sets the current quote directly and drops any remaining script.
func (e *SimExchange) SetTicker(bid, ask float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.script = nil
	e.pos = 0
	e.replay = false
	e.current = models.Ticker{Bid: bid, Ask: ask, Time: e.clock.Now()}
	e.matchRestingOrders()
}

// SetOrderBook installs an explicit book; IOC orders consume its levels.
// Passing nil reverts to a book synthesized from the current quote.
func (e *SimExchange) SetOrderBook(book *models.OrderBook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if book == nil {
		e.book = nil
		return
	}
	c := &models.OrderBook{
		Market: book.Market,
		Bids:   append([]models.PriceLevel(nil), book.Bids...),
		Asks:   append([]models.PriceLevel(nil), book.Asks...),
	}
	sort.SliceStable(c.Bids, func(i, j int) bool { return c.Bids[i].Price > c.Bids[j].Price })
	sort.SliceStable(c.Asks, func(i, j int) bool { return c.Asks[i].Price < c.Asks[j].Price })
	e.book = c
}

// FailNext makes the next n calls of op return an error. op is the method name, e.g. "PlaceSell".
func (e *SimExchange) FailNext(op string, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[op] = n
}

// Calls returns how many times op was invoked, or the total over all ops when op is empty.
func (e *SimExchange) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if op != "" {
		return e.calls[op]
	}
	total := 0
	for _, n := range e.calls {
		total += n
	}
	return total
}

// FillOrder executes amount of an open order at its limit price.
func (e *SimExchange) FillOrder(orderID string, amount float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok || !o.open {
		return fmt.Errorf("order %s is not open", orderID)
	}
	e.execute(o, amount, o.req.Price, e.fees.Maker)
	return nil
}

// DropOrder removes an order from the open set without any fill, as an exchange
// that lost it would.
func (e *SimExchange) DropOrder(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.orders[orderID]; ok {
		o.open = false
	}
}

// Balance returns the simulated balance of currency.
func (e *SimExchange) Balance(currency string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[currency]
}

// --- Exchange 接口实现 ---

func (e *SimExchange) GetTicker(ctx context.Context, market string) (*models.Ticker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetTicker"); err != nil {
		return nil, err
	}

	if e.pos < len(e.script) {
		e.current = e.script[e.pos]
		if e.current.Time.IsZero() {
			e.current.Time = e.clock.Now()
		}
		e.pos++
		e.matchRestingOrders()
	} else if e.replay {
		return nil, ErrReplayExhausted
	}
	if e.current.Bid <= 0 && e.current.Ask <= 0 {
		return nil, fmt.Errorf("sim: no quote for %s", market)
	}

	t := e.current
	t.Market = market
	return &t, nil
}

func (e *SimExchange) GetOrderBook(ctx context.Context, market string, depth int) (*models.OrderBook, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetOrderBook"); err != nil {
		return nil, err
	}

	book := e.effectiveBook()
	out := &models.OrderBook{Market: market}
	out.Bids = truncate(book.Bids, depth)
	out.Asks = truncate(book.Asks, depth)
	return out, nil
}

func (e *SimExchange) PlaceBuy(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	req.Side = models.Buy
	return e.place("PlaceBuy", req)
}

func (e *SimExchange) PlaceSell(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	req.Side = models.Sell
	return e.place("PlaceSell", req)
}

func (e *SimExchange) CancelOrder(ctx context.Context, market, orderID string) (*models.CancelResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CancelOrder"); err != nil {
		return nil, err
	}

	o, ok := e.orders[orderID]
	switch {
	case !ok:
		return &models.CancelResult{Success: false, Message: "Unknown order sent."}, nil
	case !o.open:
		return &models.CancelResult{Success: false, Message: "Order is not open."}, nil
	}
	o.open = false
	o.canceled = true
	return &models.CancelResult{Success: true, Message: fmt.Sprintf("Order #%s canceled.", orderID)}, nil
}

func (e *SimExchange) GetOpenOrders(ctx context.Context, market string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetOpenOrders"); err != nil {
		return nil, err
	}

	var ids []string
	for _, id := range e.orderSeq {
		if e.orders[id].open {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (e *SimExchange) GetOrderFills(ctx context.Context, market, orderID string) ([]models.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetOrderFills"); err != nil {
		return nil, err
	}

	o, ok := e.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("sim: unknown order %s", orderID)
	}
	return append([]models.Fill(nil), o.fills...), nil
}

func (e *SimExchange) GetBalance(ctx context.Context, currency string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetBalance"); err != nil {
		return 0, err
	}
	return e.balances[currency], nil
}

func (e *SimExchange) GetFeeSchedule(ctx context.Context, market string) (models.FeeSchedule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetFeeSchedule"); err != nil {
		return models.FeeSchedule{}, err
	}
	return e.fees, nil
}

// --- 撮合逻辑, 均需在持有锁的情况下调用 ---

func (e *SimExchange) enter(op string) error {
	e.calls[op]++
	if e.failures[op] > 0 {
		e.failures[op]--
		return models.NewError(models.KindTransient, op, "", fmt.Errorf("sim: injected %s failure", op))
	}
	return nil
}

func (e *SimExchange) place(op string, req models.OrderRequest) (*models.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(op); err != nil {
		return nil, err
	}
	if req.Quantity <= 0 || req.Price <= 0 {
		return nil, fmt.Errorf("sim: invalid order quantity %v price %v", req.Quantity, req.Price)
	}

	id := strconv.FormatInt(e.nextOrderID, 10)
	e.nextOrderID++
	o := &simOrder{id: id, req: req, open: true}
	e.orders[id] = o
	e.orderSeq = append(e.orderSeq, id)

	e.matchAgainstBook(o)

	if req.ImmediateOrCancel {
		o.open = false
	} else if models.Round8(req.Quantity-o.filled) <= 0 {
		o.open = false
	}

	return &models.OrderResult{
		OrderID:     id,
		Fills:       append([]models.Fill(nil), o.fills...),
		UnfilledQty: models.Round8(req.Quantity - o.filled),
	}, nil
}

// matchAgainstBook crosses a new order with the book, consuming explicit levels.
func (e *SimExchange) matchAgainstBook(o *simOrder) {
	book := e.effectiveBook()
	levels := &book.Asks
	crosses := func(p float64) bool { return p <= o.req.Price }
	if o.req.Side == models.Sell {
		levels = &book.Bids
		crosses = func(p float64) bool { return p >= o.req.Price }
	}

	for i := 0; i < len(*levels); {
		lvl := &(*levels)[i]
		remaining := models.Round8(o.req.Quantity - o.filled)
		if remaining <= 0 || !crosses(lvl.Price) {
			break
		}
		qty := remaining
		if lvl.Size < qty {
			qty = lvl.Size
		}
		e.execute(o, qty, lvl.Price, e.fees.Taker)
		lvl.Size = models.Round8(lvl.Size - qty)
		if lvl.Size <= 0 {
			*levels = append((*levels)[:i], (*levels)[i+1:]...)
			continue
		}
		i++
	}
}

// matchRestingOrders fills open limit orders the current quote has crossed.
func (e *SimExchange) matchRestingOrders() {
	for _, id := range e.orderSeq {
		o := e.orders[id]
		if !o.open {
			continue
		}
		hit := (o.req.Side == models.Sell && e.current.Bid > 0 && e.current.Bid >= o.req.Price) ||
			(o.req.Side == models.Buy && e.current.Ask > 0 && e.current.Ask <= o.req.Price)
		if hit {
			e.execute(o, models.Round8(o.req.Quantity-o.filled), o.req.Price, e.fees.Maker)
		}
	}
}

// execute fills amount of o at price. 手续费和币安一样从收到的资产中扣除
func (e *SimExchange) execute(o *simOrder, amount, price, feeRate float64) {
	if amount <= 0 {
		return
	}
	base, quote, _ := models.SplitMarket(o.req.Market)
	total := models.Round8(amount * price)

	fill := models.Fill{
		OrderID:   o.id,
		FillID:    fmt.Sprintf("%s-%d", o.id, len(o.fills)+1),
		Side:      o.req.Side,
		Amount:    amount,
		Price:     price,
		Total:     total,
		Timestamp: e.clock.Now(),
	}
	if o.req.Side == models.Buy {
		fill.ApplyFee(models.Round8(amount*feeRate), quote, base, quote)
	} else {
		fill.ApplyFee(models.Round8(total*feeRate), base, base, quote)
	}
	o.fills = append(o.fills, fill)
	o.filled = models.Round8(o.filled + amount)
	if o.filled >= o.req.Quantity {
		o.open = false
	}

	if o.req.Side == models.Buy {
		e.balances[base] = models.Round8(e.balances[base] - total)
		e.balances[quote] = models.Round8(e.balances[quote] + fill.Amount)
	} else {
		e.balances[base] = models.Round8(e.balances[base] + fill.Total)
		e.balances[quote] = models.Round8(e.balances[quote] - amount)
	}
}

func (e *SimExchange) effectiveBook() *models.OrderBook {
	if e.book != nil {
		return e.book
	}
	synth := &models.OrderBook{}
	if e.current.Bid > 0 {
		synth.Bids = []models.PriceLevel{{Price: e.current.Bid, Size: syntheticDepth}}
	}
	if e.current.Ask > 0 {
		synth.Asks = []models.PriceLevel{{Price: e.current.Ask, Size: syntheticDepth}}
	}
	return synth
}

func truncate(levels []models.PriceLevel, depth int) []models.PriceLevel {
	out := append([]models.PriceLevel(nil), levels...)
	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}
