package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionVersion 是交易文档模型的版本号，用于未来迁移
const SessionVersion = 1

// SellMode 卖出侧的两种模式
type SellMode string

const (
	RestingSell SellMode = "RESTING_SELL"
	StopArmed   SellMode = "STOP_ARMED"
)

// SellResult 卖出侧的最终结果
type SellResult string

const (
	ResultNone   SellResult = "NONE"
	ResultTarget SellResult = "TARGET"
	ResultStop   SellResult = "STOP"
)

// TradeParams 是用户提交的原始交易参数，创建后【不可变】
type TradeParams struct {
	Market              string   `json:"market"`                // 交易市场, e.g., "BTC_ETH"
	BuyTarget           float64  `json:"buy_target"`            // 目标买入价
	ProfitLevel         float64  `json:"profit_level"`          // 止盈比例
	StopLevel           float64  `json:"stop_level"`            // 止损比例
	StopPrice           *float64 `json:"stop_price,omitempty"`  // 显式止损价 (覆盖 StopLevel)
	SpendProportion     float64  `json:"spend_proportion"`      // 投入可用余额的比例
	PriceTolerance      float64  `json:"price_tolerance"`       // 价格容差
	EntryTimeoutMinutes int      `json:"entry_timeout_minutes"` // 入场超时 (分钟)
	TakerFeeOK          bool     `json:"taker_fee_ok"`          // 是否接受吃单手续费
}

// BuySide 入场买入侧的状态
type BuySide struct {
	TargetPrice    float64   `json:"target_price"`
	MaxPrice       float64   `json:"max_price"`
	SpendBudget    float64   `json:"spend_budget"`
	SpendActual    float64   `json:"spend_actual"`
	AmountActual   float64   `json:"amount_actual"`
	AvgPriceActual float64   `json:"avg_price_actual"`
	AbortTime      time.Time `json:"abort_time"`
	Complete       bool      `json:"complete"`
	Failed         bool      `json:"failed"`
	FillOrders     []Fill    `json:"fill_orders"`
}

// SellSide 离场卖出侧的状态
type SellSide struct {
	TargetPrice   float64    `json:"target_price"`
	StopPrice     float64    `json:"stop_price"`
	Amount        float64    `json:"amount"`
	Threshold     float64    `json:"threshold"`
	Mode          SellMode   `json:"mode"`
	Complete      bool       `json:"complete"`
	Result        SellResult `json:"result"`
	ActiveOrderID string     `json:"active_order_id,omitempty"`
	AmountActual  float64    `json:"amount_actual"` // 已卖出数量
	GainActual    float64    `json:"gain_actual"`   // 卖出所得 (基础货币)
	FillOrders    []Fill     `json:"fill_orders"`
}

// Fees 创建会话时记录的手续费率 (会话期间视为不变)
type Fees struct {
	Maker float64 `json:"maker"`
	Taker float64 `json:"taker"`
}

// TradeSession 是单个市场的一次完整交易，持久化到 TradeStore
type TradeSession struct {
	ID            string      `json:"id"`
	Version       int         `json:"version"`
	Market        string      `json:"market"`
	BaseCurrency  string      `json:"base_currency"`
	QuoteCurrency string      `json:"quote_currency"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	Buy           BuySide     `json:"buy"`
	Sell          SellSide    `json:"sell"`
	Fees          Fees        `json:"fees"`
	Parameters    TradeParams `json:"parameters"`
}

// NewTradeSession derives the buy and sell targets from validated parameters.
// balance is the available base currency balance.
func NewTradeSession(id string, p TradeParams, balance float64, fees FeeSchedule, now time.Time) (*TradeSession, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	base, quote, _ := SplitMarket(p.Market)

	stop := Round8(p.BuyTarget * (1 - p.StopLevel))
	if p.StopPrice != nil {
		stop = *p.StopPrice
	}
	if stop >= p.BuyTarget {
		return nil, NewError(KindValidation, "create_session", p.Market, ErrStopAboveTarget)
	}

	// Parameters keep their own copy of the override pointer.
	params := p
	if p.StopPrice != nil {
		v := *p.StopPrice
		params.StopPrice = &v
	}

	return &TradeSession{
		ID:            id,
		Version:       SessionVersion,
		Market:        p.Market,
		BaseCurrency:  base,
		QuoteCurrency: quote,
		CreatedAt:     now,
		UpdatedAt:     now,
		Buy: BuySide{
			TargetPrice: p.BuyTarget,
			MaxPrice:    Round8(p.BuyTarget * (1 + p.PriceTolerance)),
			SpendBudget: Round8(balance * p.SpendProportion),
			AbortTime:   now.Add(time.Duration(p.EntryTimeoutMinutes) * time.Minute),
			FillOrders:  []Fill{},
		},
		Sell: SellSide{
			TargetPrice: Round8(p.BuyTarget * (1 + p.ProfitLevel)),
			StopPrice:   stop,
			Mode:        RestingSell,
			Result:      ResultNone,
			FillOrders:  []Fill{},
		},
		Fees:       Fees{Maker: fees.Maker, Taker: fees.Taker},
		Parameters: params,
	}, nil
}

// Validate checks the request before any exchange call is made.
func (p TradeParams) Validate() error {
	fail := func(err error) error { return NewError(KindValidation, "validate", p.Market, err) }

	if _, _, err := SplitMarket(p.Market); err != nil {
		return fail(err)
	}
	switch {
	case p.BuyTarget <= 0:
		return fail(ErrNonPositiveTarget)
	case p.ProfitLevel <= 0:
		return fail(ErrBadProfitLevel)
	case p.StopPrice == nil && (p.StopLevel <= 0 || p.StopLevel >= 1):
		return fail(ErrBadStopLevel)
	case p.StopPrice != nil && *p.StopPrice >= p.BuyTarget:
		return fail(ErrStopAboveTarget)
	case p.StopPrice != nil && *p.StopPrice <= 0:
		return fail(ErrBadStopLevel)
	case p.SpendProportion <= 0 || p.SpendProportion > 1:
		return fail(ErrBadSpendProportion)
	case p.PriceTolerance < 0 || p.PriceTolerance > 1:
		return fail(ErrBadPriceTolerance)
	case p.EntryTimeoutMinutes <= 0:
		return fail(ErrBadEntryTimeout)
	case !p.TakerFeeOK:
		return fail(ErrMakerEntryUnsupported)
	}
	return nil
}

// AddFills appends buy fills not seen before and recomputes the actuals.
func (b *BuySide) AddFills(fills []Fill) int {
	added := 0
	for _, f := range fills {
		if hasFill(b.FillOrders, f) {
			continue
		}
		b.FillOrders = append(b.FillOrders, f)
		added++
	}
	b.SpendActual, b.AmountActual = sumFills(b.FillOrders)
	return added
}

// Finish marks the entry complete and derives the average price.
func (b *BuySide) Finish() {
	b.Complete = true
	if b.AmountActual > 0 {
		b.AvgPriceActual = Round8(b.SpendActual / b.AmountActual)
	}
}

// AddFills appends sell fills not seen before and recomputes the sold amount and proceeds.
func (s *SellSide) AddFills(fills []Fill) int {
	added := 0
	for _, f := range fills {
		if hasFill(s.FillOrders, f) {
			continue
		}
		s.FillOrders = append(s.FillOrders, f)
		added++
	}
	s.GainActual, s.AmountActual = sumFills(s.FillOrders)
	return added
}

// Remaining is the part of the position still to be sold.
func (s *SellSide) Remaining() float64 {
	r := Round8(s.Amount - s.AmountActual)
	if r < 0 {
		return 0
	}
	return r
}

// SoldOut reports whether the whole position has been sold.
func (s *SellSide) SoldOut() bool {
	return s.Amount > 0 && s.Remaining() <= 0
}

// Terminate records the terminal result of the sell side.
func (s *SellSide) Terminate(result SellResult) {
	s.Complete = true
	s.Result = result
	s.ActiveOrderID = ""
}

// Clone returns a deep copy, safe to hand to the persistence layer.
func (t *TradeSession) Clone() *TradeSession {
	if t == nil {
		return nil
	}
	c := *t
	c.Buy.FillOrders = append([]Fill(nil), t.Buy.FillOrders...)
	c.Sell.FillOrders = append([]Fill(nil), t.Sell.FillOrders...)
	if t.Parameters.StopPrice != nil {
		v := *t.Parameters.StopPrice
		c.Parameters.StopPrice = &v
	}
	return &c
}

func hasFill(list []Fill, f Fill) bool {
	if f.FillID == "" {
		return false
	}
	for _, existing := range list {
		if existing.FillID == f.FillID && existing.OrderID == f.OrderID {
			return true
		}
	}
	return false
}

func sumFills(fills []Fill) (total, amount float64) {
	t, a := decimal.Zero, decimal.Zero
	for _, f := range fills {
		t = t.Add(decimal.NewFromFloat(f.Total))
		a = a.Add(decimal.NewFromFloat(f.Amount))
	}
	return t.InexactFloat64(), a.InexactFloat64()
}

// Round8 rounds half away from zero to 8 decimal places.
func Round8(v float64) float64 {
	return decimal.NewFromFloat(v).Round(8).InexactFloat64()
}

// Floor8 truncates to 8 decimal places, used for order quantities so a budget is never exceeded.
func Floor8(v float64) float64 {
	return decimal.NewFromFloat(v).RoundFloor(8).InexactFloat64()
}
