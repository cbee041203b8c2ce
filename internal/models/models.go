package models

import (
	"fmt"
	"strings"
	"time"
)

// MarketSeparator 分隔交易市场中的基础货币和报价货币, e.g., "BTC_ETH"
const MarketSeparator = "_"

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	Mode        string `json:"mode"`         // 运行模式: live 或 sim
	IsTestnet   bool   `json:"is_testnet"`   // 是否使用测试网
	DBPath      string `json:"db_path"`      // BadgerDB 交易状态数据库目录
	JournalPath string `json:"journal_path"` // SQLite 订单/成交日志文件路径
	MetricsAddr string `json:"metrics_addr"` // Prometheus 监听地址, 为空则不启动

	Trade  TradeParams  `json:"trade"`  // 单次交易的参数
	Timing TimingConfig `json:"timing"` // 轮询与重试节奏
	Feed   FeedConfig   `json:"feed"`   // 行情来源
	Sim    SimConfig    `json:"sim"`    // 模拟交易所配置

	LogConfig LogConfig `json:"log"`
}

// TimingConfig 定义了各个循环的固定节奏 (毫秒)
type TimingConfig struct {
	EntryPollMs   int `json:"entry_poll_ms"`   // 入场买入循环间隔
	ExitPollMs    int `json:"exit_poll_ms"`    // 挂单卖出监控间隔
	StopPollMs    int `json:"stop_poll_ms"`    // 止损待命监控间隔
	SweepMs       int `json:"sweep_ms"`        // 止损扫单间隔
	SellRetryMs   int `json:"sell_retry_ms"`   // 挂卖单失败后的重试间隔
	RetryMs       int `json:"retry_ms"`        // 其它API调用失败后的重试间隔
	OrderBookSize int `json:"order_book_size"` // 深度检查时读取的档位数量
}

// FeedConfig 定义了价格来源
type FeedConfig struct {
	Source       string `json:"source"`        // "rest" 或 "stream"
	WSBaseURL    string `json:"ws_base_url"`   // WebSocket 基础地址
	MaxStaleMs   int    `json:"max_stale_ms"`  // 缓存报价最长可接受的延迟
	ReconnectSec int    `json:"reconnect_sec"` // 断线重连间隔
	PongWaitSec  int    `json:"pong_wait_sec"` // Pong 超时时间
}

// SimConfig 定义了模拟交易所的初始状态
type SimConfig struct {
	Balance  float64 `json:"balance"`   // 基础货币初始余额
	MakerFee float64 `json:"maker_fee"` // 挂单手续费率
	TakerFee float64 `json:"taker_fee"` // 吃单手续费率
	Spread   float64 `json:"spread"`    // 由K线收盘价生成买卖价时使用的价差比例
	DataPath string  `json:"data_path"` // K线CSV文件路径
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// Duration converts a millisecond setting into a time.Duration, falling back to def when unset.
func Duration(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// SplitMarket returns the base (spent) and quote (acquired) currencies of a market.
func SplitMarket(market string) (base, quote string, err error) {
	parts := strings.Split(market, MarketSeparator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("market %q must look like BASE%sQUOTE", market, MarketSeparator)
	}
	return strings.ToUpper(parts[0]), strings.ToUpper(parts[1]), nil
}

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Ticker 最优买卖价
type Ticker struct {
	Market string    `json:"market"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// PriceLevel 是订单簿中的一个价格档位
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook 订单簿快照, Bids 和 Asks 都按最优价在前排序
type OrderBook struct {
	Market string       `json:"market"`
	Bids   []PriceLevel `json:"bids"`
	Asks   []PriceLevel `json:"asks"`
}

// Fill 记录一笔成交。Amount 和 Total 均为扣除手续费后的净额
type Fill struct {
	OrderID   string    `json:"order_id"`
	FillID    string    `json:"fill_id"`
	Side      Side      `json:"side"`
	Amount    float64   `json:"amount"` // 成交数量 (报价货币)
	Price     float64   `json:"price"`
	Total     float64   `json:"total"` // 成交金额 (基础货币)
	Fee       float64   `json:"fee,omitempty"`
	FeeAsset  string    `json:"fee_asset,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ApplyFee records a commission and deducts it from the asset the fill
// receives: the amount of a buy, the total of a sell. A fee charged in any
// other asset (BNB) leaves both untouched.
func (f *Fill) ApplyFee(fee float64, asset, base, quote string) {
	if fee <= 0 {
		return
	}
	f.Fee = fee
	f.FeeAsset = asset
	switch {
	case f.Side == Buy && asset == quote:
		f.Amount = Round8(f.Amount - fee)
	case f.Side == Sell && asset == base:
		f.Total = Round8(f.Total - fee)
	}
}

// FeeValue is the fee expressed in the base currency, zero when it was paid
// in a third asset.
func (f Fill) FeeValue(base, quote string) float64 {
	switch f.FeeAsset {
	case base:
		return f.Fee
	case quote:
		return Round8(f.Fee * f.Price)
	}
	return 0
}

// OrderRequest 下单请求
type OrderRequest struct {
	Market            string
	Side              Side
	Price             float64
	Quantity          float64
	ImmediateOrCancel bool
	ClientOrderID     string
}

// OrderResult 下单结果
type OrderResult struct {
	OrderID     string  `json:"order_id"`
	Fills       []Fill  `json:"fills"`
	UnfilledQty float64 `json:"unfilled_qty"`
}

// FilledAmount sums the executed quantity of the result.
func (r *OrderResult) FilledAmount() float64 {
	var total float64
	for _, f := range r.Fills {
		total += f.Amount
	}
	return total
}

// CancelResult 撤单结果
type CancelResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// FeeSchedule 手续费率
type FeeSchedule struct {
	Maker float64 `json:"maker"`
	Taker float64 `json:"taker"`
}
