package reporter

import (
	"fmt"
	"io"
	"time"

	"binance-trade-cycle-go/internal/models"
	"binance-trade-cycle-go/internal/storage"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Summary 存储从交易会话计算出的结果指标
type Summary struct {
	Market        string
	SessionID     string
	Phase         string
	Spent         float64 // 买入花费 (基础货币)
	Bought        float64 // 买入数量
	AvgBuyPrice   float64
	Sold          float64 // 卖出数量
	Gain          float64 // 卖出所得 (基础货币)
	AvgSellPrice  float64
	Unsold        float64
	Fees          float64 // 手续费, 折算为基础货币 (以其他资产支付的不计入)
	RealizedPnL   float64 // 已卖出部分的盈亏, 成交均为净额所以已含手续费
	RealizedPnLPc float64 // 相对于已卖出部分成本的百分比
	Duration      time.Duration
}

// Phase describes where a session is in its lifecycle.
func Phase(s *models.TradeSession) string {
	switch {
	case s.Buy.Failed:
		return "ENTRY_FAILED"
	case !s.Buy.Complete:
		return "ENTRY"
	case s.Sell.Complete:
		return "DONE/" + string(s.Sell.Result)
	default:
		return "EXIT/" + string(s.Sell.Mode)
	}
}

// Summarize 根据会话状态计算结果指标
func Summarize(s *models.TradeSession) Summary {
	sum := Summary{
		Market:      s.Market,
		SessionID:   s.ID,
		Phase:       Phase(s),
		Spent:       s.Buy.SpendActual,
		Bought:      s.Buy.AmountActual,
		AvgBuyPrice: s.Buy.AvgPriceActual,
		Sold:        s.Sell.AmountActual,
		Gain:        s.Sell.GainActual,
		Unsold:      s.Sell.Remaining(),
		Duration:    s.UpdatedAt.Sub(s.CreatedAt),
	}
	for _, f := range s.Buy.FillOrders {
		sum.Fees += f.FeeValue(s.BaseCurrency, s.QuoteCurrency)
	}
	for _, f := range s.Sell.FillOrders {
		sum.Fees += f.FeeValue(s.BaseCurrency, s.QuoteCurrency)
	}
	sum.Fees = models.Round8(sum.Fees)
	if sum.AvgBuyPrice == 0 && sum.Bought > 0 {
		sum.AvgBuyPrice = models.Round8(sum.Spent / sum.Bought)
	}
	if sum.Sold > 0 {
		sum.AvgSellPrice = models.Round8(sum.Gain / sum.Sold)
		cost := models.Round8(sum.AvgBuyPrice * sum.Sold)
		sum.RealizedPnL = models.Round8(sum.Gain - cost)
		if cost > 0 {
			sum.RealizedPnLPc = sum.RealizedPnL / cost * 100
		}
	}
	return sum
}

// RenderSession 打印会话概要和所有成交记录
func RenderSession(w io.Writer, s *models.TradeSession) {
	sum := Summarize(s)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("交易会话 %s", s.Market)
	t.AppendRows([]table.Row{
		{"会话ID", sum.SessionID},
		{"阶段", sum.Phase},
		{"创建时间", s.CreatedAt.Format(time.RFC3339)},
		{"更新时间", s.UpdatedAt.Format(time.RFC3339)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"买入目标价", price(s.Buy.TargetPrice)},
		{"最高买入价", price(s.Buy.MaxPrice)},
		{"预算", fmt.Sprintf("%s %s", price(s.Buy.SpendBudget), s.BaseCurrency)},
		{"已花费", fmt.Sprintf("%s %s", price(sum.Spent), s.BaseCurrency)},
		{"买入数量", fmt.Sprintf("%s %s", price(sum.Bought), s.QuoteCurrency)},
		{"平均买入价", price(sum.AvgBuyPrice)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"止盈价", price(s.Sell.TargetPrice)},
		{"阈值", price(s.Sell.Threshold)},
		{"止损价", price(s.Sell.StopPrice)},
		{"当前挂单", orDash(s.Sell.ActiveOrderID)},
		{"已卖出", fmt.Sprintf("%s %s", price(sum.Sold), s.QuoteCurrency)},
		{"未卖出", fmt.Sprintf("%s %s", price(sum.Unsold), s.QuoteCurrency)},
		{"平均卖出价", price(sum.AvgSellPrice)},
		{"卖出所得", fmt.Sprintf("%s %s", price(sum.Gain), s.BaseCurrency)},
		{"手续费率", fmt.Sprintf("maker %.4f%% / taker %.4f%%", s.Fees.Maker*100, s.Fees.Taker*100)},
		{"手续费", fmt.Sprintf("%s %s", price(sum.Fees), s.BaseCurrency)},
		{"已实现盈亏", fmt.Sprintf("%s %s (%.2f%%)", price(sum.RealizedPnL), s.BaseCurrency, sum.RealizedPnLPc)},
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: text.Colors{text.Bold}},
		{Number: 2, Align: text.AlignRight},
	})
	t.Render()

	fills := make([]models.Fill, 0, len(s.Buy.FillOrders)+len(s.Sell.FillOrders))
	fills = append(fills, s.Buy.FillOrders...)
	fills = append(fills, s.Sell.FillOrders...)
	if len(fills) > 0 {
		RenderFills(w, fills)
	}
}

// RenderFills 打印成交明细
func RenderFills(w io.Writer, fills []models.Fill) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"时间", "方向", "订单", "成交ID", "数量", "价格", "金额", "手续费"})

	var bought, sold float64
	for _, f := range fills {
		t.AppendRow(table.Row{f.Timestamp.Format("2006-01-02 15:04:05"), f.Side, f.OrderID, f.FillID, price(f.Amount), price(f.Price), price(f.Total), fee(f)})
		if f.Side == models.Buy {
			bought += f.Amount
		} else {
			sold += f.Amount
		}
	}
	t.AppendFooter(table.Row{"", "", "", "合计", fmt.Sprintf("+%s / -%s", price(models.Round8(bought)), price(models.Round8(sold))), "", "", ""})
	t.Render()
}

// RenderJournal 打印订单日志
func RenderJournal(w io.Writer, orders []storage.OrderEntry) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"订单", "会话", "方向", "类型", "价格", "数量", "状态", "更新时间"})
	for _, o := range orders {
		t.AppendRow(table.Row{o.OrderID, o.SessionID, o.Side, o.Kind, price(o.Price), price(o.Quantity), o.Status, o.UpdatedAt.UTC().Format("2006-01-02 15:04:05")})
	}
	t.Render()
}

func price(v float64) string {
	return fmt.Sprintf("%.8f", v)
}

func fee(f models.Fill) string {
	if f.Fee == 0 {
		return "-"
	}
	return fmt.Sprintf("%s %s", price(f.Fee), f.FeeAsset)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
