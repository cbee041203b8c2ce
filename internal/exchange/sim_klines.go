package exchange

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"binance-trade-cycle-go/internal/models"
)

// LoadKlineTickers 读取下载器生成的K线CSV文件，并把每根K线的收盘价展开为一组买卖报价，
// 用于驱动 SimExchange 的价格脚本。spread 是买卖价之间的总价差比例。
func LoadKlineTickers(path string, spread float64) ([]models.Ticker, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("无法打开K线文件 %s: %w", path, err)
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("无法读取K线数据: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("K线文件 %s 中没有数据", path)
	}

	tickers := make([]models.Ticker, 0, len(records)-1)
	for i, record := range records[1:] { // 跳过表头
		if len(record) < 5 {
			return nil, fmt.Errorf("第 %d 行格式错误: 列数不足", i+2)
		}
		openTime, errT := strconv.ParseInt(record[0], 10, 64)
		closePrice, errC := strconv.ParseFloat(record[4], 64)
		if errT != nil || errC != nil {
			return nil, fmt.Errorf("第 %d 行解析失败", i+2)
		}
		tickers = append(tickers, models.Ticker{
			Bid:  models.Round8(closePrice * (1 - spread/2)),
			Ask:  models.Round8(closePrice * (1 + spread/2)),
			Time: time.UnixMilli(openTime),
		})
	}
	return tickers, nil
}
