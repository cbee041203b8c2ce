package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"binance-trade-cycle-go/internal/clock"
	"binance-trade-cycle-go/internal/exchange"
	"binance-trade-cycle-go/internal/metrics"
	"binance-trade-cycle-go/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// StreamOptions 配置 StreamFeed 的连接与缓存行为
type StreamOptions struct {
	BaseURL   string        // e.g. wss://stream.binance.com:9443
	MaxStale  time.Duration // 缓存报价超过该时长则回退到 fallback
	Reconnect time.Duration // 断线后的重连间隔
	PongWait  time.Duration // 未收到 Pong 的读取超时
}

// bookTickerEvent 是币安 <symbol>@bookTicker 推送的消息
type bookTickerEvent struct {
	Symbol string      `json:"s"`
	Bid    json.Number `json:"b"`
	Ask    json.Number `json:"a"`
}

// StreamFeed 通过 WebSocket 订阅最优报价并在本地缓存 (push 模式)。
// 读取时若缓存缺失或过期，则回退到 fallback 查询。
type StreamFeed struct {
	market   string
	fallback Feed
	opts     StreamOptions
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu         sync.RWMutex
	latest     models.Ticker
	receivedAt time.Time
}

// NewStreamFeed creates a push-based feed for a single market.
func NewStreamFeed(market string, fallback Feed, opts StreamOptions, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *StreamFeed {
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.Reconnect <= 0 {
		opts.Reconnect = 5 * time.Second
	}
	return &StreamFeed{
		market:   market,
		fallback: fallback,
		opts:     opts,
		clock:    clk,
		metrics:  m,
		logger:   logger,
	}
}

// GetTicker returns the cached quote when fresh, otherwise asks the fallback.
func (f *StreamFeed) GetTicker(ctx context.Context, market string) (*models.Ticker, error) {
	if market == f.market {
		f.mu.RLock()
		t, at := f.latest, f.receivedAt
		f.mu.RUnlock()

		if !at.IsZero() && f.clock.Now().Sub(at) <= f.opts.MaxStale {
			return &t, nil
		}
	}
	return f.fallback.GetTicker(ctx, market)
}

// Run 是一个守护循环，负责维持 WebSocket 连接和重连，直到 ctx 结束
func (f *StreamFeed) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			f.logger.Info("行情推送循环已停止", zap.String("market", f.market))
			return
		}

		conn, err := f.connect(ctx)
		if err != nil {
			f.logger.Warn("WebSocket连接失败，稍后重试", zap.Error(err), zap.Duration("retry", f.opts.Reconnect))
		} else {
			f.logger.Info("WebSocket连接成功", zap.String("market", f.market))
			// handleMessages 会阻塞直到连接断开
			if err := f.handleMessages(ctx, conn); err != nil {
				f.logger.Warn("WebSocket处理时发生错误", zap.Error(err))
			}
			conn.Close()
		}

		if err := f.clock.Sleep(ctx, f.opts.Reconnect); err != nil {
			return
		}
	}
}

func (f *StreamFeed) connect(ctx context.Context) (*websocket.Conn, error) {
	symbol, err := exchange.Symbol(f.market)
	if err != nil {
		return nil, err
	}
	wsURL := fmt.Sprintf("%s/ws/%s@bookTicker", strings.TrimRight(f.opts.BaseURL, "/"), strings.ToLower(symbol))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("WebSocket连接 %s 失败: %w", wsURL, err)
	}
	return conn, nil
}

// handleMessages 为一个已建立的连接处理消息，并实现心跳机制
func (f *StreamFeed) handleMessages(ctx context.Context, conn *websocket.Conn) error {
	pongWait := f.opts.PongWait
	pingPeriod := (pongWait * 9) / 10

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		pingTicker := time.NewTicker(pingPeriod)
		defer pingTicker.Stop()
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			case <-ctx.Done():
				// 优雅关闭, 关闭帧会让 ReadMessage 返回
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// 任何读取错误都意味着连接已损坏，返回让 Run 处理重连
			return fmt.Errorf("读取消息失败: %w", err)
		}

		t, err := parseBookTicker(message)
		if err != nil {
			f.logger.Debug("解析报价失败", zap.Error(err))
			continue
		}
		t.Market = f.market
		f.store(t)
	}
}

func (f *StreamFeed) store(t models.Ticker) {
	now := f.clock.Now()
	t.Time = now
	f.mu.Lock()
	f.latest = t
	f.receivedAt = now
	f.mu.Unlock()
	f.metrics.ObserveBid(f.market, t.Bid)
}

func parseBookTicker(message []byte) (models.Ticker, error) {
	var ev bookTickerEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		return models.Ticker{}, err
	}
	bid, errB := ev.Bid.Float64()
	ask, errA := ev.Ask.Float64()
	if errB != nil || errA != nil {
		return models.Ticker{}, fmt.Errorf("无效的报价: b=%q a=%q", ev.Bid, ev.Ask)
	}
	return models.Ticker{Bid: bid, Ask: ask}, nil
}
