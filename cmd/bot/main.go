package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"binance-trade-cycle-go/internal/bot"
	"binance-trade-cycle-go/internal/clock"
	"binance-trade-cycle-go/internal/config"
	"binance-trade-cycle-go/internal/downloader"
	"binance-trade-cycle-go/internal/exchange"
	"binance-trade-cycle-go/internal/logger"
	"binance-trade-cycle-go/internal/metrics"
	"binance-trade-cycle-go/internal/models"
	"binance-trade-cycle-go/internal/persistence"
	"binance-trade-cycle-go/internal/pricefeed"
	"binance-trade-cycle-go/internal/reporter"
	"binance-trade-cycle-go/internal/statemanager"
	"binance-trade-cycle-go/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "", "running mode: live or sim (overrides config)")
	action := flag.String("action", "run", "action: run, resume, status or download")
	market := flag.String("market", "", "market to trade, e.g. BTC_ETH (overrides config)")
	startDate := flag.String("start", "", "start date for kline download (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for kline download (YYYY-MM-DD)")
	interval := flag.String("interval", "1m", "kline interval for download")
	flag.Parse()

	// 先用默认配置初始化日志，以便记录配置加载过程
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *market != "" {
		cfg.Trade.Market = strings.ToUpper(*market)
	}
	if err := config.Validate(cfg); err != nil {
		logger.S().Fatalf("配置无效: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.L().Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *action {
	case "run", "resume":
		if err := runCycle(ctx, cfg, *action == "resume"); err != nil {
			logger.S().Errorf("交易周期异常结束: %v", err)
			os.Exit(1)
		}
	case "status":
		if err := showStatus(cfg); err != nil {
			logger.S().Fatalf("无法读取交易状态: %v", err)
		}
	case "download":
		if err := download(ctx, cfg, *startDate, *endDate, *interval); err != nil {
			logger.S().Fatal(err)
		}
	default:
		logger.S().Fatalf("未知的操作: %s。请选择 run、resume、status 或 download。", *action)
	}
}

// runCycle wires the components for the configured mode and drives one session.
func runCycle(ctx context.Context, cfg *models.Config, resume bool) error {
	log := logger.L()
	timing := bot.TimingFromConfig(cfg.Timing)

	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		m = metrics.New(reg)
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Prometheus 指标服务退出", zap.Error(err))
			}
		}()
		defer srv.Close()
		log.Info("Prometheus 指标服务已启动", zap.String("addr", cfg.MetricsAddr))
	}

	var (
		ex    exchange.Exchange
		clk   clock.Clock
		store persistence.TradeStore
		err   error
	)
	switch strings.ToLower(cfg.Mode) {
	case "live":
		log.Info("--- 启动实时交易模式 ---", zap.Bool("testnet", cfg.IsTestnet))
		creds, fromFile, err := config.LoadCredentials()
		if err != nil {
			return err
		}
		if fromFile {
			log.Info("成功从 .env 文件加载API密钥")
		}
		ex = exchange.NewLiveExchange(creds.APIKey, creds.SecretKey, cfg.IsTestnet, log)
		clk = clock.Real()
		store, err = persistence.NewBadgerRepository(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("无法打开交易状态数据库: %w", err)
		}
	case "sim":
		log.Info("--- 启动模拟交易模式 ---", zap.String("data", cfg.Sim.DataPath))
		sim, fake, err := newSimExchange(cfg)
		if err != nil {
			return err
		}
		ex, clk = sim, fake
		// 模拟交易所的订单不会跨进程保留, 状态也只保存在内存中
		store, err = persistence.NewInMemoryRepository()
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的运行模式: %s", cfg.Mode)
	}
	defer store.Close()

	// 模拟模式的订单日志只保存在内存中
	journalPath := cfg.JournalPath
	if journalPath == "" || strings.ToLower(cfg.Mode) == "sim" {
		journalPath = ":memory:"
	}
	journal, err := storage.InitDB(journalPath)
	if err != nil {
		return fmt.Errorf("无法打开订单日志: %w", err)
	}
	defer journal.Close()

	var feed pricefeed.Feed = pricefeed.NewRESTFeed(ex, m)
	if strings.ToLower(cfg.Feed.Source) == "stream" && strings.ToLower(cfg.Mode) == "live" {
		stream := pricefeed.NewStreamFeed(cfg.Trade.Market, feed, pricefeed.StreamOptions{
			BaseURL:   cfg.Feed.WSBaseURL,
			MaxStale:  models.Duration(cfg.Feed.MaxStaleMs, 3*time.Second),
			Reconnect: time.Duration(cfg.Feed.ReconnectSec) * time.Second,
			PongWait:  time.Duration(cfg.Feed.PongWaitSec) * time.Second,
		}, clk, m, log)
		go stream.Run(ctx)
		feed = stream
	}

	b := bot.New(bot.Deps{
		Exchange: ex,
		Feed:     feed,
		State:    statemanager.NewStateManager(store, clk, m, log),
		Journal:  journal,
		Clock:    clk,
		Metrics:  m,
		Logger:   log,
		Timing:   timing,
	})

	var out *bot.Outcome
	if resume {
		out, err = b.Resume(ctx, cfg.Trade.Market)
	} else {
		out, err = b.Run(ctx, cfg.Trade)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("收到退出信号，交易状态已保存，可使用 -action resume 继续")
			return nil
		}
		if errors.Is(err, exchange.ErrReplayExhausted) {
			log.Warn("K线数据已回放完毕，交易会话尚未结束")
			s, gerr := store.Get(cfg.Trade.Market)
			if gerr != nil {
				return gerr
			}
			if s != nil {
				reporter.RenderSession(os.Stdout, s)
			}
			return nil
		}
		return err
	}

	log.Info("交易周期结束", zap.String("result", string(out.Result)))
	reporter.RenderSession(os.Stdout, out.Session)
	return nil
}

// newSimExchange loads the kline replay and seeds the simulated account.
func newSimExchange(cfg *models.Config) (*exchange.SimExchange, *clock.Fake, error) {
	if cfg.Sim.DataPath == "" {
		return nil, nil, fmt.Errorf("模拟模式需要在 sim.data_path 中指定K线文件")
	}
	tickers, err := exchange.LoadKlineTickers(cfg.Sim.DataPath, cfg.Sim.Spread)
	if err != nil {
		return nil, nil, err
	}
	base, _, err := models.SplitMarket(cfg.Trade.Market)
	if err != nil {
		return nil, nil, err
	}

	fake := clock.NewFake(tickers[0].Time)
	sim := exchange.NewSimExchange(fake, map[string]float64{base: cfg.Sim.Balance}, models.FeeSchedule{
		Maker: cfg.Sim.MakerFee,
		Taker: cfg.Sim.TakerFee,
	})
	sim.Replay(tickers...)
	return sim, fake, nil
}

// showStatus prints the stored session and its order journal.
func showStatus(cfg *models.Config) error {
	store, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	s, err := store.Get(cfg.Trade.Market)
	if err != nil {
		return err
	}
	if s == nil {
		fmt.Printf("市场 %s 没有保存的交易会话\n", cfg.Trade.Market)
		return nil
	}
	reporter.RenderSession(os.Stdout, s)

	if cfg.JournalPath == "" {
		return nil
	}
	journal, err := storage.InitDB(cfg.JournalPath)
	if err != nil {
		return err
	}
	defer journal.Close()
	orders, err := journal.OrdersForMarket(cfg.Trade.Market)
	if err != nil {
		return err
	}
	if len(orders) > 0 {
		reporter.RenderJournal(os.Stdout, orders)
	}
	return nil
}

// download fetches klines of the configured market into sim.data_path.
func download(ctx context.Context, cfg *models.Config, startDate, endDate, interval string) error {
	startTime, err1 := time.Parse("2006-01-02", startDate)
	endTime, err2 := time.Parse("2006-01-02", endDate)
	if err1 != nil || err2 != nil {
		return fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
	}
	symbol, err := exchange.Symbol(cfg.Trade.Market)
	if err != nil {
		return err
	}

	path := cfg.Sim.DataPath
	if path == "" {
		path = downloader.FileName("data", symbol, interval, startTime, endTime)
	}
	if err := downloader.NewKlineDownloader(logger.L()).DownloadKlines(ctx, symbol, interval, path, startTime, endTime); err != nil {
		return fmt.Errorf("下载数据失败: %w", err)
	}
	logger.S().Infof("K线数据已保存到 %s，可在 sim.data_path 中使用", path)
	return nil
}
