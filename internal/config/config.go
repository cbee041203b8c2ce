package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"binance-trade-cycle-go/internal/models"

	"github.com/joho/godotenv"
)

// Credentials holds exchange API keys read from the environment.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	cfg := Default()
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config populated with the defaults used when a field is omitted.
func Default() *models.Config {
	return &models.Config{
		Mode:        "sim",
		DBPath:      "data/trades",
		JournalPath: "data/journal.db",
		Trade: models.TradeParams{
			SpendProportion:     0.01,
			PriceTolerance:      0.001,
			EntryTimeoutMinutes: 5,
			TakerFeeOK:          true,
		},
		Timing: models.TimingConfig{
			EntryPollMs:   200,
			ExitPollMs:    5000,
			StopPollMs:    1000,
			SweepMs:       200,
			SellRetryMs:   30000,
			RetryMs:       5000,
			OrderBookSize: 100,
		},
		Feed: models.FeedConfig{
			Source:       "rest",
			WSBaseURL:    "wss://stream.binance.com:9443",
			MaxStaleMs:   3000,
			ReconnectSec: 5,
			PongWaitSec:  60,
		},
		Sim: models.SimConfig{
			Balance:  10,
			MakerFee: 0.001,
			TakerFee: 0.001,
			Spread:   0.001,
		},
		LogConfig: models.LogConfig{Level: "info", Output: "console"},
	}
}

// Validate checks fields that do not depend on trade parameters.
func Validate(cfg *models.Config) error {
	switch strings.ToLower(cfg.Mode) {
	case "live", "sim":
	default:
		return fmt.Errorf("unknown mode %q, expected live or sim", cfg.Mode)
	}
	switch strings.ToLower(cfg.Feed.Source) {
	case "rest", "stream":
	default:
		return fmt.Errorf("unknown feed source %q, expected rest or stream", cfg.Feed.Source)
	}
	if cfg.DBPath == "" {
		return fmt.Errorf("db_path must be set")
	}
	return nil
}

// LoadCredentials 从 .env 文件或系统环境变量中读取API密钥
func LoadCredentials() (Credentials, bool, error) {
	fromFile := godotenv.Load() == nil

	creds := Credentials{
		APIKey:    os.Getenv("BINANCE_API_KEY"),
		SecretKey: os.Getenv("BINANCE_SECRET_KEY"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return creds, fromFile, fmt.Errorf("BINANCE_API_KEY and BINANCE_SECRET_KEY must be set")
	}
	return creds, fromFile, nil
}
