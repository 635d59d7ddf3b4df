package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// PyramidLevelSpec 分批止盈级别配置项
type PyramidLevelSpec struct {
	ProfitThresholdPct float64
	ExitFraction       float64
}

// Config 全部运行配置，从环境变量加载（支持 .env 文件）。
// 百分比一律小数表示 (0.05 = 5%)。
type Config struct {
	// 交易所
	BinanceAPIKey    string `validate:"required"`
	BinanceSecretKey string `validate:"required"`
	BinanceTestnet   bool
	SymbolSuffix     string `validate:"required"`

	// 持仓
	Leverage              int     `validate:"min=1,max=125"`
	MarginMode            string  `validate:"oneof=ISOLATED CROSSED"`
	StopLossPercent       float64 `validate:"gt=0,lt=1"`
	TrailingActivationPct float64 `validate:"gt=0,lt=1"`
	TrailingCallbackPct   float64 `validate:"gt=0,lt=1"`
	PyramidLevels         []PyramidLevelSpec `validate:"min=1"`
	WarningMarginRatio    float64 `validate:"gt=0,lt=1"`
	CriticalMarginRatio   float64 `validate:"gt=0,lt=1"`
	MonitorInterval       time.Duration `validate:"min=1s"`
	CallTimeout           time.Duration `validate:"min=1s"`

	// 信号聚合
	ConfluenceWindow time.Duration `validate:"min=1s"`
	MinScore         float64       `validate:"gte=0,lte=1"`
	SkewTolerance    time.Duration

	// 重试
	MaxRetryAttempts       int           `validate:"min=1"`
	MaxConsecutiveFailures int           `validate:"min=1"`
	RetryBackoff           time.Duration `validate:"min=1s"`

	// 风控
	MaxPositionPercent      float64 `validate:"gt=0,lte=1"`
	MaxTotalPositionPercent float64 `validate:"gt=0,lte=1"`
	MaxDailyTrades          int     `validate:"min=1"`
	MaxDailyLossPercent     float64 `validate:"gt=0,lt=1"`
	MinNotional             float64 `validate:"gte=0"`

	// 运行控制
	AutoTradingEnabled bool
	EmergencyStopFile  string
	CloseAllOnStop     bool

	// 接入与接口
	BridgeListenAddr string `validate:"required"`
	APIListenAddr    string `validate:"required"`

	// 通知
	TelegramToken  string
	TelegramChatID int64

	// 存储与日志
	DatabasePath string `validate:"required"`
	LogDir       string `validate:"required"`
	Debug        bool
}

// Load 加载配置：先读 .env（不存在则忽略），再读环境变量，最后校验
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
		BinanceSecretKey: os.Getenv("BINANCE_SECRET_KEY"),
		BinanceTestnet:   envBool("BINANCE_TESTNET", false),
		SymbolSuffix:     envStr("SYMBOL_SUFFIX", "USDT"),

		Leverage:              envInt("LEVERAGE", 10),
		MarginMode:            envStr("MARGIN_MODE", "ISOLATED"),
		StopLossPercent:       envFloat("STOP_LOSS_PERCENT", 0.02),
		TrailingActivationPct: envFloat("TRAILING_ACTIVATION_PERCENT", 0.02),
		TrailingCallbackPct:   envFloat("TRAILING_CALLBACK_PERCENT", 0.015),
		WarningMarginRatio:    envFloat("WARNING_MARGIN_RATIO", 0.30),
		CriticalMarginRatio:   envFloat("CRITICAL_MARGIN_RATIO", 0.20),
		MonitorInterval:       envDuration("MONITOR_INTERVAL", 10*time.Second),
		CallTimeout:           envDuration("CALL_TIMEOUT", 30*time.Second),

		ConfluenceWindow: envDuration("SIGNAL_TIME_WINDOW", 5*time.Minute),
		MinScore:         envFloat("MIN_SIGNAL_SCORE", 0.6),
		SkewTolerance:    envDuration("TIMESTAMP_SKEW_TOLERANCE", 30*time.Second),

		MaxRetryAttempts:       envInt("RETRY_MAX_ATTEMPTS", 3),
		MaxConsecutiveFailures: envInt("MAX_CONSECUTIVE_FAILURES", 10),
		RetryBackoff:           envDuration("RETRY_BACKOFF", 5*time.Second),

		MaxPositionPercent:      envFloat("MAX_POSITION_PERCENT", 0.05),
		MaxTotalPositionPercent: envFloat("MAX_TOTAL_POSITION_PERCENT", 0.25),
		MaxDailyTrades:          envInt("MAX_DAILY_TRADES", 15),
		MaxDailyLossPercent:     envFloat("MAX_DAILY_LOSS_PERCENT", 0.05),
		MinNotional:             envFloat("MIN_NOTIONAL", 5.0),

		AutoTradingEnabled: envBool("AUTO_TRADING_ENABLED", false),
		EmergencyStopFile:  envStr("EMERGENCY_STOP_FILE", "EMERGENCY_STOP"),
		CloseAllOnStop:     envBool("CLOSE_ALL_ON_STOP", false),

		BridgeListenAddr: envStr("BRIDGE_LISTEN_ADDR", ":9100"),
		APIListenAddr:    envStr("API_LISTEN_ADDR", ":8080"),

		TelegramToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID: envInt64("TELEGRAM_CHAT_ID", 0),

		DatabasePath: envStr("DB_PATH", "data/valuescan.db"),
		LogDir:       envStr("LOG_DIR", "logs"),
		Debug:        envBool("DEBUG", false),
	}

	levels, err := ParsePyramidLevels(envStr("PYRAMID_LEVELS", "0.03:0.3,0.05:0.3,0.08:0.4"))
	if err != nil {
		return nil, err
	}
	cfg.PyramidLevels = levels

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	if cfg.CriticalMarginRatio >= cfg.WarningMarginRatio {
		return nil, fmt.Errorf("配置校验失败: CRITICAL_MARGIN_RATIO 必须小于 WARNING_MARGIN_RATIO")
	}
	if cfg.TrailingCallbackPct >= cfg.TrailingActivationPct {
		return nil, fmt.Errorf("配置校验失败: 回撤比例必须小于激活比例")
	}
	return cfg, nil
}

// ParsePyramidLevels 解析 "阈值:比例,阈值:比例,..." 形式的级别配置，
// 例如 "0.03:0.3,0.05:0.3,0.08:0.4"
func ParsePyramidLevels(raw string) ([]PyramidLevelSpec, error) {
	parts := strings.Split(strings.TrimSpace(raw), ",")
	levels := make([]PyramidLevelSpec, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) != 2 {
			return nil, fmt.Errorf("PYRAMID_LEVELS 格式错误: %q (应为 阈值:比例)", part)
		}
		threshold, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("PYRAMID_LEVELS 阈值非法: %q", fields[0])
		}
		fraction, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("PYRAMID_LEVELS 比例非法: %q", fields[1])
		}
		levels = append(levels, PyramidLevelSpec{ProfitThresholdPct: threshold, ExitFraction: fraction})
	}

	if len(levels) == 0 {
		return nil, fmt.Errorf("PYRAMID_LEVELS 不能为空")
	}
	return levels, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
