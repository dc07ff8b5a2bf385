package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full process configuration: one pair of venue
// credentials (MEXC spot, Gate.io futures), the trading thresholds for
// every symbol this process runs, and the ambient stack (logging,
// snapshot, admin server).
type Config struct {
	MEXC     VenueCredentials
	GateIO   VenueCredentials
	Trading  TradingConfig
	Snapshot SnapshotConfig
	Admin    AdminConfig
	Logging  LoggingConfig
}

// VenueCredentials is what a REST/WS client needs to authenticate
// against one venue.
type VenueCredentials struct {
	APIKey    string
	APISecret string
	BaseURL   string
	WSPublic  string
	WSPrivate string
}

// TradingConfig governs which symbols are traded and with what
// thresholds. Symbols is a comma-separated BASE_QUOTE list
// (e.g. "BTC_USDT,ETH_USDT"); every symbol runs under the same
// thresholds in this deployment shape.
type TradingConfig struct {
	Symbols               []string
	BasePositionSizeQuote float64
	MaxPositionMultiplier float64
	FuturesLeverage       float64
	MaxEntryCostPct       float64
	ExitThresholdPct      float64
	DeltaTolerancePct     float64
	MaxHoldDuration       time.Duration

	WSReconnectDelay time.Duration
	WSPingInterval   time.Duration
	WSReadTimeout    time.Duration

	MaxRetries   int
	RetryBackoff time.Duration
	OrderTimeout time.Duration
}

// SnapshotConfig governs the snapshot manager.
type SnapshotConfig struct {
	Dir           string
	Interval      time.Duration
	RetainPerTask int
}

// AdminConfig governs the operator HTTP surface (internal/adminserver).
type AdminConfig struct {
	ListenAddr string
}

// LoggingConfig governs internal/obslog.
type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads Config from the process environment.
func Load() (*Config, error) {
	cfg := &Config{
		MEXC: VenueCredentials{
			APIKey:    getEnv("MEXC_API_KEY", ""),
			APISecret: getEnv("MEXC_API_SECRET", ""),
			BaseURL:   getEnv("MEXC_BASE_URL", "https://api.mexc.com"),
			WSPublic:  getEnv("MEXC_WS_PUBLIC", "wss://wbs-api.mexc.com/ws"),
			WSPrivate: getEnv("MEXC_WS_PRIVATE", "wss://wbs-api.mexc.com/ws"),
		},
		GateIO: VenueCredentials{
			APIKey:    getEnv("GATEIO_API_KEY", ""),
			APISecret: getEnv("GATEIO_API_SECRET", ""),
			BaseURL:   getEnv("GATEIO_BASE_URL", "https://api.gateio.ws/api/v4"),
			WSPublic:  getEnv("GATEIO_WS_PUBLIC", "wss://fx-ws.gateio.ws/v4/ws/usdt"),
			WSPrivate: getEnv("GATEIO_WS_PRIVATE", "wss://fx-ws.gateio.ws/v4/ws/usdt"),
		},
		Trading: TradingConfig{
			Symbols:               splitCSV(getEnv("TRADING_SYMBOLS", "BTC_USDT")),
			BasePositionSizeQuote: getEnvAsFloat("BASE_POSITION_SIZE_QUOTE", 20),
			MaxPositionMultiplier: getEnvAsFloat("MAX_POSITION_MULTIPLIER", 1),
			FuturesLeverage:       getEnvAsFloat("FUTURES_LEVERAGE", 1),
			MaxEntryCostPct:       getEnvAsFloat("MAX_ENTRY_COST_PCT", -0.10),
			ExitThresholdPct:      getEnvAsFloat("EXIT_THRESHOLD_PCT", 0.03),
			DeltaTolerancePct:     getEnvAsFloat("DELTA_TOLERANCE_PCT", 0.02),
			MaxHoldDuration:       getEnvAsDuration("MAX_HOLD_DURATION", 0),

			WSReconnectDelay: getEnvAsDuration("WS_RECONNECT_DELAY", 1*time.Second),
			WSPingInterval:   getEnvAsDuration("WS_PING_INTERVAL", 15*time.Second),
			WSReadTimeout:    getEnvAsDuration("WS_READ_TIMEOUT", 30*time.Second),

			MaxRetries:   getEnvAsInt("MAX_RETRIES", 4),
			RetryBackoff: getEnvAsDuration("RETRY_BACKOFF", 500*time.Millisecond),
			OrderTimeout: getEnvAsDuration("ORDER_TIMEOUT", 5*time.Second),
		},
		Snapshot: SnapshotConfig{
			Dir:           getEnv("SNAPSHOT_DIR", "./data/snapshots"),
			Interval:      getEnvAsDuration("SNAPSHOT_INTERVAL", 10*time.Second),
			RetainPerTask: getEnvAsInt("SNAPSHOT_RETAIN", 10),
		},
		Admin: AdminConfig{
			ListenAddr: getEnv("ADMIN_LISTEN_ADDR", ":9090"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if len(cfg.Trading.Symbols) == 0 {
		return nil, fmt.Errorf("TRADING_SYMBOLS must list at least one symbol")
	}
	if cfg.MEXC.APIKey == "" || cfg.MEXC.APISecret == "" {
		return nil, fmt.Errorf("MEXC_API_KEY and MEXC_API_SECRET are required")
	}
	if cfg.GateIO.APIKey == "" || cfg.GateIO.APISecret == "" {
		return nil, fmt.Errorf("GATEIO_API_KEY and GATEIO_API_SECRET are required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
