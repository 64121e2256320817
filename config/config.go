package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"trailbot/internal/adapters/logger"
)

// PairConfig is the per-pair trading configuration from the pairs file.
// Percent fields ending in Pct are fractions (0.02 means 2%) except
// PositionSizePct, which is percent points of total capital like the
// portfolio limits (5 means 5%).
type PairConfig struct {
	ProductID             string
	VenueSymbol           string
	CorrelationGroup      string
	TrailPct              decimal.Decimal
	StopLimitBufferPct    decimal.Decimal
	MinRatchet            decimal.Decimal
	StopEscalationStepPct decimal.Decimal
	MaxEntryWaitCandles   int
	StopTimeout           time.Duration
	PositionSizePct       decimal.Decimal
}

// PortfolioConfig holds portfolio-wide risk limits. Percent fields are
// percent points: 5 means 5% of total capital.
type PortfolioConfig struct {
	TotalCapital                decimal.Decimal
	MaxPositionSizePct          decimal.Decimal
	MaxPositions                int
	MaxCorrelatedExposurePct    decimal.Decimal
	RebalanceThresholdPct       decimal.Decimal
	EmergencyLiquidationLossPct decimal.Decimal
}

// RateLimitConfig caps venue request rates per endpoint class.
type RateLimitConfig struct {
	OrdersPerSecond  int
	DefaultPerSecond int
}

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Database
	DBPath string

	// Logging
	LogLevel  logger.LogLevel
	LogFormat string // "std" or "zap"

	// Pairs file
	PairsConfigPath string
	Pairs           []PairConfig
	Portfolio       PortfolioConfig
	RateLimit       RateLimitConfig
}

// Symbols returns the product ID to venue symbol mapping for the
// exchange adapter.
func (c *Config) Symbols() map[string]string {
	out := make(map[string]string, len(c.Pairs))
	for _, p := range c.Pairs {
		out[p.ProductID] = p.VenueSymbol
	}
	return out
}

// Pair returns the configuration for one product ID.
func (c *Config) Pair(productID string) (PairConfig, bool) {
	for _, p := range c.Pairs {
		if p.ProductID == productID {
			return p, true
		}
	}
	return PairConfig{}, false
}

// LoadConfig loads configuration from environment variables (.env file)
// and the YAML pairs file named by PAIRS_CONFIG.
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []string

	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	cfg.DBPath = getEnv("DB_PATH", "./data/trailbot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "std"))
	if cfg.LogFormat != "std" && cfg.LogFormat != "zap" {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT must be 'std' or 'zap', got %q", cfg.LogFormat))
	}

	cfg.PairsConfigPath = getEnv("PAIRS_CONFIG", "./config/pairs.yaml")
	if err := cfg.loadPairsFile(cfg.PairsConfigPath); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// yamlPair mirrors one pairs-file entry. Money fields come in as strings
// so decimal values survive parsing exactly.
type yamlPair struct {
	ProductID             string `yaml:"product_id" validate:"required"`
	VenueSymbol           string `yaml:"venue_symbol" validate:"required"`
	CorrelationGroup      string `yaml:"correlation_group" validate:"required"`
	TrailPct              string `yaml:"trail_pct" validate:"required"`
	StopLimitBufferPct    string `yaml:"stop_limit_buffer_pct" validate:"required"`
	MinRatchet            string `yaml:"min_ratchet"`
	StopEscalationStepPct string `yaml:"stop_escalation_step_pct"`
	MaxEntryWaitCandles   int    `yaml:"max_entry_wait_candles" validate:"gte=0"`
	StopTimeoutSeconds    int    `yaml:"stop_timeout_seconds" validate:"gte=0"`
	PositionSizePct       string `yaml:"position_size_pct" validate:"required"`
}

type yamlPortfolio struct {
	TotalCapital                string `yaml:"total_capital" validate:"required"`
	MaxPositionSizePct          string `yaml:"max_position_size_pct" validate:"required"`
	MaxPositions                int    `yaml:"max_positions" validate:"required,gt=0"`
	MaxCorrelatedExposurePct    string `yaml:"max_correlated_exposure_pct" validate:"required"`
	RebalanceThresholdPct       string `yaml:"rebalance_threshold_pct"`
	EmergencyLiquidationLossPct string `yaml:"emergency_liquidation_loss_pct"`
}

type yamlRateLimit struct {
	OrdersPerSecond  int `yaml:"orders_per_second" validate:"gte=0"`
	DefaultPerSecond int `yaml:"default_per_second" validate:"gte=0"`
}

type pairsFile struct {
	Pairs     []yamlPair    `yaml:"pairs" validate:"required,min=1,dive"`
	Portfolio yamlPortfolio `yaml:"portfolio" validate:"required"`
	RateLimit yamlRateLimit `yaml:"rate_limit"`
}

func (c *Config) loadPairsFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pairs config %s: %w", path, err)
	}
	var f pairsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse pairs config %s: %w", path, err)
	}
	if err := validator.New().Struct(&f); err != nil {
		return fmt.Errorf("validate pairs config %s: %w", path, err)
	}

	var errs []string
	money := func(key, val, def string) decimal.Decimal {
		if val == "" {
			val = def
		}
		d, err := decimal.NewFromString(val)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid decimal %q for %s", val, key))
			return decimal.Zero
		}
		return d
	}

	seen := make(map[string]bool, len(f.Pairs))
	for _, yp := range f.Pairs {
		if seen[yp.ProductID] {
			errs = append(errs, fmt.Sprintf("duplicate pair %s", yp.ProductID))
			continue
		}
		seen[yp.ProductID] = true

		p := PairConfig{
			ProductID:             yp.ProductID,
			VenueSymbol:           yp.VenueSymbol,
			CorrelationGroup:      yp.CorrelationGroup,
			TrailPct:              money(yp.ProductID+".trail_pct", yp.TrailPct, ""),
			StopLimitBufferPct:    money(yp.ProductID+".stop_limit_buffer_pct", yp.StopLimitBufferPct, ""),
			MinRatchet:            money(yp.ProductID+".min_ratchet", yp.MinRatchet, "0.001"),
			StopEscalationStepPct: money(yp.ProductID+".stop_escalation_step_pct", yp.StopEscalationStepPct, "0.002"),
			MaxEntryWaitCandles:   yp.MaxEntryWaitCandles,
			StopTimeout:           time.Duration(yp.StopTimeoutSeconds) * time.Second,
			PositionSizePct:       money(yp.ProductID+".position_size_pct", yp.PositionSizePct, ""),
		}
		if p.TrailPct.LessThanOrEqual(decimal.Zero) || p.TrailPct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			errs = append(errs, fmt.Sprintf("%s: trail_pct must be in (0, 1), got %s", p.ProductID, p.TrailPct))
		}
		if p.StopLimitBufferPct.IsNegative() {
			errs = append(errs, fmt.Sprintf("%s: stop_limit_buffer_pct cannot be negative", p.ProductID))
		}
		if p.PositionSizePct.LessThanOrEqual(decimal.Zero) {
			errs = append(errs, fmt.Sprintf("%s: position_size_pct must be positive", p.ProductID))
		}
		c.Pairs = append(c.Pairs, p)
	}

	c.Portfolio = PortfolioConfig{
		TotalCapital:                money("portfolio.total_capital", f.Portfolio.TotalCapital, ""),
		MaxPositionSizePct:          money("portfolio.max_position_size_pct", f.Portfolio.MaxPositionSizePct, ""),
		MaxPositions:                f.Portfolio.MaxPositions,
		MaxCorrelatedExposurePct:    money("portfolio.max_correlated_exposure_pct", f.Portfolio.MaxCorrelatedExposurePct, ""),
		RebalanceThresholdPct:       money("portfolio.rebalance_threshold_pct", f.Portfolio.RebalanceThresholdPct, "2"),
		EmergencyLiquidationLossPct: money("portfolio.emergency_liquidation_loss_pct", f.Portfolio.EmergencyLiquidationLossPct, "10"),
	}
	if c.Portfolio.TotalCapital.LessThanOrEqual(decimal.Zero) {
		errs = append(errs, "portfolio.total_capital must be positive")
	}

	c.RateLimit = RateLimitConfig{
		OrdersPerSecond:  f.RateLimit.OrdersPerSecond,
		DefaultPerSecond: f.RateLimit.DefaultPerSecond,
	}
	if c.RateLimit.OrdersPerSecond == 0 {
		c.RateLimit.OrdersPerSecond = 15
	}
	if c.RateLimit.DefaultPerSecond == 0 {
		c.RateLimit.DefaultPerSecond = 10
	}

	if len(errs) > 0 {
		return fmt.Errorf("pairs config %s: %s", path, strings.Join(errs, "; "))
	}
	return nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
