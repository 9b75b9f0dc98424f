package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/vitos/risk_lifecycle/internal/domain"
	"github.com/vitos/risk_lifecycle/internal/infrastructure/exchange"
	"github.com/vitos/risk_lifecycle/internal/infrastructure/retry"
	"github.com/vitos/risk_lifecycle/internal/usecase"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Exchange struct {
		Name         string `yaml:"name"`
		APIKey       string `yaml:"api_key"`
		APISecret    string `yaml:"api_secret"`
		RESTEndpoint string `yaml:"rest_endpoint"`
		RecvWindowMs int    `yaml:"recv_window_ms"`
		TimeoutMs    int    `yaml:"timeout_ms"`
		RateLimit    struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"rate_limit"`
		Retry struct {
			MaxRetries  int     `yaml:"max_retries"`
			BaseDelayMs int     `yaml:"base_delay_ms"`
			MaxDelayMs  int     `yaml:"max_delay_ms"`
			Multiplier  float64 `yaml:"multiplier"`
		} `yaml:"retry"`
	} `yaml:"exchange"`
	Lifecycle struct {
		PollIntervalMs      int    `yaml:"poll_interval_ms"`
		ReconcileIntervalMs int    `yaml:"reconcile_interval_ms"`
		TransitionTimeoutMs int    `yaml:"transition_timeout_ms"`
		RearmAttempts       int    `yaml:"rearm_attempts"`
		QuoteAsset          string `yaml:"quote_asset"`
		ModeTTLMs           int    `yaml:"mode_ttl_ms"`
	} `yaml:"lifecycle"`
	Calculator struct {
		ReferenceATRPct  float64            `yaml:"reference_atr_pct"`
		BaseLeverage     float64            `yaml:"base_leverage"`
		MaxLeverage      int                `yaml:"max_leverage"`
		CallbackRatio    float64            `yaml:"callback_ratio"`
		LadderThresholds []float64          `yaml:"ladder_thresholds"`
		LadderPortions   []float64          `yaml:"ladder_portions"`
		Regimes          map[string]float64 `yaml:"regimes"`
	} `yaml:"calculator"`
	Tiers   []TierConfig `yaml:"tiers"`
	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
	Storage struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
		DSN    string `yaml:"dsn"`
	} `yaml:"storage"`
	Events struct {
		Buffer int `yaml:"buffer"`
	} `yaml:"events"`
}

// TierConfig is one row of the tier table. Pointers tell a missing field
// from an explicit zero.
type TierConfig struct {
	Floor           *float64 `yaml:"floor"`
	RiskLevel       string   `yaml:"risk_level"`
	RiskPerTradePct *float64 `yaml:"risk_per_trade_pct"`
	LeverageBoost   *float64 `yaml:"leverage_boost"`
	TPMultiplier    *float64 `yaml:"tp_multiplier"`
	MaxPositions    *int     `yaml:"max_positions"`
	BaseLeverage    float64  `yaml:"base_leverage"`
}

// Load reads the YAML config at path. A .env file next to the binary, if
// present, is loaded first; BINANCE_* variables override the YAML secrets.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		c.Exchange.APIKey = v
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		c.Exchange.APISecret = v
	}
	if v := os.Getenv("BINANCE_BASE_URL"); v != "" {
		c.Exchange.RESTEndpoint = v
	}
}

func (c *Config) applyDefaults() {
	if c.Exchange.Name == "" {
		c.Exchange.Name = "binance"
	}
	if c.Exchange.RateLimit.RequestsPerSecond == 0 {
		c.Exchange.RateLimit.RequestsPerSecond = 10
	}
	if c.Exchange.RateLimit.Burst == 0 {
		c.Exchange.RateLimit.Burst = 20
	}
	def := retry.DefaultConfig()
	if c.Exchange.Retry.MaxRetries == 0 {
		c.Exchange.Retry.MaxRetries = def.MaxRetries
	}
	if c.Exchange.Retry.BaseDelayMs == 0 {
		c.Exchange.Retry.BaseDelayMs = int(def.InitialDelay.Milliseconds())
	}
	if c.Exchange.Retry.MaxDelayMs == 0 {
		c.Exchange.Retry.MaxDelayMs = int(def.MaxDelay.Milliseconds())
	}
	if c.Exchange.Retry.Multiplier == 0 {
		c.Exchange.Retry.Multiplier = def.Multiplier
	}

	lc := usecase.DefaultLifecycleConfig()
	if c.Lifecycle.PollIntervalMs == 0 {
		c.Lifecycle.PollIntervalMs = int(lc.PollInterval.Milliseconds())
	}
	if c.Lifecycle.ReconcileIntervalMs == 0 {
		c.Lifecycle.ReconcileIntervalMs = int(lc.ReconcileInterval.Milliseconds())
	}
	if c.Lifecycle.TransitionTimeoutMs == 0 {
		c.Lifecycle.TransitionTimeoutMs = int(lc.TransitionTimeout.Milliseconds())
	}
	if c.Lifecycle.RearmAttempts == 0 {
		c.Lifecycle.RearmAttempts = lc.RearmAttempts
	}
	if c.Lifecycle.QuoteAsset == "" {
		c.Lifecycle.QuoteAsset = lc.QuoteAsset
	}
	if c.Lifecycle.ModeTTLMs == 0 {
		c.Lifecycle.ModeTTLMs = int(usecase.DefaultModeTTL.Milliseconds())
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite3"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "lifecycle.db"
	}
	if v := os.Getenv("DATABASE_URL"); v != "" && c.Storage.DSN == "" {
		c.Storage.DSN = v
	}
	if c.Events.Buffer == 0 {
		c.Events.Buffer = 256
	}
}

// Validate reports every problem at once. Any error is fatal at startup.
func (c *Config) Validate() error {
	var errs []error
	if c.Lifecycle.PollIntervalMs < 5000 || c.Lifecycle.PollIntervalMs > 60000 {
		errs = append(errs, fmt.Errorf("lifecycle.poll_interval_ms must be within [5000, 60000], got %d", c.Lifecycle.PollIntervalMs))
	}
	if c.Lifecycle.ReconcileIntervalMs < c.Lifecycle.PollIntervalMs {
		errs = append(errs, fmt.Errorf("lifecycle.reconcile_interval_ms must not be below the poll interval"))
	}
	if c.Lifecycle.RearmAttempts < 1 {
		errs = append(errs, fmt.Errorf("lifecycle.rearm_attempts must be positive"))
	}
	if c.Exchange.RateLimit.RequestsPerSecond < 0 || c.Exchange.RateLimit.Burst < 0 {
		errs = append(errs, fmt.Errorf("exchange.rate_limit must not be negative"))
	}
	if c.Exchange.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("exchange.retry.max_retries must not be negative"))
	}
	switch c.Storage.Driver {
	case "sqlite3", "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver))
	}
	if _, err := c.BuildTiers(); err != nil {
		errs = append(errs, err)
	}
	if _, err := usecase.NewRiskCalculator(c.CalculatorConfig()); err != nil {
		errs = append(errs, fmt.Errorf("calculator: %w", err))
	}
	for name := range c.Calculator.Regimes {
		if string(domain.ParseRegime(name)) != strings.ToUpper(strings.TrimSpace(name)) {
			errs = append(errs, fmt.Errorf("calculator.regimes: unknown regime %q", name))
		}
	}
	return errors.Join(errs...)
}

// BuildTiers converts the tier table, falling back to the built-in table
// when the config has none.
func (c *Config) BuildTiers() ([]domain.AccountTier, error) {
	if len(c.Tiers) == 0 {
		return usecase.DefaultTiers(), nil
	}
	tiers := make([]domain.AccountTier, 0, len(c.Tiers))
	for i, t := range c.Tiers {
		var missing []string
		if t.Floor == nil {
			missing = append(missing, "floor")
		}
		if t.RiskLevel == "" {
			missing = append(missing, "risk_level")
		}
		if t.RiskPerTradePct == nil {
			missing = append(missing, "risk_per_trade_pct")
		}
		if t.LeverageBoost == nil {
			missing = append(missing, "leverage_boost")
		}
		if t.TPMultiplier == nil {
			missing = append(missing, "tp_multiplier")
		}
		if t.MaxPositions == nil {
			missing = append(missing, "max_positions")
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("%w: tier %d missing %s", domain.ErrInvalidTierConfig, i, strings.Join(missing, ", "))
		}
		level, err := domain.ParseRiskLevel(t.RiskLevel)
		if err != nil {
			return nil, fmt.Errorf("%w: tier %d: %v", domain.ErrInvalidTierConfig, i, err)
		}
		tiers = append(tiers, domain.AccountTier{
			BalanceFloor:    *t.Floor,
			RiskLevel:       level,
			RiskPerTradePct: *t.RiskPerTradePct,
			LeverageBoost:   *t.LeverageBoost,
			TPMultiplier:    *t.TPMultiplier,
			MaxPositions:    *t.MaxPositions,
			BaseLeverage:    t.BaseLeverage,
		})
	}
	if err := usecase.ValidateTiers(tiers); err != nil {
		return nil, err
	}
	return tiers, nil
}

// CalculatorConfig overlays the YAML calculator section on the defaults.
func (c *Config) CalculatorConfig() usecase.CalculatorConfig {
	out := usecase.DefaultCalculatorConfig()
	cc := c.Calculator
	if cc.ReferenceATRPct != 0 {
		out.ReferenceATRPct = cc.ReferenceATRPct
	}
	if cc.BaseLeverage != 0 {
		out.BaseLeverage = cc.BaseLeverage
	}
	if cc.MaxLeverage != 0 {
		out.MaxLeverage = cc.MaxLeverage
	}
	if cc.CallbackRatio != 0 {
		out.CallbackRatio = cc.CallbackRatio
	}
	if len(cc.LadderThresholds) > 0 {
		out.LadderThresholds = cc.LadderThresholds
	}
	if len(cc.LadderPortions) > 0 {
		out.LadderPortions = cc.LadderPortions
	}
	for name, mult := range cc.Regimes {
		out.Regimes[domain.ParseRegime(name)] = mult
	}
	return out
}

func (c *Config) LifecycleConfig() usecase.LifecycleConfig {
	return usecase.LifecycleConfig{
		PollInterval:      time.Duration(c.Lifecycle.PollIntervalMs) * time.Millisecond,
		ReconcileInterval: time.Duration(c.Lifecycle.ReconcileIntervalMs) * time.Millisecond,
		TransitionTimeout: time.Duration(c.Lifecycle.TransitionTimeoutMs) * time.Millisecond,
		RearmAttempts:     c.Lifecycle.RearmAttempts,
		QuoteAsset:        c.Lifecycle.QuoteAsset,
	}
}

func (c *Config) ModeTTL() time.Duration {
	return time.Duration(c.Lifecycle.ModeTTLMs) * time.Millisecond
}

func (c *Config) RetryConfig() retry.Config {
	return retry.Config{
		MaxRetries:   c.Exchange.Retry.MaxRetries,
		InitialDelay: time.Duration(c.Exchange.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(c.Exchange.Retry.MaxDelayMs) * time.Millisecond,
		Multiplier:   c.Exchange.Retry.Multiplier,
	}
}

func (c *Config) BinanceConfig() exchange.BinanceConfig {
	return exchange.BinanceConfig{
		APIKey:            c.Exchange.APIKey,
		APISecret:         c.Exchange.APISecret,
		BaseURL:           c.Exchange.RESTEndpoint,
		RecvWindow:        time.Duration(c.Exchange.RecvWindowMs) * time.Millisecond,
		Timeout:           time.Duration(c.Exchange.TimeoutMs) * time.Millisecond,
		RequestsPerSecond: c.Exchange.RateLimit.RequestsPerSecond,
		Burst:             c.Exchange.RateLimit.Burst,
		Retry:             c.RetryConfig(),
	}
}

// MaskedKey returns the API key with all but the first four characters hidden.
func (c *Config) MaskedKey() string {
	k := c.Exchange.APIKey
	if len(k) <= 4 {
		return strings.Repeat("*", len(k))
	}
	return k[:4] + strings.Repeat("*", len(k)-4)
}

// StorageDSN is the file path for sqlite and the connection string otherwise.
func (c *Config) StorageDSN() string {
	if c.Storage.Driver == "postgres" {
		return c.Storage.DSN
	}
	return c.Storage.Path
}
