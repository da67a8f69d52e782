// Package config loads the hedge engine configuration from YAML.
//
// Values may reference environment variables as ${VAR}. A handful of
// deployment settings (PORT, DATABASE_URL, REDIS_URL, KAFKA_BROKERS) can
// also be overridden directly from the environment.
package config

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tonsurance/hedge-engine/internal/coordinator"
	"github.com/tonsurance/hedge-engine/internal/keeper"
	"github.com/tonsurance/hedge-engine/internal/model"
	"github.com/tonsurance/hedge-engine/internal/montecarlo"
	"github.com/tonsurance/hedge-engine/internal/optimizer"
	"github.com/tonsurance/hedge-engine/internal/pricing"
	"github.com/tonsurance/hedge-engine/internal/report"
	"github.com/tonsurance/hedge-engine/internal/risk"
	"github.com/tonsurance/hedge-engine/internal/venue"
)

// Config is the top-level configuration.
type Config struct {
	Server           ServerConfig                 `yaml:"server"`
	Database         DatabaseConfig               `yaml:"database"`
	Redis            RedisConfig                  `yaml:"redis"`
	Kafka            KafkaConfig                  `yaml:"kafka"`
	Identities       IdentitiesConfig             `yaml:"identities"`
	Venues           map[model.Venue]VenueConfig  `yaml:"venues"`
	Optimizer        OptimizerConfig              `yaml:"optimizer"`
	Risk             RiskConfig                   `yaml:"risk"`
	Pricing          PricingConfig                `yaml:"pricing"`
	MonteCarlo       MonteCarloConfig             `yaml:"montecarlo"`
	Report           ReportConfig                 `yaml:"report"`
	Scenarios        []model.Scenario             `yaml:"scenarios"`
	HistoricalEvents []montecarlo.HistoricalEvent `yaml:"historical_events"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures PostgreSQL. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL     string `yaml:"url"`
	Migrate bool   `yaml:"migrate"`
}

// RedisConfig configures the read-through cache and the quote book.
type RedisConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// KafkaConfig configures the reserve refill topic. No brokers selects the
// in-memory sink.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// IdentitiesConfig is the ledger caller allow-list.
type IdentitiesConfig struct {
	Factory      string                 `yaml:"factory"`
	ReserveVault string                 `yaml:"reserve_vault"`
	Keepers      map[model.Venue]string `yaml:"keepers"`
}

// VenueConfig configures one venue's connector and keeper. An empty
// BaseURL runs the venue against the in-process simulator.
type VenueConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	RateLimit         float64       `yaml:"rate_limit"` // requests per second, 0 = unlimited
	RateBurst         int           `yaml:"rate_burst"`
	BreakerFailures   uint32        `yaml:"breaker_failures"`
	BreakerTimeout    time.Duration `yaml:"breaker_timeout"`
	KeeperInterval    time.Duration `yaml:"keeper_interval"`
	KeeperConcurrency int           `yaml:"keeper_concurrency"`
	KeeperTimeout     time.Duration `yaml:"keeper_timeout"`

	LiquidationRetries    int           `yaml:"liquidation_retries"`
	LiquidationRetryDelay time.Duration `yaml:"liquidation_retry_delay"`
}

// OptimizerConfig bounds per-venue allocation shares.
type OptimizerConfig struct {
	MinShare      float64 `yaml:"min_share"`
	MaxShare      float64 `yaml:"max_share"`
	MinConfidence float64 `yaml:"min_confidence"`
	Epsilon       float64 `yaml:"epsilon"`
}

// RiskConfig configures exposure tracking and underwriting limits.
type RiskConfig struct {
	HedgeRatio         float64                        `yaml:"hedge_ratio"`
	RebalanceThreshold float64                        `yaml:"rebalance_threshold"`
	MaxPerAsset        float64                        `yaml:"max_per_asset"` // 0 = unlimited
	MaxPerType         map[model.CoverageType]float64 `yaml:"max_per_type"`
}

// PricingConfig configures the oracle and quoting.
type PricingConfig struct {
	StalenessBound  time.Duration                  `yaml:"staleness_bound"`
	FreshnessWindow time.Duration                  `yaml:"freshness_window"`
	Weights         map[model.Venue]float64        `yaml:"weights"`
	BaseRates       map[model.CoverageType]float64 `yaml:"base_rates"`
	ProtocolMargin  float64                        `yaml:"protocol_margin"`
	UpdateInterval  time.Duration                  `yaml:"update_interval"`
	UpdateTimeout   time.Duration                  `yaml:"update_timeout"`
}

// MonteCarloConfig configures the risk engine.
type MonteCarloConfig struct {
	BaseSimulations    int           `yaml:"base_simulations"`
	Seed               uint64        `yaml:"seed"`
	Workers            int           `yaml:"workers"`
	BaseVolatility     float64       `yaml:"base_volatility"`
	BaseCorrelation    float64       `yaml:"base_correlation"`
	Confidence         float64       `yaml:"confidence"`
	CapitalAlert       float64       `yaml:"capital_alert"`
	HistoricalHalfLife time.Duration `yaml:"historical_half_life"`
}

// ReportConfig configures the risk report job.
type ReportConfig struct {
	Schedule          string             `yaml:"schedule"` // cron spec with seconds
	Timeout           time.Duration      `yaml:"timeout"`
	Capital           float64            `yaml:"capital"`
	VaRAlertFraction  float64            `yaml:"var_alert_fraction"`
	HedgeRatioFloor   float64            `yaml:"hedge_ratio_floor"`
	HedgeRatioCeiling float64            `yaml:"hedge_ratio_ceiling"`
	ApplyHedgeRatio   bool               `yaml:"apply_hedge_ratio"`
	Prices            map[string]float64 `yaml:"prices"`
	Float             map[string]float64 `yaml:"float"`
}

// Default returns a fully defaulted configuration, used when no config
// file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// --- Component views ---

// CoordinatorIdentities returns the ledger allow-list.
func (c *Config) CoordinatorIdentities() coordinator.Identities {
	keepers := make(map[model.Venue]string, len(c.Identities.Keepers))
	for v, id := range c.Identities.Keepers {
		keepers[v] = id
	}
	return coordinator.Identities{
		Factory:      c.Identities.Factory,
		Keepers:      keepers,
		ReserveVault: c.Identities.ReserveVault,
	}
}

// KeeperConfig returns the keeper configuration for v.
func (c *Config) KeeperConfig(v model.Venue) keeper.Config {
	cfg := keeper.DefaultConfig(v)
	cfg.Identity = c.Identities.Keepers[v]
	vc := c.Venues[v]
	if vc.KeeperInterval > 0 {
		cfg.Interval = vc.KeeperInterval
	}
	if vc.KeeperConcurrency > 0 {
		cfg.Concurrency = vc.KeeperConcurrency
	}
	if vc.KeeperTimeout > 0 {
		cfg.Timeout = vc.KeeperTimeout
	}
	if vc.LiquidationRetries > 0 {
		cfg.LiquidationRetries = vc.LiquidationRetries
	}
	if vc.LiquidationRetryDelay > 0 {
		cfg.RetryDelay = vc.LiquidationRetryDelay
	}
	return cfg
}

// OptimizerConstraints returns the allocation bounds.
func (c *Config) OptimizerConstraints() optimizer.Constraints {
	return optimizer.Constraints{
		MinShare:      decimal.NewFromFloat(c.Optimizer.MinShare),
		MaxShare:      decimal.NewFromFloat(c.Optimizer.MaxShare),
		MinConfidence: c.Optimizer.MinConfidence,
		Epsilon:       decimal.NewFromFloat(c.Optimizer.Epsilon),
	}
}

// RiskConfig returns the risk calculator configuration.
func (c *Config) RiskConfig() risk.Config {
	return risk.Config{
		HedgeRatio:         decimal.NewFromFloat(c.Risk.HedgeRatio),
		RebalanceThreshold: decimal.NewFromFloat(c.Risk.RebalanceThreshold),
		Constraints:        c.OptimizerConstraints(),
	}
}

// ConcentrationLimiter returns the underwriting limiter.
func (c *Config) ConcentrationLimiter() *risk.ConcentrationLimiter {
	perType := make(map[model.CoverageType]decimal.Decimal, len(c.Risk.MaxPerType))
	for ct, limit := range c.Risk.MaxPerType {
		perType[ct] = decimal.NewFromFloat(limit)
	}
	return risk.NewConcentrationLimiter(decimal.NewFromFloat(c.Risk.MaxPerAsset), perType)
}

// PricingConfig returns the oracle configuration.
func (c *Config) PricingConfig() pricing.Config {
	weights := make(map[model.Venue]decimal.Decimal, len(c.Pricing.Weights))
	for v, w := range c.Pricing.Weights {
		weights[v] = decimal.NewFromFloat(w)
	}
	rates := make(map[model.CoverageType]decimal.Decimal, len(c.Pricing.BaseRates))
	for ct, r := range c.Pricing.BaseRates {
		rates[ct] = decimal.NewFromFloat(r)
	}
	return pricing.Config{
		StalenessBound:  c.Pricing.StalenessBound,
		FreshnessWindow: c.Pricing.FreshnessWindow,
		Weights:         weights,
		BaseRates:       rates,
		ProtocolMargin:  decimal.NewFromFloat(c.Pricing.ProtocolMargin),
		HedgeRatio:      decimal.NewFromFloat(c.Risk.HedgeRatio),
	}
}

// FallbackWeights returns the venue split used when no market snapshot is
// available.
func (c *Config) FallbackWeights() model.Allocation {
	alloc := make(model.Allocation, len(c.Pricing.Weights))
	for v, w := range c.Pricing.Weights {
		alloc[v] = decimal.NewFromFloat(w)
	}
	return alloc
}

// UpdaterConfig returns the oracle updater configuration.
func (c *Config) UpdaterConfig() pricing.UpdaterConfig {
	return pricing.UpdaterConfig{
		Interval: c.Pricing.UpdateInterval,
		Timeout:  c.Pricing.UpdateTimeout,
	}
}

// MonteCarloConfig returns the risk engine configuration.
func (c *Config) MonteCarloConfig() montecarlo.Config {
	cfg := montecarlo.DefaultConfig()
	cfg.BaseSimulations = c.MonteCarlo.BaseSimulations
	cfg.Seed = c.MonteCarlo.Seed
	cfg.Workers = c.MonteCarlo.Workers
	cfg.BaseVolatility = c.MonteCarlo.BaseVolatility
	cfg.BaseCorrelation = c.MonteCarlo.BaseCorrelation
	cfg.CapitalAlert = c.MonteCarlo.CapitalAlert
	return cfg
}

// ReportConfig returns the report builder configuration.
func (c *Config) ReportConfig() report.Config {
	return report.Config{
		Capital:           decimal.NewFromFloat(c.Report.Capital),
		Prices:            c.Report.Prices,
		Float:             c.Report.Float,
		Confidence:        c.MonteCarlo.Confidence,
		VaRAlertFraction:  decimal.NewFromFloat(c.Report.VaRAlertFraction),
		HedgeRatioFloor:   decimal.NewFromFloat(c.Report.HedgeRatioFloor),
		HedgeRatioCeiling: decimal.NewFromFloat(c.Report.HedgeRatioCeiling),
		ApplyHedgeRatio:   c.Report.ApplyHedgeRatio,
	}
}

// ConnectorOptions returns the HTTP connector options for v.
func (c *Config) ConnectorOptions(v model.Venue) []venue.Option {
	vc := c.Venues[v]
	opts := []venue.Option{
		venue.WithTimeout(vc.Timeout),
		venue.WithRetries(vc.MaxRetries, vc.RetryBackoff),
		venue.WithBreaker(vc.BreakerFailures, vc.BreakerTimeout),
	}
	if vc.RateLimit > 0 {
		opts = append(opts, venue.WithRateLimit(vc.RateLimit, vc.RateBurst))
	}
	return opts
}
