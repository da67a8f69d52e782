package config

import (
	"runtime"
	"time"

	"github.com/tonsurance/hedge-engine/internal/model"
	"github.com/tonsurance/hedge-engine/internal/report"
)

// Default values for optional configuration fields.
const (
	DefaultPort               = 8080
	DefaultReadTimeout        = 10 * time.Second
	DefaultWriteTimeout       = 10 * time.Second
	DefaultShutdownTimeout    = 5 * time.Second
	DefaultCacheTTL           = 30 * time.Second
	DefaultKafkaTopic         = "reserve-refills"
	DefaultFactory            = "policy-factory"
	DefaultReserveVault       = "reserve-vault"
	DefaultVenueTimeout       = 10 * time.Second
	DefaultMaxRetries         = 3
	DefaultRetryBackoff       = 500 * time.Millisecond
	DefaultBreakerFailures    = 5
	DefaultBreakerTimeout     = 30 * time.Second
	DefaultMinShare           = 0.15
	DefaultMaxShare           = 0.50
	DefaultEpsilon            = 1e-8
	DefaultHedgeRatio         = 0.20
	DefaultRebalance          = 0.05
	DefaultStalenessBound     = 5 * time.Minute
	DefaultFreshnessWindow    = 30 * time.Second
	DefaultProtocolMargin     = 0.10
	DefaultUpdateInterval     = 30 * time.Second
	DefaultUpdateTimeout      = 10 * time.Second
	DefaultBaseSimulations    = 10000
	DefaultSeed               = 42
	DefaultBaseVolatility     = 0.02
	DefaultBaseCorrelation    = 0.3
	DefaultConfidence         = 0.95
	DefaultCapitalAlert       = 0.5
	DefaultHistoricalHalfLife = 365 * 24 * time.Hour
	DefaultReportTimeout      = 2 * time.Minute
	DefaultVaRAlertFraction   = 0.3
	DefaultHedgeRatioFloor    = 0.10
	DefaultHedgeRatioCeiling  = 0.50
)

// DefaultWeights is the 40/40/20 venue split.
var DefaultWeights = map[model.Venue]float64{
	model.VenuePredictionMarket: 0.4,
	model.VenuePerpetuals:       0.4,
	model.VenueReinsurance:      0.2,
}

// DefaultBaseRates are the annual premium rates per coverage type.
var DefaultBaseRates = map[model.CoverageType]float64{
	model.CoverageDepeg:   0.04,
	model.CoverageExploit: 0.08,
	model.CoverageBridge:  0.06,
}

func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	// Storage and messaging defaults
	if c.Redis.CacheTTL == 0 {
		c.Redis.CacheTTL = DefaultCacheTTL
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = DefaultKafkaTopic
	}

	// Identity defaults
	if c.Identities.Factory == "" {
		c.Identities.Factory = DefaultFactory
	}
	if c.Identities.ReserveVault == "" {
		c.Identities.ReserveVault = DefaultReserveVault
	}
	if c.Identities.Keepers == nil {
		c.Identities.Keepers = make(map[model.Venue]string, len(model.Venues))
	}

	// Venue defaults
	if c.Venues == nil {
		c.Venues = make(map[model.Venue]VenueConfig, len(model.Venues))
	}
	for _, v := range model.Venues {
		if c.Identities.Keepers[v] == "" {
			c.Identities.Keepers[v] = "keeper-" + string(v)
		}
		vc := c.Venues[v]
		applyVenueDefaults(&vc)
		c.Venues[v] = vc
	}

	// Optimizer defaults
	if c.Optimizer.MinShare == 0 {
		c.Optimizer.MinShare = DefaultMinShare
	}
	if c.Optimizer.MaxShare == 0 {
		c.Optimizer.MaxShare = DefaultMaxShare
	}
	if c.Optimizer.Epsilon == 0 {
		c.Optimizer.Epsilon = DefaultEpsilon
	}

	// Risk defaults
	if c.Risk.HedgeRatio == 0 {
		c.Risk.HedgeRatio = DefaultHedgeRatio
	}
	if c.Risk.RebalanceThreshold == 0 {
		c.Risk.RebalanceThreshold = DefaultRebalance
	}

	// Pricing defaults
	if c.Pricing.StalenessBound == 0 {
		c.Pricing.StalenessBound = DefaultStalenessBound
	}
	if c.Pricing.FreshnessWindow == 0 {
		c.Pricing.FreshnessWindow = DefaultFreshnessWindow
	}
	if len(c.Pricing.Weights) == 0 {
		c.Pricing.Weights = make(map[model.Venue]float64, len(DefaultWeights))
		for v, w := range DefaultWeights {
			c.Pricing.Weights[v] = w
		}
	}
	if c.Pricing.BaseRates == nil {
		c.Pricing.BaseRates = make(map[model.CoverageType]float64, len(DefaultBaseRates))
	}
	for ct, r := range DefaultBaseRates {
		if _, ok := c.Pricing.BaseRates[ct]; !ok {
			c.Pricing.BaseRates[ct] = r
		}
	}
	if c.Pricing.ProtocolMargin == 0 {
		c.Pricing.ProtocolMargin = DefaultProtocolMargin
	}
	if c.Pricing.UpdateInterval == 0 {
		c.Pricing.UpdateInterval = DefaultUpdateInterval
	}
	if c.Pricing.UpdateTimeout == 0 {
		c.Pricing.UpdateTimeout = DefaultUpdateTimeout
	}

	// Monte Carlo defaults
	if c.MonteCarlo.BaseSimulations == 0 {
		c.MonteCarlo.BaseSimulations = DefaultBaseSimulations
	}
	if c.MonteCarlo.Seed == 0 {
		c.MonteCarlo.Seed = DefaultSeed
	}
	if c.MonteCarlo.Workers == 0 {
		c.MonteCarlo.Workers = runtime.GOMAXPROCS(0)
	}
	if c.MonteCarlo.BaseVolatility == 0 {
		c.MonteCarlo.BaseVolatility = DefaultBaseVolatility
	}
	if c.MonteCarlo.BaseCorrelation == 0 {
		c.MonteCarlo.BaseCorrelation = DefaultBaseCorrelation
	}
	if c.MonteCarlo.Confidence == 0 {
		c.MonteCarlo.Confidence = DefaultConfidence
	}
	if c.MonteCarlo.CapitalAlert == 0 {
		c.MonteCarlo.CapitalAlert = DefaultCapitalAlert
	}
	if c.MonteCarlo.HistoricalHalfLife == 0 {
		c.MonteCarlo.HistoricalHalfLife = DefaultHistoricalHalfLife
	}

	// Report defaults
	if c.Report.Schedule == "" {
		c.Report.Schedule = report.DefaultSchedule
	}
	if c.Report.Timeout == 0 {
		c.Report.Timeout = DefaultReportTimeout
	}
	if c.Report.VaRAlertFraction == 0 {
		c.Report.VaRAlertFraction = DefaultVaRAlertFraction
	}
	if c.Report.HedgeRatioFloor == 0 {
		c.Report.HedgeRatioFloor = DefaultHedgeRatioFloor
	}
	if c.Report.HedgeRatioCeiling == 0 {
		c.Report.HedgeRatioCeiling = DefaultHedgeRatioCeiling
	}

	// Scenario defaults
	if len(c.Scenarios) == 0 && len(c.HistoricalEvents) == 0 {
		c.Scenarios = defaultScenarios()
	}
	for i := range c.Scenarios {
		if c.Scenarios[i].Weight == 0 {
			c.Scenarios[i].Weight = 1
		}
		if c.Scenarios[i].SeverityMultiplier == 0 {
			c.Scenarios[i].SeverityMultiplier = 1
		}
		if c.Scenarios[i].VolatilityMultiplier == 0 {
			c.Scenarios[i].VolatilityMultiplier = 1
		}
	}
}

func applyVenueDefaults(vc *VenueConfig) {
	if vc.Timeout == 0 {
		vc.Timeout = DefaultVenueTimeout
	}
	if vc.MaxRetries == 0 {
		vc.MaxRetries = DefaultMaxRetries
	}
	if vc.RetryBackoff == 0 {
		vc.RetryBackoff = DefaultRetryBackoff
	}
	if vc.BreakerFailures == 0 {
		vc.BreakerFailures = DefaultBreakerFailures
	}
	if vc.BreakerTimeout == 0 {
		vc.BreakerTimeout = DefaultBreakerTimeout
	}
}

// defaultScenarios is the stress set used when the config names none.
func defaultScenarios() []model.Scenario {
	return []model.Scenario{
		{
			Name:                 "stablecoin_mild_depeg",
			Probability:          0.05,
			SeverityMultiplier:   1,
			ShockedPrices:        map[string]float64{"USDC": 0.96, "USDT": 0.97},
			CorrelationShift:     0.1,
			VolatilityMultiplier: 1.5,
			Weight:               1,
		},
		{
			Name:                 "stablecoin_severe_depeg",
			Probability:          0.01,
			SeverityMultiplier:   1,
			ShockedPrices:        map[string]float64{"USDC": 0.85, "USDT": 0.80},
			CorrelationShift:     0.4,
			VolatilityMultiplier: 3,
			Weight:               1,
		},
		{
			Name:                 "bridge_exploit",
			Probability:          0.02,
			SeverityMultiplier:   1.2,
			ShockedPrices:        map[string]float64{"WBTC": 0.70, "WETH": 0.75},
			CorrelationShift:     0.2,
			VolatilityMultiplier: 2,
			Weight:               1,
		},
		{
			Name:                 "baseline",
			Probability:          0.92,
			SeverityMultiplier:   1,
			VolatilityMultiplier: 1,
			Weight:               1,
		},
	}
}
