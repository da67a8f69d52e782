package config

import (
	"errors"
	"fmt"
	"math"

	"github.com/robfig/cron/v3"

	"github.com/tonsurance/hedge-engine/internal/model"
)

// scheduleParser matches the parser behind cron.WithSeconds.
var scheduleParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Identities.Factory == "" {
		return errors.New("identities.factory is required")
	}
	if c.Identities.ReserveVault == "" {
		return errors.New("identities.reserve_vault is required")
	}
	seen := map[string]string{c.Identities.Factory: "factory"}
	if prev, ok := seen[c.Identities.ReserveVault]; ok {
		return fmt.Errorf("identities.reserve_vault duplicates identities.%s", prev)
	}
	seen[c.Identities.ReserveVault] = "reserve_vault"
	for _, v := range model.Venues {
		id := c.Identities.Keepers[v]
		if id == "" {
			return fmt.Errorf("identities.keepers.%s is required", v)
		}
		if prev, ok := seen[id]; ok {
			return fmt.Errorf("identities.keepers.%s duplicates identities.%s", v, prev)
		}
		seen[id] = "keepers." + string(v)
	}

	for _, v := range model.Venues {
		if err := c.Venues[v].validate("venues." + string(v)); err != nil {
			return err
		}
	}

	if err := c.OptimizerConstraints().Validate(); err != nil {
		return fmt.Errorf("optimizer: %w", err)
	}

	if c.Risk.HedgeRatio <= 0 || c.Risk.HedgeRatio > 1 {
		return fmt.Errorf("risk.hedge_ratio must be in (0, 1], got %g", c.Risk.HedgeRatio)
	}
	if c.Risk.RebalanceThreshold <= 0 {
		return errors.New("risk.rebalance_threshold must be > 0")
	}
	if c.Risk.MaxPerAsset < 0 {
		return errors.New("risk.max_per_asset must be >= 0")
	}
	for ct, limit := range c.Risk.MaxPerType {
		if limit < 0 {
			return fmt.Errorf("risk.max_per_type.%s must be >= 0", ct)
		}
	}

	if err := c.validatePricing(); err != nil {
		return err
	}

	if c.MonteCarlo.BaseSimulations < 1 {
		return errors.New("montecarlo.base_simulations must be >= 1")
	}
	if c.MonteCarlo.Workers < 1 {
		return errors.New("montecarlo.workers must be >= 1")
	}
	if c.MonteCarlo.BaseVolatility < 0 {
		return errors.New("montecarlo.base_volatility must be >= 0")
	}
	if c.MonteCarlo.BaseCorrelation < 0 || c.MonteCarlo.BaseCorrelation > 1 {
		return fmt.Errorf("montecarlo.base_correlation must be in [0, 1], got %g", c.MonteCarlo.BaseCorrelation)
	}
	if c.MonteCarlo.Confidence <= 0 || c.MonteCarlo.Confidence >= 1 {
		return fmt.Errorf("montecarlo.confidence must be in (0, 1), got %g", c.MonteCarlo.Confidence)
	}
	if c.MonteCarlo.CapitalAlert <= 0 {
		return errors.New("montecarlo.capital_alert must be > 0")
	}

	if _, err := scheduleParser.Parse(c.Report.Schedule); err != nil {
		return fmt.Errorf("report.schedule: %w", err)
	}
	if c.Report.Capital < 0 {
		return errors.New("report.capital must be >= 0")
	}
	if c.Report.HedgeRatioFloor > c.Report.HedgeRatioCeiling {
		return fmt.Errorf("report.hedge_ratio_floor (%g) cannot exceed hedge_ratio_ceiling (%g)",
			c.Report.HedgeRatioFloor, c.Report.HedgeRatioCeiling)
	}

	for i, sc := range c.Scenarios {
		if sc.Name == "" {
			return fmt.Errorf("scenarios[%d].name is required", i)
		}
		if sc.Probability < 0 || sc.Weight < 0 {
			return fmt.Errorf("scenarios[%d] (%s): probability and weight must be >= 0", i, sc.Name)
		}
	}
	for i, ev := range c.HistoricalEvents {
		if ev.Name == "" {
			return fmt.Errorf("historical_events[%d].name is required", i)
		}
	}

	return nil
}

func (c *Config) validatePricing() error {
	if c.Pricing.StalenessBound <= 0 {
		return errors.New("pricing.staleness_bound must be > 0")
	}
	if c.Pricing.FreshnessWindow <= 0 {
		return errors.New("pricing.freshness_window must be > 0")
	}
	if c.Pricing.FreshnessWindow >= c.Pricing.StalenessBound {
		return fmt.Errorf("pricing.freshness_window (%s) must be shorter than staleness_bound (%s)",
			c.Pricing.FreshnessWindow, c.Pricing.StalenessBound)
	}

	var sum float64
	for _, v := range model.Venues {
		w, ok := c.Pricing.Weights[v]
		if !ok {
			return fmt.Errorf("pricing.weights.%s is required", v)
		}
		if w < 0 {
			return fmt.Errorf("pricing.weights.%s must be >= 0", v)
		}
		sum += w
	}
	if math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("pricing.weights must sum to 1, got %g", sum)
	}

	for ct, r := range c.Pricing.BaseRates {
		if r < 0 {
			return fmt.Errorf("pricing.base_rates.%s must be >= 0", ct)
		}
	}
	if c.Pricing.ProtocolMargin < 0 {
		return errors.New("pricing.protocol_margin must be >= 0")
	}
	if c.Pricing.UpdateInterval <= 0 {
		return errors.New("pricing.update_interval must be > 0")
	}
	if c.Pricing.UpdateTimeout <= 0 {
		return errors.New("pricing.update_timeout must be > 0")
	}
	return nil
}

func (vc VenueConfig) validate(prefix string) error {
	if vc.BaseURL != "" && vc.APIKey == "" {
		return fmt.Errorf("%s.api_key is required when base_url is set", prefix)
	}
	if vc.Timeout <= 0 {
		return fmt.Errorf("%s.timeout must be > 0", prefix)
	}
	if vc.MaxRetries < 0 {
		return fmt.Errorf("%s.max_retries must be >= 0", prefix)
	}
	if vc.RateLimit < 0 {
		return fmt.Errorf("%s.rate_limit must be >= 0", prefix)
	}
	if vc.RateLimit > 0 && vc.RateBurst < 1 {
		return fmt.Errorf("%s.rate_burst must be >= 1 when rate_limit is set", prefix)
	}
	if vc.KeeperInterval < 0 || vc.KeeperTimeout < 0 || vc.LiquidationRetryDelay < 0 {
		return fmt.Errorf("%s: keeper durations must be >= 0", prefix)
	}
	if vc.KeeperConcurrency < 0 {
		return fmt.Errorf("%s.keeper_concurrency must be >= 0", prefix)
	}
	if vc.LiquidationRetries < 0 {
		return fmt.Errorf("%s.liquidation_retries must be >= 0", prefix)
	}
	return nil
}
