// Package montecarlo simulates portfolio losses under stress scenarios.
//
// Each path picks one scenario with probability proportional to
// probability × weight, moves every insured asset's price toward the
// scenario's shocked price (scaled by severity, plus correlated Gaussian
// noise), and sums the resulting policy payouts net of the float's gain.
// The number of paths scales with how uneven the book is: the coefficient
// of variation of coverage notionals picks a 1×, 1.5×, 2× or 3× multiplier
// on the base path count.
package montecarlo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tonsurance/hedge-engine/internal/metrics"
	"github.com/tonsurance/hedge-engine/internal/model"
)

var (
	// ErrNoScenarios is returned when no scenario has positive selection weight.
	ErrNoScenarios = errors.New("montecarlo: no usable scenarios")

	// ErrInvalidConfidence is returned for a confidence level outside (0, 1).
	ErrInvalidConfidence = errors.New("montecarlo: confidence must be in (0, 1)")
)

// Config holds simulation parameters.
type Config struct {
	BaseSimulations int     // paths at the 1× multiplier (default: 10000)
	Seed            uint64  // base seed; worker i uses (Seed, i)
	Workers         int     // parallel workers (default: GOMAXPROCS)
	BaseVolatility  float64 // per-path price noise before the scenario multiplier (default: 0.02)
	BaseCorrelation float64 // common-factor share of the noise before the scenario shift (default: 0.3)
	DefaultTrigger  float64 // trigger as a fraction of spot when a policy has none (default: 0.97)
	DefaultFloor    float64 // floor as a fraction of spot when a policy has none (default: 0.80)
	CapitalAlert    float64 // stress loss fraction of capital that counts as a breach (default: 0.5)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseSimulations: 10000,
		Seed:            42,
		Workers:         runtime.GOMAXPROCS(0),
		BaseVolatility:  0.02,
		BaseCorrelation: 0.3,
		DefaultTrigger:  0.97,
		DefaultFloor:    0.80,
		CapitalAlert:    0.5,
	}
}

// Vault is the book a simulation runs against.
type Vault struct {
	Capital  decimal.Decimal    `json:"capital"`
	Policies []model.Policy     `json:"policies"`
	Prices   map[string]float64 `json:"prices"` // current asset prices; missing assets price at 1
	Float    map[string]float64 `json:"float"`  // units of each asset the vault holds
}

// TotalCoverage sums the coverage of every policy in the vault.
func (v *Vault) TotalCoverage() decimal.Decimal {
	total := decimal.Zero
	for _, p := range v.Policies {
		total = total.Add(p.CoverageAmount)
	}
	return total
}

func (v *Vault) price(asset string) float64 {
	if p, ok := v.Prices[asset]; ok && p > 0 {
		return p
	}
	return 1
}

// ScenarioSource supplies the scenarios for one run.
type ScenarioSource interface {
	Scenarios(ctx context.Context) ([]model.Scenario, error)
}

// Engine runs VaR simulations and stress tests.
type Engine struct {
	cfg    Config
	source ScenarioSource
	logger *slog.Logger
}

// NewEngine creates an engine drawing scenarios from source.
func NewEngine(cfg Config, source ScenarioSource, logger *slog.Logger) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BaseSimulations < 1 {
		cfg.BaseSimulations = DefaultConfig().BaseSimulations
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, source: source, logger: logger}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// PortfolioVolatility is the coefficient of variation of the vault's
// coverage notionals. Fewer than two policies have zero volatility.
func PortfolioVolatility(policies []model.Policy) float64 {
	if len(policies) < 2 {
		return 0
	}
	var sum float64
	for _, p := range policies {
		sum += p.CoverageAmount.InexactFloat64()
	}
	mean := sum / float64(len(policies))
	if mean <= 0 {
		return 0
	}
	var ss float64
	for _, p := range policies {
		dev := p.CoverageAmount.InexactFloat64() - mean
		ss += dev * dev
	}
	return math.Sqrt(ss/float64(len(policies))) / mean
}

// SimulationMultiplier maps portfolio volatility to a path-count
// multiplier. It never decreases as volatility grows.
func SimulationMultiplier(volatility float64) float64 {
	switch {
	case volatility < 0.02:
		return 1
	case volatility < 0.05:
		return 1.5
	case volatility < 0.10:
		return 2
	default:
		return 3
	}
}

// CalculateAdaptiveVaR simulates the vault's loss distribution. VaR95,
// VaR99 and CVaR95 are always reported; VaRAtConfidence is the loss
// percentile at confidence.
func (e *Engine) CalculateAdaptiveVaR(ctx context.Context, vault *Vault, confidence float64) (*model.VaRResult, error) {
	if confidence <= 0 || confidence >= 1 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidConfidence, confidence)
	}
	scenarios, err := e.source.Scenarios(ctx)
	if err != nil {
		return nil, fmt.Errorf("load scenarios: %w", err)
	}
	sel, err := newPicker(scenarios)
	if err != nil {
		return nil, err
	}

	vol := PortfolioVolatility(vault.Policies)
	paths := int(math.Round(float64(e.cfg.BaseSimulations) * SimulationMultiplier(vol)))

	start := time.Now()
	losses, err := e.simulate(ctx, vault, scenarios, sel, paths)
	if err != nil {
		return nil, err
	}
	sort.Float64s(losses)

	var95 := percentile(losses, 0.95)
	var sum, tail float64
	tailN := 0
	for _, l := range losses {
		sum += l
		if l >= var95 {
			tail += l
			tailN++
		}
	}
	cvar95 := var95
	if tailN > 0 {
		cvar95 = tail / float64(tailN)
	}

	res := &model.VaRResult{
		VaR95:           money(var95),
		VaR99:           money(percentile(losses, 0.99)),
		CVaR95:          money(cvar95),
		VaRAtConfidence: money(percentile(losses, confidence)),
		ExpectedLoss:    money(sum / float64(len(losses))),
		WorstCase:       money(losses[len(losses)-1]),
		BestCase:        money(losses[0]),
		ScenarioCount:   len(scenarios),
		Simulations:     paths,
		Volatility:      vol,
		Confidence:      confidence,
	}

	metrics.PortfolioVaR.WithLabelValues("var_95").Set(res.VaR95.InexactFloat64())
	metrics.PortfolioVaR.WithLabelValues("var_99").Set(res.VaR99.InexactFloat64())
	metrics.PortfolioVaR.WithLabelValues("cvar_95").Set(res.CVaR95.InexactFloat64())
	metrics.SimulationPaths.Set(float64(paths))

	e.logger.Info("adaptive var calculated",
		"policies", len(vault.Policies),
		"scenarios", len(scenarios),
		"paths", paths,
		"volatility", vol,
		"var_95", res.VaR95.String(),
		"var_99", res.VaR99.String(),
		"elapsed", time.Since(start),
	)
	return res, nil
}

// simulate runs paths across the configured workers. Each worker owns a
// contiguous slice of the result and its own generator, so a run is
// reproducible for a given seed and worker count.
func (e *Engine) simulate(ctx context.Context, vault *Vault, scenarios []model.Scenario, sel *picker, paths int) ([]float64, error) {
	losses := make([]float64, paths)
	assets := vault.assets()
	workers := min(e.cfg.Workers, paths)
	chunk := (paths + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := min(lo+chunk, paths)
		if lo >= hi {
			break
		}
		wg.Add(1)
		go func(w, lo, hi int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(e.cfg.Seed, uint64(w)))
			prices := make(map[string]float64)
			for i := lo; i < hi; i++ {
				if (i-lo)%1024 == 0 && ctx.Err() != nil {
					return
				}
				sc := &scenarios[sel.pick(rng.Float64())]
				e.pathPrices(vault, assets, sc, rng, prices)
				losses[i] = e.loss(vault, prices)
			}
		}(w, lo, hi)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return losses, nil
}

// pathPrices fills prices with one simulated price per insured asset.
func (e *Engine) pathPrices(vault *Vault, assets []string, sc *model.Scenario, rng *rand.Rand, prices map[string]float64) {
	rho := clamp(e.cfg.BaseCorrelation+sc.CorrelationShift, 0, 1)
	vol := e.cfg.BaseVolatility * nonZero(sc.VolatilityMultiplier)
	common := rng.NormFloat64()

	clear(prices)
	for _, asset := range assets {
		base := vault.price(asset)
		shocked := scenarioPrice(base, sc, asset)
		z := math.Sqrt(rho)*common + math.Sqrt(1-rho)*rng.NormFloat64()
		prices[asset] = math.Max(0, shocked*(1+vol*z))
	}
}

// loss is the vault's payout at prices net of the float's gain, floored
// at zero.
func (e *Engine) loss(vault *Vault, prices map[string]float64) float64 {
	var payout float64
	for i := range vault.Policies {
		p := &vault.Policies[i]
		payout += e.payout(vault, p, prices[p.Asset])
	}
	var gain float64
	for asset, units := range vault.Float {
		if price, ok := prices[asset]; ok {
			gain += units * (price - vault.price(asset))
		}
	}
	return math.Max(0, payout-gain)
}

// payout interpolates linearly between the trigger (nothing paid) and the
// floor (full coverage paid).
func (e *Engine) payout(vault *Vault, p *model.Policy, price float64) float64 {
	spot := vault.price(p.Asset)
	trigger := p.TriggerPrice.InexactFloat64()
	floor := p.FloorPrice.InexactFloat64()
	if trigger <= 0 {
		trigger = spot * e.cfg.DefaultTrigger
		floor = spot * e.cfg.DefaultFloor
	}
	coverage := p.CoverageAmount.InexactFloat64()

	if price >= trigger {
		return 0
	}
	if trigger <= floor {
		return coverage
	}
	return clamp((trigger-price)/(trigger-floor), 0, 1) * coverage
}

func (v *Vault) assets() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range v.Policies {
		if _, ok := seen[p.Asset]; !ok {
			seen[p.Asset] = struct{}{}
			out = append(out, p.Asset)
		}
	}
	for asset := range v.Float {
		if _, ok := seen[asset]; !ok {
			seen[asset] = struct{}{}
			out = append(out, asset)
		}
	}
	sort.Strings(out)
	return out
}

// scenarioPrice returns the deterministic scenario price of an asset: the
// distance from spot to the scenario's shocked price, scaled by severity.
// Assets the scenario does not name stay at spot.
func scenarioPrice(base float64, sc *model.Scenario, asset string) float64 {
	shock, ok := sc.ShockedPrices[asset]
	if !ok {
		return base
	}
	return math.Max(0, base-(base-shock)*nonZero(sc.SeverityMultiplier))
}

// HedgeRatioFromVaR sizes the hedge ratio as the tail loss share of total
// coverage, clamped to [floor, ceiling].
func HedgeRatioFromVaR(res *model.VaRResult, totalCoverage, floor, ceiling decimal.Decimal) decimal.Decimal {
	if res == nil || !totalCoverage.IsPositive() {
		return floor
	}
	ratio := res.CVaR95.Div(totalCoverage).Round(4)
	if ratio.LessThan(floor) {
		return floor
	}
	if ratio.GreaterThan(ceiling) {
		return ceiling
	}
	return ratio
}

// picker selects a scenario index from a uniform draw using cumulative
// probability × weight.
type picker struct {
	cumulative []float64
}

func newPicker(scenarios []model.Scenario) (*picker, error) {
	cum := make([]float64, len(scenarios))
	var total float64
	for i, sc := range scenarios {
		if w := sc.Probability * sc.Weight; w > 0 {
			total += w
		}
		cum[i] = total
	}
	if total <= 0 {
		return nil, ErrNoScenarios
	}
	for i := range cum {
		cum[i] /= total
	}
	return &picker{cumulative: cum}, nil
}

func (p *picker) pick(u float64) int {
	i := sort.SearchFloat64s(p.cumulative, u)
	// Zero-weight scenarios share their predecessor's boundary; step past them.
	for i < len(p.cumulative)-1 && p.cumulative[i] <= u {
		i++
	}
	if i >= len(p.cumulative) {
		i = len(p.cumulative) - 1
	}
	return i
}

// percentile returns the q-quantile of sorted using the nearest-rank method.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func money(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(2)
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

// nonZero treats an unset multiplier as 1.
func nonZero(m float64) float64 {
	if m == 0 {
		return 1
	}
	return m
}
