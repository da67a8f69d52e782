package montecarlo

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tonsurance/hedge-engine/internal/model"
	"github.com/tonsurance/hedge-engine/internal/store"
)

// StaticSource serves a fixed scenario table, typically from config.
type StaticSource []model.Scenario

func (s StaticSource) Scenarios(context.Context) ([]model.Scenario, error) {
	return cloneScenarios(s), nil
}

// StoreSource reads the scenario table from the store on every run.
type StoreSource struct {
	Store store.Store
}

func (s StoreSource) Scenarios(ctx context.Context) ([]model.Scenario, error) {
	scenarios, err := s.Store.ListScenarios(ctx)
	if err != nil {
		return nil, fmt.Errorf("list scenarios: %w", err)
	}
	return scenarios, nil
}

// HistoricalEvent is a past market shock replayed as a scenario.
type HistoricalEvent struct {
	Name                 string             `json:"name" yaml:"name"`
	OccurredAt           time.Time          `json:"occurred_at" yaml:"occurred_at"`
	ShockedPrices        map[string]float64 `json:"shocked_prices" yaml:"shocked_prices"`
	Probability          float64            `json:"probability" yaml:"probability"` // annual recurrence estimate
	SeverityMultiplier   float64            `json:"severity_multiplier" yaml:"severity_multiplier"`
	VolatilityMultiplier float64            `json:"volatility_multiplier" yaml:"volatility_multiplier"`
	CorrelationShift     float64            `json:"correlation_shift" yaml:"correlation_shift"`
}

// HistoricalSource resamples past events with recency decay: an event's
// weight halves every HalfLife, so recent shocks dominate the draw.
type HistoricalSource struct {
	Events   []HistoricalEvent
	HalfLife time.Duration
	Now      func() time.Time
}

func (s HistoricalSource) Scenarios(context.Context) ([]model.Scenario, error) {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	out := make([]model.Scenario, 0, len(s.Events))
	for _, ev := range s.Events {
		out = append(out, model.Scenario{
			Name:                 "historical:" + ev.Name,
			Probability:          ev.Probability,
			SeverityMultiplier:   nonZero(ev.SeverityMultiplier),
			ShockedPrices:        clonePrices(ev.ShockedPrices),
			CorrelationShift:     ev.CorrelationShift,
			VolatilityMultiplier: nonZero(ev.VolatilityMultiplier),
			Weight:               RecencyWeight(now.Sub(ev.OccurredAt), s.HalfLife),
		})
	}
	return out, nil
}

// RecencyWeight is 0.5^(age/halfLife). Events in the future or a zero
// half-life weigh 1.
func RecencyWeight(age, halfLife time.Duration) float64 {
	if halfLife <= 0 || age <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(halfLife))
}

// MultiSource concatenates sources. A later scenario replaces an earlier
// one with the same name.
type MultiSource []ScenarioSource

func (m MultiSource) Scenarios(ctx context.Context) ([]model.Scenario, error) {
	byName := make(map[string]model.Scenario)
	for _, src := range m {
		scenarios, err := src.Scenarios(ctx)
		if err != nil {
			return nil, err
		}
		for _, sc := range scenarios {
			byName[sc.Name] = sc
		}
	}
	out := make([]model.Scenario, 0, len(byName))
	for _, sc := range byName {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// LoadVault builds a vault from the policies in force at now.
func LoadVault(ctx context.Context, st store.Store, capital decimal.Decimal, prices, holdings map[string]float64, now time.Time) (*Vault, error) {
	policies, err := st.ListActivePolicies(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list active policies: %w", err)
	}
	return &Vault{
		Capital:  capital,
		Policies: policies,
		Prices:   prices,
		Float:    holdings,
	}, nil
}

func cloneScenarios(in []model.Scenario) []model.Scenario {
	out := make([]model.Scenario, len(in))
	for i, sc := range in {
		sc.ShockedPrices = clonePrices(sc.ShockedPrices)
		out[i] = sc
	}
	return out
}

func clonePrices(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
