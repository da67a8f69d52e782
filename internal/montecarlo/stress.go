package montecarlo

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// StressResult is one scenario's deterministic loss.
type StressResult struct {
	Scenario      string          `json:"scenario"`
	Loss          decimal.Decimal `json:"loss"`
	LossRatio     decimal.Decimal `json:"loss_ratio"` // loss / capital
	ExceedsAlert  bool            `json:"exceeds_alert"`
	PoliciesPaid  int             `json:"policies_paid"`
	Probability   float64         `json:"probability"`
	SeverityScale float64         `json:"severity_scale"`
}

// StressReport is the outcome of a full stress suite run.
type StressReport struct {
	Capital        decimal.Decimal `json:"capital"`
	Results        []StressResult  `json:"results"`
	Worst          *StressResult   `json:"worst,omitempty"`
	ExceedingAlert int             `json:"exceeding_alert"` // scenarios losing more than the alert fraction of capital
	AlertFraction  float64         `json:"alert_fraction"`
}

// RunStressTestSuite evaluates every scenario against vault without
// sampling: each asset sits exactly at its severity-scaled shocked price.
func (e *Engine) RunStressTestSuite(ctx context.Context, vault *Vault) (*StressReport, error) {
	scenarios, err := e.source.Scenarios(ctx)
	if err != nil {
		return nil, fmt.Errorf("load scenarios: %w", err)
	}

	capital := vault.Capital.InexactFloat64()
	report := &StressReport{
		Capital:       vault.Capital,
		Results:       make([]StressResult, 0, len(scenarios)),
		AlertFraction: e.cfg.CapitalAlert,
	}

	assets := vault.assets()
	prices := make(map[string]float64, len(assets))
	for i := range scenarios {
		sc := &scenarios[i]
		for _, asset := range assets {
			prices[asset] = scenarioPrice(vault.price(asset), sc, asset)
		}

		paid := 0
		for j := range vault.Policies {
			p := &vault.Policies[j]
			if e.payout(vault, p, prices[p.Asset]) > 0 {
				paid++
			}
		}
		loss := e.loss(vault, prices)

		r := StressResult{
			Scenario:      sc.Name,
			Loss:          money(loss),
			LossRatio:     decimal.Zero,
			PoliciesPaid:  paid,
			Probability:   sc.Probability,
			SeverityScale: nonZero(sc.SeverityMultiplier),
		}
		if capital > 0 {
			r.LossRatio = decimal.NewFromFloat(loss / capital).Round(4)
			r.ExceedsAlert = loss > capital*e.cfg.CapitalAlert
		} else {
			r.ExceedsAlert = loss > 0
		}
		if r.ExceedsAlert {
			report.ExceedingAlert++
		}
		report.Results = append(report.Results, r)
	}

	for i := range report.Results {
		if report.Worst == nil || report.Results[i].Loss.GreaterThan(report.Worst.Loss) {
			report.Worst = &report.Results[i]
		}
	}

	e.logger.Info("stress suite completed",
		"scenarios", len(report.Results),
		"exceeding_alert", report.ExceedingAlert,
	)
	return report, nil
}
