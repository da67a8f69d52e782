package main

import (
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/tonsurance/hedge-engine/internal/model"
	"github.com/tonsurance/hedge-engine/internal/montecarlo"
)

// varOutput is the result of the var subcommand.
type varOutput struct {
	Result                *model.VaRResult `json:"result"`
	Capital               decimal.Decimal  `json:"capital"`
	TotalCoverage         decimal.Decimal  `json:"total_coverage"`
	RecommendedHedgeRatio decimal.Decimal  `json:"recommended_hedge_ratio"`
}

func newVaRCmd(opts *options, out io.Writer) *cobra.Command {
	var (
		portfolio   string
		confidence  float64
		simulations int
		seed        uint64
	)

	cmd := &cobra.Command{
		Use:   "var",
		Short: "Estimate value at risk with the adaptive Monte Carlo engine",
		Long: `Run the adaptive Monte Carlo simulation over the portfolio and print
VaR95, VaR99, CVaR95 and the hedge ratio the result implies.

Examples:
  riskctl var --portfolio book.json
  riskctl var --portfolio book.json --confidence 0.99 --seed 7`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if simulations > 0 {
				cfg.MonteCarlo.BaseSimulations = simulations
			}
			if cmd.Flags().Changed("seed") {
				cfg.MonteCarlo.Seed = seed
			}
			if confidence == 0 {
				confidence = cfg.MonteCarlo.Confidence
			}

			vault, err := readVault(portfolio, cfg)
			if err != nil {
				return err
			}

			res, err := newEngine(cfg, logger).CalculateAdaptiveVaR(cmd.Context(), vault, confidence)
			if err != nil {
				return fmt.Errorf("calculate var: %w", err)
			}

			rc := cfg.ReportConfig()
			total := vault.TotalCoverage()
			return writeJSON(out, varOutput{
				Result:                res,
				Capital:               vault.Capital,
				TotalCoverage:         total,
				RecommendedHedgeRatio: montecarlo.HedgeRatioFromVaR(res, total, rc.HedgeRatioFloor, rc.HedgeRatioCeiling),
			})
		},
	}

	cmd.Flags().StringVar(&portfolio, "portfolio", "", "Path to the JSON portfolio file")
	cmd.Flags().Float64Var(&confidence, "confidence", 0, "Confidence level in (0, 1) (default from config)")
	cmd.Flags().IntVar(&simulations, "simulations", 0, "Base simulation count (default from config)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Random seed (default from config)")
	cmd.MarkFlagRequired("portfolio")
	return cmd
}
