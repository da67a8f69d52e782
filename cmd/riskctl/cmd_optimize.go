package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/tonsurance/hedge-engine/internal/model"
	"github.com/tonsurance/hedge-engine/internal/optimizer"
)

// optimizeInput is the market file read by the optimize subcommand.
type optimizeInput struct {
	Total  decimal.Decimal      `json:"total"`
	Market model.MarketSnapshot `json:"market"`
}

// optimizeOutput carries a partial allocation alongside the error that
// cut it short.
type optimizeOutput struct {
	*optimizer.Result
	Error string `json:"error,omitempty"`
}

func newOptimizeCmd(opts *options, out io.Writer) *cobra.Command {
	var market string

	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Split a hedge notional across venues",
		Long: `Run the allocation optimizer over a market snapshot using the
configured share bounds and confidence floor.

The market file is JSON:
  {
    "total": "2000",
    "market": {
      "prediction_market": {"cost": "0.025", "capacity": "100000", "confidence": 0.9},
      "perpetuals":        {"cost": "0.15",  "capacity": "100000", "confidence": 0.9},
      "reinsurance":       {"cost": "0.0045","capacity": "100000", "confidence": 0.9}
    }
  }

A capacity shortfall prints the partial allocation with the error and
exits non-zero.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			var in optimizeInput
			if err := readJSON(market, &in); err != nil {
				return err
			}
			for v, md := range in.Market {
				md.Venue = v
				in.Market[v] = md
			}

			res, err := optimizer.OptimizeAllocation(in.Total, in.Market, cfg.OptimizerConstraints())
			if res == nil {
				return fmt.Errorf("optimize allocation: %w", err)
			}
			output := optimizeOutput{Result: res}
			if err != nil {
				output.Error = err.Error()
			}
			if werr := writeJSON(out, output); werr != nil {
				return errors.Join(err, werr)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&market, "market", "", "Path to the JSON market file")
	cmd.MarkFlagRequired("market")
	return cmd
}
