package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newStressCmd(opts *options, out io.Writer) *cobra.Command {
	var portfolio string

	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run the deterministic stress suite",
		Long: `Evaluate every configured scenario against the portfolio with each
asset held exactly at its shocked price, and report the loss per scenario
and which scenarios exceed the capital alert.

Examples:
  riskctl stress --portfolio book.json
  riskctl stress --portfolio book.json --config hedge.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			vault, err := readVault(portfolio, cfg)
			if err != nil {
				return err
			}

			rep, err := newEngine(cfg, logger).RunStressTestSuite(cmd.Context(), vault)
			if err != nil {
				return fmt.Errorf("run stress suite: %w", err)
			}
			return writeJSON(out, rep)
		},
	}

	cmd.Flags().StringVar(&portfolio, "portfolio", "", "Path to the JSON portfolio file")
	cmd.MarkFlagRequired("portfolio")
	return cmd
}
