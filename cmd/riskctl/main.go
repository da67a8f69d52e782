// Command riskctl runs the hedge engine's risk tooling offline against a
// portfolio file: Monte Carlo VaR, the deterministic stress suite and the
// venue allocation optimizer.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonsurance/hedge-engine/internal/config"
	"github.com/tonsurance/hedge-engine/internal/montecarlo"
)

// options holds the flags shared by every subcommand.
type options struct {
	configPath string
	verbose    bool
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree writing results to out.
func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "riskctl",
		Short: "Offline risk tooling for the hedge engine",
		Long: `riskctl runs the hedge engine's risk models against a portfolio file
without a database or venue connections.

The portfolio file is JSON:
  {
    "capital": "500000",
    "policies": [{"id": "p1", "coverage_type": "depeg", "asset": "USDC",
                  "coverage_amount": "10000", "trigger_price": "0.97",
                  "floor_price": "0.80", "duration_days": 30}],
    "prices": {"USDC": 1.0},
    "float": {"USDC": 250000}
  }

Missing capital, prices and float fall back to the report section of the
configuration.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to YAML configuration (defaults when empty)")
	root.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "Log progress to stderr")

	root.AddCommand(newVaRCmd(opts, out))
	root.AddCommand(newStressCmd(opts, out))
	root.AddCommand(newOptimizeCmd(opts, out))
	return root
}

func (o *options) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadAndValidate(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return cfg, logger, nil
}

// newEngine builds an engine over the configured static scenarios and
// historical events.
func newEngine(cfg *config.Config, logger *slog.Logger) *montecarlo.Engine {
	source := montecarlo.MultiSource{
		montecarlo.StaticSource(cfg.Scenarios),
		montecarlo.HistoricalSource{
			Events:   cfg.HistoricalEvents,
			HalfLife: cfg.MonteCarlo.HistoricalHalfLife,
		},
	}
	return montecarlo.NewEngine(cfg.MonteCarloConfig(), source, logger)
}

// readVault decodes a portfolio file, filling gaps from the report config.
func readVault(path string, cfg *config.Config) (*montecarlo.Vault, error) {
	var vault montecarlo.Vault
	if err := readJSON(path, &vault); err != nil {
		return nil, err
	}
	if vault.Capital.IsZero() {
		vault.Capital = cfg.ReportConfig().Capital
	}
	if vault.Prices == nil {
		vault.Prices = cfg.Report.Prices
	}
	if vault.Float == nil {
		vault.Float = cfg.Report.Float
	}
	return &vault, nil
}

func readJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
