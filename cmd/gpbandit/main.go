package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/thalesfsp/gpbandit"
	"github.com/thalesfsp/gpbandit/bandits"
)

// fileConfig is the YAML form of the optimizer settings. Unset fields keep
// their defaults.
type fileConfig struct {
	gpbandit.OptimizationConfig `yaml:",inline"`

	// Combination is "product" or "sum".
	Combination string `yaml:"combination"`

	// Acquisition is "ei", "pi" or "lcb".
	Acquisition string  `yaml:"acquisition"`
	Beta        float64 `yaml:"beta"`
	Xi          float64 `yaml:"xi"`
}

var rootCmd = &cobra.Command{
	Use:   "gpbandit",
	Short: "gpbandit - Gaussian Process bandit optimizer",
	Long:  `Run the GP bandit optimizer against synthetic objectives.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Optimize a synthetic bandit",
	Long:  `Run a serial experiment and print the best configuration found.`,
	RunE:  runExperiment,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List available bandits",
	RunE: func(cmd *cobra.Command, _ []string) error {
		for _, name := range bandits.Names() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}

		return nil
	},
}

var (
	runBandit     string
	runTrials     int
	runSeed       uint64
	runConfigPath string
	runVerbose    bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listCmd)

	runCmd.Flags().StringVar(&runBandit, "bandit", "gaussian", "Bandit to optimize (see list)")
	runCmd.Flags().IntVarP(&runTrials, "trials", "n", 30, "Number of trials to run")
	runCmd.Flags().Uint64Var(&runSeed, "seed", 0, "Random seed (0 = time based)")
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "Path to a YAML optimizer config")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Log fit diagnostics")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runExperiment(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(runVerbose)
	if err != nil {
		return err
	}

	defer func() { _ = logger.Sync() }()

	bandit, err := bandits.ByName(runBandit)
	if err != nil {
		return err
	}

	config, err := loadConfig(runConfigPath)
	if err != nil {
		return err
	}

	if runSeed != 0 {
		config.Seed = runSeed
	}

	config.Logger = logger

	algo, err := gpbandit.NewGPBanditAlgo(bandit.Space(), config)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	exp := gpbandit.NewExperiment(algo, bandit)
	if err := exp.Run(ctx, runTrials); err != nil && ctx.Err() == nil {
		return err
	}

	best, ok := exp.Best()
	if !ok {
		return fmt.Errorf("no successful trials out of %d", len(exp.Trials()))
	}

	out, err := yaml.Marshal(map[string]any{
		"bandit": runBandit,
		"trials": len(exp.Trials()),
		"best": map[string]any{
			"id":     best.ID.String(),
			"loss":   best.Result.Loss,
			"config": best.Config,
		},
	})
	if err != nil {
		return err
	}

	_, err = cmd.OutOrStdout().Write(out)

	return err
}

// loadConfig returns DefaultConfig overlaid with the YAML file at path.
func loadConfig(path string) (gpbandit.OptimizationConfig, error) {
	fc := fileConfig{OptimizationConfig: gpbandit.DefaultConfig()}
	fc.Beta = fc.AcqParams.Beta
	fc.Xi = fc.AcqParams.Xi

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return gpbandit.OptimizationConfig{}, err
		}

		if err := yaml.Unmarshal(data, &fc); err != nil {
			return gpbandit.OptimizationConfig{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	config := fc.OptimizationConfig
	config.AcqParams.Beta = fc.Beta
	config.AcqParams.Xi = fc.Xi

	switch fc.Combination {
	case "", "product":
		config.Combination = gpbandit.CombineProduct
	case "sum":
		config.Combination = gpbandit.CombineSum
	default:
		return gpbandit.OptimizationConfig{}, fmt.Errorf("unknown combination %q", fc.Combination)
	}

	switch fc.Acquisition {
	case "", "ei":
		config.AcquisitionFunc = gpbandit.ExpectedImprovement
	case "pi":
		config.AcquisitionFunc = gpbandit.ProbabilityOfImprovement
	case "lcb":
		config.AcquisitionFunc = gpbandit.LowerConfidenceBound
	default:
		return gpbandit.OptimizationConfig{}, fmt.Errorf("unknown acquisition %q", fc.Acquisition)
	}

	return config, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}

	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	return cfg.Build()
}
