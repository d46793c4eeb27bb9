// Package main provides the CLI entrypoint for ktsim.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/verte-zerg/ktsim/internal/config"
	"github.com/verte-zerg/ktsim/internal/logging"
	"github.com/verte-zerg/ktsim/internal/registry"
	"github.com/verte-zerg/ktsim/internal/report"
	"github.com/verte-zerg/ktsim/internal/store"
)

var (
	settings   = config.Defaults()
	configPath string
	dbPath     string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ktsim",
		Short:         "Knowledge-tracing learner models",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config-file", config.DefaultConfigPath(), "TOML config path")
	pf.StringVar(&dbPath, "db", config.DefaultDBPath(), "SQLite database path")
	pf.StringVar(&settings.LogLevel, "log-level", settings.LogLevel, "log level (debug, info, warn, error)")
	pf.StringVar(&settings.LogFormat, "log-format", settings.LogFormat, "log format (text, json)")

	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newModelsCmd())
	rootCmd.AddCommand(newImportCmd())
	rootCmd.AddCommand(newDatasetsCmd())
	rootCmd.AddCommand(newTrainCmd())
	rootCmd.AddCommand(newBenchCmd())
	rootCmd.AddCommand(newEvalCmd())
	rootCmd.AddCommand(newRunsCmd())
	rootCmd.AddCommand(newSimulateCmd())

	return rootCmd
}

// resolveSettings overlays the config file on the flag defaults, keeping
// flags the user set explicitly, and validates the result.
func resolveSettings(cmd *cobra.Command) (config.Settings, *slog.Logger, error) {
	fileCfg, err := config.LoadConfig(configPath)
	if err != nil {
		return config.Settings{}, nil, fmt.Errorf("failed to load config: %w", err)
	}
	settings.Merge(fileCfg, cmd.Flags().Changed)
	if err := settings.Validate(); err != nil {
		return config.Settings{}, nil, err
	}
	log, err := logging.New(os.Stderr, settings.LogLevel, settings.LogFormat)
	if err != nil {
		return config.Settings{}, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return settings, log, nil
}

func openStore() (*store.Store, func(), error) {
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open db: %w", err)
	}
	closeFn := func() {
		if cerr := st.Close(); cerr != nil {
			logErrf("failed to close db: %v\n", cerr)
		}
	}
	return st, closeFn, nil
}

func addModelFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&settings.Family, "family", settings.Family, "model family ("+strings.Join(registry.Families(), ", ")+")")
	f.StringVar(&settings.Mode, "mode", settings.Mode, "parameter mode (simple, ls, ns, ln)")
	f.Float64Var(&settings.Base, "base", settings.Base, "HLR half-life base")
	f.StringVar(&settings.Graph, "graph", settings.Graph, "skill graph YAML file (graph_ou)")
	f.BoolVar(&settings.TrainThreshold, "train-threshold", settings.TrainThreshold, "train the PPE threshold and scale")
	f.Uint64Var(&settings.ModelSeed, "seed", settings.ModelSeed, "model initialisation seed")
	f.BoolVar(&settings.Debug, "debug", settings.Debug, "fail on non-finite intermediate values")

	f.IntVar(&settings.HiddenDimS, "hidden-dim-s", settings.HiddenDimS, "snlds switching state size")
	f.IntVar(&settings.HiddenDimZ, "hidden-dim-z", settings.HiddenDimZ, "snlds continuous state size")
	f.IntVar(&settings.HiddenDimRNN, "hidden-dim-rnn", settings.HiddenDimRNN, "snlds posterior LSTM size")
	f.IntVar(&settings.NumSamples, "num-samples", settings.NumSamples, "snlds posterior samples")
	f.StringVar(&settings.Transition, "transition", settings.Transition, "snlds transition (ou, nonlinear)")
	f.StringVar(&settings.Objective, "objective", settings.Objective, "snlds objective (elbo, iwae)")
}

func addTrainFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVar(&settings.Epochs, "epochs", settings.Epochs, "training epochs")
	f.IntVar(&settings.BatchSize, "batch-size", settings.BatchSize, "learners per batch")
	f.StringVar(&settings.Optimizer, "optimizer", settings.Optimizer, "optimizer (gd, adagrad, adadelta, adam)")
	f.Float64Var(&settings.LearningRate, "lr", settings.LearningRate, "learning rate")
	f.Float64Var(&settings.L2, "l2", settings.L2, "L2 penalty")
	f.IntVar(&settings.LRStep, "lr-step", settings.LRStep, "optimizer steps between learning rate decays (0 disables)")
	f.Float64Var(&settings.LRGamma, "lr-gamma", settings.LRGamma, "learning rate decay factor")
	f.IntVar(&settings.EarlyStop, "early-stop", settings.EarlyStop, "epochs without improvement before stopping (0 disables)")
	f.StringVar(&settings.Metric, "metric", settings.Metric, "validation metric selecting the best epoch")
	f.Uint64Var(&settings.TrainSeed, "train-seed", settings.TrainSeed, "batch order and noise seed")
}

func addDataFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVar(&settings.MaxStep, "max-step", settings.MaxStep, "interactions kept per learner")
	f.StringVar(&settings.Split, "split", settings.Split, "split strategy (time, fold)")
	f.Float64Var(&settings.TrainRatio, "train-ratio", settings.TrainRatio, "share of each sequence used for training (time split)")
	f.Float64Var(&settings.ValidRatio, "valid-ratio", settings.ValidRatio, "share of held-out learners used for validation")
	f.Float64Var(&settings.TestRatio, "test-ratio", settings.TestRatio, "share of each sequence scored after training (time split)")
	f.IntVar(&settings.Folds, "folds", settings.Folds, "learner folds (fold split)")
	f.IntVar(&settings.Fold, "fold", settings.Fold, "held-out fold (fold split)")
	f.Uint64Var(&settings.SplitSeed, "split-seed", settings.SplitSeed, "split shuffle seed")
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Create/open config file",
		Args:  cobra.NoArgs,
		RunE:  runConfigCmd,
	}
}

func runConfigCmd(_ *cobra.Command, _ []string) error {
	path := configPath
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat config: %w", err)
		}
		if err := os.WriteFile(path, []byte(defaultConfigTemplate()), 0o644); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
	}

	editor := strings.TrimSpace(os.Getenv("EDITOR"))
	if editor == "" {
		editor = "vi"
	}
	parts := strings.Fields(editor)
	if len(parts) == 0 {
		return fmt.Errorf("editor command is empty")
	}
	cmd := exec.Command(parts[0], append(parts[1:], path)...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to open editor: %w", err)
	}
	return nil
}

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List model families",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tbl := report.Table{Headers: []string{"Family", "Description"}}
			for _, name := range registry.Families() {
				tbl.Rows = append(tbl.Rows, []string{name, registry.Describe(name)})
			}
			if err := tbl.Write(cmd.OutOrStdout(), report.UseColor(cmd.OutOrStdout())); err != nil {
				return fmt.Errorf("failed to write output: %w", err)
			}
			return nil
		},
	}
}

func defaultConfigTemplate() string {
	d := config.Defaults()
	return fmt.Sprintf(`# ktsim configuration
# Uncomment a value to enable it. CLI flags override config values.

[model]
# family = %q             # hlr, ppe, ou, graph_ou, snlds
# mode = %q               # simple, ls, ns, ln
# base = %v                   # HLR half-life base
# graph = "skills.yaml"       # Skill graph for graph_ou
# train-threshold = false     # Train the PPE threshold and scale
# seed = %d

[train]
# epochs = %d
# batch-size = %d
# optimizer = %q            # gd, adagrad, adadelta, adam
# lr = %v
# l2 = %v
# lr-step = %d
# lr-gamma = %v
# early-stop = %d             # 0 disables
# metric = %q                # auc, accuracy, f1, recall, precision, loss_total
# seed = %d

[data]
# max-step = %d
# split = %q                 # time, fold
# train-ratio = %v
# valid-ratio = %v
# test-ratio = %v
# folds = %d
# fold = 0
# seed = %d

[snlds]
# hidden-dim-s = %d
# hidden-dim-z = %d
# hidden-dim-rnn = %d
# num-samples = %d
# transition = %q              # ou, nonlinear
# objective = %q             # elbo, iwae

[log]
# level = %q
# format = %q               # text, json
`,
		d.Family, d.Mode, d.Base, d.ModelSeed,
		d.Epochs, d.BatchSize, d.Optimizer, d.LearningRate, d.L2, d.LRStep, d.LRGamma, d.EarlyStop, d.Metric, d.TrainSeed,
		d.MaxStep, d.Split, d.TrainRatio, d.ValidRatio, d.TestRatio, d.Folds, d.SplitSeed,
		d.HiddenDimS, d.HiddenDimZ, d.HiddenDimRNN, d.NumSamples, d.Transition, d.Objective,
		d.LogLevel, d.LogFormat,
	)
}

func logErrf(format string, args ...any) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		// Best-effort logging to stderr.
		_ = err
	}
}

func logErrln(args ...any) {
	if _, err := fmt.Fprintln(os.Stderr, args...); err != nil {
		// Best-effort logging to stderr.
		_ = err
	}
}
