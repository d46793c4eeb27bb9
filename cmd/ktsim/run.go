package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/verte-zerg/ktsim/internal/config"
	"github.com/verte-zerg/ktsim/internal/corpus"
	"github.com/verte-zerg/ktsim/internal/graph"
	"github.com/verte-zerg/ktsim/internal/learner"
	"github.com/verte-zerg/ktsim/internal/model"
	"github.com/verte-zerg/ktsim/internal/param"
	"github.com/verte-zerg/ktsim/internal/registry"
	"github.com/verte-zerg/ktsim/internal/report"
	"github.com/verte-zerg/ktsim/internal/snlds"
	"github.com/verte-zerg/ktsim/internal/stats"
	"github.com/verte-zerg/ktsim/internal/store"
	"github.com/verte-zerg/ktsim/internal/synth"
	"github.com/verte-zerg/ktsim/internal/train"
)

const (
	defaultWeakTop     = 10
	defaultCurveWindow = 1
	defaultBenchJobs   = 4
)

var (
	importName string

	trainDataset string

	benchFamilies string
	benchJobs     int

	evalPhase   string
	evalWeakTop int

	runsFamily      string
	runsDataset     string
	runsSince       string
	runsLast        int
	runsCurveWindow int

	simOpts = synth.DefaultOptions()
	simName string
	simOut  string
)

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import an interaction log (TSV, or CSV by extension)",
		Args:  cobra.ExactArgs(1),
		RunE:  runImportCmd,
	}
	cmd.Flags().StringVar(&importName, "name", "", "dataset name (default: file name without extension)")
	return cmd
}

func runImportCmd(cmd *cobra.Command, args []string) error {
	_, log, err := resolveSettings(cmd)
	if err != nil {
		return err
	}
	log.Debug("importing", "path", args[0])
	inters, err := corpus.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read interactions: %w", err)
	}
	name := importName
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
	}
	return importDataset(cmd, name, inters)
}

func importDataset(cmd *cobra.Command, name string, inters []model.Interaction) error {
	st, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()
	ds, err := st.ImportInteractions(cmd.Context(), name, inters)
	if err != nil {
		return fmt.Errorf("failed to store interactions: %w", err)
	}
	logErrf("Imported %s: %d interactions, %d learners, %d skills\n", ds.Name, ds.Interactions, ds.Learners, ds.Skills)
	return nil
}

func newDatasetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "datasets",
		Short: "List imported datasets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, closeStore, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore()
			datasets, err := st.ListDatasets(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list datasets: %w", err)
			}
			if len(datasets) == 0 {
				logErrln("No datasets yet. Import one with: ktsim import <file>")
				return nil
			}
			out := cmd.OutOrStdout()
			return report.DatasetsTable(datasets).Write(out, report.UseColor(out))
		},
	}
}

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train one model on a dataset",
		Args:  cobra.NoArgs,
		RunE:  runTrainCmd,
	}
	cmd.Flags().StringVar(&trainDataset, "dataset", "", "dataset name")
	addModelFlags(cmd)
	addTrainFlags(cmd)
	addDataFlags(cmd)
	return cmd
}

func runTrainCmd(cmd *cobra.Command, _ []string) error {
	s, log, err := resolveSettings(cmd)
	if err != nil {
		return err
	}
	st, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	data, err := loadData(cmd.Context(), st, trainDataset, s)
	if err != nil {
		return err
	}
	out, err := fitAndRecord(cmd.Context(), st, log, s, data)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	color := report.UseColor(w)
	if _, err := fmt.Fprintf(w, "run %s  best epoch %d  %s %s\n", out.run.ID, out.result.BestEpoch,
		s.Metric, report.FormatFloat(out.result.BestMetric)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	if out.test == nil {
		return nil
	}
	if err := report.MetricsTable(out.test.Losses).Write(w, color); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

// dataset is a loaded corpus with its split.
type dataset struct {
	name     string
	learners []model.Learner
	summary  corpus.Summary
	split    corpus.Split
}

func loadData(ctx context.Context, st *store.Store, name string, s config.Settings) (dataset, error) {
	if name == "" {
		return dataset{}, fmt.Errorf("--dataset is required")
	}
	inters, err := st.LoadInteractions(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logErrln("List datasets with: ktsim datasets")
		}
		return dataset{}, fmt.Errorf("failed to load dataset: %w", err)
	}
	learners := corpus.Build(inters, s.MaxStep)
	if len(learners) == 0 {
		return dataset{}, fmt.Errorf("dataset %s has no learners", name)
	}
	split, err := splitLearners(learners, s)
	if err != nil {
		return dataset{}, err
	}
	return dataset{name: name, learners: learners, summary: corpus.Summarize(learners), split: split}, nil
}

func splitLearners(learners []model.Learner, s config.Settings) (corpus.Split, error) {
	if s.Split == config.SplitFold {
		return corpus.FoldSplit(learners, s.Folds, s.Fold, s.ValidRatio, s.SplitSeed)
	}
	return corpus.TimeSplit(learners, corpus.TimeOptions{
		TrainRatio: s.TrainRatio,
		ValidRatio: s.ValidRatio,
		TestRatio:  s.TestRatio,
		Seed:       s.SplitSeed,
	})
}

// modeFor appends the learner split to the mode so per-learner modes are
// rejected when held-out learners would have no parameters.
func modeFor(s config.Settings) string {
	if s.Split == config.SplitFold && !strings.Contains(s.Mode, "_split_") {
		return s.Mode + "_" + param.SplitLearner.String()
	}
	return s.Mode
}

func buildModel(s config.Settings, numSeq, numNode int, synthetic bool) (learner.Model, error) {
	lc := learner.Config{
		Mode:           modeFor(s),
		NumSeq:         numSeq,
		NumNode:        numNode,
		Base:           s.Base,
		Synthetic:      synthetic,
		TrainThreshold: s.TrainThreshold,
		Seed:           s.ModelSeed,
		Debug:          s.Debug,
	}
	if s.Graph != "" {
		g, err := graph.Load(s.Graph)
		if err != nil {
			return nil, fmt.Errorf("failed to load graph: %w", err)
		}
		lc.Graph = g
	}
	sc := snlds.DefaultConfig(lc)
	sc.HiddenDimS = s.HiddenDimS
	sc.HiddenDimZ = s.HiddenDimZ
	sc.HiddenDimRNN = s.HiddenDimRNN
	sc.NumSamples = s.NumSamples
	sc.Transition = s.Transition
	sc.Objective = s.Objective
	m, err := registry.New(s.Family, registry.Options{Learner: lc, SNLDS: sc})
	if err != nil {
		return nil, fmt.Errorf("failed to build %s model: %w", s.Family, err)
	}
	return m, nil
}

func trainConfig(s config.Settings) train.Config {
	return train.Config{
		Epochs:       s.Epochs,
		BatchSize:    s.BatchSize,
		Optimizer:    s.Optimizer,
		LearningRate: s.LearningRate,
		L2:           s.L2,
		LRStep:       s.LRStep,
		LRGamma:      s.LRGamma,
		EarlyStop:    s.EarlyStop,
		Metric:       s.Metric,
		Seed:         s.TrainSeed,
	}
}

type fitOutcome struct {
	run    model.Run
	result train.Result
	test   *train.Evaluation
}

// fitAndRecord trains a fresh model, storing the run, its losses, the best
// parameters and the test-phase scores.
func fitAndRecord(ctx context.Context, st *store.Store, log *slog.Logger, s config.Settings, data dataset) (fitOutcome, error) {
	m, err := buildModel(s, len(data.learners), data.summary.NumNode, false)
	if err != nil {
		return fitOutcome{}, err
	}
	encoded, err := encodeSettings(s)
	if err != nil {
		return fitOutcome{}, err
	}
	run, err := st.StartRun(ctx, model.Run{Family: m.Family(), Mode: s.Mode, Dataset: data.name, Config: encoded})
	if err != nil {
		return fitOutcome{}, fmt.Errorf("failed to create run: %w", err)
	}
	log = log.With("run", run.ID[:8], "family", m.Family())

	tr, err := train.New(m, data.summary.NumNode, trainConfig(s), log)
	if err != nil {
		return fitOutcome{}, err
	}
	rec := st.Recorder(run.ID)
	res, err := tr.Fit(ctx, data.split, rec)
	if err != nil {
		return fitOutcome{}, fmt.Errorf("failed to train %s: %w", m.Family(), err)
	}
	if err := st.SaveCheckpoint(ctx, run.ID, checkpoints(m.Params())); err != nil {
		return fitOutcome{}, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	out := fitOutcome{result: res}
	if len(data.split.Test) > 0 {
		eval, err := tr.Evaluate(data.split.Test)
		if err != nil {
			return fitOutcome{}, fmt.Errorf("failed to evaluate: %w", err)
		}
		for k, v := range eval.Losses {
			r := model.LossRecord{Epoch: res.BestEpoch, Phase: train.PhaseTest, Key: k, Value: v}
			if err := rec.Record(ctx, r); err != nil {
				return fitOutcome{}, fmt.Errorf("failed to record test loss: %w", err)
			}
		}
		out.test = &eval
	}
	if err := st.FinishRun(ctx, run.ID, res.BestEpoch, res.BestMetric, time.Now().UTC()); err != nil {
		return fitOutcome{}, fmt.Errorf("failed to finish run: %w", err)
	}
	out.run, err = st.GetRun(ctx, run.ID)
	if err != nil {
		return fitOutcome{}, err
	}
	log.Info("run finished", "best_epoch", res.BestEpoch, "epochs", res.Epochs, "stopped", res.Stopped)
	return out, nil
}

func encodeSettings(s config.Settings) (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s); err != nil {
		return "", fmt.Errorf("failed to encode settings: %w", err)
	}
	return buf.String(), nil
}

func decodeSettings(raw string) (config.Settings, error) {
	s := config.Defaults()
	if _, err := toml.Decode(raw, &s); err != nil {
		return config.Settings{}, fmt.Errorf("failed to decode run settings: %w", err)
	}
	return s, nil
}

func checkpoints(params []*param.Tensor) []model.Checkpoint {
	out := make([]model.Checkpoint, len(params))
	for i, p := range params {
		out[i] = model.Checkpoint{Name: p.Name, Dims: p.Dims, Data: append([]float64(nil), p.Data...)}
	}
	return out
}

func restoreParams(params []*param.Tensor, cps []model.Checkpoint) error {
	byName := make(map[string]model.Checkpoint, len(cps))
	for _, cp := range cps {
		byName[cp.Name] = cp
	}
	for _, p := range params {
		cp, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint has no parameter %q", p.Name)
		}
		if cp.Dims != p.Dims || len(cp.Data) != len(p.Data) {
			return fmt.Errorf("checkpoint parameter %q has dims %v, model expects %v", p.Name, cp.Dims, p.Dims)
		}
		copy(p.Data, cp.Data)
	}
	return nil
}

func newBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Train several model families concurrently on one dataset",
		Args:  cobra.NoArgs,
		RunE:  runBenchCmd,
	}
	cmd.Flags().StringVar(&trainDataset, "dataset", "", "dataset name")
	cmd.Flags().StringVar(&benchFamilies, "families", "hlr,ppe,ou", "comma-separated model families")
	cmd.Flags().IntVar(&benchJobs, "jobs", defaultBenchJobs, "concurrent trainings")
	addTrainFlags(cmd)
	addDataFlags(cmd)
	return cmd
}

func runBenchCmd(cmd *cobra.Command, _ []string) error {
	s, log, err := resolveSettings(cmd)
	if err != nil {
		return err
	}
	families := splitList(benchFamilies)
	if len(families) == 0 {
		return fmt.Errorf("--families must not be empty")
	}
	if benchJobs <= 0 {
		return fmt.Errorf("--jobs must be > 0")
	}
	st, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	data, err := loadData(cmd.Context(), st, trainDataset, s)
	if err != nil {
		return err
	}

	outcomes := make([]fitOutcome, len(families))
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(benchJobs)
	for i, family := range families {
		fs := s
		fs.Family = family
		g.Go(func() error {
			out, err := fitAndRecord(ctx, st, log, fs, data)
			if err != nil {
				return err
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	tbl := report.Table{
		Headers:    []string{"Family", "Run", "Best", s.Metric, "Test loss", "Test auc"},
		RightAlign: map[int]bool{2: true, 3: true, 4: true, 5: true},
	}
	for i, out := range outcomes {
		testLoss, testAUC := "-", "-"
		if out.test != nil {
			testLoss = report.FormatFloat(out.test.Losses[learner.KeyTotal])
			if v, ok := out.test.Losses["auc"]; ok {
				testAUC = report.FormatFloat(v)
			}
		}
		tbl.Rows = append(tbl.Rows, []string{
			families[i], out.run.ID[:8], strconv.Itoa(out.result.BestEpoch),
			report.FormatFloat(out.result.BestMetric), testLoss, testAUC,
		})
	}
	w := cmd.OutOrStdout()
	if err := tbl.Write(w, report.UseColor(w)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func newEvalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval <run-id>",
		Short: "Score a trained run on its dataset",
		Args:  cobra.ExactArgs(1),
		RunE:  runEvalCmd,
	}
	cmd.Flags().StringVar(&evalPhase, "phase", train.PhaseTest, "learners to score (train, valid, test, all)")
	cmd.Flags().IntVar(&evalWeakTop, "weak-top", defaultWeakTop, "weakest skills to list")
	return cmd
}

func runEvalCmd(cmd *cobra.Command, args []string) error {
	_, log, err := resolveSettings(cmd)
	if err != nil {
		return err
	}
	st, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()
	ctx := cmd.Context()

	run, err := st.GetRun(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}
	s, err := decodeSettings(run.Config)
	if err != nil {
		return err
	}
	data, err := loadData(ctx, st, run.Dataset, s)
	if err != nil {
		return err
	}
	m, err := buildModel(s, len(data.learners), data.summary.NumNode, false)
	if err != nil {
		return err
	}
	cps, err := st.LoadCheckpoint(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := restoreParams(m.Params(), cps); err != nil {
		return err
	}

	var target []model.Learner
	switch evalPhase {
	case train.PhaseTrain:
		target = data.split.Train
	case train.PhaseValid:
		target = data.split.Valid
	case train.PhaseTest:
		target = data.split.Test
	case "all":
		target = data.learners
	default:
		return fmt.Errorf("--phase must be train, valid, test or all")
	}
	tr, err := train.New(m, data.summary.NumNode, trainConfig(s), log)
	if err != nil {
		return err
	}
	eval, err := tr.Evaluate(target)
	if err != nil {
		return fmt.Errorf("failed to evaluate: %w", err)
	}

	w := cmd.OutOrStdout()
	color := report.UseColor(w)
	if err := report.MetricsTable(eval.Losses).Write(w, color); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	weak := stats.WeakestSkills(stats.SummarizeSkills(eval.Skills, eval.Labels, eval.Preds), evalWeakTop)
	if len(weak) == 0 {
		return nil
	}
	if _, err := fmt.Fprintln(w, "\nWeakest skills"); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	if err := report.SkillTable(weak).Write(w, color); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List runs, or show the loss history of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRunsCmd,
	}
	cmd.Flags().StringVar(&runsFamily, "family", "", "family filter")
	cmd.Flags().StringVar(&runsDataset, "dataset", "", "dataset filter")
	cmd.Flags().StringVar(&runsSince, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&runsLast, "last", 0, "limit to last N runs")
	cmd.Flags().IntVar(&runsCurveWindow, "curve-window", defaultCurveWindow, "moving average window")
	return cmd
}

func runRunsCmd(cmd *cobra.Command, args []string) error {
	st, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()
	ctx := cmd.Context()
	w := cmd.OutOrStdout()
	color := report.UseColor(w)

	if len(args) == 1 {
		rep, err := report.BuildRunReport(ctx, st, args[0], runsCurveWindow)
		if err != nil {
			return fmt.Errorf("failed to load run: %w", err)
		}
		return rep.Write(w, 0, color)
	}

	filter := store.RunFilter{Family: runsFamily, Dataset: runsDataset, Limit: runsLast}
	if runsSince != "" {
		parsed, err := time.ParseInLocation("2006-01-02", runsSince, time.Local)
		if err != nil {
			return fmt.Errorf("invalid --since value: %w", err)
		}
		filter.Since = &parsed
	}
	runs, err := st.ListRuns(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if len(runs) == 0 {
		logErrln("No runs yet. Train one with: ktsim train --dataset <name>")
		return nil
	}
	return report.RunsTable(runs).Write(w, color)
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Generate a synthetic interaction log from a model",
		Args:  cobra.NoArgs,
		RunE:  runSimulateCmd,
	}
	f := cmd.Flags()
	addModelFlags(cmd)
	f.IntVar(&simOpts.NumSeq, "num-seq", simOpts.NumSeq, "learners")
	f.IntVar(&simOpts.NumNode, "num-node", simOpts.NumNode, "skills")
	f.IntVar(&simOpts.Steps, "steps", simOpts.Steps, "interactions per learner")
	f.Float64Var(&simOpts.MeanGapDays, "gap-days", simOpts.MeanGapDays, "mean days between interactions")
	f.Uint64Var(&simOpts.Seed, "sim-seed", simOpts.Seed, "schedule and outcome seed")
	f.StringVar(&simName, "name", "", "import the result as this dataset")
	f.StringVar(&simOut, "out", "", "write the result to this file (TSV, or CSV by extension; - for stdout)")
	return cmd
}

func runSimulateCmd(cmd *cobra.Command, _ []string) error {
	s, log, err := resolveSettings(cmd)
	if err != nil {
		return err
	}
	if simName == "" && simOut == "" {
		simOut = "-"
	}
	m, err := buildModel(s, simOpts.NumSeq, simOpts.NumNode, true)
	if err != nil {
		return err
	}
	inters, err := synth.Generate(m, simOpts)
	if err != nil {
		return fmt.Errorf("failed to simulate: %w", err)
	}
	log.Info("simulated", "family", m.Family(), "interactions", len(inters))

	if simOut != "" {
		if err := writeInteractions(cmd, simOut, inters); err != nil {
			return err
		}
	}
	if simName != "" {
		return importDataset(cmd, simName, inters)
	}
	return nil
}

func writeInteractions(cmd *cobra.Command, path string, inters []model.Interaction) error {
	comma := '\t'
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		comma = ','
	}
	if path == "-" {
		w := bufio.NewWriter(cmd.OutOrStdout())
		if err := corpus.Write(w, inters, comma); err != nil {
			return fmt.Errorf("failed to write interactions: %w", err)
		}
		return w.Flush()
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), "interactions-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
	}()
	writer := bufio.NewWriter(tmpFile)
	if err := corpus.Write(writer, inters, comma); err != nil {
		return fmt.Errorf("failed to write interactions: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush interactions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close interactions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to write interactions: %w", err)
	}
	logErrf("Wrote %s\n", path)
	return nil
}
