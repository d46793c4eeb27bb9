package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verte-zerg/ktsim/internal/config"
	"github.com/verte-zerg/ktsim/internal/model"
	"github.com/verte-zerg/ktsim/internal/param"
	"github.com/verte-zerg/ktsim/internal/store"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	settings = config.Defaults()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	require.NoError(t, root.ExecuteContext(context.Background()), out.String())
	return out.String()
}

func TestSimulateTrainEvalRuns(t *testing.T) {
	dir := t.TempDir()
	common := []string{"--db", filepath.Join(dir, "ktsim.db"), "--config-file", filepath.Join(dir, "absent.toml"), "--log-level", "error"}
	with := func(args ...string) []string { return append(args, common...) }

	execute(t, with("simulate", "--family", "hlr", "--num-seq", "12", "--num-node", "2", "--steps", "8", "--name", "toy")...)
	execute(t, with("train", "--dataset", "toy", "--family", "hlr", "--epochs", "2", "--batch-size", "6", "--early-stop", "0")...)

	st, err := store.Open(filepath.Join(dir, "ktsim.db"))
	require.NoError(t, err)
	runs, err := st.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	require.NoError(t, st.Close())
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].EndedAt)
	assert.Equal(t, "hlr", runs[0].Family)

	out := execute(t, with("eval", runs[0].ID[:8], "--phase", "all")...)
	assert.Contains(t, out, "loss_total")
	assert.Contains(t, out, "Weakest skills")

	out = execute(t, with("runs")...)
	assert.Contains(t, out, runs[0].ID[:8])

	out = execute(t, with("runs", runs[0].ID)...)
	assert.Contains(t, out, "train/loss_total")
}

func TestSimulateToStdout(t *testing.T) {
	dir := t.TempDir()
	out := execute(t, "simulate", "--family", "ppe", "--num-seq", "2", "--num-node", "1", "--steps", "3",
		"--db", filepath.Join(dir, "ktsim.db"), "--config-file", filepath.Join(dir, "absent.toml"), "--log-level", "error")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1+2*3)
	assert.Equal(t, "user_id\tskill_id\tproblem_id\tcorrect\ttimestamp", lines[0])
}

func TestSimulateSNLDS(t *testing.T) {
	dir := t.TempDir()
	out := execute(t, "simulate", "--family", "snlds", "--num-seq", "3", "--num-node", "2", "--steps", "4",
		"--db", filepath.Join(dir, "ktsim.db"), "--config-file", filepath.Join(dir, "absent.toml"), "--log-level", "error")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1+3*4)
	for _, line := range lines[1:] {
		fields := strings.Split(line, "\t")
		require.Len(t, fields, 5)
		assert.Contains(t, []string{"0", "1"}, fields[3])
	}
}

func TestModelsListsFamilies(t *testing.T) {
	out := execute(t, "models")
	for _, family := range []string{"hlr", "ppe", "ou", "graph_ou", "snlds"} {
		assert.Contains(t, out, family)
	}
}

func TestModeForFoldSplit(t *testing.T) {
	s := config.Defaults()
	assert.Equal(t, "simple", modeFor(s))
	s.Split = config.SplitFold
	s.Mode = "ls"
	_, _, err := param.ParseMode(modeFor(s))
	require.ErrorIs(t, err, param.ErrUnknownMode)
	s.Mode = "ns"
	assert.Equal(t, "ns_split_learner", modeFor(s))
}

func TestSettingsRoundTrip(t *testing.T) {
	s := config.Defaults()
	s.Family = "snlds"
	s.NumSamples = 4
	s.LearningRate = 0.02
	raw, err := encodeSettings(s)
	require.NoError(t, err)
	got, err := decodeSettings(raw)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestRestoreParams(t *testing.T) {
	p := param.New("theta", param.Shared, 1, 1, 2)
	cps := checkpoints([]*param.Tensor{p})
	cps[0].Data[0] = 7
	require.NoError(t, restoreParams([]*param.Tensor{p}, cps))
	assert.Equal(t, []float64{7, 0}, p.Data)

	err := restoreParams([]*param.Tensor{p}, []model.Checkpoint{{Name: "theta", Dims: [3]int{1, 1, 3}, Data: make([]float64, 3)}})
	require.Error(t, err)
	err = restoreParams([]*param.Tensor{p}, nil)
	require.Error(t, err)
}
