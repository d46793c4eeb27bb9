package report

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/verte-zerg/ktsim/internal/model"
	"github.com/verte-zerg/ktsim/internal/stats"
	"github.com/verte-zerg/ktsim/internal/store"
)

// RunReport holds the loss history of one run grouped into curves.
type RunReport struct {
	Run model.Run
	// Curves are keyed "phase/key" and sorted by that name.
	Curves []Series
	// Last holds the final raw value of every curve.
	Last map[string]float64
}

// BuildRunReport loads a run and its loss history. Curves are smoothed with
// a trailing moving average of window epochs.
func BuildRunReport(ctx context.Context, st *store.Store, runID string, window int) (RunReport, error) {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return RunReport{}, err
	}
	records, err := st.ListLosses(ctx, run.ID, "", "")
	if err != nil {
		return RunReport{}, err
	}

	byName := map[string][]float64{}
	for _, rec := range records {
		name := rec.Phase + "/" + rec.Key
		byName[name] = append(byName[name], rec.Value)
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	rep := RunReport{Run: run, Last: map[string]float64{}}
	for _, name := range names {
		values := byName[name]
		rep.Last[name] = values[len(values)-1]
		rep.Curves = append(rep.Curves, Series{Name: name, Values: stats.MovingAverage(values, window)})
	}
	return rep, nil
}

// Curve returns the curve named phase/key, if any.
func (r RunReport) Curve(phase, key string) (Series, bool) {
	name := phase + "/" + key
	for _, s := range r.Curves {
		if s.Name == name {
			return s, true
		}
	}
	return Series{}, false
}

// Write prints the run header, the final values and the loss and metric
// charts.
func (r RunReport) Write(w io.Writer, width int, color bool) error {
	header := fmt.Sprintf("run %s  %s/%s on %s  started %s", r.Run.ID, r.Run.Family, r.Run.Mode,
		r.Run.Dataset, r.Run.StartedAt.Local().Format(time.DateTime))
	if color {
		header = titleStyle.Render(header)
	}
	if _, err := fmt.Fprintln(w, header); err != nil {
		return err
	}
	if r.Run.BestEpoch >= 0 {
		if _, err := fmt.Fprintf(w, "best epoch %d  metric %s\n", r.Run.BestEpoch, FormatFloat(r.Run.BestMetric)); err != nil {
			return err
		}
	}
	if len(r.Curves) == 0 {
		_, err := fmt.Fprintln(w, "no losses recorded")
		return err
	}

	names := make([]string, 0, len(r.Last))
	for name := range r.Last {
		names = append(names, name)
	}
	sort.Strings(names)
	tbl := Table{Headers: []string{"Series", "Epochs", "Last"}, RightAlign: map[int]bool{1: true, 2: true}}
	for _, name := range names {
		s, _ := r.curveByName(name)
		tbl.Rows = append(tbl.Rows, []string{name, strconv.Itoa(len(s.Values)), FormatFloat(r.Last[name])})
	}
	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}
	if err := tbl.Write(w, color); err != nil {
		return err
	}

	var losses, metrics []Series
	for _, s := range r.Curves {
		if strings.HasSuffix(s.Name, "/loss_total") {
			losses = append(losses, s)
		} else if strings.HasPrefix(s.Name, "valid/") {
			metrics = append(metrics, s)
		}
	}
	for _, chart := range []Chart{
		{Title: "Loss", Series: losses, Width: width, Color: color},
		{Title: "Validation metrics", Series: metrics, Width: width, Color: color},
	} {
		if len(chart.Series) == 0 {
			continue
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
		if err := chart.Render(w); err != nil {
			return err
		}
	}
	return nil
}

func (r RunReport) curveByName(name string) (Series, bool) {
	phase, key, _ := strings.Cut(name, "/")
	return r.Curve(phase, key)
}

// RunsTable lists runs, newest first as given.
func RunsTable(runs []model.Run) Table {
	tbl := Table{
		Headers:    []string{"ID", "Family", "Mode", "Dataset", "Started", "Duration", "Best", "Metric"},
		RightAlign: map[int]bool{5: true, 6: true, 7: true},
	}
	for _, r := range runs {
		duration, best, metric := "running", "-", "-"
		if r.EndedAt != nil {
			duration = r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		if r.BestEpoch >= 0 {
			best = strconv.Itoa(r.BestEpoch)
			metric = FormatFloat(r.BestMetric)
		}
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		tbl.Rows = append(tbl.Rows, []string{
			id, r.Family, r.Mode, r.Dataset, r.StartedAt.Local().Format(time.DateTime), duration, best, metric,
		})
	}
	return tbl
}

// MetricsTable renders named scalars sorted by name.
func MetricsTable(values map[string]float64) Table {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	tbl := Table{Headers: []string{"Metric", "Value"}, RightAlign: map[int]bool{1: true}}
	for _, name := range names {
		tbl.Rows = append(tbl.Rows, []string{name, FormatFloat(values[name])})
	}
	return tbl
}

// SkillTable renders per-skill observed accuracy against mean prediction.
func SkillTable(summaries []stats.SkillSummary) Table {
	tbl := Table{
		Headers:    []string{"Skill", "Attempts", "Accuracy", "Predicted", "Gap"},
		RightAlign: map[int]bool{0: true, 1: true, 2: true, 3: true, 4: true},
	}
	for _, s := range summaries {
		tbl.Rows = append(tbl.Rows, []string{
			strconv.Itoa(s.Skill),
			strconv.Itoa(s.Attempts),
			FormatFloat(s.Accuracy()),
			FormatFloat(s.Predicted),
			fmt.Sprintf("%+.4f", s.Predicted-s.Accuracy()),
		})
	}
	return tbl
}

// DatasetsTable lists imported corpora.
func DatasetsTable(datasets []model.Dataset) Table {
	tbl := Table{
		Headers:    []string{"Dataset", "Interactions", "Learners", "Skills", "Imported"},
		RightAlign: map[int]bool{1: true, 2: true, 3: true},
	}
	for _, d := range datasets {
		tbl.Rows = append(tbl.Rows, []string{
			d.Name, strconv.Itoa(d.Interactions), strconv.Itoa(d.Learners), strconv.Itoa(d.Skills),
			d.ImportedAt.Local().Format(time.DateTime),
		})
	}
	return tbl
}
