package report

import (
	"bytes"
	"math"
	"strings"
	"testing"
)

func TestChartRender(t *testing.T) {
	var buf bytes.Buffer
	chart := Chart{
		Title: "Loss",
		Series: []Series{
			{Name: "train/loss_total", Values: []float64{0.9, 0.7, 0.6, 0.55, 0.5}},
			{Name: "valid/loss_total", Values: []float64{0.95, 0.8, 0.7, 0.7, 0.72}},
		},
		Width:  12,
		Height: 4,
	}
	if err := chart.Render(&buf); err != nil {
		t.Fatalf("render failed: %v", err)
	}
	out := buf.String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	// title, four plot rows, legend
	if len(lines) != 6 {
		t.Fatalf("expected 6 lines, got %d:\n%s", len(lines), out)
	}
	if lines[0] != "Loss" {
		t.Fatalf("unexpected title %q", lines[0])
	}
	if !strings.Contains(lines[1], "0.95") {
		t.Fatalf("top axis label should be the maximum: %q", lines[1])
	}
	if !strings.Contains(lines[4], "0.5") {
		t.Fatalf("bottom axis label should be the minimum: %q", lines[4])
	}
	if !strings.Contains(lines[5], "train/loss_total (solid)") || !strings.Contains(lines[5], "valid/loss_total (dashed)") {
		t.Fatalf("unexpected legend %q", lines[5])
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("plain rendering must not contain escape codes")
	}
}

func TestChartSkipsNonFinite(t *testing.T) {
	var buf bytes.Buffer
	chart := Chart{Series: []Series{{Name: "nan", Values: []float64{math.NaN(), math.Inf(1)}}}, Width: 10}
	if err := chart.Render(&buf); err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}
}

func TestResampleSeries(t *testing.T) {
	down := resampleSeries([]float64{1, 3, 5, 7}, 2)
	if down[0] != 2 || down[1] != 6 {
		t.Fatalf("unexpected downsample %v", down)
	}
	up := resampleSeries([]float64{0, 10}, 3)
	if up[0] != 0 || up[1] != 5 || up[2] != 10 {
		t.Fatalf("unexpected upsample %v", up)
	}
}

func TestDrawLineEndpoints(t *testing.T) {
	var pts [][2]int
	drawLine(0, 0, 4, 2, func(x, y int) { pts = append(pts, [2]int{x, y}) })
	if pts[0] != [2]int{0, 0} || pts[len(pts)-1] != [2]int{4, 2} {
		t.Fatalf("unexpected endpoints %v", pts)
	}
	if len(pts) != 5 {
		t.Fatalf("expected one point per column, got %v", pts)
	}
}
