package report

import (
	"bytes"
	"math"
	"testing"
)

func TestFormatTableAlignsColumns(t *testing.T) {
	headers := []string{"Skill", "AUC", "Attempts"}
	rows := [][]string{
		{"7", "0.7512", "12"},
		{"fractions", "0.5000", "3"},
	}
	rightAlign := map[int]bool{1: true, 2: true}

	lines := formatTable(headers, rows, rightAlign)
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if lines[0] != "Skill        AUC Attempts" {
		t.Fatalf("unexpected header line: %q", lines[0])
	}
	if lines[1] != "7         0.7512       12" {
		t.Fatalf("unexpected row line: %q", lines[1])
	}
	if lines[2] != "fractions 0.5000        3" {
		t.Fatalf("unexpected row line: %q", lines[2])
	}
}

func TestFormatTableWideRunes(t *testing.T) {
	lines := formatTable([]string{"名前", "n"}, [][]string{{"ab", "1"}}, nil)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	// the CJK header is four cells wide
	if lines[1] != "ab   1" {
		t.Fatalf("unexpected row line: %q", lines[1])
	}
}

func TestTableWritePlain(t *testing.T) {
	var buf bytes.Buffer
	tbl := Table{Headers: []string{"a", "b"}, Rows: [][]string{{"1", "2"}}}
	if err := tbl.Write(&buf, false); err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.String() != "a b\n1 2\n" {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestFormatFloat(t *testing.T) {
	if got := FormatFloat(0.123456); got != "0.1235" {
		t.Fatalf("unexpected: %q", got)
	}
	if got := FormatFloat(math.NaN()); got != "-" {
		t.Fatalf("unexpected: %q", got)
	}
}
