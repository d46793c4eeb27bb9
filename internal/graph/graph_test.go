package graph

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndInDegree(t *testing.T) {
	g, err := Parse([]byte(`
nodes: 3
edges:
  - {from: 0, to: 2}
  - {from: 1, to: 2, weight: 0.5}
`))
	require.NoError(t, err)
	assert.Equal(t, 3, g.Nodes())
	assert.Equal(t, 2, g.Edges())
	assert.Equal(t, 0.0, g.InDegree(0))
	assert.Equal(t, 1.5, g.InDegree(2))
	assert.Equal(t, 0.5, g.Adj(1, 2))
}

func TestParseRejectsOutOfRange(t *testing.T) {
	_, err := Parse([]byte("nodes: 2\nedges:\n  - {from: 0, to: 2}\n"))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestLoadMarshalRoundTrip(t *testing.T) {
	g, err := FromMatrix([][]float64{{0, 1}, {0.25, 0}})
	require.NoError(t, err)
	data, err := g.Marshal()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, g.adj, loaded.adj)
}

func TestFromMatrixRejectsRagged(t *testing.T) {
	_, err := FromMatrix([][]float64{{0, 1}, {0}})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}
