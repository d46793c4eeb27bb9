// Package graph holds the skill dependency graph.
package graph

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned for malformed graph files or matrices.
var ErrInvalid = errors.New("graph: invalid graph")

// Graph is a dense adjacency matrix. Adj(i, j) > 0 is an edge i -> j,
// read as "skill i is a prerequisite of skill j".
type Graph struct {
	n   int
	adj []float64
}

// Empty returns a graph with n nodes and no edges.
func Empty(n int) *Graph {
	return &Graph{n: n, adj: make([]float64, n*n)}
}

// FromMatrix copies a square matrix.
func FromMatrix(rows [][]float64) (*Graph, error) {
	g := Empty(len(rows))
	for i, row := range rows {
		if len(row) != g.n {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrInvalid, i, len(row), g.n)
		}
		copy(g.adj[i*g.n:(i+1)*g.n], row)
	}
	return g, nil
}

// Nodes returns the number of vertices.
func (g *Graph) Nodes() int {
	return g.n
}

// Adj returns the weight of edge i -> j.
func (g *Graph) Adj(i, j int) float64 {
	return g.adj[i*g.n+j]
}

// InDegree returns the summed weight of edges entering j.
func (g *Graph) InDegree(j int) float64 {
	var sum float64
	for i := 0; i < g.n; i++ {
		sum += g.adj[i*g.n+j]
	}
	return sum
}

// Edges returns the number of non-zero entries.
func (g *Graph) Edges() int {
	var count int
	for _, w := range g.adj {
		if w != 0 {
			count++
		}
	}
	return count
}

type fileGraph struct {
	Nodes int        `yaml:"nodes"`
	Edges []fileEdge `yaml:"edges"`
}

type fileEdge struct {
	From   int      `yaml:"from"`
	To     int      `yaml:"to"`
	Weight *float64 `yaml:"weight,omitempty"`
}

// Parse decodes a YAML edge list:
//
//	nodes: 3
//	edges:
//	  - {from: 0, to: 1}
//	  - {from: 1, to: 2, weight: 0.5}
func Parse(data []byte) (*Graph, error) {
	var fg fileGraph
	if err := yaml.Unmarshal(data, &fg); err != nil {
		return nil, fmt.Errorf("failed to decode graph: %w", err)
	}
	if fg.Nodes <= 0 {
		return nil, fmt.Errorf("%w: nodes must be > 0", ErrInvalid)
	}
	g := Empty(fg.Nodes)
	for k, e := range fg.Edges {
		if e.From < 0 || e.From >= g.n || e.To < 0 || e.To >= g.n {
			return nil, fmt.Errorf("%w: edge %d (%d -> %d) outside [0,%d)", ErrInvalid, k, e.From, e.To, g.n)
		}
		w := 1.0
		if e.Weight != nil {
			w = *e.Weight
		}
		g.adj[e.From*g.n+e.To] = w
	}
	return g, nil
}

// Load reads a YAML graph file.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph: %w", err)
	}
	return Parse(data)
}

// Marshal encodes the graph as a YAML edge list.
func (g *Graph) Marshal() ([]byte, error) {
	fg := fileGraph{Nodes: g.n}
	for i := 0; i < g.n; i++ {
		for j := 0; j < g.n; j++ {
			w := g.Adj(i, j)
			if w == 0 {
				continue
			}
			e := fileEdge{From: i, To: j}
			if w != 1 {
				e.Weight = &w
			}
			fg.Edges = append(fg.Edges, e)
		}
	}
	return yaml.Marshal(fg)
}
