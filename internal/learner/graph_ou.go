package learner

import (
	"fmt"

	"github.com/verte-zerg/ktsim/internal/graph"
	"github.com/verte-zerg/ktsim/internal/param"
)

// FamilyGraphOU is the registry tag of the graph-coupled OU model.
const FamilyGraphOU = "graph_ou"

// omega weighs empowerment against the node's own reversion speed.
const omega = 0.5

// Empowerment returns, for every node j, gamma_j times the in-degree
// normalized sum of its prerequisites' states. Nodes without incoming edges
// get exactly zero.
func Empowerment(g *graph.Graph, x, gamma, dst []float64) []float64 {
	n := g.Nodes()
	if dst == nil {
		dst = make([]float64, n)
	}
	for j := 0; j < n; j++ {
		deg := g.InDegree(j)
		if deg == 0 {
			dst[j] = 0
			continue
		}
		var sum float64
		for i := 0; i < n; i++ {
			sum += g.Adj(i, j) * x[i]
		}
		dst[j] = gamma[j] / (deg + eps) * sum
	}
	return dst
}

// GraphOU couples per-node OU processes through the skill graph: the
// empowerment from prerequisite nodes is mixed into each node's reversion
// speed. Mixing into the reversion level instead is the alternative design.
type GraphOU struct {
	*OU
	gamma *param.Tensor
	graph *graph.Graph
}

// NewGraphOU builds a graph-coupled OU model. cfg.Graph must have one
// vertex per node.
func NewGraphOU(cfg Config) (*GraphOU, error) {
	if cfg.Graph == nil {
		return nil, fmt.Errorf("%w: %s needs a skill graph", ErrShape, FamilyGraphOU)
	}
	if cfg.Graph.Nodes() != cfg.NumNode {
		return nil, fmt.Errorf("%w: graph has %d nodes, model has %d", ErrShape, cfg.Graph.Nodes(), cfg.NumNode)
	}
	ou, rng, err := newOU(FamilyGraphOU, cfg)
	if err != nil {
		return nil, err
	}
	gamma, err := ou.newParam("gamma", 1, ou.mode, func(t *param.Tensor) { t.Uniform(rng, 0, 1) })
	if err != nil {
		return nil, err
	}
	return &GraphOU{OU: ou, gamma: gamma, graph: cfg.Graph}, nil
}

// SimulatePath samples coupled latent paths. Drift and noise both use the
// gap between consecutive steps.
func (m *GraphOU) SimulatePath(in Input) (*Output, error) {
	g, err := m.check(in)
	if err != nil {
		return nil, err
	}
	if m.graph.Nodes() != g.nodes {
		return nil, fmt.Errorf("%w: graph has %d nodes, batch uses %d", ErrShape, m.graph.Nodes(), g.nodes)
	}
	r, err := m.rates(g)
	if err != nil {
		return nil, err
	}
	gammaV, err := m.gamma.View(g.users, g.nodes)
	if err != nil {
		return nil, err
	}

	noise := drawNoise(g, in.Seed)
	out := newOutput(in, g, observe, "x_original", "shock", "empowerment")
	latent, shocks, power := out.Aux["x_original"], out.Aux["shock"], out.Aux["empowerment"]
	for b := 0; b < g.size; b++ {
		for n := 0; n < g.nodes; n++ {
			latent.Set(b, n, 0, in.X0[b][n])
		}
	}

	prev := make([]float64, g.nodes)
	gamma := make([]float64, g.nodes)
	emp := make([]float64, g.nodes)
	for i := 1; i < g.steps; i++ {
		for b := 0; b < g.size; b++ {
			for n := 0; n < g.nodes; n++ {
				prev[n] = latent.At(b, n, i-1)
				gamma[n] = gammaV.At(b, n, 0)
			}
			Empowerment(m.graph, prev, gamma, emp)
			step := elapsedDays(in.Times[b][i], in.Times[b][i-1])
			for n := 0; n < g.nodes; n++ {
				speed, level, vola := r.at(b, n)
				coupled := relu(omega*emp[n]+(1-omega)*speed) + eps
				shock := noise.At(b, n, i) * Std(step, speed, vola)
				x := Mean(prev[n], step, coupled, level) + shock
				if err := m.guard.check(i, "x", x); err != nil {
					return nil, err
				}
				latent.Set(b, n, i, x)
				shocks.Set(b, n, i, shock)
				power.Set(b, n, i, emp[n])
				out.AllPred.Set(b, n, i, observe(x))
			}
			out.ItemPred[b][i] = out.AllPred.At(b, itemAt(in.Items, b, i), i)
		}
	}
	return out, nil
}
