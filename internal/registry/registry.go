// Package registry maps model family tags to constructors.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/verte-zerg/ktsim/internal/learner"
	"github.com/verte-zerg/ktsim/internal/snlds"
)

// ErrUnknownFamily is returned for a tag with no constructor.
var ErrUnknownFamily = errors.New("registry: unknown model family")

// Options configure any family. SNLDS reads its own section on top of the
// shared learner config.
type Options struct {
	Learner learner.Config
	SNLDS   snlds.Config
}

// Constructor builds a model from options.
type Constructor func(Options) (learner.Model, error)

var constructors = map[string]Constructor{
	learner.FamilyHLR: func(o Options) (learner.Model, error) {
		return learner.NewHLR(o.Learner)
	},
	learner.FamilyPPE: func(o Options) (learner.Model, error) {
		return learner.NewPPE(o.Learner)
	},
	learner.FamilyOU: func(o Options) (learner.Model, error) {
		return learner.NewOU(o.Learner)
	},
	learner.FamilyGraphOU: func(o Options) (learner.Model, error) {
		return learner.NewGraphOU(o.Learner)
	},
	snlds.FamilySNLDS: func(o Options) (learner.Model, error) {
		cfg := o.SNLDS
		cfg.Config = o.Learner
		return snlds.New(cfg)
	},
}

// New builds the model registered under family. Tags are case-insensitive.
func New(family string, opts Options) (learner.Model, error) {
	ctor, ok := constructors[strings.ToLower(strings.TrimSpace(family))]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownFamily, family, strings.Join(Families(), ", "))
	}
	return ctor(opts)
}

// Families lists the registered tags in sorted order.
func Families() []string {
	out := make([]string, 0, len(constructors))
	for name := range constructors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Describe returns a one-line summary of a family.
func Describe(family string) string {
	switch family {
	case learner.FamilyHLR:
		return "half-life regression over practice counts"
	case learner.FamilyPPE:
		return "predictive performance equation with spacing-driven decay"
	case learner.FamilyOU:
		return "Ornstein-Uhlenbeck mastery diffusion per skill"
	case learner.FamilyGraphOU:
		return "OU diffusion coupled through the skill graph"
	case snlds.FamilySNLDS:
		return "switching non-linear dynamics with variational inference"
	}
	return ""
}
