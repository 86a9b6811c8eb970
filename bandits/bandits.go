// Package bandits provides synthetic objectives with known optima, used to
// exercise and demonstrate the optimizer.
package bandits

import (
	"fmt"
	"math"
	"sort"

	"github.com/thalesfsp/gpbandit"
)

//////
// Const, vars, types.
//////

// Factory builds a bandit.
type Factory func() gpbandit.Bandit

var registry = map[string]Factory{
	"gaussian":     func() gpbandit.Bandit { return NewGaussian() },
	"uniform":      func() gpbandit.Bandit { return NewUniform() },
	"lognormal":    func() gpbandit.Bandit { return NewLogNormal() },
	"qlognormal":   func() gpbandit.Bandit { return NewQLogNormal() },
	"gaussian2var": func() gpbandit.Bandit { return NewGaussian2Var(1, 1) },
	"gaussian4var": func() gpbandit.Bandit { return NewGaussian4Var(1, .5, 2, 1) },
	"two-arms":     func() gpbandit.Bandit { return NewTwoArms() },
	"dummy-dbn":    func() gpbandit.Bandit { return NewDummyDBN() },
}

//////
// Registry.
//////

// ByName returns a new bandit registered under name.
func ByName(name string) (gpbandit.Bandit, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown bandit %q, expected one of %v", name, Names())
	}

	return f(), nil
}

// Names returns the registered bandit names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

//////
// Single variable bandits.
//////

// quadratic is a one-variable bandit with loss (x - target)^2.
type quadratic struct {
	space    *gpbandit.Space
	target   float64
	variance float64
}

func newQuadratic(dist *gpbandit.Distribution, target, variance float64) *quadratic {
	return &quadratic{
		space:    mustCompile(gpbandit.NewDict(gpbandit.F("x", dist))),
		target:   target,
		variance: variance,
	}
}

// Space implements gpbandit.Bandit.
func (q *quadratic) Space() *gpbandit.Space { return q.space }

// Evaluate implements gpbandit.Bandit.
func (q *quadratic) Evaluate(config gpbandit.Config) (gpbandit.Result, error) {
	x, err := number(config, "x")
	if err != nil {
		return gpbandit.Result{}, err
	}

	return okResult((x-q.target)*(x-q.target), q.variance), nil
}

// NewGaussian returns {x: gaussian(0, 1)} with loss (x-2)^2.
func NewGaussian() gpbandit.Bandit { return newQuadratic(gpbandit.Gaussian(0, 1), 2, .1) }

// NewUniform returns {x: uniform(0, 1)} with loss (x-.5)^2.
func NewUniform() gpbandit.Bandit { return newQuadratic(gpbandit.Uniform(0, 1), .5, 1e-4) }

// NewLogNormal returns {x: lognormal(0, 1)} with loss (x-2)^2.
func NewLogNormal() gpbandit.Bandit { return newQuadratic(gpbandit.LogNormal(0, 1), 2, .1) }

// NewQLogNormal returns {x: qlognormal(5, 2, 1)} with loss (x-30)^2.
func NewQLogNormal() gpbandit.Bandit { return newQuadratic(gpbandit.QLogNormal(5, 2, 1), 30, .1) }

//////
// Multi variable bandits.
//////

// Gaussian2Var is {x, y: gaussian(0, 1)} with loss A(x-2)^2 + B(y-2)^2.
type Gaussian2Var struct {
	A, B float64

	space *gpbandit.Space
}

// NewGaussian2Var returns a Gaussian2Var with the given sensitivities.
func NewGaussian2Var(a, b float64) *Gaussian2Var {
	return &Gaussian2Var{
		A: a,
		B: b,
		space: mustCompile(gpbandit.NewDict(
			gpbandit.F("x", gpbandit.Gaussian(0, 1)),
			gpbandit.F("y", gpbandit.Gaussian(0, 1)),
		)),
	}
}

// Space implements gpbandit.Bandit.
func (g *Gaussian2Var) Space() *gpbandit.Space { return g.space }

// Evaluate implements gpbandit.Bandit.
func (g *Gaussian2Var) Evaluate(config gpbandit.Config) (gpbandit.Result, error) {
	x, err := number(config, "x")
	if err != nil {
		return gpbandit.Result{}, err
	}

	y, err := number(config, "y")
	if err != nil {
		return gpbandit.Result{}, err
	}

	return okResult(g.A*(x-2)*(x-2)+g.B*(y-2)*(y-2), .1), nil
}

// Gaussian4Var nests continuous leaves inside a choice:
//
//	{p0: choice({a, b: gaussian(0, 1)}, {c, d: gaussian(0, 1)})}
//
// The loss is A(a-2)^2 + B(b-2)^2 + C(c-2)^2 + D(d-2)^2, where a key of
// the branch that was not chosen counts as 2.
type Gaussian4Var struct {
	A, B, C, D float64

	space *gpbandit.Space
}

// NewGaussian4Var returns a Gaussian4Var with the given sensitivities.
func NewGaussian4Var(a, b, c, d float64) *Gaussian4Var {
	return &Gaussian4Var{
		A: a, B: b, C: c, D: d,
		space: mustCompile(gpbandit.NewDict(
			gpbandit.F("p0", gpbandit.NewChoice(
				gpbandit.NewDict(
					gpbandit.F("a", gpbandit.Gaussian(0, 1)),
					gpbandit.F("b", gpbandit.Gaussian(0, 1)),
				),
				gpbandit.NewDict(
					gpbandit.F("c", gpbandit.Gaussian(0, 1)),
					gpbandit.F("d", gpbandit.Gaussian(0, 1)),
				),
			)),
		)),
	}
}

// Space implements gpbandit.Bandit.
func (g *Gaussian4Var) Space() *gpbandit.Space { return g.space }

// Evaluate implements gpbandit.Bandit.
func (g *Gaussian4Var) Evaluate(config gpbandit.Config) (gpbandit.Result, error) {
	p0, isMap := config["p0"].(map[string]any)
	if !isMap {
		return gpbandit.Result{}, fmt.Errorf("p0: expected a map, got %T", config["p0"])
	}

	keys := []string{"a", "b", "c", "d"}
	weights := []float64{g.A, g.B, g.C, g.D}

	var loss float64
	for i, key := range keys {
		v := 2.0
		if _, found := p0[key]; found {
			var err error
			if v, err = number(p0, key); err != nil {
				return gpbandit.Result{}, err
			}
		}

		loss += weights[i] * (v - 2) * (v - 2)
	}

	return okResult(loss, .1), nil
}

//////
// Categorical bandits.
//////

// TwoArms is {x: one_of(0, 1)}. Arm 0 always loses 0 and arm 1 always
// loses 1.
type TwoArms struct {
	space *gpbandit.Space
}

// NewTwoArms returns a TwoArms bandit.
func NewTwoArms() *TwoArms {
	return &TwoArms{space: mustCompile(gpbandit.NewDict(gpbandit.F("x", gpbandit.OneOf(0, 1))))}
}

// Space implements gpbandit.Bandit.
func (t *TwoArms) Space() *gpbandit.Space { return t.space }

// Evaluate implements gpbandit.Bandit.
func (t *TwoArms) Evaluate(config gpbandit.Config) (gpbandit.Result, error) {
	x, err := number(config, "x")
	if err != nil {
		return gpbandit.Result{}, err
	}

	return okResult(x, .01), nil
}

//////
// Helpers.
//////

func okResult(loss, variance float64) gpbandit.Result {
	return gpbandit.Result{Status: gpbandit.StatusOK, Loss: loss, LossVariance: variance}
}

// number reads a numeric value from m.
func number(m map[string]any, key string) (float64, error) {
	switch v := m[key].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case nil:
		return math.NaN(), fmt.Errorf("%s: missing", key)
	default:
		return math.NaN(), fmt.Errorf("%s: expected a number, got %T", key, v)
	}
}

func mustCompile(root gpbandit.Node) *gpbandit.Space {
	space, err := gpbandit.Compile(root)
	if err != nil {
		panic(err)
	}

	return space
}
