package gpbandit

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nestedSpace is {p0: choice({a, b: gaussian(0, 1)}, {c, d: gaussian(0, 1)})}.
func nestedSpace(t *testing.T) *Space {
	t.Helper()

	space, err := Compile(NewDict(
		F("p0", NewChoice(
			NewDict(F("a", Gaussian(0, 1)), F("b", Gaussian(0, 1))),
			NewDict(F("c", Gaussian(0, 1)), F("d", Gaussian(0, 1))),
		)),
	))
	require.NoError(t, err)

	return space
}

func TestCompileFlattensDepthFirst(t *testing.T) {
	space := nestedSpace(t)

	require.Equal(t, 5, space.NumLeaves())

	var paths []string
	for _, l := range space.Leaves() {
		paths = append(paths, l.Path)
	}

	assert.Equal(t, []string{"p0", "p0/0/a", "p0/0/b", "p0/1/c", "p0/1/d"}, paths)

	leaves := space.Leaves()
	assert.True(t, leaves[0].IsChoice())
	assert.Equal(t, 2, leaves[0].NumOptions())
	assert.Equal(t, -1, leaves[0].Parent)

	for i, wantOption := range []int{0, 0, 1, 1} {
		l := leaves[i+1]
		assert.False(t, l.IsChoice())
		assert.Equal(t, 0, l.Parent, l.Path)
		assert.Equal(t, wantOption, l.Option, l.Path)
		assert.Equal(t, KindGaussian, l.Distribution().Kind)
	}
}

func TestCompileRejectsInvalidSpaces(t *testing.T) {
	tests := []struct {
		name string
		root Node
	}{
		{"root not a dict", Gaussian(0, 1)},
		{"zero sigma", NewDict(F("x", Gaussian(0, 0)))},
		{"empty range", NewDict(F("x", Uniform(1, 1)))},
		{"zero q", NewDict(F("x", QUniform(0, 10, 0)))},
		{"empty choice", NewDict(F("x", NewChoice()))},
		{"duplicate key", NewDict(F("x", Gaussian(0, 1)), F("x", Uniform(0, 1)))},
		{"bad weights", NewDict(F("x", &Choice{Options: []Node{&Literal{Value: 1}}, Weights: []float64{-1}}))},
		{"weights length", NewDict(F("x", &Choice{Options: []Node{&Literal{Value: 1}}, Weights: []float64{1, 1}}))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.root)
			assert.ErrorIs(t, err, ErrInvalidSpace)
		})
	}
}

func TestSampleRespectsActivation(t *testing.T) {
	space := nestedSpace(t)
	rng := rand.New(rand.NewPCG(1, 2))

	const n = 200

	ivl := space.Sample(rng, n)
	require.NoError(t, space.CheckShape(ivl))

	// Every trial selects an option.
	assert.Len(t, ivl[0].Idxs, n)

	counts := [2]int{}
	for i, idx := range ivl[0].Idxs {
		o := int(ivl[0].Vals[i])
		require.Contains(t, []int{0, 1}, o)
		counts[o]++

		for leaf := 1; leaf < 5; leaf++ {
			_, active := ivl[leaf].Lookup(idx)
			assert.Equal(t, space.Leaves()[leaf].Option == o, active, "trial %d leaf %d", idx, leaf)
		}
	}

	assert.Greater(t, counts[0], 50)
	assert.Greater(t, counts[1], 50)
	assert.Equal(t, counts[0], ivl[1].Len())
	assert.Equal(t, counts[1], ivl[4].Len())
	assert.Equal(t, makeRange(n), ivl.TrialIdxs())
}

func TestSampleRespectsWeights(t *testing.T) {
	space, err := Compile(NewDict(F("x", &Choice{
		Options: []Node{&Literal{Value: "a"}, &Literal{Value: "b"}},
		Weights: []float64{1, 0},
	})))
	require.NoError(t, err)

	ivl := space.Sample(rand.New(rand.NewPCG(3, 4)), 50)
	for _, v := range ivl[0].Vals {
		assert.Equal(t, 0.0, v)
	}
}

func TestSampleStaysInBounds(t *testing.T) {
	space, err := Compile(NewDict(
		F("u", Uniform(-1, 3)),
		F("g", Gaussian(0, .1)),
		F("qu", QUniform(0, 10, 2.5)),
		F("ln", LogNormal(0, 1)),
		F("qln", QLogNormal(5, 2, 1)),
	))
	require.NoError(t, err)

	ivl := space.Sample(rand.New(rand.NewPCG(5, 6)), 500)

	for leaf := range space.Leaves() {
		low, high := space.ValueBounds(leaf)
		for _, v := range ivl[leaf].Vals {
			assert.GreaterOrEqual(t, v, low)
			assert.LessOrEqual(t, v, high)
		}
	}

	for _, v := range ivl[2].Vals {
		assert.InDelta(t, 0, math.Mod(v, 2.5), 1e-9)
	}

	for _, v := range ivl[4].Vals {
		assert.GreaterOrEqual(t, v, 1.0)
		assert.Equal(t, math.Round(v), v)
	}
}

func TestValueBounds(t *testing.T) {
	space, err := Compile(NewDict(
		F("g", Gaussian(0, 1)),
		F("u", Uniform(0, 1)),
		F("ln", LogNormal(0, 1)),
		F("qln", QLogNormal(5, 2, 1)),
		F("c", OneOf("x", "y", "z")),
	))
	require.NoError(t, err)

	low, high := space.ValueBounds(0)
	assert.Equal(t, -5.0, low)
	assert.Equal(t, 5.0, high)

	low, high = space.ValueBounds(1)
	assert.Equal(t, 0.0, low)
	assert.Equal(t, 1.0, high)

	low, high = space.ValueBounds(2)
	assert.Greater(t, low, 0.0)
	assert.InDelta(t, math.Exp(5), high, 1e-9)

	low, high = space.ValueBounds(3)
	assert.Equal(t, 1.0, low)
	assert.Greater(t, high, 1.0)

	low, high = space.ValueBounds(4)
	assert.Equal(t, 0.0, low)
	assert.Equal(t, 2.0, high)
}

func TestDistributionProject(t *testing.T) {
	qu := QUniform(0, 10, 2)
	assert.Equal(t, 4.0, qu.project(4.9))
	assert.Equal(t, 10.0, qu.project(13))
	assert.Equal(t, 0.0, qu.project(-3))

	qln := QLogNormal(0, 1, 1)
	assert.Equal(t, 1.0, qln.project(0.2))

	g := Gaussian(1, 2)
	assert.Equal(t, -3.5, g.project(-3.5))
	assert.Equal(t, -9.0, g.project(-123.5))
	assert.Equal(t, 11.0, g.project(1e9))
}

func makeRange(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}

	return out
}
