package gpbandit

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigRoundTrip(t *testing.T) {
	space := nestedSpace(t)

	configs := []Config{
		{"p0": Config{"a": 0.5, "b": -1.25}},
		{"p0": Config{"c": 2.0, "d": 3.5}},
		{"p0": Config{"a": 1.0, "b": 0.0}},
	}
	idxs := []int{4, 7, 9}

	ivl, err := space.FromConfigs(configs, idxs)
	require.NoError(t, err)

	assert.Equal(t, []int{4, 7, 9}, ivl[0].Idxs)
	assert.Equal(t, []float64{0, 1, 0}, ivl[0].Vals)
	assert.Equal(t, []int{4, 9}, ivl[1].Idxs)
	assert.Equal(t, []float64{0.5, 1.0}, ivl[1].Vals)
	assert.Equal(t, []int{7}, ivl[3].Idxs)
	assert.Equal(t, []float64{3.5}, ivl[4].Vals)

	decoded, err := space.ToConfigs(ivl, idxs)
	require.NoError(t, err)
	assert.Equal(t, configs, decoded)
}

func TestConfigRoundTripLiterals(t *testing.T) {
	space, err := Compile(NewDict(
		F("kind", OneOf("raw", nil, true)),
		F("size", OneOf(20, 100)),
		F("penalty", NewChoice(&Literal{Value: nil}, LogNormal(0, 1))),
	))
	require.NoError(t, err)

	configs := []Config{
		{"kind": "raw", "size": 100, "penalty": nil},
		{"kind": nil, "size": 20, "penalty": 2.5},
		{"kind": true, "size": 20, "penalty": nil},
	}

	ivl, err := space.FromConfigs(configs, []int{0, 1, 2})
	require.NoError(t, err)

	assert.Equal(t, []float64{0, 1, 2}, ivl[0].Vals)
	assert.Equal(t, []float64{1, 0, 0}, ivl[1].Vals)
	assert.Equal(t, []int{1}, ivl[3].Idxs)

	decoded, err := space.ToConfigs(ivl, []int{0, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, configs, decoded)
}

func TestSampledConfigsRoundTrip(t *testing.T) {
	space := nestedSpace(t)

	ivl := space.Sample(rand.New(rand.NewPCG(7, 8)), 20)
	idxs := ivl.TrialIdxs()

	configs, err := space.ToConfigs(ivl, idxs)
	require.NoError(t, err)

	again, err := space.FromConfigs(configs, idxs)
	require.NoError(t, err)
	assert.Equal(t, ivl, again)
}

func TestFromConfigsErrors(t *testing.T) {
	space := nestedSpace(t)

	_, err := space.FromConfigs([]Config{{"p0": Config{"a": 1.0, "b": 2.0}}}, []int{0, 1})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = space.FromConfigs([]Config{{"p0": Config{"a": 1.0}}}, []int{0})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = space.FromConfigs([]Config{{"p0": Config{"a": "x", "b": 2.0}}}, []int{0})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = space.FromConfigs([]Config{{"p0": Config{"a": 1.0, "b": 2.0}}, {"p0": Config{"a": 1.0, "b": 2.0}}}, []int{3, 3})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestToConfigInactiveTrial(t *testing.T) {
	space := nestedSpace(t)

	ivl, err := space.FromConfigs([]Config{{"p0": Config{"a": 1.0, "b": 2.0}}}, []int{0})
	require.NoError(t, err)

	_, err = space.ToConfig(ivl, 5)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = space.ToConfig(ivl[:3], 0)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestFlattenRoundTrip(t *testing.T) {
	ivl := IdxsValsList{
		{Idxs: []int{0, 2, 5}, Vals: []float64{1.5, -3, 0}},
		{Idxs: []int{}, Vals: []float64{}},
		{Idxs: []int{2}, Vals: []float64{7}},
	}

	flat := ivl.Flatten()
	require.Len(t, flat, 6)
	assert.Equal(t, []float64{0, 2, 5}, flat[0])
	assert.Equal(t, []float64{1.5, -3, 0}, flat[1])

	back, err := FromFlattened(flat)
	require.NoError(t, err)
	assert.Equal(t, ivl, back)

	assert.Equal(t, []int{0, 2, 5}, back.TrialIdxs())
}

func TestFromFlattenedErrors(t *testing.T) {
	tests := []struct {
		name string
		flat [][]float64
	}{
		{"odd length", [][]float64{{0}, {1}, {2}}},
		{"length mismatch", [][]float64{{0, 1}, {1}}},
		{"non integral index", [][]float64{{0.5}, {1}}},
		{"negative index", [][]float64{{-1}, {1}}},
		{"duplicate index", [][]float64{{3, 3}, {1, 2}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromFlattened(tt.flat)
			assert.ErrorIs(t, err, ErrShapeMismatch)
		})
	}
}

func TestFromLists(t *testing.T) {
	ivl, err := FromLists([][]int{{1, 2}, {2}}, [][]float64{{.1, .2}, {.3}})
	require.NoError(t, err)

	v, ok := ivl[0].Lookup(2)
	assert.True(t, ok)
	assert.Equal(t, .2, v)

	_, ok = ivl[1].Lookup(1)
	assert.False(t, ok)

	_, err = FromLists([][]int{{1}}, [][]float64{{.1}, {.2}})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = FromLists([][]int{{1, 2}}, [][]float64{{.1}})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = FromLists([][]int{{1, 2}}, [][]float64{{.1, math.Inf(-1)}})
	assert.ErrorIs(t, err, ErrNonFinite)
}

func TestFromFlattenedRejectsNonFiniteValues(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := FromFlattened([][]float64{{0}, {v}})
		assert.ErrorIs(t, err, ErrNonFinite, "value %v", v)
	}
}

func TestTakeReindexes(t *testing.T) {
	ivl := IdxsValsList{
		{Idxs: []int{0, 3}, Vals: []float64{1, 2}},
		{Idxs: []int{0}, Vals: []float64{5}},
	}

	single := ivl.Take(3, 0)
	assert.Equal(t, []int{0}, single[0].Idxs)
	assert.Equal(t, []float64{2}, single[0].Vals)
	assert.Equal(t, 0, single[1].Len())
}
