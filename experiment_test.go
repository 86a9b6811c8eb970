package gpbandit_test

import (
	"context"
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/thalesfsp/gpbandit"
	"github.com/thalesfsp/gpbandit/bandits"
)

func newExperiment(t *testing.T, bandit gpbandit.Bandit, tune func(*gpbandit.OptimizationConfig)) (*gpbandit.GPBanditAlgo, *gpbandit.Experiment) {
	t.Helper()

	config := gpbandit.DefaultConfig()
	config.Seed = 555
	config.Logger = zaptest.NewLogger(t)

	if tune != nil {
		tune(&config)
	}

	algo, err := gpbandit.NewGPBanditAlgo(bandit.Space(), config)
	require.NoError(t, err)

	return algo, gpbandit.NewExperiment(algo, bandit)
}

func xs(exp *gpbandit.Experiment) []float64 {
	var out []float64
	for _, trial := range exp.Trials() {
		out = append(out, trial.Config["x"].(float64))
	}

	return out
}

func TestFitUniform(t *testing.T) {
	algo, exp := newExperiment(t, bandits.NewUniform(), func(c *gpbandit.OptimizationConfig) {
		c.NStartupJobs = 5
	})

	require.NoError(t, exp.Run(context.Background(), 5))
	require.Len(t, exp.Trials(), 5)

	assert.True(t, algo.IsRefinable(0))

	low, high := algo.ValueBounds(0)
	assert.Equal(t, 0.0, low)
	assert.Equal(t, 1.0, high)

	require.NoError(t, exp.Run(context.Background(), 15))

	assert.Less(t, slices.Min(exp.Losses()), .005)
	assert.Less(t, algo.Kernels()[0].Lenscale(), .5)

	assert.GreaterOrEqual(t, slices.Min(xs(exp)), 0.0)
	assert.LessOrEqual(t, slices.Max(xs(exp)), 1.0)
}

func TestFitNormal(t *testing.T) {
	_, exp := newExperiment(t, bandits.NewGaussian(), func(c *gpbandit.OptimizationConfig) {
		c.NStartupJobs = 7
	})

	require.NoError(t, exp.Run(context.Background(), 7+40))

	assert.Less(t, slices.Min(exp.Losses()), .005)
}

func TestFitLogNormal(t *testing.T) {
	algo, exp := newExperiment(t, bandits.NewLogNormal(), func(c *gpbandit.OptimizationConfig) {
		c.NStartupJobs = 5
	})

	assert.True(t, algo.IsRefinable(0))

	low, high := algo.ValueBounds(0)
	assert.Greater(t, low, 0.0)

	require.NoError(t, exp.Run(context.Background(), 5+25))

	assert.GreaterOrEqual(t, slices.Min(xs(exp)), low)
	assert.LessOrEqual(t, slices.Max(xs(exp)), high)
	assert.Less(t, slices.Min(exp.Losses()), .05)
}

func TestFitQuantizedLogNormal(t *testing.T) {
	algo, exp := newExperiment(t, bandits.NewQLogNormal(), func(c *gpbandit.OptimizationConfig) {
		c.NStartupJobs = 5
	})

	assert.True(t, algo.IsRefinable(0))

	low, high := algo.ValueBounds(0)
	assert.Greater(t, low, 0.0)

	require.NoError(t, exp.Run(context.Background(), 5+15))

	for _, x := range xs(exp) {
		assert.GreaterOrEqual(t, x, low)
		assert.LessOrEqual(t, x, high)
		assert.Equal(t, math.Round(x), x)
	}
}

func TestTwoVariablesEqualSensitivity(t *testing.T) {
	algo, exp := newExperiment(t, bandits.NewGaussian2Var(1, 1), func(c *gpbandit.OptimizationConfig) {
		c.NStartupJobs = 7
	})

	require.NoError(t, exp.Run(context.Background(), 7+40))

	for _, kernel := range algo.Kernels() {
		_, high := kernel.Bounds()
		assert.Less(t, kernel.Lenscale(), high/2, kernel.Name())
	}

	l0 := algo.Kernels()[0].Lenscale()
	l1 := algo.Kernels()[1].Lenscale()

	assert.Greater(t, l0/l1, .85)
	assert.Less(t, l0/l1, 1.15)
}

func TestTwoVariablesUnequalSensitivity(t *testing.T) {
	algo, exp := newExperiment(t, bandits.NewGaussian2Var(1, 0), func(c *gpbandit.OptimizationConfig) {
		c.NStartupJobs = 7
	})

	require.NoError(t, exp.Run(context.Background(), 7+40))

	l0 := algo.Kernels()[0].Lenscale()
	l1 := algo.Kernels()[1].Lenscale()

	_, high := algo.Kernels()[0].Bounds()
	assert.Less(t, l0, high/5)

	assert.Greater(t, l1/l0, 5.0)
}

func TestFourVariablesNestedInChoice(t *testing.T) {
	_, exp := newExperiment(t, bandits.NewGaussian4Var(1, 0, 0, 1), func(c *gpbandit.OptimizationConfig) {
		c.NStartupJobs = 10
		c.FitIterations = 20
	})

	require.NoError(t, exp.Run(context.Background(), 50))

	assert.Less(t, slices.Min(exp.Losses()), .05)
}

func TestFourVariablesAllRelevant(t *testing.T) {
	_, exp := newExperiment(t, bandits.NewGaussian4Var(1, .5, 2, 1), func(c *gpbandit.OptimizationConfig) {
		c.NStartupJobs = 10
		c.FitIterations = 20
	})

	require.NoError(t, exp.Run(context.Background(), 50))

	assert.Less(t, slices.Min(exp.Losses()), .05)
}

func TestFitCategorical(t *testing.T) {
	_, exp := newExperiment(t, bandits.NewTwoArms(), func(c *gpbandit.OptimizationConfig) {
		c.NStartupJobs = 7
		c.FitIterations = 20
	})

	require.NoError(t, exp.Run(context.Background(), 100))

	var arm0, arm1 int
	for _, trial := range exp.Trials() {
		switch trial.Config["x"] {
		case 0:
			arm0++
		case 1:
			arm1++
		}
	}

	assert.Equal(t, 100, arm0+arm1)
	assert.Greater(t, arm0, 60)
}

func TestFitDummyDBN(t *testing.T) {
	_, exp := newExperiment(t, bandits.NewDummyDBN(), func(c *gpbandit.OptimizationConfig) {
		c.NStartupJobs = 20
		c.NumCandidates = 20
		c.NumRefine = 2
		c.FitIterations = 10
		c.RefineIterations = 10
	})

	require.NoError(t, exp.Run(context.Background(), 20))
	require.NoError(t, exp.Run(context.Background(), 10))

	assert.Len(t, exp.Trials(), 30)

	_, ok := exp.Best()
	assert.True(t, ok)
}

func TestExperimentProgressUpdates(t *testing.T) {
	const n = 8

	progressChan := make(chan gpbandit.ProgressUpdate, n)

	_, exp := newExperiment(t, bandits.NewUniform(), func(c *gpbandit.OptimizationConfig) {
		c.NStartupJobs = 3
		c.ProgressChan = progressChan
	})

	require.NoError(t, exp.Run(context.Background(), n))
	close(progressChan)

	var updates []gpbandit.ProgressUpdate
	for update := range progressChan {
		updates = append(updates, update)
	}

	require.Len(t, updates, n)

	for i, update := range updates {
		assert.Equal(t, i+1, update.CurrentIteration)
		assert.Equal(t, n, update.TotalIterations)
		assert.NotNil(t, update.CurrentConfig)
		assert.LessOrEqual(t, update.BestLoss, update.LastLoss)
	}

	assert.Equal(t, "Startup", updates[0].Phase)
	assert.Equal(t, "Optimization", updates[n-1].Phase)

	best, ok := exp.Best()
	require.True(t, ok)
	assert.Equal(t, best.Result.Loss, updates[n-1].BestLoss)
}

func TestExperimentStopsOnCancel(t *testing.T) {
	_, exp := newExperiment(t, bandits.NewUniform(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, exp.Run(ctx, 5), context.Canceled)
	assert.Empty(t, exp.Trials())
}

// flaky fails every other evaluation.
type flaky struct {
	gpbandit.Bandit

	calls int
}

func (f *flaky) Evaluate(config gpbandit.Config) (gpbandit.Result, error) {
	f.calls++
	if f.calls%2 == 0 {
		return gpbandit.Result{}, errors.New("worker lost")
	}

	return f.Bandit.Evaluate(config)
}

func TestExperimentRecordsFailedEvaluations(t *testing.T) {
	bandit := &flaky{Bandit: bandits.NewUniform()}

	_, exp := newExperiment(t, bandit, func(c *gpbandit.OptimizationConfig) {
		c.NStartupJobs = 3
	})

	require.NoError(t, exp.Run(context.Background(), 10))

	trials := exp.Trials()
	require.Len(t, trials, 10)

	ids := map[string]struct{}{}
	for i, trial := range trials {
		if i%2 == 1 {
			assert.Equal(t, gpbandit.StatusFail, trial.Result.Status)
		} else {
			assert.Equal(t, gpbandit.StatusOK, trial.Result.Status)
		}

		ids[trial.ID.String()] = struct{}{}
	}

	assert.Len(t, ids, len(trials))

	assert.Len(t, exp.Losses(), 5)
}
