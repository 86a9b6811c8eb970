package gpbandit

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

//////
// Exported functionalities.
//////

// DefaultConfig returns a default configuration.
func DefaultConfig() OptimizationConfig {
	return OptimizationConfig{
		NStartupJobs:     10,
		NumCandidates:    50,
		NumRefine:        5,
		FitIterations:    50,
		RefineIterations: 30,
		MaxJitterRetries: 8,
		TieTolerance:     1e-9,
		Combination:      CombineProduct,
		AcquisitionFunc:  ExpectedImprovement,
		AcqParams: AcquisitionParams{
			Beta: 2.0,
			Xi:   0,
		},
		Seed:         uint64(time.Now().UnixNano()),
		Logger:       nil, // Default to no logging.
		ProgressChan: nil, // Default to no progress updates.
	}
}

// GPBanditAlgo suggests configurations by fitting a Gaussian Process to the
// ok trials of an experiment and maximizing an acquisition function over
// the configuration space.
//
// Each call to Suggest runs: SAMPLE candidates from the prior, SCORE them,
// REFINE the best ones by local search over their active continuous
// leaves, SELECT the highest post-refinement scores and EMIT them as
// configurations. Only the fitted GP parameters persist between calls.
//
// Thread safety:
//   - Not safe for concurrent use. Run one instance per experiment and do
//     not call Suggest concurrently.
type GPBanditAlgo struct {
	space  *Space
	config OptimizationConfig
	gp     *gaussianProcess
	rng    *rand.Rand
	logger *zap.Logger
}

// NewGPBanditAlgo builds an algorithm for space. One kernel is created per
// leaf of the space.
func NewGPBanditAlgo(space *Space, config OptimizationConfig) (*GPBanditAlgo, error) {
	if space == nil || space.NumLeaves() == 0 {
		return nil, fmt.Errorf("%w: space has no leaves", ErrInvalidSpace)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	config.Logger = logger

	return &GPBanditAlgo{
		space:  space,
		config: config,
		gp:     newGaussianProcess(space, config),
		rng:    rand.New(rand.NewPCG(config.Seed, config.Seed^0x9e3779b97f4a7c15)),
		logger: logger.Named("gp_bandit"),
	}, nil
}

// Space returns the configuration space.
func (a *GPBanditAlgo) Space() *Space { return a.space }

// Config returns the configuration the algorithm was built with.
func (a *GPBanditAlgo) Config() OptimizationConfig { return a.config }

// Kernels returns the kernel bank, one kernel per leaf in leaf order. The
// kernels are owned by the algorithm and must be treated as read-only.
func (a *GPBanditAlgo) Kernels() []*Kernel { return a.gp.kernels }

// IsRefinable reports whether the values of leaf i are refined by local
// search during acquisition optimization.
func (a *GPBanditAlgo) IsRefinable(i int) bool { return a.gp.kernels[i].refinable }

// ValueBounds returns the domain within which values of leaf i are
// proposed.
func (a *GPBanditAlgo) ValueBounds(i int) (low, high float64) { return a.space.ValueBounds(i) }

// Noise returns the fitted noise variance, in normalized loss units.
func (a *GPBanditAlgo) Noise() float64 { return a.gp.Noise() }

// Signal returns the fitted signal variance, in normalized loss units.
func (a *GPBanditAlgo) Signal() float64 { return a.gp.Signal() }

// MeanVariance returns the posterior loss mean and variance of each
// candidate of the last fitted model, ordered by candidate index.
func (a *GPBanditAlgo) MeanVariance(cands IdxsValsList) (mean, variance []float64, err error) {
	return a.gp.MeanVariance(cands)
}

// Acquisition scores each candidate of cands with the configured
// acquisition function, ordered by candidate index.
func (a *GPBanditAlgo) Acquisition(cands IdxsValsList) ([]float64, error) {
	scores, _, err := a.score(cands)

	return scores, err
}

// SuggestFromPrior samples n configurations from the prior.
func (a *GPBanditAlgo) SuggestFromPrior(n int) ([]Config, error) {
	ivl := a.space.Sample(a.rng, n)

	return a.space.ToConfigs(ivl, ivl.TrialIdxs())
}

// Suggest proposes n new configurations given the experiment history.
//
// Parameters:
// - trials: Configurations of all trials so far, in history order
// - results: Result of each trial, aligned with trials
// - n: Number of configurations to propose
//
// Returns:
// - []Config: n new configurations
// - error: ErrShapeMismatch, ErrNonFinite, or ErrSingularCovariance when
// the GP cannot be conditioned; callers may fall back to SuggestFromPrior
//
// How it works:
//  1. Keeps the trials whose status is ok
//  2. Samples from the prior while fewer than NStartupJobs are ok
//  3. Otherwise fits the GP and returns the candidates with the highest
//     acquisition after refinement
func (a *GPBanditAlgo) Suggest(trials []Config, results []Result, n int) ([]Config, error) {
	if len(trials) != len(results) {
		return nil, fmt.Errorf("%w: %d trials for %d results", ErrShapeMismatch, len(trials), len(results))
	}

	if n <= 0 {
		return nil, nil
	}

	var (
		configs   []Config
		idxs      []int
		losses    []float64
		variances []float64
	)

	for i, r := range results {
		if r.Status != StatusOK {
			continue
		}

		configs = append(configs, trials[i])
		idxs = append(idxs, i)
		losses = append(losses, r.Loss)
		variances = append(variances, r.LossVariance)
	}

	if len(configs) < a.config.NStartupJobs {
		return a.SuggestFromPrior(n)
	}

	x, err := a.space.FromConfigs(configs, idxs)
	if err != nil {
		return nil, err
	}

	if err := a.gp.Fit(x, idxs, losses, variances); err != nil {
		return nil, err
	}

	a.logger.Debug("fitted model",
		zap.Int("observations", len(idxs)),
		zap.Float64("best", a.gp.best),
		zap.Float64("signal", a.gp.Signal()),
		zap.Float64("noise", a.gp.Noise()),
		zap.Stringers("kernels", a.gp.kernels),
	)

	cands := a.proposeCandidates(max(a.config.NumCandidates, n))

	refined, scores, vars, err := a.optimizeCandidates(cands)
	if err != nil {
		return nil, err
	}

	out := make([]Config, 0, n)
	for _, c := range a.selectBest(scores, vars, n) {
		cfg, err := a.space.ToConfig(refined, c)
		if err != nil {
			return nil, err
		}

		out = append(out, cfg)
	}

	return out, nil
}

// proposeCandidates samples n candidates from the prior, indexed 0..n-1.
func (a *GPBanditAlgo) proposeCandidates(n int) IdxsValsList {
	return a.space.Sample(a.rng, n)
}

// score evaluates the acquisition and posterior variance of every
// candidate, ordered by candidate index.
func (a *GPBanditAlgo) score(cands IdxsValsList) (scores, variances []float64, err error) {
	mean, variances, err := a.gp.MeanVariance(cands)
	if err != nil {
		return nil, nil, err
	}

	params := a.config.AcqParams
	params.BestSoFar = a.gp.best

	scores = make([]float64, len(mean))
	for i := range mean {
		scores[i] = a.config.AcquisitionFunc(mean[i], variances[i], params)
	}

	return scores, variances, nil
}

// optimizeCandidates refines the NumRefine best candidates by local search
// over their active refinable leaves, holding choices fixed. A refinement
// is kept only when it raises the candidate's score.
func (a *GPBanditAlgo) optimizeCandidates(cands IdxsValsList) (IdxsValsList, []float64, []float64, error) {
	scores, vars, err := a.score(cands)
	if err != nil {
		return nil, nil, nil, err
	}

	refined := cands.Copy()

	// Argsort is ascending, so sort the negated scores.
	neg := make([]float64, len(scores))
	floats.ScaleTo(neg, -1, scores)

	order := make([]int, len(scores))
	floats.Argsort(neg, order)

	for _, c := range order[:min(a.config.NumRefine, len(order))] {
		single, score, variance, ok := a.refineCandidate(refined.Take(c, 0), scores[c])
		if !ok {
			continue
		}

		for k, iv := range single {
			if iv.Len() == 0 {
				continue
			}

			pos := slices.Index(refined[k].Idxs, c)
			refined[k].Vals[pos] = iv.Vals[0]
		}

		scores[c], vars[c] = score, variance
	}

	return refined, scores, vars, nil
}

// refineCandidate maximizes the acquisition of a single candidate (index
// 0) over its active refinable leaves, in feature space.
func (a *GPBanditAlgo) refineCandidate(single IdxsValsList, before float64) (IdxsValsList, float64, float64, bool) {
	var dims []int
	for k, iv := range single {
		if iv.Len() > 0 && a.gp.kernels[k].refinable {
			dims = append(dims, k)
		}
	}

	if len(dims) == 0 {
		return nil, 0, 0, false
	}

	low := make([]float64, len(dims))
	high := make([]float64, len(dims))
	x0 := make([]float64, len(dims))

	for i, k := range dims {
		d := a.space.leaves[k].dist
		lo, hi := a.space.ValueBounds(k)
		low[i], high[i] = d.toFeature(lo), d.toFeature(hi)
		x0[i] = d.toFeature(single[k].Vals[0])
	}

	apply := func(x []float64) IdxsValsList {
		out := single.Copy()
		for i, k := range dims {
			d := a.space.leaves[k].dist
			out[k].Vals[0] = d.project(d.fromFeature(clip(x[i], low[i], high[i])))
		}

		return out
	}

	objective := func(x []float64) float64 {
		scores, _, err := a.score(apply(x))
		if err != nil || len(scores) == 0 {
			return math.Inf(1)
		}

		return -scores[0]
	}

	problem := optimize.Problem{
		Func: objective,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, objective, x, &fd.Settings{Formula: fd.Central})
		},
	}

	settings := &optimize.Settings{
		MajorIterations:   a.config.RefineIterations,
		GradientThreshold: 1e-10,
	}

	res, err := optimize.Minimize(problem, x0, settings, &optimize.LBFGS{})
	if res == nil {
		a.logger.Debug("refinement failed", zap.Error(err))

		return nil, 0, 0, false
	}

	out := apply(res.X)

	scores, vars, err := a.score(out)
	if err != nil || len(scores) == 0 || !(scores[0] > before) {
		return nil, 0, 0, false
	}

	return out, scores[0], vars[0], true
}

// selectBest returns the indices of the n best candidates. Scores within
// TieTolerance of each other tie, and ties go to the larger variance.
func (a *GPBanditAlgo) selectBest(scores, variances []float64, n int) []int {
	taken := make([]bool, len(scores))
	out := make([]int, 0, n)

	for len(out) < n && len(out) < len(scores) {
		best := -1
		for i := range scores {
			if taken[i] {
				continue
			}

			if best < 0 || a.better(scores[i], variances[i], scores[best], variances[best]) {
				best = i
			}
		}

		taken[best] = true
		out = append(out, best)
	}

	return out
}

// better reports whether candidate (s1, v1) beats (s2, v2).
func (a *GPBanditAlgo) better(s1, v1, s2, v2 float64) bool {
	scale := math.Max(math.Abs(s1), math.Abs(s2))
	if math.Abs(s1-s2) <= a.config.TieTolerance*scale {
		return v1 > v2
	}

	return s1 > s2
}

func (c OptimizationConfig) validate() error {
	switch {
	case c.NStartupJobs < 1:
		return fmt.Errorf("n_startup_jobs must be at least 1, got %d", c.NStartupJobs)
	case c.NumCandidates < 1:
		return fmt.Errorf("num_candidates must be at least 1, got %d", c.NumCandidates)
	case c.NumRefine < 0:
		return fmt.Errorf("num_refine must not be negative, got %d", c.NumRefine)
	case c.FitIterations < 1 || c.RefineIterations < 1:
		return fmt.Errorf("fit and refine iterations must be at least 1")
	case c.MaxJitterRetries < 0:
		return fmt.Errorf("max_jitter_retries must not be negative, got %d", c.MaxJitterRetries)
	case c.TieTolerance < 0:
		return fmt.Errorf("tie_tolerance must not be negative, got %v", c.TieTolerance)
	case c.AcquisitionFunc == nil:
		return fmt.Errorf("acquisition function is required")
	}

	return nil
}
