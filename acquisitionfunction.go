package gpbandit

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

//////
// Available acquisition functions for Bayesian optimization.
// Each function scores a candidate from the GP posterior at that point;
// higher scores are more promising. Losses are minimized.
//////

// ExpectedImprovement (EI) calculates the expected amount by which a
// candidate improves on the best loss observed so far.
//
// How it works:
// - Combines the probability of improvement with its magnitude
// - Uses a Gaussian assumption on the posterior at the candidate
// - Xi lowers the incumbent, asking for a minimum improvement
//
// Parameters:
// - mean: Posterior mean of the loss
// - variance: Posterior variance of the loss
// - params.BestSoFar: Best (lowest) loss observed so far
// - params.Xi: Minimum improvement desired
//
// Returns:
// - float64: The expected improvement, never negative. Zero when the
// variance is zero and the mean is no better than the incumbent.
//
// Example:
//
//	params := AcquisitionParams{
//	    BestSoFar: 1.0,  // Current best loss
//	    Xi: 0.0,
//	}
//	expected := ExpectedImprovement(0.9, 0.2, params)
func ExpectedImprovement(mean, variance float64, params AcquisitionParams) float64 {
	improvement := params.BestSoFar - params.Xi - mean
	if !(variance > 0) {
		return math.Max(0, improvement)
	}

	sigma := math.Sqrt(variance)
	z := improvement / sigma

	ei := improvement*distuv.UnitNormal.CDF(z) + sigma*distuv.UnitNormal.Prob(z)

	return math.Max(0, ei)
}

// ProbabilityOfImprovement (PI) calculates the probability that a candidate
// improves on the best loss observed so far by at least Xi.
//
// When to use:
// - When you want to be conservative in exploring new points
// - When being "probably better" matters more than "how much better"
func ProbabilityOfImprovement(mean, variance float64, params AcquisitionParams) float64 {
	improvement := params.BestSoFar - params.Xi - mean
	if !(variance > 0) {
		if improvement > 0 {
			return 1
		}

		return 0
	}

	return distuv.UnitNormal.CDF(improvement / math.Sqrt(variance))
}

// LowerConfidenceBound scores a candidate by the negated lower confidence
// bound of its loss, mean - Beta*stddev.
//
// Parameters:
// - params.Beta: Exploration weight (higher = more exploration)
func LowerConfidenceBound(mean, variance float64, params AcquisitionParams) float64 {
	return -(mean - params.Beta*math.Sqrt(math.Max(0, variance)))
}
