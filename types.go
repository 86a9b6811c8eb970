package gpbandit

import (
	"go.uber.org/zap"
)

// Status is the state of a trial in the experiment history.
type Status string

const (
	StatusNew     Status = "new"
	StatusRunning Status = "running"
	StatusOK      Status = "ok"
	StatusFail    Status = "fail"
)

// Result is the outcome of evaluating one configuration.
type Result struct {
	// Status of the trial. Only StatusOK results are used to fit the model.
	Status Status

	// Loss is the value being minimized.
	Loss float64

	// LossVariance is the uncertainty of Loss. Overestimating is fine.
	LossVariance float64
}

// Bandit is an objective function together with its search space.
type Bandit interface {
	// Space returns the configuration space to search.
	Space() *Space

	// Evaluate runs the objective on config.
	Evaluate(config Config) (Result, error)
}

// ProgressUpdate represents the current state of an experiment.
type ProgressUpdate struct {
	// Phase is "Startup" while the algorithm samples from the prior and
	// "Optimization" once suggestions come from the GP.
	Phase string

	// CurrentIteration is the current iteration number
	CurrentIteration int

	// TotalIterations is the total number of iterations to run
	TotalIterations int

	// CurrentConfig holds the configuration just evaluated
	CurrentConfig Config

	// BestConfig holds the best configuration found so far
	BestConfig Config

	// BestLoss holds the best loss found so far
	BestLoss float64

	// LastLoss holds the loss of the configuration just evaluated
	LastLoss float64
}

// AcquisitionFunc scores a candidate from its posterior loss mean and
// variance. Higher scores are more promising.
//
// Built-in acquisition functions:
// - ExpectedImprovement: Expected magnitude of improvement (default)
// - ProbabilityOfImprovement: Probability of finding a better loss
// - LowerConfidenceBound: Optimistic bound on the loss
//
// Implementation notes for custom acquisition functions:
// - Should handle zero variance
// - Should be deterministic
// - Should return higher values for more promising points
type AcquisitionFunc func(mean, variance float64, params AcquisitionParams) float64

// AcquisitionParams holds parameters used by the acquisition functions.
type AcquisitionParams struct {
	// Beta controls the exploration-exploitation trade-off of
	// LowerConfidenceBound. Typical values range from 0.1 to 5.0.
	Beta float64

	// Xi is the minimum improvement asked for by ExpectedImprovement and
	// ProbabilityOfImprovement. Typical values range from 0 to 0.1.
	Xi float64

	// BestSoFar is the best (lowest) loss observed so far. It is set by
	// GPBanditAlgo before every scoring pass.
	BestSoFar float64
}

// OptimizationConfig holds all configuration parameters of a GPBanditAlgo
// and of the experiments driving it.
//
// Usage example:
//
//	config := DefaultConfig()
//	config.NStartupJobs = 5
//	config.Seed = 42
//
//	algo, err := NewGPBanditAlgo(space, config)
//
// Performance impact notes:
// - Higher NumCandidates = Better search per suggestion, slower scoring
// - Higher NumRefine and RefineIterations = Better EI maxima, slower
// - Higher FitIterations = Better lengthscales, slower fits
type OptimizationConfig struct {
	// NStartupJobs is the number of ok trials sampled from the prior before
	// the GP is used.
	NStartupJobs int `yaml:"n_startup_jobs"`

	// NumCandidates is the number of prior samples scored per suggestion.
	NumCandidates int `yaml:"num_candidates"`

	// NumRefine is the number of best-scoring candidates refined by local
	// search.
	NumRefine int `yaml:"num_refine"`

	// FitIterations bounds the likelihood maximization.
	FitIterations int `yaml:"fit_iterations"`

	// RefineIterations bounds the local search of each refined candidate.
	RefineIterations int `yaml:"refine_iterations"`

	// MaxJitterRetries bounds the diagonal jitter retries when the
	// covariance does not factorize.
	MaxJitterRetries int `yaml:"max_jitter_retries"`

	// TieTolerance is the relative score difference under which two
	// candidates tie; ties go to the larger posterior variance.
	TieTolerance float64 `yaml:"tie_tolerance"`

	// Combination is the kernel combination rule.
	Combination KernelCombination `yaml:"-"`

	// AcquisitionFunc scores candidates.
	AcquisitionFunc AcquisitionFunc `yaml:"-"`

	// AcqParams holds the parameters for the acquisition function.
	AcqParams AcquisitionParams `yaml:"-"`

	// Seed seeds the prior sampler.
	Seed uint64 `yaml:"seed"`

	// Logger receives diagnostics. Nil means no logging.
	Logger *zap.Logger `yaml:"-"`

	// ProgressChan is used by Experiment to send progress updates.
	// If nil, no updates will be sent.
	ProgressChan chan<- ProgressUpdate `yaml:"-"`
}
