// Package gpbandit provides hyperparameter optimization over structured,
// possibly nested search spaces using a Gaussian Process bandit algorithm.
//
// # Features
//
// The package includes the following key features:
//
//   - Structured Spaces: Search spaces are trees of dicts, categorical
//     choices, literals and continuous or quantized distributions
//     (gaussian, uniform, quniform, lognormal, qlognormal)
//   - Conditional Variables: A variable nested under a choice is active only
//     in trials that selected its option; it never gets an imputed value
//   - Sparse Gram Matrices: Covariances are stored only for jointly active
//     trial pairs and updated incrementally as trials arrive
//   - Heteroscedastic Noise: Each observation carries its own loss variance
//   - Fitted Lengthscales: One kernel per variable, with its lengthscale fitted
//     by maximizing the marginal likelihood
//   - Acquisition Optimization: Prior samples are scored by Expected
//     Improvement and the best are refined by local search
//
// # Installation
//
// To install the package, use:
//
//	go get github.com/thalesfsp/gpbandit
//
// # Search Spaces
//
// A space is built from nodes and compiled once:
//
//	space, err := gpbandit.Compile(gpbandit.NewDict(
//	    gpbandit.F("lr", gpbandit.LogNormal(math.Log(0.01), 2)),
//	    gpbandit.F("layers", gpbandit.NewChoice(
//	        gpbandit.NewDict(gpbandit.F("n", gpbandit.QUniform(1, 4, 1))),
//	        gpbandit.NewDict(gpbandit.F("kind", &gpbandit.Literal{Value: "linear"})),
//	    )),
//	))
//
// Compile flattens the tree into leaves in depth-first order. A choice is
// itself a categorical leaf that precedes the leaves of its options, and
// every leaf has a stable path such as "layers/0/n".
//
// # Encoding
//
// Configurations are encoded per leaf as IdxsVals: the indices of the
// trials in which the leaf is active, and its value in each of them.
//
//	ivl, err := space.FromConfigs(configs, []int{0, 1, 2})
//	config, err := space.ToConfig(ivl, 1)
//
// # Acquisition Functions
//
// Losses are minimized. All acquisition functions score candidates so that
// higher is more promising:
//
// 1. Expected Improvement (EI):
//
//   - Balances improvement probability and magnitude
//
//   - Zero when the posterior variance is zero and the mean is no better
//     than the best loss
//
//   - Default choice
//
//     config := DefaultConfig()
//     config.AcquisitionFunc = ExpectedImprovement
//     config.AcqParams.Xi = 0.01  // Minimum improvement threshold
//
// 2. Probability of Improvement (PI):
//
//   - Conservative exploration strategy
//
//     config := DefaultConfig()
//     config.AcquisitionFunc = ProbabilityOfImprovement
//
// 3. Lower Confidence Bound (LCB):
//
//   - Optimistic bound on the loss
//
//   - Controlled by Beta parameter (higher = more exploration)
//
//     config := DefaultConfig()
//     config.AcquisitionFunc = LowerConfidenceBound
//     config.AcqParams.Beta = 2.0
//
// # Running An Experiment
//
//	algo, err := gpbandit.NewGPBanditAlgo(bandit.Space(), gpbandit.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//
//	exp := gpbandit.NewExperiment(algo, bandit)
//	if err := exp.Run(ctx, 50); err != nil {
//	    return err
//	}
//
//	best, ok := exp.Best()
//
// Callers with their own trial store can call Suggest directly with the
// full history; only trials with StatusOK are used to fit the model.
//
// # Configuration
//
// The OptimizationConfig struct allows customization of the optimization process:
//
//	type OptimizationConfig struct {
//	    NStartupJobs     int               // Ok trials sampled from the prior first
//	    NumCandidates    int               // Prior samples scored per suggestion
//	    NumRefine        int               // Best candidates refined by local search
//	    FitIterations    int               // Likelihood maximization budget
//	    RefineIterations int               // Local search budget per candidate
//	    MaxJitterRetries int               // Cholesky jitter retries
//	    TieTolerance     float64           // Relative score tie tolerance
//	    Combination      KernelCombination // Product (default) or sum
//	    AcquisitionFunc  AcquisitionFunc   // Strategy for point selection
//	    AcqParams        AcquisitionParams // Parameters for acquisition function
//	    Seed             uint64            // Prior sampler seed
//	    Logger           *zap.Logger       // Diagnostics, nil = none
//	    ProgressChan     chan<- ProgressUpdate // For progress monitoring
//	}
//
// Recommended settings:
//   - NStartupJobs: 5-20 (more = better initial model)
//   - NumCandidates: 50-500 (more = better search but slower iterations)
//   - NumRefine: 1-10
//
// # Errors
//
// Errors wrap one of the package sentinels and can be matched with
// errors.Is: ErrShapeMismatch, ErrMissingEntry, ErrSingularCovariance,
// ErrNonFinite, ErrInvalidSpace and ErrNoObservations. Experiment falls
// back to a prior sample when Suggest returns ErrSingularCovariance.
//
// # Thread Safety
//
// A GPBanditAlgo owns its kernels and Gram caches and is not safe for
// concurrent use. Run one instance per experiment.
//
// # Contributing
//
// To contribute to the project:
//  1. Fork the repository
//  2. Clone your fork
//  3. Create a feature branch
//  4. Make your changes
//  5. Run tests
//  6. Create a pull request
package gpbandit
