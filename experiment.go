package gpbandit

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

//////
// Const, vars, types.
//////

// Trial is one evaluated configuration of an experiment.
type Trial struct {
	ID     uuid.UUID
	Config Config
	Result Result
}

// Experiment drives a GPBanditAlgo against a Bandit, one trial at a time.
//
// Thread safety:
//   - Not safe for concurrent use. Run is serial: each round suggests one
//     configuration, evaluates it and records it before the next round.
type Experiment struct {
	algo   *GPBanditAlgo
	bandit Bandit
	logger *zap.Logger
	trials []Trial
}

//////
// Factory.
//////

// NewExperiment creates an empty experiment. The algorithm must have been
// built for the bandit's space.
func NewExperiment(algo *GPBanditAlgo, bandit Bandit) *Experiment {
	return &Experiment{
		algo:   algo,
		bandit: bandit,
		logger: algo.logger.Named("experiment"),
	}
}

//////
// Methods.
//////

// Run evaluates n more trials.
//
// Parameters:
// - ctx: Checked between rounds; cancellation stops the run early
// - n: Number of trials to add
//
// Returns:
// - error: ctx.Err() on cancellation, or the first suggestion error other
// than ErrSingularCovariance
//
// How it works:
//  1. Asks the algorithm for one configuration given the history
//  2. Falls back to a prior sample when the GP cannot be conditioned
//  3. Evaluates the configuration; an evaluation error is recorded as a
//     failed trial and does not stop the run
//  4. Records the trial and sends a progress update
//
// Usage example:
//
//	algo, err := NewGPBanditAlgo(bandit.Space(), DefaultConfig())
//	if err != nil {
//	    return err
//	}
//
//	exp := NewExperiment(algo, bandit)
//	if err := exp.Run(ctx, 50); err != nil {
//	    return err
//	}
//
//	best, ok := exp.Best()
func (e *Experiment) Run(ctx context.Context, n int) error {
	total := len(e.trials) + n

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		configs, results := e.history()

		phase := "Optimization"
		if e.numOK() < e.algo.config.NStartupJobs {
			phase = "Startup"
		}

		suggested, err := e.algo.Suggest(configs, results, 1)
		if errors.Is(err, ErrSingularCovariance) {
			e.logger.Warn("falling back to prior sample", zap.Error(err))

			suggested, err = e.algo.SuggestFromPrior(1)
		}

		if err != nil {
			return err
		}

		trial := Trial{
			ID:     uuid.New(),
			Config: suggested[0],
			Result: Result{Status: StatusRunning},
		}

		start := time.Now()

		result, err := e.bandit.Evaluate(trial.Config)
		if err != nil {
			e.logger.Warn("evaluation failed",
				zap.Stringer("trial", trial.ID),
				zap.Error(err),
			)

			result = Result{Status: StatusFail, Loss: math.NaN()}
		}

		trial.Result = result
		e.trials = append(e.trials, trial)

		e.logger.Debug("trial done",
			zap.Stringer("trial", trial.ID),
			zap.String("phase", phase),
			zap.String("status", string(result.Status)),
			zap.Float64("loss", result.Loss),
			zap.Duration("took", time.Since(start)),
		)

		e.sendProgress(phase, len(e.trials), total, trial)
	}

	return nil
}

// Trials returns the recorded trials in history order.
func (e *Experiment) Trials() []Trial { return e.trials }

// Losses returns the losses of the ok trials in history order.
func (e *Experiment) Losses() []float64 {
	var out []float64
	for _, t := range e.trials {
		if t.Result.Status == StatusOK {
			out = append(out, t.Result.Loss)
		}
	}

	return out
}

// Best returns the ok trial with the lowest loss.
func (e *Experiment) Best() (Trial, bool) {
	var (
		best  Trial
		found bool
	)

	for _, t := range e.trials {
		if t.Result.Status != StatusOK {
			continue
		}

		if !found || t.Result.Loss < best.Result.Loss {
			best, found = t, true
		}
	}

	return best, found
}

func (e *Experiment) history() ([]Config, []Result) {
	configs := make([]Config, len(e.trials))
	results := make([]Result, len(e.trials))

	for i, t := range e.trials {
		configs[i] = t.Config
		results[i] = t.Result
	}

	return configs, results
}

func (e *Experiment) numOK() int {
	var n int
	for _, t := range e.trials {
		if t.Result.Status == StatusOK {
			n++
		}
	}

	return n
}

// sendProgress sends a non-blocking update when a progress channel is
// configured.
func (e *Experiment) sendProgress(phase string, iteration, total int, last Trial) {
	if e.algo.config.ProgressChan == nil {
		return
	}

	update := ProgressUpdate{
		Phase:            phase,
		CurrentIteration: iteration,
		TotalIterations:  total,
		CurrentConfig:    last.Config,
		BestLoss:         math.Inf(1),
		LastLoss:         last.Result.Loss,
	}

	if best, ok := e.Best(); ok {
		update.BestConfig = best.Config
		update.BestLoss = best.Result.Loss
	}

	select {
	case e.algo.config.ProgressChan <- update:
	default:
		// Skip update if channel is full.
	}
}
