package gpbandit

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

//////
// Const, vars, types.
//////

const (
	// Noise variance bounds, in normalized loss units.
	minNoise     = 1e-6
	maxNoise     = 10.0
	initialNoise = 1e-3

	// Signal variance bounds, in normalized loss units. The fit puts a
	// log-normal prior with signalPriorSigma on it, centered on 1.
	minSignal        = 1e-2
	maxSignal        = 1e2
	signalPriorSigma = 1.0

	// minJitter is the smallest diagonal jitter tried when the covariance
	// does not factorize.
	minJitter = 1e-10
)

// kernelData is one kernel's view of the training trials.
type kernelData struct {
	kernel *Kernel

	// rows are the training rows in which the leaf is active, idxs and vals
	// the matching trial indices and leaf values.
	rows []int
	idxs []int
	vals []float64

	// mask[r] reports whether the leaf is active in training row r.
	mask []bool

	// d2 holds squared feature distances between the active rows.
	d2 *mat.Dense
}

// gaussianProcess is a GP regression model over encoded configurations.
// It owns the kernel bank; lengthscales, the signal variance and the noise
// term persist across fits and are the starting point of the next fit.
//
// Fields:
// - kernels: One kernel per leaf of the space, in leaf order
// - logNoise: Log of the fitted noise variance (normalized units)
// - logSignal: Log of the fitted signal variance, scaling the joint kernel
// - yMean, yStd: Normalization constants of the observed losses
// - chol, alpha: Cholesky factor of the training covariance and K^-1 y
//
// Thread safety:
// - Not safe for concurrent use. The owning GPBanditAlgo serializes calls.
type gaussianProcess struct {
	space       *Space
	kernels     []*Kernel
	combination KernelCombination
	logger      *zap.Logger

	fitIterations    int
	maxJitterRetries int

	logNoise  float64
	logSignal float64

	// Posterior state, rebuilt by every Fit.
	idxs      []int
	data      []kernelData
	y         []float64
	noiseDiag []float64
	yMean     float64
	yStd      float64
	best      float64
	chol      *mat.Cholesky
	alpha     *mat.VecDense
}

//////
// Factory.
//////

// newGaussianProcess creates a model with one kernel per leaf of space.
func newGaussianProcess(space *Space, config OptimizationConfig) *gaussianProcess {
	kernels := make([]*Kernel, space.NumLeaves())
	for i := range kernels {
		kernels[i] = newKernel(space, i)
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &gaussianProcess{
		space:            space,
		kernels:          kernels,
		combination:      config.Combination,
		logger:           logger.Named("gaussian_process"),
		fitIterations:    config.FitIterations,
		maxJitterRetries: config.MaxJitterRetries,
		logNoise:         math.Log(initialNoise),
	}
}

//////
// Methods.
//////

// Noise returns the fitted noise variance in normalized loss units.
func (gp *gaussianProcess) Noise() float64 { return math.Exp(gp.logNoise) }

// Signal returns the fitted signal variance in normalized loss units.
func (gp *gaussianProcess) Signal() float64 { return math.Exp(gp.logSignal) }

// Fit conditions the model on observed trials and refits the lengthscales
// of the refinable kernels, the signal variance and the noise term by
// maximizing the log marginal likelihood.
//
// Parameters:
// - x: Encoded configurations of the observed trials
// - idxs: Trial index of each observation, aligned with losses
// - losses: Observed losses
// - lossVariances: Per-observation loss variance (heteroscedastic noise)
//
// Returns:
// - error: ErrShapeMismatch, ErrNonFinite, ErrNoObservations, or
// ErrSingularCovariance when the final covariance does not factorize
//
// Important notes:
//   - Failing to improve the likelihood is not an error; the previous
//     parameters are kept
func (gp *gaussianProcess) Fit(x IdxsValsList, idxs []int, losses, lossVariances []float64) error {
	n := len(losses)
	if n == 0 {
		return ErrNoObservations
	}

	if len(idxs) != n || len(lossVariances) != n {
		return fmt.Errorf("%w: %d idxs, %d losses, %d variances", ErrShapeMismatch, len(idxs), n, len(lossVariances))
	}

	if err := gp.space.CheckShape(x); err != nil {
		return err
	}

	if err := checkFinite("losses", losses...); err != nil {
		return err
	}

	if err := checkFinite("loss variances", lossVariances...); err != nil {
		return err
	}

	for i, v := range lossVariances {
		if v < 0 {
			return fmt.Errorf("%w: negative loss variance %v at %d", ErrNonFinite, v, i)
		}
	}

	yMean, yStd := stat.PopMeanStdDev(losses, nil)
	if !(yStd > 0) {
		yStd = 1
	}

	gp.yMean, gp.yStd = yMean, yStd
	gp.idxs = append(gp.idxs[:0], idxs...)
	gp.y = make([]float64, n)
	gp.noiseDiag = make([]float64, n)
	gp.best = math.Inf(1)

	for i, l := range losses {
		gp.y[i] = (l - yMean) / yStd
		gp.noiseDiag[i] = lossVariances[i] / (yStd * yStd)
		gp.best = math.Min(gp.best, l)
	}

	data, err := gp.kernelData(x)
	if err != nil {
		return err
	}

	gp.data = data

	gp.optimizeHyperparameters()

	return gp.condition()
}

// MeanVariance returns the posterior mean and variance of the loss at each
// candidate, in loss units. Candidates are identified by the
// trial indices of cands, in increasing order.
func (gp *gaussianProcess) MeanVariance(cands IdxsValsList) (mean, variance []float64, err error) {
	if gp.chol == nil {
		return nil, nil, ErrNoObservations
	}

	if err := gp.space.CheckShape(cands); err != nil {
		return nil, nil, err
	}

	for k, iv := range cands {
		if err := checkFinite(gp.kernels[k].name, iv.Vals...); err != nil {
			return nil, nil, err
		}
	}

	cidxs := cands.TrialIdxs()
	if len(cidxs) == 0 {
		return nil, nil, nil
	}

	kstar, prior, err := gp.crossCovariance(cands, cidxs)
	if err != nil {
		return nil, nil, err
	}

	n := len(gp.idxs)
	mean = make([]float64, len(cidxs))
	variance = make([]float64, len(cidxs))
	tmp := mat.NewVecDense(n, nil)

	for c := range cidxs {
		k := kstar.RowView(c)
		if err := gp.chol.SolveVecTo(tmp, k); err != nil {
			return nil, nil, fmt.Errorf("%w: %s", ErrSingularCovariance, err)
		}

		m := mat.Dot(k, gp.alpha)
		v := math.Max(0, prior[c]-mat.Dot(k, tmp))

		mean[c] = m*gp.yStd + gp.yMean
		variance[c] = v * gp.yStd * gp.yStd
	}

	return mean, variance, nil
}

// kernelData syncs each kernel's distance cache with x and extracts its
// active block over the training rows.
func (gp *gaussianProcess) kernelData(x IdxsValsList) ([]kernelData, error) {
	row := make(map[int]int, len(gp.idxs))
	for r, idx := range gp.idxs {
		row[idx] = r
	}

	data := make([]kernelData, len(gp.kernels))
	for k, kernel := range gp.kernels {
		iv := x[k]

		if err := checkFinite(kernel.name, iv.Vals...); err != nil {
			return nil, err
		}

		d := kernelData{kernel: kernel, mask: make([]bool, len(gp.idxs))}
		for i, idx := range iv.Idxs {
			r, ok := row[idx]
			if !ok {
				continue
			}

			d.rows = append(d.rows, r)
			d.idxs = append(d.idxs, idx)
			d.vals = append(d.vals, iv.Vals[i])
			d.mask[r] = true
		}

		if err := kernel.observe(IdxsVals{Idxs: d.idxs, Vals: d.vals}); err != nil {
			return nil, err
		}

		if len(d.idxs) > 0 {
			d2, err := kernel.sqDist.Get(d.idxs, d.idxs)
			if err != nil {
				return nil, err
			}

			d.d2 = d2
		}

		data[k] = d
	}

	return data, nil
}

// optimizeHyperparameters maximizes the log marginal likelihood over the
// log noise, the log signal variance and the log lengthscales of refinable
// kernels with data. The signal variance carries a log-normal prior, so the
// objective is a posterior mode.
//
// params layout: logNoise, logSignal, one log lengthscale per fitted kernel.
func (gp *gaussianProcess) optimizeHyperparameters() {
	var fitted []int
	for k, d := range gp.data {
		if d.kernel.refinable && len(d.rows) > 0 {
			fitted = append(fitted, k)
		}
	}

	logLenscales := make([]float64, len(gp.data))
	for k, d := range gp.data {
		logLenscales[k] = d.kernel.logLenscale
	}

	unpack := func(params []float64) (logNoise, logSignal float64, ll []float64) {
		ll = append([]float64(nil), logLenscales...)
		for i, k := range fitted {
			ll[k] = gp.data[k].kernel.clipLog(params[i+2])
		}

		logNoise = clip(params[0], math.Log(minNoise), math.Log(maxNoise))
		logSignal = clip(params[1], math.Log(minSignal), math.Log(maxSignal))

		return logNoise, logSignal, ll
	}

	nll := func(params []float64) float64 {
		logNoise, logSignal, ll := unpack(params)

		return gp.negLogLikelihood(logNoise, logSignal, ll) + signalPenalty(logSignal)
	}

	init := make([]float64, len(fitted)+2)
	init[0] = gp.logNoise
	init[1] = gp.logSignal
	for i, k := range fitted {
		init[i+2] = logLenscales[k]
	}

	f0 := nll(init)

	problem := optimize.Problem{
		Func: nll,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, nll, x, &fd.Settings{Formula: fd.Central})
		},
	}

	settings := &optimize.Settings{
		MajorIterations:   gp.fitIterations,
		GradientThreshold: 1e-6,
	}

	res, err := optimize.Minimize(problem, init, settings, &optimize.LBFGS{})
	if res == nil || math.IsNaN(res.F) || math.IsInf(res.F, 0) || !(res.F < f0) {
		gp.logger.Debug("likelihood not improved, keeping parameters",
			zap.Float64("nll", f0),
			zap.Error(err),
		)

		return
	}

	logNoise, logSignal, ll := unpack(res.X)
	gp.logNoise, gp.logSignal = logNoise, logSignal

	for _, k := range fitted {
		gp.data[k].kernel.SetLogLenscale(ll[k])
	}

	gp.logger.Debug("fitted hyperparameters",
		zap.Float64("nll_before", f0),
		zap.Float64("nll_after", res.F),
		zap.Float64("noise", math.Exp(logNoise)),
		zap.Float64("signal", math.Exp(logSignal)),
		zap.Int("n", len(gp.idxs)),
		zap.Int("params", len(init)),
	)
}

// signalPenalty is the negative log prior of the signal variance, up to a
// constant.
func signalPenalty(logSignal float64) float64 {
	z := logSignal / signalPriorSigma

	return 0.5 * z * z
}

// negLogLikelihood evaluates the negative log marginal likelihood of the
// normalized losses for the given parameters.
func (gp *gaussianProcess) negLogLikelihood(logNoise, logSignal float64, logLenscales []float64) float64 {
	n := len(gp.idxs)

	k := gp.denseCovariance(logSignal, logLenscales)
	noise := math.Exp(logNoise)
	for i := 0; i < n; i++ {
		k.SetSym(i, i, k.At(i, i)+gp.noiseDiag[i]+noise)
	}

	chol, err := gp.factorize(k, noise, false)
	if err != nil {
		return math.Inf(1)
	}

	alpha := mat.NewVecDense(n, nil)
	y := mat.NewVecDense(n, gp.y)
	if err := chol.SolveVecTo(alpha, y); err != nil {
		return math.Inf(1)
	}

	return 0.5*mat.Dot(y, alpha) + 0.5*chol.LogDet() + 0.5*float64(n)*math.Log(2*math.Pi)
}

// denseCovariance combines the kernel blocks into the noiseless training
// covariance, scaled by the signal variance.
func (gp *gaussianProcess) denseCovariance(logSignal float64, logLenscales []float64) *mat.SymDense {
	n := len(gp.idxs)

	k := mat.NewSymDense(n, nil)
	if gp.combination == CombineProduct {
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				k.SetSym(i, j, 1)
			}
		}
	}

	for kk, d := range gp.data {
		if len(d.rows) == 0 {
			continue
		}

		block := d.kernel.blockFromSqDist(d.d2, logLenscales[kk])

		switch gp.combination {
		case CombineSum:
			w := 1 / float64(len(gp.data))
			for a, ra := range d.rows {
				for b := a; b < len(d.rows); b++ {
					rb := d.rows[b]
					k.SetSym(ra, rb, k.At(ra, rb)+w*block.At(a, b))
				}
			}
		default:
			for a, ra := range d.rows {
				for b := a; b < len(d.rows); b++ {
					rb := d.rows[b]
					k.SetSym(ra, rb, k.At(ra, rb)*block.At(a, b))
				}
			}

			for i := 0; i < n; i++ {
				for j := i + 1; j < n; j++ {
					if d.mask[i] != d.mask[j] {
						k.SetSym(i, j, 0)
					}
				}
			}
		}
	}

	k.ScaleSym(math.Exp(logSignal), k)

	return k
}

// condition assembles the training covariance for the fitted parameters
// in a SparseGram, factorizes it and solves for alpha.
func (gp *gaussianProcess) condition() error {
	n := len(gp.idxs)

	joint, err := gp.jointGram(gp.idxs, gp.idxs, func(d kernelData) ([]int, []int, *mat.Dense, []bool, []bool) {
		var block *mat.Dense
		if len(d.idxs) > 0 {
			block = d.kernel.blockFromSqDist(d.d2, d.kernel.logLenscale)
		}

		return d.idxs, d.idxs, block, d.mask, d.mask
	})
	if err != nil {
		return err
	}

	joint.Mul(gp.Signal())

	noise := math.Exp(gp.logNoise)
	for i, idx := range gp.idxs {
		diag := mat.NewDense(1, 1, []float64{gp.noiseDiag[i] + noise})
		if _, err := joint.Inc([]int{idx}, []int{idx}, diag); err != nil {
			return err
		}
	}

	dense, err := joint.Get(gp.idxs, gp.idxs)
	if err != nil {
		return err
	}

	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			k.SetSym(i, j, dense.At(i, j))
		}
	}

	chol, err := gp.factorize(k, noise, true)
	if err != nil {
		gp.chol, gp.alpha = nil, nil

		return err
	}

	alpha := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(alpha, mat.NewVecDense(n, gp.y)); err != nil {
		gp.chol, gp.alpha = nil, nil

		return fmt.Errorf("%w: %s", ErrSingularCovariance, err)
	}

	gp.chol, gp.alpha = chol, alpha

	return nil
}

// blockSource yields, for one kernel, the trial indices of the rows and
// columns where its leaf is active, the kernel block between them and the
// activity masks over all rows and columns.
type blockSource func(d kernelData) (rows, cols []int, block *mat.Dense, rowMask, colMask []bool)

// jointGram combines per-kernel blocks into a SparseGram over allRows x
// allCols according to the combination rule.
func (gp *gaussianProcess) jointGram(allRows, allCols []int, source blockSource) (*SparseGram, error) {
	joint := NewSparseGram()

	init := 0.0
	if gp.combination == CombineProduct {
		init = 1
	}

	base := mat.NewDense(len(allRows), len(allCols), nil)
	if init != 0 {
		for i := range allRows {
			for j := range allCols {
				base.Set(i, j, init)
			}
		}
	}

	if _, err := joint.Set(allRows, allCols, base); err != nil {
		return nil, err
	}

	for _, d := range gp.data {
		rows, cols, block, rowMask, colMask := source(d)

		switch gp.combination {
		case CombineSum:
			if len(rows) == 0 || len(cols) == 0 {
				continue
			}

			var scaled mat.Dense
			scaled.Scale(1/float64(len(gp.data)), block)

			if _, err := joint.Inc(rows, cols, &scaled); err != nil {
				return nil, err
			}
		default:
			if len(rows) > 0 && len(cols) > 0 {
				if _, err := joint.MulBlock(rows, cols, block); err != nil {
					return nil, err
				}
			}

			inactiveRows := pick(allRows, rowMask, false)
			inactiveCols := pick(allCols, colMask, false)

			if err := zeroBlock(joint, rows, inactiveCols); err != nil {
				return nil, err
			}

			if err := zeroBlock(joint, inactiveRows, cols); err != nil {
				return nil, err
			}
		}
	}

	return joint, nil
}

// crossCovariance returns the covariance between candidates and training
// trials, plus each candidate's prior variance, in normalized units.
// Candidate indices are shifted past the training indices so both live in
// one SparseGram.
func (gp *gaussianProcess) crossCovariance(cands IdxsValsList, cidxs []int) (*mat.Dense, []float64, error) {
	offset := 0
	for _, idx := range gp.idxs {
		offset = max(offset, idx+1)
	}

	crow := make(map[int]int, len(cidxs))
	shifted := make([]int, len(cidxs))
	for c, idx := range cidxs {
		crow[idx] = c
		shifted[c] = idx + offset
	}

	active := make([]int, len(cidxs))

	joint, err := gp.jointGram(shifted, gp.idxs, func(d kernelData) ([]int, []int, *mat.Dense, []bool, []bool) {
		iv := cands[d.kernel.leaf]

		rows := make([]int, len(iv.Idxs))
		mask := make([]bool, len(cidxs))
		for i, idx := range iv.Idxs {
			rows[i] = idx + offset
			mask[crow[idx]] = true
			active[crow[idx]]++
		}

		var block *mat.Dense
		if len(rows) > 0 && len(d.idxs) > 0 {
			block = d.kernel.Gram(iv.Vals, d.vals)
		}

		return rows, d.idxs, block, mask, d.mask
	})
	if err != nil {
		return nil, nil, err
	}

	kstar, err := joint.Mul(gp.Signal()).Get(shifted, gp.idxs)
	if err != nil {
		return nil, nil, err
	}

	prior := make([]float64, len(cidxs))
	for c := range prior {
		prior[c] = gp.Signal()
		if gp.combination == CombineSum {
			prior[c] *= float64(active[c]) / float64(len(gp.data))
		}
	}

	return kstar, prior, nil
}

// factorize computes the Cholesky factor of k, retrying with a growing
// diagonal jitter proportional to noise.
func (gp *gaussianProcess) factorize(k *mat.SymDense, noise float64, logRetries bool) (*mat.Cholesky, error) {
	var chol mat.Cholesky
	if chol.Factorize(k) {
		return &chol, nil
	}

	n := k.SymmetricDim()
	jitter := math.Max(noise, minJitter)

	for attempt := 0; attempt < gp.maxJitterRetries; attempt++ {
		kj := mat.NewSymDense(n, nil)
		kj.CopySym(k)

		for i := 0; i < n; i++ {
			kj.SetSym(i, i, kj.At(i, i)+jitter)
		}

		if chol.Factorize(kj) {
			if logRetries {
				gp.logger.Debug("covariance factorized with jitter",
					zap.Int("attempt", attempt+1),
					zap.Float64("jitter", jitter),
				)
			}

			return &chol, nil
		}

		jitter *= 10
	}

	return nil, fmt.Errorf("%w: %d jitter retries exhausted", ErrSingularCovariance, gp.maxJitterRetries)
}

// blockFromSqDist turns a squared-distance block into a kernel block.
func (k *Kernel) blockFromSqDist(d2 *mat.Dense, logLenscale float64) *mat.Dense {
	r, c := d2.Dims()

	block := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			block.Set(i, j, k.fromSqDist(d2.At(i, j), logLenscale))
		}
	}

	return block
}

// zeroBlock multiplies the rows x cols block of g by zero.
func zeroBlock(g *SparseGram, rows, cols []int) error {
	if len(rows) == 0 || len(cols) == 0 {
		return nil
	}

	_, err := g.MulBlock(rows, cols, mat.NewDense(len(rows), len(cols), nil))

	return err
}

// pick returns the elements of all whose mask equals want.
func pick(all []int, mask []bool, want bool) []int {
	var out []int
	for i, v := range all {
		if mask[i] == want {
			out = append(out, v)
		}
	}

	return out
}
