package gpbandit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

//////
// Const, vars, types.
//////

// KernelCombination is the rule used to merge per-leaf kernels into the
// joint covariance.
type KernelCombination int

const (
	// CombineProduct multiplies the kernels of the leaves active in both
	// trials. A leaf active in only one of the two trials zeroes the
	// covariance.
	CombineProduct KernelCombination = iota

	// CombineSum averages the kernels of the leaves active in both trials
	// over the number of leaves in the space.
	CombineSum
)

// String implements fmt.Stringer.
func (c KernelCombination) String() string {
	if c == CombineSum {
		return "sum"
	}

	return "product"
}

const (
	// Lengthscale bounds, relative to the prior width of the leaf.
	minLenscaleFactor = 0.01
	maxLenscaleFactor = 50.0
)

type kernelKind int

const (
	kernelSqExp kernelKind = iota
	kernelIndicator
)

// Kernel is the covariance function of one leaf. Continuous leaves use a
// squared-exponential kernel on their feature value (log value for
// lognormal kinds); choice leaves use the indicator of equality and are
// not refinable.
type Kernel struct {
	name string
	leaf int
	kind kernelKind
	dist *Distribution

	logLenscale  float64
	lowLenscale  float64
	highLenscale float64
	refinable    bool

	// sqDist caches squared feature distances between observed trials.
	sqDist   *SparseGram
	features map[int]float64
}

//////
// Factory.
//////

// newKernel builds the kernel of leaf i of space.
func newKernel(space *Space, i int) *Kernel {
	l := space.leaves[i]

	k := &Kernel{
		name:     l.Path,
		leaf:     i,
		sqDist:   NewSparseGram(),
		features: map[int]float64{},
	}

	if l.IsChoice() {
		k.kind = kernelIndicator
		k.lowLenscale, k.highLenscale = 1, 1

		return k
	}

	scale := l.dist.scale()

	k.kind = kernelSqExp
	k.dist = l.dist
	k.refinable = true
	k.lowLenscale = minLenscaleFactor * scale
	k.highLenscale = maxLenscaleFactor * scale
	k.logLenscale = math.Log(scale)

	return k
}

//////
// Methods.
//////

// Name returns the path of the kernel's leaf.
func (k *Kernel) Name() string { return k.name }

// Leaf returns the position of the kernel's leaf in the space.
func (k *Kernel) Leaf() int { return k.leaf }

// Refinable reports whether the lengthscale is fitted and the leaf's
// values may be refined during acquisition optimization.
func (k *Kernel) Refinable() bool { return k.refinable }

// Bounds returns the valid lengthscale interval.
func (k *Kernel) Bounds() (low, high float64) { return k.lowLenscale, k.highLenscale }

// LogLenscale returns the log of the lengthscale.
func (k *Kernel) LogLenscale() float64 { return k.logLenscale }

// Lenscale returns exp(LogLenscale()).
func (k *Kernel) Lenscale() float64 { return math.Exp(k.logLenscale) }

// SetLogLenscale sets the log lengthscale, projected into Bounds.
func (k *Kernel) SetLogLenscale(v float64) {
	k.logLenscale = k.clipLog(v)
}

// String implements fmt.Stringer.
func (k *Kernel) String() string {
	if k.kind == kernelIndicator {
		return fmt.Sprintf("indicator(%s)", k.name)
	}

	return fmt.Sprintf("sqexp(%s, lenscale=%.4g)", k.name, k.Lenscale())
}

// Covariance returns the similarity of two leaf values.
func (k *Kernel) Covariance(a, b float64) float64 {
	d := k.feature(a) - k.feature(b)

	return k.fromSqDist(d*d, k.logLenscale)
}

// Gram returns the covariance block between two lists of leaf values.
func (k *Kernel) Gram(rowVals, colVals []float64) *mat.Dense {
	g := mat.NewDense(len(rowVals), len(colVals), nil)
	for a, x := range rowVals {
		for b, y := range colVals {
			g.Set(a, b, k.Covariance(x, y))
		}
	}

	return g
}

func (k *Kernel) clipLog(v float64) float64 {
	return clip(v, math.Log(k.lowLenscale), math.Log(k.highLenscale))
}

// feature maps a leaf value into the space the kernel measures distances
// in.
func (k *Kernel) feature(v float64) float64 {
	if k.dist == nil {
		return v
	}

	return k.dist.toFeature(v)
}

// fromSqDist evaluates the kernel on a squared feature distance for the
// given log lengthscale.
func (k *Kernel) fromSqDist(d2, logLenscale float64) float64 {
	if k.kind == kernelIndicator {
		if d2 == 0 {
			return 1
		}

		return 0
	}

	l := math.Exp(logLenscale)

	return math.Exp(-d2 / (2 * l * l))
}

// observe brings the squared-distance cache up to date with the trials in
// iv. Only pairs involving trials not seen before are computed; the cache
// is rebuilt if a known trial changed value.
func (k *Kernel) observe(iv IdxsVals) error {
	for i, idx := range iv.Idxs {
		if f, ok := k.features[idx]; ok && f != k.feature(iv.Vals[i]) {
			k.sqDist = NewSparseGram()
			k.features = map[int]float64{}

			break
		}
	}

	var fresh []int
	var freshFeatures []float64

	for i, idx := range iv.Idxs {
		if _, ok := k.features[idx]; ok {
			continue
		}

		f := k.feature(iv.Vals[i])
		if err := checkFinite(k.name, f); err != nil {
			return err
		}

		fresh = append(fresh, idx)
		freshFeatures = append(freshFeatures, f)
	}

	if len(fresh) == 0 {
		return nil
	}

	for i, idx := range fresh {
		k.features[idx] = freshFeatures[i]
	}

	all := make([]int, 0, len(k.features))
	allFeatures := make([]float64, 0, len(k.features))
	for idx, f := range k.features {
		all = append(all, idx)
		allFeatures = append(allFeatures, f)
	}

	block := mat.NewDense(len(fresh), len(all), nil)
	for a, fa := range freshFeatures {
		for b, fb := range allFeatures {
			d := fa - fb
			block.Set(a, b, d*d)
		}
	}

	_, err := k.sqDist.Set(fresh, all, block)

	return err
}
