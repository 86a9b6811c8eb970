package gpbandit

import (
	"fmt"
	"math"
	"math/rand/v2"
	"reflect"

	"gonum.org/v1/gonum/stat/distuv"
)

//////
// Const, vars, types.
//////

// Config is one trial's configuration: a tree of nested maps whose leaves
// are the sampled values.
type Config = map[string]any

// Node is an element of a configuration space tree. It is one of *Dict,
// *Choice, *Literal or *Distribution.
type Node interface {
	isNode()
}

// Field is a keyed entry of a Dict.
type Field struct {
	Key   string
	Value Node
}

// Dict is a node whose value is a map with a fixed, ordered set of keys.
type Dict struct {
	Fields []Field
}

// Choice is a categorical node. Its value is the value of the selected
// option; the index of the selected option is the categorical leaf value.
type Choice struct {
	Options []Node

	// Weights are the prior probabilities of each option. Nil means
	// uniform.
	Weights []float64
}

// Literal is a constant node.
type Literal struct {
	Value any
}

// Kind identifies the prior of a Distribution leaf.
type Kind int

const (
	KindGaussian Kind = iota
	KindUniform
	KindQUniform
	KindLogNormal
	KindQLogNormal
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindGaussian:
		return "gaussian"
	case KindUniform:
		return "uniform"
	case KindQUniform:
		return "quniform"
	case KindLogNormal:
		return "lognormal"
	case KindQLogNormal:
		return "qlognormal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Distribution is a continuous or quantized leaf.
type Distribution struct {
	Kind  Kind
	Mu    float64
	Sigma float64
	Low   float64
	High  float64
	Q     float64
}

func (*Dict) isNode()         {}
func (*Choice) isNode()       {}
func (*Literal) isNode()      {}
func (*Distribution) isNode() {}

// priorOutliers bounds gaussian values to mu +/- priorOutliers*sigma, and
// lognormal values to the same interval in log space.
const priorOutliers = 5.0

// Leaf is one flattened variable of a Space: either a Choice or a
// Distribution.
type Leaf struct {
	// Path is the stable key of the leaf, e.g. "p0/1/c".
	Path string

	// Parent is the position of the enclosing choice leaf, -1 when the leaf
	// is always active.
	Parent int

	// Option is the option of Parent that contains this leaf.
	Option int

	choice *Choice
	dist   *Distribution
}

// IsChoice reports whether the leaf is a categorical choice.
func (l *Leaf) IsChoice() bool { return l.choice != nil }

// Distribution returns the leaf's distribution, nil for choices.
func (l *Leaf) Distribution() *Distribution { return l.dist }

// NumOptions returns the number of options of a choice leaf, 0 otherwise.
func (l *Leaf) NumOptions() int {
	if l.choice == nil {
		return 0
	}

	return len(l.choice.Options)
}

// Space is a compiled configuration space: the tree plus its flattened,
// fixed-order leaf list.
type Space struct {
	root   *Dict
	leaves []*Leaf
}

//////
// Constructors.
//////

// F builds a Field.
func F(key string, value Node) Field { return Field{Key: key, Value: value} }

// NewDict builds a Dict with the fields in the given order.
func NewDict(fields ...Field) *Dict { return &Dict{Fields: fields} }

// NewChoice builds a uniform Choice over options.
func NewChoice(options ...Node) *Choice { return &Choice{Options: options} }

// OneOf builds a uniform Choice over literal values.
func OneOf(values ...any) *Choice {
	options := make([]Node, len(values))
	for i, v := range values {
		options[i] = &Literal{Value: v}
	}

	return &Choice{Options: options}
}

// Gaussian builds a normal(mu, sigma) leaf.
func Gaussian(mu, sigma float64) *Distribution {
	return &Distribution{Kind: KindGaussian, Mu: mu, Sigma: sigma}
}

// Uniform builds a uniform(low, high) leaf.
func Uniform(low, high float64) *Distribution {
	return &Distribution{Kind: KindUniform, Low: low, High: high}
}

// QUniform builds a uniform(low, high) leaf rounded to multiples of q.
func QUniform(low, high, q float64) *Distribution {
	return &Distribution{Kind: KindQUniform, Low: low, High: high, Q: q}
}

// LogNormal builds a leaf whose logarithm is normal(mu, sigma).
func LogNormal(mu, sigma float64) *Distribution {
	return &Distribution{Kind: KindLogNormal, Mu: mu, Sigma: sigma}
}

// QLogNormal builds a lognormal leaf rounded to multiples of q. Values are
// never below q.
func QLogNormal(mu, sigma, q float64) *Distribution {
	return &Distribution{Kind: KindQLogNormal, Mu: mu, Sigma: sigma, Q: q}
}

// Compile validates root and flattens it into a Space.
func Compile(root Node) (*Space, error) {
	dict, ok := root.(*Dict)
	if !ok || dict == nil {
		return nil, fmt.Errorf("%w: root must be a dict, got %T", ErrInvalidSpace, root)
	}

	s := &Space{root: dict}
	if err := s.compile(dict, "", -1, 0); err != nil {
		return nil, err
	}

	return s, nil
}

//////
// Methods.
//////

// Leaves returns the flattened leaves in their fixed order.
func (s *Space) Leaves() []*Leaf { return s.leaves }

// NumLeaves returns the number of leaves.
func (s *Space) NumLeaves() int { return len(s.leaves) }

// ValueBounds returns the domain of the leaf at position i.
func (s *Space) ValueBounds(i int) (low, high float64) {
	l := s.leaves[i]
	if l.choice != nil {
		return 0, float64(len(l.choice.Options) - 1)
	}

	return l.dist.bounds()
}

// CheckShape verifies that ivl has one pair per leaf.
func (s *Space) CheckShape(ivl IdxsValsList) error {
	if len(ivl) != len(s.leaves) {
		return fmt.Errorf("%w: %d pairs for %d leaves", ErrShapeMismatch, len(ivl), len(s.leaves))
	}

	return nil
}

// Sample draws n configurations from the prior. The returned list uses
// trial indices 0..n-1; only active leaves receive values.
func (s *Space) Sample(rng *rand.Rand, n int) IdxsValsList {
	ivl := make(IdxsValsList, len(s.leaves))

	idxs := make([]int, n)
	for i := range idxs {
		idxs[i] = i
	}

	s.sample(rng, s.root, idxs, ivl, 0)

	return ivl
}

func (s *Space) compile(node Node, path string, parent, option int) error {
	switch n := node.(type) {
	case *Dict:
		seen := make(map[string]struct{}, len(n.Fields))
		for _, f := range n.Fields {
			if _, dup := seen[f.Key]; dup {
				return fmt.Errorf("%w: duplicate key %q", ErrInvalidSpace, joinPath(path, f.Key))
			}

			seen[f.Key] = struct{}{}

			if err := s.compile(f.Value, joinPath(path, f.Key), parent, option); err != nil {
				return err
			}
		}
	case *Choice:
		if len(n.Options) == 0 {
			return fmt.Errorf("%w: empty choice at %q", ErrInvalidSpace, path)
		}

		if n.Weights != nil {
			if len(n.Weights) != len(n.Options) {
				return fmt.Errorf("%w: %d weights for %d options at %q", ErrInvalidSpace, len(n.Weights), len(n.Options), path)
			}

			var total float64
			for _, w := range n.Weights {
				if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
					return fmt.Errorf("%w: bad weight %v at %q", ErrInvalidSpace, w, path)
				}

				total += w
			}

			if total == 0 {
				return fmt.Errorf("%w: zero total weight at %q", ErrInvalidSpace, path)
			}
		}

		pos := len(s.leaves)
		s.leaves = append(s.leaves, &Leaf{Path: path, Parent: parent, Option: option, choice: n})

		for o, opt := range n.Options {
			if err := s.compile(opt, joinPath(path, fmt.Sprint(o)), pos, o); err != nil {
				return err
			}
		}
	case *Distribution:
		if err := n.validate(); err != nil {
			return fmt.Errorf("%w at %q: %s", ErrInvalidSpace, path, err)
		}

		s.leaves = append(s.leaves, &Leaf{Path: path, Parent: parent, Option: option, dist: n})
	case *Literal:
	default:
		return fmt.Errorf("%w: unsupported node %T at %q", ErrInvalidSpace, node, path)
	}

	return nil
}

// sample fills ivl for the subtree rooted at node, for the trials in idxs,
// and returns the position of the next leaf.
func (s *Space) sample(rng *rand.Rand, node Node, idxs []int, ivl IdxsValsList, pos int) int {
	switch n := node.(type) {
	case *Dict:
		for _, f := range n.Fields {
			pos = s.sample(rng, f.Value, idxs, ivl, pos)
		}
	case *Choice:
		weights := n.Weights
		if weights == nil {
			weights = onesLike(len(n.Options))
		}

		cat := distuv.NewCategorical(weights, rng)
		byOption := make([][]int, len(n.Options))

		for _, idx := range idxs {
			o := int(cat.Rand())
			ivl[pos].Idxs = append(ivl[pos].Idxs, idx)
			ivl[pos].Vals = append(ivl[pos].Vals, float64(o))
			byOption[o] = append(byOption[o], idx)
		}

		next := pos + 1
		for o, opt := range n.Options {
			next = s.sample(rng, opt, byOption[o], ivl, next)
		}

		return next
	case *Distribution:
		for _, idx := range idxs {
			ivl[pos].Idxs = append(ivl[pos].Idxs, idx)
			ivl[pos].Vals = append(ivl[pos].Vals, n.draw(rng))
		}

		return pos + 1
	}

	return pos
}

func (d *Distribution) validate() error {
	switch d.Kind {
	case KindGaussian, KindLogNormal:
		if !(d.Sigma > 0) {
			return fmt.Errorf("sigma must be positive, got %v", d.Sigma)
		}
	case KindQLogNormal:
		if !(d.Sigma > 0) || !(d.Q > 0) {
			return fmt.Errorf("sigma and q must be positive, got %v, %v", d.Sigma, d.Q)
		}
	case KindUniform:
		if !(d.Low < d.High) {
			return fmt.Errorf("low must be below high, got [%v, %v]", d.Low, d.High)
		}
	case KindQUniform:
		if !(d.Low < d.High) || !(d.Q > 0) {
			return fmt.Errorf("need low < high and q > 0, got [%v, %v] q=%v", d.Low, d.High, d.Q)
		}
	default:
		return fmt.Errorf("unknown kind %v", d.Kind)
	}

	return nil
}

// draw samples one value from the prior.
func (d *Distribution) draw(rng *rand.Rand) float64 {
	switch d.Kind {
	case KindGaussian:
		return d.project(distuv.Normal{Mu: d.Mu, Sigma: d.Sigma, Src: rng}.Rand())
	case KindUniform:
		return distuv.Uniform{Min: d.Low, Max: d.High, Src: rng}.Rand()
	case KindQUniform:
		return d.project(distuv.Uniform{Min: d.Low, Max: d.High, Src: rng}.Rand())
	case KindLogNormal, KindQLogNormal:
		return d.project(distuv.LogNormal{Mu: d.Mu, Sigma: d.Sigma, Src: rng}.Rand())
	}

	return math.NaN()
}

// project maps v onto the leaf's domain, rounding quantized kinds.
func (d *Distribution) project(v float64) float64 {
	if d.Kind == KindQUniform || d.Kind == KindQLogNormal {
		v = math.Round(v/d.Q) * d.Q
	}

	low, high := d.bounds()

	return clip(v, low, high)
}

func (d *Distribution) bounds() (low, high float64) {
	switch d.Kind {
	case KindUniform, KindQUniform:
		return d.Low, d.High
	case KindLogNormal:
		return math.Exp(d.Mu - priorOutliers*d.Sigma), math.Exp(d.Mu + priorOutliers*d.Sigma)
	case KindQLogNormal:
		high = math.Round(math.Exp(d.Mu+priorOutliers*d.Sigma)/d.Q) * d.Q

		return d.Q, math.Max(d.Q, high)
	}

	return d.Mu - priorOutliers*d.Sigma, d.Mu + priorOutliers*d.Sigma
}

// logScale reports whether the leaf is modelled in log space.
func (d *Distribution) logScale() bool {
	return d.Kind == KindLogNormal || d.Kind == KindQLogNormal
}

// scale is the natural width of the prior in feature units.
func (d *Distribution) scale() float64 {
	switch d.Kind {
	case KindUniform, KindQUniform:
		return d.High - d.Low
	}

	return d.Sigma
}

// toFeature maps a value into the space the kernels work in.
func (d *Distribution) toFeature(v float64) float64 {
	if d.logScale() {
		return math.Log(v)
	}

	return v
}

// fromFeature is the inverse of toFeature.
func (d *Distribution) fromFeature(f float64) float64 {
	if d.logScale() {
		return math.Exp(f)
	}

	return f
}

// matches reports whether value is a valid value for node.
func matches(node Node, value any) bool {
	switch n := node.(type) {
	case *Dict:
		m, ok := value.(map[string]any)
		if !ok || len(m) != len(n.Fields) {
			return false
		}

		for _, f := range n.Fields {
			v, ok := m[f.Key]
			if !ok || !matches(f.Value, v) {
				return false
			}
		}

		return true
	case *Choice:
		for _, opt := range n.Options {
			if matches(opt, value) {
				return true
			}
		}

		return false
	case *Distribution:
		v, ok := toFloat(value)
		if !ok {
			return false
		}

		low, high := n.bounds()

		return v >= low && v <= high
	case *Literal:
		a, aok := toFloat(n.Value)
		b, bok := toFloat(value)
		if aok && bok {
			return a == b
		}

		return reflect.DeepEqual(n.Value, value)
	}

	return false
}

// leafCount returns the number of leaves under node.
func leafCount(node Node) int {
	switch n := node.(type) {
	case *Dict:
		var c int
		for _, f := range n.Fields {
			c += leafCount(f.Value)
		}

		return c
	case *Choice:
		c := 1
		for _, opt := range n.Options {
			c += leafCount(opt)
		}

		return c
	case *Distribution:
		return 1
	}

	return 0
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}

	return path + "/" + key
}
