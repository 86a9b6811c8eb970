package gpbandit

import (
	"fmt"
	"math"
	"slices"
)

//////
// Const, vars, types.
//////

// IdxsVals is the sparse encoding of one leaf across trials: the indices of
// the trials in which the leaf is active and its value in each of them.
type IdxsVals struct {
	Idxs []int
	Vals []float64
}

// IdxsValsList holds one IdxsVals per leaf, in the Space's leaf order.
type IdxsValsList []IdxsVals

//////
// Factory.
//////

// FromLists zips per-leaf index and value lists into an IdxsValsList.
func FromLists(idxs [][]int, vals [][]float64) (IdxsValsList, error) {
	if len(idxs) != len(vals) {
		return nil, fmt.Errorf("%w: %d idxs lists for %d vals lists", ErrShapeMismatch, len(idxs), len(vals))
	}

	ivl := make(IdxsValsList, len(idxs))
	for i := range idxs {
		ivl[i] = IdxsVals{
			Idxs: append([]int(nil), idxs[i]...),
			Vals: append([]float64(nil), vals[i]...),
		}

		if err := ivl[i].validate(); err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, err)
		}
	}

	return ivl, nil
}

// FromFlattened is the inverse of IdxsValsList.Flatten. flat alternates
// index and value arrays: idxs0, vals0, idxs1, vals1, ...
func FromFlattened(flat [][]float64) (IdxsValsList, error) {
	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("%w: flattened encoding has odd length %d", ErrShapeMismatch, len(flat))
	}

	ivl := make(IdxsValsList, len(flat)/2)
	for i := range ivl {
		rawIdxs, vals := flat[2*i], flat[2*i+1]

		idxs := make([]int, len(rawIdxs))
		for j, f := range rawIdxs {
			if f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
				return nil, fmt.Errorf("%w: leaf %d index %v is not a trial index", ErrShapeMismatch, i, f)
			}

			idxs[j] = int(f)
		}

		ivl[i] = IdxsVals{Idxs: idxs, Vals: make([]float64, len(vals))}
		copy(ivl[i].Vals, vals)

		if err := ivl[i].validate(); err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, err)
		}
	}

	return ivl, nil
}

//////
// Methods.
//////

// Len returns the number of trials in which the leaf is active.
func (iv IdxsVals) Len() int { return len(iv.Idxs) }

// Lookup returns the value of the leaf in trial idx.
func (iv IdxsVals) Lookup(idx int) (float64, bool) {
	for i, j := range iv.Idxs {
		if j == idx {
			return iv.Vals[i], true
		}
	}

	return 0, false
}

func (iv IdxsVals) validate() error {
	if len(iv.Idxs) != len(iv.Vals) {
		return fmt.Errorf("%w: %d idxs for %d vals", ErrShapeMismatch, len(iv.Idxs), len(iv.Vals))
	}

	seen := make(map[int]struct{}, len(iv.Idxs))
	for _, idx := range iv.Idxs {
		if idx < 0 {
			return fmt.Errorf("%w: negative index %d", ErrShapeMismatch, idx)
		}

		if _, dup := seen[idx]; dup {
			return fmt.Errorf("%w: duplicate index %d", ErrShapeMismatch, idx)
		}

		seen[idx] = struct{}{}
	}

	return checkFinite("vals", iv.Vals...)
}

// Flatten returns idxs0, vals0, idxs1, vals1, ... with indices stored as
// float64.
func (ivl IdxsValsList) Flatten() [][]float64 {
	flat := make([][]float64, 0, 2*len(ivl))
	for _, iv := range ivl {
		idxs := make([]float64, len(iv.Idxs))
		for i, idx := range iv.Idxs {
			idxs[i] = float64(idx)
		}

		vals := make([]float64, len(iv.Vals))
		copy(vals, iv.Vals)

		flat = append(flat, idxs, vals)
	}

	return flat
}

// Copy returns a deep copy.
func (ivl IdxsValsList) Copy() IdxsValsList {
	c := make(IdxsValsList, len(ivl))
	for i, iv := range ivl {
		c[i] = IdxsVals{
			Idxs: append([]int(nil), iv.Idxs...),
			Vals: append([]float64(nil), iv.Vals...),
		}
	}

	return c
}

// Take returns the sub-list restricted to trial idx, re-indexed as newIdx.
func (ivl IdxsValsList) Take(idx, newIdx int) IdxsValsList {
	out := make(IdxsValsList, len(ivl))
	for i, iv := range ivl {
		if v, ok := iv.Lookup(idx); ok {
			out[i] = IdxsVals{Idxs: []int{newIdx}, Vals: []float64{v}}
		}
	}

	return out
}

// TrialIdxs returns the sorted union of all indices.
func (ivl IdxsValsList) TrialIdxs() []int {
	seen := map[int]struct{}{}
	out := []int{}

	for _, iv := range ivl {
		for _, idx := range iv.Idxs {
			if _, ok := seen[idx]; !ok {
				seen[idx] = struct{}{}
				out = append(out, idx)
			}
		}
	}

	slices.Sort(out)

	return out
}

//////
// Space encoding.
//////

// FromConfigs encodes configs into an IdxsValsList; configs[i] is
// recorded under trial index idxs[i].
func (s *Space) FromConfigs(configs []Config, idxs []int) (IdxsValsList, error) {
	if len(configs) != len(idxs) {
		return nil, fmt.Errorf("%w: %d configs for %d indices", ErrShapeMismatch, len(configs), len(idxs))
	}

	ivl := make(IdxsValsList, len(s.leaves))
	seen := make(map[int]struct{}, len(idxs))

	for i, c := range configs {
		if _, dup := seen[idxs[i]]; dup || idxs[i] < 0 {
			return nil, fmt.Errorf("%w: bad trial index %d", ErrShapeMismatch, idxs[i])
		}

		seen[idxs[i]] = struct{}{}

		if _, err := s.encode(s.root, c, idxs[i], ivl, 0, ""); err != nil {
			return nil, err
		}
	}

	return ivl, nil
}

// ToConfig decodes trial idx from ivl.
func (s *Space) ToConfig(ivl IdxsValsList, idx int) (Config, error) {
	if err := s.CheckShape(ivl); err != nil {
		return nil, err
	}

	v, _, err := s.decode(s.root, ivl, idx, 0, "")
	if err != nil {
		return nil, err
	}

	return v.(Config), nil
}

// ToConfigs decodes every trial index in idxs.
func (s *Space) ToConfigs(ivl IdxsValsList, idxs []int) ([]Config, error) {
	out := make([]Config, len(idxs))
	for i, idx := range idxs {
		c, err := s.ToConfig(ivl, idx)
		if err != nil {
			return nil, err
		}

		out[i] = c
	}

	return out, nil
}

func (s *Space) encode(node Node, value any, idx int, ivl IdxsValsList, pos int, path string) (int, error) {
	switch n := node.(type) {
	case *Dict:
		m, ok := value.(map[string]any)
		if !ok {
			return pos, fmt.Errorf("%w: %q expects a map, got %T", ErrShapeMismatch, path, value)
		}

		for _, f := range n.Fields {
			v, ok := m[f.Key]
			if !ok {
				return pos, fmt.Errorf("%w: missing key %q", ErrShapeMismatch, joinPath(path, f.Key))
			}

			var err error
			if pos, err = s.encode(f.Value, v, idx, ivl, pos, joinPath(path, f.Key)); err != nil {
				return pos, err
			}
		}

		return pos, nil
	case *Choice:
		selected := -1
		for o, opt := range n.Options {
			if matches(opt, value) {
				selected = o

				break
			}
		}

		if selected < 0 {
			return pos, fmt.Errorf("%w: %q value %v matches no option", ErrShapeMismatch, path, value)
		}

		ivl[pos].Idxs = append(ivl[pos].Idxs, idx)
		ivl[pos].Vals = append(ivl[pos].Vals, float64(selected))

		next := pos + 1
		for o, opt := range n.Options {
			if o != selected {
				next += leafCount(opt)

				continue
			}

			var err error
			if next, err = s.encode(opt, value, idx, ivl, next, joinPath(path, fmt.Sprint(o))); err != nil {
				return next, err
			}
		}

		return next, nil
	case *Distribution:
		v, ok := toFloat(value)
		if !ok {
			return pos, fmt.Errorf("%w: %q expects a number, got %T", ErrShapeMismatch, path, value)
		}

		if err := checkFinite(path, v); err != nil {
			return pos, err
		}

		ivl[pos].Idxs = append(ivl[pos].Idxs, idx)
		ivl[pos].Vals = append(ivl[pos].Vals, v)

		return pos + 1, nil
	}

	return pos, nil
}

func (s *Space) decode(node Node, ivl IdxsValsList, idx, pos int, path string) (any, int, error) {
	switch n := node.(type) {
	case *Dict:
		m := make(Config, len(n.Fields))
		for _, f := range n.Fields {
			v, next, err := s.decode(f.Value, ivl, idx, pos, joinPath(path, f.Key))
			if err != nil {
				return nil, next, err
			}

			m[f.Key], pos = v, next
		}

		return m, pos, nil
	case *Literal:
		return n.Value, pos, nil
	case *Choice:
		raw, ok := ivl[pos].Lookup(idx)
		if !ok {
			return nil, pos, fmt.Errorf("%w: %q inactive in trial %d", ErrShapeMismatch, path, idx)
		}

		selected := int(raw)
		if float64(selected) != raw || selected < 0 || selected >= len(n.Options) {
			return nil, pos, fmt.Errorf("%w: %q has no option %v", ErrShapeMismatch, path, raw)
		}

		var value any
		next := pos + 1
		for o, opt := range n.Options {
			if o != selected {
				next += leafCount(opt)

				continue
			}

			var err error
			if value, next, err = s.decode(opt, ivl, idx, next, joinPath(path, fmt.Sprint(o))); err != nil {
				return nil, next, err
			}
		}

		return value, next, nil
	case *Distribution:
		v, ok := ivl[pos].Lookup(idx)
		if !ok {
			return nil, pos, fmt.Errorf("%w: %q inactive in trial %d", ErrShapeMismatch, path, idx)
		}

		return v, pos + 1, nil
	}

	return nil, pos, nil
}
