package gpbandit

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

//////
// Const, vars, types.
//////

type gramKey struct {
	row, col int
}

// SparseGram is a Gram matrix stored only at the (row, col) trial-index
// pairs that were set. A pair that was never set is not jointly active; it
// is not a zero.
//
// Every write to (i, j) is mirrored to (j, i) unless the same call also
// writes (j, i), so the store stays symmetric and a symmetric block
// accumulated with Inc is not counted twice. A call that writes both
// (i, j) and (j, i) must give them the same value, and rows and cols must
// not repeat an index.
//
// SparseGram is not safe for concurrent use.
type SparseGram struct {
	entries map[gramKey]float64
}

//////
// Factory.
//////

// NewSparseGram returns an empty SparseGram.
func NewSparseGram() *SparseGram {
	return &SparseGram{entries: make(map[gramKey]float64)}
}

//////
// Methods.
//////

// Len returns the number of stored ordered pairs.
func (g *SparseGram) Len() int { return len(g.entries) }

// Has reports whether (i, j) was set.
func (g *SparseGram) Has(i, j int) bool {
	_, ok := g.entries[gramKey{i, j}]

	return ok
}

// Set writes values.At(a, b) at (rows[a], cols[b]), overwriting previous
// entries. It returns g for chaining.
func (g *SparseGram) Set(rows, cols []int, values mat.Matrix) (*SparseGram, error) {
	updates, err := blockUpdates(rows, cols, values)
	if err != nil {
		return g, err
	}

	for k, v := range updates {
		g.entries[k] = v
	}

	return g, nil
}

// Inc adds values.At(a, b) to (rows[a], cols[b]). Pairs that were never
// set start from zero.
func (g *SparseGram) Inc(rows, cols []int, values mat.Matrix) (*SparseGram, error) {
	updates, err := blockUpdates(rows, cols, values)
	if err != nil {
		return g, err
	}

	for k, v := range updates {
		g.entries[k] += v
	}

	return g, nil
}

// Mul scales every stored entry by scale.
func (g *SparseGram) Mul(scale float64) *SparseGram {
	for k := range g.entries {
		g.entries[k] *= scale
	}

	return g
}

// MulBlock multiplies the entry at (rows[a], cols[b]) by values.At(a, b).
// Every pair must already be set; on ErrMissingEntry g is left untouched.
func (g *SparseGram) MulBlock(rows, cols []int, values mat.Matrix) (*SparseGram, error) {
	updates, err := blockUpdates(rows, cols, values)
	if err != nil {
		return g, err
	}

	for k := range updates {
		if _, ok := g.entries[k]; !ok {
			return g, fmt.Errorf("%w: (%d, %d)", ErrMissingEntry, k.row, k.col)
		}
	}

	for k, v := range updates {
		g.entries[k] *= v
	}

	return g, nil
}

// Get assembles the dense block of entries at rows x cols.
func (g *SparseGram) Get(rows, cols []int) (*mat.Dense, error) {
	if len(rows) == 0 || len(cols) == 0 {
		return &mat.Dense{}, nil
	}

	block := mat.NewDense(len(rows), len(cols), nil)
	for a, i := range rows {
		for b, j := range cols {
			v, ok := g.entries[gramKey{i, j}]
			if !ok {
				return nil, fmt.Errorf("%w: (%d, %d)", ErrMissingEntry, i, j)
			}

			block.Set(a, b, v)
		}
	}

	return block, nil
}

// blockUpdates expands a block write into per-pair values, mirrored where
// the block does not write the transposed pair itself.
func blockUpdates(rows, cols []int, values mat.Matrix) (map[gramKey]float64, error) {
	if len(rows) == 0 || len(cols) == 0 {
		return nil, nil
	}

	r, c := values.Dims()
	if r != len(rows) || c != len(cols) {
		return nil, fmt.Errorf("%w: %dx%d block for %d rows and %d cols", ErrShapeMismatch, r, c, len(rows), len(cols))
	}

	if err := checkDistinct("rows", rows); err != nil {
		return nil, err
	}

	if err := checkDistinct("cols", cols); err != nil {
		return nil, err
	}

	explicit := make(map[gramKey]float64, r*c)
	for a, i := range rows {
		for b, j := range cols {
			explicit[gramKey{i, j}] = values.At(a, b)
		}
	}

	updates := make(map[gramKey]float64, 2*len(explicit))
	for k, v := range explicit {
		updates[k] = v

		t := gramKey{k.col, k.row}
		tv, ok := explicit[t]
		if !ok {
			updates[t] = v

			continue
		}

		if tv != v {
			return nil, fmt.Errorf("%w: (%d, %d) = %v but (%d, %d) = %v", ErrShapeMismatch, k.row, k.col, v, t.row, t.col, tv)
		}
	}

	return updates, nil
}

// checkDistinct fails with ErrShapeMismatch when idxs repeats an index.
func checkDistinct(what string, idxs []int) error {
	seen := make(map[int]struct{}, len(idxs))
	for _, idx := range idxs {
		if _, dup := seen[idx]; dup {
			return fmt.Errorf("%w: duplicate index %d in %s", ErrShapeMismatch, idx, what)
		}

		seen[idx] = struct{}{}
	}

	return nil
}
