package gpbandit

import "errors"

//////
// Errors.
//////

var (
	// ErrShapeMismatch is returned when a flattened or structured encoding
	// does not have the shape the space expects.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrMissingEntry is returned when a sparse Gram lookup asks for a pair
	// that was never set, i.e. a pair that is not jointly active.
	ErrMissingEntry = errors.New("missing gram entry")

	// ErrSingularCovariance is returned when the covariance cannot be
	// factorized even after the bounded jitter retries.
	ErrSingularCovariance = errors.New("singular covariance")

	// ErrNonFinite is returned when an input contains NaN or Inf.
	ErrNonFinite = errors.New("non-finite value")

	// ErrInvalidSpace is returned by Compile for malformed space trees.
	ErrInvalidSpace = errors.New("invalid space")

	// ErrNoObservations is returned when a model is queried before it
	// was fitted on at least one observation.
	ErrNoObservations = errors.New("no observations")
)
