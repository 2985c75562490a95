package stats

import "errors"

// ErrInsufficientSamples is returned by Welch when either side has fewer
// than two observations.
var ErrInsufficientSamples = errors.New("insufficient samples")
