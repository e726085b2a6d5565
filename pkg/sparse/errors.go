package sparse

import "errors"

var (
	// ErrInvalidTensor marks a structural invariant violation: misaligned
	// coordinate/feature lengths or a coordinate outside the declared extent.
	ErrInvalidTensor = errors.New("invalid sparse tensor")
	// ErrDuplicateCoordinate marks a densify-time collision. A well-formed
	// tensor never carries two features for one site.
	ErrDuplicateCoordinate = errors.New("duplicate coordinate")
)
