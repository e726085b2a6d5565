package nn

import "errors"

// ErrShapeMismatch marks a disagreement between a layer's construction-time
// geometry and the tensor handed to it. Always fatal: the caller built the
// network or the input wrong.
var ErrShapeMismatch = errors.New("shape mismatch")

type shapeError struct {
	msg string
}

func (e shapeError) Error() string { return e.msg }

func (e shapeError) Unwrap() error { return ErrShapeMismatch }

func newShapeError(msg string) error {
	return shapeError{msg: msg}
}
