package quant

import "errors"

var (
	// ErrUncalibratedObserver is returned by Convert in strict mode when an
	// observed tensor path never saw a calibration batch. Recoverable: the
	// caller can re-run calibration or convert in fallback mode.
	ErrUncalibratedObserver = errors.New("uncalibrated observer")
	// ErrUnsupportedFusion is returned when the backend configuration has no
	// quantized replacement for a recognised block shape. Fatal for that
	// block; the pipeline still completes for the blocks it does support.
	ErrUnsupportedFusion = errors.New("unsupported fusion")
	// ErrFrozenObserver marks statistics updates after Convert consumed the
	// observer.
	ErrFrozenObserver = errors.New("observer is frozen")
)
