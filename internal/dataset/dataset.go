// Package dataset defines the batched data-source contract consumed by the
// training loop and the calibration phase of the quantization pipeline.
package dataset

// Batch is one batch of dense images with aligned integer labels. Images are
// flattened NHWC float32 values.
type Batch struct {
	Images []float32
	Labels []int
	Size   int
}

// Source is an iterable, restartable sequence of batches. Next returns false
// when the epoch is exhausted; Reset rewinds (and may reshuffle) for the next
// epoch.
type Source interface {
	Next() (*Batch, bool)
	Reset()
	// Shape reports the per-sample dense geometry (H, W, C).
	Shape() (h, w, c int)
	// Len reports the number of samples per epoch.
	Len() int
}
