// Package sparse implements the sparse activation tensor shared by every
// stage of a sparse convolution network: a list of active coordinates plus a
// feature vector per active site, packed for a whole batch.
package sparse

import "fmt"

// Coord addresses one active site inside a batched 2D grid.
type Coord struct {
	Batch int32
	Y     int32
	X     int32
}

// Tensor is a batch of sparse activations. Coords and Features are index
// aligned: Features holds Channels values per coordinate, flattened row-major.
//
// A Tensor is immutable once produced. Stages consume one Tensor and allocate
// a new one for their output, so earlier layers' activations are never
// overwritten by later layers.
type Tensor struct {
	Coords   []Coord
	Features []float32
	Channels int
	// Spatial is the dense extent (H, W) each coordinate indexes into.
	Spatial   [2]int
	BatchSize int
}

// New constructs a Tensor from an externally supplied coordinate set, for
// callers that already know the sparsity pattern (the quantization pipeline
// drives the network through this path). The invariants are checked up front;
// the slices are retained, not copied.
func New(features []float32, coords []Coord, channels int, spatial [2]int, batchSize int) (*Tensor, error) {
	t := &Tensor{
		Coords:    coords,
		Features:  features,
		Channels:  channels,
		Spatial:   spatial,
		BatchSize: batchSize,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// FromDense scans a dense NHWC batch and records every element with at least
// one nonzero channel as an active site. The scan order (batch, then row,
// then column) is the coordinate order of the result, so two scans of the
// same batch produce identical tensors.
func FromDense(data []float32, batchSize, h, w, channels int) (*Tensor, error) {
	if len(data) != batchSize*h*w*channels {
		return nil, fmt.Errorf("%w: dense batch has %d values, want %d",
			ErrInvalidTensor, len(data), batchSize*h*w*channels)
	}
	t := &Tensor{
		Channels:  channels,
		Spatial:   [2]int{h, w},
		BatchSize: batchSize,
	}
	for n := 0; n < batchSize; n++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				off := ((n*h+y)*w + x) * channels
				active := false
				for c := 0; c < channels; c++ {
					if data[off+c] != 0 {
						active = true
						break
					}
				}
				if !active {
					continue
				}
				t.Coords = append(t.Coords, Coord{Batch: int32(n), Y: int32(y), X: int32(x)})
				t.Features = append(t.Features, data[off:off+channels]...)
			}
		}
	}
	return t, nil
}

// NumActive returns the number of active sites.
func (t *Tensor) NumActive() int { return len(t.Coords) }

// Feature returns the feature vector of the i-th active site.
func (t *Tensor) Feature(i int) []float32 {
	return t.Features[i*t.Channels : (i+1)*t.Channels]
}

// Validate checks the structural invariants: aligned lengths, batch indices
// in [0, BatchSize) and spatial indices inside Spatial.
func (t *Tensor) Validate() error {
	if t.Channels <= 0 {
		return fmt.Errorf("%w: channel count %d", ErrInvalidTensor, t.Channels)
	}
	if len(t.Features) != len(t.Coords)*t.Channels {
		return fmt.Errorf("%w: %d coordinates but %d feature values (channels=%d)",
			ErrInvalidTensor, len(t.Coords), len(t.Features), t.Channels)
	}
	h, w := t.Spatial[0], t.Spatial[1]
	for i, c := range t.Coords {
		if c.Batch < 0 || int(c.Batch) >= t.BatchSize {
			return fmt.Errorf("%w: coordinate %d batch index %d outside [0,%d)",
				ErrInvalidTensor, i, c.Batch, t.BatchSize)
		}
		if c.Y < 0 || int(c.Y) >= h || c.X < 0 || int(c.X) >= w {
			return fmt.Errorf("%w: coordinate %d site (%d,%d) outside %dx%d",
				ErrInvalidTensor, i, c.Y, c.X, h, w)
		}
	}
	return nil
}

// ToDense scatters the features back into a zero-initialised dense NHWC batch
// of shape [BatchSize, H, W, Channels]. For a tensor whose coordinate set was
// produced by FromDense this is the exact inverse. Two coordinates landing on
// the same site make the scatter ill-defined and fail with
// ErrDuplicateCoordinate.
func (t *Tensor) ToDense() ([]float32, error) {
	h, w := t.Spatial[0], t.Spatial[1]
	out := make([]float32, t.BatchSize*h*w*t.Channels)
	seen := make(map[Coord]struct{}, len(t.Coords))
	for i, c := range t.Coords {
		if _, dup := seen[c]; dup {
			return nil, fmt.Errorf("%w: (batch=%d, y=%d, x=%d)",
				ErrDuplicateCoordinate, c.Batch, c.Y, c.X)
		}
		seen[c] = struct{}{}
		off := ((int(c.Batch)*h+int(c.Y))*w + int(c.X)) * t.Channels
		copy(out[off:off+t.Channels], t.Feature(i))
	}
	return out, nil
}
