package quant

import (
	"fmt"
	"math"
)

// ObserverKind selects the statistic granularity and the quantization policy
// derived from it, fixed at prepare time.
type ObserverKind int

const (
	// PerTensorAffine tracks one [min,max] range over the whole tensor and
	// maps it to the full uint8 range with a zero point.
	PerTensorAffine ObserverKind = iota
	// PerChannelSymmetric tracks one absolute-maximum per channel and maps
	// it symmetrically to int8 with zero point 0. Used for weights.
	PerChannelSymmetric
)

// Observer accumulates running min/max statistics from the tensors flowing
// past one block boundary during calibration. Convert consumes the observer
// and freezes it.
type Observer struct {
	Kind     ObserverKind
	Channels int

	Min []float32
	Max []float32

	seen   bool
	frozen bool
}

// NewObserver constructs an observer. Per-tensor kinds ignore channels.
func NewObserver(kind ObserverKind, channels int) *Observer {
	if kind == PerTensorAffine {
		channels = 1
	}
	o := &Observer{
		Kind:     kind,
		Channels: channels,
		Min:      make([]float32, channels),
		Max:      make([]float32, channels),
	}
	for i := 0; i < channels; i++ {
		o.Min[i] = float32(math.Inf(1))
		o.Max[i] = float32(math.Inf(-1))
	}
	return o
}

// Observe folds a row-major feature block (rows of Channels values, or any
// flat slice for per-tensor observers) into the running range.
func (o *Observer) Observe(x []float32) error {
	if o.frozen {
		return ErrFrozenObserver
	}
	if len(x) == 0 {
		return nil
	}
	switch o.Kind {
	case PerTensorAffine:
		mn, mx := o.Min[0], o.Max[0]
		for _, v := range x {
			if v < mn {
				mn = v
			}
			if v > mx {
				mx = v
			}
		}
		o.Min[0], o.Max[0] = mn, mx
	case PerChannelSymmetric:
		if len(x)%o.Channels != 0 {
			return fmt.Errorf("observe: %d values not divisible by %d channels", len(x), o.Channels)
		}
		for i, v := range x {
			c := i % o.Channels
			if v < o.Min[c] {
				o.Min[c] = v
			}
			if v > o.Max[c] {
				o.Max[c] = v
			}
		}
	}
	o.seen = true
	return nil
}

// ObservePerChannel folds a channel-major block (Channels rows of equal
// length, e.g. a weight matrix with one row per output channel) into the
// running range.
func (o *Observer) ObservePerChannel(x []float32) error {
	if o.frozen {
		return ErrFrozenObserver
	}
	if o.Kind != PerChannelSymmetric {
		return fmt.Errorf("per-channel observe on per-tensor observer")
	}
	if len(x) == 0 {
		return nil
	}
	if len(x)%o.Channels != 0 {
		return fmt.Errorf("observe: %d values not divisible by %d channels", len(x), o.Channels)
	}
	per := len(x) / o.Channels
	for c := 0; c < o.Channels; c++ {
		for _, v := range x[c*per : (c+1)*per] {
			if v < o.Min[c] {
				o.Min[c] = v
			}
			if v > o.Max[c] {
				o.Max[c] = v
			}
		}
	}
	o.seen = true
	return nil
}

// Calibrated reports whether at least one batch flowed past the observer.
func (o *Observer) Calibrated() bool { return o.seen }

// Frozen reports whether Convert has already consumed the observer.
func (o *Observer) Frozen() bool { return o.frozen }

// Freeze marks the observer consumed; later Observe calls fail.
func (o *Observer) Freeze() { o.frozen = true }

// AffineParams derives the per-tensor (scale, zero point) pair mapping the
// observed range onto [0,255]. The range is widened to include zero so that
// exact-zero activations (the sparse background) quantize without error.
func (o *Observer) AffineParams() (float32, int32, error) {
	if o.Kind != PerTensorAffine {
		return 0, 0, fmt.Errorf("affine params requested from per-channel observer")
	}
	if !o.seen {
		return 0, 0, ErrUncalibratedObserver
	}
	mn := minf(o.Min[0], 0)
	mx := maxf(o.Max[0], 0)
	if mx == mn {
		return 1, 0, nil
	}
	scale := (mx - mn) / 255
	zero := int32(math.Round(float64(-mn / scale)))
	if zero < 0 {
		zero = 0
	} else if zero > 255 {
		zero = 255
	}
	return scale, zero, nil
}

// SymmetricParams derives one positive scale per channel mapping the
// observed absolute maxima onto [-127,127]. Channels that never saw a value
// get scale 1 so dequantisation stays defined.
func (o *Observer) SymmetricParams() ([]float32, error) {
	if o.Kind != PerChannelSymmetric {
		return nil, fmt.Errorf("symmetric params requested from per-tensor observer")
	}
	if !o.seen {
		return nil, ErrUncalibratedObserver
	}
	scales := make([]float32, o.Channels)
	for c := 0; c < o.Channels; c++ {
		amax := maxf(absf(o.Min[c]), absf(o.Max[c]))
		if amax == 0 || math.IsInf(float64(amax), 0) {
			scales[c] = 1
			continue
		}
		scales[c] = amax / 127
	}
	return scales, nil
}

func minf(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func absf(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
