package nn

import (
	"fmt"
	"math/rand"

	"github.com/huixiancheng/spconv/internal/tensor"
)

// Linear is a dense fully-connected layer y = xW^T + b.
type Linear struct {
	In, Out int
	Weight  *tensor.Mat // [Out, In]
	Bias    []float32

	WeightParam *Param
	BiasParam   *Param

	lastInput *tensor.Mat
}

// NewLinear constructs a linear layer with Kaiming-initialised weights.
func NewLinear(in, out int, seed int64) *Linear {
	w := tensor.NewMat(out, in)
	tensor.FillKaiming(w, in, seed)
	l := &Linear{
		In:     in,
		Out:    out,
		Weight: w,
		Bias:   make([]float32, out),
	}
	l.WeightParam = newParam(fmt.Sprintf("fc_%d_%d.weight", in, out), w.Data)
	l.BiasParam = newParam(fmt.Sprintf("fc_%d_%d.bias", in, out), l.Bias)
	return l
}

// Forward applies the layer to a batch of rows.
func (l *Linear) Forward(x *tensor.Mat, mode Mode) (*tensor.Mat, error) {
	if x.C != l.In {
		return nil, newShapeError(fmt.Sprintf("linear expects %d inputs, got %d", l.In, x.C))
	}
	out := tensor.NewMat(x.R, l.Out)
	for i := 0; i < x.R; i++ {
		row := x.Row(i)
		dst := out.Row(i)
		for o := 0; o < l.Out; o++ {
			dst[o] = tensor.Dot(l.Weight.Row(o), row) + l.Bias[o]
		}
	}
	if mode == Train {
		l.lastInput = x
	} else {
		l.lastInput = nil
	}
	return out, nil
}

// Backward accumulates weight/bias gradients and returns the input gradient.
func (l *Linear) Backward(dOut *tensor.Mat) *tensor.Mat {
	dIn := tensor.NewMat(dOut.R, l.In)
	for i := 0; i < dOut.R; i++ {
		grow := dOut.Row(i)
		x := l.lastInput.Row(i)
		dx := dIn.Row(i)
		for o := 0; o < l.Out; o++ {
			g := grow[o]
			if g == 0 {
				continue
			}
			gw := l.WeightParam.Grad[o*l.In : (o+1)*l.In]
			tensor.AddScaled(gw, x, g)
			tensor.AddScaled(dx, l.Weight.Row(o), g)
			l.BiasParam.Grad[o] += g
		}
	}
	return dIn
}

// Params returns weight and bias.
func (l *Linear) Params() []*Param {
	return []*Param{l.WeightParam, l.BiasParam}
}

// Dropout zeroes a fraction of activations during training and rescales the
// survivors by 1/(1-p). Evaluation mode is the identity.
type Dropout struct {
	P   float32
	rng *rand.Rand

	lastMask []bool
}

// NewDropout constructs a dropout layer with its own seeded source, so a
// fixed-seed training run is reproducible.
func NewDropout(p float32, seed int64) *Dropout {
	return &Dropout{P: p, rng: rand.New(rand.NewSource(seed))}
}

// Forward applies dropout in place and returns x.
func (d *Dropout) Forward(x *tensor.Mat, mode Mode) *tensor.Mat {
	if mode == Eval || d.P <= 0 {
		d.lastMask = nil
		return x
	}
	scale := 1 / (1 - d.P)
	d.lastMask = make([]bool, len(x.Data))
	for i := range x.Data {
		if d.rng.Float32() < d.P {
			x.Data[i] = 0
		} else {
			d.lastMask[i] = true
			x.Data[i] *= scale
		}
	}
	return x
}

// Backward masks the gradient the same way the forward pass masked the
// activations.
func (d *Dropout) Backward(dOut *tensor.Mat) *tensor.Mat {
	if d.lastMask == nil {
		return dOut
	}
	scale := 1 / (1 - d.P)
	for i := range dOut.Data {
		if d.lastMask[i] {
			dOut.Data[i] *= scale
		} else {
			dOut.Data[i] = 0
		}
	}
	return dOut
}
