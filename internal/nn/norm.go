package nn

import (
	"fmt"
	"math"

	"github.com/huixiancheng/spconv/internal/tensor"
)

// BatchNorm normalises each channel over the active sites of a batch, the
// sparse analogue of BatchNorm1d over an [N, C] feature block. Training uses
// batch statistics and updates the running estimates; evaluation uses the
// running estimates only.
type BatchNorm struct {
	Channels int
	Momentum float32
	Eps      float32

	Gamma []float32
	Beta  []float32

	RunningMean []float32
	RunningVar  []float32

	GammaParam *Param
	BetaParam  *Param

	// backward caches from the last training forward
	xhat   *tensor.Mat
	invStd []float32
}

// NewBatchNorm constructs a batch norm layer with unit scale, zero shift and
// unit running variance.
func NewBatchNorm(channels int) *BatchNorm {
	bn := &BatchNorm{
		Channels:    channels,
		Momentum:    0.1,
		Eps:         1e-5,
		Gamma:       make([]float32, channels),
		Beta:        make([]float32, channels),
		RunningMean: make([]float32, channels),
		RunningVar:  make([]float32, channels),
	}
	for c := 0; c < channels; c++ {
		bn.Gamma[c] = 1
		bn.RunningVar[c] = 1
	}
	bn.GammaParam = newParam(fmt.Sprintf("bn%d.gamma", channels), bn.Gamma)
	bn.BetaParam = newParam(fmt.Sprintf("bn%d.beta", channels), bn.Beta)
	return bn
}

// Forward normalises x in place. x holds one row per active site.
func (bn *BatchNorm) Forward(x *tensor.Mat, mode Mode) error {
	if x.C != bn.Channels {
		return newShapeError(fmt.Sprintf("batch norm expects %d channels, got %d", bn.Channels, x.C))
	}
	if mode == Eval || x.R == 0 {
		for i := 0; i < x.R; i++ {
			row := x.Row(i)
			for c := 0; c < bn.Channels; c++ {
				inv := 1 / sqrt(bn.RunningVar[c]+bn.Eps)
				row[c] = (row[c]-bn.RunningMean[c])*inv*bn.Gamma[c] + bn.Beta[c]
			}
		}
		return nil
	}

	n := float32(x.R)
	mean := make([]float32, bn.Channels)
	varb := make([]float32, bn.Channels)
	for i := 0; i < x.R; i++ {
		row := x.Row(i)
		for c := range mean {
			mean[c] += row[c]
		}
	}
	for c := range mean {
		mean[c] /= n
	}
	for i := 0; i < x.R; i++ {
		row := x.Row(i)
		for c := range varb {
			d := row[c] - mean[c]
			varb[c] += d * d
		}
	}
	for c := range varb {
		varb[c] /= n
	}

	bn.invStd = make([]float32, bn.Channels)
	bn.xhat = tensor.NewMat(x.R, x.C)
	for c := range bn.invStd {
		bn.invStd[c] = 1 / sqrt(varb[c]+bn.Eps)
	}
	for i := 0; i < x.R; i++ {
		row := x.Row(i)
		xh := bn.xhat.Row(i)
		for c := 0; c < bn.Channels; c++ {
			xh[c] = (row[c] - mean[c]) * bn.invStd[c]
			row[c] = xh[c]*bn.Gamma[c] + bn.Beta[c]
		}
	}

	// Running statistics track the unbiased variance.
	unbias := n / maxf(n-1, 1)
	for c := range mean {
		bn.RunningMean[c] = (1-bn.Momentum)*bn.RunningMean[c] + bn.Momentum*mean[c]
		bn.RunningVar[c] = (1-bn.Momentum)*bn.RunningVar[c] + bn.Momentum*varb[c]*unbias
	}
	return nil
}

// Backward consumes the gradient of the normalised output and returns the
// gradient of the input, accumulating gamma/beta gradients. Requires a prior
// training-mode Forward.
func (bn *BatchNorm) Backward(dOut *tensor.Mat) *tensor.Mat {
	n := float32(dOut.R)
	dIn := tensor.NewMat(dOut.R, dOut.C)
	if dOut.R == 0 {
		return dIn
	}

	sumDy := make([]float32, bn.Channels)
	sumDyXhat := make([]float32, bn.Channels)
	for i := 0; i < dOut.R; i++ {
		dy := dOut.Row(i)
		xh := bn.xhat.Row(i)
		for c := 0; c < bn.Channels; c++ {
			sumDy[c] += dy[c]
			sumDyXhat[c] += dy[c] * xh[c]
		}
	}
	for c := 0; c < bn.Channels; c++ {
		bn.BetaParam.Grad[c] += sumDy[c]
		bn.GammaParam.Grad[c] += sumDyXhat[c]
	}
	for i := 0; i < dOut.R; i++ {
		dy := dOut.Row(i)
		xh := bn.xhat.Row(i)
		dst := dIn.Row(i)
		for c := 0; c < bn.Channels; c++ {
			dst[c] = bn.Gamma[c] * bn.invStd[c] * (dy[c] - sumDy[c]/n - xh[c]*sumDyXhat[c]/n)
		}
	}
	return dIn
}

// Params returns gamma and beta.
func (bn *BatchNorm) Params() []*Param {
	return []*Param{bn.GammaParam, bn.BetaParam}
}

func sqrt(v float32) float32 {
	return float32(math.Sqrt(float64(v)))
}

func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
