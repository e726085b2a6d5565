package nn

import (
	"github.com/huixiancheng/spconv/internal/tensor"
	"github.com/huixiancheng/spconv/pkg/sparse"
)

// Activation is the fused activation kind of a stage.
type Activation int

const (
	ActNone Activation = iota
	ActReLU
)

// Stage is one sparse convolution stage: a conv operator with an optional
// fused batch norm and activation. Stages are assembled by composition into
// the network's ordered list rather than by chaining sequential containers.
type Stage struct {
	Conv *SparseConv2d
	Norm *BatchNorm
	Act  Activation

	// caches from the last training-mode forward
	lastInput *sparse.Tensor
	lastPlan  *Plan
	lastMask  []bool
}

// NewSubMConvBNReLU builds a submanifold conv + batch norm + ReLU stage with
// the usual (k-1)/2 padding, matching the stage geometry the classifier is
// assembled from. The conv carries no bias; the norm's shift covers it.
func NewSubMConvBNReLU(in, out, kernel int, seed int64) *Stage {
	pad := (kernel - 1) / 2
	return &Stage{
		Conv: NewSparseConv2d(Submanifold, in, out, kernel, 1, pad, 1, false, seed),
		Norm: NewBatchNorm(out),
		Act:  ActReLU,
	}
}

// NewSparseConvBNReLU builds a strided (coordinate-reducing) conv + batch
// norm + ReLU stage, again with (k-1)/2 padding.
func NewSparseConvBNReLU(in, out, kernel, stride int, seed int64) *Stage {
	pad := (kernel - 1) / 2
	return &Stage{
		Conv: NewSparseConv2d(Strided, in, out, kernel, stride, pad, 1, false, seed),
		Norm: NewBatchNorm(out),
		Act:  ActReLU,
	}
}

// NewSparseConv builds a bare strided conv stage with bias and no
// normalisation or activation, used as the terminal classifier conv.
func NewSparseConv(in, out, kernel, stride int, seed int64) *Stage {
	return &Stage{
		Conv: NewSparseConv2d(Strided, in, out, kernel, stride, 0, 1, true, seed),
		Act:  ActNone,
	}
}

// Forward runs the stage over the input view and produces a fresh output
// view. In training mode the gather plan, input and activation mask are
// retained for Backward.
func (s *Stage) Forward(t *sparse.Tensor, mode Mode, prec Precision) (*sparse.Tensor, error) {
	plan, err := s.Conv.BuildPlan(t)
	if err != nil {
		return nil, err
	}
	feats := s.Conv.Apply(plan)
	if s.Norm != nil {
		if err := s.Norm.Forward(feats, mode); err != nil {
			return nil, err
		}
	}
	var mask []bool
	if s.Act == ActReLU {
		if mode == Train {
			mask = make([]bool, len(feats.Data))
		}
		for i, v := range feats.Data {
			if v < 0 {
				feats.Data[i] = 0
			} else if mask != nil {
				mask[i] = true
			}
		}
	}
	if prec == Half {
		tensor.RoundHalfSlice(feats.Data)
	}

	if mode == Train {
		s.lastInput = t
		s.lastPlan = plan
		s.lastMask = mask
	} else {
		s.lastInput, s.lastPlan, s.lastMask = nil, nil, nil
	}

	return &sparse.Tensor{
		Coords:    plan.OutCoords,
		Features:  feats.Data,
		Channels:  s.Conv.OutChannels,
		Spatial:   plan.OutSpatial,
		BatchSize: t.BatchSize,
	}, nil
}

// Backward propagates the output-feature gradient through activation, norm
// and conv, returning the input-feature gradient aligned with the input
// view's coordinates.
func (s *Stage) Backward(dOut *tensor.Mat) *tensor.Mat {
	if s.Act == ActReLU {
		for i := range dOut.Data {
			if !s.lastMask[i] {
				dOut.Data[i] = 0
			}
		}
	}
	if s.Norm != nil {
		dOut = s.Norm.Backward(dOut)
	}
	return s.Conv.Backward(s.lastInput, s.lastPlan, dOut)
}

// Params returns the stage's learnable parameters.
func (s *Stage) Params() []*Param {
	ps := s.Conv.Params()
	if s.Norm != nil {
		ps = append(ps, s.Norm.Params()...)
	}
	return ps
}
