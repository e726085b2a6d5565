package train

import (
	"github.com/huixiancheng/spconv/internal/nn"
	"github.com/huixiancheng/spconv/internal/tensor"
)

// Scaler implements dynamic loss scaling for reduced-precision training.
// The loss gradient is multiplied by the current scale before the backward
// pass; Unscale divides the parameter gradients back down and reports
// whether they are all finite. Non-finite gradients make the caller skip the
// optimizer step and back the scale off.
type Scaler struct {
	Scale          float32
	GrowthFactor   float32
	BackoffFactor  float32
	GrowthInterval int

	goodSteps int
}

// NewScaler returns a scaler with the conventional 2^16 initial scale.
func NewScaler() *Scaler {
	return &Scaler{
		Scale:          65536,
		GrowthFactor:   2,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
	}
}

// ScaleGrad multiplies the loss gradient by the current scale.
func (s *Scaler) ScaleGrad(grad *tensor.Mat) {
	tensor.Scale(grad.Data, s.Scale)
}

// Unscale divides every parameter gradient by the scale and reports whether
// all of them are finite.
func (s *Scaler) Unscale(params []*nn.Param) bool {
	inv := 1 / s.Scale
	finite := true
	for _, p := range params {
		tensor.Scale(p.Grad, inv)
		if !tensor.IsFinite(p.Grad) {
			finite = false
		}
	}
	return finite
}

// Update adjusts the scale after a step: backoff on overflow, growth after a
// run of good steps.
func (s *Scaler) Update(foundOverflow bool) {
	if foundOverflow {
		s.Scale *= s.BackoffFactor
		s.goodSteps = 0
		return
	}
	s.goodSteps++
	if s.goodSteps >= s.GrowthInterval {
		s.Scale *= s.GrowthFactor
		s.goodSteps = 0
	}
}
