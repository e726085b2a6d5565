package train

import (
	"math"

	"github.com/huixiancheng/spconv/internal/nn"
)

// Adadelta implements the Adadelta update rule with per-parameter running
// averages of squared gradients and squared updates.
type Adadelta struct {
	LR  float32
	Rho float32
	Eps float32

	accGrad map[*nn.Param][]float32
	accUpd  map[*nn.Param][]float32
}

// NewAdadelta returns an optimizer with the usual rho 0.9 and eps 1e-6.
func NewAdadelta(lr float32) *Adadelta {
	return &Adadelta{
		LR:      lr,
		Rho:     0.9,
		Eps:     1e-6,
		accGrad: make(map[*nn.Param][]float32),
		accUpd:  make(map[*nn.Param][]float32),
	}
}

// ZeroGrad clears the gradient accumulators of all params.
func (o *Adadelta) ZeroGrad(params []*nn.Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// Step applies one Adadelta update to every parameter.
func (o *Adadelta) Step(params []*nn.Param) {
	for _, p := range params {
		ag, ok := o.accGrad[p]
		if !ok {
			ag = make([]float32, len(p.Data))
			o.accGrad[p] = ag
		}
		au, ok := o.accUpd[p]
		if !ok {
			au = make([]float32, len(p.Data))
			o.accUpd[p] = au
		}
		for i, g := range p.Grad {
			ag[i] = o.Rho*ag[i] + (1-o.Rho)*g*g
			dx := float32(math.Sqrt(float64(au[i]+o.Eps))/math.Sqrt(float64(ag[i]+o.Eps))) * g
			au[i] = o.Rho*au[i] + (1-o.Rho)*dx*dx
			p.Data[i] -= o.LR * dx
		}
	}
}

// StepLR decays the optimizer's learning rate by Gamma every StepSize epochs.
type StepLR struct {
	Opt      *Adadelta
	StepSize int
	Gamma    float32

	epoch int
}

// NewStepLR wraps the optimizer with an epoch-stepped decay schedule.
func NewStepLR(opt *Adadelta, stepSize int, gamma float32) *StepLR {
	return &StepLR{Opt: opt, StepSize: stepSize, Gamma: gamma}
}

// Step advances one epoch and decays the learning rate when due.
func (s *StepLR) Step() {
	s.epoch++
	if s.StepSize > 0 && s.epoch%s.StepSize == 0 {
		s.Opt.LR *= s.Gamma
	}
}
