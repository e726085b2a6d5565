package nn

// Param is one learnable parameter block with its gradient accumulator.
// The optimizer owns the update rule; layers only accumulate into Grad
// during Backward.
type Param struct {
	Name string
	Data []float32
	Grad []float32
}

func newParam(name string, data []float32) *Param {
	return &Param{
		Name: name,
		Data: data,
		Grad: make([]float32, len(data)),
	}
}

// ZeroGrad clears the gradient accumulator.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}
