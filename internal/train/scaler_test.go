package train

import (
	"math"
	"testing"

	"github.com/huixiancheng/spconv/internal/nn"
	"github.com/huixiancheng/spconv/internal/tensor"
)

func TestScalerScalesAndUnscales(t *testing.T) {
	s := NewScaler()
	grad := tensor.NewMatFromData(1, 2, []float32{1, -2})
	s.ScaleGrad(grad)
	if grad.Data[0] != 65536 || grad.Data[1] != -131072 {
		t.Fatalf("unexpected scaled grad %v", grad.Data)
	}

	p := &nn.Param{Data: make([]float32, 2), Grad: []float32{65536, -131072}}
	if !s.Unscale([]*nn.Param{p}) {
		t.Fatal("finite gradients reported as overflow")
	}
	if p.Grad[0] != 1 || p.Grad[1] != -2 {
		t.Fatalf("unscale wrong: %v", p.Grad)
	}
}

func TestScalerOverflowBackoff(t *testing.T) {
	s := NewScaler()
	p := &nn.Param{Data: make([]float32, 1), Grad: []float32{float32(math.Inf(1))}}
	if s.Unscale([]*nn.Param{p}) {
		t.Fatal("infinite gradient not detected")
	}
	s.Update(true)
	if s.Scale != 32768 {
		t.Fatalf("expected backoff to 32768, got %v", s.Scale)
	}
}

func TestScalerGrowthAfterInterval(t *testing.T) {
	s := NewScaler()
	s.GrowthInterval = 3
	for i := 0; i < 3; i++ {
		s.Update(false)
	}
	if s.Scale != 131072 {
		t.Fatalf("expected growth to 131072, got %v", s.Scale)
	}
}

func TestAdadeltaMovesAgainstGradient(t *testing.T) {
	opt := NewAdadelta(1.0)
	p := &nn.Param{Data: []float32{1}, Grad: []float32{2}}
	opt.Step([]*nn.Param{p})
	if !(p.Data[0] < 1) {
		t.Fatalf("positive gradient should decrease the parameter, got %v", p.Data[0])
	}
}
