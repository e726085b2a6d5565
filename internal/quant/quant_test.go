package quant

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/huixiancheng/spconv/internal/dataset"
	"github.com/huixiancheng/spconv/internal/nn"
	"github.com/huixiancheng/spconv/pkg/sparse"
)

func evalAllConv(seed int64) *nn.Network {
	net := nn.NewAllConvNet(seed)
	net.SetMode(nn.Eval)
	return net
}

// oneStageNet builds a single fused-stage network over an 8x8 single-channel
// grid, small enough to reason about block outputs directly.
func oneStageNet(seed int64) *nn.Network {
	net := &nn.Network{
		Stages:        []*nn.Stage{nn.NewSubMConvBNReLU(1, 8, 3, seed)},
		Head:          nn.NewFlattenHead(),
		InputSpatial:  [2]int{8, 8},
		InputChannels: 1,
		Classes:       8 * 8 * 8,
	}
	net.SetMode(nn.Eval)
	return net
}

func randomImages(t *testing.T, seed int64, n, h, w int) []float32 {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	imgs := make([]float32, n*h*w)
	for i := range imgs {
		if rng.Float64() < 0.3 {
			imgs[i] = rng.Float32()
		}
	}
	return imgs
}

type sliceSource struct {
	batches []*dataset.Batch
	pos     int
	h, w, c int
}

func (s *sliceSource) Next() (*dataset.Batch, bool) {
	if s.pos >= len(s.batches) {
		return nil, false
	}
	b := s.batches[s.pos]
	s.pos++
	return b, true
}

func (s *sliceSource) Reset() { s.pos = 0 }

func (s *sliceSource) Shape() (int, int, int) { return s.h, s.w, s.c }

func (s *sliceSource) Len() int {
	n := 0
	for _, b := range s.batches {
		n += b.Size
	}
	return n
}

func TestAffineParamsRoundTrip(t *testing.T) {
	o := NewObserver(PerTensorAffine, 1)
	vals := []float32{-0.5, 0, 0.25, 1.5, 3}
	if err := o.Observe(vals); err != nil {
		t.Fatal(err)
	}
	scale, zero, err := o.AffineParams()
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range vals {
		q := float64(v)/float64(scale) + float64(zero)
		q = math.Round(q)
		if q < 0 {
			q = 0
		} else if q > 255 {
			q = 255
		}
		back := (float32(q) - float32(zero)) * scale
		if d := math.Abs(float64(back - v)); d > float64(scale)/2+1e-6 {
			t.Fatalf("value %v round-trips to %v (scale %v)", v, back, scale)
		}
	}
	// the sparse background must quantize without error
	zq := math.Round(float64(0)/float64(scale)) + float64(zero)
	if back := (float32(zq) - float32(zero)) * scale; back != 0 {
		t.Fatalf("zero round-trips to %v", back)
	}
}

func TestSymmetricParamsPerChannel(t *testing.T) {
	o := NewObserver(PerChannelSymmetric, 2)
	if err := o.ObservePerChannel([]float32{-2, 1, 0.5, -0.25}); err != nil {
		t.Fatal(err)
	}
	scales, err := o.SymmetricParams()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := scales[0], float32(2.0/127.0); got != want {
		t.Fatalf("channel 0 scale %v, want %v", got, want)
	}
	if got, want := scales[1], float32(0.5/127.0); got != want {
		t.Fatalf("channel 1 scale %v, want %v", got, want)
	}
}

func TestPrepareRequiresEvalMode(t *testing.T) {
	net := oneStageNet(1)
	net.SetMode(nn.Train)
	if _, err := New(nil).Prepare(net); err == nil {
		t.Fatal("expected prepare to reject a training-mode network")
	}
}

func TestPrepareDeterministic(t *testing.T) {
	a, err := New(nil).Prepare(evalAllConv(42))
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(nil).Prepare(evalAllConv(42))
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Blocks) != len(b.Blocks) {
		t.Fatalf("block counts differ: %d vs %d", len(a.Blocks), len(b.Blocks))
	}
	for i := range a.Blocks {
		if a.Blocks[i].Kind != b.Blocks[i].Kind {
			t.Fatalf("block %d kind %q vs %q", i, a.Blocks[i].Kind, b.Blocks[i].Kind)
		}
		if a.Blocks[i].Kind == KindPassthrough {
			continue
		}
		wa, wb := a.Blocks[i].Conv.Weight.Data, b.Blocks[i].Conv.Weight.Data
		for j := range wa {
			if wa[j] != wb[j] {
				t.Fatalf("block %d folded weight %d differs: %v vs %v", i, j, wa[j], wb[j])
			}
		}
	}
}

func TestFoldedForwardMatchesFloatNetwork(t *testing.T) {
	net := nn.NewAllConvNet(7)
	net.SetMode(nn.Eval)
	imgs := randomImages(t, 3, 4, 28, 28)

	want, err := net.ForwardDense(imgs, 4)
	if err != nil {
		t.Fatal(err)
	}
	prep, err := New(nil).Prepare(net)
	if err != nil {
		t.Fatal(err)
	}
	got, err := prep.ForwardDense(imgs, 4)
	if err != nil {
		t.Fatal(err)
	}
	if got.R != want.R || got.C != want.C {
		t.Fatalf("shape [%d,%d], want [%d,%d]", got.R, got.C, want.R, want.C)
	}
	for i := range want.Data {
		d := math.Abs(float64(want.Data[i] - got.Data[i]))
		if d > 1e-3 {
			t.Fatalf("output %d: folded %v vs unfused %v", i, got.Data[i], want.Data[i])
		}
	}
}

func TestConvertUncalibratedStrict(t *testing.T) {
	p := New(nil)
	p.Strict = true
	prep, err := p.Prepare(oneStageNet(5))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Convert(prep); !errors.Is(err, ErrUncalibratedObserver) {
		t.Fatalf("err = %v, want ErrUncalibratedObserver", err)
	}
}

func TestConvertUncalibratedFallbackMatchesPrepared(t *testing.T) {
	net := oneStageNet(5)
	p := New(nil)
	prep, err := p.Prepare(net)
	if err != nil {
		t.Fatal(err)
	}
	q, err := p.Convert(prep)
	if err != nil {
		t.Fatal(err)
	}
	imgs := randomImages(t, 9, 2, 8, 8)
	want, err := prep.ForwardDense(imgs, 2)
	if err != nil {
		t.Fatal(err)
	}
	got, err := q.ForwardDense(imgs, 2)
	if err != nil {
		t.Fatal(err)
	}
	for i := range want.Data {
		if want.Data[i] != got.Data[i] {
			t.Fatalf("output %d: fallback %v, prepared %v", i, got.Data[i], want.Data[i])
		}
	}
}

func TestConvertUnsupportedFusionStrict(t *testing.T) {
	net := oneStageNet(5)
	p := New(nil)
	p.Strict = true
	p.Backend = BackendConfig{} // empty: no kinds supported
	prep, err := p.Prepare(net)
	if err != nil {
		t.Fatal(err)
	}
	imgs := randomImages(t, 9, 2, 8, 8)
	if _, err := prep.ForwardDense(imgs, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Convert(prep); !errors.Is(err, ErrUnsupportedFusion) {
		t.Fatalf("err = %v, want ErrUnsupportedFusion", err)
	}
}

func TestQuantizedConvCloseToFloat(t *testing.T) {
	net := oneStageNet(11)
	p := New(nil)
	prep, err := p.Prepare(net)
	if err != nil {
		t.Fatal(err)
	}
	imgs := randomImages(t, 21, 4, 8, 8)
	if _, err := prep.ForwardDense(imgs, 4); err != nil {
		t.Fatal(err)
	}
	q, err := p.Convert(prep)
	if err != nil {
		t.Fatal(err)
	}
	qc, ok := q.Blocks()[0].(*QuantizedConv)
	if !ok {
		t.Fatalf("block 0 is %T, want *QuantizedConv", q.Blocks()[0])
	}

	in, err := sparse.FromDense(imgs, 4, 8, 8, 1)
	if err != nil {
		t.Fatal(err)
	}
	want, err := prep.Blocks[0].forward(in, false)
	if err != nil {
		t.Fatal(err)
	}
	got, err := qc.Forward(in)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Features) != len(want.Features) {
		t.Fatalf("feature count %d, want %d", len(got.Features), len(want.Features))
	}
	for i := range want.Features {
		d := math.Abs(float64(want.Features[i] - got.Features[i]))
		if d > 0.1 {
			t.Fatalf("feature %d: quantized %v vs float %v", i, got.Features[i], want.Features[i])
		}
	}
}

func TestCalibrateRespectsMaxBatchesAndContext(t *testing.T) {
	net := oneStageNet(3)
	p := New(nil)
	prep, err := p.Prepare(net)
	if err != nil {
		t.Fatal(err)
	}
	src := &sliceSource{h: 8, w: 8, c: 1}
	for i := 0; i < 3; i++ {
		src.batches = append(src.batches, &dataset.Batch{
			Images: randomImages(t, int64(30+i), 2, 8, 8),
			Labels: []int{0, 1},
			Size:   2,
		})
	}
	if err := p.Calibrate(context.Background(), prep, src, 2); err != nil {
		t.Fatal(err)
	}
	if src.pos != 2 {
		t.Fatalf("consumed %d batches, want 2", src.pos)
	}
	if !prep.Blocks[0].Input.Calibrated() || !prep.Blocks[0].Output.Calibrated() {
		t.Fatal("observers not calibrated after calibration pass")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Calibrate(ctx, prep, src, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestConvertFreezesObservers(t *testing.T) {
	net := oneStageNet(3)
	p := New(nil)
	prep, err := p.Prepare(net)
	if err != nil {
		t.Fatal(err)
	}
	imgs := randomImages(t, 17, 2, 8, 8)
	if _, err := prep.ForwardDense(imgs, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Convert(prep); err != nil {
		t.Fatal(err)
	}
	if err := prep.Blocks[0].Input.Observe([]float32{1}); !errors.Is(err, ErrFrozenObserver) {
		t.Fatalf("err = %v, want ErrFrozenObserver", err)
	}
}

func TestQuantizedCheckpointRoundTrip(t *testing.T) {
	net := nn.NewAllConvNet(13)
	net.SetMode(nn.Eval)
	p := New(nil)
	prep, err := p.Prepare(net)
	if err != nil {
		t.Fatal(err)
	}
	imgs := randomImages(t, 41, 4, 28, 28)
	if _, err := prep.ForwardDense(imgs, 4); err != nil {
		t.Fatal(err)
	}
	q, err := p.Convert(prep)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "quantized.json")
	if err := Save(q, nn.ArchAllConv, path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	want, err := q.ForwardDense(imgs, 4)
	if err != nil {
		t.Fatal(err)
	}
	got, err := loaded.ForwardDense(imgs, 4)
	if err != nil {
		t.Fatal(err)
	}
	for i := range want.Data {
		d := math.Abs(float64(want.Data[i] - got.Data[i]))
		if d > 1e-6 {
			t.Fatalf("output %d: loaded %v vs saved %v", i, got.Data[i], want.Data[i])
		}
	}
}
