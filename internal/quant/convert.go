package quant

import (
	"fmt"
	"math"

	"github.com/huixiancheng/spconv/internal/nn"
	"github.com/huixiancheng/spconv/internal/tensor"
	"github.com/huixiancheng/spconv/pkg/sparse"
)

// QBlock is one stage of a converted network. Quantized blocks carry int8
// weights and integer accumulation; fallback blocks run the original floats.
type QBlock interface {
	Forward(*sparse.Tensor) (*sparse.Tensor, error)
}

// floatBlock runs a prepared block unquantized, without further observation.
type floatBlock struct {
	block *Block
}

func (f *floatBlock) Forward(t *sparse.Tensor) (*sparse.Tensor, error) {
	return f.block.forward(t, false)
}

// QuantizedConv is the reference integer form of a fused conv block:
// activations quantize per-tensor affine to uint8, weights are per-channel
// symmetric int8, accumulation happens in int32 and the result rescales back
// to float32 before the next block.
//
// The input range always includes zero, so inactive receptive-field taps
// quantize exactly to the zero point and contribute nothing to the
// accumulator. Sparsity survives quantization without special casing.
type QuantizedConv struct {
	conv *nn.SparseConv2d // geometry and plan building only

	WeightQ []int8 // same layout as the float weight matrix
	WScale  []float32
	Bias    []float32

	InScale float32
	InZero  int32

	Relu bool
}

func newQuantizedConv(b *Block) (QBlock, error) {
	inScale, inZero, err := b.Input.AffineParams()
	if err != nil {
		return nil, err
	}
	wScale, err := b.Weight.SymmetricParams()
	if err != nil {
		return nil, err
	}
	w := b.Conv.Weight
	wq := make([]int8, len(w.Data))
	for oc := 0; oc < w.R; oc++ {
		s := wScale[oc]
		for j, v := range w.Row(oc) {
			wq[oc*w.Stride+j] = quantizeSym(v, s)
		}
	}
	q := &QuantizedConv{
		conv:    b.Conv,
		WeightQ: wq,
		WScale:  wScale,
		InScale: inScale,
		InZero:  inZero,
		Relu:    b.Relu,
	}
	if b.Conv.Bias != nil {
		q.Bias = b.Conv.Bias
	}
	return q, nil
}

func quantizeSym(v, scale float32) int8 {
	q := int32(math.Round(float64(v / scale)))
	if q > 127 {
		q = 127
	} else if q < -127 {
		q = -127
	}
	return int8(q)
}

func (q *QuantizedConv) quantizeAffine(v float32) int32 {
	u := int32(math.Round(float64(v/q.InScale))) + q.InZero
	if u < 0 {
		u = 0
	} else if u > 255 {
		u = 255
	}
	return u
}

// Forward gathers receptive fields exactly like the float conv, then runs
// the quantize / accumulate / rescale sequence per output site.
func (q *QuantizedConv) Forward(t *sparse.Tensor) (*sparse.Tensor, error) {
	c := q.conv
	plan, err := c.BuildPlan(t)
	if err != nil {
		return nil, err
	}

	taps := c.KernelSize * c.KernelSize
	inCg := c.InChannels / c.Groups
	outCg := c.OutChannels / c.Groups
	wCols := c.Weight.C

	qcol := make([]int32, plan.Cols.C)
	out := tensor.NewMat(plan.Cols.R, c.OutChannels)
	for i := 0; i < plan.Cols.R; i++ {
		col := plan.Cols.Row(i)
		for j, v := range col {
			qcol[j] = q.quantizeAffine(v) - q.InZero
		}
		dst := out.Row(i)
		for oc := 0; oc < c.OutChannels; oc++ {
			g := oc / outCg
			wrow := q.WeightQ[oc*wCols : (oc+1)*wCols]
			var acc int32
			for tp := 0; tp < taps; tp++ {
				x := qcol[tp*c.InChannels+g*inCg : tp*c.InChannels+g*inCg+inCg]
				w := wrow[tp*inCg : (tp+1)*inCg]
				for k, wv := range w {
					acc += int32(wv) * x[k]
				}
			}
			y := float32(acc) * q.InScale * q.WScale[oc]
			if q.Bias != nil {
				y += q.Bias[oc]
			}
			if q.Relu && y < 0 {
				y = 0
			}
			dst[oc] = y
		}
	}

	return &sparse.Tensor{
		Coords:    plan.OutCoords,
		Features:  out.Data,
		Channels:  c.OutChannels,
		Spatial:   plan.OutSpatial,
		BatchSize: t.BatchSize,
	}, nil
}

// Quantized is a converted network. It satisfies the same forward contract
// as the float network it came from and reuses that network's head, which
// stays in floating point.
type Quantized struct {
	net    *nn.Network
	blocks []QBlock
}

// Blocks exposes the converted block list, in stage order.
func (q *Quantized) Blocks() []QBlock { return q.blocks }

// Forward evaluates the quantized stage pipeline and the float head.
func (q *Quantized) Forward(t *sparse.Tensor) (*tensor.Mat, error) {
	cur := t
	for i, b := range q.blocks {
		next, err := b.Forward(cur)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		cur = next
	}
	return headForward(q.net, cur)
}

// ForwardDense converts a dense NHWC batch into a sparse view and evaluates it.
func (q *Quantized) ForwardDense(images []float32, batchSize int) (*tensor.Mat, error) {
	t, err := sparse.FromDense(images, batchSize, q.net.InputSpatial[0], q.net.InputSpatial[1], q.net.InputChannels)
	if err != nil {
		return nil, err
	}
	return q.Forward(t)
}

// ForwardRaw evaluates an explicit (features, coordinates, batch size) triple.
func (q *Quantized) ForwardRaw(features []float32, coords []sparse.Coord, batchSize int) (*tensor.Mat, error) {
	t, err := sparse.New(features, coords, q.net.InputChannels, q.net.InputSpatial, batchSize)
	if err != nil {
		return nil, err
	}
	return q.Forward(t)
}
