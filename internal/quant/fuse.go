package quant

import (
	"math"

	"github.com/huixiancheng/spconv/internal/nn"
	"github.com/huixiancheng/spconv/internal/tensor"
)

// BlockKind names the fusible stage shapes the pipeline recognises. The
// network declares its stage list; no graph introspection happens here.
type BlockKind string

const (
	KindSubMConvBNReLU   BlockKind = "subm-conv-bn-relu"
	KindSparseConvBNReLU BlockKind = "sparse-conv-bn-relu"
	KindSparseConv       BlockKind = "sparse-conv"
	// KindPassthrough marks a stage shape the pipeline does not recognise.
	// Such stages stay in floating point untouched.
	KindPassthrough BlockKind = "passthrough"
)

// recognize classifies a stage into a fusible block kind.
func recognize(s *nn.Stage) BlockKind {
	switch {
	case s.Norm != nil && s.Act == nn.ActReLU && s.Conv.Mode == nn.Submanifold:
		return KindSubMConvBNReLU
	case s.Norm != nil && s.Act == nn.ActReLU && s.Conv.Mode == nn.Strided:
		return KindSparseConvBNReLU
	case s.Norm == nil && s.Act == nn.ActNone:
		return KindSparseConv
	default:
		return KindPassthrough
	}
}

// foldBN folds batch-norm scale and shift into a copy of the conv weights,
// producing a single conv with bias whose output equals conv-then-norm in
// evaluation mode.
func foldBN(conv *nn.SparseConv2d, bn *nn.BatchNorm) *nn.SparseConv2d {
	folded := conv.Clone()
	if folded.Bias == nil {
		folded.Bias = make([]float32, conv.OutChannels)
	}
	for oc := 0; oc < conv.OutChannels; oc++ {
		inv := bn.Gamma[oc] / sqrt32(bn.RunningVar[oc]+bn.Eps)
		tensor.Scale(folded.Weight.Row(oc), inv)
		folded.Bias[oc] = folded.Bias[oc]*inv + bn.Beta[oc] - bn.RunningMean[oc]*inv
	}
	return folded
}

// Block is one prepared stage: either a fused conv(+bias)(+relu) wrapped by
// observers, or an unrecognised stage passed through in floating point.
type Block struct {
	Kind BlockKind

	// fused form (nil for passthrough)
	Conv *nn.SparseConv2d
	Relu bool

	Input  *Observer // per-tensor affine, block input activations
	Output *Observer // per-tensor affine, block output activations
	Weight *Observer // per-channel symmetric, folded weights

	// passthrough original
	Stage *nn.Stage
}

func sqrt32(v float32) float32 {
	return float32(math.Sqrt(float64(v)))
}
