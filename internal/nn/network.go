package nn

import (
	"fmt"

	"github.com/huixiancheng/spconv/internal/tensor"
	"github.com/huixiancheng/spconv/pkg/sparse"
)

// Network is a sequential pipeline of sparse convolution stages terminating
// in a densification step and a dense head. The stage list is the network's
// own declaration of its structure; the quantization pipeline consumes it
// directly instead of introspecting a computation graph.
type Network struct {
	Stages []*Stage
	Head   Head

	InputSpatial  [2]int
	InputChannels int
	Classes       int

	mode Mode
	prec Precision

	// caches from the last forward, needed to route the dense head
	// gradient back onto the final sparse coordinate set
	lastSparse *sparse.Tensor
}

// NewAllConvNet assembles the fully convolutional classifier: three
// submanifold 3x3 stages and stride-2 reductions down to 1x1, with a terminal
// stride-4 classifier conv. A 28x28 single-channel input batch produces one
// score per class directly.
func NewAllConvNet(seed int64) *Network {
	return &Network{
		Stages: []*Stage{
			NewSubMConvBNReLU(1, 32, 3, seed+1),
			NewSubMConvBNReLU(32, 64, 3, seed+2),
			NewSparseConvBNReLU(64, 64, 2, 2, seed+3), // 14x14
			NewSparseConvBNReLU(64, 64, 2, 2, seed+4), // 7x7
			NewSparseConvBNReLU(64, 64, 3, 2, seed+5), // 4x4
			NewSparseConv(64, 10, 4, 4, seed+6),       // 1x1
		},
		Head:          NewFlattenHead(),
		InputSpatial:  [2]int{28, 28},
		InputChannels: 1,
		Classes:       10,
	}
}

// NewHybridNet assembles the conv-stack-plus-linear-head variant: two
// submanifold stages, one stride-2 reduction to 14x14, then densify into a
// dropout/linear tail.
func NewHybridNet(seed int64) *Network {
	return &Network{
		Stages: []*Stage{
			NewSubMConvBNReLU(1, 32, 3, seed+1),
			NewSubMConvBNReLU(32, 64, 3, seed+2),
			NewSparseConvBNReLU(64, 64, 2, 2, seed+3), // 14x14
		},
		Head:          NewLinearHead(14*14*64, 128, 10, seed+10),
		InputSpatial:  [2]int{28, 28},
		InputChannels: 1,
		Classes:       10,
	}
}

// SetMode switches between training and evaluation behaviour.
func (n *Network) SetMode(m Mode) { n.mode = m }

// Mode reports the current mode.
func (n *Network) Mode() Mode { return n.mode }

// SetPrecision selects the activation numeric policy for subsequent forwards.
func (n *Network) SetPrecision(p Precision) { n.prec = p }

// Forward runs the sparse stage pipeline, densifies and applies the head,
// returning per-sample class log-probabilities [batch, classes].
func (n *Network) Forward(t *sparse.Tensor) (*tensor.Mat, error) {
	cur := t
	for i, s := range n.Stages {
		next, err := s.Forward(cur, n.mode, n.prec)
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		cur = next
	}
	n.lastSparse = cur

	dense, err := cur.ToDense()
	if err != nil {
		return nil, err
	}
	flatten := cur.Spatial[0] * cur.Spatial[1] * cur.Channels
	x := tensor.NewMatFromData(cur.BatchSize, flatten, dense)
	return n.Head.Forward(x, n.mode)
}

// ForwardDense converts a dense NHWC batch into a sparse view and evaluates
// it. The input length must equal batchSize * H * W * C for the network's
// input geometry.
func (n *Network) ForwardDense(data []float32, batchSize int) (*tensor.Mat, error) {
	t, err := sparse.FromDense(data, batchSize, n.InputSpatial[0], n.InputSpatial[1], n.InputChannels)
	if err != nil {
		return nil, err
	}
	return n.Forward(t)
}

// ForwardRaw evaluates an already-constructed (features, coordinates,
// batch size) triple. The quantization pipeline instruments this entry point;
// it must produce output identical to ForwardDense for the same sparsity
// pattern.
func (n *Network) ForwardRaw(features []float32, coords []sparse.Coord, batchSize int) (*tensor.Mat, error) {
	t, err := sparse.New(features, coords, n.InputChannels, n.InputSpatial, batchSize)
	if err != nil {
		return nil, err
	}
	return n.Forward(t)
}

// Backward propagates the loss gradient with respect to the log-probabilities
// back through the head and the stage pipeline. Requires a prior
// training-mode Forward.
func (n *Network) Backward(dLogProbs *tensor.Mat) {
	dDense := n.Head.Backward(dLogProbs)

	// Route the flattened dense gradient back onto the final coordinate set.
	last := n.lastSparse
	w, ch := last.Spatial[1], last.Channels
	d := tensor.NewMat(last.NumActive(), ch)
	for i, co := range last.Coords {
		off := (int(co.Y)*w + int(co.X)) * ch
		copy(d.Row(i), dDense.Row(int(co.Batch))[off:off+ch])
	}

	for i := len(n.Stages) - 1; i >= 0; i-- {
		d = n.Stages[i].Backward(d)
	}
}

// Params returns every learnable parameter of the network.
func (n *Network) Params() []*Param {
	var ps []*Param
	for _, s := range n.Stages {
		ps = append(ps, s.Params()...)
	}
	return append(ps, n.Head.Params()...)
}

// ZeroGrad clears all gradient accumulators.
func (n *Network) ZeroGrad() {
	for _, p := range n.Params() {
		p.ZeroGrad()
	}
}
