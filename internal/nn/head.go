package nn

import (
	"math"

	"github.com/huixiancheng/spconv/internal/tensor"
)

// Head is the dense tail of the network: it consumes the flattened densified
// activations and produces class log-probabilities.
type Head interface {
	Forward(x *tensor.Mat, mode Mode) (*tensor.Mat, error)
	Backward(dOut *tensor.Mat) *tensor.Mat
	Params() []*Param
}

// logSoftmax normalises each row to log-probabilities and returns the
// per-row softmax needed by the backward pass.
func logSoftmax(x *tensor.Mat, mode Mode) *tensor.Mat {
	var probs *tensor.Mat
	if mode == Train {
		probs = tensor.NewMat(x.R, x.C)
	}
	for i := 0; i < x.R; i++ {
		row := x.Row(i)
		tensor.LogSoftmax(row)
		if probs != nil {
			p := probs.Row(i)
			for j, v := range row {
				p[j] = float32(math.Exp(float64(v)))
			}
		}
	}
	return probs
}

func logSoftmaxBackward(dOut, probs *tensor.Mat) *tensor.Mat {
	dIn := tensor.NewMat(dOut.R, dOut.C)
	for i := 0; i < dOut.R; i++ {
		dy := dOut.Row(i)
		p := probs.Row(i)
		var sum float32
		for _, v := range dy {
			sum += v
		}
		dst := dIn.Row(i)
		for j := range dy {
			dst[j] = dy[j] - p[j]*sum
		}
	}
	return dIn
}

// FlattenHead is the all-conv tail: the terminal conv already produced one
// score per class, so the head only normalises to log-probabilities.
type FlattenHead struct {
	probs *tensor.Mat
}

// NewFlattenHead returns a head with no parameters of its own.
func NewFlattenHead() *FlattenHead { return &FlattenHead{} }

func (h *FlattenHead) Forward(x *tensor.Mat, mode Mode) (*tensor.Mat, error) {
	h.probs = logSoftmax(x, mode)
	return x, nil
}

func (h *FlattenHead) Backward(dOut *tensor.Mat) *tensor.Mat {
	return logSoftmaxBackward(dOut, h.probs)
}

func (h *FlattenHead) Params() []*Param { return nil }

// LinearHead is the hybrid tail: dropout, a hidden fully-connected layer with
// ReLU, a second dropout and the classifier layer, then log-softmax.
type LinearHead struct {
	Dropout1 *Dropout
	FC1      *Linear
	Dropout2 *Dropout
	FC2      *Linear

	reluMask []bool
	probs    *tensor.Mat
}

// NewLinearHead builds the dropout/linear tail for the given flattened width
// and class count.
func NewLinearHead(in, hidden, classes int, seed int64) *LinearHead {
	return &LinearHead{
		Dropout1: NewDropout(0.25, seed+1),
		FC1:      NewLinear(in, hidden, seed+2),
		Dropout2: NewDropout(0.5, seed+3),
		FC2:      NewLinear(hidden, classes, seed+4),
	}
}

func (h *LinearHead) Forward(x *tensor.Mat, mode Mode) (*tensor.Mat, error) {
	x = h.Dropout1.Forward(x, mode)
	hid, err := h.FC1.Forward(x, mode)
	if err != nil {
		return nil, err
	}
	if mode == Train {
		h.reluMask = make([]bool, len(hid.Data))
	} else {
		h.reluMask = nil
	}
	for i, v := range hid.Data {
		if v < 0 {
			hid.Data[i] = 0
		} else if h.reluMask != nil {
			h.reluMask[i] = true
		}
	}
	hid = h.Dropout2.Forward(hid, mode)
	out, err := h.FC2.Forward(hid, mode)
	if err != nil {
		return nil, err
	}
	h.probs = logSoftmax(out, mode)
	return out, nil
}

func (h *LinearHead) Backward(dOut *tensor.Mat) *tensor.Mat {
	d := logSoftmaxBackward(dOut, h.probs)
	d = h.FC2.Backward(d)
	d = h.Dropout2.Backward(d)
	for i := range d.Data {
		if !h.reluMask[i] {
			d.Data[i] = 0
		}
	}
	d = h.FC1.Backward(d)
	return h.Dropout1.Backward(d)
}

func (h *LinearHead) Params() []*Param {
	ps := h.FC1.Params()
	return append(ps, h.FC2.Params()...)
}
