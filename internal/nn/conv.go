package nn

import (
	"fmt"
	"sort"

	"github.com/huixiancheng/spconv/internal/tensor"
	"github.com/huixiancheng/spconv/pkg/sparse"
)

// ConvMode distinguishes the two sparse convolution variants.
type ConvMode int

const (
	// Submanifold convolution preserves the input coordinate set exactly.
	Submanifold ConvMode = iota
	// Strided convolution maps to a reduced output grid; only output sites
	// with at least one active input in their receptive field survive.
	Strided
)

// SparseConv2d is the bare convolution operator over a sparse activation
// view. Inactive sites never materialise: each output site gathers only the
// active sites inside its receptive field.
type SparseConv2d struct {
	InChannels  int
	OutChannels int
	KernelSize  int
	Stride      int
	Padding     int
	Groups      int
	Mode        ConvMode

	// Weight is laid out [OutChannels, KernelSize*KernelSize*(InChannels/Groups)],
	// taps outermost. Bias is nil for bias-free convs; batch-norm folding
	// installs one after training.
	Weight *tensor.Mat
	Bias   []float32

	WeightParam *Param
	BiasParam   *Param
}

// NewSparseConv2d constructs a convolution operator with Kaiming-initialised
// weights. The seed keeps model construction reproducible.
func NewSparseConv2d(mode ConvMode, in, out, kernel, stride, padding, groups int, bias bool, seed int64) *SparseConv2d {
	if groups <= 0 {
		groups = 1
	}
	if in%groups != 0 || out%groups != 0 {
		panic("channel counts must divide groups")
	}
	cols := kernel * kernel * (in / groups)
	w := tensor.NewMat(out, cols)
	tensor.FillKaiming(w, cols, seed)
	c := &SparseConv2d{
		InChannels:  in,
		OutChannels: out,
		KernelSize:  kernel,
		Stride:      stride,
		Padding:     padding,
		Groups:      groups,
		Mode:        mode,
		Weight:      w,
	}
	c.WeightParam = newParam(fmt.Sprintf("conv%dx%d_%d_%d.weight", kernel, kernel, in, out), w.Data)
	if bias {
		c.Bias = make([]float32, out)
		c.BiasParam = newParam(fmt.Sprintf("conv%dx%d_%d_%d.bias", kernel, kernel, in, out), c.Bias)
	}
	return c
}

// Plan is the gather layout of one forward pass: the receptive-field matrix,
// the output coordinate set and the mapping back to input sites used by the
// backward pass.
type Plan struct {
	Cols       *tensor.Mat // [len(OutCoords), K*K*InChannels]
	OutCoords  []sparse.Coord
	OutSpatial [2]int
	// Gather holds, per output site, the input site index feeding each
	// kernel tap, or -1 where the tap lands on an inactive or out-of-grid
	// site.
	Gather [][]int
}

// OutSpatial returns the dense output extent for an input extent, following
// H' = floor((H + 2*padding - kernel)/stride) + 1.
func (c *SparseConv2d) outSpatial(in [2]int) [2]int {
	h := (in[0]+2*c.Padding-c.KernelSize)/c.Stride + 1
	w := (in[1]+2*c.Padding-c.KernelSize)/c.Stride + 1
	return [2]int{h, w}
}

func (c *SparseConv2d) check(t *sparse.Tensor) error {
	if t.Channels != c.InChannels {
		return newShapeError(fmt.Sprintf("conv expects %d input channels, view has %d", c.InChannels, t.Channels))
	}
	if t.Spatial[0] < c.KernelSize-c.Padding || t.Spatial[1] < c.KernelSize-c.Padding {
		return newShapeError(fmt.Sprintf("spatial extent %dx%d below kernel %d with padding %d",
			t.Spatial[0], t.Spatial[1], c.KernelSize, c.Padding))
	}
	if c.Mode == Strided {
		out := c.outSpatial(t.Spatial)
		if out[0] < 1 || out[1] < 1 {
			return newShapeError(fmt.Sprintf("strided conv collapses %dx%d to empty grid", t.Spatial[0], t.Spatial[1]))
		}
	}
	return nil
}

// BuildPlan determines the output coordinate set for the input view and
// gathers the receptive-field matrix. Submanifold mode reuses the input
// coordinates; strided mode enumerates surviving output sites in sorted
// (batch, y, x) order so the result is deterministic.
func (c *SparseConv2d) BuildPlan(t *sparse.Tensor) (*Plan, error) {
	if err := c.check(t); err != nil {
		return nil, err
	}

	site := make(map[sparse.Coord]int, len(t.Coords))
	for i, co := range t.Coords {
		site[co] = i
	}

	var outCoords []sparse.Coord
	outSpatial := t.Spatial
	if c.Mode == Submanifold {
		outCoords = t.Coords
	} else {
		outSpatial = c.outSpatial(t.Spatial)
		outCoords = c.stridedOutputs(t, outSpatial)
	}

	k := c.KernelSize
	taps := k * k
	cols := tensor.NewMat(len(outCoords), taps*c.InChannels)
	gather := make([][]int, len(outCoords))
	for i, oc := range outCoords {
		g := make([]int, taps)
		row := cols.Row(i)
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				tap := ky*k + kx
				iy := int(oc.Y)*c.Stride - c.Padding + ky
				ix := int(oc.X)*c.Stride - c.Padding + kx
				g[tap] = -1
				if iy < 0 || iy >= t.Spatial[0] || ix < 0 || ix >= t.Spatial[1] {
					continue
				}
				if idx, ok := site[sparse.Coord{Batch: oc.Batch, Y: int32(iy), X: int32(ix)}]; ok {
					g[tap] = idx
					copy(row[tap*c.InChannels:(tap+1)*c.InChannels], t.Feature(idx))
				}
			}
		}
		gather[i] = g
	}

	return &Plan{
		Cols:       cols,
		OutCoords:  outCoords,
		OutSpatial: outSpatial,
		Gather:     gather,
	}, nil
}

func (c *SparseConv2d) stridedOutputs(t *sparse.Tensor, out [2]int) []sparse.Coord {
	k, s, p := c.KernelSize, c.Stride, c.Padding
	seen := make(map[sparse.Coord]struct{})
	for _, co := range t.Coords {
		yLo := ceilDiv(int(co.Y)+p-k+1, s)
		yHi := (int(co.Y) + p) / s
		xLo := ceilDiv(int(co.X)+p-k+1, s)
		xHi := (int(co.X) + p) / s
		for oy := max(yLo, 0); oy <= min(yHi, out[0]-1); oy++ {
			for ox := max(xLo, 0); ox <= min(xHi, out[1]-1); ox++ {
				seen[sparse.Coord{Batch: co.Batch, Y: int32(oy), X: int32(ox)}] = struct{}{}
			}
		}
	}
	coords := make([]sparse.Coord, 0, len(seen))
	for co := range seen {
		coords = append(coords, co)
	}
	sort.Slice(coords, func(i, j int) bool {
		a, b := coords[i], coords[j]
		if a.Batch != b.Batch {
			return a.Batch < b.Batch
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
	return coords
}

// Apply multiplies the gathered receptive fields by the weights, producing
// one output feature row per output coordinate.
func (c *SparseConv2d) Apply(plan *Plan) *tensor.Mat {
	out := tensor.NewMat(len(plan.OutCoords), c.OutChannels)
	c.ApplyTo(out, plan)
	return out
}

// ApplyTo is Apply into a caller-provided matrix.
func (c *SparseConv2d) ApplyTo(out *tensor.Mat, plan *Plan) {
	taps := c.KernelSize * c.KernelSize
	inCg := c.InChannels / c.Groups
	outCg := c.OutChannels / c.Groups
	for i := 0; i < plan.Cols.R; i++ {
		col := plan.Cols.Row(i)
		dst := out.Row(i)
		for oc := 0; oc < c.OutChannels; oc++ {
			g := oc / outCg
			wrow := c.Weight.Row(oc)
			var sum float32
			for tp := 0; tp < taps; tp++ {
				w := wrow[tp*inCg : (tp+1)*inCg]
				x := col[tp*c.InChannels+g*inCg : tp*c.InChannels+g*inCg+inCg]
				sum += tensor.Dot(w, x)
			}
			if c.Bias != nil {
				sum += c.Bias[oc]
			}
			dst[oc] = sum
		}
	}
}

// Backward accumulates weight (and bias) gradients from dOut and returns the
// gradient with respect to the input features, aligned with the input view's
// coordinate order.
func (c *SparseConv2d) Backward(t *sparse.Tensor, plan *Plan, dOut *tensor.Mat) *tensor.Mat {
	taps := c.KernelSize * c.KernelSize
	inCg := c.InChannels / c.Groups
	outCg := c.OutChannels / c.Groups
	dCols := tensor.NewMat(plan.Cols.R, plan.Cols.C)
	gradW := c.WeightParam.Grad

	for i := 0; i < plan.Cols.R; i++ {
		col := plan.Cols.Row(i)
		dcol := dCols.Row(i)
		grow := dOut.Row(i)
		for oc := 0; oc < c.OutChannels; oc++ {
			g := grow[oc]
			if g == 0 {
				continue
			}
			grp := oc / outCg
			wrow := c.Weight.Row(oc)
			gwrow := gradW[oc*c.Weight.C : (oc+1)*c.Weight.C]
			for tp := 0; tp < taps; tp++ {
				base := tp * c.InChannels
				x := col[base+grp*inCg : base+grp*inCg+inCg]
				dx := dcol[base+grp*inCg : base+grp*inCg+inCg]
				w := wrow[tp*inCg : (tp+1)*inCg]
				gw := gwrow[tp*inCg : (tp+1)*inCg]
				tensor.AddScaled(gw, x, g)
				tensor.AddScaled(dx, w, g)
			}
			if c.BiasParam != nil {
				c.BiasParam.Grad[oc] += g
			}
		}
	}

	// Scatter column gradients back to the input sites they were gathered from.
	dIn := tensor.NewMat(t.NumActive(), c.InChannels)
	for i, g := range plan.Gather {
		dcol := dCols.Row(i)
		for tp, idx := range g {
			if idx < 0 {
				continue
			}
			tensor.Add(dIn.Row(idx), dcol[tp*c.InChannels:(tp+1)*c.InChannels])
		}
	}
	return dIn
}

// Clone returns a deep copy of the operator. The copy shares no storage
// with the original, so weight folding can rewrite it freely.
func (c *SparseConv2d) Clone() *SparseConv2d {
	out := *c
	out.Weight = c.Weight.Clone()
	out.WeightParam = newParam(c.WeightParam.Name, out.Weight.Data)
	if c.Bias != nil {
		out.Bias = make([]float32, len(c.Bias))
		copy(out.Bias, c.Bias)
		if c.BiasParam != nil {
			out.BiasParam = newParam(c.BiasParam.Name, out.Bias)
		}
	}
	return &out
}

// Params returns the learnable parameters of the operator.
func (c *SparseConv2d) Params() []*Param {
	ps := []*Param{c.WeightParam}
	if c.BiasParam != nil {
		ps = append(ps, c.BiasParam)
	}
	return ps
}

func ceilDiv(a, b int) int {
	if a >= 0 {
		return (a + b - 1) / b
	}
	return -((-a) / b)
}
