package nn

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/huixiancheng/spconv/pkg/sparse"
)

func randomView(t *testing.T, seed int64, batch, h, w, c int, density float64) *sparse.Tensor {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	data := make([]float32, batch*h*w*c)
	for i := range data {
		if rng.Float64() < density {
			data[i] = rng.Float32() + 0.05
		}
	}
	sp, err := sparse.FromDense(data, batch, h, w, c)
	if err != nil {
		t.Fatalf("FromDense: %v", err)
	}
	return sp
}

// TestSubmanifoldPreservesCoordinates checks the defining property of
// submanifold convolution: output coordinate set == input coordinate set.
func TestSubmanifoldPreservesCoordinates(t *testing.T) {
	in := randomView(t, 3, 2, 9, 9, 4, 0.3)
	stage := NewSubMConvBNReLU(4, 8, 3, 11)
	out, err := stage.Forward(in, Eval, Full)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if len(out.Coords) != len(in.Coords) {
		t.Fatalf("cardinality changed: %d -> %d", len(in.Coords), len(out.Coords))
	}
	for i := range in.Coords {
		if out.Coords[i] != in.Coords[i] {
			t.Fatalf("coordinate %d moved: %+v -> %+v", i, in.Coords[i], out.Coords[i])
		}
	}
	if out.Spatial != in.Spatial {
		t.Fatalf("spatial extent changed: %v -> %v", in.Spatial, out.Spatial)
	}
}

// TestStridedOutputExtent verifies H' = floor((H+2p-k)/s)+1 on the stage
// geometries the classifier uses.
func TestStridedOutputExtent(t *testing.T) {
	cases := []struct {
		h, w, kernel, stride int
		wantH, wantW         int
	}{
		{28, 28, 2, 2, 14, 14},
		{14, 14, 2, 2, 7, 7},
		{7, 7, 3, 2, 4, 4}, // padding (k-1)/2 = 1
	}
	for _, tc := range cases {
		in := randomView(t, 5, 1, tc.h, tc.w, 2, 0.5)
		stage := NewSparseConvBNReLU(2, 2, tc.kernel, tc.stride, 21)
		out, err := stage.Forward(in, Eval, Full)
		if err != nil {
			t.Fatalf("forward %dx%d k%d s%d: %v", tc.h, tc.w, tc.kernel, tc.stride, err)
		}
		if out.Spatial[0] != tc.wantH || out.Spatial[1] != tc.wantW {
			t.Fatalf("extent %dx%d k%d s%d: got %v, want %dx%d",
				tc.h, tc.w, tc.kernel, tc.stride, out.Spatial, tc.wantH, tc.wantW)
		}
	}
}

// TestStridedOutputsOnlyReachableSites ensures every strided output site has
// at least one active input in its receptive field, and no site outside the
// dense output grid appears.
func TestStridedOutputsOnlyReachableSites(t *testing.T) {
	in := randomView(t, 9, 2, 8, 8, 1, 0.1)
	conv := NewSparseConv2d(Strided, 1, 1, 2, 2, 0, 1, false, 31)
	plan, err := conv.BuildPlan(in)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if plan.OutSpatial != [2]int{4, 4} {
		t.Fatalf("unexpected out extent %v", plan.OutSpatial)
	}
	for i, co := range plan.OutCoords {
		if co.Y < 0 || co.Y >= 4 || co.X < 0 || co.X >= 4 {
			t.Fatalf("output coordinate %+v outside 4x4 grid", co)
		}
		hasInput := false
		for _, idx := range plan.Gather[i] {
			if idx >= 0 {
				hasInput = true
				break
			}
		}
		if !hasInput {
			t.Fatalf("output site %+v has empty receptive field", co)
		}
	}
}

func TestConvShapeMismatch(t *testing.T) {
	in := randomView(t, 1, 1, 6, 6, 3, 0.5)
	conv := NewSparseConv2d(Submanifold, 4, 8, 3, 1, 1, 1, false, 41)
	if _, err := conv.BuildPlan(in); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch for channel disagreement, got %v", err)
	}

	small := randomView(t, 2, 1, 2, 2, 1, 1)
	conv = NewSparseConv2d(Submanifold, 1, 1, 5, 1, 2, 1, false, 41)
	if _, err := conv.BuildPlan(small); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch for tiny extent, got %v", err)
	}
}

// TestConvMatchesDenseReference cross-checks the gather-based sparse conv
// against a straightforward dense convolution of the densified input.
func TestConvMatchesDenseReference(t *testing.T) {
	const h, w = 6, 6
	in := randomView(t, 13, 1, h, w, 2, 0.4)
	conv := NewSparseConv2d(Strided, 2, 3, 3, 1, 1, 1, false, 17)
	plan, err := conv.BuildPlan(in)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	out := conv.Apply(plan)

	dense, err := in.ToDense()
	if err != nil {
		t.Fatalf("ToDense: %v", err)
	}
	for i, co := range plan.OutCoords {
		for oc := 0; oc < 3; oc++ {
			var want float32
			for ky := 0; ky < 3; ky++ {
				for kx := 0; kx < 3; kx++ {
					iy := int(co.Y) - 1 + ky
					ix := int(co.X) - 1 + kx
					if iy < 0 || iy >= h || ix < 0 || ix >= w {
						continue
					}
					for ic := 0; ic < 2; ic++ {
						want += conv.Weight.At(oc, (ky*3+kx)*2+ic) * dense[(iy*w+ix)*2+ic]
					}
				}
			}
			got := out.At(i, oc)
			if diff := got - want; diff > 1e-4 || diff < -1e-4 {
				t.Fatalf("site %d channel %d: got %v, want %v", i, oc, got, want)
			}
		}
	}
}
