package quant

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"

	"github.com/huixiancheng/spconv/internal/nn"
)

type qBlockState struct {
	Kind      string `json:"kind"`
	Quantized bool   `json:"quantized"`

	In      int  `json:"in,omitempty"`
	Out     int  `json:"out,omitempty"`
	Kernel  int  `json:"kernel,omitempty"`
	Stride  int  `json:"stride,omitempty"`
	Padding int  `json:"padding,omitempty"`
	Groups  int  `json:"groups,omitempty"`
	Strided bool `json:"strided,omitempty"`

	WeightQ []int8    `json:"weight_q,omitempty"`
	WScale  []float32 `json:"w_scale,omitempty"`
	Bias    []float32 `json:"bias,omitempty"`
	InScale float32   `json:"in_scale,omitempty"`
	InZero  int32     `json:"in_zero,omitempty"`
	Relu    bool      `json:"relu,omitempty"`
}

// State is the serialisable form of a converted network: the float network
// (head and any fallback stages) plus the integer parameters of every
// quantized block.
type State struct {
	Net    *nn.State     `json:"net"`
	Blocks []qBlockState `json:"blocks"`
}

// Save writes the converted network to path as JSON.
func Save(q *Quantized, arch, path string) error {
	st := &State{Net: q.net.Snapshot(arch)}
	for _, b := range q.blocks {
		qc, ok := b.(*QuantizedConv)
		if !ok {
			st.Blocks = append(st.Blocks, qBlockState{Quantized: false})
			continue
		}
		st.Blocks = append(st.Blocks, qBlockState{
			Quantized: true,
			In:        qc.conv.InChannels,
			Out:       qc.conv.OutChannels,
			Kernel:    qc.conv.KernelSize,
			Stride:    qc.conv.Stride,
			Padding:   qc.conv.Padding,
			Groups:    qc.conv.Groups,
			Strided:   qc.conv.Mode == nn.Strided,
			WeightQ:   qc.WeightQ,
			WScale:    qc.WScale,
			Bias:      qc.Bias,
			InScale:   qc.InScale,
			InZero:    qc.InZero,
			Relu:      qc.Relu,
		})
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads a converted checkpoint and rebuilds the quantized network.
// Fallback stages come back through a fresh prepare over the restored float
// network, so they run with folded parameters exactly as saved.
func Load(path string) (*Quantized, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode quantized checkpoint: %w", err)
	}
	if st.Net == nil {
		return nil, fmt.Errorf("quantized checkpoint has no network state")
	}
	var net *nn.Network
	switch st.Net.Arch {
	case nn.ArchAllConv:
		net = nn.NewAllConvNet(0)
	case nn.ArchHybrid:
		net = nn.NewHybridNet(0)
	default:
		return nil, fmt.Errorf("unknown architecture %q", st.Net.Arch)
	}
	if err := net.Restore(st.Net); err != nil {
		return nil, err
	}
	net.SetMode(nn.Eval)

	p := &Pipeline{Backend: DefaultBackend()}
	prep, err := p.Prepare(net)
	if err != nil {
		return nil, err
	}
	if len(st.Blocks) != len(prep.Blocks) {
		return nil, fmt.Errorf("quantized checkpoint has %d blocks, network has %d", len(st.Blocks), len(prep.Blocks))
	}
	q := &Quantized{net: net}
	for i, bs := range st.Blocks {
		if !bs.Quantized {
			q.blocks = append(q.blocks, &floatBlock{block: prep.Blocks[i]})
			continue
		}
		mode := nn.Submanifold
		if bs.Strided {
			mode = nn.Strided
		}
		conv := nn.NewSparseConv2d(mode, bs.In, bs.Out, bs.Kernel, bs.Stride, bs.Padding, bs.Groups, false, 0)
		want := bs.Out * bs.Kernel * bs.Kernel * (bs.In / max(bs.Groups, 1))
		if len(bs.WeightQ) != want {
			return nil, fmt.Errorf("block %d: %d quantized weights, want %d", i, len(bs.WeightQ), want)
		}
		if len(bs.WScale) != bs.Out {
			return nil, fmt.Errorf("block %d: %d weight scales, want %d", i, len(bs.WScale), bs.Out)
		}
		q.blocks = append(q.blocks, &QuantizedConv{
			conv:    conv,
			WeightQ: bs.WeightQ,
			WScale:  bs.WScale,
			Bias:    bs.Bias,
			InScale: bs.InScale,
			InZero:  bs.InZero,
			Relu:    bs.Relu,
		})
	}
	return q, nil
}
