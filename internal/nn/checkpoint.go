package nn

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"
)

// Architecture names accepted by checkpoints.
const (
	ArchAllConv = "allconv"
	ArchHybrid  = "hybrid"
)

type stageState struct {
	Weight      []float32 `json:"weight"`
	Bias        []float32 `json:"bias,omitempty"`
	Gamma       []float32 `json:"gamma,omitempty"`
	Beta        []float32 `json:"beta,omitempty"`
	RunningMean []float32 `json:"running_mean,omitempty"`
	RunningVar  []float32 `json:"running_var,omitempty"`
}

type linearState struct {
	Weight []float32 `json:"weight"`
	Bias   []float32 `json:"bias"`
}

// State is the serialisable form of a trained network.
type State struct {
	Arch   string        `json:"arch"`
	Stages []stageState  `json:"stages"`
	Head   []linearState `json:"head,omitempty"`
}

// Snapshot captures the network's parameters and running statistics.
func (n *Network) Snapshot(arch string) *State {
	st := &State{Arch: arch}
	for _, s := range n.Stages {
		ss := stageState{Weight: clone(s.Conv.Weight.Data)}
		if s.Conv.Bias != nil {
			ss.Bias = clone(s.Conv.Bias)
		}
		if s.Norm != nil {
			ss.Gamma = clone(s.Norm.Gamma)
			ss.Beta = clone(s.Norm.Beta)
			ss.RunningMean = clone(s.Norm.RunningMean)
			ss.RunningVar = clone(s.Norm.RunningVar)
		}
		st.Stages = append(st.Stages, ss)
	}
	if h, ok := n.Head.(*LinearHead); ok {
		st.Head = []linearState{
			{Weight: clone(h.FC1.Weight.Data), Bias: clone(h.FC1.Bias)},
			{Weight: clone(h.FC2.Weight.Data), Bias: clone(h.FC2.Bias)},
		}
	}
	return st
}

// Restore copies a snapshot back into the network. Shapes must match the
// network's construction.
func (n *Network) Restore(st *State) error {
	if len(st.Stages) != len(n.Stages) {
		return newShapeError(fmt.Sprintf("checkpoint has %d stages, network has %d", len(st.Stages), len(n.Stages)))
	}
	for i, ss := range st.Stages {
		s := n.Stages[i]
		if err := restoreInto(s.Conv.Weight.Data, ss.Weight, "weight", i); err != nil {
			return err
		}
		if s.Conv.Bias != nil {
			if err := restoreInto(s.Conv.Bias, ss.Bias, "bias", i); err != nil {
				return err
			}
		}
		if s.Norm != nil {
			if err := restoreInto(s.Norm.Gamma, ss.Gamma, "gamma", i); err != nil {
				return err
			}
			if err := restoreInto(s.Norm.Beta, ss.Beta, "beta", i); err != nil {
				return err
			}
			if err := restoreInto(s.Norm.RunningMean, ss.RunningMean, "running_mean", i); err != nil {
				return err
			}
			if err := restoreInto(s.Norm.RunningVar, ss.RunningVar, "running_var", i); err != nil {
				return err
			}
		}
	}
	if h, ok := n.Head.(*LinearHead); ok {
		if len(st.Head) != 2 {
			return newShapeError(fmt.Sprintf("checkpoint has %d head layers, network has 2", len(st.Head)))
		}
		if err := restoreInto(h.FC1.Weight.Data, st.Head[0].Weight, "fc1.weight", -1); err != nil {
			return err
		}
		if err := restoreInto(h.FC1.Bias, st.Head[0].Bias, "fc1.bias", -1); err != nil {
			return err
		}
		if err := restoreInto(h.FC2.Weight.Data, st.Head[1].Weight, "fc2.weight", -1); err != nil {
			return err
		}
		if err := restoreInto(h.FC2.Bias, st.Head[1].Bias, "fc2.bias", -1); err != nil {
			return err
		}
	}
	return nil
}

// Save writes the network snapshot to path as JSON.
func Save(n *Network, arch, path string) error {
	data, err := json.MarshalIndent(n.Snapshot(arch), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads a checkpoint, rebuilds the matching architecture and restores
// the parameters into it.
func Load(path string) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	var net *Network
	switch st.Arch {
	case ArchAllConv:
		net = NewAllConvNet(0)
	case ArchHybrid:
		net = NewHybridNet(0)
	default:
		return nil, fmt.Errorf("unknown architecture %q", st.Arch)
	}
	if err := net.Restore(&st); err != nil {
		return nil, err
	}
	return net, nil
}

func restoreInto(dst, src []float32, what string, stage int) error {
	if len(dst) != len(src) {
		if stage >= 0 {
			return newShapeError(fmt.Sprintf("stage %d %s: checkpoint has %d values, layer has %d", stage, what, len(src), len(dst)))
		}
		return newShapeError(fmt.Sprintf("%s: checkpoint has %d values, layer has %d", what, len(src), len(dst)))
	}
	copy(dst, src)
	return nil
}

func clone(x []float32) []float32 {
	out := make([]float32, len(x))
	copy(out, x)
	return out
}
