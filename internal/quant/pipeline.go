// Package quant implements the three-phase post-training quantization
// pipeline: prepare (fuse conv+norm+activation stages and attach observers),
// calibrate (collect activation ranges over a representative dataset) and
// convert (replace fused blocks with integer-arithmetic equivalents).
package quant

import (
	"context"
	"errors"
	"fmt"

	"github.com/huixiancheng/spconv/internal/dataset"
	"github.com/huixiancheng/spconv/internal/logger"
	"github.com/huixiancheng/spconv/internal/nn"
	"github.com/huixiancheng/spconv/internal/tensor"
	"github.com/huixiancheng/spconv/pkg/sparse"
)

// Pipeline holds the configuration shared by the three phases. The backend
// configuration is an explicit value per pipeline, never a process-wide
// table, so concurrent pipelines in one process cannot contaminate each
// other.
type Pipeline struct {
	Backend BackendConfig
	// Strict makes Convert fail when any observed path lacks calibration
	// data or a backend constructor. Otherwise affected blocks silently
	// stay in floating point.
	Strict bool
	Log    logger.Logger
}

// New returns a pipeline over the default backend.
func New(log logger.Logger) *Pipeline {
	return &Pipeline{Backend: DefaultBackend(), Log: log}
}

// Prepared is the observed form of a network between prepare and convert.
// It satisfies the same forward contract as the network it was derived from,
// always in evaluation mode.
type Prepared struct {
	Net    *nn.Network
	Blocks []*Block
}

// Prepare fuses the network's declared stage list and attaches fresh
// observers at every fused block boundary. The fusion decision depends only
// on the stage structure, so identical networks prepare identically. The
// network must already be in evaluation mode; its parameters are copied,
// never aliased.
func (p *Pipeline) Prepare(net *nn.Network) (*Prepared, error) {
	if net.Mode() != nn.Eval {
		return nil, fmt.Errorf("prepare requires a network in evaluation mode")
	}
	prep := &Prepared{Net: net}
	for i, s := range net.Stages {
		kind := recognize(s)
		switch kind {
		case KindSubMConvBNReLU, KindSparseConvBNReLU:
			b := &Block{
				Kind:   kind,
				Conv:   foldBN(s.Conv, s.Norm),
				Relu:   true,
				Input:  NewObserver(PerTensorAffine, 1),
				Output: NewObserver(PerTensorAffine, 1),
				Weight: NewObserver(PerChannelSymmetric, s.Conv.OutChannels),
			}
			if err := b.Weight.ObservePerChannel(b.Conv.Weight.Data); err != nil {
				return nil, fmt.Errorf("prepare stage %d: %w", i, err)
			}
			prep.Blocks = append(prep.Blocks, b)
		case KindSparseConv:
			b := &Block{
				Kind:   kind,
				Conv:   s.Conv.Clone(),
				Input:  NewObserver(PerTensorAffine, 1),
				Output: NewObserver(PerTensorAffine, 1),
				Weight: NewObserver(PerChannelSymmetric, s.Conv.OutChannels),
			}
			if err := b.Weight.ObservePerChannel(b.Conv.Weight.Data); err != nil {
				return nil, fmt.Errorf("prepare stage %d: %w", i, err)
			}
			prep.Blocks = append(prep.Blocks, b)
		default:
			prep.Blocks = append(prep.Blocks, &Block{Kind: KindPassthrough, Stage: s})
		}
	}
	return prep, nil
}

// forwardBlock runs a prepared block in floating point and, when observing,
// folds the boundary activations into its observers.
func (b *Block) forward(t *sparse.Tensor, observe bool) (*sparse.Tensor, error) {
	if b.Kind == KindPassthrough {
		return b.Stage.Forward(t, nn.Eval, nn.Full)
	}
	if observe {
		if err := b.Input.Observe(t.Features); err != nil {
			return nil, err
		}
	}
	plan, err := b.Conv.BuildPlan(t)
	if err != nil {
		return nil, err
	}
	feats := b.Conv.Apply(plan)
	if b.Relu {
		for i, v := range feats.Data {
			if v < 0 {
				feats.Data[i] = 0
			}
		}
	}
	if observe {
		if err := b.Output.Observe(feats.Data); err != nil {
			return nil, err
		}
	}
	return &sparse.Tensor{
		Coords:    plan.OutCoords,
		Features:  feats.Data,
		Channels:  b.Conv.OutChannels,
		Spatial:   plan.OutSpatial,
		BatchSize: t.BatchSize,
	}, nil
}

// headForward densifies the final sparse tensor and applies the network's
// head in evaluation mode.
func headForward(net *nn.Network, cur *sparse.Tensor) (*tensor.Mat, error) {
	dense, err := cur.ToDense()
	if err != nil {
		return nil, err
	}
	flatten := cur.Spatial[0] * cur.Spatial[1] * cur.Channels
	x := tensor.NewMatFromData(cur.BatchSize, flatten, dense)
	return net.Head.Forward(x, nn.Eval)
}

// Forward evaluates the prepared network while updating observers.
func (pr *Prepared) Forward(t *sparse.Tensor) (*tensor.Mat, error) {
	cur := t
	for i, b := range pr.Blocks {
		next, err := b.forward(cur, true)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		cur = next
	}
	return headForward(pr.Net, cur)
}

// ForwardDense is the dense-batch entry point of the forward contract.
func (pr *Prepared) ForwardDense(images []float32, batchSize int) (*tensor.Mat, error) {
	t, err := sparse.FromDense(images, batchSize, pr.Net.InputSpatial[0], pr.Net.InputSpatial[1], pr.Net.InputChannels)
	if err != nil {
		return nil, err
	}
	return pr.Forward(t)
}

// ForwardRaw is the explicit-triple entry point of the forward contract.
func (pr *Prepared) ForwardRaw(features []float32, coords []sparse.Coord, batchSize int) (*tensor.Mat, error) {
	t, err := sparse.New(features, coords, pr.Net.InputChannels, pr.Net.InputSpatial, batchSize)
	if err != nil {
		return nil, err
	}
	return pr.Forward(t)
}

// Calibrate runs evaluation-mode forward passes over the source, feeding
// every observer. No network parameter changes; this phase is pure
// statistics collection. maxBatches <= 0 means the whole source.
func (p *Pipeline) Calibrate(ctx context.Context, prep *Prepared, src dataset.Source, maxBatches int) error {
	src.Reset()
	batches := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if maxBatches > 0 && batches >= maxBatches {
			break
		}
		b, ok := src.Next()
		if !ok {
			break
		}
		sp, err := sparse.FromDense(b.Images, b.Size, prep.Net.InputSpatial[0], prep.Net.InputSpatial[1], prep.Net.InputChannels)
		if err != nil {
			return fmt.Errorf("calibrate batch %d: %w", batches, err)
		}
		if _, err := prep.ForwardRaw(sp.Features, sp.Coords, sp.BatchSize); err != nil {
			return fmt.Errorf("calibrate batch %d: %w", batches, err)
		}
		batches++
	}
	if p.Log != nil {
		p.Log.Info("calibration complete", "batches", batches)
	}
	return nil
}

// Convert consumes the prepared network's observers and replaces every
// calibrated fused block with its quantized equivalent from the backend
// configuration. Blocks without calibration data or without a backend
// constructor stay in floating point; in strict mode those conditions are
// errors instead, collected and surfaced together at the end of the phase.
func (p *Pipeline) Convert(prep *Prepared) (*Quantized, error) {
	q := &Quantized{net: prep.Net}
	var errs []error
	for i, b := range prep.Blocks {
		if b.Kind == KindPassthrough {
			q.blocks = append(q.blocks, &floatBlock{block: b})
			continue
		}
		ctor, ok := p.Backend.Constructors[b.Kind]
		if !ok {
			errs = append(errs, fmt.Errorf("block %d (%s): %w", i, b.Kind, ErrUnsupportedFusion))
			q.blocks = append(q.blocks, &floatBlock{block: b})
			continue
		}
		if !b.Input.Calibrated() || !b.Output.Calibrated() {
			if p.Strict {
				errs = append(errs, fmt.Errorf("block %d (%s): %w", i, b.Kind, ErrUncalibratedObserver))
			} else if p.Log != nil {
				p.Log.Warn("block left in floating point", "block", i, "kind", string(b.Kind))
			}
			q.blocks = append(q.blocks, &floatBlock{block: b})
			continue
		}
		qb, err := ctor(b)
		if err != nil {
			errs = append(errs, fmt.Errorf("block %d (%s): %w", i, b.Kind, err))
			q.blocks = append(q.blocks, &floatBlock{block: b})
			continue
		}
		b.Input.Freeze()
		b.Output.Freeze()
		b.Weight.Freeze()
		q.blocks = append(q.blocks, qb)
	}
	if p.Strict && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if !p.Strict {
		for _, err := range errs {
			if errors.Is(err, ErrUnsupportedFusion) && p.Log != nil {
				p.Log.Warn("no quantized replacement", "err", err)
			}
		}
	}
	return q, nil
}
