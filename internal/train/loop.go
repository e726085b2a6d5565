package train

import (
	"context"

	"github.com/google/uuid"

	"github.com/huixiancheng/spconv/internal/dataset"
	"github.com/huixiancheng/spconv/internal/logger"
	"github.com/huixiancheng/spconv/internal/nn"
	"github.com/huixiancheng/spconv/internal/tensor"
)

// Classifier is anything that maps a dense image batch to class
// log-probabilities. Both the float network and its quantized variant
// satisfy it, so evaluation runs through one code path.
type Classifier interface {
	ForwardDense(images []float32, batchSize int) (*tensor.Mat, error)
}

// Loop drives the per-batch training state machine: zero gradients, forward,
// loss, optional gradient scaling, backward, optimizer step. Cancelling the
// context aborts between batches, never inside one.
type Loop struct {
	Net    *nn.Network
	Opt    *Adadelta
	Sched  *StepLR
	Scaler *Scaler // non-nil only for reduced-precision runs
	Log    logger.Logger

	LogInterval int
	Half        bool
}

// RunEpoch trains one pass over the source and returns the mean batch loss.
func (l *Loop) RunEpoch(ctx context.Context, src dataset.Source, epoch int) (float32, error) {
	l.Net.SetMode(nn.Train)
	if l.Half {
		l.Net.SetPrecision(nn.Half)
	} else {
		l.Net.SetPrecision(nn.Full)
	}
	defer l.Net.SetPrecision(nn.Full)

	params := l.Net.Params()
	var lossSum float64
	batches := 0
	seen := 0
	src.Reset()
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		b, ok := src.Next()
		if !ok {
			break
		}

		l.Opt.ZeroGrad(params)
		out, err := l.Net.ForwardDense(b.Images, b.Size)
		if err != nil {
			return 0, err
		}
		loss, grad := NLLLoss(out, b.Labels)

		if l.Scaler != nil {
			l.Scaler.ScaleGrad(grad)
			l.Net.Backward(grad)
			finite := l.Scaler.Unscale(params)
			if finite {
				l.Opt.Step(params)
			}
			l.Scaler.Update(!finite)
		} else {
			l.Net.Backward(grad)
			l.Opt.Step(params)
		}

		lossSum += float64(loss)
		batches++
		seen += b.Size
		if l.LogInterval > 0 && (batches-1)%l.LogInterval == 0 {
			l.Log.Info("train",
				"epoch", epoch,
				"seen", seen,
				"total", src.Len(),
				"loss", loss)
		}
	}
	if batches == 0 {
		return 0, nil
	}
	return float32(lossSum / float64(batches)), nil
}

// Run trains for the given number of epochs, evaluating on the test source
// after each one and stepping the scheduler at every epoch boundary.
func (l *Loop) Run(ctx context.Context, trainSrc, testSrc dataset.Source, epochs int) error {
	runID := uuid.NewString()
	log := l.Log.With("run", runID)
	for epoch := 1; epoch <= epochs; epoch++ {
		avg, err := l.RunEpoch(ctx, trainSrc, epoch)
		if err != nil {
			return err
		}
		log.Info("epoch complete", "epoch", epoch, "avg_loss", avg, "lr", l.Opt.LR)

		if testSrc != nil {
			l.Net.SetMode(nn.Eval)
			loss, acc, err := Evaluate(ctx, l.Net, testSrc)
			if err != nil {
				return err
			}
			log.Info("test", "epoch", epoch, "avg_loss", loss, "accuracy", acc)
		}
		if l.Sched != nil {
			l.Sched.Step()
		}
	}
	return nil
}

// Evaluate computes the sum-reduced average loss and the accuracy of a
// classifier over one pass of the source. The caller is responsible for
// putting the model in evaluation mode first.
func Evaluate(ctx context.Context, model Classifier, src dataset.Source) (avgLoss float64, accuracy float64, err error) {
	var lossSum float64
	correct, total := 0, 0
	src.Reset()
	for {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		b, ok := src.Next()
		if !ok {
			break
		}
		out, err := model.ForwardDense(b.Images, b.Size)
		if err != nil {
			return 0, 0, err
		}
		lossSum += NLLSum(out, b.Labels)
		for i, y := range b.Labels {
			if tensor.Argmax(out.Row(i)) == y {
				correct++
			}
		}
		total += b.Size
	}
	if total == 0 {
		return 0, 0, nil
	}
	return lossSum / float64(total), float64(correct) / float64(total), nil
}
