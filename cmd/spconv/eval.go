package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/huixiancheng/spconv/internal/dataset/mnist"
	"github.com/huixiancheng/spconv/internal/nn"
	"github.com/huixiancheng/spconv/internal/quant"
	"github.com/huixiancheng/spconv/internal/train"
)

func evalCmd() *cli.Command {
	var (
		testBatchSize int64
		quantized     bool
	)

	return &cli.Command{
		Name:  "eval",
		Usage: "Evaluate a checkpoint on the MNIST test set",
		Flags: append(append(dataFlags(), commonModelFlags()...), append(loggingFlags(),
			&cli.Int64Flag{
				Name:        "test-batch-size",
				Usage:       "evaluation batch size",
				Value:       1000,
				Destination: &testBatchSize,
			},
			&cli.BoolFlag{
				Name:        "quantized",
				Usage:       "treat the checkpoint as a quantized model",
				Destination: &quantized,
			},
		)...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyCommonConfig(cmd, LoadConfig())
			log := buildLogger()

			var model train.Classifier
			if quantized {
				q, err := quant.Load(checkpointPath)
				if err != nil {
					return err
				}
				model = q
			} else {
				net, err := nn.Load(checkpointPath)
				if err != nil {
					return err
				}
				net.SetMode(nn.Eval)
				model = net
			}

			testSet, err := mnist.Load(dataDir, false)
			if err != nil {
				return err
			}
			src := mnist.NewLoader(testSet, int(testBatchSize), false, 0)

			loss, acc, err := train.Evaluate(ctx, model, src)
			if err != nil {
				return err
			}
			log.Info("evaluation complete",
				"checkpoint", checkpointPath,
				"quantized", quantized,
				"samples", testSet.N,
				"avg_loss", loss,
				"accuracy", acc)
			return nil
		},
	}
}
