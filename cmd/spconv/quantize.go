package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/huixiancheng/spconv/internal/dataset/mnist"
	"github.com/huixiancheng/spconv/internal/nn"
	"github.com/huixiancheng/spconv/internal/quant"
	"github.com/huixiancheng/spconv/internal/train"
)

func quantizeCmd() *cli.Command {
	var (
		outPath       string
		calibBatches  int64
		calibBatch    int64
		testBatchSize int64
		strict        bool
	)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Convert a trained checkpoint to int8 and report the accuracy delta",
		Flags: append(append(dataFlags(), commonModelFlags()...), append(loggingFlags(),
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "path for the quantized checkpoint",
				Value:       "spconv-int8.json",
				Destination: &outPath,
			},
			&cli.Int64Flag{
				Name:        "calib-batches",
				Usage:       "calibration batches (0 = full test set)",
				Value:       10,
				Destination: &calibBatches,
			},
			&cli.Int64Flag{
				Name:        "calib-batch-size",
				Usage:       "calibration batch size",
				Value:       100,
				Destination: &calibBatch,
			},
			&cli.Int64Flag{
				Name:        "test-batch-size",
				Usage:       "evaluation batch size",
				Value:       1000,
				Destination: &testBatchSize,
			},
			&cli.BoolFlag{
				Name:        "strict",
				Usage:       "fail conversion on uncalibrated or unsupported blocks",
				Destination: &strict,
			},
		)...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyCommonConfig(cmd, LoadConfig())
			log := buildLogger()

			net, err := nn.Load(checkpointPath)
			if err != nil {
				return err
			}
			net.SetMode(nn.Eval)

			testSet, err := mnist.Load(dataDir, false)
			if err != nil {
				return err
			}

			p := quant.New(log)
			p.Strict = strict
			prep, err := p.Prepare(net)
			if err != nil {
				return err
			}
			calibSrc := mnist.NewLoader(testSet, int(calibBatch), false, 0)
			if err := p.Calibrate(ctx, prep, calibSrc, int(calibBatches)); err != nil {
				return err
			}
			q, err := p.Convert(prep)
			if err != nil {
				return err
			}

			evalSrc := mnist.NewLoader(testSet, int(testBatchSize), false, 0)
			floatLoss, floatAcc, err := train.Evaluate(ctx, net, evalSrc)
			if err != nil {
				return err
			}
			qLoss, qAcc, err := train.Evaluate(ctx, q, evalSrc)
			if err != nil {
				return err
			}
			log.Info("float model", "avg_loss", floatLoss, "accuracy", floatAcc)
			log.Info("quantized model", "avg_loss", qLoss, "accuracy", qAcc)

			if err := quant.Save(q, arch, outPath); err != nil {
				return err
			}
			log.Info("quantized checkpoint written", "path", outPath)
			return nil
		},
	}
}
