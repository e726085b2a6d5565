package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/huixiancheng/spconv/internal/dataset/mnist"
	"github.com/huixiancheng/spconv/internal/logger"
	"github.com/huixiancheng/spconv/internal/nn"
	"github.com/huixiancheng/spconv/internal/train"
)

func trainCmd() *cli.Command {
	var (
		batchSize     int64
		testBatchSize int64
		epochs        int64
		lr            float64
		gamma         float64
		seed          int64
		logInterval   int64
		fp16          bool
		saveModel     bool
	)

	return &cli.Command{
		Name:  "train",
		Usage: "Train the classifier on MNIST",
		Flags: append(append(dataFlags(), commonModelFlags()...), append(loggingFlags(),
			&cli.Int64Flag{
				Name:        "batch-size",
				Usage:       "training batch size",
				Value:       64,
				Destination: &batchSize,
			},
			&cli.Int64Flag{
				Name:        "test-batch-size",
				Usage:       "evaluation batch size",
				Value:       1000,
				Destination: &testBatchSize,
			},
			&cli.Int64Flag{
				Name:        "epochs",
				Usage:       "number of training epochs",
				Value:       1,
				Destination: &epochs,
			},
			&cli.Float64Flag{
				Name:        "lr",
				Usage:       "initial learning rate",
				Value:       1.0,
				Destination: &lr,
			},
			&cli.Float64Flag{
				Name:        "gamma",
				Usage:       "per-epoch learning rate decay",
				Value:       0.7,
				Destination: &gamma,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "random seed",
				Value:       1,
				Destination: &seed,
			},
			&cli.Int64Flag{
				Name:        "log-interval",
				Usage:       "batches between progress lines",
				Value:       10,
				Destination: &logInterval,
			},
			&cli.BoolFlag{
				Name:        "fp16",
				Usage:       "round stage activations to half precision and scale gradients",
				Destination: &fp16,
			},
			&cli.BoolFlag{
				Name:        "save-model",
				Usage:       "write the trained checkpoint on completion",
				Destination: &saveModel,
			},
		)...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyTrainConfig(cmd, LoadConfig(), &batchSize, &testBatchSize, &epochs, &lr, &gamma, &seed)
			log := buildLogger()
			ctx = logger.WithContext(ctx, log)

			net, err := buildNetwork(seed)
			if err != nil {
				return err
			}

			trainSet, err := mnist.Load(dataDir, true)
			if err != nil {
				return err
			}
			testSet, err := mnist.Load(dataDir, false)
			if err != nil {
				return err
			}
			trainSrc := mnist.NewLoader(trainSet, int(batchSize), true, seed)
			testSrc := mnist.NewLoader(testSet, int(testBatchSize), false, seed)
			log.Info("dataset loaded", "train", trainSet.N, "test", testSet.N)

			opt := train.NewAdadelta(float32(lr))
			loop := &train.Loop{
				Net:         net,
				Opt:         opt,
				Sched:       train.NewStepLR(opt, 1, float32(gamma)),
				Log:         log,
				LogInterval: int(logInterval),
				Half:        fp16,
			}
			if fp16 {
				loop.Scaler = train.NewScaler()
			}
			if err := loop.Run(ctx, trainSrc, testSrc, int(epochs)); err != nil {
				return err
			}

			if saveModel {
				if err := nn.Save(net, arch, checkpointPath); err != nil {
					return err
				}
				log.Info("checkpoint written", "path", checkpointPath)
			}
			return nil
		},
	}
}
