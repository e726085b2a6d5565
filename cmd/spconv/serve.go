package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/huixiancheng/spconv/internal/api"
	"github.com/huixiancheng/spconv/internal/dataset/mnist"
	"github.com/huixiancheng/spconv/internal/nn"
	"github.com/huixiancheng/spconv/internal/quant"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		quantized   bool
		rateLimit   float64
		rateBurst   int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve classification over HTTP",
		Flags: append(commonModelFlags(), append(loggingFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.BoolFlag{
				Name:        "quantized",
				Usage:       "treat the checkpoint as a quantized model",
				Destination: &quantized,
			},
			&cli.Float64Flag{
				Name:        "rate-limit",
				Usage:       "requests per second (0 disables limiting)",
				Destination: &rateLimit,
			},
			&cli.Int64Flag{
				Name:        "rate-burst",
				Usage:       "burst size for the rate limiter",
				Value:       10,
				Destination: &rateBurst,
			},
		)...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, LoadConfig(), &addr)
			log := buildLogger()

			var (
				model api.Classifier
				name  string
			)
			if quantized {
				q, err := quant.Load(checkpointPath)
				if err != nil {
					return err
				}
				model, name = q, arch+"-int8"
			} else {
				net, err := nn.Load(checkpointPath)
				if err != nil {
					return err
				}
				net.SetMode(nn.Eval)
				model, name = net, arch
			}

			var opts []api.Option
			if rateLimit > 0 {
				opts = append(opts, api.WithRateLimit(rateLimit, int(rateBurst)))
			}
			server := api.NewServer(model, name, mnist.ImgSize, mnist.ImgSize, 1, mnist.Classes, log, opts...)

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "model", name)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
