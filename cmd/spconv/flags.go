package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/huixiancheng/spconv/internal/logger"
	"github.com/huixiancheng/spconv/internal/nn"
)

var (
	dataDir        string
	checkpointPath string
	arch           string
	logLevel       string
	logFormat      string
	debug          bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "checkpoint",
			Aliases:     []string{"ckpt"},
			Usage:       "path to model checkpoint",
			Value:       "spconv.json",
			Destination: &checkpointPath,
		},
		&cli.StringFlag{
			Name:        "arch",
			Usage:       "network architecture (allconv, hybrid)",
			Value:       nn.ArchAllConv,
			Destination: &arch,
		},
	}
}

func dataFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "data",
			Aliases:     []string{"d"},
			Usage:       "directory containing the MNIST idx gzip files",
			Value:       "data",
			Destination: &dataDir,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func buildLogger() logger.Logger {
	level := slog.LevelInfo
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}
	switch logFormat {
	case "json":
		return logger.JSON(os.Stderr, level)
	case "text":
		return logger.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	default:
		return logger.Pretty(os.Stderr, level)
	}
}

func buildNetwork(seed int64) (*nn.Network, error) {
	switch arch {
	case nn.ArchAllConv:
		return nn.NewAllConvNet(seed), nil
	case nn.ArchHybrid:
		return nn.NewHybridNet(seed), nil
	default:
		return nil, fmt.Errorf("unknown architecture %q", arch)
	}
}
