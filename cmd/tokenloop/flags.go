package main

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tokenloop/internal/logger"
	"github.com/samcharles93/tokenloop/internal/model"
)

var (
	modelPath  string
	contextLen int64
	threads    int64
	backendArg string
	gpuLayers  int64
	useMmap    bool
	useMlock   bool
	numa       bool
	logLevel   string
	logFormat  string
	debug      bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to a model file",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "compute backend (auto, cpu)",
			Value:       "auto",
			Destination: &backendArg,
		},
		&cli.Int64Flag{
			Name:        "gpu-layers",
			Aliases:     []string{"ngl"},
			Usage:       "layers to offload to the GPU",
			Destination: &gpuLayers,
		},
		&cli.BoolFlag{
			Name:        "mmap",
			Usage:       "memory-map the model file",
			Value:       true,
			Destination: &useMmap,
		},
		&cli.BoolFlag{
			Name:        "mlock",
			Usage:       "lock the model file in RAM",
			Destination: &useMlock,
		},
	}
}

func sessionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "context-len",
			Aliases:     []string{"ctx", "c"},
			Usage:       "KV-cache size in tokens",
			Value:       2048,
			Destination: &contextLen,
		},
		&cli.Int64Flag{
			Name:        "threads",
			Usage:       "decode worker threads (0 = all CPUs)",
			Destination: &threads,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "warn",
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
			Usage:       "shorthand for --log-level=debug",
			Destination: &debug,
		},
	}
}

// setupLogger builds the command logger and stores it in ctx.
func setupLogger(ctx context.Context) (context.Context, logger.Logger, error) {
	level := logLevel
	if debug {
		level = "debug"
	}
	log, err := logger.Open(os.Stderr, logFormat, level)
	if err != nil {
		return ctx, nil, err
	}
	return logger.WithContext(ctx, log), log, nil
}

func modelOptions(log logger.Logger) (model.Options, error) {
	if gpuLayers < 0 || gpuLayers > math.MaxUint16 {
		return model.Options{}, fmt.Errorf("--gpu-layers must be between 0 and %d", math.MaxUint16)
	}
	return model.Options{
		GPULayers: uint16(gpuLayers),
		UseMmap:   useMmap,
		UseMlock:  useMlock,
		Backend:   backendArg,
		Logger:    log,
	}, nil
}

func requireModel() error {
	if modelPath == "" {
		return fmt.Errorf("--model is required (or set model in %s)", configPath())
	}
	return nil
}
