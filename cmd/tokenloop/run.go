package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tokenloop/internal/inference"
	"github.com/samcharles93/tokenloop/internal/logger"
	"github.com/samcharles93/tokenloop/internal/sampling"
	"github.com/samcharles93/tokenloop/internal/session"
)

type runFlags struct {
	prompt        string
	steps         int64
	temp          float64
	topK          float64
	topP          float64
	minP          float64
	repeatPenalty float64
	repeatLastN   int64
	seed          int64
	parallel      int64
	special       bool
	echoPrompt    bool
	streamMode    string
	showStats     bool
}

func runCmd() *cli.Command {
	var rf runFlags

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text",
			Destination: &rf.prompt,
		},
		&cli.Int64Flag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "tokens to generate (-1 = until a stop token or a full context)",
			Value:       -1,
			Destination: &rf.steps,
		},
		&cli.Float64Flag{
			Name:        "temp",
			Aliases:     []string{"temperature", "t"},
			Usage:       "sampling temperature (0 = greedy)",
			Value:       0.8,
			Destination: &rf.temp,
		},
		&cli.Float64Flag{
			Name:        "top-k",
			Usage:       "top-k cut (below 1 = off)",
			Value:       40,
			Destination: &rf.topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Usage:       "nucleus cut (1 = off)",
			Value:       0.95,
			Destination: &rf.topP,
		},
		&cli.Float64Flag{
			Name:        "min-p",
			Usage:       "min-p cut (0 = off)",
			Destination: &rf.minP,
		},
		&cli.Float64Flag{
			Name:        "repeat-penalty",
			Usage:       "repetition penalty (1 = off)",
			Value:       1.2,
			Destination: &rf.repeatPenalty,
		},
		&cli.Int64Flag{
			Name:        "repeat-last-n",
			Usage:       "history window for the repetition penalty",
			Value:       64,
			Destination: &rf.repeatLastN,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling seed (-1 = random)",
			Value:       -1,
			Destination: &rf.seed,
		},
		&cli.Int64Flag{
			Name:        "parallel",
			Usage:       "independent continuations of the prompt, decoded together",
			Value:       1,
			Destination: &rf.parallel,
		},
		&cli.BoolFlag{
			Name:        "special",
			Usage:       "parse special-token text in the prompt",
			Destination: &rf.special,
		},
		&cli.BoolFlag{
			Name:        "echo-prompt",
			Usage:       "print the prompt before the output",
			Destination: &rf.echoPrompt,
		},
		&cli.StringFlag{
			Name:        "stream-mode",
			Usage:       "output mode (instant, quiet)",
			Value:       string(streamInstant),
			Destination: &rf.streamMode,
		},
		&cli.BoolFlag{
			Name:        "stats",
			Usage:       "print generation statistics to stderr",
			Destination: &rf.showStats,
		},
	}
	flags = append(flags, commonModelFlags()...)
	flags = append(flags, sessionFlags()...)
	flags = append(flags, loggingFlags()...)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate text from a prompt",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}
			applyRunConfig(cmd, cfg, &rf)

			ctx, log, err := setupLogger(ctx)
			if err != nil {
				return err
			}
			if err := requireModel(); err != nil {
				return err
			}
			if rf.parallel < 1 {
				return fmt.Errorf("--parallel must be at least 1")
			}
			if contextLen <= 0 || contextLen > int64(^uint32(0)) {
				return fmt.Errorf("--context-len must be positive")
			}

			mo, err := modelOptions(log)
			if err != nil {
				return err
			}
			so := session.Options{
				ContextLen:   uint32(contextLen),
				MaxSequences: uint32(rf.parallel),
				Threads:      int(threads),
				Logger:       log,
			}
			if so.Threads <= 0 {
				so.Threads = runtime.NumCPU()
			}
			engine, err := inference.Load(modelPath, inference.LoadOptions{Model: mo, Session: so, Logger: log})
			if err != nil {
				return err
			}
			defer func() {
				if err := engine.Close(); err != nil {
					log.Warn("close engine", "error", err)
				}
			}()

			req := inference.ResolveRequest(rf.requestOptions())
			if rf.parallel > 1 {
				return runParallel(ctx, engine, req, int(rf.parallel), os.Stdout, rf.showStats)
			}

			out := newStreamWriter(streamMode(rf.streamMode), os.Stdout)
			res, err := engine.Generate(ctx, &req, out.Write)
			text := out.Flush()
			if err != nil {
				return err
			}
			if out.mode == streamQuiet {
				_, _ = fmt.Fprintln(os.Stdout, text)
			} else {
				_, _ = fmt.Fprintln(os.Stdout)
			}
			log.Debug("run finished", "stop", string(res.Stop))
			if rf.showStats {
				printStats(os.Stderr, res)
			}
			return nil
		},
	}
}

func (rf *runFlags) requestOptions() inference.RequestOptions {
	steps := int(rf.steps)
	temp := float32(rf.temp)
	topK := float32(rf.topK)
	topP := float32(rf.topP)
	minP := float32(rf.minP)
	penalty := float32(rf.repeatPenalty)
	lastN := int(rf.repeatLastN)
	opts := inference.RequestOptions{
		Prompt:        rf.prompt,
		Steps:         &steps,
		Temperature:   &temp,
		TopK:          &topK,
		TopP:          &topP,
		MinP:          &minP,
		RepeatPenalty: &penalty,
		RepeatLastN:   &lastN,
		ParseSpecial:  &rf.special,
		EchoPrompt:    &rf.echoPrompt,
	}
	if rf.seed >= 0 {
		seed := uint64(rf.seed)
		opts.Seed = &seed
	}
	return opts
}

func runParallel(ctx context.Context, e *inference.Engine, req inference.Request, n int, w io.Writer, showStats bool) error {
	log := logger.FromContext(ctx)
	m := e.Model()
	addBOS, _ := m.RequiresBOS()
	if req.AddBOS != nil {
		addBOS = *req.AddBOS
	}
	prompt := m.Tokenize(req.Prompt, addBOS, req.ParseSpecial)
	if err := e.Session().ClearCache(); err != nil {
		return err
	}
	gen := &inference.Generator{
		Session:    e.Session(),
		Vocab:      m.Vocabulary(),
		StopTokens: inference.BuildStopTokens(m.Vocabulary()),
		MaxTokens:  req.Steps,
		Logger:     log,
	}
	gen.Sampler = sampling.New(req.SamplerOptions())
	defer gen.Sampler.Close()

	results, err := gen.GenerateParallel(ctx, prompt, n)
	if err != nil {
		return err
	}
	for i, res := range results {
		_, _ = fmt.Fprintf(w, "--- continuation %d (%s) ---\n%s%s\n", i+1, res.Stop, echo(req), res.Text)
		if showStats {
			printStats(os.Stderr, res)
		}
	}
	return nil
}

func echo(req inference.Request) string {
	if req.EchoPrompt {
		return req.Prompt
	}
	return ""
}

func printStats(w io.Writer, res *inference.Result) {
	_, _ = fmt.Fprintf(w, "prompt tokens: %d, generated: %d, stop: %s, %.2f tok/s (%s)\n",
		res.Stats.PromptTokens, res.Stats.TokensGenerated, res.Stop, res.Stats.TPS, res.Stats.Duration)
}
