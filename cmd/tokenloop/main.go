package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tokenloop/internal/backend"
	_ "github.com/samcharles93/tokenloop/internal/backend/cpu"
)

func main() {
	app := &cli.Command{
		Name:  "tokenloop",
		Usage: "Batched decode and sampling engine",
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			backend.Init(backend.InitOptions{NUMA: numa})
			return ctx, nil
		},
		After: func(ctx context.Context, cmd *cli.Command) error {
			backend.Shutdown()
			return nil
		},
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "numa",
				Usage:       "request NUMA-aware backend placement",
				Destination: &numa,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			inspectCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
