package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tokenloop/internal/model"
)

type specialInfo struct {
	ID   int32  `json:"id"`
	Text string `json:"text,omitempty"`
}

type modelInfo struct {
	Name          string                 `json:"name"`
	Backend       string                 `json:"backend"`
	VocabSize     int                    `json:"vocab_size"`
	EmbeddingSize int                    `json:"embedding_size"`
	Special       map[string]specialInfo `json:"special_tokens"`
	RequiresBOS   *bool                  `json:"requires_bos"`
	RequiresEOS   *bool                  `json:"requires_eos"`
	Tokens        []int32                `json:"tokens,omitempty"`
}

func inspectCmd() *cli.Command {
	var (
		asJSON   bool
		tokenize string
	)
	flags := []cli.Flag{
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print as JSON",
			Destination: &asJSON,
		},
		&cli.StringFlag{
			Name:        "tokenize",
			Usage:       "also print the tokens of this text",
			Destination: &tokenize,
		},
	}
	flags = append(flags, commonModelFlags()...)
	flags = append(flags, loggingFlags()...)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Show model vocabulary and special tokens",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}
			applyCommonConfig(cmd, cfg)
			_, log, err := setupLogger(ctx)
			if err != nil {
				return err
			}
			if err := requireModel(); err != nil {
				return err
			}
			mo, err := modelOptions(log)
			if err != nil {
				return err
			}
			m, err := model.Open(modelPath, mo)
			if err != nil {
				return err
			}
			defer m.Close()

			info := describe(m)
			if tokenize != "" {
				info.Tokens = m.Tokenize(tokenize, false, true)
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			printInfo(os.Stdout, info)
			return nil
		},
	}
}

func describe(m *model.Model) modelInfo {
	info := modelInfo{
		Name:          m.Name(),
		Backend:       m.BackendName(),
		VocabSize:     m.VocabSize(),
		EmbeddingSize: m.EmbeddingSize(),
		Special:       map[string]specialInfo{},
		RequiresBOS:   tristate(m.RequiresBOS()),
		RequiresEOS:   tristate(m.RequiresEOS()),
	}
	for _, sp := range []struct {
		name string
		id   int32
	}{
		{"bos", m.BOS()}, {"eos", m.EOS()}, {"nl", m.NL()}, {"eot", m.EOT()},
		{"prefix", m.Prefix()}, {"middle", m.Middle()}, {"suffix", m.Suffix()},
	} {
		if sp.id < 0 {
			continue
		}
		info.Special[sp.name] = specialInfo{ID: sp.id, Text: m.Detokenize(sp.id)}
	}
	return info
}

func tristate(v, known bool) *bool {
	if !known {
		return nil
	}
	return &v
}

func printInfo(w io.Writer, info modelInfo) {
	_, _ = fmt.Fprintf(w, "name:           %s\n", info.Name)
	_, _ = fmt.Fprintf(w, "backend:        %s\n", info.Backend)
	_, _ = fmt.Fprintf(w, "vocab size:     %d\n", info.VocabSize)
	_, _ = fmt.Fprintf(w, "embedding size: %d\n", info.EmbeddingSize)
	_, _ = fmt.Fprintf(w, "requires bos:   %s\n", showTristate(info.RequiresBOS))
	_, _ = fmt.Fprintf(w, "requires eos:   %s\n", showTristate(info.RequiresEOS))
	for _, name := range []string{"bos", "eos", "eot", "nl", "prefix", "middle", "suffix"} {
		sp, ok := info.Special[name]
		if !ok {
			continue
		}
		_, _ = fmt.Fprintf(w, "%-7s token:   %d %q\n", name, sp.ID, sp.Text)
	}
	if len(info.Tokens) > 0 {
		_, _ = fmt.Fprintf(w, "tokens:         %v\n", info.Tokens)
	}
}

func showTristate(v *bool) string {
	if v == nil {
		return "unspecified"
	}
	return fmt.Sprint(*v)
}

