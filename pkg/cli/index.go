package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memeval/pkg/repository"
	"github.com/m-mizutani/memeval/pkg/retry"
	"github.com/m-mizutani/memeval/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func indexCommand() *cli.Command {
	var (
		cfg        config
		inputPath  string
		outputPath string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "input",
			Aliases:     []string{"i"},
			Usage:       "JSON Lines file of chunks (doc_id, text, locator)",
			Destination: &inputPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "Chunk file with embeddings for the local retriever",
			Destination: &outputPath,
			Required:    true,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "index",
		Usage: "Embed document chunks for the local retriever",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, closeLog, err := cfg.setupLogger(ctx)
			if err != nil {
				return err
			}
			defer closeLog()

			emb, err := cfg.newEmbedder(ctx)
			if err != nil {
				return err
			}
			emb = retry.WrapEmbedder(emb, retry.DefaultPolicy())

			in, err := os.Open(inputPath)
			if err != nil {
				return goerr.Wrap(err, "failed to open chunks", goerr.V("path", inputPath))
			}
			defer in.Close()

			tmp := outputPath + ".tmp"
			out, err := os.Create(tmp)
			if err != nil {
				return goerr.Wrap(err, "failed to create chunk file", goerr.V("path", tmp))
			}

			n, err := repository.IndexChunks(ctx, in, out, emb)
			if cerr := out.Close(); err == nil && cerr != nil {
				err = goerr.Wrap(cerr, "failed to close chunk file", goerr.V("path", tmp))
			}
			if err != nil {
				_ = os.Remove(tmp)
				return err
			}
			if err := os.Rename(tmp, outputPath); err != nil {
				return goerr.Wrap(err, "failed to replace chunk file", goerr.V("path", outputPath))
			}

			logging.From(ctx).Info("chunks indexed", "embedded", n, "output", outputPath)
			fmt.Fprintf(c.Root().Writer, "Embedded %d chunks into %s\n", n, outputPath)
			return nil
		},
	}
}
