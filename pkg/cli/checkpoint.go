package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/memeval/pkg/repository"
	"github.com/urfave/cli/v3"
)

func checkpointCommand() *cli.Command {
	var (
		path    string
		discard bool
	)

	return &cli.Command{
		Name:  "checkpoint",
		Usage: "Inspect or discard a run checkpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "path",
				Aliases:     []string{"p"},
				Usage:       "Checkpoint file",
				Sources:     cli.EnvVars("MEMEVAL_CHECKPOINT"),
				Destination: &path,
				Required:    true,
			},
			&cli.BoolFlag{
				Name:        "discard",
				Usage:       "Delete the checkpoint",
				Destination: &discard,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			store := repository.NewCheckpointFile(path)
			w := c.Root().Writer

			if discard {
				if err := store.Delete(); err != nil {
					return err
				}
				fmt.Fprintf(w, "Deleted %s\n", path)
				return nil
			}

			cp, err := store.Load()
			if err != nil {
				return err
			}
			if cp == nil {
				fmt.Fprintf(w, "No checkpoint at %s\n", path)
				return nil
			}

			fmt.Fprintf(w, "Run:        %s\n", cp.RunID)
			fmt.Fprintf(w, "Dataset:    %s\n", cp.Fingerprint.Dataset)
			fmt.Fprintf(w, "Model:      %s\n", cp.Fingerprint.Model)
			fmt.Fprintf(w, "Strategy:   %s (frozen: %t)\n", cp.Fingerprint.Strategy, cp.Fingerprint.Frozen)
			fmt.Fprintf(w, "Completed:  %d / %d\n", cp.CompletedCount, cp.Fingerprint.ExampleCount)
			fmt.Fprintf(w, "Memory:     version %d, %d chars, %d log entries\n",
				cp.Memory.Version, len(cp.Memory.Content), len(cp.Memory.TrialLog))
			fmt.Fprintf(w, "Written at: %s\n", cp.Timestamp.Format(time.RFC3339))
			return nil
		},
	}
}
