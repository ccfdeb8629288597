package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/m-mizutani/memeval/pkg/model"
	"github.com/m-mizutani/memeval/pkg/repository"
	"github.com/urfave/cli/v3"
)

func summaryCommand() *cli.Command {
	var (
		resultPath string
		failures   bool
	)

	return &cli.Command{
		Name:  "summary",
		Usage: "Show the summary of a result file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "result",
				Aliases:     []string{"r"},
				Usage:       "Result file written by the run command",
				Sources:     cli.EnvVars("MEMEVAL_RESULT"),
				Destination: &resultPath,
				Required:    true,
			},
			&cli.BoolFlag{
				Name:        "failures",
				Aliases:     []string{"f"},
				Usage:       "Also list incorrect predictions",
				Destination: &failures,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			result, err := repository.ReadResult(resultPath)
			if err != nil {
				return err
			}

			w := c.Root().Writer
			printSummary(w, result)
			if failures {
				printFailures(w, result.Predictions)
			}
			return nil
		},
	}
}

func printFailures(w io.Writer, predictions []model.TrialResult) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Incorrect predictions:")
	for _, p := range predictions {
		if p.Correct {
			continue
		}
		fmt.Fprintf(w, "  [%d] %s (%s) predicted=%q gold=%q score=%.3f\n",
			p.Index, p.ExampleID, p.AnswerType, p.PredictedAnswer, p.GoldAnswer, p.Score)
		if p.Error != "" {
			fmt.Fprintf(w, "      error: %s\n", p.Error)
		}
	}
}
