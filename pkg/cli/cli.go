package cli

import (
	"context"
	"errors"

	"github.com/m-mizutani/memeval/pkg/usecase/evaluation"
	"github.com/m-mizutani/memeval/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// ExitInterrupted is returned when a run stopped on a signal after writing
// its checkpoint
const ExitInterrupted = 130

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	cmd := &cli.Command{
		Name:  "memeval",
		Usage: "Adaptive-memory question answering evaluation",
		Commands: []*cli.Command{
			runCommand(),
			summaryCommand(),
			checkpointCommand(),
			indexCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		code := 1
		if errors.Is(err, evaluation.ErrInterrupted) {
			code = ExitInterrupted
		}
		logging.Default().Error("command failed", "error", err)

		return &Error{
			Code:    code,
			Message: err.Error(),
		}
	}

	return nil
}
