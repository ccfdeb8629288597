package evaluation

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memeval/pkg/interfaces"
	"github.com/m-mizutani/memeval/pkg/model"
	"github.com/m-mizutani/memeval/pkg/repository"
	"github.com/m-mizutani/memeval/pkg/score"
	"github.com/m-mizutani/memeval/pkg/usecase/answer"
	"github.com/m-mizutani/memeval/pkg/usecase/assemble"
	"github.com/m-mizutani/memeval/pkg/usecase/curate"
	"github.com/m-mizutani/memeval/pkg/utils/logging"
)

var (
	ErrInterrupted         = goerr.New("run interrupted")
	ErrFingerprintMismatch = goerr.New("checkpoint belongs to a different run")
	ErrCheckpointIO        = goerr.New("checkpoint I/O failed")
	ErrInvalidInput        = goerr.New("invalid evaluation input")
)

// State is a phase of the driver
type State string

const (
	StateInit              State = "INIT"
	StateLoadingCheckpoint State = "LOADING_CHECKPOINT"
	StateRunning           State = "RUNNING"
	StateCheckpointing     State = "CHECKPOINTING"
	StateFailedTrial       State = "FAILED_TRIAL"
	StateDone              State = "DONE"
)

// CheckpointStore persists run progress. Save must replace the previous
// checkpoint atomically.
type CheckpointStore interface {
	Load() (*model.Checkpoint, error)
	Save(cp *model.Checkpoint) error
	Delete() error
}

// Input is the validated configuration of one run
type Input struct {
	Dataset   string
	Examples  []model.Example
	Strategy  model.Strategy
	ModelName string

	// Memory is the starting memory. The zero value means an empty memory
	// for Strategy.
	Memory model.MemorySnapshot
	// Frozen evaluates against Memory without ever mutating it
	Frozen bool

	Assembler   *assemble.Assembler
	Answerer    *answer.Generator
	Synthesizer *assemble.Synthesizer
	Grader      *score.Engine
	Curator     curate.Curator

	Checkpoint CheckpointStore
	ResultPath string
}

// UseCase drives the trial loop of one run
type UseCase struct {
	input Input

	interval  int
	exporters []interfaces.Exporter
	onState   func(State)
	clock     func() time.Time
}

type Option func(*UseCase)

// WithCheckpointInterval writes a checkpoint every n completed trials.
// n <= 0 checkpoints only on interruption.
func WithCheckpointInterval(n int) Option {
	return func(uc *UseCase) { uc.interval = n }
}

func WithExporters(exporters ...interfaces.Exporter) Option {
	return func(uc *UseCase) { uc.exporters = append(uc.exporters, exporters...) }
}

// WithStateHook observes every state transition
func WithStateHook(hook func(State)) Option {
	return func(uc *UseCase) { uc.onState = hook }
}

func WithClock(clock func() time.Time) Option {
	return func(uc *UseCase) { uc.clock = clock }
}

func New(input Input, opts ...Option) (*UseCase, error) {
	if err := input.Strategy.Validate(); err != nil {
		return nil, goerr.Wrap(err, "invalid strategy")
	}
	if input.Memory.Strategy == "" {
		input.Memory = model.NewMemory(input.Strategy)
	}

	switch {
	case input.Memory.Strategy != input.Strategy:
		return nil, goerr.Wrap(ErrInvalidInput, "memory strategy does not match run strategy",
			goerr.V("memory", input.Memory.Strategy), goerr.V("run", input.Strategy))
	case input.Assembler == nil, input.Answerer == nil, input.Grader == nil:
		return nil, goerr.Wrap(ErrInvalidInput, "assembler, answerer and grader are required")
	case input.Curator == nil && !input.Frozen:
		return nil, goerr.Wrap(ErrInvalidInput, "curator is required unless memory is frozen")
	case input.Synthesizer == nil && input.Strategy == model.StrategyRetrievalSynthesis:
		return nil, goerr.Wrap(ErrInvalidInput, "retrieval synthesis requires a synthesizer")
	case input.Checkpoint == nil:
		return nil, goerr.Wrap(ErrInvalidInput, "checkpoint store is required")
	}

	uc := &UseCase{
		input:    input,
		interval: 1,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc, nil
}

func (uc *UseCase) fingerprint() model.Fingerprint {
	return model.Fingerprint{
		Dataset:      uc.input.Dataset,
		Model:        uc.input.ModelName,
		Strategy:     uc.input.Strategy,
		Frozen:       uc.input.Frozen,
		ExampleCount:  len(uc.input.Examples),
		ExampleDigest: model.DigestExamples(uc.input.Examples),
	}
}

func (uc *UseCase) setState(ctx context.Context, s State) {
	logging.From(ctx).Debug("state changed", "state", s)
	if uc.onState != nil {
		uc.onState(s)
	}
}

// progress is the mutable run state owned by Run
type progress struct {
	runID   model.RunID
	results []model.TrialResult
	memory  model.MemorySnapshot
}

// Run executes every remaining trial in dataset order. Per-trial failures are
// recorded in the results; only setup and checkpoint I/O errors are returned.
// When ctx is cancelled the completed trials are checkpointed and
// ErrInterrupted is returned.
func (uc *UseCase) Run(ctx context.Context) (*model.RunResult, error) {
	logger := logging.From(ctx)
	examples := uc.input.Examples

	uc.setState(ctx, StateInit)
	p := &progress{
		runID:  model.NewRunID(),
		memory: uc.input.Memory,
	}

	uc.setState(ctx, StateLoadingCheckpoint)
	if err := uc.restore(ctx, p); err != nil {
		return nil, err
	}

	uc.setState(ctx, StateRunning)
	sinceCheckpoint := 0
	for i := len(p.results); i < len(examples); i++ {
		if ctx.Err() != nil {
			return nil, uc.interrupt(ctx, p)
		}

		result, next := uc.runTrial(ctx, i, examples[i], p.memory)
		if ctx.Err() != nil {
			// calls of this trial were cut short; it is rerun on resume
			return nil, uc.interrupt(ctx, p)
		}

		p.results = append(p.results, result)
		p.memory = next

		logger.Info("trial completed",
			"index", i,
			"total", len(examples),
			"example_id", result.ExampleID,
			"score", result.Score,
			"correct", result.Correct,
			"memory_version", result.MemoryVersionAfter,
		)
		if result.Error != "" {
			uc.setState(ctx, StateFailedTrial)
			logger.Warn("trial failed", "index", i, "error", result.Error)
			uc.setState(ctx, StateRunning)
		}

		sinceCheckpoint++
		if uc.interval > 0 && sinceCheckpoint >= uc.interval && i < len(examples)-1 {
			if err := uc.checkpoint(ctx, p); err != nil {
				return nil, err
			}
			sinceCheckpoint = 0
		}
	}

	return uc.finish(ctx, p)
}

func (uc *UseCase) restore(ctx context.Context, p *progress) error {
	cp, err := uc.input.Checkpoint.Load()
	if err != nil {
		return goerr.Wrap(err, "failed to load checkpoint")
	}
	if cp == nil {
		return nil
	}

	if cp.Fingerprint != uc.fingerprint() {
		return goerr.Wrap(ErrFingerprintMismatch, "refusing to resume",
			goerr.V("checkpoint", cp.Fingerprint),
			goerr.V("run", uc.fingerprint()),
		)
	}
	if cp.Memory.Strategy != uc.input.Strategy {
		return goerr.Wrap(ErrFingerprintMismatch, "checkpoint memory has a different strategy",
			goerr.V("memory", cp.Memory.Strategy))
	}

	for i, r := range cp.Results {
		if r.Index != i || r.ExampleID != uc.input.Examples[i].ID {
			return goerr.Wrap(ErrFingerprintMismatch, "checkpoint results do not follow the example order",
				goerr.V("index", i),
				goerr.V("result_index", r.Index),
				goerr.V("result_example", r.ExampleID),
				goerr.V("example", uc.input.Examples[i].ID))
		}
	}

	p.runID = cp.RunID
	p.results = cp.Results
	p.memory = cp.Memory

	logging.From(ctx).Info("resuming from checkpoint",
		"run_id", cp.RunID,
		"completed", cp.CompletedCount,
		"memory_version", cp.Memory.Version,
		"checkpoint_time", cp.Timestamp,
	)
	return nil
}

func (uc *UseCase) checkpoint(ctx context.Context, p *progress) error {
	uc.setState(ctx, StateCheckpointing)

	cp := &model.Checkpoint{
		RunID:          p.runID,
		Fingerprint:    uc.fingerprint(),
		CompletedCount: len(p.results),
		Results:        p.results,
		Memory:         p.memory,
		Timestamp:      uc.clock(),
	}
	if err := uc.input.Checkpoint.Save(cp); err != nil {
		return goerr.Wrap(errors.Join(ErrCheckpointIO, err), "failed to write checkpoint", goerr.V("completed", cp.CompletedCount))
	}
	logging.From(ctx).Debug("checkpoint written", "completed", cp.CompletedCount, "memory_version", p.memory.Version)

	uc.setState(ctx, StateRunning)
	return nil
}

func (uc *UseCase) interrupt(ctx context.Context, p *progress) error {
	logging.From(ctx).Warn("interrupted, writing checkpoint", "completed", len(p.results))
	if err := uc.checkpoint(context.WithoutCancel(ctx), p); err != nil {
		return err
	}
	return goerr.Wrap(ErrInterrupted, "run stopped before completion",
		goerr.V("completed", len(p.results)),
		goerr.V("total", len(uc.input.Examples)),
	)
}

func (uc *UseCase) finish(ctx context.Context, p *progress) (*model.RunResult, error) {
	logger := logging.From(ctx)

	result := &model.RunResult{
		Metadata: model.RunMetadata{
			RunID:     p.runID,
			Model:     uc.input.ModelName,
			Strategy:  uc.input.Strategy,
			Dataset:   uc.input.Dataset,
			Frozen:    uc.input.Frozen,
			Timestamp: uc.clock(),
		},
		Summary:     model.Summarize(p.results),
		Predictions: p.results,
		FinalMemory: p.memory,
	}

	if uc.input.ResultPath != "" {
		if err := repository.WriteResult(uc.input.ResultPath, result); err != nil {
			return nil, goerr.Wrap(err, "failed to write result", goerr.V("path", uc.input.ResultPath))
		}
		logger.Info("result written", "path", uc.input.ResultPath)
	}

	if err := uc.input.Checkpoint.Delete(); err != nil {
		logger.Warn("failed to delete checkpoint", "error", err)
	}

	for _, exp := range uc.exporters {
		if err := exp.Export(ctx, result); err != nil {
			logger.Error("failed to export result", "sink", exp.Name(), "error", err)
			continue
		}
		logger.Info("result exported", "sink", exp.Name())
	}

	uc.setState(ctx, StateDone)
	logger.Info("run completed",
		"total", result.Summary.Total,
		"correct", result.Summary.Correct,
		"accuracy", result.Summary.Accuracy,
		"errors", result.Summary.ErrorCount,
	)
	return result, nil
}
