package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memeval/pkg/dataset"
	"github.com/m-mizutani/memeval/pkg/interfaces"
	"github.com/m-mizutani/memeval/pkg/model"
	"github.com/m-mizutani/memeval/pkg/repository"
	"github.com/m-mizutani/memeval/pkg/retry"
	"github.com/m-mizutani/memeval/pkg/sandbox"
	"github.com/m-mizutani/memeval/pkg/score"
	"github.com/m-mizutani/memeval/pkg/usecase/answer"
	"github.com/m-mizutani/memeval/pkg/usecase/assemble"
	"github.com/m-mizutani/memeval/pkg/usecase/curate"
	"github.com/m-mizutani/memeval/pkg/usecase/evaluation"
	"github.com/m-mizutani/memeval/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// runOptions holds flags of the run command
type runOptions struct {
	datasetPath  string
	split        string
	maxQuestions int64
	policyDir    string

	strategy   string
	freeze     bool
	memoryFile string

	checkpointPath     string
	checkpointInterval int64
	fresh              bool
	outputPath         string

	profilePath   string
	codeExecution bool
	maxCodeRounds int64
	codeSandbox   string
	codeImage     string
	callTimeout   time.Duration
	maxAttempts   int64
	topK          int64
	memoryCap     int64
}

func runFlags(opts *runOptions) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "dataset",
			Aliases:     []string{"d"},
			Usage:       "Dataset file (JSON array or JSON Lines)",
			Sources:     cli.EnvVars("MEMEVAL_DATASET"),
			Destination: &opts.datasetPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "split",
			Usage:       "Example split (all, single, multi, unanswerable)",
			Value:       "all",
			Sources:     cli.EnvVars("MEMEVAL_SPLIT"),
			Destination: &opts.split,
		},
		&cli.IntFlag{
			Name:        "max-questions",
			Aliases:     []string{"n"},
			Usage:       "Evaluate at most N examples after filtering (0 for all)",
			Sources:     cli.EnvVars("MEMEVAL_MAX_QUESTIONS"),
			Destination: &opts.maxQuestions,
		},
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory of Rego policies filtering examples (data.dataset.allow)",
			Sources:     cli.EnvVars("MEMEVAL_POLICY_DIR"),
			Destination: &opts.policyDir,
		},
		&cli.StringFlag{
			Name:        "strategy",
			Aliases:     []string{"s"},
			Usage:       "Memory strategy (cumulative, retrieval_synthesis)",
			Value:       string(model.StrategyCumulative),
			Sources:     cli.EnvVars("MEMEVAL_STRATEGY"),
			Destination: &opts.strategy,
		},
		&cli.BoolFlag{
			Name:        "freeze",
			Usage:       "Evaluate against a fixed memory without mutating it",
			Sources:     cli.EnvVars("MEMEVAL_FREEZE"),
			Destination: &opts.freeze,
		},
		&cli.StringFlag{
			Name:        "memory-file",
			Usage:       "Initial memory: a previous result file or a plain text cheatsheet",
			Sources:     cli.EnvVars("MEMEVAL_MEMORY_FILE"),
			Destination: &opts.memoryFile,
		},
		&cli.StringFlag{
			Name:        "checkpoint",
			Usage:       "Checkpoint file path (default: <output>.checkpoint.json)",
			Sources:     cli.EnvVars("MEMEVAL_CHECKPOINT"),
			Destination: &opts.checkpointPath,
		},
		&cli.IntFlag{
			Name:        "checkpoint-interval",
			Usage:       "Write a checkpoint every N trials (0 only on interrupt)",
			Value:       5,
			Sources:     cli.EnvVars("MEMEVAL_CHECKPOINT_INTERVAL"),
			Destination: &opts.checkpointInterval,
		},
		&cli.BoolFlag{
			Name:        "fresh",
			Usage:       "Discard an existing checkpoint and start over",
			Sources:     cli.EnvVars("MEMEVAL_FRESH"),
			Destination: &opts.fresh,
		},
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "Result file path (default: results/<dataset>-<strategy>.json)",
			Sources:     cli.EnvVars("MEMEVAL_OUTPUT"),
			Destination: &opts.outputPath,
		},
		&cli.StringFlag{
			Name:        "profile",
			Usage:       "YAML run profile with tunables",
			Sources:     cli.EnvVars("MEMEVAL_PROFILE"),
			Destination: &opts.profilePath,
		},
		&cli.BoolFlag{
			Name:        "code-execution",
			Usage:       "Let the extraction stage run Python code in a sandbox",
			Sources:     cli.EnvVars("MEMEVAL_CODE_EXECUTION"),
			Destination: &opts.codeExecution,
		},
		&cli.IntFlag{
			Name:        "max-code-rounds",
			Usage:       "Maximum code execution rounds per answer",
			Sources:     cli.EnvVars("MEMEVAL_MAX_CODE_ROUNDS"),
			Destination: &opts.maxCodeRounds,
		},
		&cli.StringFlag{
			Name:        "code-sandbox",
			Usage:       "Where generated code runs (container, local)",
			Sources:     cli.EnvVars("MEMEVAL_CODE_SANDBOX"),
			Destination: &opts.codeSandbox,
		},
		&cli.StringFlag{
			Name:        "code-image",
			Usage:       "Container image of the code sandbox",
			Sources:     cli.EnvVars("MEMEVAL_CODE_IMAGE"),
			Destination: &opts.codeImage,
		},
		&cli.DurationFlag{
			Name:        "call-timeout",
			Usage:       "Timeout of each external call attempt",
			Sources:     cli.EnvVars("MEMEVAL_CALL_TIMEOUT"),
			Destination: &opts.callTimeout,
		},
		&cli.IntFlag{
			Name:        "max-attempts",
			Usage:       "Maximum attempts per external call",
			Sources:     cli.EnvVars("MEMEVAL_MAX_ATTEMPTS"),
			Destination: &opts.maxAttempts,
		},
		&cli.IntFlag{
			Name:        "top-k",
			Usage:       "Passages retrieved per question",
			Sources:     cli.EnvVars("MEMEVAL_TOP_K"),
			Destination: &opts.topK,
		},
		&cli.IntFlag{
			Name:        "memory-cap",
			Usage:       "Cheatsheet size cap in characters (0 disables)",
			Sources:     cli.EnvVars("MEMEVAL_MEMORY_CAP"),
			Destination: &opts.memoryCap,
		},
	}
}

// loadProfile reads the profile and applies flags that were set explicitly
func (opts *runOptions) loadProfile(c *cli.Command) (model.Profile, error) {
	p, err := model.LoadProfile(opts.profilePath)
	if err != nil {
		return p, err
	}

	if c.IsSet("code-execution") {
		p.Generation.CodeExecution = opts.codeExecution
	}
	if c.IsSet("max-code-rounds") {
		p.Generation.MaxCodeRounds = int(opts.maxCodeRounds)
	}
	if c.IsSet("code-sandbox") {
		p.Generation.CodeSandbox = model.CodeSandbox(opts.codeSandbox)
	}
	if c.IsSet("code-image") {
		p.Generation.CodeImage = opts.codeImage
	}
	if c.IsSet("call-timeout") {
		p.Retry.CallTimeout = opts.callTimeout
	}
	if c.IsSet("max-attempts") {
		p.Retry.MaxAttempts = int(opts.maxAttempts)
	}
	if c.IsSet("top-k") {
		p.Retrieval.TopK = int(opts.topK)
	}
	if c.IsSet("memory-cap") {
		p.Memory.CapChars = int(opts.memoryCap)
	}

	if err := p.Validate(); err != nil {
		return p, goerr.Wrap(err, "invalid flag override")
	}
	return p, nil
}

// loadExamples applies split, policy and limit in that order
func (opts *runOptions) loadExamples(ctx context.Context) (*dataset.Dataset, []model.Example, error) {
	split, err := dataset.ParseSplit(opts.split)
	if err != nil {
		return nil, nil, err
	}

	ds, err := dataset.Load(opts.datasetPath)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to load dataset")
	}
	examples := ds.Select(split)

	policy, err := dataset.LoadPolicy(ctx, opts.policyDir)
	if err != nil {
		return nil, nil, err
	}
	examples, err = policy.Filter(ctx, examples)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to apply dataset policy")
	}

	examples = dataset.Limit(examples, int(opts.maxQuestions))
	if len(examples) == 0 {
		return nil, nil, goerr.Wrap(dataset.ErrEmptyDataset, "no examples left after selection",
			goerr.V("split", split), goerr.V("policy_dir", opts.policyDir))
	}
	return ds, examples, nil
}

func runCommand() *cli.Command {
	var (
		cfg  config
		opts runOptions
	)

	flags := runFlags(&opts)
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, retrieverFlags(&cfg)...)
	flags = append(flags, sinkFlags(&cfg)...)

	return &cli.Command{
		Name:  "run",
		Usage: "Run an adaptive-memory evaluation over a dataset",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, closeLog, err := cfg.setupLogger(ctx)
			if err != nil {
				return err
			}
			defer closeLog()

			return execRun(ctx, c, &cfg, &opts)
		},
	}
}

func execRun(ctx context.Context, c *cli.Command, cfg *config, opts *runOptions) error {
	logger := logging.From(ctx)

	strategy := model.Strategy(opts.strategy)
	if err := strategy.Validate(); err != nil {
		return err
	}

	profile, err := opts.loadProfile(c)
	if err != nil {
		return err
	}

	ds, examples, err := opts.loadExamples(ctx)
	if err != nil {
		return err
	}
	logger.Info("dataset loaded", "name", ds.Name, "records", len(ds.Examples), "selected", len(examples))

	memory := model.NewMemory(strategy)
	if opts.memoryFile != "" {
		memory, err = repository.LoadMemory(opts.memoryFile, strategy)
		if err != nil {
			return goerr.Wrap(err, "failed to load memory file")
		}
		logger.Info("memory loaded", "path", opts.memoryFile, "version", memory.Version, "chars", len(memory.Content))
	}

	policy := retry.NewPolicy(profile.Retry)

	rawGenerator, err := cfg.newGenerator(ctx)
	if err != nil {
		return err
	}
	generator := retry.WrapGenerator(rawGenerator, policy)

	var embedder interfaces.Embedder
	if strategy == model.StrategyRetrievalSynthesis || cfg.needsEmbedder() {
		e, err := cfg.newEmbedder(ctx)
		if err != nil {
			return err
		}
		embedder = retry.WrapEmbedder(e, policy)
	}

	retriever, closeRetriever, err := cfg.newRetriever(ctx, embedder)
	if err != nil {
		return err
	}
	defer closeRetriever()
	if retriever != nil {
		retriever = retry.WrapRetriever(retriever, policy)
	}

	answerOpts := []answer.Option{
		answer.WithReasoningTemperature(profile.Generation.ReasoningTemperature),
		answer.WithExtractionTemperature(profile.Generation.ExtractionTemperature),
		answer.WithMaxTokens(profile.Generation.MaxTokens),
	}
	if profile.Generation.CodeExecution {
		runner := newCodeRunner(profile.Generation)
		logger.Info("code execution enabled", "sandbox", profile.Generation.CodeSandbox, "rounds", profile.Generation.MaxCodeRounds)
		answerOpts = append(answerOpts, answer.WithCodeExecution(runner, profile.Generation.MaxCodeRounds))
	}

	input := evaluation.Input{
		Dataset:   ds.Name,
		Examples:  examples,
		Strategy:  strategy,
		ModelName: generator.ModelName(),
		Memory:    memory,
		Frozen:    opts.freeze,
		Assembler: assemble.New(retriever,
			assemble.WithTopK(profile.Retrieval.TopK),
			assemble.WithMaxContextChars(profile.Retrieval.MaxContextChars),
		),
		Answerer: answer.New(generator, answerOpts...),
		Grader:   score.NewFromProfile(profile.Score),
	}

	if strategy == model.StrategyRetrievalSynthesis {
		input.Synthesizer = assemble.NewSynthesizer(generator, embedder,
			assemble.WithSynthesisTopK(profile.Memory.SynthesisTopK),
			assemble.WithSynthesisTemperature(profile.Generation.CuratorTemperature),
		)
	}
	if !opts.freeze {
		input.Curator, err = curate.New(strategy, generator, embedder, profile)
		if err != nil {
			return err
		}
	}

	input.ResultPath = opts.outputPath
	if input.ResultPath == "" {
		input.ResultPath = filepath.Join("results", fmt.Sprintf("%s-%s.json", ds.Name, strategy))
	}
	checkpointPath := opts.checkpointPath
	if checkpointPath == "" {
		checkpointPath = input.ResultPath + ".checkpoint.json"
	}
	store := repository.NewCheckpointFile(checkpointPath)
	if opts.fresh {
		if err := store.Delete(); err != nil {
			return err
		}
		logger.Info("existing checkpoint discarded", "path", checkpointPath)
	}
	input.Checkpoint = store

	exporters, closeExporters, err := cfg.newExporters(ctx)
	if err != nil {
		return err
	}
	defer closeExporters()

	uc, err := evaluation.New(input,
		evaluation.WithCheckpointInterval(int(opts.checkpointInterval)),
		evaluation.WithExporters(exporters...),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithAttrs(ctx, "dataset", ds.Name, "strategy", strategy)

	logger.Info("run started",
		"model", input.ModelName,
		"examples", len(examples),
		"frozen", opts.freeze,
		"checkpoint", checkpointPath,
		"output", input.ResultPath,
	)
	result, err := uc.Run(ctx)
	if err != nil {
		return err
	}

	printSummary(c.Root().Writer, result)
	return nil
}

// newCodeRunner builds the sandbox selected by the profile. The local
// runner has no filesystem or network isolation and must be chosen
// explicitly.
func newCodeRunner(p model.GenerationProfile) answer.CodeRunner {
	if p.CodeSandbox == model.CodeSandboxLocal {
		return sandbox.New(sandbox.WithTimeout(p.CodeTimeout))
	}
	return sandbox.NewContainer(
		sandbox.WithImage(p.CodeImage),
		sandbox.WithTimeout(p.CodeTimeout),
	)
}

func printSummary(w io.Writer, result *model.RunResult) {
	s := result.Summary
	fmt.Fprintf(w, "Run:       %s\n", result.Metadata.RunID)
	fmt.Fprintf(w, "Dataset:   %s\n", result.Metadata.Dataset)
	fmt.Fprintf(w, "Model:     %s\n", result.Metadata.Model)
	fmt.Fprintf(w, "Strategy:  %s (frozen: %t)\n", result.Metadata.Strategy, result.Metadata.Frozen)
	fmt.Fprintf(w, "Total:     %d\n", s.Total)
	fmt.Fprintf(w, "Correct:   %d\n", s.Correct)
	fmt.Fprintf(w, "Accuracy:  %.4f\n", s.Accuracy)
	fmt.Fprintf(w, "MeanScore: %.4f\n", s.MeanScore)
	fmt.Fprintf(w, "Errors:    %d\n", s.ErrorCount)

	for _, t := range model.AnswerTypes {
		ts, ok := s.ByType[t]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "  %-6s total=%d correct=%d accuracy=%.4f mean_score=%.4f\n",
			t, ts.Total, ts.Correct, ts.Accuracy, ts.MeanScore)
	}
}
