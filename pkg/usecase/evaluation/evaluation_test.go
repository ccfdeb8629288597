package evaluation_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memeval/pkg/interfaces"
	"github.com/m-mizutani/memeval/pkg/model"
	"github.com/m-mizutani/memeval/pkg/repository"
	"github.com/m-mizutani/memeval/pkg/score"
	"github.com/m-mizutani/memeval/pkg/usecase/answer"
	"github.com/m-mizutani/memeval/pkg/usecase/assemble"
	"github.com/m-mizutani/memeval/pkg/usecase/curate"
	"github.com/m-mizutani/memeval/pkg/usecase/evaluation"
)

var fixedTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func sampleExamples() []model.Example {
	return []model.Example{
		{ID: "ex-0", Question: "What was revenue?", DocumentScope: "report.pdf", GoldAnswer: "42", AnswerType: model.AnswerTypeInt},
		{ID: "ex-1", Question: "Which scope is reported?", DocumentScope: "esg.pdf", GoldAnswer: "Scope 1", AnswerType: model.AnswerTypeStr},
		{ID: "ex-2", Question: "Who is the CEO of Mars?", DocumentScope: "report.pdf", GoldAnswer: model.NotAnswerable, AnswerType: model.AnswerTypeNull},
	}
}

func correctAnswers() map[string]string {
	return map[string]string{
		"What was revenue?":        "42",
		"Which scope is reported?": "Scope 1",
		"Who is the CEO of Mars?":  model.NotAnswerable,
	}
}

// mockLLM answers by prompt kind. answers maps a question to the extracted
// answer; a missing question yields "wrong".
type mockLLM struct {
	answers map[string]string
	fail    func(prompt string) error
	prompts []string
}

func (m *mockLLM) ModelName() string { return "mock-model" }

func (m *mockLLM) Complete(ctx context.Context, prompt string, opts interfaces.GenerateOptions) (string, error) {
	m.prompts = append(m.prompts, prompt)
	if m.fail != nil {
		if err := m.fail(prompt); err != nil {
			return "", err
		}
	}

	switch {
	case strings.HasPrefix(prompt, "Extract the final answer"):
		for q, a := range m.answers {
			if strings.Contains(prompt, "## Question\n\n"+q+"\n") {
				return `{"answer": "` + a + `"}`, nil
			}
		}
		return `{"answer": "wrong"}`, nil

	case strings.HasPrefix(prompt, "You maintain a cheatsheet"):
		current := between(prompt, "## Current cheatsheet\n\n", "\n\n## Latest question")
		if current == "(empty)" {
			current = ""
		}
		q := between(prompt, "## Latest question\n\n", "\n\n## Answer given")
		return "<memory>" + strings.TrimSpace(current+"\n- note: "+q) + "</memory>", nil

	case strings.HasPrefix(prompt, "You maintain a memory of past"):
		return "synthesized note", nil

	default:
		return "The passages were read.\nAnswer: see above", nil
	}
}

func (m *mockLLM) reasoningPrompts() []string {
	var out []string
	for _, p := range m.prompts {
		if strings.HasPrefix(p, "You answer questions") {
			out = append(out, p)
		}
	}
	return out
}

func between(s, start, end string) string {
	i := strings.Index(s, start)
	if i < 0 {
		return ""
	}
	rest := s[i+len(start):]
	j := strings.Index(rest, end)
	if j < 0 {
		return rest
	}
	return rest[:j]
}

type mockRetriever struct {
	retrieve func(ctx context.Context, query, scope string, topK int) ([]model.ContextPassage, error)
}

func (m *mockRetriever) Retrieve(ctx context.Context, query, scope string, topK int) ([]model.ContextPassage, error) {
	if m.retrieve != nil {
		return m.retrieve(ctx, query, scope, topK)
	}
	return []model.ContextPassage{{Text: "content of " + scope, SourceLocator: scope + "#p1", RelevanceScore: 0.8}}, nil
}

type mockEmbedder struct{}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, nil
}

type mockStore struct {
	load   func() (*model.Checkpoint, error)
	save   func(cp *model.Checkpoint) error
	delete func() error
}

func (m *mockStore) Load() (*model.Checkpoint, error) {
	if m.load != nil {
		return m.load()
	}
	return nil, nil
}

func (m *mockStore) Save(cp *model.Checkpoint) error {
	if m.save != nil {
		return m.save(cp)
	}
	return nil
}

func (m *mockStore) Delete() error {
	if m.delete != nil {
		return m.delete()
	}
	return nil
}

type mockExporter struct {
	name   string
	export func(ctx context.Context, result *model.RunResult) error
}

func (m *mockExporter) Name() string { return m.name }
func (m *mockExporter) Export(ctx context.Context, result *model.RunResult) error {
	return m.export(ctx, result)
}

type setup struct {
	llm       *mockLLM
	retriever *mockRetriever
	strategy  model.Strategy
	memory    model.MemorySnapshot
	frozen    bool
	store     evaluation.CheckpointStore
	result    string
}

func newUseCase(t *testing.T, s setup, opts ...evaluation.Option) *evaluation.UseCase {
	t.Helper()
	if s.strategy == "" {
		s.strategy = model.StrategyCumulative
	}
	if s.retriever == nil {
		s.retriever = &mockRetriever{}
	}
	if s.store == nil {
		s.store = &mockStore{}
	}

	input := evaluation.Input{
		Dataset:    "sample",
		Examples:   sampleExamples(),
		Strategy:   s.strategy,
		ModelName:  s.llm.ModelName(),
		Memory:     s.memory,
		Frozen:     s.frozen,
		Assembler:  assemble.New(s.retriever),
		Answerer:   answer.New(s.llm),
		Grader:     score.New(),
		Checkpoint: s.store,
		ResultPath: s.result,
	}
	if s.strategy == model.StrategyRetrievalSynthesis {
		input.Synthesizer = assemble.NewSynthesizer(s.llm, &mockEmbedder{})
	}
	if !s.frozen {
		c, err := curate.New(s.strategy, s.llm, &mockEmbedder{}, model.DefaultProfile())
		gt.NoError(t, err)
		input.Curator = c
	}

	opts = append([]evaluation.Option{evaluation.WithClock(func() time.Time { return fixedTime })}, opts...)
	uc, err := evaluation.New(input, opts...)
	gt.NoError(t, err)
	return uc
}

func TestRunAllCorrect(t *testing.T) {
	llm := &mockLLM{answers: correctAnswers()}
	result, err := newUseCase(t, setup{llm: llm}).Run(context.Background())
	gt.NoError(t, err)

	gt.Equal(t, result.Summary.Total, 3)
	gt.Equal(t, result.Summary.Correct, 3)
	gt.Equal(t, result.Summary.Accuracy, 1.0)
	gt.Equal(t, result.FinalMemory.Version, 3)
	gt.Equal(t, result.Metadata.Model, "mock-model")
	gt.Equal(t, result.Metadata.Dataset, "sample")
	gt.S(t, result.FinalMemory.Content).Contains("- note: Who is the CEO of Mars?")
}

func TestRunAllWrong(t *testing.T) {
	llm := &mockLLM{answers: map[string]string{}}
	result, err := newUseCase(t, setup{llm: llm}).Run(context.Background())
	gt.NoError(t, err)

	gt.Equal(t, result.Summary.Total, 3)
	gt.Equal(t, result.Summary.Correct, 0)
	gt.Equal(t, result.Summary.Accuracy, 0.0)
	gt.False(t, result.Predictions[2].Correct)
	gt.Equal(t, result.Predictions[2].PredictedAnswer, "wrong")
}

func TestRunVersionMonotonicOnline(t *testing.T) {
	llm := &mockLLM{answers: correctAnswers()}
	result, err := newUseCase(t, setup{llm: llm}).Run(context.Background())
	gt.NoError(t, err)

	for i, r := range result.Predictions {
		gt.Equal(t, r.Index, i)
		gt.Equal(t, r.MemoryVersionBefore, i)
		gt.Equal(t, r.MemoryVersionAfter, i+1)
	}

	// no trial observes memory from a later trial
	reasoning := llm.reasoningPrompts()
	gt.A(t, reasoning).Length(3)
	gt.S(t, reasoning[0]).NotContains("- note:")
	gt.S(t, reasoning[1]).Contains("- note: What was revenue?")
	gt.S(t, reasoning[1]).NotContains("- note: Which scope is reported?")
}

func TestRunVersionConstantWhenFrozen(t *testing.T) {
	llm := &mockLLM{answers: correctAnswers()}
	frozen := model.MemorySnapshot{Content: "frozen notes", Version: 5, Strategy: model.StrategyCumulative}

	result, err := newUseCase(t, setup{llm: llm, memory: frozen, frozen: true}).Run(context.Background())
	gt.NoError(t, err)

	for _, r := range result.Predictions {
		gt.Equal(t, r.MemoryVersionBefore, 5)
		gt.Equal(t, r.MemoryVersionAfter, 5)
		gt.Equal(t, r.MemoryBefore, "frozen notes")
	}
	gt.Equal(t, result.FinalMemory, frozen)
	gt.True(t, result.Metadata.Frozen)

	for _, p := range llm.prompts {
		gt.False(t, strings.HasPrefix(p, "You maintain a cheatsheet"))
	}
	gt.S(t, llm.reasoningPrompts()[0]).Contains("frozen notes")
}

func TestRunResumeIsIdempotent(t *testing.T) {
	strategies := []model.Strategy{model.StrategyCumulative, model.StrategyRetrievalSynthesis}
	for _, strategy := range strategies {
		t.Run(string(strategy), func(t *testing.T) {
			testResumeIsIdempotent(t, strategy)
		})
	}
}

func testResumeIsIdempotent(t *testing.T, strategy model.Strategy) {
	for k := 1; k < 3; k++ {
		dir := t.TempDir()

		straight, err := newUseCase(t, setup{
			llm:      &mockLLM{answers: correctAnswers()},
			strategy: strategy,
			store:    repository.NewCheckpointFile(filepath.Join(dir, "straight.ckpt.json")),
		}).Run(context.Background())
		gt.NoError(t, err)

		cpPath := filepath.Join(dir, "resumed.ckpt.json")
		store := repository.NewCheckpointFile(cpPath)

		ctx, cancel := context.WithCancel(context.Background())
		interrupting := &mockRetriever{
			retrieve: func(c context.Context, query, scope string, topK int) ([]model.ContextPassage, error) {
				if query == sampleExamples()[k].Question {
					cancel()
					return nil, c.Err()
				}
				return (&mockRetriever{}).Retrieve(c, query, scope, topK)
			},
		}
		_, err = newUseCase(t, setup{
			llm:       &mockLLM{answers: correctAnswers()},
			strategy:  strategy,
			retriever: interrupting,
			store:     store,
		}).Run(ctx)
		gt.True(t, errors.Is(err, evaluation.ErrInterrupted))

		cp, err := store.Load()
		gt.NoError(t, err)
		gt.NotNil(t, cp)
		gt.Equal(t, cp.CompletedCount, k)
		gt.Equal(t, cp.Memory.Version, k)
		if strategy == model.StrategyRetrievalSynthesis {
			gt.A(t, cp.Memory.TrialLog).Length(k)
			gt.Equal(t, cp.Memory.TrialLog[0].Embedding, []float32{float32(len(sampleExamples()[0].Question)), 1})
		}

		resumed, err := newUseCase(t, setup{
			llm:      &mockLLM{answers: correctAnswers()},
			strategy: strategy,
			store:    store,
		}).Run(context.Background())
		gt.NoError(t, err)

		want, err := json.Marshal(straight.Predictions)
		gt.NoError(t, err)
		got, err := json.Marshal(resumed.Predictions)
		gt.NoError(t, err)
		gt.Equal(t, string(got), string(want))
		gt.Equal(t, resumed.FinalMemory, straight.FinalMemory)
		gt.Equal(t, resumed.Metadata.RunID, cp.RunID)

		_, err = os.Stat(cpPath)
		gt.True(t, os.IsNotExist(err))
	}
}

func TestRunFailedTrialContinues(t *testing.T) {
	llm := &mockLLM{
		answers: correctAnswers(),
		fail: func(prompt string) error {
			if strings.HasPrefix(prompt, "You answer questions") && strings.Contains(prompt, "Which scope is reported?") {
				return errors.New("service unavailable")
			}
			return nil
		},
	}

	var states []evaluation.State
	uc := newUseCase(t, setup{llm: llm}, evaluation.WithStateHook(func(s evaluation.State) {
		states = append(states, s)
	}))
	result, err := uc.Run(context.Background())
	gt.NoError(t, err)

	failed := result.Predictions[1]
	gt.S(t, failed.Error).Contains("service unavailable")
	gt.Equal(t, failed.PredictedAnswer, model.FailToAnswer)
	gt.False(t, failed.Correct)
	gt.Equal(t, failed.MemoryVersionAfter, 2)
	gt.Equal(t, failed.MemoryAfter, failed.MemoryBefore)

	gt.Equal(t, result.Summary.ErrorCount, 1)
	gt.Equal(t, result.Summary.Correct, 2)
	gt.Equal(t, result.FinalMemory.Version, 3)

	gt.Equal(t, states[0], evaluation.StateInit)
	gt.Equal(t, states[1], evaluation.StateLoadingCheckpoint)
	gt.Equal(t, states[len(states)-1], evaluation.StateDone)
	found := false
	for _, s := range states {
		if s == evaluation.StateFailedTrial {
			found = true
		}
	}
	gt.True(t, found)
}

func TestRunCuratorFailure(t *testing.T) {
	llm := &mockLLM{
		answers: correctAnswers(),
		fail: func(prompt string) error {
			if strings.HasPrefix(prompt, "You maintain a cheatsheet") && strings.Contains(prompt, "## Latest question\n\nWhich scope is reported?") {
				return errors.New("curator down")
			}
			return nil
		},
	}

	result, err := newUseCase(t, setup{llm: llm}).Run(context.Background())
	gt.NoError(t, err)

	r := result.Predictions[1]
	gt.S(t, r.CurationError).Contains("curator down")
	gt.True(t, r.Correct)
	gt.Equal(t, r.Error, "")
	gt.Equal(t, r.MemoryVersionAfter, 2)
	gt.Equal(t, r.MemoryAfter, r.MemoryBefore)
	gt.Equal(t, result.FinalMemory.Version, 3)
}

func TestRunCheckpointWriteFailureIsFatal(t *testing.T) {
	store := &mockStore{
		save: func(cp *model.Checkpoint) error { return errors.New("disk full") },
	}
	_, err := newUseCase(t, setup{llm: &mockLLM{answers: correctAnswers()}, store: store}).Run(context.Background())
	gt.True(t, errors.Is(err, evaluation.ErrCheckpointIO))
}

func TestRunCheckpointInterval(t *testing.T) {
	var saved []int
	store := &mockStore{
		save: func(cp *model.Checkpoint) error {
			saved = append(saved, cp.CompletedCount)
			return nil
		},
	}

	_, err := newUseCase(t, setup{llm: &mockLLM{answers: correctAnswers()}, store: store}, evaluation.WithCheckpointInterval(2)).Run(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, saved, []int{2})

	saved = nil
	_, err = newUseCase(t, setup{llm: &mockLLM{answers: correctAnswers()}, store: store}).Run(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, saved, []int{1, 2})
}

func TestRunRejectsForeignCheckpoint(t *testing.T) {
	store := &mockStore{
		load: func() (*model.Checkpoint, error) {
			return &model.Checkpoint{
				Fingerprint: model.Fingerprint{
					Dataset:      "sample",
					Model:        "another-model",
					Strategy:     model.StrategyCumulative,
					ExampleCount: 3,
				},
				Memory: model.NewMemory(model.StrategyCumulative),
			}, nil
		},
	}

	_, err := newUseCase(t, setup{llm: &mockLLM{answers: correctAnswers()}, store: store}).Run(context.Background())
	gt.True(t, errors.Is(err, evaluation.ErrFingerprintMismatch))
}

func TestRunRejectsCheckpointOfOtherExamples(t *testing.T) {
	examples := sampleExamples()
	fingerprint := model.Fingerprint{
		Dataset:       "sample",
		Model:         "mock-model",
		Strategy:      model.StrategyCumulative,
		ExampleCount:  3,
		ExampleDigest: model.DigestExamples(examples),
	}
	foreign := []model.TrialResult{
		{Index: 0, ExampleID: "other-0"},
		{Index: 1, ExampleID: "other-1"},
	}

	t.Run("same count, different examples", func(t *testing.T) {
		other := sampleExamples()
		other[0].ID, other[1].ID = "other-0", "other-1"
		fp := fingerprint
		fp.ExampleDigest = model.DigestExamples(other)

		store := &mockStore{load: func() (*model.Checkpoint, error) {
			return &model.Checkpoint{
				Fingerprint:    fp,
				CompletedCount: 2,
				Results:        foreign,
				Memory:         model.NewMemory(model.StrategyCumulative).Bump().Bump(),
			}, nil
		}}
		_, err := newUseCase(t, setup{llm: &mockLLM{answers: correctAnswers()}, store: store}).Run(context.Background())
		gt.True(t, errors.Is(err, evaluation.ErrFingerprintMismatch))
	})

	t.Run("matching fingerprint, foreign results", func(t *testing.T) {
		store := &mockStore{load: func() (*model.Checkpoint, error) {
			return &model.Checkpoint{
				Fingerprint:    fingerprint,
				CompletedCount: 2,
				Results:        foreign,
				Memory:         model.NewMemory(model.StrategyCumulative).Bump().Bump(),
			}, nil
		}}
		_, err := newUseCase(t, setup{llm: &mockLLM{answers: correctAnswers()}, store: store}).Run(context.Background())
		gt.True(t, errors.Is(err, evaluation.ErrFingerprintMismatch))
	})

	t.Run("digest depends on order", func(t *testing.T) {
		swapped := sampleExamples()
		swapped[0], swapped[1] = swapped[1], swapped[0]
		gt.True(t, model.DigestExamples(swapped) != model.DigestExamples(examples))
	})
}

func TestRunCorruptCheckpointIsSetupError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt.json")
	gt.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := newUseCase(t, setup{
		llm:   &mockLLM{answers: correctAnswers()},
		store: repository.NewCheckpointFile(path),
	}).Run(context.Background())
	gt.True(t, errors.Is(err, repository.ErrCorruptCheckpoint))
}

func TestRunWritesResultAndExports(t *testing.T) {
	dir := t.TempDir()
	resultPath := filepath.Join(dir, "out", "result.json")

	var exported *model.RunResult
	ok := &mockExporter{name: "ok", export: func(ctx context.Context, r *model.RunResult) error {
		exported = r
		return nil
	}}
	broken := &mockExporter{name: "broken", export: func(ctx context.Context, r *model.RunResult) error {
		return errors.New("sink unavailable")
	}}

	uc := newUseCase(t, setup{llm: &mockLLM{answers: correctAnswers()}, result: resultPath},
		evaluation.WithExporters(broken, ok))
	result, err := uc.Run(context.Background())
	gt.NoError(t, err)
	gt.NotNil(t, exported)
	gt.Equal(t, exported.Metadata.RunID, result.Metadata.RunID)

	written, err := repository.ReadResult(resultPath)
	gt.NoError(t, err)
	gt.Equal(t, written.Summary.Total, 3)
	gt.A(t, written.Predictions).Length(3)
	gt.Equal(t, written.FinalMemory.Version, 3)
	gt.True(t, written.Metadata.Timestamp.Equal(fixedTime))
}

func TestRunInterruptedBeforeStart(t *testing.T) {
	var saved *model.Checkpoint
	store := &mockStore{save: func(cp *model.Checkpoint) error {
		saved = cp
		return nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newUseCase(t, setup{llm: &mockLLM{answers: correctAnswers()}, store: store}).Run(ctx)
	gt.True(t, errors.Is(err, evaluation.ErrInterrupted))
	gt.NotNil(t, saved)
	gt.Equal(t, saved.CompletedCount, 0)
}

func TestRunRetrievalSynthesis(t *testing.T) {
	llm := &mockLLM{answers: correctAnswers()}
	result, err := newUseCase(t, setup{llm: llm, strategy: model.StrategyRetrievalSynthesis}).Run(context.Background())
	gt.NoError(t, err)

	gt.Equal(t, result.Summary.Correct, 3)
	gt.Equal(t, result.FinalMemory.Version, 3)
	gt.A(t, result.FinalMemory.TrialLog).Length(3)
	gt.Equal(t, result.FinalMemory.TrialLog[0].Question, "What was revenue?")
	gt.Equal(t, result.FinalMemory.TrialLog[0].Answer, "42")

	gt.Equal(t, result.Predictions[0].MemoryBefore, "")
	gt.Equal(t, result.Predictions[1].MemoryBefore, "synthesized note")
	gt.Equal(t, result.Predictions[1].MemoryAfter, "")

	reasoning := llm.reasoningPrompts()
	gt.S(t, reasoning[0]).NotContains("synthesized note")
	gt.S(t, reasoning[2]).Contains("synthesized note")
}

func TestNewValidatesInput(t *testing.T) {
	llm := &mockLLM{}
	base := evaluation.Input{
		Dataset:    "sample",
		Strategy:   model.StrategyCumulative,
		Assembler:  assemble.New(nil),
		Answerer:   answer.New(llm),
		Grader:     score.New(),
		Curator:    curate.NewCumulative(llm),
		Checkpoint: &mockStore{},
	}

	_, err := evaluation.New(base)
	gt.NoError(t, err)

	noCurator := base
	noCurator.Curator = nil
	_, err = evaluation.New(noCurator)
	gt.True(t, errors.Is(err, evaluation.ErrInvalidInput))

	noCurator.Frozen = true
	_, err = evaluation.New(noCurator)
	gt.NoError(t, err)

	mismatch := base
	mismatch.Memory = model.NewMemory(model.StrategyRetrievalSynthesis)
	_, err = evaluation.New(mismatch)
	gt.True(t, errors.Is(err, evaluation.ErrInvalidInput))

	noSynth := base
	noSynth.Strategy = model.StrategyRetrievalSynthesis
	_, err = evaluation.New(noSynth)
	gt.True(t, errors.Is(err, evaluation.ErrInvalidInput))

	badStrategy := base
	badStrategy.Strategy = "nope"
	_, err = evaluation.New(badStrategy)
	gt.True(t, errors.Is(err, model.ErrInvalidStrategy))
}
