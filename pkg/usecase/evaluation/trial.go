package evaluation

import (
	"context"

	"github.com/m-mizutani/memeval/pkg/model"
	"github.com/m-mizutani/memeval/pkg/usecase/answer"
	"github.com/m-mizutani/memeval/pkg/usecase/curate"
	"github.com/m-mizutani/memeval/pkg/utils/logging"
)

// runTrial executes retrieve, generate, grade and curate for one example.
// It never fails: errors are recorded on the returned result, and the
// returned memory is the successor of mem (or mem itself when frozen).
func (uc *UseCase) runTrial(ctx context.Context, index int, ex model.Example, mem model.MemorySnapshot) (model.TrialResult, model.MemorySnapshot) {
	ctx = logging.WithAttrs(ctx, "trial", index, "example_id", ex.ID)

	result := model.TrialResult{
		Index:               index,
		ExampleID:           ex.ID,
		Question:            ex.Question,
		AnswerType:          ex.AnswerType,
		GoldAnswer:          ex.GoldAnswer,
		MemoryVersionBefore: mem.Version,
	}

	memoryText := mem.Content
	var embedding []float32
	if uc.input.Strategy == model.StrategyRetrievalSynthesis {
		synthesis := uc.input.Synthesizer.Synthesize(ctx, ex.Question, mem)
		memoryText = synthesis.Snippet
		embedding = synthesis.Embedding
		result.Warnings = append(result.Warnings, synthesis.Warnings...)
	}
	result.MemoryBefore = memoryText

	out, err := uc.generate(ctx, ex, memoryText, &result)
	if err != nil {
		logging.From(ctx).Warn("trial failed", "error", err)
		result.Error = err.Error()
		result.PredictedAnswer = model.FailToAnswer
		result.Score, result.Correct = 0, false
	} else {
		result.PredictedAnswer = out.AnswerText
		result.Reasoning = out.Reasoning
		result.Score, result.Correct = uc.input.Grader.Grade(out.Answer, ex.GoldAnswer, ex.AnswerType)
	}

	next := uc.nextMemory(ctx, mem, &result, embedding)
	result.MemoryVersionAfter = next.Version
	if next.Strategy == model.StrategyCumulative {
		result.MemoryAfter = next.Content
	}
	return result, next
}

func (uc *UseCase) generate(ctx context.Context, ex model.Example, memoryText string, result *model.TrialResult) (*answer.Result, error) {
	contextText, _, err := uc.input.Assembler.Assemble(ctx, ex.Question, ex.DocumentScope)
	if err != nil {
		return nil, err
	}
	result.Context = contextText

	return uc.input.Answerer.Generate(ctx, answer.Input{
		Question:   ex.Question,
		Context:    contextText,
		Memory:     memoryText,
		AnswerType: ex.AnswerType,
	})
}

// nextMemory returns the memory after the trial. Online runs advance the
// version by exactly one per trial, whatever happened during the trial.
func (uc *UseCase) nextMemory(ctx context.Context, mem model.MemorySnapshot, result *model.TrialResult, embedding []float32) model.MemorySnapshot {
	if uc.input.Frozen {
		return mem
	}
	if result.Error != "" {
		// nothing trustworthy to learn from a failed trial
		return mem.Bump()
	}

	next, err := uc.input.Curator.Curate(ctx, mem, curate.Trial{
		Question:  result.Question,
		Answer:    result.PredictedAnswer,
		Reasoning: result.Reasoning,
		Context:   result.Context,
		Score:     result.Score,
		Correct:   result.Correct,
		Embedding: embedding,
	})
	if err != nil {
		logging.From(ctx).Warn("curation failed, memory kept", "error", err)
		result.CurationError = err.Error()
	}

	if next.Version != mem.Version+1 {
		logging.From(ctx).Error("curator broke version sequence, bumping instead",
			"before", mem.Version, "after", next.Version)
		return mem.Bump()
	}
	return next
}
