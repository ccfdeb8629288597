package curate

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memeval/pkg/interfaces"
	"github.com/m-mizutani/memeval/pkg/model"
)

var ErrEmptyCuration = goerr.New("curation returned empty memory")

// Trial is the feedback of one completed trial handed to a curator
type Trial struct {
	Question  string
	Answer    string
	Reasoning string
	Context   string
	Score     float64
	Correct   bool

	// Embedding of Question when already computed during the trial
	Embedding []float32
}

// Curator produces the next memory version from a finished trial. The
// returned snapshot is always the successor of mem, also when err is not
// nil: a failed curation keeps the previous content and still advances the
// version.
type Curator interface {
	Curate(ctx context.Context, mem model.MemorySnapshot, trial Trial) (model.MemorySnapshot, error)
}

// New returns the curator for strategy
func New(strategy model.Strategy, llm interfaces.Generator, embedder interfaces.Embedder, p model.Profile) (Curator, error) {
	switch strategy {
	case model.StrategyCumulative:
		if llm == nil {
			return nil, goerr.New("cumulative curator requires a generator")
		}
		return NewCumulative(llm,
			WithCapChars(p.Memory.CapChars),
			WithCompressRatio(p.Memory.CompressRatio),
			WithTemperature(p.Generation.CuratorTemperature),
			// the whole cheatsheet is rewritten, so the response must fit the cap
			WithMaxTokens(max(p.Generation.MaxTokens, p.Memory.CapChars/3+512)),
		), nil

	case model.StrategyRetrievalSynthesis:
		if embedder == nil {
			return nil, goerr.New("retrieval synthesis curator requires an embedder")
		}
		return NewRetrievalSynthesis(embedder), nil

	default:
		return nil, goerr.Wrap(model.ErrInvalidStrategy, "no curator for strategy", goerr.V("strategy", strategy))
	}
}
