package curate

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memeval/pkg/interfaces"
	"github.com/m-mizutani/memeval/pkg/model"
)

// RetrievalSynthesis appends each trial to the memory's trial log. The
// per-question snippet is built at answer time from that log.
type RetrievalSynthesis struct {
	embedder interfaces.Embedder
}

func NewRetrievalSynthesis(embedder interfaces.Embedder) *RetrievalSynthesis {
	return &RetrievalSynthesis{embedder: embedder}
}

func (r *RetrievalSynthesis) Curate(ctx context.Context, mem model.MemorySnapshot, trial Trial) (model.MemorySnapshot, error) {
	embedding := trial.Embedding
	if embedding == nil {
		v, err := r.embedder.Embed(ctx, trial.Question)
		if err != nil {
			return mem.Bump(), goerr.Wrap(err, "failed to embed trial question")
		}
		embedding = v
	}

	return mem.Append(model.TrialLogEntry{
		Question:  trial.Question,
		Answer:    trial.Answer,
		Embedding: embedding,
	}), nil
}
