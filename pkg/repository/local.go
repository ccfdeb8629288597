package repository

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"sort"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memeval/pkg/interfaces"
	"github.com/m-mizutani/memeval/pkg/model"
	"github.com/m-mizutani/memeval/pkg/utils/vector"
)

// Chunk is one pre-embedded document chunk as stored in a local chunk file
type Chunk struct {
	DocID     string    `json:"doc_id"`
	Text      string    `json:"text"`
	Locator   string    `json:"locator"`
	Embedding []float32 `json:"embedding"`
}

// Local is a Retriever over a JSON Lines chunk file held in memory
type Local struct {
	chunks   []Chunk
	embedder interfaces.Embedder
}

// NewLocal loads every chunk of path. Each line is one Chunk.
func NewLocal(path string, embedder interfaces.Embedder) (*Local, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open chunk file", goerr.V("path", path))
	}
	defer f.Close()

	chunks, err := ReadChunks(f)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load chunk file", goerr.V("path", path))
	}
	return NewLocalFromChunks(chunks, embedder), nil
}

// ReadChunks decodes a JSON Lines chunk stream. Blank lines are skipped.
func ReadChunks(r io.Reader) ([]Chunk, error) {
	var chunks []Chunk
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var c Chunk
		if err := json.Unmarshal(scanner.Bytes(), &c); err != nil {
			return nil, goerr.Wrap(err, "failed to parse chunk", goerr.V("line", line))
		}
		chunks = append(chunks, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to read chunks")
	}
	return chunks, nil
}

// IndexChunks embeds every chunk of r that has no embedding yet and writes
// the chunk file consumed by NewLocal to w. It returns the number of chunks
// embedded.
func IndexChunks(ctx context.Context, r io.Reader, w io.Writer, embedder interfaces.Embedder) (int, error) {
	chunks, err := ReadChunks(r)
	if err != nil {
		return 0, err
	}

	embedded := 0
	enc := json.NewEncoder(w)
	for i, c := range chunks {
		if len(c.Embedding) == 0 {
			if c.Text == "" {
				return embedded, goerr.New("chunk has no text", goerr.V("index", i), goerr.V("doc_id", c.DocID))
			}
			v, err := embedder.Embed(ctx, c.Text)
			if err != nil {
				return embedded, goerr.Wrap(err, "failed to embed chunk", goerr.V("index", i), goerr.V("doc_id", c.DocID))
			}
			c.Embedding = v
			embedded++
		}
		if err := enc.Encode(c); err != nil {
			return embedded, goerr.Wrap(err, "failed to write chunk", goerr.V("index", i))
		}
	}
	return embedded, nil
}

func NewLocalFromChunks(chunks []Chunk, embedder interfaces.Embedder) *Local {
	return &Local{chunks: chunks, embedder: embedder}
}

func (l *Local) Retrieve(ctx context.Context, query, scope string, topK int) ([]model.ContextPassage, error) {
	qv, err := l.embedder.Embed(ctx, query)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed query")
	}

	passages := make([]model.ContextPassage, 0, len(l.chunks))
	for _, c := range l.chunks {
		if scope != "" && c.DocID != scope {
			continue
		}
		passages = append(passages, model.ContextPassage{
			Text:           c.Text,
			SourceLocator:  c.Locator,
			RelevanceScore: vector.Cosine(qv, c.Embedding),
		})
	}

	// Stable keeps file order among equal scores
	sort.SliceStable(passages, func(i, j int) bool {
		return passages[i].RelevanceScore > passages[j].RelevanceScore
	})

	if topK > 0 && len(passages) > topK {
		passages = passages[:topK]
	}
	return passages, nil
}
