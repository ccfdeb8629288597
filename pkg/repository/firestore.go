package repository

import (
	"context"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memeval/pkg/interfaces"
	"github.com/m-mizutani/memeval/pkg/model"
	"google.golang.org/api/iterator"
)

const distanceField = "vector_distance"

// firestoreChunk is the document layout of a chunk collection
type firestoreChunk struct {
	DocID     string             `firestore:"doc_id"`
	Text      string             `firestore:"text"`
	Locator   string             `firestore:"locator"`
	Embedding firestore.Vector32 `firestore:"embedding"`
}

// Firestore is a Retriever backed by a Firestore vector index on the
// "embedding" field of a chunk collection
type Firestore struct {
	client     *firestore.Client
	collection string
	embedder   interfaces.Embedder
}

func NewFirestore(ctx context.Context, projectID, databaseID, collection string, embedder interfaces.Embedder) (*Firestore, error) {
	if databaseID == "" {
		databaseID = firestore.DefaultDatabaseID
	}

	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project", projectID), goerr.V("database", databaseID))
	}

	return &Firestore{client: client, collection: collection, embedder: embedder}, nil
}

func (f *Firestore) Retrieve(ctx context.Context, query, scope string, topK int) ([]model.ContextPassage, error) {
	qv, err := f.embedder.Embed(ctx, query)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed query")
	}

	q := f.client.Collection(f.collection).Query
	if scope != "" {
		q = q.Where("doc_id", "==", scope)
	}

	vq := q.FindNearest("embedding", firestore.Vector32(qv), topK, firestore.DistanceMeasureCosine,
		&firestore.FindNearestOptions{DistanceResultField: distanceField})

	iter := vq.Documents(ctx)
	defer iter.Stop()

	var passages []model.ContextPassage
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate nearest chunks", goerr.V("collection", f.collection))
		}

		var c firestoreChunk
		if err := doc.DataTo(&c); err != nil {
			return nil, goerr.Wrap(err, "failed to decode chunk", goerr.V("id", doc.Ref.ID))
		}

		distance, _ := doc.Data()[distanceField].(float64)
		passages = append(passages, model.ContextPassage{
			Text:           c.Text,
			SourceLocator:  c.Locator,
			RelevanceScore: 1 - distance,
		})
	}

	return passages, nil
}

func (f *Firestore) Close() error {
	return f.client.Close()
}
