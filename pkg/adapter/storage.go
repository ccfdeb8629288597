package adapter

import (
	"context"
	"encoding/json"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memeval/pkg/model"
)

// Storage mirrors finished run results into a Cloud Storage bucket
type Storage struct {
	bucketName string
	prefix     string
	client     *storage.Client
}

// NewStorage creates a new Cloud Storage client. Objects are written under
// prefix, which may be empty.
func NewStorage(ctx context.Context, bucketName, prefix string) (*Storage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client")
	}

	return &Storage{
		bucketName: bucketName,
		prefix:     prefix,
		client:     client,
	}, nil
}

func (s *Storage) Name() string { return "gcs" }

// Put returns a writer for an object. The object is committed on Close.
func (s *Storage) Put(ctx context.Context, key string) io.WriteCloser {
	w := s.client.Bucket(s.bucketName).Object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	return w
}

// ObjectKey returns the object name a result is stored under
func (s *Storage) ObjectKey(result *model.RunResult) string {
	return path.Join(s.prefix, result.Metadata.Dataset, string(result.Metadata.RunID)+".json")
}

// Export uploads the result file as JSON
func (s *Storage) Export(ctx context.Context, result *model.RunResult) error {
	key := s.ObjectKey(result)
	w := s.Put(ctx, key)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		_ = w.Close()
		return goerr.Wrap(err, "failed to write result object", goerr.V("bucket", s.bucketName), goerr.V("key", key))
	}
	if err := w.Close(); err != nil {
		return goerr.Wrap(err, "failed to commit result object", goerr.V("bucket", s.bucketName), goerr.V("key", key))
	}

	return nil
}

func (s *Storage) Close() error {
	return s.client.Close()
}
