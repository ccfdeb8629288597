package adapter

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memeval/pkg/model"
	"google.golang.org/api/googleapi"
)

const bigqueryInsertBatch = 500

// PredictionRow is one exported TrialResult
type PredictionRow struct {
	RunID               string    `bigquery:"run_id"`
	Dataset             string    `bigquery:"dataset"`
	Model               string    `bigquery:"model"`
	Strategy            string    `bigquery:"strategy"`
	Frozen              bool      `bigquery:"frozen"`
	Index               int       `bigquery:"trial_index"`
	ExampleID           string    `bigquery:"example_id"`
	AnswerType          string    `bigquery:"answer_type"`
	Question            string    `bigquery:"question"`
	GoldAnswer          string    `bigquery:"gold_answer"`
	PredictedAnswer     string    `bigquery:"predicted_answer"`
	Score               float64   `bigquery:"score"`
	Correct             bool      `bigquery:"correct"`
	MemoryVersionBefore int       `bigquery:"memory_version_before"`
	MemoryVersionAfter  int       `bigquery:"memory_version_after"`
	Error               string    `bigquery:"error"`
	CurationError       string    `bigquery:"curation_error"`
	RunTimestamp        time.Time `bigquery:"run_timestamp"`
}

// BigQuery streams prediction rows of finished runs into a table
type BigQuery struct {
	client    *bigquery.Client
	datasetID string
	tableID   string
}

// NewBigQuery creates a new BigQuery client
func NewBigQuery(ctx context.Context, projectID, datasetID, tableID string) (*BigQuery, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create BigQuery client")
	}

	return &BigQuery{
		client:    client,
		datasetID: datasetID,
		tableID:   tableID,
	}, nil
}

func (bq *BigQuery) Name() string { return "bigquery" }

// NewPredictionRows flattens a run result into table rows
func NewPredictionRows(result *model.RunResult) []*PredictionRow {
	meta := result.Metadata
	rows := make([]*PredictionRow, 0, len(result.Predictions))
	for _, p := range result.Predictions {
		rows = append(rows, &PredictionRow{
			RunID:               string(meta.RunID),
			Dataset:             meta.Dataset,
			Model:               meta.Model,
			Strategy:            string(meta.Strategy),
			Frozen:              meta.Frozen,
			Index:               p.Index,
			ExampleID:           string(p.ExampleID),
			AnswerType:          string(p.AnswerType),
			Question:            p.Question,
			GoldAnswer:          p.GoldAnswer,
			PredictedAnswer:     p.PredictedAnswer,
			Score:               p.Score,
			Correct:             p.Correct,
			MemoryVersionBefore: p.MemoryVersionBefore,
			MemoryVersionAfter:  p.MemoryVersionAfter,
			Error:               p.Error,
			CurationError:       p.CurationError,
			RunTimestamp:        meta.Timestamp,
		})
	}
	return rows
}

// Export inserts one row per prediction, creating the table on first use
func (bq *BigQuery) Export(ctx context.Context, result *model.RunResult) error {
	table := bq.client.Dataset(bq.datasetID).Table(bq.tableID)
	if err := bq.ensureTable(ctx, table); err != nil {
		return err
	}

	rows := NewPredictionRows(result)
	inserter := table.Inserter()
	for start := 0; start < len(rows); start += bigqueryInsertBatch {
		end := min(start+bigqueryInsertBatch, len(rows))
		if err := inserter.Put(ctx, rows[start:end]); err != nil {
			return goerr.Wrap(err, "failed to insert prediction rows",
				goerr.V("table", bq.tableID),
				goerr.V("offset", start))
		}
	}

	return nil
}

func (bq *BigQuery) ensureTable(ctx context.Context, table *bigquery.Table) error {
	_, err := table.Metadata(ctx)
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusNotFound {
		return goerr.Wrap(err, "failed to get table metadata", goerr.V("dataset", bq.datasetID), goerr.V("table", bq.tableID))
	}

	schema, err := bigquery.InferSchema(PredictionRow{})
	if err != nil {
		return goerr.Wrap(err, "failed to infer prediction schema")
	}

	meta := &bigquery.TableMetadata{
		Schema: schema,
		TimePartitioning: &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: "run_timestamp",
		},
	}
	if err := table.Create(ctx, meta); err != nil {
		return goerr.Wrap(err, "failed to create prediction table", goerr.V("dataset", bq.datasetID), goerr.V("table", bq.tableID))
	}

	return nil
}

func (bq *BigQuery) Close() error {
	return bq.client.Close()
}
