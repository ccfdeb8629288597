package cli

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memeval/pkg/adapter"
	"github.com/m-mizutani/memeval/pkg/interfaces"
	"github.com/m-mizutani/memeval/pkg/repository"
	"github.com/m-mizutani/memeval/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// config holds configuration values
type config struct {
	// Logging
	logLevel  string
	logOutput string

	// LLM
	provider          string
	model             string
	embeddingProvider string
	embeddingModel    string
	embeddingDims     int64
	geminiProject     string
	geminiLocation    string
	geminiAPIKey      string
	anthropicAPIKey   string
	openaiAPIKey      string
	openaiBaseURL     string

	// Retriever
	retriever           string
	chunksPath          string
	firestoreProject    string
	firestoreDatabase   string
	firestoreCollection string
	databaseURL         string
	postgresTable       string

	// Sinks
	bucket          string
	bucketPrefix    string
	bigqueryProject string
	bigqueryDataset string
	bigqueryTable   string

	gemini *adapter.Gemini
}

// globalFlags returns logging flags shared by every command
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("MEMEVAL_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-output",
			Usage:       "Log output: stdout, stderr or a file path",
			Value:       "stderr",
			Sources:     cli.EnvVars("MEMEVAL_LOG_OUTPUT"),
			Destination: &cfg.logOutput,
		},
	}
}

// llmFlags returns flags for generation and embedding services
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "provider",
			Usage:       "Generation provider (gemini, claude, openai)",
			Value:       "gemini",
			Sources:     cli.EnvVars("MEMEVAL_PROVIDER"),
			Destination: &cfg.provider,
		},
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "Model identifier; empty uses the provider default",
			Sources:     cli.EnvVars("MEMEVAL_MODEL"),
			Destination: &cfg.model,
		},
		&cli.StringFlag{
			Name:        "embedding-provider",
			Usage:       "Embedding provider (gemini, openai); empty follows --provider when it can embed",
			Sources:     cli.EnvVars("MEMEVAL_EMBEDDING_PROVIDER"),
			Destination: &cfg.embeddingProvider,
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Usage:       "Embedding model identifier; empty uses the provider default",
			Sources:     cli.EnvVars("MEMEVAL_EMBEDDING_MODEL"),
			Destination: &cfg.embeddingModel,
		},
		&cli.IntFlag{
			Name:        "embedding-dimensions",
			Usage:       "Embedding output dimensionality (gemini only, 0 keeps the model default)",
			Sources:     cli.EnvVars("MEMEVAL_EMBEDDING_DIMENSIONS"),
			Destination: &cfg.embeddingDims,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini on Vertex AI",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID", "GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "gemini-api-key",
			Usage:       "Gemini API key; used instead of Vertex AI when set",
			Sources:     cli.EnvVars("GEMINI_API_KEY"),
			Destination: &cfg.geminiAPIKey,
		},
		&cli.StringFlag{
			Name:        "anthropic-api-key",
			Usage:       "Anthropic API key",
			Sources:     cli.EnvVars("ANTHROPIC_API_KEY"),
			Destination: &cfg.anthropicAPIKey,
		},
		&cli.StringFlag{
			Name:        "openai-api-key",
			Usage:       "OpenAI API key",
			Sources:     cli.EnvVars("OPENAI_API_KEY"),
			Destination: &cfg.openaiAPIKey,
		},
		&cli.StringFlag{
			Name:        "openai-base-url",
			Usage:       "Base URL of an OpenAI compatible server",
			Sources:     cli.EnvVars("OPENAI_BASE_URL"),
			Destination: &cfg.openaiBaseURL,
		},
	}
}

// retrieverFlags returns flags selecting the document retriever
func retrieverFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "retriever",
			Usage:       "Document retriever (none, local, firestore, postgres)",
			Value:       "local",
			Sources:     cli.EnvVars("MEMEVAL_RETRIEVER"),
			Destination: &cfg.retriever,
		},
		&cli.StringFlag{
			Name:        "chunks",
			Usage:       "JSONL file of embedded chunks for the local retriever",
			Sources:     cli.EnvVars("MEMEVAL_CHUNKS"),
			Destination: &cfg.chunksPath,
		},
		&cli.StringFlag{
			Name:        "firestore-project",
			Usage:       "Google Cloud project ID of the Firestore chunk index",
			Sources:     cli.EnvVars("MEMEVAL_FIRESTORE_PROJECT", "GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.firestoreProject,
		},
		&cli.StringFlag{
			Name:        "firestore-database",
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.firestoreDatabase,
		},
		&cli.StringFlag{
			Name:        "firestore-collection",
			Usage:       "Firestore collection holding chunks",
			Value:       "chunks",
			Sources:     cli.EnvVars("MEMEVAL_FIRESTORE_COLLECTION"),
			Destination: &cfg.firestoreCollection,
		},
		&cli.StringFlag{
			Name:        "database-url",
			Usage:       "PostgreSQL connection URL for the pgvector retriever",
			Sources:     cli.EnvVars("MEMEVAL_DATABASE_URL", "DATABASE_URL"),
			Destination: &cfg.databaseURL,
		},
		&cli.StringFlag{
			Name:        "postgres-table",
			Usage:       "PostgreSQL table holding chunks",
			Value:       "chunks",
			Sources:     cli.EnvVars("MEMEVAL_POSTGRES_TABLE"),
			Destination: &cfg.postgresTable,
		},
	}
}

// sinkFlags returns flags of optional result sinks
func sinkFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "bucket",
			Usage:       "Cloud Storage bucket to upload the result file to",
			Sources:     cli.EnvVars("MEMEVAL_BUCKET"),
			Destination: &cfg.bucket,
		},
		&cli.StringFlag{
			Name:        "bucket-prefix",
			Usage:       "Object name prefix in the bucket",
			Value:       "memeval",
			Sources:     cli.EnvVars("MEMEVAL_BUCKET_PREFIX"),
			Destination: &cfg.bucketPrefix,
		},
		&cli.StringFlag{
			Name:        "bigquery-project",
			Usage:       "Google Cloud project ID for BigQuery export",
			Sources:     cli.EnvVars("MEMEVAL_BIGQUERY_PROJECT", "GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.bigqueryProject,
		},
		&cli.StringFlag{
			Name:        "bigquery-dataset",
			Usage:       "BigQuery dataset; export is enabled when set",
			Sources:     cli.EnvVars("MEMEVAL_BIGQUERY_DATASET"),
			Destination: &cfg.bigqueryDataset,
		},
		&cli.StringFlag{
			Name:        "bigquery-table",
			Usage:       "BigQuery table for prediction rows",
			Value:       "predictions",
			Sources:     cli.EnvVars("MEMEVAL_BIGQUERY_TABLE"),
			Destination: &cfg.bigqueryTable,
		},
	}
}

// setupLogger installs the configured logger on ctx and as the default
func (cfg *config) setupLogger(ctx context.Context) (context.Context, func(), error) {
	ctx, restore, err := logging.Setup(ctx, cfg.logLevel, cfg.logOutput)
	if err != nil {
		return ctx, nil, goerr.Wrap(err, "failed to set up logger")
	}
	return ctx, restore, nil
}

// newGemini creates the Gemini adapter once and reuses it for generation
// and embedding
func (cfg *config) newGemini(ctx context.Context) (*adapter.Gemini, error) {
	if cfg.gemini != nil {
		return cfg.gemini, nil
	}

	var opts []adapter.GeminiOption
	if cfg.provider == "gemini" && cfg.model != "" {
		opts = append(opts, adapter.WithGenerativeModel(cfg.model))
	}
	if cfg.embeddingModel != "" {
		opts = append(opts, adapter.WithEmbeddingModel(cfg.embeddingModel))
	}
	if cfg.embeddingDims > 0 {
		opts = append(opts, adapter.WithEmbeddingDimensionality(int(cfg.embeddingDims)))
	}

	var (
		client *adapter.Gemini
		err    error
	)
	switch {
	case cfg.geminiAPIKey != "":
		client, err = adapter.NewGeminiWithAPIKey(ctx, cfg.geminiAPIKey, opts...)
	case cfg.geminiProject != "":
		if cfg.geminiLocation == "" {
			return nil, goerr.New("gemini-location is required")
		}
		client, err = adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation, opts...)
	default:
		return nil, goerr.New("gemini-project or gemini-api-key is required")
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create Gemini client")
	}

	cfg.gemini = client
	return client, nil
}

func (cfg *config) newOpenAI() (*adapter.OpenAI, error) {
	if cfg.openaiAPIKey == "" {
		return nil, goerr.New("openai-api-key is required")
	}

	model := cfg.model
	if cfg.provider != "openai" || model == "" {
		model = "gpt-4o-mini"
	}

	var opts []adapter.OpenAIOption
	if cfg.openaiBaseURL != "" {
		opts = append(opts, adapter.WithOpenAIBaseURL(cfg.openaiBaseURL))
	}
	if cfg.embeddingModel != "" {
		opts = append(opts, adapter.WithOpenAIEmbeddingModel(cfg.embeddingModel))
	}
	return adapter.NewOpenAI(cfg.openaiAPIKey, model, opts...), nil
}

// newGenerator creates the generation service selected by --provider
func (cfg *config) newGenerator(ctx context.Context) (interfaces.Generator, error) {
	switch cfg.provider {
	case "gemini":
		return cfg.newGemini(ctx)

	case "claude":
		if cfg.anthropicAPIKey == "" {
			return nil, goerr.New("anthropic-api-key is required")
		}
		model := cfg.model
		if model == "" {
			model = "claude-sonnet-4-5"
		}
		return adapter.NewClaude(cfg.anthropicAPIKey, model), nil

	case "openai":
		return cfg.newOpenAI()

	default:
		return nil, goerr.New("unknown provider", goerr.V("provider", cfg.provider))
	}
}

// newEmbedder creates the embedding service. Claude has no embedding API,
// so it falls back to Gemini unless --embedding-provider says otherwise.
func (cfg *config) newEmbedder(ctx context.Context) (interfaces.Embedder, error) {
	provider := cfg.embeddingProvider
	if provider == "" {
		provider = cfg.provider
		if provider == "claude" {
			provider = "gemini"
		}
	}

	switch provider {
	case "gemini":
		return cfg.newGemini(ctx)
	case "openai":
		return cfg.newOpenAI()
	default:
		return nil, goerr.New("unknown embedding provider", goerr.V("provider", provider))
	}
}

// needsEmbedder reports whether the retriever searches by embedding
func (cfg *config) needsEmbedder() bool {
	return cfg.retriever != "" && cfg.retriever != "none"
}

// newRetriever creates the document retriever selected by --retriever. The
// returned closer releases its connections.
func (cfg *config) newRetriever(ctx context.Context, embedder interfaces.Embedder) (interfaces.Retriever, func(), error) {
	noop := func() {}

	switch cfg.retriever {
	case "", "none":
		return nil, noop, nil

	case "local":
		if cfg.chunksPath == "" {
			return nil, noop, goerr.New("chunks is required for the local retriever")
		}
		r, err := repository.NewLocal(cfg.chunksPath, embedder)
		if err != nil {
			return nil, noop, goerr.Wrap(err, "failed to load chunks")
		}
		return r, noop, nil

	case "firestore":
		if cfg.firestoreProject == "" {
			return nil, noop, goerr.New("firestore-project is required")
		}
		r, err := repository.NewFirestore(ctx, cfg.firestoreProject, cfg.firestoreDatabase, cfg.firestoreCollection, embedder)
		if err != nil {
			return nil, noop, goerr.Wrap(err, "failed to create Firestore retriever")
		}
		return r, func() { _ = r.Close() }, nil

	case "postgres":
		if cfg.databaseURL == "" {
			return nil, noop, goerr.New("database-url is required")
		}
		r, err := repository.NewPostgres(ctx, cfg.databaseURL, cfg.postgresTable, embedder)
		if err != nil {
			return nil, noop, goerr.Wrap(err, "failed to create PostgreSQL retriever")
		}
		return r, r.Close, nil

	default:
		return nil, noop, goerr.New("unknown retriever", goerr.V("retriever", cfg.retriever))
	}
}

// newExporters creates the optional result sinks
func (cfg *config) newExporters(ctx context.Context) ([]interfaces.Exporter, func(), error) {
	var (
		exporters []interfaces.Exporter
		closers   []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.bucket != "" {
		s, err := adapter.NewStorage(ctx, cfg.bucket, cfg.bucketPrefix)
		if err != nil {
			return nil, closeAll, goerr.Wrap(err, "failed to create storage exporter")
		}
		exporters = append(exporters, s)
		closers = append(closers, func() { _ = s.Close() })
	}

	if cfg.bigqueryDataset != "" {
		if cfg.bigqueryProject == "" {
			closeAll()
			return nil, func() {}, goerr.New("bigquery-project is required for BigQuery export")
		}
		bq, err := adapter.NewBigQuery(ctx, cfg.bigqueryProject, cfg.bigqueryDataset, cfg.bigqueryTable)
		if err != nil {
			closeAll()
			return nil, func() {}, goerr.Wrap(err, "failed to create BigQuery exporter")
		}
		exporters = append(exporters, bq)
		closers = append(closers, func() { _ = bq.Close() })
	}

	return exporters, closeAll, nil
}
