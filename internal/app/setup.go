package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/parleyhq/parley/db"
	"github.com/parleyhq/parley/internal/api"
	"github.com/parleyhq/parley/internal/completion"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/delivery"
	"github.com/parleyhq/parley/internal/knowledge"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/pipeline"
	"github.com/parleyhq/parley/internal/prompt"
	"github.com/parleyhq/parley/internal/reconcile"
	"github.com/parleyhq/parley/internal/retrieval"
)

func (a *App) wire(ctx context.Context, opts Options) error {
	a.Logger = log.New(log.Config{JSON: true})
	a.Metrics = observability.NewMetrics()

	pool, err := providePool(ctx, a.Config)
	if err != nil {
		return err
	}
	a.onClose(pool.Close)

	g, err := provideGenkit(ctx, a.Config)
	if err != nil {
		return err
	}

	embed := provideEmbedFunc(g, a.Config)

	knowledgeStore := knowledge.NewStore(pool, a.Logger)
	conversationStore := conversation.NewStore(pool, a.Logger)
	buffer := conversation.NewBuffer(conversationStore, a.Logger)

	retriever := retrieval.NewRetriever(knowledgeStore, embed, a.Config.Retrieval, a.Logger)

	a.Scheduler = delivery.NewScheduler(
		pipeline.NewStoreSink(conversationStore), a.Config.DeliveryInterval, a.Logger)
	a.onClose(a.Scheduler.Close)

	a.Pipeline = pipeline.New(pipeline.Options{
		Conversations: conversationStore,
		Buffer:        buffer,
		Retriever:     retriever,
		Assembler:     prompt.NewAssembler(a.Config.Retrieval.SnippetCap),
		Library:       prompt.NewLibrary(nil, a.Config.Language),
		Completer: completion.NewInvoker(
			completion.NewGenkitGenerator(g, a.Config.QualifiedModelName()),
			a.Config.HistoryLimit, a.Logger),
		Deliverer:     a.Scheduler,
		Metrics:       a.Metrics,
		HistoryLimit:  int32(a.Config.HistoryLimit),
		Lang:          a.Config.Language,
		Logger:        a.Logger,
	})

	a.Reconciler = reconcile.New(knowledgeStore, embed,
		a.Config.EmbedRate, int32(a.Config.ReconcileBatchSize), a.Logger)

	if !opts.SkipCron {
		c, err := reconcile.Schedule(a.Reconciler, a.Config.ReconcileSchedule, a.Logger)
		if err != nil {
			return err
		}
		a.Cron = c
		a.onClose(func() { <-c.Stop().Done() })
	}

	a.Server = api.NewServer(api.Options{
		Conversations: conversationStore,
		Messages:      a.Pipeline,
		Units:         knowledgeStore,
		Reconciler:    a.Reconciler,
		Metrics:       a.Metrics.Handler(),
		DefaultWindow: a.Config.MergeWindow,
		Logger:        a.Logger,
	})

	return nil
}

// providePool runs migrations and opens the pgx pool. pgvector types are
// registered on every new connection so embedding columns scan directly
// into pgvector.Vector values.
func providePool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// provideGenkit initializes Genkit with the configured AI provider.
// Supports gemini (default) and ollama.
func provideGenkit(ctx context.Context, cfg *config.Config) (*genkit.Genkit, error) {
	switch cfg.Provider {
	case "ollama":
		ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g := genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		// Ollama requires explicit model registration (no auto-discovery).
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.ModelName,
			Type: "chat",
		}, nil)
		ollamaPlugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		return g, nil

	default: // "gemini"
		g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with gemini provider")
		}
		return g, nil
	}
}

// provideEmbedFunc resolves the provider's embedder, honoring the
// embedding feature flag.
func provideEmbedFunc(g *genkit.Genkit, cfg *config.Config) knowledge.EmbedFunc {
	if !cfg.EmbeddingEnabled {
		return knowledge.DisabledEmbedFunc
	}

	var embedder ai.Embedder
	if cfg.Provider == "ollama" {
		embedder = ollama.Embedder(g, cfg.OllamaHost)
	} else {
		embedder = googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	}

	inner := knowledge.NewEmbedFunc(embedder)
	timeout := cfg.EmbedTimeout
	return func(ctx context.Context, text string) ([]float32, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return inner(ctx, text)
	}
}
