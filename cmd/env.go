package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/contracts-cli/internal/blob"
	"github.com/sells-group/contracts-cli/internal/config"
	"github.com/sells-group/contracts-cli/internal/db"
	"github.com/sells-group/contracts-cli/internal/extract"
	"github.com/sells-group/contracts-cli/internal/ingest"
	"github.com/sells-group/contracts-cli/internal/monitoring"
	"github.com/sells-group/contracts-cli/internal/ocr"
	"github.com/sells-group/contracts-cli/internal/pipeline"
	"github.com/sells-group/contracts-cli/internal/query"
	"github.com/sells-group/contracts-cli/internal/queue"
	"github.com/sells-group/contracts-cli/internal/resilience"
	"github.com/sells-group/contracts-cli/internal/store"
	anthropicpkg "github.com/sells-group/contracts-cli/pkg/anthropic"
)

// appEnv holds the backends shared by every command.
type appEnv struct {
	Cfg      *config.Config
	Pool     *pgxpool.Pool // nil unless a postgres driver is configured
	Store    store.Store
	Blobs    blob.Store
	Broker   queue.Broker
	Breakers *resilience.Breakers
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Broker != nil {
		_ = e.Broker.Close()
	}
	if e.Store != nil {
		// Also closes the shared pool for the postgres store.
		_ = e.Store.Close()
	} else if e.Pool != nil {
		e.Pool.Close()
	}
}

func (e *appEnv) retryConfig() resilience.RetryConfig {
	return resilience.RetryPolicy(e.Cfg.Retry)
}

// initEnv validates cfg for mode and opens the store, blob store and queue.
// Callers should defer env.Close().
func initEnv(ctx context.Context, c *config.Config, mode string) (*appEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	env := &appEnv{
		Cfg:      c,
		Breakers: resilience.NewBreakers(resilience.BreakerPolicy(c.Circuit)),
	}

	if c.Store.Driver == "postgres" {
		pool, err := db.Connect(ctx, c.Store.DatabaseURL, db.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
		if err != nil {
			return nil, err
		}
		env.Pool = pool
	}

	var pool db.Pool
	if env.Pool != nil {
		pool = env.Pool
	}

	st, err := store.New(c.Store, pool)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Store = st

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env.Blobs, err = blob.New(c.Blob, env.retryConfig(), env.Breakers.For(resilience.UpstreamBlob))
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Broker, err = queue.New(c.Queue, pool)
	if err != nil {
		env.Close()
		return nil, err
	}

	zap.L().Debug("environment ready",
		zap.String("store", c.Store.Driver),
		zap.String("blob", c.Blob.Driver),
		zap.String("queue", c.Queue.Driver),
	)
	return env, nil
}

// Gateway builds the ingest gateway.
func (e *appEnv) Gateway() *ingest.Gateway {
	mb := e.Cfg.Server.MaxUploadMB
	if mb <= 0 {
		mb = 25
	}
	return ingest.NewGateway(e.Store, e.Blobs, e.Broker, ingest.WithMaxBytes(int64(mb)<<20))
}

// Collector builds a monitoring collector, reporting queue depth when the
// queue can.
func (e *appEnv) Collector() *monitoring.Collector {
	var depth monitoring.DepthFunc
	switch q := e.Broker.(type) {
	case *queue.PostgresQueue:
		depth = q.Depth
	case *queue.MemoryQueue:
		depth = func(context.Context) (int, error) { return q.Len(), nil }
	}
	return monitoring.NewCollector(e.Store, depth)
}

// Query builds the read-only facade.
func (e *appEnv) Query() *query.Facade {
	return query.New(e.Store, e.Blobs, e.Collector())
}

// Worker builds the pipeline worker with the configured text extractor and
// extraction engine.
func (e *appEnv) Worker() (*pipeline.Worker, error) {
	text, err := ocr.NewExtractor(e.Cfg.OCR, e.retryConfig(), e.Breakers.For(resilience.UpstreamOCR))
	if err != nil {
		return nil, err
	}

	var client anthropicpkg.Client
	if e.Cfg.Extraction.Strategy == extract.StrategySemantic {
		client = anthropicpkg.NewClient(e.Cfg.Anthropic.Key)
	}
	engine, err := extract.New(e.Cfg, client, e.Breakers.For(resilience.UpstreamLLM))
	if err != nil {
		return nil, err
	}

	zap.L().Info("pipeline worker configured",
		zap.String("strategy", engine.Name()),
		zap.String("ocr", e.Cfg.OCR.Provider),
	)
	return pipeline.NewWorker(e.Store, e.Blobs, text, engine, nil, pipeline.OptionsFromConfig(e.Cfg.Worker)), nil
}
