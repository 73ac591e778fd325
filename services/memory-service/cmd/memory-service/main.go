package main

import (
	"context"
	"net/http"
	"time"

	"github.com/knowd-io/knowd/libs/config"
	"github.com/knowd-io/knowd/libs/db"
	"github.com/knowd-io/knowd/libs/httpx"
	"github.com/knowd-io/knowd/libs/kafkax"
	otelx "github.com/knowd-io/knowd/libs/otel"
	"github.com/knowd-io/knowd/libs/redisx"
	"github.com/knowd-io/knowd/libs/runtime"
	"github.com/knowd-io/knowd/services/memory-service/internal/compensation"
	"github.com/knowd-io/knowd/services/memory-service/internal/eventlog"
	"github.com/knowd-io/knowd/services/memory-service/internal/handlers"
	"github.com/knowd-io/knowd/services/memory-service/internal/outbox"
	"github.com/knowd-io/knowd/services/memory-service/internal/projection"
	"github.com/knowd-io/knowd/services/memory-service/internal/projection/graph"
	"github.com/knowd-io/knowd/services/memory-service/internal/projection/vector"
	"github.com/knowd-io/knowd/services/memory-service/internal/storage"
	"github.com/knowd-io/knowd/services/memory-service/internal/stream"
	"github.com/knowd-io/knowd/services/memory-service/internal/writer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "memory-service")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL, db.Options{MaxConns: int32(config.Int("DB_MAX_CONNS", 10))})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	if err := storage.Migrate(ctx, pool); err != nil {
		logger.Error("schema migration failed", "err", err)
		panic(err)
	}

	redisURL, err := config.RequiredString("REDIS_URL")
	if err != nil {
		panic(err)
	}
	rdb, err := redisx.Open(ctx, redisURL)
	if err != nil {
		logger.Error("redis connection failed", "err", err)
		panic(err)
	}
	defer rdb.Close()

	graphStore, err := graph.NewStore(
		config.String("SURREALDB_URL", "ws://localhost:8000/rpc"),
		config.String("SURREALDB_NS", "knowd"),
		config.String("SURREALDB_DB", "memory"),
		config.String("SURREALDB_USER", "root"),
		config.String("SURREALDB_PASS", "root"),
	)
	if err != nil {
		logger.Error("surrealdb connection failed", "err", err)
		panic(err)
	}
	defer graphStore.Close()
	vectorStore := vector.NewStore(rdb)
	dispatcher := projection.NewDispatcher(logger, graphStore, vectorStore)

	eventRepo := eventlog.NewRepository(pool)
	outboxRepo := outbox.NewRepository(pool, outbox.RepositoryConfig{
		MaxAttempts: config.Int("OUTBOX_MAX_ATTEMPTS", outbox.DefaultMaxAttempts),
		Lease:       config.Duration("OUTBOX_LEASE", outbox.DefaultLease),
		BackoffBase: config.Duration("OUTBOX_BACKOFF_BASE", outbox.DefaultBackoffBase),
		BackoffCap:  config.Duration("OUTBOX_BACKOFF_CAP", outbox.DefaultBackoffCap),
	})
	store := writer.NewPgStore(pool, eventRepo, outboxRepo)

	compensator := compensation.NewManager(eventRepo, store, outboxRepo, dispatcher.Apply, logger, compensation.Config{
		InlineWait: config.Duration("COMPENSATION_INLINE_WAIT", writer.DefaultInlineWait),
	})
	writerSvc := writer.NewService(eventRepo, store, outboxRepo, dispatcher, compensator, logger, writer.Config{
		InlineWait: config.Duration("WRITER_INLINE_WAIT", writer.DefaultInlineWait),
	})

	workerInterval := config.Duration("OUTBOX_WORKER_INTERVAL", 2*time.Second)
	workerBatch := config.Int("OUTBOX_WORKER_BATCH", 50)
	for _, name := range []string{projection.Graph, projection.Vector} {
		w := outbox.NewWorker(outboxRepo, dispatcher.Apply, writerSvc.HandleTerminalFailure, logger, outbox.WorkerConfig{
			Projection: name,
			Interval:   workerInterval,
			BatchSize:  workerBatch,
		})
		go w.Run(ctx)
	}

	brokers := config.String("KAFKA_BROKERS", "")
	publisher := stream.NewPublisher(pool, logger, stream.Config{
		Brokers:   brokers,
		PollEvery: config.Duration("STREAM_POLL_EVERY", 2*time.Second),
		BatchSize: config.Int("STREAM_BATCH_SIZE", 50),
	})
	go publisher.Run(ctx)

	readyChecks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
		{Name: "redis", Check: redisx.ReadyCheck(rdb)},
		{Name: "surrealdb", Check: graph.ReadyCheck(graphStore)},
	}
	if brokers != "" {
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	}
	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	handlers.New(writerSvc, eventRepo, dispatcher, graphStore, vectorStore).Register(mux)

	limiter := httpx.NewRedisRateLimiter(rdb,
		config.Int("RATE_LIMIT", 120),
		config.Duration("RATE_LIMIT_WINDOW", time.Minute),
		"knowd:rl",
	)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
		limiter.Middleware(logger, true),
	)
	handler = otelhttp.NewHandler(handler, "memory")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
