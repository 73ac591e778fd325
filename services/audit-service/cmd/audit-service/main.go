package main

import (
	"context"
	"net/http"
	"time"

	"github.com/knowd-io/knowd/libs/config"
	"github.com/knowd-io/knowd/libs/db"
	"github.com/knowd-io/knowd/libs/httpx"
	otelx "github.com/knowd-io/knowd/libs/otel"
	"github.com/knowd-io/knowd/libs/redisx"
	"github.com/knowd-io/knowd/libs/runtime"
	"github.com/knowd-io/knowd/services/audit-service/internal/consistency"
	"github.com/knowd-io/knowd/services/audit-service/internal/handlers"
	"github.com/knowd-io/knowd/services/audit-service/internal/readmodel"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "audit-service")
	port, err := config.Port("PORT", "8081")
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
	pool, err := db.Open(ctx, dbURL, db.Options{MaxConns: int32(config.Int("DB_MAX_CONNS", 5))})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	if err := consistency.Migrate(ctx, pool); err != nil {
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

	graphModel, err := readmodel.NewGraphModel(
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
	defer graphModel.Close()
	vectorModel := readmodel.NewVectorModel(rdb)

	checker := consistency.NewChecker(graphModel, vectorModel, logger)
	repo := consistency.NewRepository(pool)
	runner := consistency.NewRunner(checker, repo, logger, config.Duration("CHECK_INTERVAL", 5*time.Minute))
	go runner.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "redis", Check: redisx.ReadyCheck(rdb)},
		runtime.ReadyCheck{Name: "surrealdb", Check: readmodel.GraphReadyCheck(graphModel)},
	)
	handlers.New(runner).Register(mux)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "audit")
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
