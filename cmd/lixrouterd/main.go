// Command lixrouterd is a thin demonstration server around pkg/rewriter:
// it exposes the rewrite engine's two operations over HTTP and streams
// cache-hint telemetry over a WebSocket. It is illustrative only and not
// part of the engine's tested contract.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lixrouter/lixrouter/pkg/rewriter"
	"github.com/lixrouter/lixrouter/pkg/shardcatalog"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	dsn := flag.String("dsn", "", "postgres DSN to introspect for live cache-shard/view discovery; if empty, context is static-JSON only")
	schema := flag.String("schema", "public", "schema internal_state_cache_* shards live in")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	rew := rewriter.NewRewriter()
	rew.Logger = log

	if *dsn != "" {
		db, err := shardcatalog.OpenPgx(*dsn)
		if err != nil {
			log.Fatal("open db", zap.Error(err))
		}
		defer db.Close()

		source := shardcatalog.NewDBContextSource(db, *schema)
		rctx, err := source.Load(context.Background())
		if err != nil {
			log.Fatal("load shard catalog", zap.Error(err))
		}
		if err := rew.SetSharedContext(rctx.ToJSON()); err != nil {
			log.Fatal("set shared context", zap.Error(err))
		}
		log.Info("loaded live shard catalog", zap.String("dsn", redactDSN(*dsn)), zap.String("schema", *schema))
	}

	h := newHub(log)
	srv := &server{rewriter: rew, hub: h, log: log}

	mux := setupRoutes(srv, loggingMiddleware(log))
	httpServer := &http.Server{Addr: *addr, Handler: mux}

	go func() {
		log.Info("listening", zap.String("addr", *addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}

func redactDSN(dsn string) string {
	return "<redacted>"
}
