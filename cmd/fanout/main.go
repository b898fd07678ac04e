// Command fanout runs Vatic's WebSocket relay: it joins the consistent-hash
// ring, relays event-bus traffic to connected clients it owns, and sweeps
// idle connections on a heartbeat (spec.md §4.11-4.12).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vaticlabs/vatic/internal/cache"
	"github.com/vaticlabs/vatic/internal/config"
	"github.com/vaticlabs/vatic/internal/eventbus"
	"github.com/vaticlabs/vatic/internal/fanout"
	"github.com/vaticlabs/vatic/internal/logging"
	"github.com/vaticlabs/vatic/internal/modules/auth"
	"github.com/vaticlabs/vatic/internal/storedb"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(logging.Config{Level: "info", Pretty: true}).Fatal().Err(err).Msg("load config")
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: true}).With().Str("node_id", cfg.NodeID).Logger()
	log.Info().Msg("starting vatic fanout")

	db, err := storedb.New(storedb.Config{URL: cfg.DatabaseURL}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}
	defer db.Close()

	rdb, err := cache.New(cache.Config{Addr: cfg.RedisAddr, DB: cfg.RedisDB}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect redis")
	}
	defer rdb.Close()

	authRepo := auth.NewRepository(db)
	authSvc := auth.New(authRepo, log)

	ring := fanout.NewRing()
	hub := fanout.NewHub(log)
	membership := fanout.NewMembership(rdb, ring, cfg.NodeID, log)
	router := fanout.NewRouter(hub, ring, cfg.NodeID, log)
	wsServer := fanout.NewServer(hub, ring, authSvc, cfg.NodeID, cfg.HeartbeatInterval, cfg.ConnectionTimeout, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := membership.Join(ctx); err != nil {
		log.Fatal().Err(err).Msg("join ring")
	}
	go membership.Watch(ctx)

	consumer, err := eventbus.NewConsumer(cfg.KafkaBrokers, "vatic-fanout", fanout.Topics(), router.Handle, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect kafka consumer")
	}
	go func() {
		if err := consumer.Run(ctx); err != nil {
			log.Error().Err(err).Msg("event consumer stopped")
		}
	}()

	go hub.RunHeartbeat(ctx, cfg.HeartbeatInterval, cfg.ConnectionTimeout)

	mux := http.NewServeMux()
	mux.Handle("/ws", wsServer)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("fanout server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()
	_ = consumer.Close()
	if err := membership.Leave(context.Background()); err != nil {
		log.Error().Err(err).Msg("leave ring")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("stopped")
}
