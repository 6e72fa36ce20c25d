package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fundops.org/internal/client"
	"fundops.org/internal/config"
	"fundops.org/internal/connection"
	"fundops.org/internal/httpapi"
	"fundops.org/internal/jobqueue"
	"fundops.org/internal/oauth"
	"fundops.org/internal/obs"
	"fundops.org/internal/store/pg"
	"fundops.org/internal/stream"
)

var version = "0.3.1"

func main() {
	obs.Init()
	cfg := config.Load()

	cipher, err := connection.NewCipher(cfg.TokenSecret)
	if err != nil {
		log.Fatalf("token cipher: %v", err)
	}

	// Postgres when a DSN is configured, in-memory otherwise (local dev).
	var (
		store   connection.Store
		queue   jobqueue.Queue
		probe   httpapi.ReadyProbe
		pgStore *pg.Store
	)
	if cfg.PGDSN != "" {
		pgStore, err = pg.Open(cfg.PGDSN, cipher)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		queue = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		obs.LogJSON(map[string]any{"level": "warn", "msg": "FUNDOPS_PG_DSN not set, using in-memory stores"})
		store = connection.NewInMemory(cipher)
		queue = jobqueue.NewInMemory()
	}

	coord := oauth.NewCoordinator(cfg.Providers)
	registry := client.NewDefaultRegistry(client.Deps{Store: store, OAuth: coord})
	if err := registry.Validate(); err != nil {
		log.Fatalf("client registry: %v", err)
	}
	events := stream.New()

	api := httpapi.New(probe, version, store, queue, coord, registry, events)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// Generous write timeout so SSE streams are not cut immediately.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("Starting fundops-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}
