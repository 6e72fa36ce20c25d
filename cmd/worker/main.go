package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fundops.org/internal/client"
	"fundops.org/internal/config"
	"fundops.org/internal/connection"
	"fundops.org/internal/jobqueue"
	"fundops.org/internal/oauth"
	"fundops.org/internal/obs"
	"fundops.org/internal/store/pg"
	"fundops.org/internal/worker"
)

func main() {
	obs.Init()
	cfg := config.Load()

	cipher, err := connection.NewCipher(cfg.TokenSecret)
	if err != nil {
		log.Fatalf("token cipher: %v", err)
	}

	var (
		store   connection.Store
		queue   jobqueue.Queue
		pgStore *pg.Store
	)
	if cfg.PGDSN != "" {
		pgStore, err = pg.Open(cfg.PGDSN, cipher)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		queue = pgStore
	} else {
		// In-memory mode only makes sense for a worker sharing a process
		// with the API; standalone it would poll an always-empty queue.
		obs.LogJSON(map[string]any{"level": "warn", "msg": "FUNDOPS_PG_DSN not set, worker using in-memory stores"})
		store = connection.NewInMemory(cipher)
		queue = jobqueue.NewInMemory()
	}

	coord := oauth.NewCoordinator(cfg.Providers)
	registry := client.NewDefaultRegistry(client.Deps{Store: store, OAuth: coord})
	if err := registry.Validate(); err != nil {
		log.Fatalf("client registry: %v", err)
	}

	hostname, _ := os.Hostname()
	w := worker.New(queue, nil, worker.Config{
		ID:           hostname,
		PollInterval: cfg.WorkerPoll,
		Lease:        cfg.WorkerLease,
	})
	worker.RegisterDefaultHandlers(w, registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if pgStore != nil {
		go purgeLoop(ctx, pgStore)
	}

	log.Printf("Starting fundops-worker (poll %s, lease %s)", cfg.WorkerPoll, cfg.WorkerLease)
	if err := w.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("worker: %v", err)
	}

	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}

// purgeLoop reclaims expired job rows, idempotency mappings and revoked
// connections on a slow cadence. Every worker runs it; the deletes are
// idempotent so overlap between workers is harmless.
func purgeLoop(ctx context.Context, s *pg.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := s.PurgeExpired(ctx)
		if err != nil {
			obs.LogJSON(map[string]any{"level": "error", "msg": "purge failed", "error": err.Error()})
			continue
		}
		if n > 0 {
			obs.LogJSON(map[string]any{"msg": "purged expired rows", "rows": n})
		}
	}
}
