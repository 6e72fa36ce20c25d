package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"fundops.org/internal/connection"
	"fundops.org/internal/jobqueue"
	"fundops.org/internal/stream"
	"fundops.org/internal/worker"
)

// Exercises the integration core end to end against the in-memory backends:
// token round-trip through the cipher, refresh-lock mutual exclusion, and a
// job travelling enqueue -> claim -> complete with a stream event observed.
func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cipher, err := connection.NewCipher("smoke-test-secret")
	if err != nil {
		log.Fatalf("cipher: %v", err)
	}
	store := connection.NewInMemory(cipher)

	tokens := connection.Tokens{
		AccessToken:  "at-smoke",
		RefreshToken: "rt-smoke",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	err = store.SaveConnection(ctx, &connection.Connection{
		TenantID: "tenant-smoke",
		Type:     connection.TypeFortnox,
		Status:   connection.StatusConnected,
		Tokens:   &tokens,
	})
	if err != nil {
		log.Fatalf("save connection: %v", err)
	}
	conn, err := store.GetConnection(ctx, "tenant-smoke", connection.TypeFortnox)
	if err != nil {
		log.Fatalf("get connection: %v", err)
	}
	if conn.Tokens == nil || conn.Tokens.AccessToken != "at-smoke" {
		log.Fatalf("tokens did not survive the cipher round-trip: %+v", conn.Tokens)
	}

	got, err := store.AcquireRefreshLock(ctx, "tenant-smoke", connection.TypeFortnox, 30*time.Second)
	if err != nil || !got {
		log.Fatalf("first lock acquire: got=%v err=%v", got, err)
	}
	again, err := store.AcquireRefreshLock(ctx, "tenant-smoke", connection.TypeFortnox, 30*time.Second)
	if err != nil {
		log.Fatalf("second lock acquire: %v", err)
	}
	if again {
		log.Fatal("refresh lock handed out twice")
	}
	if err := store.ReleaseRefreshLock(ctx, "tenant-smoke", connection.TypeFortnox); err != nil {
		log.Fatalf("release lock: %v", err)
	}

	queue := jobqueue.NewInMemory()
	events := stream.New()
	sub := events.Subscribe(ctx)

	w := worker.New(queue, events, worker.Config{ID: "smoke-worker"})
	w.Register(jobqueue.TypeWebhookEvent, func(ctx context.Context, job jobqueue.Job) ([]byte, error) {
		return json.Marshal(map[string]string{"echo": string(job.Payload)})
	})

	job, dedup, err := queue.Enqueue(ctx, jobqueue.EnqueueRequest{
		TenantID:       "tenant-smoke",
		Type:           jobqueue.TypeWebhookEvent,
		Payload:        json.RawMessage(`{"event":"ping"}`),
		IdempotencyKey: "smoke-1",
	})
	if err != nil || dedup {
		log.Fatalf("enqueue: dedup=%v err=%v", dedup, err)
	}
	_, dedup, err = queue.Enqueue(ctx, jobqueue.EnqueueRequest{
		TenantID:       "tenant-smoke",
		Type:           jobqueue.TypeWebhookEvent,
		Payload:        json.RawMessage(`{"event":"ping"}`),
		IdempotencyKey: "smoke-1",
	})
	if err != nil || !dedup {
		log.Fatalf("duplicate enqueue not deduplicated: dedup=%v err=%v", dedup, err)
	}

	w.RunOnce(ctx)

	after, err := queue.Get(ctx, "tenant-smoke", job.ID)
	if err != nil {
		log.Fatalf("get job: %v", err)
	}
	if after.Status != jobqueue.StatusSucceeded {
		log.Fatalf("job did not succeed: status=%s error=%q", after.Status, after.LastError)
	}

	var sawEvent bool
	for !sawEvent {
		select {
		case ev := <-sub:
			if ev.JobID == job.ID && ev.Status == jobqueue.StatusSucceeded {
				sawEvent = true
			}
		case <-ctx.Done():
			log.Fatal("timed out waiting for job stream event")
		}
	}

	fmt.Printf("✅ integration core smoke test passed: job=%s\n", job.ID)
}
