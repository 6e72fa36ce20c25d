package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fundops.org/internal/audit"
	"fundops.org/internal/jobqueue"
	"fundops.org/internal/obs"
	"fundops.org/internal/stream"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultLease        = 2 * time.Minute
	defaultBatchSize    = 25
)

// Handler executes one job. A nil error marks the job succeeded with the
// returned result; a non-nil error records a failed attempt and schedules a
// backoff retry (or dead-letters at the attempt ceiling).
type Handler func(ctx context.Context, job jobqueue.Job) ([]byte, error)

// Config tunes a worker.
type Config struct {
	ID           string
	PollInterval time.Duration
	Lease        time.Duration
	BatchSize    int
}

// Worker polls the queue for due jobs, claims them one at a time and runs
// the registered handler for the job's type. Several workers can poll the
// same queue; the claim's conditional write arbitrates.
type Worker struct {
	queue  jobqueue.Queue
	events *stream.Stream
	cfg    Config

	mu       sync.RWMutex
	handlers map[jobqueue.Type]Handler
}

// New builds a worker. The events stream may be nil.
func New(queue jobqueue.Queue, events *stream.Stream, cfg Config) *Worker {
	if cfg.ID == "" {
		cfg.ID = fmt.Sprintf("worker-%d", time.Now().UnixNano())
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Worker{
		queue:    queue,
		events:   events,
		cfg:      cfg,
		handlers: make(map[jobqueue.Type]Handler),
	}
}

// Register installs the handler for a job type, replacing any previous one.
func (w *Worker) Register(typ jobqueue.Type, h Handler) {
	w.mu.Lock()
	w.handlers[typ] = h
	w.mu.Unlock()
}

func (w *Worker) handler(typ jobqueue.Type) (Handler, bool) {
	w.mu.RLock()
	h, ok := w.handlers[typ]
	w.mu.RUnlock()
	return h, ok
}

// Run polls until the context is cancelled. It returns the context's error.
func (w *Worker) Run(ctx context.Context) error {
	obs.LogJSON(map[string]any{"msg": "worker started", "worker_id": w.cfg.ID, "poll_interval": w.cfg.PollInterval.String()})
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.RunOnce(ctx)
		select {
		case <-ctx.Done():
			obs.LogJSON(map[string]any{"msg": "worker stopping", "worker_id": w.cfg.ID})
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single poll pass over all claimable statuses. Running
// jobs are polled too: one whose lease has lapsed belongs to a crashed
// worker and is claimed like any other due job.
func (w *Worker) RunOnce(ctx context.Context) {
	for _, status := range []jobqueue.Status{jobqueue.StatusQueued, jobqueue.StatusFailed, jobqueue.StatusRunning} {
		due, err := w.queue.ListDue(ctx, status, w.cfg.BatchSize)
		if err != nil {
			obs.LogJSON(map[string]any{"level": "error", "msg": "listing due jobs failed", "worker_id": w.cfg.ID, "status": string(status), "error": err.Error()})
			continue
		}
		for _, job := range due {
			if ctx.Err() != nil {
				return
			}
			w.process(ctx, job)
		}
	}
}

func (w *Worker) process(ctx context.Context, job jobqueue.Job) {
	claimed, err := w.queue.Claim(ctx, job.TenantID, job.ID, w.cfg.ID, w.cfg.Lease)
	if err != nil {
		obs.LogJSON(map[string]any{"level": "error", "msg": "claim failed", "worker_id": w.cfg.ID, "job_id": job.ID, "error": err.Error()})
		return
	}
	if !claimed {
		// Another worker got there first.
		return
	}
	w.publish(ctx, job.TenantID, job.ID)

	h, ok := w.handler(job.Type)
	if !ok {
		w.fail(ctx, job, fmt.Sprintf("no handler registered for job type %q", job.Type))
		return
	}

	result, err := h(ctx, job)
	if err != nil {
		w.fail(ctx, job, err.Error())
		return
	}
	if err := w.queue.Complete(ctx, job.TenantID, job.ID, result); err != nil {
		obs.LogJSON(map[string]any{"level": "error", "msg": "completing job failed", "worker_id": w.cfg.ID, "job_id": job.ID, "error": err.Error()})
		return
	}
	_ = audit.LogEvent(audit.WithTenantID(ctx, job.TenantID), "job.succeeded", map[string]any{
		"job_id": job.ID, "job_type": string(job.Type), "worker_id": w.cfg.ID,
	})
	w.publish(ctx, job.TenantID, job.ID)
}

func (w *Worker) fail(ctx context.Context, job jobqueue.Job, errMsg string) {
	if err := w.queue.Fail(ctx, job.TenantID, job.ID, errMsg); err != nil {
		obs.LogJSON(map[string]any{"level": "error", "msg": "failing job failed", "worker_id": w.cfg.ID, "job_id": job.ID, "error": err.Error()})
		return
	}
	after, err := w.queue.Get(ctx, job.TenantID, job.ID)
	event := "job.failed"
	if err == nil && after.Status == jobqueue.StatusDeadLetter {
		event = "job.dead_lettered"
	}
	_ = audit.LogEvent(audit.WithTenantID(ctx, job.TenantID), event, map[string]any{
		"job_id": job.ID, "job_type": string(job.Type), "worker_id": w.cfg.ID, "error": errMsg,
	})
	w.publish(ctx, job.TenantID, job.ID)
}

// publish reads back the job's current state so subscribers see attempts and
// status as persisted, not as the worker guesses them.
func (w *Worker) publish(ctx context.Context, tenantID, jobID string) {
	if w.events == nil {
		return
	}
	job, err := w.queue.Get(ctx, tenantID, jobID)
	if err != nil {
		return
	}
	w.events.Publish(stream.FromJob(job))
}
