package jobqueue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"fundops.org/internal/ids"
	"fundops.org/internal/obs"
)

// Queue is the durable job queue contract. Implementations coordinate an
// arbitrary number of concurrent producers and workers purely through
// conditional writes; claim conflicts and duplicate enqueues are normal
// control-flow outcomes, never errors.
type Queue interface {
	// Enqueue creates a job. When an idempotency key is supplied and already
	// mapped for the tenant, the existing job is returned unchanged with
	// deduplicated=true and nothing is written.
	Enqueue(ctx context.Context, req EnqueueRequest) (Job, bool, error)
	// Claim atomically takes a queued or failed job, or a running job whose
	// lease has lapsed. A false return means another worker holds it;
	// callers move on.
	Claim(ctx context.Context, tenantID, jobID, claimantID string, lease time.Duration) (bool, error)
	// Complete marks the job succeeded, stores the result and clears the lease.
	Complete(ctx context.Context, tenantID, jobID string, result json.RawMessage) error
	// Fail records an attempt failure: either schedules a backoff retry or,
	// once attempts reach the ceiling, dead-letters the job permanently.
	Fail(ctx context.Context, tenantID, jobID, errMsg string) error
	// Requeue is the operator escape hatch: force the job back to queued now,
	// clearing lease, claimant and last error.
	Requeue(ctx context.Context, tenantID, jobID string) error
	Get(ctx context.Context, tenantID, jobID string) (Job, error)
	List(ctx context.Context, tenantID string, limit int) ([]Job, error)
	// ListDue returns jobs in the given status whose NextRunAt has passed,
	// ordered by NextRunAt. Backed by a range scan, not a full table walk.
	ListDue(ctx context.Context, status Status, limit int) ([]Job, error)
}

type jobKey struct {
	tenant string
	id     string
}

type idemKey struct {
	tenant string
	key    string
}

// InMemory implements Queue with in-process concurrency safety, mirroring
// the conditional-write semantics of the Postgres implementation.
type InMemory struct {
	mu   sync.Mutex
	jobs map[jobKey]*Job
	idem map[idemKey]string // (tenant, key) -> job id
	now  func() time.Time
}

var _ Queue = (*InMemory)(nil)

// NewInMemory creates an empty queue.
func NewInMemory() *InMemory {
	return &InMemory{
		jobs: make(map[jobKey]*Job),
		idem: make(map[idemKey]string),
		now:  time.Now,
	}
}

func (q *InMemory) Enqueue(ctx context.Context, req EnqueueRequest) (Job, bool, error) {
	if req.TenantID == "" {
		return Job{}, false, ErrInvalidTenant
	}
	if req.Type == "" {
		return Job{}, false, ErrInvalidType
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()

	if req.IdempotencyKey != "" {
		if existingID, ok := q.idem[idemKey{req.TenantID, req.IdempotencyKey}]; ok {
			if existing, ok := q.jobs[jobKey{req.TenantID, existingID}]; ok {
				obs.RecordJobEnqueued(string(existing.Type), true)
				return cloneJob(*existing), true, nil
			}
			// The job row expired but the mapping survives: still deduplicate.
			return Job{ID: existingID, TenantID: req.TenantID, IdempotencyKey: req.IdempotencyKey}, true, nil
		}
	}

	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	ttlDays := req.TTLDays
	if ttlDays <= 0 {
		ttlDays = DefaultTTLDays
	}

	job := Job{
		ID:             ids.New(),
		TenantID:       req.TenantID,
		Type:           req.Type,
		Status:         StatusQueued,
		Attempts:       0,
		MaxAttempts:    clampMaxAttempts(req.MaxAttempts),
		NextRunAt:      runAt.UTC(),
		IdempotencyKey: req.IdempotencyKey,
		Payload:        req.Payload,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.AddDate(0, 0, ttlDays),
	}

	if req.IdempotencyKey != "" {
		q.idem[idemKey{req.TenantID, req.IdempotencyKey}] = job.ID
	}
	q.jobs[jobKey{job.TenantID, job.ID}] = &job
	obs.RecordJobEnqueued(string(job.Type), false)
	return cloneJob(job), false, nil
}

func (q *InMemory) Claim(ctx context.Context, tenantID, jobID, claimantID string, lease time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobKey{tenantID, jobID}]
	if !ok {
		return false, nil
	}
	now := q.now().UTC()
	switch job.Status {
	case StatusQueued, StatusFailed, StatusRunning:
		// Running is claimable only once its lease has lapsed; this is how a
		// crashed worker's job self-heals.
	default:
		return false, nil
	}
	if job.LeaseExpiresAt != nil && job.LeaseExpiresAt.After(now) {
		return false, nil
	}
	expiry := now.Add(lease)
	job.Status = StatusRunning
	job.LeaseExpiresAt = &expiry
	job.ClaimedBy = claimantID
	job.UpdatedAt = now
	return true, nil
}

func (q *InMemory) Complete(ctx context.Context, tenantID, jobID string, result json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobKey{tenantID, jobID}]
	if !ok {
		return ErrNotFound
	}
	job.Status = StatusSucceeded
	job.Result = result
	job.LeaseExpiresAt = nil
	job.ClaimedBy = ""
	job.UpdatedAt = q.now().UTC()
	obs.RecordJobFinished(string(job.Type), string(StatusSucceeded))
	return nil
}

func (q *InMemory) Fail(ctx context.Context, tenantID, jobID, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobKey{tenantID, jobID}]
	if !ok {
		return ErrNotFound
	}
	now := q.now().UTC()
	job.Attempts++
	job.LastError = errMsg
	job.LeaseExpiresAt = nil
	job.ClaimedBy = ""
	job.UpdatedAt = now
	if job.Attempts >= job.MaxAttempts {
		job.Status = StatusDeadLetter
		obs.RecordJobFinished(string(job.Type), string(StatusDeadLetter))
		return nil
	}
	job.Status = StatusFailed
	job.NextRunAt = now.Add(Backoff(job.Attempts))
	obs.RecordJobFinished(string(job.Type), string(StatusFailed))
	return nil
}

func (q *InMemory) Requeue(ctx context.Context, tenantID, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobKey{tenantID, jobID}]
	if !ok {
		return ErrNotFound
	}
	now := q.now().UTC()
	job.Status = StatusQueued
	job.NextRunAt = now
	job.LeaseExpiresAt = nil
	job.ClaimedBy = ""
	job.LastError = ""
	job.UpdatedAt = now
	return nil
}

func (q *InMemory) Get(ctx context.Context, tenantID, jobID string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobKey{tenantID, jobID}]
	if !ok {
		return Job{}, ErrNotFound
	}
	return cloneJob(*job), nil
}

func (q *InMemory) List(ctx context.Context, tenantID string, limit int) ([]Job, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Job
	for key, job := range q.jobs {
		if key.tenant != tenantID {
			continue
		}
		out = append(out, cloneJob(*job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *InMemory) ListDue(ctx context.Context, status Status, limit int) ([]Job, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	var out []Job
	for _, job := range q.jobs {
		if job.Status != status {
			continue
		}
		if job.NextRunAt.After(now) {
			continue
		}
		out = append(out, cloneJob(*job))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextRunAt.Equal(out[j].NextRunAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextRunAt.Before(out[j].NextRunAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneJob(j Job) Job {
	out := j
	if j.LeaseExpiresAt != nil {
		ts := *j.LeaseExpiresAt
		out.LeaseExpiresAt = &ts
	}
	if j.Payload != nil {
		out.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.Result != nil {
		out.Result = append(json.RawMessage(nil), j.Result...)
	}
	return out
}
