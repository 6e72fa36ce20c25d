package jobqueue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// Type discriminates units of asynchronous integration work.
type Type string

const (
	TypeWebhookEvent Type = "webhook-event"
	TypePostJob      Type = "post-job"
	TypeSync         Type = "sync"
	TypeSubmit       Type = "submit"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

const (
	// DefaultMaxAttempts applies when an enqueue request leaves it zero.
	DefaultMaxAttempts = 8
	maxAttemptsCeiling = 50

	// DefaultTTLDays bounds job retention; idempotency mappings outlive jobs
	// so deduplication stays correct after the job itself expires.
	DefaultTTLDays   = 90
	KeyRetentionDays = 365

	baseBackoff = 5 * time.Second
	maxBackoff  = 10 * time.Minute
)

// Job is one unit of asynchronous integration work owned by a tenant.
type Job struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	Type           Type            `json:"type"`
	Status         Status          `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	NextRunAt      time.Time       `json:"next_run_at"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	ClaimedBy      string          `json:"claimed_by,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// EnqueueRequest describes a job to be enqueued. Zero values take defaults:
// MaxAttempts 8 (clamped to [1,50]), RunAt now, TTLDays 90.
type EnqueueRequest struct {
	TenantID       string
	Type           Type
	Payload        json.RawMessage
	IdempotencyKey string
	MaxAttempts    int
	RunAt          time.Time
	TTLDays        int
}

var (
	ErrNotFound      = errors.New("jobqueue: job not found")
	ErrInvalidTenant = errors.New("jobqueue: tenant id is required")
	ErrInvalidType   = errors.New("jobqueue: job type is required")
)

// Backoff returns the retry delay after the given attempt count: the base
// delay doubles per attempt and is capped at ten minutes. Attempt 1 -> 5s,
// attempt 2 -> 10s, attempt 3 -> 20s, and so on.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := baseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// ContentKey derives an idempotency key from arbitrary payload bytes.
// Identical payloads always collapse to the same key.
func ContentKey(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func clampMaxAttempts(v int) int {
	if v == 0 {
		return DefaultMaxAttempts
	}
	if v < 1 {
		return 1
	}
	if v > maxAttemptsCeiling {
		return maxAttemptsCeiling
	}
	return v
}
