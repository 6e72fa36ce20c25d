package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestBackoffMonotonicAndCapped(t *testing.T) {
	expected := map[int]time.Duration{
		1: 5 * time.Second,
		2: 10 * time.Second,
		3: 20 * time.Second,
		4: 40 * time.Second,
	}
	for attempts, want := range expected {
		if got := Backoff(attempts); got != want {
			t.Fatalf("Backoff(%d)=%s, want %s", attempts, got, want)
		}
	}

	prev := time.Duration(0)
	for attempts := 1; attempts < 20; attempts++ {
		d := Backoff(attempts)
		if d < prev {
			t.Fatalf("backoff not monotonic at attempt %d: %s < %s", attempts, d, prev)
		}
		if d > 10*time.Minute {
			t.Fatalf("backoff exceeds cap at attempt %d: %s", attempts, d)
		}
		prev = d
	}
	if Backoff(19) != 10*time.Minute {
		t.Fatalf("expected cap of 10m, got %s", Backoff(19))
	}
}

func TestContentKeyDeterministic(t *testing.T) {
	a := ContentKey([]byte(`{"event":"voucher.created"}`))
	b := ContentKey([]byte(`{"event":"voucher.created"}`))
	c := ContentKey([]byte(`{"event":"voucher.deleted"}`))
	if a != b {
		t.Fatal("identical payloads must collapse to the same key")
	}
	if a == c {
		t.Fatal("distinct payloads must not collide trivially")
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %q", a)
	}
}

func TestEnqueueDefaultsAndClamping(t *testing.T) {
	q := NewInMemory()
	ctx := context.Background()

	job, deduped, err := q.Enqueue(ctx, EnqueueRequest{TenantID: "t1", Type: TypeSync})
	if err != nil {
		t.Fatal(err)
	}
	if deduped {
		t.Fatal("fresh enqueue must not be deduplicated")
	}
	if job.MaxAttempts != DefaultMaxAttempts {
		t.Fatalf("expected default max attempts, got %d", job.MaxAttempts)
	}
	if job.Status != StatusQueued || job.Attempts != 0 {
		t.Fatalf("unexpected initial state: %+v", job)
	}

	high, _, _ := q.Enqueue(ctx, EnqueueRequest{TenantID: "t1", Type: TypeSync, MaxAttempts: 500})
	if high.MaxAttempts != 50 {
		t.Fatalf("expected clamp to 50, got %d", high.MaxAttempts)
	}
	low, _, _ := q.Enqueue(ctx, EnqueueRequest{TenantID: "t1", Type: TypeSync, MaxAttempts: -3})
	if low.MaxAttempts != 1 {
		t.Fatalf("expected clamp to 1, got %d", low.MaxAttempts)
	}
}

func TestIdempotentEnqueue(t *testing.T) {
	q := NewInMemory()
	ctx := context.Background()

	first, deduped, err := q.Enqueue(ctx, EnqueueRequest{
		TenantID: "t1", Type: TypeWebhookEvent, IdempotencyKey: "k1",
		Payload: json.RawMessage(`{"n":1}`),
	})
	if err != nil || deduped {
		t.Fatalf("first enqueue: deduped=%v err=%v", deduped, err)
	}
	second, deduped, err := q.Enqueue(ctx, EnqueueRequest{
		TenantID: "t1", Type: TypeWebhookEvent, IdempotencyKey: "k1",
		Payload: json.RawMessage(`{"n":2}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !deduped {
		t.Fatal("second enqueue with same key must deduplicate")
	}
	if second.ID != first.ID {
		t.Fatalf("deduplicated enqueue returned a different job: %s vs %s", second.ID, first.ID)
	}

	// Same key, different tenant: separate job.
	other, deduped, _ := q.Enqueue(ctx, EnqueueRequest{TenantID: "t2", Type: TypeWebhookEvent, IdempotencyKey: "k1"})
	if deduped || other.ID == first.ID {
		t.Fatal("idempotency keys are tenant-scoped")
	}
}

func TestConcurrentIdempotentEnqueue(t *testing.T) {
	q := NewInMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	idsSeen := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, _, err := q.Enqueue(ctx, EnqueueRequest{TenantID: "t1", Type: TypePostJob, IdempotencyKey: "same"})
			if err != nil {
				t.Errorf("enqueue: %v", err)
				return
			}
			idsSeen <- job.ID
		}()
	}
	wg.Wait()
	close(idsSeen)

	unique := map[string]bool{}
	for id := range idsSeen {
		unique[id] = true
	}
	if len(unique) != 1 {
		t.Fatalf("expected a single underlying job, got %d", len(unique))
	}
	jobs, _ := q.List(ctx, "t1", 100)
	if len(jobs) != 1 {
		t.Fatalf("expected exactly one job row, got %d", len(jobs))
	}
}

func TestClaimMutualExclusion(t *testing.T) {
	q := NewInMemory()
	ctx := context.Background()
	job, _, _ := q.Enqueue(ctx, EnqueueRequest{TenantID: "t1", Type: TypeSync})

	type outcome struct {
		claimant string
		ok       bool
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for _, claimant := range []string{"worker-a", "worker-b"} {
		wg.Add(1)
		go func(c string) {
			defer wg.Done()
			ok, err := q.Claim(ctx, "t1", job.ID, c, time.Minute)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			results <- outcome{c, ok}
		}(claimant)
	}
	wg.Wait()
	close(results)

	var winner string
	wins := 0
	for res := range results {
		if res.ok {
			wins++
			winner = res.claimant
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", wins)
	}
	got, _ := q.Get(ctx, "t1", job.ID)
	if got.ClaimedBy != winner {
		t.Fatalf("claimed_by=%q, want %q", got.ClaimedBy, winner)
	}
	if got.Status != StatusRunning || got.LeaseExpiresAt == nil {
		t.Fatalf("unexpected claimed state: %+v", got)
	}
}

func TestClaimAfterLeaseExpiry(t *testing.T) {
	q := NewInMemory()
	ctx := context.Background()
	base := time.Now()
	q.now = func() time.Time { return base }

	job, _, _ := q.Enqueue(ctx, EnqueueRequest{TenantID: "t1", Type: TypeSync})
	if ok, _ := q.Claim(ctx, "t1", job.ID, "worker-a", time.Minute); !ok {
		t.Fatal("first claim should succeed")
	}
	if ok, _ := q.Claim(ctx, "t1", job.ID, "worker-b", time.Minute); ok {
		t.Fatal("claim with live lease must fail")
	}

	q.now = func() time.Time { return base.Add(2 * time.Minute) }
	if ok, _ := q.Claim(ctx, "t1", job.ID, "worker-b", time.Minute); !ok {
		t.Fatal("claim after lease expiry must succeed")
	}
	got, _ := q.Get(ctx, "t1", job.ID)
	if got.ClaimedBy != "worker-b" {
		t.Fatalf("claimed_by=%q, want worker-b", got.ClaimedBy)
	}
}

func TestFailSchedulesBackoffThenDeadLetters(t *testing.T) {
	q := NewInMemory()
	ctx := context.Background()
	base := time.Now()
	q.now = func() time.Time { return base }

	job, _, _ := q.Enqueue(ctx, EnqueueRequest{
		TenantID: "t1", Type: TypeSubmit, IdempotencyKey: "k1", MaxAttempts: 3,
	})

	for attempt := 1; attempt <= 3; attempt++ {
		if ok, _ := q.Claim(ctx, "t1", job.ID, "worker-a", time.Minute); !ok {
			t.Fatalf("claim before attempt %d failed", attempt)
		}
		if err := q.Fail(ctx, "t1", job.ID, fmt.Sprintf("provider error %d", attempt)); err != nil {
			t.Fatal(err)
		}
		got, _ := q.Get(ctx, "t1", job.ID)
		if got.Attempts != attempt {
			t.Fatalf("attempts=%d, want %d", got.Attempts, attempt)
		}
		if attempt < 3 {
			if got.Status != StatusFailed {
				t.Fatalf("expected failed after attempt %d, got %s", attempt, got.Status)
			}
			wantDelay := Backoff(attempt)
			if gotDelay := got.NextRunAt.Sub(base.UTC()); gotDelay != wantDelay {
				t.Fatalf("attempt %d: next_run_at delay %s, want %s", attempt, gotDelay, wantDelay)
			}
			// Not yet due: a claim sneaks through only because the lease is
			// clear; due-scans must exclude it.
			due, _ := q.ListDue(ctx, StatusFailed, 10)
			if len(due) != 0 {
				t.Fatalf("backed-off job must not be due, got %d", len(due))
			}
			q.now = func() time.Time { return base.Add(wantDelay) }
			base = base.Add(wantDelay)
			q.now = func() time.Time { return base }
		}
	}

	got, _ := q.Get(ctx, "t1", job.ID)
	if got.Status != StatusDeadLetter {
		t.Fatalf("expected dead_letter after exhausting attempts, got %s", got.Status)
	}
	if got.LastError != "provider error 3" {
		t.Fatalf("unexpected last error: %q", got.LastError)
	}

	// Dead letter is terminal for automatic transitions.
	if ok, _ := q.Claim(ctx, "t1", job.ID, "worker-a", time.Minute); ok {
		t.Fatal("dead-lettered job must not be claimable")
	}

	// A fourth enqueue with the same key returns the dead-lettered job.
	again, deduped, err := q.Enqueue(ctx, EnqueueRequest{
		TenantID: "t1", Type: TypeSubmit, IdempotencyKey: "k1", MaxAttempts: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !deduped || again.ID != job.ID {
		t.Fatalf("expected deduplicated dead-lettered job, got deduped=%v id=%s", deduped, again.ID)
	}
}

func TestRequeueClearsStateAndMakesClaimable(t *testing.T) {
	q := NewInMemory()
	ctx := context.Background()

	job, _, _ := q.Enqueue(ctx, EnqueueRequest{TenantID: "t1", Type: TypeSync, MaxAttempts: 1})
	if ok, _ := q.Claim(ctx, "t1", job.ID, "worker-a", time.Minute); !ok {
		t.Fatal("claim failed")
	}
	if err := q.Fail(ctx, "t1", job.ID, "boom"); err != nil {
		t.Fatal(err)
	}
	got, _ := q.Get(ctx, "t1", job.ID)
	if got.Status != StatusDeadLetter {
		t.Fatalf("expected dead_letter, got %s", got.Status)
	}

	if err := q.Requeue(ctx, "t1", job.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = q.Get(ctx, "t1", job.ID)
	if got.Status != StatusQueued || got.LastError != "" || got.ClaimedBy != "" || got.LeaseExpiresAt != nil {
		t.Fatalf("requeue did not reset job: %+v", got)
	}
	if ok, _ := q.Claim(ctx, "t1", job.ID, "worker-b", time.Minute); !ok {
		t.Fatal("requeued job must be claimable immediately")
	}
}

func TestCompleteStoresResult(t *testing.T) {
	q := NewInMemory()
	ctx := context.Background()

	job, _, _ := q.Enqueue(ctx, EnqueueRequest{TenantID: "t1", Type: TypePostJob})
	if ok, _ := q.Claim(ctx, "t1", job.ID, "worker-a", time.Minute); !ok {
		t.Fatal("claim failed")
	}
	if err := q.Complete(ctx, "t1", job.ID, json.RawMessage(`{"voucher":"A42"}`)); err != nil {
		t.Fatal(err)
	}
	got, _ := q.Get(ctx, "t1", job.ID)
	if got.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", got.Status)
	}
	if string(got.Result) != `{"voucher":"A42"}` {
		t.Fatalf("unexpected result: %s", got.Result)
	}
	if got.ClaimedBy != "" || got.LeaseExpiresAt != nil {
		t.Fatal("completion must clear the lease")
	}
}

func TestListDueOrdering(t *testing.T) {
	q := NewInMemory()
	ctx := context.Background()
	base := time.Now().UTC()
	q.now = func() time.Time { return base }

	late, _, _ := q.Enqueue(ctx, EnqueueRequest{TenantID: "t1", Type: TypeSync, RunAt: base.Add(-time.Minute)})
	early, _, _ := q.Enqueue(ctx, EnqueueRequest{TenantID: "t1", Type: TypeSync, RunAt: base.Add(-time.Hour)})
	q.Enqueue(ctx, EnqueueRequest{TenantID: "t1", Type: TypeSync, RunAt: base.Add(time.Hour)})

	due, err := q.ListDue(ctx, StatusQueued, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due jobs, got %d", len(due))
	}
	if due[0].ID != early.ID || due[1].ID != late.ID {
		t.Fatalf("due jobs not ordered by next_run_at: %s, %s", due[0].ID, due[1].ID)
	}
}
