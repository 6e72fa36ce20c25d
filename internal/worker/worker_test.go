package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"fundops.org/internal/jobqueue"
	"fundops.org/internal/stream"
)

func enqueue(t *testing.T, q jobqueue.Queue, typ jobqueue.Type, maxAttempts int) jobqueue.Job {
	t.Helper()
	job, _, err := q.Enqueue(context.Background(), jobqueue.EnqueueRequest{
		TenantID:    "t1",
		Type:        typ,
		Payload:     json.RawMessage(`{"n":1}`),
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		t.Fatal(err)
	}
	return job
}

func TestRunOnceCompletesJob(t *testing.T) {
	q := jobqueue.NewInMemory()
	w := New(q, nil, Config{ID: "w1"})
	var got jobqueue.Job
	w.Register(jobqueue.TypeSync, func(ctx context.Context, job jobqueue.Job) ([]byte, error) {
		got = job
		return []byte(`{"synced":3}`), nil
	})

	job := enqueue(t, q, jobqueue.TypeSync, 0)
	w.RunOnce(context.Background())

	if got.ID != job.ID {
		t.Fatalf("handler saw job %q, want %q", got.ID, job.ID)
	}
	after, err := q.Get(context.Background(), "t1", job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != jobqueue.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", after.Status)
	}
	if string(after.Result) != `{"synced":3}` {
		t.Fatalf("unexpected result: %s", after.Result)
	}
	if after.LeaseExpiresAt != nil {
		t.Fatal("lease must be cleared on completion")
	}
}

func TestRunOnceFailureSchedulesRetry(t *testing.T) {
	q := jobqueue.NewInMemory()
	w := New(q, nil, Config{ID: "w1"})
	w.Register(jobqueue.TypeSubmit, func(ctx context.Context, job jobqueue.Job) ([]byte, error) {
		return nil, errors.New("upstream 503")
	})

	job := enqueue(t, q, jobqueue.TypeSubmit, 3)
	w.RunOnce(context.Background())

	after, err := q.Get(context.Background(), "t1", job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != jobqueue.StatusFailed || after.Attempts != 1 {
		t.Fatalf("expected failed attempt 1, got %s attempts=%d", after.Status, after.Attempts)
	}
	if after.LastError != "upstream 503" {
		t.Fatalf("unexpected error: %q", after.LastError)
	}
	if !after.NextRunAt.After(time.Now()) {
		t.Fatal("retry must be scheduled in the future")
	}
}

func TestRunOnceDeadLettersAtCeiling(t *testing.T) {
	q := jobqueue.NewInMemory()
	w := New(q, nil, Config{ID: "w1"})
	w.Register(jobqueue.TypeSubmit, func(ctx context.Context, job jobqueue.Job) ([]byte, error) {
		return nil, errors.New("always fails")
	})

	job := enqueue(t, q, jobqueue.TypeSubmit, 1)
	w.RunOnce(context.Background())

	after, err := q.Get(context.Background(), "t1", job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != jobqueue.StatusDeadLetter {
		t.Fatalf("expected dead_letter, got %s", after.Status)
	}
}

func TestRunOnceUnknownTypeFailsJob(t *testing.T) {
	q := jobqueue.NewInMemory()
	w := New(q, nil, Config{ID: "w1"})

	job := enqueue(t, q, jobqueue.TypeWebhookEvent, 2)
	w.RunOnce(context.Background())

	after, err := q.Get(context.Background(), "t1", job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != jobqueue.StatusFailed {
		t.Fatalf("expected failed, got %s", after.Status)
	}
	if after.LastError == "" {
		t.Fatal("expected a recorded error for the missing handler")
	}
}

func TestRunOnceSkipsFutureJobs(t *testing.T) {
	q := jobqueue.NewInMemory()
	w := New(q, nil, Config{ID: "w1"})
	called := false
	w.Register(jobqueue.TypeSync, func(ctx context.Context, job jobqueue.Job) ([]byte, error) {
		called = true
		return nil, nil
	})

	_, _, err := q.Enqueue(context.Background(), jobqueue.EnqueueRequest{
		TenantID: "t1",
		Type:     jobqueue.TypeSync,
		RunAt:    time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	w.RunOnce(context.Background())
	if called {
		t.Fatal("job scheduled in the future must not run")
	}
}

func TestTwoWorkersOneExecution(t *testing.T) {
	q := jobqueue.NewInMemory()
	executions := 0
	handler := func(ctx context.Context, job jobqueue.Job) ([]byte, error) {
		executions++
		return nil, nil
	}
	w1 := New(q, nil, Config{ID: "w1"})
	w1.Register(jobqueue.TypeSync, handler)
	w2 := New(q, nil, Config{ID: "w2"})
	w2.Register(jobqueue.TypeSync, handler)

	enqueue(t, q, jobqueue.TypeSync, 0)

	// Sequential passes: the second worker's claim must lose.
	w1.RunOnce(context.Background())
	w2.RunOnce(context.Background())

	if executions != 1 {
		t.Fatalf("expected exactly one execution, got %d", executions)
	}
}

func TestRunOncePublishesEvents(t *testing.T) {
	q := jobqueue.NewInMemory()
	events := stream.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := events.Subscribe(ctx)

	w := New(q, events, Config{ID: "w1"})
	w.Register(jobqueue.TypeSync, func(ctx context.Context, job jobqueue.Job) ([]byte, error) {
		return nil, nil
	})
	job := enqueue(t, q, jobqueue.TypeSync, 0)
	w.RunOnce(context.Background())

	var statuses []jobqueue.Status
	timeout := time.After(time.Second)
	for len(statuses) < 2 {
		select {
		case evt := <-ch:
			if evt.JobID != job.ID {
				t.Fatalf("unexpected job id %q", evt.JobID)
			}
			statuses = append(statuses, evt.Status)
		case <-timeout:
			t.Fatalf("timed out, got statuses %v", statuses)
		}
	}
	if statuses[0] != jobqueue.StatusRunning || statuses[1] != jobqueue.StatusSucceeded {
		t.Fatalf("unexpected transition order: %v", statuses)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	q := jobqueue.NewInMemory()
	w := New(q, nil, Config{ID: "w1", PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
