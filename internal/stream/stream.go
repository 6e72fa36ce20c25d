package stream

import (
	"context"
	"sync"
	"time"

	"fundops.org/internal/jobqueue"
)

// JobEvent describes a job state transition for the live activity stream.
type JobEvent struct {
	TenantID  string          `json:"tenant_id"`
	JobID     string          `json:"job_id"`
	Type      jobqueue.Type   `json:"type"`
	Status    jobqueue.Status `json:"status"`
	Attempts  int             `json:"attempts"`
	Timestamp time.Time       `json:"timestamp"`
}

// Stream fan-outs job events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan JobEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan JobEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan JobEvent {
	ch := make(chan JobEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt JobEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// FromJob builds the event for a job's current state.
func FromJob(job jobqueue.Job) JobEvent {
	return JobEvent{
		TenantID:  job.TenantID,
		JobID:     job.ID,
		Type:      job.Type,
		Status:    job.Status,
		Attempts:  job.Attempts,
		Timestamp: time.Now().UTC(),
	}
}
