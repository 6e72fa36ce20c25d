package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fundops.org/internal/client"
	"fundops.org/internal/connection"
	"fundops.org/internal/jobqueue"
)

// outboundPayload is the job payload shape shared by the outbound job types:
// which integration to call and what to send.
type outboundPayload struct {
	Integration connection.Type `json:"integration"`
	Endpoint    string          `json:"endpoint"`
	Method      string          `json:"method,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// webhookPayload is an inbound provider event queued for asynchronous
// processing instead of being handled inside the webhook request.
type webhookPayload struct {
	Integration connection.Type `json:"integration"`
	Event       string          `json:"event"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// RegisterDefaultHandlers wires the standard handler per job type. Handlers
// return an error for anything retryable; a provider rejecting the request
// outright is still an error here so the backoff/dead-letter policy applies.
func RegisterDefaultHandlers(w *Worker, registry *client.Registry) {
	w.Register(jobqueue.TypeSync, syncHandler(registry))
	w.Register(jobqueue.TypePostJob, outboundHandler(registry, http.MethodPost))
	w.Register(jobqueue.TypeSubmit, outboundHandler(registry, http.MethodPut))
	w.Register(jobqueue.TypeWebhookEvent, webhookHandler())
}

// syncHandler pulls data from the integration named in the payload.
func syncHandler(registry *client.Registry) Handler {
	return func(ctx context.Context, job jobqueue.Job) ([]byte, error) {
		var p outboundPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed sync payload: %w", err)
		}
		if p.Endpoint == "" {
			return nil, errors.New("sync payload is missing endpoint")
		}
		c, err := registry.Create(ctx, p.Integration, job.TenantID)
		if err != nil {
			return nil, err
		}
		res := c.Get(ctx, p.Endpoint, nil)
		if !res.Success {
			return nil, errors.New(res.Error)
		}
		return wrapResult(res, map[string]any{"synced_at": time.Now().UTC()})
	}
}

// outboundHandler pushes a payload to the integration API with a fixed
// default method, overridable per job.
func outboundHandler(registry *client.Registry, defaultMethod string) Handler {
	return func(ctx context.Context, job jobqueue.Job) ([]byte, error) {
		var p outboundPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed payload: %w", err)
		}
		if p.Endpoint == "" {
			return nil, errors.New("payload is missing endpoint")
		}
		method := strings.ToUpper(p.Method)
		if method == "" {
			method = defaultMethod
		}
		c, err := registry.Create(ctx, p.Integration, job.TenantID)
		if err != nil {
			return nil, err
		}
		var body any
		if len(p.Body) > 0 {
			body = json.RawMessage(p.Body)
		}
		res := c.Request(ctx, method, p.Endpoint, body, nil)
		if !res.Success {
			return nil, errors.New(res.Error)
		}
		return wrapResult(res, nil)
	}
}

// webhookHandler acknowledges inbound provider events. Validation happens
// here rather than in the webhook endpoint so a burst of events never blocks
// the provider's delivery.
func webhookHandler() Handler {
	return func(ctx context.Context, job jobqueue.Job) ([]byte, error) {
		var p webhookPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed webhook payload: %w", err)
		}
		if p.Event == "" {
			return nil, errors.New("webhook payload is missing event name")
		}
		out, err := json.Marshal(map[string]any{
			"integration":  p.Integration,
			"event":        p.Event,
			"processed_at": time.Now().UTC(),
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

func wrapResult(res client.Result, extra map[string]any) ([]byte, error) {
	out := map[string]any{
		"status_code": res.StatusCode,
	}
	if len(res.Data) > 0 {
		out["data"] = json.RawMessage(res.Data)
	}
	for k, v := range extra {
		out[k] = v
	}
	return json.Marshal(out)
}
