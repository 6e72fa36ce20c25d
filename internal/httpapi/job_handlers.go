package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fundops.org/internal/jobqueue"
	"fundops.org/internal/stream"
)

type enqueueJobRequest struct {
	Type           jobqueue.Type   `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	MaxAttempts    int             `json:"max_attempts"`
	RunAt          *time.Time      `json:"run_at"`
}

type enqueueJobResponse struct {
	Job          jobqueue.Job `json:"job"`
	Deduplicated bool         `json:"deduplicated"`
}

func (a *API) handleJobsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.enqueueJob(w, r)
	case http.MethodGet:
		a.listJobs(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleJobResource routes /v1/jobs/{id}[/requeue] and /v1/jobs/stream.
func (a *API) handleJobResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	if path == "stream" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.Stream(w, r)
		return
	}

	parts := strings.SplitN(path, "/", 2)
	jobID := parts[0]
	if jobID == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	action := ""
	if len(parts) == 2 {
		action = strings.TrimSuffix(parts[1], "/")
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getJob(w, r, jobID)
	case "requeue":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.requeueJob(w, r, jobID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) enqueueJob(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r)
	if tenantID == "" {
		writeError(w, r, http.StatusBadRequest, "X-Tenant-ID header is required")
		return
	}

	var req enqueueJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Type == "" {
		writeError(w, r, http.StatusBadRequest, "type is required")
		return
	}

	idem := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if req.IdempotencyKey != "" {
		bodyKey := strings.TrimSpace(req.IdempotencyKey)
		if idem == "" {
			idem = bodyKey
		} else if idem != bodyKey {
			writeError(w, r, http.StatusBadRequest, "Idempotency-Key header and body value must match")
			return
		}
	}
	if len(idem) > 128 {
		writeError(w, r, http.StatusBadRequest, "Idempotency-Key too long")
		return
	}

	enq := jobqueue.EnqueueRequest{
		TenantID:       tenantID,
		Type:           req.Type,
		Payload:        req.Payload,
		IdempotencyKey: idem,
		MaxAttempts:    req.MaxAttempts,
	}
	if req.RunAt != nil {
		enq.RunAt = *req.RunAt
	}

	job, deduplicated, err := a.queue.Enqueue(r.Context(), enq)
	if err != nil {
		handleJobError(w, r, err)
		return
	}

	if idem != "" {
		w.Header().Set("Idempotency-Key", idem)
	}
	event := "job.enqueued"
	code := http.StatusCreated
	if deduplicated {
		event = "job.enqueue.deduplicated"
		code = http.StatusOK
	} else if a.events != nil {
		a.publishJob(r.Context(), tenantID, job.ID)
	}
	a.audit(r.Context(), event, tenantID, map[string]any{
		"job_id": job.ID, "job_type": string(job.Type),
	})
	writeJSON(w, code, enqueueJobResponse{Job: job, Deduplicated: deduplicated})
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r)
	if tenantID == "" {
		writeError(w, r, http.StatusBadRequest, "X-Tenant-ID header is required")
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := a.queue.List(r.Context(), tenantID, limit)
	if err != nil {
		handleJobError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []jobqueue.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": jobs,
		"as_of": time.Now().UTC(),
	})
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request, jobID string) {
	tenantID := tenantFrom(r)
	if tenantID == "" {
		writeError(w, r, http.StatusBadRequest, "X-Tenant-ID header is required")
		return
	}
	job, err := a.queue.Get(r.Context(), tenantID, jobID)
	if err != nil {
		handleJobError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) requeueJob(w http.ResponseWriter, r *http.Request, jobID string) {
	tenantID := tenantFrom(r)
	if tenantID == "" {
		writeError(w, r, http.StatusBadRequest, "X-Tenant-ID header is required")
		return
	}
	if err := a.queue.Requeue(r.Context(), tenantID, jobID); err != nil {
		handleJobError(w, r, err)
		return
	}
	a.audit(r.Context(), "job.requeued", tenantID, map[string]any{"job_id": jobID})
	a.publishJob(r.Context(), tenantID, jobID)

	job, err := a.queue.Get(r.Context(), tenantID, jobID)
	if err != nil {
		handleJobError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) publishJob(ctx context.Context, tenantID, jobID string) {
	if a.events == nil {
		return
	}
	job, err := a.queue.Get(ctx, tenantID, jobID)
	if err != nil {
		return
	}
	a.events.Publish(stream.FromJob(job))
}

func handleJobError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, jobqueue.ErrInvalidTenant), errors.Is(err, jobqueue.ErrInvalidType):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobqueue.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}
