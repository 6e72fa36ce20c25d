package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"fundops.org/internal/ids"
	"fundops.org/internal/jobqueue"
	"fundops.org/internal/obs"
)

var _ jobqueue.Queue = (*Store)(nil)

const jobColumns = `id, tenant_id, job_type, status, attempts, max_attempts, next_run_at,
	lease_expires_at, claimed_by, idempotency_key, payload, last_error, result,
	created_at, updated_at, expires_at`

// Enqueue claims the idempotency mapping first; only the winner of that
// insert creates a job row. A loser reads the mapped job back and reports
// deduplicated=true, so concurrent duplicates converge on one job.
func (s *Store) Enqueue(ctx context.Context, req jobqueue.EnqueueRequest) (jobqueue.Job, bool, error) {
	if req.TenantID == "" {
		return jobqueue.Job{}, false, jobqueue.ErrInvalidTenant
	}
	if req.Type == "" {
		return jobqueue.Job{}, false, jobqueue.ErrInvalidType
	}

	jobID := ids.New()

	if req.IdempotencyKey != "" {
		var mappedID string
		err := s.db.QueryRowContext(ctx, `
			insert into integration_job_keys (tenant_id, idempotency_key, job_id, expires_at)
			values ($1, $2, $3, now() + make_interval(days => $4))
			on conflict (tenant_id, idempotency_key) do update
			set idempotency_key = excluded.idempotency_key
			returning job_id
		`, req.TenantID, req.IdempotencyKey, jobID, jobqueue.KeyRetentionDays).Scan(&mappedID)
		if err != nil {
			return jobqueue.Job{}, false, err
		}
		if mappedID != jobID {
			job, err := s.Get(ctx, req.TenantID, mappedID)
			if errors.Is(err, jobqueue.ErrNotFound) {
				// The job row expired but the mapping survives: still deduplicate.
				obs.RecordJobEnqueued(string(req.Type), true)
				return jobqueue.Job{ID: mappedID, TenantID: req.TenantID, IdempotencyKey: req.IdempotencyKey}, true, nil
			}
			if err != nil {
				return jobqueue.Job{}, false, err
			}
			obs.RecordJobEnqueued(string(job.Type), true)
			return job, true, nil
		}
	}

	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = time.Now().UTC()
	}
	ttlDays := req.TTLDays
	if ttlDays <= 0 {
		ttlDays = jobqueue.DefaultTTLDays
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = jobqueue.DefaultMaxAttempts
	} else if maxAttempts < 1 {
		maxAttempts = 1
	} else if maxAttempts > 50 {
		maxAttempts = 50
	}

	row := s.db.QueryRowContext(ctx, `
		insert into integration_jobs
			(id, tenant_id, job_type, status, attempts, max_attempts, next_run_at,
			 idempotency_key, payload, created_at, updated_at, expires_at)
		values ($1,$2,$3,'queued',0,$4,$5,nullif($6,''),$7,now(),now(),now() + make_interval(days => $8))
		returning `+jobColumns+`
	`, jobID, req.TenantID, req.Type, maxAttempts, runAt.UTC(), req.IdempotencyKey, []byte(req.Payload), ttlDays)

	job, err := scanJob(row)
	if err != nil {
		return jobqueue.Job{}, false, err
	}
	obs.RecordJobEnqueued(string(job.Type), false)
	return job, false, nil
}

// Claim is a single guarded update. The where clause encodes every
// claimability rule, so losing a race simply affects zero rows.
func (s *Store) Claim(ctx context.Context, tenantID, jobID, claimantID string, lease time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update integration_jobs
		set status='running',
			lease_expires_at = now() + make_interval(secs => $4),
			claimed_by = $3,
			updated_at = now()
		where tenant_id=$1 and id=$2
			and status in ('queued','failed','running')
			and (lease_expires_at is null or lease_expires_at <= now())
	`, tenantID, jobID, claimantID, lease.Seconds())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) Complete(ctx context.Context, tenantID, jobID string, result json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
		update integration_jobs
		set status='succeeded', result=$3, lease_expires_at=null, claimed_by='', updated_at=now()
		where tenant_id=$1 and id=$2
	`, tenantID, jobID, []byte(result))
	if err != nil {
		return err
	}
	if err := mustAffectJob(res); err != nil {
		return err
	}
	s.recordFinished(ctx, tenantID, jobID)
	return nil
}

// Fail folds the retry-or-dead-letter decision into one statement so two
// workers reporting the same failure cannot double-increment past the
// ceiling into inconsistent states.
func (s *Store) Fail(ctx context.Context, tenantID, jobID, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		update integration_jobs
		set attempts = attempts + 1,
			last_error = $3,
			lease_expires_at = null,
			claimed_by = '',
			updated_at = now(),
			status = case when attempts + 1 >= max_attempts then 'dead_letter' else 'failed' end,
			next_run_at = case when attempts + 1 >= max_attempts then next_run_at
				else now() + make_interval(secs => least(5 * power(2, attempts), 600)) end
		where tenant_id=$1 and id=$2
	`, tenantID, jobID, errMsg)
	if err != nil {
		return err
	}
	if err := mustAffectJob(res); err != nil {
		return err
	}
	s.recordFinished(ctx, tenantID, jobID)
	return nil
}

func (s *Store) Requeue(ctx context.Context, tenantID, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		update integration_jobs
		set status='queued', next_run_at=now(), lease_expires_at=null, claimed_by='', last_error='', updated_at=now()
		where tenant_id=$1 and id=$2
	`, tenantID, jobID)
	if err != nil {
		return err
	}
	return mustAffectJob(res)
}

func (s *Store) Get(ctx context.Context, tenantID, jobID string) (jobqueue.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+jobColumns+`
		from integration_jobs
		where tenant_id=$1 and id=$2
	`, tenantID, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobqueue.Job{}, jobqueue.ErrNotFound
	}
	return job, err
}

func (s *Store) List(ctx context.Context, tenantID string, limit int) ([]jobqueue.Job, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+jobColumns+`
		from integration_jobs
		where tenant_id=$1
		order by created_at desc
		limit $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListDue walks the (status, next_run_at) index, never the whole table.
func (s *Store) ListDue(ctx context.Context, status jobqueue.Status, limit int) ([]jobqueue.Job, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+jobColumns+`
		from integration_jobs
		where status=$1 and next_run_at <= now()
		order by next_run_at, id
		limit $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// PurgeExpired reclaims job rows and idempotency mappings past their
// retention deadlines. Run periodically by the worker binary.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	var total int64
	res, err := s.db.ExecContext(ctx, `delete from integration_jobs where expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = s.db.ExecContext(ctx, `delete from integration_job_keys where expires_at <= now()`)
	if err != nil {
		return total, err
	}
	n, _ = res.RowsAffected()
	total += n

	res, err = s.db.ExecContext(ctx, `
		delete from integration_connections where expires_at is not null and expires_at <= now()
	`)
	if err != nil {
		return total, err
	}
	n, _ = res.RowsAffected()
	return total + n, nil
}

func (s *Store) recordFinished(ctx context.Context, tenantID, jobID string) {
	job, err := s.Get(ctx, tenantID, jobID)
	if err != nil {
		return
	}
	obs.RecordJobFinished(string(job.Type), string(job.Status))
}

func scanJob(row rowScanner) (jobqueue.Job, error) {
	var (
		job     jobqueue.Job
		lease   sql.NullTime
		claimed sql.NullString
		idem    sql.NullString
		payload []byte
		lastErr sql.NullString
		result  []byte
	)
	err := row.Scan(&job.ID, &job.TenantID, &job.Type, &job.Status, &job.Attempts, &job.MaxAttempts,
		&job.NextRunAt, &lease, &claimed, &idem, &payload, &lastErr, &result,
		&job.CreatedAt, &job.UpdatedAt, &job.ExpiresAt)
	if err != nil {
		return jobqueue.Job{}, err
	}
	if lease.Valid {
		ts := lease.Time
		job.LeaseExpiresAt = &ts
	}
	job.ClaimedBy = claimed.String
	job.IdempotencyKey = idem.String
	job.LastError = lastErr.String
	if len(payload) > 0 {
		job.Payload = json.RawMessage(payload)
	}
	if len(result) > 0 {
		job.Result = json.RawMessage(result)
	}
	return job, nil
}

func collectJobs(rows *sql.Rows) ([]jobqueue.Job, error) {
	var out []jobqueue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func mustAffectJob(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return jobqueue.ErrNotFound
	}
	return nil
}
