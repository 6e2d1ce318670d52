package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rawblock/expense-engine/pkg/models"
)

const jobColumns = `
	id, kind, user_id, payload, status, attempt, max_attempts, next_visible_at,
	lease_owner, lease_expires_at, progress_total, progress_processed,
	progress_failed, progress_eta, result_ref, last_error, row_version, created_at
`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var leaseOwner, resultRef, lastError *string
	err := row.Scan(&j.ID, &j.Kind, &j.UserID, &j.Payload, &j.Status, &j.Attempt,
		&j.MaxAttempts, &j.NextVisibleAt, &leaseOwner, &j.LeaseExpiresAt,
		&j.Progress.Total, &j.Progress.Processed, &j.Progress.Failed, &j.Progress.ETA,
		&resultRef, &lastError, &j.RowVersion, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	if leaseOwner != nil {
		j.LeaseOwner = *leaseOwner
	}
	if resultRef != nil {
		j.ResultRef = *resultRef
	}
	if lastError != nil {
		j.LastError = *lastError
	}
	return &j, nil
}

func (s *PostgresStore) EnqueueJob(ctx context.Context, job *models.Job) error {
	sql := `
		INSERT INTO jobs (id, kind, user_id, payload, status, attempt, max_attempts, next_visible_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`
	_, err := s.pool.Exec(ctx, sql, job.ID, string(job.Kind), job.UserID, job.Payload,
		string(job.Status), job.Attempt, job.MaxAttempts, job.NextVisibleAt, job.CreatedAt)
	return err
}

// ClaimJob leases the oldest visible pending job of the kind. SKIP LOCKED
// keeps concurrent workers from blocking on each other's claims.
func (s *PostgresStore) ClaimJob(ctx context.Context, kind models.JobKind, owner string, now time.Time, leaseTTL time.Duration) (*models.Job, error) {
	sql := `
		UPDATE jobs
		SET status = 'running', attempt = attempt + 1, lease_owner = $2,
		    lease_expires_at = $3, row_version = row_version + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE kind = $1 AND status = 'pending' AND next_visible_at <= $4
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns + `;
	`
	j, err := scanJob(s.pool.QueryRow(ctx, sql, string(kind), owner, now.Add(leaseTTL), now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.E(models.KindNotFound, "no pending %s job", kind)
	}
	return j, err
}

// ownedExec runs an owner-guarded job mutation. Zero rows means the lease
// was lost (reaped or re-claimed), surfaced as Conflict so the stale worker
// stops touching the job.
func (s *PostgresStore) ownedExec(ctx context.Context, sql string, id uuid.UUID, owner string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, append([]any{id, owner}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.E(models.KindConflict, "job %s is not leased by %s", id, owner)
	}
	return nil
}

func (s *PostgresStore) RenewLease(ctx context.Context, id uuid.UUID, owner string, until time.Time) error {
	return s.ownedExec(ctx,
		`UPDATE jobs SET lease_expires_at = $3 WHERE id = $1 AND lease_owner = $2 AND status IN ('running', 'cancel_requested')`,
		id, owner, until)
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id uuid.UUID, owner string, progress models.JobProgress) error {
	return s.ownedExec(ctx, `
		UPDATE jobs
		SET progress_total = $3, progress_processed = $4, progress_failed = $5, progress_eta = $6,
		    row_version = row_version + 1
		WHERE id = $1 AND lease_owner = $2 AND status IN ('running', 'cancel_requested')`,
		id, owner, progress.Total, progress.Processed, progress.Failed, progress.ETA)
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id uuid.UUID, owner, resultRef string, progress models.JobProgress, at time.Time) error {
	return s.ownedExec(ctx, `
		UPDATE jobs
		SET status = 'succeeded', result_ref = NULLIF($3, ''), lease_owner = NULL, lease_expires_at = NULL,
		    progress_total = $4, progress_processed = $5, progress_failed = $6, progress_eta = NULL,
		    row_version = row_version + 1
		WHERE id = $1 AND lease_owner = $2 AND status IN ('running', 'cancel_requested')`,
		id, owner, resultRef, progress.Total, progress.Processed, progress.Failed)
}

func (s *PostgresStore) RetryJob(ctx context.Context, id uuid.UUID, owner string, nextVisibleAt time.Time, lastError string) error {
	return s.ownedExec(ctx, `
		UPDATE jobs
		SET status = 'pending', next_visible_at = $3, last_error = $4,
		    lease_owner = NULL, lease_expires_at = NULL, row_version = row_version + 1
		WHERE id = $1 AND lease_owner = $2 AND status IN ('running', 'cancel_requested')`,
		id, owner, nextVisibleAt, lastError)
}

func (s *PostgresStore) FailJob(ctx context.Context, id uuid.UUID, owner, lastError string, at time.Time) error {
	return s.ownedExec(ctx, `
		UPDATE jobs
		SET status = 'failed', last_error = $3, lease_owner = NULL, lease_expires_at = NULL,
		    row_version = row_version + 1
		WHERE id = $1 AND lease_owner = $2 AND status IN ('running', 'cancel_requested')`,
		id, owner, lastError)
}

func (s *PostgresStore) MarkCancelled(ctx context.Context, id uuid.UUID, owner string, progress models.JobProgress, at time.Time) error {
	return s.ownedExec(ctx, `
		UPDATE jobs
		SET status = 'cancelled', lease_owner = NULL, lease_expires_at = NULL,
		    progress_total = $3, progress_processed = $4, progress_failed = $5, progress_eta = NULL,
		    row_version = row_version + 1
		WHERE id = $1 AND lease_owner = $2 AND status IN ('running', 'cancel_requested')`,
		id, owner, progress.Total, progress.Processed, progress.Failed)
}

func (s *PostgresStore) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, models.E(models.KindNotFound, "job %s not found", id)
	}
	if err != nil {
		return false, err
	}
	return models.JobStatus(status) == models.JobCancelRequested, nil
}

func (s *PostgresStore) RequestCancel(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'cancel_requested', row_version = row_version + 1
		 WHERE id = $1 AND status IN ('pending', 'running')`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.E(models.KindConflict, "job %s cannot be cancelled", id)
	}
	return nil
}

// RequeueExpiredLeases returns running jobs whose lease lapsed to the
// pending pool. The attempt counter already advanced at claim time, so a
// crashed worker consumes one attempt.
func (s *PostgresStore) RequeueExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', lease_owner = NULL, lease_expires_at = NULL,
		    next_visible_at = $1, row_version = row_version + 1
		WHERE status IN ('running', 'cancel_requested') AND lease_expires_at <= $1`,
		now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1;`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.E(models.KindNotFound, "job %s not found", id)
	}
	return j, err
}

func (s *PostgresStore) ListJobs(ctx context.Context, userID uuid.UUID, limit int) ([]models.Job, error) {
	sql := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2;`
	rows, err := s.pool.Query(ctx, sql, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}
