// Package jobs is the durable background runtime: a leased queue with
// at-least-once delivery, exponential-backoff retries, progress reporting
// and cooperative cancellation.
package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/expense-engine/internal/ports"
	"github.com/rawblock/expense-engine/pkg/models"
)

// Store is the persistence surface of the queue. ClaimJob must be atomic
// against concurrent claimers (the Postgres layer uses FOR UPDATE SKIP
// LOCKED); every lease-scoped mutation checks the owner so a worker whose
// lease expired cannot clobber a reclaimed job.
type Store interface {
	EnqueueJob(ctx context.Context, job *models.Job) error
	ClaimJob(ctx context.Context, kind models.JobKind, owner string, now time.Time, leaseTTL time.Duration) (*models.Job, error)
	RenewLease(ctx context.Context, id uuid.UUID, owner string, until time.Time) error
	UpdateJobProgress(ctx context.Context, id uuid.UUID, owner string, progress models.JobProgress) error
	CompleteJob(ctx context.Context, id uuid.UUID, owner, resultRef string, progress models.JobProgress, at time.Time) error
	RetryJob(ctx context.Context, id uuid.UUID, owner string, nextVisibleAt time.Time, lastError string) error
	FailJob(ctx context.Context, id uuid.UUID, owner, lastError string, at time.Time) error
	MarkCancelled(ctx context.Context, id uuid.UUID, owner string, progress models.JobProgress, at time.Time) error
	CancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
	RequestCancel(ctx context.Context, id uuid.UUID) error
	RequeueExpiredLeases(ctx context.Context, now time.Time) (int, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, userID uuid.UUID, limit int) ([]models.Job, error)
}

// Queue is the enqueue-side API handed to the HTTP layer and to handlers
// that chain follow-up work.
type Queue struct {
	store       Store
	clock       ports.Clock
	maxAttempts int
}

func NewQueue(store Store, clock ports.Clock, maxAttempts int) *Queue {
	return &Queue{store: store, clock: clock, maxAttempts: maxAttempts}
}

// Enqueue inserts a pending job visible immediately.
func (q *Queue) Enqueue(ctx context.Context, kind models.JobKind, userID uuid.UUID, payload any) (*models.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, models.WrapErr(models.KindValidation, err, "unserializable job payload")
	}
	job := &models.Job{
		ID:            uuid.New(),
		Kind:          kind,
		UserID:        userID,
		Payload:       raw,
		Status:        models.JobPending,
		MaxAttempts:   q.maxAttempts,
		NextVisibleAt: q.clock.Now(),
		CreatedAt:     q.clock.Now(),
	}
	if err := q.store.EnqueueJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return q.store.GetJob(ctx, id)
}

func (q *Queue) List(ctx context.Context, userID uuid.UUID, limit int) ([]models.Job, error) {
	return q.store.ListJobs(ctx, userID, limit)
}

// Cancel flags a job for cooperative cancellation. Terminal jobs conflict.
func (q *Queue) Cancel(ctx context.Context, id uuid.UUID) error {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return models.E(models.KindConflict, "job %s is already %s", id, job.Status)
	}
	return q.store.RequestCancel(ctx, id)
}
