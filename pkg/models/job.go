package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobPending         JobStatus = "pending"
	JobRunning         JobStatus = "running"
	JobSucceeded       JobStatus = "succeeded"
	JobFailed          JobStatus = "failed"
	JobCancelled       JobStatus = "cancelled"
	JobCancelRequested JobStatus = "cancel_requested"
)

// Terminal reports whether the status can no longer change.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

type JobKind string

const (
	JobOCRExtract            JobKind = "ocr_extract"
	JobCategorizeTransaction JobKind = "categorize_transaction"
	JobMatchReceipt          JobKind = "match_receipt"
	JobGenerateReport        JobKind = "generate_report"
	JobSyncReferenceData     JobKind = "sync_reference_data"
	JobWarmCache             JobKind = "warm_cache"
	JobPurgeStaleEmbeddings  JobKind = "purge_stale_embeddings"
)

// AllJobKinds lists every registered kind, used for claim queries and the
// per-kind concurrency cap config.
var AllJobKinds = []JobKind{
	JobOCRExtract,
	JobCategorizeTransaction,
	JobMatchReceipt,
	JobGenerateReport,
	JobSyncReferenceData,
	JobWarmCache,
	JobPurgeStaleEmbeddings,
}

type JobProgress struct {
	Total     int        `json:"total"`
	Processed int        `json:"processed"`
	Failed    int        `json:"failed"`
	ETA       *time.Time `json:"eta,omitempty"`
}

// Job is a durable unit of background work executed at-least-once under the
// lease protocol. Handlers must be idempotent keyed by job id.
type Job struct {
	ID             uuid.UUID       `json:"id"`
	Kind           JobKind         `json:"kind"`
	UserID         uuid.UUID       `json:"userId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         JobStatus       `json:"status"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"maxAttempts"`
	NextVisibleAt  time.Time       `json:"nextVisibleAt"`
	LeaseOwner     string          `json:"leaseOwner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"leaseExpiresAt,omitempty"`
	Progress       JobProgress     `json:"progress"`
	ResultRef      string          `json:"resultRef,omitempty"`
	LastError      string          `json:"error,omitempty"`
	RowVersion     int64           `json:"rowVersion"`
	CreatedAt      time.Time       `json:"createdAt"`
}
