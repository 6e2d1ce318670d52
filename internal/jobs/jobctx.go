package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/expense-engine/pkg/models"
)

// ErrCancelled is returned from Checkpoint once a cancel request has been
// observed. Handlers propagate it unchanged; the runtime persists progress
// and marks the job cancelled.
var ErrCancelled = errors.New("job cancelled")

// Context is the handler-facing view of a running job. Progress counters
// are atomic so handlers may advance them from parallel units of work;
// Checkpoint is the cooperative boundary where leases renew and cancel
// requests are honored.
type Context struct {
	ctx   context.Context
	job   *models.Job
	rt    *Runtime
	owner string

	total     atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64

	startedAt   time.Time
	lastRenewal time.Time
	cancelled   atomic.Bool
}

func (c *Context) Ctx() context.Context { return c.ctx }
func (c *Context) JobID() uuid.UUID     { return c.job.ID }
func (c *Context) UserID() uuid.UUID    { return c.job.UserID }
func (c *Context) Attempt() int         { return c.job.Attempt }

// Bind unmarshals the job payload into v.
func (c *Context) Bind(v any) error {
	if err := json.Unmarshal(c.job.Payload, v); err != nil {
		return models.WrapErr(models.KindValidation, err, "bad payload for %s job", c.job.Kind)
	}
	return nil
}

func (c *Context) SetTotal(n int)  { c.total.Store(int64(n)) }
func (c *Context) Advance(n int)   { c.processed.Add(int64(n)) }
func (c *Context) AddFailed(n int) { c.failed.Add(int64(n)) }

func (c *Context) snapshot() models.JobProgress {
	p := models.JobProgress{
		Total:     int(c.total.Load()),
		Processed: int(c.processed.Load()),
		Failed:    int(c.failed.Load()),
	}
	if eta := c.eta(p); eta != nil {
		p.ETA = eta
	}
	return p
}

// eta extrapolates from the average per-unit latency so far.
func (c *Context) eta(p models.JobProgress) *time.Time {
	if p.Processed == 0 || p.Total <= p.Processed {
		return nil
	}
	now := c.rt.clock.Now()
	elapsed := now.Sub(c.startedAt)
	perUnit := elapsed / time.Duration(p.Processed)
	eta := now.Add(perUnit * time.Duration(p.Total-p.Processed))
	return &eta
}

// Checkpoint is called by handlers between units of work. It persists
// progress, renews the lease when due, and surfaces cancellation.
func (c *Context) Checkpoint() error {
	if c.cancelled.Load() {
		return ErrCancelled
	}
	if err := c.ctx.Err(); err != nil {
		return err
	}

	now := c.rt.clock.Now()
	if now.Sub(c.lastRenewal) >= c.rt.cfg.RenewEvery {
		c.lastRenewal = now
		if err := c.rt.store.RenewLease(c.ctx, c.job.ID, c.owner, now.Add(c.rt.cfg.LeaseTTL)); err != nil {
			return err
		}
		cancelled, err := c.rt.store.CancelRequested(c.ctx, c.job.ID)
		if err != nil {
			log.Printf("[Jobs] cancel poll failed for %s: %v", c.job.ID, err)
		} else if cancelled {
			c.cancelled.Store(true)
			return ErrCancelled
		}
	}

	if err := c.rt.store.UpdateJobProgress(c.ctx, c.job.ID, c.owner, c.snapshot()); err != nil {
		log.Printf("[Jobs] progress update failed for %s: %v", c.job.ID, err)
	}
	return nil
}
