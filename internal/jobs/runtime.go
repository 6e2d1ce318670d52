package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rawblock/expense-engine/internal/ports"
	"github.com/rawblock/expense-engine/pkg/models"
)

// Handler executes one job attempt. It may return a result ref to persist
// on success, must be idempotent keyed by job id, and propagates
// ErrCancelled from Checkpoint without wrapping.
type Handler func(jc *Context) (resultRef string, err error)

type Config struct {
	LeaseTTL     time.Duration
	RenewEvery   time.Duration
	PollInterval time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	Concurrency  map[models.JobKind]int
}

func DefaultRuntimeConfig() Config {
	return Config{
		LeaseTTL:     90 * time.Second,
		RenewEvery:   30 * time.Second,
		PollInterval: time.Second,
		BackoffBase:  60 * time.Second,
		BackoffMax:   time.Hour,
	}
}

// Runtime drives a worker pool over the job queue. One goroutine per unit
// of per-kind concurrency, plus a reaper returning expired leases to the
// pending pool.
type Runtime struct {
	store    Store
	clock    ports.Clock
	cfg      Config
	handlers map[models.JobKind]Handler
	owner    string
}

func NewRuntime(store Store, clock ports.Clock, cfg Config) *Runtime {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return &Runtime{
		store:    store,
		clock:    clock,
		cfg:      cfg,
		handlers: make(map[models.JobKind]Handler),
		owner:    fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
	}
}

func (rt *Runtime) Register(kind models.JobKind, h Handler) {
	rt.handlers[kind] = h
}

func (rt *Runtime) concurrencyFor(kind models.JobKind) int {
	if n, ok := rt.cfg.Concurrency[kind]; ok && n > 0 {
		return n
	}
	return 1
}

// Start blocks until ctx is cancelled, running claim loops for every
// registered kind and the lease reaper.
func (rt *Runtime) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for kind := range rt.handlers {
		kind := kind
		for i := 0; i < rt.concurrencyFor(kind); i++ {
			g.Go(func() error {
				rt.claimLoop(ctx, kind)
				return nil
			})
		}
	}
	g.Go(func() error {
		rt.reapLoop(ctx)
		return nil
	})

	log.Printf("[Jobs] runtime started as %s (%d kinds)", rt.owner, len(rt.handlers))
	return g.Wait()
}

func (rt *Runtime) claimLoop(ctx context.Context, kind models.JobKind) {
	ticker := time.NewTicker(rt.cfg.PollInterval)
	defer ticker.Stop()
	for {
		ran, err := rt.RunOnce(ctx, kind)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[Jobs] %s claim loop: %v", kind, err)
		}
		if ran {
			// Drain the backlog before returning to the poll interval.
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (rt *Runtime) reapLoop(ctx context.Context) {
	interval := rt.cfg.LeaseTTL / 2
	if interval <= 0 {
		interval = 45 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := rt.store.RequeueExpiredLeases(ctx, rt.clock.Now())
			if err != nil {
				log.Printf("[Jobs] lease reaper: %v", err)
			} else if n > 0 {
				log.Printf("[Jobs] requeued %d expired leases", n)
			}
		}
	}
}

// RunOnce claims and executes at most one job of the given kind. Returns
// whether a job ran. Exposed for tests and for drain-style tooling.
func (rt *Runtime) RunOnce(ctx context.Context, kind models.JobKind) (bool, error) {
	handler, ok := rt.handlers[kind]
	if !ok {
		return false, models.E(models.KindInternal, "no handler registered for %s", kind)
	}

	job, err := rt.store.ClaimJob(ctx, kind, rt.owner, rt.clock.Now(), rt.cfg.LeaseTTL)
	if err != nil {
		if models.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	rt.execute(ctx, job, handler)
	return true, nil
}

func (rt *Runtime) execute(ctx context.Context, job *models.Job, handler Handler) {
	now := rt.clock.Now()
	jc := &Context{
		ctx:         ctx,
		job:         job,
		rt:          rt,
		owner:       rt.owner,
		startedAt:   now,
		lastRenewal: now,
	}

	resultRef, err := rt.runGuarded(jc, handler, job)
	progress := jc.snapshot()

	switch {
	case err == nil:
		if progress.Total > 0 {
			progress.Processed = progress.Total
		}
		if cerr := rt.store.CompleteJob(ctx, job.ID, rt.owner, resultRef, progress, rt.clock.Now()); cerr != nil {
			log.Printf("[Jobs] complete failed for %s: %v", job.ID, cerr)
		}

	case errors.Is(err, ErrCancelled):
		// Progress persists as-is; completed side-effects stay.
		if cerr := rt.store.MarkCancelled(ctx, job.ID, rt.owner, progress, rt.clock.Now()); cerr != nil {
			log.Printf("[Jobs] cancel mark failed for %s: %v", job.ID, cerr)
		}
		log.Printf("[Jobs] job %s (%s) cancelled at %d/%d", job.ID, job.Kind, progress.Processed, progress.Total)

	case rt.shouldRetry(job, err):
		next := rt.clock.Now().Add(backoff(rt.cfg, job.Attempt))
		if rerr := rt.store.RetryJob(ctx, job.ID, rt.owner, next, err.Error()); rerr != nil {
			log.Printf("[Jobs] retry schedule failed for %s: %v", job.ID, rerr)
		}
		log.Printf("[Jobs] job %s (%s) attempt %d/%d failed, retrying: %v", job.ID, job.Kind, job.Attempt, job.MaxAttempts, err)

	default:
		if ferr := rt.store.FailJob(ctx, job.ID, rt.owner, err.Error(), rt.clock.Now()); ferr != nil {
			log.Printf("[Jobs] fail mark failed for %s: %v", job.ID, ferr)
		}
		log.Printf("[Jobs] job %s (%s) failed terminally: %v", job.ID, job.Kind, err)
	}
}

// runGuarded converts handler panics into errors: transient for the first
// two attempts, fatal Internal thereafter.
func (rt *Runtime) runGuarded(jc *Context, handler Handler, job *models.Job) (resultRef string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Jobs] handler panic in %s job %s: %v\n%s", job.Kind, job.ID, r, debug.Stack())
			if job.Attempt <= 2 {
				err = models.E(models.KindProviderTransient, "handler panic: %v", r)
			} else {
				err = models.E(models.KindInternal, "handler panic: %v", r)
			}
		}
	}()
	return handler(jc)
}

func (rt *Runtime) shouldRetry(job *models.Job, err error) bool {
	if job.Attempt >= job.MaxAttempts {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return models.Retryable(err)
}

// backoff is min(base * 2^attempt, max).
func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.BackoffBase
	for i := 0; i < attempt && d < cfg.BackoffMax; i++ {
		d *= 2
	}
	if d > cfg.BackoffMax {
		d = cfg.BackoffMax
	}
	return d
}
