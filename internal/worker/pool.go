package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	obsmetrics "github.com/fairyhunter13/szuru-ingest/internal/adapter/observability"
	"github.com/fairyhunter13/szuru-ingest/internal/domain"
	"github.com/fairyhunter13/szuru-ingest/internal/observability"
)

const (
	defaultClaimInterval = 2 * time.Second
	defaultErrorInterval = 5 * time.Second
)

// Pool runs N concurrent claim loops against the shared job queue.
// SKIP LOCKED on the claim guarantees no job is processed twice.
type Pool struct {
	proc *Processor
	jobs domain.JobRepository
	size int

	claimInterval time.Duration
	errorInterval time.Duration
}

// NewPool builds a pool of size workers; size is clamped to at least 1.
func NewPool(proc *Processor, jobs domain.JobRepository, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		proc:          proc,
		jobs:          jobs,
		size:          size,
		claimInterval: defaultClaimInterval,
		errorInterval: defaultErrorInterval,
	}
}

// WithClaimInterval overrides the idle sleep between claim attempts.
func (p *Pool) WithClaimInterval(d time.Duration) *Pool {
	if d > 0 {
		p.claimInterval = d
	}
	return p
}

// Run blocks until ctx is cancelled and every worker loop has drained.
// A worker finishes its current job before exiting.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, fmt.Sprintf("w%d", id))
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	lg := observability.LoggerFromContext(ctx).With("worker", workerID)
	wctx := observability.ContextWithLogger(ctx, lg)
	lg.Info("worker started")

	for {
		if ctx.Err() != nil {
			lg.Info("worker stopped")
			return
		}

		job, err := p.jobs.ClaimNext(wctx, workerID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			if !sleep(ctx, p.claimInterval) {
				lg.Info("worker stopped")
				return
			}
			continue
		case err != nil:
			lg.Error("claim failed", "error", err)
			if !sleep(ctx, p.errorInterval) {
				lg.Info("worker stopped")
				return
			}
			continue
		}

		lg.Info("job claimed", "job_id", job.ID)
		// The claim already moved the row to downloading; announce it.
		p.proc.publish(wctx, domain.Event{
			JobID:    job.ID,
			Status:   domain.JobDownloading,
			Progress: ptr(domain.JobDownloading.Progress()),
		})

		obsmetrics.JobsProcessing.Inc()
		p.proc.Process(wctx, job)
		obsmetrics.JobsProcessing.Dec()
	}
}

// sleep waits for d, returning false when ctx is cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
