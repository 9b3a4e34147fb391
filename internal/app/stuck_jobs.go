package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/szuru-ingest/internal/domain"
)

// StuckJobSweeper fails jobs left mid-pipeline by a crashed worker so a
// dead process cannot wedge the queue. A job counts as stuck when it has
// sat in a processing status longer than maxProcessingAge.
type StuckJobSweeper struct {
	jobs             domain.JobRepository
	events           domain.EventPublisher
	maxProcessingAge time.Duration
	interval         time.Duration
}

func NewStuckJobSweeper(jobs domain.JobRepository, events domain.EventPublisher, maxProcessingAge, interval time.Duration) *StuckJobSweeper {
	if jobs == nil {
		return nil
	}
	if maxProcessingAge <= 0 {
		maxProcessingAge = 30 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{
		jobs:             jobs,
		events:           events,
		maxProcessingAge: maxProcessingAge,
		interval:         interval,
	}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().Add(-s.maxProcessingAge)
	const pageSize = 100

	totalChecked := 0
	totalMarkedFailed := 0

	for _, status := range []domain.JobStatus{domain.JobDownloading, domain.JobTagging, domain.JobUploading} {
		st := status
		for offset := 0; ; offset += pageSize {
			jobs, _, err := s.jobs.List(ctx, domain.JobFilter{Status: &st, Offset: offset, Limit: pageSize})
			if err != nil {
				span.RecordError(err)
				slog.Error("stuck job sweep failed to list jobs", slog.Any("error", err))
				return
			}
			totalChecked += len(jobs)
			if len(jobs) == 0 {
				break
			}

			for _, j := range jobs {
				if !j.UpdatedAt.Before(cutoff) {
					continue
				}
				if s.markFailed(ctx, j) {
					totalMarkedFailed++
				}
			}

			if len(jobs) < pageSize {
				break
			}
		}
	}

	span.SetAttributes(
		attribute.Int("jobs.total_checked", totalChecked),
		attribute.Int("jobs.total_marked_failed", totalMarkedFailed),
	)
}

func (s *StuckJobSweeper) markFailed(ctx context.Context, j domain.Job) bool {
	msg := fmt.Sprintf("job stuck in status %q for over %v; failed by sweeper", j.Status, s.maxProcessingAge)
	failed := domain.JobFailed
	// Conditional on the observed status: a worker finishing the job (or
	// the user pausing it) between the list and this write wins.
	err := s.jobs.Update(ctx, j.ID, domain.JobMutation{
		ExpectStatus: []domain.JobStatus{j.Status},
		Status:       &failed,
		ErrorMessage: &msg,
	})
	if errors.Is(err, domain.ErrConflict) {
		return false
	}
	if err != nil {
		slog.Error("stuck job sweep failed to update job", slog.String("job_id", j.ID), slog.Any("error", err))
		return false
	}
	if s.events != nil {
		exhausted := true
		_ = s.events.PublishJobUpdate(ctx, domain.Event{
			JobID:            j.ID,
			Status:           domain.JobFailed,
			Error:            &msg,
			RetriesExhausted: &exhausted,
		})
	}
	return true
}
