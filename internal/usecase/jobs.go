package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/szuru-ingest/internal/domain"
	"github.com/fairyhunter13/szuru-ingest/internal/observability"
	"github.com/fairyhunter13/szuru-ingest/internal/sites"
)

// JobService drives the job lifecycle: creation, listing, and the
// control plane (pause/stop/resume/retry/delete plus bulk variants).
type JobService struct {
	jobs     domain.JobRepository
	settings domain.SettingsRepository
	events   domain.EventPublisher
	registry *sites.Registry
	dataDir  string
}

func NewJobService(jobs domain.JobRepository, settings domain.SettingsRepository, events domain.EventPublisher, registry *sites.Registry, dataDir string) *JobService {
	return &JobService{
		jobs:     jobs,
		settings: settings,
		events:   events,
		registry: registry,
		dataDir:  dataDir,
	}
}

// CreateURLInput is the payload for a URL job.
type CreateURLInput struct {
	URL         string
	Source      string
	Tags        []string
	Safety      domain.Safety
	SkipTagging bool
}

// CreateURLJob validates and normalizes the URL, persists a pending job,
// and announces it on the event bus.
func (s *JobService) CreateURLJob(ctx domain.Context, owner string, in CreateURLInput) (domain.Job, error) {
	raw := strings.TrimSpace(in.URL)
	if s.registry.IsRejectedJobURL(raw) {
		return domain.Job{}, fmt.Errorf("op=jobs.CreateURLJob: url must be a direct link to a post or media, not a feed or site homepage: %w",
			domain.ErrInvalidArgument)
	}

	j := domain.Job{
		JobType:        domain.JobTypeURL,
		URL:            s.registry.Normalize(raw),
		SourceOverride: in.Source,
		InitialTags:    in.Tags,
		Safety:         in.Safety,
		SkipTagging:    in.SkipTagging,
		Owner:          owner,
	}
	id, err := s.jobs.Create(ctx, j)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.CreateURLJob: %w", err)
	}
	s.publish(ctx, id, domain.JobPending, ptr(0))
	return s.jobs.Get(ctx, id)
}

// CreateFileInput is the payload for an uploaded-file job.
type CreateFileInput struct {
	Filename    string
	Content     io.Reader
	Source      string
	Tags        []string
	Safety      domain.Safety
	SkipTagging bool
}

// CreateFileJob stores the uploaded file in the job's scratch directory
// before the job row exists, so a crash cannot strand a row without its
// file.
func (s *JobService) CreateFileJob(ctx domain.Context, owner string, in CreateFileInput) (domain.Job, error) {
	id := uuid.New().String()
	dir := filepath.Join(s.dataDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.CreateFileJob: mkdir: %w", err)
	}

	name := filepath.Base(strings.TrimSpace(in.Filename))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "upload"
	}
	dest, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.CreateFileJob: create %s: %w", name, err)
	}
	_, copyErr := io.Copy(dest, in.Content)
	closeErr := dest.Close()
	if copyErr != nil {
		_ = os.RemoveAll(dir)
		return domain.Job{}, fmt.Errorf("op=jobs.CreateFileJob: write %s: %w", name, copyErr)
	}
	if closeErr != nil {
		_ = os.RemoveAll(dir)
		return domain.Job{}, fmt.Errorf("op=jobs.CreateFileJob: close %s: %w", name, closeErr)
	}

	j := domain.Job{
		ID:               id,
		JobType:          domain.JobTypeFile,
		OriginalFilename: name,
		SourceOverride:   in.Source,
		InitialTags:      in.Tags,
		Safety:           in.Safety,
		SkipTagging:      in.SkipTagging,
		Owner:            owner,
	}
	if _, err := s.jobs.Create(ctx, j); err != nil {
		_ = os.RemoveAll(dir)
		return domain.Job{}, fmt.Errorf("op=jobs.CreateFileJob: %w", err)
	}
	s.publish(ctx, id, domain.JobPending, ptr(0))
	return s.jobs.Get(ctx, id)
}

// Get loads a job, hiding other owners' jobs behind not-found.
func (s *JobService) Get(ctx domain.Context, owner, id string) (domain.Job, error) {
	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if owner != "" && j.Owner != owner {
		return domain.Job{}, fmt.Errorf("op=jobs.Get: %w", domain.ErrNotFound)
	}
	return j, nil
}

// List returns a filtered page of the owner's jobs plus the total count.
func (s *JobService) List(ctx domain.Context, f domain.JobFilter) ([]domain.Job, int, error) {
	if f.Status != nil && !validStatus(*f.Status) {
		return nil, 0, fmt.Errorf("op=jobs.List: invalid status %q: %w", *f.Status, domain.ErrInvalidArgument)
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
	return s.jobs.List(ctx, f)
}

func validStatus(s domain.JobStatus) bool {
	switch s {
	case domain.JobPending, domain.JobDownloading, domain.JobTagging, domain.JobUploading,
		domain.JobCompleted, domain.JobMerged, domain.JobFailed, domain.JobPaused, domain.JobStopped:
		return true
	}
	return false
}

// Start re-announces a pending job so an idle worker picks it up sooner.
func (s *JobService) Start(ctx domain.Context, owner, id string) (domain.Job, error) {
	j, err := s.Get(ctx, owner, id)
	if err != nil {
		return domain.Job{}, err
	}
	if j.Status != domain.JobPending {
		return domain.Job{}, fmt.Errorf("op=jobs.Start: cannot start job in status %q: %w", j.Status, domain.ErrInvalidArgument)
	}
	s.publish(ctx, id, domain.JobPending, nil)
	return j, nil
}

// Pause moves a processing job to paused; the worker observes the status
// at the next stage boundary and abandons the job.
func (s *JobService) Pause(ctx domain.Context, owner, id string) (domain.Job, error) {
	return s.transition(ctx, owner, id, domain.JobPaused, nil,
		domain.ProcessingStatuses(), func(j domain.Job) error {
			if !j.Status.CanPause() {
				return fmt.Errorf("cannot pause job in status %q", j.Status)
			}
			return nil
		})
}

// Stop halts any non-terminal job.
func (s *JobService) Stop(ctx domain.Context, owner, id string) (domain.Job, error) {
	from := append(domain.ProcessingStatuses(), domain.JobPending, domain.JobPaused)
	return s.transition(ctx, owner, id, domain.JobStopped, nil,
		from, func(j domain.Job) error {
			if !j.Status.CanStop() {
				return fmt.Errorf("cannot stop job in status %q", j.Status)
			}
			return nil
		})
}

// Resume re-queues a paused or stopped job.
func (s *JobService) Resume(ctx domain.Context, owner, id string) (domain.Job, error) {
	return s.transition(ctx, owner, id, domain.JobPending, ptr(0),
		[]domain.JobStatus{domain.JobPaused, domain.JobStopped}, func(j domain.Job) error {
			if !j.Status.CanResume() {
				return fmt.Errorf("cannot resume job in status %q", j.Status)
			}
			return nil
		})
}

// transition applies a guarded status change. The guard gives the
// human-readable rejection; the conditional write (ExpectStatus=from)
// closes the gap between reading the job and writing the new status, so
// a worker completing the job in between surfaces as ErrConflict rather
// than a terminal status being overwritten.
func (s *JobService) transition(ctx domain.Context, owner, id string, to domain.JobStatus, progress *int, from []domain.JobStatus, guard func(domain.Job) error) (domain.Job, error) {
	j, err := s.Get(ctx, owner, id)
	if err != nil {
		return domain.Job{}, err
	}
	if err := guard(j); err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.transition: %s: %w", err, domain.ErrInvalidArgument)
	}
	if err := s.jobs.Update(ctx, id, domain.JobMutation{Status: &to, ExpectStatus: from}); err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.transition: %w", err)
	}
	s.publish(ctx, id, to, progress)
	return s.jobs.Get(ctx, id)
}

// Retry re-queues a failed job under the same id with a fresh retry
// budget. A positive global retry delay keeps the job failed until the
// delay elapses; the re-queue then only happens if nothing else touched
// the job in the meantime.
func (s *JobService) Retry(ctx domain.Context, owner, id string) (domain.Job, error) {
	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if owner != "" && j.Owner != owner {
		return domain.Job{}, fmt.Errorf("op=jobs.Retry: not authorized for this job: %w", domain.ErrUnauthorized)
	}
	if !j.Status.CanRetry() {
		return domain.Job{}, fmt.Errorf("op=jobs.Retry: cannot retry job in status %q: %w", j.Status, domain.ErrInvalidArgument)
	}

	cfg, err := s.settings.LoadGlobal(ctx)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.Retry: %w", err)
	}

	mut := domain.JobMutation{
		ExpectStatus: []domain.JobStatus{domain.JobFailed},
		ErrorMessage: ptr(""),
		RetryCount:   ptr(0),
	}
	if cfg.RetryDelay > 0 {
		// Stay failed during the delay so the UI shows it queued.
		mut.Status = ptr(domain.JobFailed)
		if err := s.jobs.Update(ctx, id, mut); err != nil {
			return domain.Job{}, fmt.Errorf("op=jobs.Retry: %w", err)
		}
		s.publish(ctx, id, domain.JobFailed, ptr(0))
		s.requeueAfter(id, cfg.RetryDelay)
	} else {
		mut.Status = ptr(domain.JobPending)
		if err := s.jobs.Update(ctx, id, mut); err != nil {
			return domain.Job{}, fmt.Errorf("op=jobs.Retry: %w", err)
		}
		s.publish(ctx, id, domain.JobPending, ptr(0))
	}
	return s.jobs.Get(ctx, id)
}

// requeueAfter flips a job back to pending once the delay passes, unless
// its status changed while waiting.
func (s *JobService) requeueAfter(id string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		ctx := context.Background()
		status, err := s.jobs.ObserveStatus(ctx, id)
		if err != nil || status != domain.JobFailed {
			return
		}
		if err := s.jobs.Update(ctx, id, domain.JobMutation{
			ExpectStatus: []domain.JobStatus{domain.JobFailed},
			Status:       ptr(domain.JobPending),
		}); err != nil {
			if !errors.Is(err, domain.ErrConflict) {
				observability.LoggerFromContext(ctx).Warn("delayed retry re-queue failed", "job_id", id, "error", err)
			}
			return
		}
		s.publish(ctx, id, domain.JobPending, ptr(0))
	})
}

// Delete removes the job row and its scratch directory.
func (s *JobService) Delete(ctx domain.Context, owner, id string) error {
	if _, err := s.Get(ctx, owner, id); err != nil {
		return err
	}
	s.removeScratch(ctx, id)
	if err := s.jobs.Delete(ctx, id); err != nil {
		return fmt.Errorf("op=jobs.Delete: %w", err)
	}
	return nil
}

func (s *JobService) removeScratch(ctx domain.Context, id string) {
	if _, err := uuid.Parse(id); err != nil {
		return
	}
	dir := filepath.Join(s.dataDir, id)
	if err := os.RemoveAll(dir); err != nil {
		observability.LoggerFromContext(ctx).Warn("scratch dir cleanup failed", "job_id", id, "error", err)
	}
}

// BulkAction names a control-plane operation applied to many jobs.
type BulkAction string

const (
	BulkRetry  BulkAction = "retry"
	BulkDelete BulkAction = "delete"
	BulkStart  BulkAction = "start"
	BulkPause  BulkAction = "pause"
	BulkStop   BulkAction = "stop"
	BulkResume BulkAction = "resume"
)

// Bulk applies an action to many jobs asynchronously, best effort per
// job. The caller gets an immediate accept; outcomes surface via SSE
// and list refresh.
func (s *JobService) Bulk(ctx domain.Context, owner string, action BulkAction, ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("op=jobs.Bulk: job_ids must not be empty: %w", domain.ErrInvalidArgument)
	}
	switch action {
	case BulkRetry, BulkDelete, BulkStart, BulkPause, BulkStop, BulkResume:
	default:
		return fmt.Errorf("op=jobs.Bulk: unknown action %q: %w", action, domain.ErrInvalidArgument)
	}

	lg := observability.LoggerFromContext(ctx)
	go func() {
		bg := observability.ContextWithLogger(context.Background(), lg)
		for _, id := range ids {
			var err error
			switch action {
			case BulkRetry:
				_, err = s.Retry(bg, owner, id)
			case BulkDelete:
				err = s.Delete(bg, owner, id)
			case BulkStart:
				_, err = s.Start(bg, owner, id)
			case BulkPause:
				_, err = s.Pause(bg, owner, id)
			case BulkStop:
				_, err = s.Stop(bg, owner, id)
			case BulkResume:
				_, err = s.Resume(bg, owner, id)
			}
			if err != nil {
				lg.Debug("bulk action skipped job", "action", string(action), "job_id", id, "error", err)
			}
		}
	}()
	return nil
}

func (s *JobService) publish(ctx domain.Context, id string, status domain.JobStatus, progress *int) {
	ev := domain.Event{JobID: id, Status: status, Progress: progress}
	if err := s.events.PublishJobUpdate(ctx, ev); err != nil {
		observability.LoggerFromContext(ctx).Warn("event publish failed", "job_id", id, "status", string(status), "error", err)
	}
}

func ptr[T any](v T) *T { return &v }
