package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrRateLimited      = errors.New("rate limited")
	ErrUpstreamTimeout  = errors.New("upstream timeout")
	ErrUpstreamError    = errors.New("upstream error")
	ErrDuplicateContent = errors.New("duplicate content")
	ErrInternal         = errors.New("internal error")
)

// JobStatus enumerates the job state machine states.
type JobStatus string

const (
	JobPending     JobStatus = "pending"
	JobDownloading JobStatus = "downloading"
	JobTagging     JobStatus = "tagging"
	JobUploading   JobStatus = "uploading"
	JobCompleted   JobStatus = "completed"
	JobMerged      JobStatus = "merged"
	JobFailed      JobStatus = "failed"
	JobPaused      JobStatus = "paused"
	JobStopped     JobStatus = "stopped"
)

// IsTerminal reports whether the status never transitions again.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobMerged || s == JobFailed
}

// IsProcessing reports whether a worker currently owns the job.
func (s JobStatus) IsProcessing() bool {
	return s == JobDownloading || s == JobTagging || s == JobUploading
}

// Progress maps a status to its milestone percentage.
func (s JobStatus) Progress() int {
	switch s {
	case JobPending:
		return 0
	case JobDownloading:
		return 25
	case JobTagging:
		return 50
	case JobUploading:
		return 75
	case JobCompleted, JobMerged:
		return 100
	}
	return 0
}

// CanPause: pause is only valid while a worker is mid-pipeline.
func (s JobStatus) CanPause() bool { return s.IsProcessing() }

// CanStop: stop is valid from any non-terminal state.
func (s JobStatus) CanStop() bool { return !s.IsTerminal() && s != JobStopped }

// CanResume: resume re-queues a paused or stopped job.
func (s JobStatus) CanResume() bool { return s == JobPaused || s == JobStopped }

// CanRetry: retry is valid only from failed.
func (s JobStatus) CanRetry() bool { return s == JobFailed }

// JobType enumerates job kinds.
type JobType string

const (
	JobTypeURL         JobType = "url"
	JobTypeFile        JobType = "file"
	JobTypeTagExisting JobType = "tag_existing"
)

// Safety is the content rating applied to uploaded posts.
type Safety string

const (
	SafetySafe    Safety = "safe"
	SafetySketchy Safety = "sketchy"
	SafetyUnsafe  Safety = "unsafe"
)

// WorstSafety returns the more restrictive of two ratings.
func WorstSafety(a, b Safety) Safety {
	rank := func(s Safety) int {
		switch s {
		case SafetyUnsafe:
			return 2
		case SafetySketchy:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// Job is the primary persistent entity: one source (URL or file) to ingest.
// Invariants: RelatedPostIDs never contains SzuruPostID; terminal statuses
// never transition; RetryCount is monotonically non-decreasing.
type Job struct {
	ID                  string
	Status              JobStatus
	JobType             JobType
	URL                 string
	OriginalFilename    string
	SourceOverride      string
	InitialTags         []string
	Safety              Safety
	SkipTagging         bool
	Owner               string
	TargetPostID        *int
	ReplaceOriginalTags bool
	SzuruPostID         *int
	RelatedPostIDs      []int
	WasMerge            bool
	ErrorMessage        string
	RetryCount          int
	TagsApplied         []string
	TagsFromSource      []string
	TagsFromAI          []string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// JobFilter narrows List results. Owner is mandatory outside admin context.
type JobFilter struct {
	Owner    string
	Status   *JobStatus
	JobType  *JobType
	WasMerge *bool
	Offset   int
	Limit    int
}

// ProcessingStatuses lists the states a worker may advance a job from.
func ProcessingStatuses() []JobStatus {
	return []JobStatus{JobDownloading, JobTagging, JobUploading}
}

// JobMutation carries partial updates; nil fields are left untouched.
// ExpectStatus, when set, makes the update conditional: it applies only
// while the stored status is one of the listed values, otherwise the
// repository reports ErrConflict. This is how concurrent writers (worker
// stages vs external pause/stop) avoid clobbering each other.
type JobMutation struct {
	ExpectStatus   []JobStatus
	Status         *JobStatus
	SourceOverride *string
	ErrorMessage   *string
	RetryCount     *int
	SzuruPostID    *int
	RelatedPostIDs *[]int
	WasMerge       *bool
	TagsApplied    *[]string
	TagsFromSource *[]string
	TagsFromAI     *[]string
}

// JobRepository is the persistence port for jobs.
type JobRepository interface {
	Create(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)
	// ClaimNext atomically claims the oldest pending job, transitions it to
	// downloading and returns it. ErrNotFound means the queue is idle.
	ClaimNext(ctx Context, workerID string) (Job, error)
	Update(ctx Context, id string, mut JobMutation) error
	ObserveStatus(ctx Context, id string) (JobStatus, error)
	List(ctx Context, f JobFilter) ([]Job, int, error)
	Delete(ctx Context, id string) error
	// PendingTagTargets returns remote post ids that already have a live
	// tag_existing job for the owner, so discovery can skip them.
	PendingTagTargets(ctx Context, owner string) (map[int]bool, error)
}

// TagCacheEntry records a verified tag→category binding.
// Entries older than the cache TTL must be re-verified before use.
type TagCacheEntry struct {
	Name       string
	Category   string
	VerifiedAt time.Time
}

// TagCacheRepository is the persistence port for the tag cache.
type TagCacheRepository interface {
	Upsert(ctx Context, e TagCacheEntry) error
	LoadFresh(ctx Context, verifiedAfter time.Time) ([]TagCacheEntry, error)
	Delete(ctx Context, name string) error
}

// Context is an alias so domain signatures stay decoupled from std context.
type Context = context.Context
