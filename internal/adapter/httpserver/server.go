package httpserver

import (
	"context"
	"time"

	"github.com/fairyhunter13/szuru-ingest/internal/config"
	"github.com/fairyhunter13/szuru-ingest/internal/domain"
	"github.com/fairyhunter13/szuru-ingest/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg      config.Config
	Jobs     *usecase.JobService
	TagJobs  *usecase.TagJobService
	Users    domain.UserRepository
	Settings domain.SettingsRepository
	Events   domain.EventSubscriber

	DBCheck     func(ctx context.Context) error
	RedisCheck  func(ctx context.Context) error
	BooruCheck  func(ctx context.Context) error
	TaggerCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, jobs *usecase.JobService, tagJobs *usecase.TagJobService,
	users domain.UserRepository, settings domain.SettingsRepository, events domain.EventSubscriber,
	dbCheck, redisCheck, booruCheck, taggerCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:         cfg,
		Jobs:        jobs,
		TagJobs:     tagJobs,
		Users:       users,
		Settings:    settings,
		Events:      events,
		DBCheck:     dbCheck,
		RedisCheck:  redisCheck,
		BooruCheck:  booruCheck,
		TaggerCheck: taggerCheck,
	}
}

// postMirror mirrors the post as stored on the Booru after a completed or
// merged job.
type postMirror struct {
	ID        int      `json:"id"`
	Tags      []string `json:"tags"`
	Source    string   `json:"source,omitempty"`
	Safety    string   `json:"safety,omitempty"`
	Relations []int    `json:"relations"`
}

// jobOut is the full job representation returned by create/get.
type jobOut struct {
	ID               string      `json:"id"`
	Status           string      `json:"status"`
	JobType          string      `json:"job_type"`
	URL              string      `json:"url,omitempty"`
	OriginalFilename string      `json:"original_filename,omitempty"`
	SourceOverride   string      `json:"source_override,omitempty"`
	Safety           string      `json:"safety,omitempty"`
	SkipTagging      bool        `json:"skip_tagging"`
	Owner            string      `json:"owner,omitempty"`
	TargetPostID     *int        `json:"target_post_id,omitempty"`
	SzuruPostID      *int        `json:"szuru_post_id,omitempty"`
	RelatedPostIDs   []int       `json:"related_post_ids,omitempty"`
	WasMerge         bool        `json:"was_merge"`
	ErrorMessage     string      `json:"error_message,omitempty"`
	TagsApplied      []string    `json:"tags_applied,omitempty"`
	TagsFromSource   []string    `json:"tags_from_source,omitempty"`
	TagsFromAI       []string    `json:"tags_from_ai,omitempty"`
	RetryCount       int         `json:"retry_count"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
	Post             *postMirror `json:"post,omitempty"`
}

// jobSummaryOut is the slim list-view representation; it excludes tag
// lists and error text to keep pages small.
type jobSummaryOut struct {
	ID               string    `json:"id"`
	Status           string    `json:"status"`
	JobType          string    `json:"job_type"`
	URL              string    `json:"url,omitempty"`
	OriginalFilename string    `json:"original_filename,omitempty"`
	SourceOverride   string    `json:"source_override,omitempty"`
	Safety           string    `json:"safety,omitempty"`
	Owner            string    `json:"owner,omitempty"`
	SzuruPostID      *int      `json:"szuru_post_id,omitempty"`
	RelatedPostIDs   []int     `json:"related_post_ids,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func toJobOut(j domain.Job) jobOut {
	out := jobOut{
		ID:               j.ID,
		Status:           string(j.Status),
		JobType:          string(j.JobType),
		URL:              j.URL,
		OriginalFilename: j.OriginalFilename,
		SourceOverride:   j.SourceOverride,
		Safety:           string(j.Safety),
		SkipTagging:      j.SkipTagging,
		Owner:            j.Owner,
		TargetPostID:     j.TargetPostID,
		SzuruPostID:      j.SzuruPostID,
		RelatedPostIDs:   j.RelatedPostIDs,
		WasMerge:         j.WasMerge,
		ErrorMessage:     j.ErrorMessage,
		TagsApplied:      j.TagsApplied,
		TagsFromSource:   j.TagsFromSource,
		TagsFromAI:       j.TagsFromAI,
		RetryCount:       j.RetryCount,
		CreatedAt:        j.CreatedAt.UTC(),
		UpdatedAt:        j.UpdatedAt.UTC(),
	}
	if j.SzuruPostID != nil {
		// A post is never its own relation.
		relations := make([]int, 0, len(j.RelatedPostIDs))
		for _, pid := range j.RelatedPostIDs {
			if pid != *j.SzuruPostID {
				relations = append(relations, pid)
			}
		}
		tags := j.TagsApplied
		if tags == nil {
			tags = []string{}
		}
		out.Post = &postMirror{
			ID:        *j.SzuruPostID,
			Tags:      tags,
			Source:    j.SourceOverride,
			Safety:    string(j.Safety),
			Relations: relations,
		}
	}
	return out
}

func toJobSummary(j domain.Job) jobSummaryOut {
	return jobSummaryOut{
		ID:               j.ID,
		Status:           string(j.Status),
		JobType:          string(j.JobType),
		URL:              j.URL,
		OriginalFilename: j.OriginalFilename,
		SourceOverride:   j.SourceOverride,
		Safety:           string(j.Safety),
		Owner:            j.Owner,
		SzuruPostID:      j.SzuruPostID,
		RelatedPostIDs:   j.RelatedPostIDs,
		CreatedAt:        j.CreatedAt.UTC(),
		UpdatedAt:        j.UpdatedAt.UTC(),
	}
}
