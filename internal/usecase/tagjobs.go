package usecase

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/fairyhunter13/szuru-ingest/internal/domain"
)

// Discovery never creates more jobs than this, even when the caller asks
// for "no limit".
const discoverNoLimitCap = 50_000

// TagJobService discovers existing remote posts to re-tag and manages
// the resulting tag_existing jobs.
type TagJobService struct {
	jobs   domain.JobRepository
	users  domain.UserRepository
	booru  domain.BooruClient
	events domain.EventPublisher
}

func NewTagJobService(jobs domain.JobRepository, users domain.UserRepository, booru domain.BooruClient, events domain.EventPublisher) *TagJobService {
	return &TagJobService{jobs: jobs, users: users, booru: booru, events: events}
}

// DiscoverInput selects posts by tag criteria or by tag count, never
// both. Limit 0 means "no limit" (capped internally).
type DiscoverInput struct {
	Tags                []string
	TagOperator         string
	MaxTagCount         *int
	ReplaceOriginalTags bool
	Limit               int
}

// DiscoverResult reports the created tag jobs.
type DiscoverResult struct {
	JobIDs  []string
	Created int
}

// Discover searches the owner's uploads on the Booru and creates one
// tag_existing job per matching post, skipping posts that already have a
// live tag job.
func (s *TagJobService) Discover(ctx domain.Context, owner string, in DiscoverInput) (DiscoverResult, error) {
	tags := make([]string, 0, len(in.Tags))
	for _, t := range in.Tags {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	operator := strings.ToLower(strings.TrimSpace(in.TagOperator))
	if operator != "or" {
		operator = "and"
	}

	useTags := len(tags) > 0
	useMaxCount := in.MaxTagCount != nil
	if useTags == useMaxCount {
		return DiscoverResult{}, fmt.Errorf("op=tagjobs.Discover: set either tags or max_tag_count, not both: %w", domain.ErrInvalidArgument)
	}
	if useMaxCount && (*in.MaxTagCount < 0 || *in.MaxTagCount > 1000) {
		return DiscoverResult{}, fmt.Errorf("op=tagjobs.Discover: max_tag_count must be between 0 and 1000: %w", domain.ErrInvalidArgument)
	}
	if in.Limit < 0 {
		return DiscoverResult{}, fmt.Errorf("op=tagjobs.Discover: limit must be 0 (no limit) or positive: %w", domain.ErrInvalidArgument)
	}
	limit := in.Limit
	if limit == 0 || limit > discoverNoLimitCap {
		limit = discoverNoLimitCap
	}

	cfg, err := s.users.GetUserConfig(ctx, owner)
	if err != nil {
		return DiscoverResult{}, fmt.Errorf("op=tagjobs.Discover: %w", err)
	}
	if cfg.BooruUsername == "" || cfg.BooruToken == "" {
		return DiscoverResult{}, fmt.Errorf("op=tagjobs.Discover: booru credentials not configured: %w", domain.ErrInvalidArgument)
	}
	creds := cfg.Credentials()
	if err := s.booru.Ping(ctx); err != nil {
		return DiscoverResult{}, fmt.Errorf("op=tagjobs.Discover: booru unreachable: %w", err)
	}

	claimed, err := s.jobs.PendingTagTargets(ctx, owner)
	if err != nil {
		return DiscoverResult{}, fmt.Errorf("op=tagjobs.Discover: %w", err)
	}

	uploaderFilter := "uploader:" + cfg.BooruUsername
	var candidates []int
	if useTags {
		candidates, err = s.searchByTags(ctx, creds, tags, operator, uploaderFilter, claimed, limit)
	} else {
		candidates, err = s.searchByTagCount(ctx, creds, *in.MaxTagCount, uploaderFilter, claimed, limit)
	}
	if err != nil {
		return DiscoverResult{}, err
	}

	res := DiscoverResult{}
	for _, postID := range candidates {
		j := domain.Job{
			ID:                  uuid.New().String(),
			JobType:             domain.JobTypeTagExisting,
			TargetPostID:        ptr(postID),
			ReplaceOriginalTags: in.ReplaceOriginalTags,
			Owner:               owner,
		}
		if _, err := s.jobs.Create(ctx, j); err != nil {
			return res, fmt.Errorf("op=tagjobs.Discover: create job for post %d: %w", postID, err)
		}
		res.JobIDs = append(res.JobIDs, j.ID)
	}
	res.Created = len(res.JobIDs)

	for _, id := range res.JobIDs {
		_ = s.events.PublishJobUpdate(ctx, domain.Event{JobID: id, Status: domain.JobPending, Progress: ptr(0)})
	}
	return res, nil
}

func (s *TagJobService) searchByTags(ctx domain.Context, creds domain.BooruCredentials, tags []string, operator, uploaderFilter string, claimed map[int]bool, limit int) ([]int, error) {
	var out []int

	if operator == "and" {
		parts := make([]string, 0, len(tags)+1)
		for _, t := range tags {
			parts = append(parts, "tag:"+t)
		}
		parts = append(parts, uploaderFilter)
		query := strings.TrimSpace(strings.Join(parts, " "))

		pageSize := limit
		if pageSize > 100 {
			pageSize = 100
		}
		offset := 0
		for len(out) < limit {
			posts, _, err := s.booru.SearchPosts(ctx, creds, query, offset, pageSize)
			if err != nil {
				return nil, fmt.Errorf("op=tagjobs.searchByTags: %w", err)
			}
			if len(posts) == 0 {
				break
			}
			for _, p := range posts {
				if !claimed[p.ID] {
					claimed[p.ID] = true
					out = append(out, p.ID)
				}
				if len(out) >= limit {
					break
				}
			}
			if len(posts) < pageSize {
				break
			}
			offset += pageSize
		}
		return out, nil
	}

	// "or": union across per-tag searches, preserving discovery order.
	for _, tag := range tags {
		query := strings.TrimSpace("tag:" + tag + " " + uploaderFilter)
		offset := 0
		const pageSize = 100
		for len(out) < limit {
			posts, _, err := s.booru.SearchPosts(ctx, creds, query, offset, pageSize)
			if err != nil {
				return nil, fmt.Errorf("op=tagjobs.searchByTags: %w", err)
			}
			if len(posts) == 0 {
				break
			}
			for _, p := range posts {
				if !claimed[p.ID] {
					claimed[p.ID] = true
					out = append(out, p.ID)
				}
				if len(out) >= limit {
					break
				}
			}
			if len(out) >= limit || len(posts) < pageSize {
				break
			}
			offset += pageSize
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *TagJobService) searchByTagCount(ctx domain.Context, creds domain.BooruCredentials, maxCount int, uploaderFilter string, claimed map[int]bool, limit int) ([]int, error) {
	var out []int
	query := strings.TrimSpace("sort:id " + uploaderFilter)

	pageSize := limit * 2
	if pageSize > 200 {
		pageSize = 200
	}
	offset := 0
	for len(out) < limit {
		posts, _, err := s.booru.SearchPosts(ctx, creds, query, offset, pageSize)
		if err != nil {
			return nil, fmt.Errorf("op=tagjobs.searchByTagCount: %w", err)
		}
		if len(posts) == 0 {
			break
		}
		for _, p := range posts {
			if claimed[p.ID] {
				continue
			}
			tagCount := p.TagCount
			if tagCount == 0 {
				tagCount = len(p.Tags)
			}
			if tagCount < maxCount {
				claimed[p.ID] = true
				out = append(out, p.ID)
				if len(out) >= limit {
					break
				}
			}
		}
		if len(posts) < pageSize {
			break
		}
		offset += pageSize
	}
	return out, nil
}

// Abort stops every pending or paused tag job for the owner and reports
// how many were stopped.
func (s *TagJobService) Abort(ctx domain.Context, owner string) (int, error) {
	aborted := 0
	for _, status := range []domain.JobStatus{domain.JobPending, domain.JobPaused} {
		f := domain.JobFilter{
			Owner:   owner,
			Status:  ptr(status),
			JobType: ptr(domain.JobTypeTagExisting),
			Limit:   discoverNoLimitCap,
		}
		jobs, _, err := s.jobs.List(ctx, f)
		if err != nil {
			return aborted, fmt.Errorf("op=tagjobs.Abort: %w", err)
		}
		for _, j := range jobs {
			// Guarded on the listed status: a job a worker claimed since
			// the listing is no longer ours to stop here.
			if err := s.jobs.Update(ctx, j.ID, domain.JobMutation{
				Status:       ptr(domain.JobStopped),
				ExpectStatus: []domain.JobStatus{status},
			}); err != nil {
				continue
			}
			aborted++
			_ = s.events.PublishJobUpdate(ctx, domain.Event{JobID: j.ID, Status: domain.JobStopped, Progress: ptr(0)})
		}
	}
	return aborted, nil
}
