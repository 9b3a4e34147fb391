// Package worker runs the ingestion pipeline: claimed jobs move through
// extract, download, tag, and upload, with cooperative cancellation at
// stage boundaries.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	obsmetrics "github.com/fairyhunter13/szuru-ingest/internal/adapter/observability"
	"github.com/fairyhunter13/szuru-ingest/internal/domain"
	"github.com/fairyhunter13/szuru-ingest/internal/observability"
	"github.com/fairyhunter13/szuru-ingest/internal/sites"
	"github.com/fairyhunter13/szuru-ingest/internal/tagcache"
	"github.com/fairyhunter13/szuru-ingest/internal/usecase"
	"github.com/fairyhunter13/szuru-ingest/pkg/mediafile"
	"github.com/fairyhunter13/szuru-ingest/pkg/tagx"
)

// errAborted signals that the job was paused or stopped externally; the
// pipeline unwinds without touching the job status.
var errAborted = errors.New("job aborted")

const (
	maxErrorDBLen    = 4000
	maxErrorEventLen = 500
)

// Processor drives one job through the full pipeline.
type Processor struct {
	jobs     domain.JobRepository
	settings domain.SettingsRepository
	users    domain.UserRepository
	booru    domain.BooruClient
	extract  domain.Extractor
	tagger   domain.Tagger
	tags     *tagcache.Service
	events   domain.EventPublisher
	sources  *usecase.SourceBuilder
	registry *sites.Registry
	dataDir  string
}

// NewProcessor wires the pipeline dependencies.
func NewProcessor(
	jobs domain.JobRepository,
	settings domain.SettingsRepository,
	users domain.UserRepository,
	booru domain.BooruClient,
	extract domain.Extractor,
	tagger domain.Tagger,
	tags *tagcache.Service,
	events domain.EventPublisher,
	registry *sites.Registry,
	dataDir string,
) *Processor {
	return &Processor{
		jobs:     jobs,
		settings: settings,
		users:    users,
		booru:    booru,
		extract:  extract,
		tagger:   tagger,
		tags:     tags,
		events:   events,
		sources:  usecase.NewSourceBuilder(registry),
		registry: registry,
		dataDir:  dataDir,
	}
}

// createdPost is one successfully uploaded (or merged) media item.
type createdPost struct {
	post        domain.Post
	tags        []string
	fromSource  []string
	fromAI      []string
	merged      bool
	finalSource string
}

// Process runs the whole pipeline for a claimed job. The scratch
// directory is removed on every exit path.
func (p *Processor) Process(ctx context.Context, job domain.Job) {
	lg := observability.LoggerFromContext(ctx).With("job_id", job.ID, "job_type", string(job.JobType))
	ctx = observability.ContextWithLogger(ctx, lg)

	jobDir := filepath.Join(p.dataDir, job.ID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		p.failJob(ctx, job.ID, fmt.Sprintf("create scratch dir: %v", err), 0, 0)
		return
	}
	defer func() {
		if err := os.RemoveAll(jobDir); err != nil {
			lg.Warn("scratch dir cleanup failed", "dir", jobDir, "error", err)
		}
	}()

	// Config is read once per job; mid-job changes wait for the next job.
	cfg, err := p.settings.LoadGlobal(ctx)
	if err != nil {
		lg.Warn("global config load failed, using defaults", "error", err)
		cfg = domain.DefaultGlobalConfig()
	}
	user, err := p.users.GetUserConfig(ctx, job.Owner)
	if err != nil {
		lg.Warn("user config load failed", "owner", job.Owner, "error", err)
		user = domain.UserConfig{Owner: job.Owner}
	}

	maxRetries, retryDelay := cfg.MaxRetries, cfg.RetryDelay

	if p.aborted(ctx, job.ID) {
		return
	}

	if job.JobType == domain.JobTypeTagExisting {
		p.retagExisting(ctx, job, jobDir, cfg, user, maxRetries, retryDelay)
		return
	}

	extractStart := time.Now()
	media, err := p.extractMedia(ctx, job, jobDir, cfg, user)
	obsmetrics.ObserveStage("extract", time.Since(extractStart))
	if err != nil {
		p.failJob(ctx, job.ID, truncate(err.Error(), maxErrorDBLen), maxRetries, retryDelay)
		return
	}
	lg.Info("media enumerated", "count", len(media))

	var posts []createdPost
	var lastError string
	for idx, m := range media {
		mediaDir := filepath.Join(jobDir, fmt.Sprintf("media_%d", idx))
		if err := os.MkdirAll(mediaDir, 0o755); err != nil {
			lastError = fmt.Sprintf("create media dir: %v", err)
			continue
		}
		if p.aborted(ctx, job.ID) {
			return
		}

		res, err := p.processSingleMedia(ctx, job, m, mediaDir, cfg, user)
		switch {
		case errors.Is(err, errAborted):
			return
		case err != nil:
			lg.Warn("media processing failed", "index", idx, "error", err)
			lastError = truncate(err.Error(), maxErrorDBLen)
		case res == nil:
			lastError = fmt.Sprintf("failed to process %s", mediaName(m))
		default:
			posts = append(posts, *res)
		}
	}

	if len(posts) > 1 {
		p.createRelations(ctx, user.Credentials(), posts)
	}

	switch {
	case len(posts) > 0:
		related := make([]int, 0, len(posts)-1)
		for _, cp := range posts[1:] {
			related = append(related, cp.post.ID)
		}
		p.completeJob(ctx, job.ID, posts[0], related)
	case lastError != "":
		p.failJob(ctx, job.ID, lastError, maxRetries, retryDelay)
	default:
		p.failJob(ctx, job.ID, "no posts created", maxRetries, retryDelay)
	}
}

// extractMedia is phase 1: enumerate the media items behind the job.
func (p *Processor) extractMedia(ctx context.Context, job domain.Job, jobDir string, cfg domain.GlobalConfig, user domain.UserConfig) ([]domain.ExtractedMedia, error) {
	if job.JobType == domain.JobTypeURL {
		opts := p.extractorOptions(job.URL, cfg, user)
		media, err := p.extract.Enumerate(ctx, job.URL, opts)
		if err != nil {
			return nil, fmt.Errorf("op=worker.extractMedia: %w", err)
		}
		return media, nil
	}

	// FILE job: the upload endpoint already placed the file in jobDir.
	entries, err := os.ReadDir(jobDir)
	if err != nil {
		return nil, fmt.Errorf("op=worker.extractMedia: read job dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		return []domain.ExtractedMedia{{
			PageURL:           "file://" + e.Name(),
			SuggestedFilename: e.Name(),
		}}, nil
	}
	return nil, fmt.Errorf("op=worker.extractMedia: no files found in job directory: %w", domain.ErrNotFound)
}

// extractorOptions resolves per-site policy fresh for each subprocess
// call: handlers that stage credential temp files (cookie jars) declare
// them in CleanupFiles and the extractor removes them after the run.
func (p *Processor) extractorOptions(rawURL string, cfg domain.GlobalConfig, user domain.UserConfig) domain.ExtractorOptions {
	opts := domain.ExtractorOptions{
		Timeout:      cfg.DownloadTimeout,
		VideoTimeout: cfg.VideoTimeout,
	}
	h, ok := p.registry.HandlerFor(rawURL)
	if !ok {
		return opts
	}
	opts.ResolveMode = h.UsesResolveMode()
	opts.DirectDownload = h.UsesDirectDownload()
	opts.Args, opts.CleanupFiles = h.ExtractorArgs(user.SiteCredentials[h.Name()])
	return opts
}

// processSingleMedia runs download, tag, upload for one media item.
// A nil result with a nil error means the item was skipped.
func (p *Processor) processSingleMedia(ctx context.Context, job domain.Job, m domain.ExtractedMedia, mediaDir string, cfg domain.GlobalConfig, user domain.UserConfig) (*createdPost, error) {
	lg := observability.LoggerFromContext(ctx)

	dlStart := time.Now()
	files, meta, err := p.downloadMedia(ctx, job, m, mediaDir, cfg, user)
	obsmetrics.ObserveStage("download", time.Since(dlStart))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		lg.Warn("no files downloaded", "media", mediaName(m))
		return nil, nil
	}
	fp := files[0]

	if p.aborted(ctx, job.ID) {
		return nil, errAborted
	}

	if err := p.setStatus(ctx, job.ID, domain.JobTagging); err != nil {
		return nil, err
	}
	tagStart := time.Now()
	tr := p.tagFile(ctx, job, fp, meta, cfg, user)
	obsmetrics.ObserveStage("tag", time.Since(tagStart))

	if p.aborted(ctx, job.ID) {
		return nil, errAborted
	}

	if err := p.setStatus(ctx, job.ID, domain.JobUploading); err != nil {
		return nil, err
	}
	upStart := time.Now()
	res, err := p.uploadFile(ctx, job, fp, m, tr, meta, user)
	obsmetrics.ObserveStage("upload", time.Since(upStart))
	return res, err
}

// downloadMedia produces the local file(s) for one media item plus the
// merged metadata from enumeration and download sidecars.
func (p *Processor) downloadMedia(ctx context.Context, job domain.Job, m domain.ExtractedMedia, mediaDir string, cfg domain.GlobalConfig, user domain.UserConfig) ([]string, map[string]any, error) {
	if job.JobType == domain.JobTypeFile {
		return []string{filepath.Join(p.dataDir, job.ID, m.SuggestedFilename)}, map[string]any{}, nil
	}

	opts := p.extractorOptions(job.URL, cfg, user)
	files, dlMeta, err := p.extract.Download(ctx, m, mediaDir, opts)
	if err != nil && opts.DirectDownload {
		// Hotlink protection defeats the plain GET; the extractor tool
		// carries the site credentials and referer handling.
		observability.LoggerFromContext(ctx).Info("direct download failed, retrying with extractor tool",
			"media", mediaName(m), "error", err)
		fallback := p.extractorOptions(job.URL, cfg, user)
		fallback.DirectDownload = false
		files, dlMeta, err = p.extract.Download(ctx, m, mediaDir, fallback)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("op=worker.downloadMedia: %w", err)
	}

	merged := make(map[string]any, len(m.Metadata)+len(dlMeta))
	for k, v := range m.Metadata {
		merged[k] = v
	}
	for k, v := range dlMeta {
		merged[k] = v
	}
	return files, merged, nil
}

// tagOutcome is the assembled tag set for one file.
type tagOutcome struct {
	all        []string
	fromSource []string
	fromAI     []string
	safety     domain.Safety
	wd14Chars  map[string]bool
}

// tagFile assembles tags from the caller's initial tags, extractor
// metadata, and the WD14 model, then materializes every (tag, category)
// pair on the Booru. Tagger failures degrade to source tags only.
func (p *Processor) tagFile(ctx context.Context, job domain.Job, fp string, meta map[string]any, cfg domain.GlobalConfig, user domain.UserConfig) tagOutcome {
	lg := observability.LoggerFromContext(ctx)

	all, overrides := tagx.ParseInitial(job.InitialTags)
	fromSource := append([]string(nil), all...)

	for _, t := range tagx.FromMetadata(meta) {
		if t = strings.TrimSpace(t); t != "" {
			all = append(all, t)
			fromSource = append(fromSource, t)
		}
	}

	out := tagOutcome{
		safety:    job.Safety,
		wd14Chars: map[string]bool{},
	}
	if out.safety == "" {
		out.safety = domain.SafetyUnsafe
	}

	runModel := cfg.WD14Enabled && !job.SkipTagging
	taggerCfg := domain.TaggerConfig{
		Model:               cfg.WD14Model,
		ConfidenceThreshold: cfg.WD14ConfidenceThreshold,
		MaxTags:             cfg.WD14MaxTags,
	}

	switch {
	case mediafile.IsImage(fp) && runModel:
		tr, err := p.tagger.TagImage(ctx, fp, taggerCfg)
		if err != nil {
			lg.Warn("image tagging failed, continuing with source tags", "error", err)
			break
		}
		all, out.fromAI = appendModelTags(all, out.fromAI, tr, out.wd14Chars)
		if tr.Safety != "" {
			out.safety = tr.Safety
		}
	case mediafile.IsVideo(fp):
		all = append(all, "video")
		fromSource = append(fromSource, "video")
		if !runModel {
			break
		}
		tr, err := p.tagger.TagVideo(ctx, fp, taggerCfg)
		if err != nil {
			lg.Warn("video tagging failed, continuing with source tags", "error", err)
			break
		}
		all, out.fromAI = appendModelTags(all, out.fromAI, tr, out.wd14Chars)
		if tr.Safety != "" {
			out.safety = tr.Safety
		}
	}

	// Late tags may still carry category prefixes; strip them into the
	// override map before deduplication.
	for i, t := range all {
		name, cat := tagx.ParsePrefixed(t)
		if cat != "" {
			overrides[strings.ToLower(tagx.Normalize(name))] = cat
		}
		all[i] = name
	}
	all = tagx.WithSentinel(tagx.Dedupe(all))

	cats := tagx.ResolveCategories(all, meta, cfg.DefaultTagCategory)
	for t, c := range cats {
		if mapped := user.CategoryMap[c]; mapped != "" {
			cats[t] = mapped
		}
	}
	for t := range cats {
		if out.wd14Chars[strings.ToLower(t)] {
			cats[t] = "character"
		}
	}
	for t := range cats {
		if c := overrides[strings.ToLower(t)]; c != "" {
			cats[t] = c
		}
	}

	pairs := make([]tagcache.Pair, 0, len(all))
	for _, t := range all {
		c := cats[t]
		if c == "" {
			c = "general"
		}
		pairs = append(pairs, tagcache.Pair{Name: t, Category: c})
	}
	if err := p.tags.EnsureBatch(ctx, user.Credentials(), pairs); err != nil {
		// The Booru auto-creates missing tags on upload; only the
		// category assignment is lost until the next ensure.
		lg.Warn("tag materialization incomplete", "error", err)
	}

	out.all = all
	out.fromSource = fromSource
	return out
}

func appendModelTags(all, fromAI []string, tr domain.TagResult, chars map[string]bool) ([]string, []string) {
	for _, t := range tr.GeneralTags {
		if t = strings.TrimSpace(t); t != "" {
			all = append(all, t)
			fromAI = append(fromAI, t)
		}
	}
	for _, t := range tr.CharacterTags {
		if t = strings.TrimSpace(t); t != "" {
			all = append(all, t)
			fromAI = append(fromAI, t)
			chars[strings.ToLower(t)] = true
		}
	}
	return all, fromAI
}

// uploadFile pushes the file to the Booru, or merges into the existing
// post when reverse search finds an exact content match.
func (p *Processor) uploadFile(ctx context.Context, job domain.Job, fp string, m domain.ExtractedMedia, tr tagOutcome, meta map[string]any, user domain.UserConfig) (*createdPost, error) {
	lg := observability.LoggerFromContext(ctx)
	creds := user.Credentials()

	var direct, page string
	if job.JobType == domain.JobTypeURL {
		direct = strings.TrimSpace(m.DirectURL)
		if u := strings.TrimSpace(job.URL); u != "" {
			page = p.registry.Normalize(u)
		}
	}
	finalSource := p.sources.Build(strings.TrimSpace(job.SourceOverride), direct, page)
	for _, u := range usecase.MetadataSources(meta) {
		finalSource = p.sources.Append(finalSource, u)
	}

	rs, err := p.booru.ReverseSearch(ctx, creds, fp)
	if err != nil {
		return nil, fmt.Errorf("op=worker.uploadFile: reverse search: %w", err)
	}

	if rs.Exact != nil {
		lg.Info("exact duplicate found, merging", "post_id", rs.Exact.ID)
		post := p.mergeWithExisting(ctx, creds, *rs.Exact, tr, finalSource)
		return &createdPost{
			post:        post,
			tags:        tr.all,
			fromSource:  tr.fromSource,
			fromAI:      tr.fromAI,
			merged:      true,
			finalSource: finalSource,
		}, nil
	}

	post, err := p.booru.Upload(ctx, creds, fp, tr.all, tr.safety, finalSource)
	if errors.Is(err, domain.ErrDuplicateContent) {
		// The server already holds this content under another path and
		// reverse search could not surface it; skip rather than fail.
		lg.Info("upload rejected as duplicate, skipping", "file", filepath.Base(fp))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=worker.uploadFile: upload %s: %w", filepath.Base(fp), err)
	}
	lg.Info("post created", "post_id", post.ID, "tags", len(tr.all))
	return &createdPost{
		post:        post,
		tags:        tr.all,
		fromSource:  tr.fromSource,
		fromAI:      tr.fromAI,
		finalSource: finalSource,
	}, nil
}

// mergeWithExisting unions tags and sources into the duplicate post.
// Merge failures keep the existing post: the content is already there.
func (p *Processor) mergeWithExisting(ctx context.Context, creds domain.BooruCredentials, existing domain.Post, tr tagOutcome, source string) domain.Post {
	lg := observability.LoggerFromContext(ctx)

	newSource := existing.Source
	for _, line := range strings.Split(source, "\n") {
		newSource = p.sources.Append(newSource, line)
	}

	mergedTags := append([]string(nil), existing.Tags...)
	for _, t := range tr.all {
		if !containsFold(mergedTags, t) {
			mergedTags = append(mergedTags, t)
		}
	}

	for c := range tr.wd14Chars {
		if err := p.tags.Ensure(ctx, creds, c, "character"); err != nil {
			lg.Warn("character tag ensure failed", "tag", c, "error", err)
		}
	}

	if len(mergedTags) == len(existing.Tags) && newSource == existing.Source {
		return existing
	}

	updated, err := p.booru.UpdatePost(ctx, creds, existing.ID, existing.Version, domain.PostMutation{
		Tags:   &mergedTags,
		Source: &newSource,
	})
	if err != nil {
		lg.Warn("merge update failed, keeping existing post", "post_id", existing.ID, "error", err)
		return existing
	}
	return updated
}

// createRelations links every post of a multi-file job to its siblings,
// never to itself.
func (p *Processor) createRelations(ctx context.Context, creds domain.BooruCredentials, posts []createdPost) {
	lg := observability.LoggerFromContext(ctx)
	ids := make([]int, len(posts))
	for i, cp := range posts {
		ids[i] = cp.post.ID
	}
	for i := range posts {
		others := make([]int, 0, len(ids)-1)
		for _, id := range ids {
			if id != posts[i].post.ID {
				others = append(others, id)
			}
		}
		if len(others) == 0 {
			continue
		}
		updated, err := p.booru.UpdatePost(ctx, creds, posts[i].post.ID, posts[i].post.Version, domain.PostMutation{
			Relations: &others,
		})
		if err != nil {
			lg.Warn("relation update failed", "post_id", posts[i].post.ID, "error", err)
			continue
		}
		posts[i].post.Version = updated.Version
	}
}

// completeJob records the outcome and publishes the terminal event.
func (p *Processor) completeJob(ctx context.Context, jobID string, primary createdPost, related []int) {
	lg := observability.LoggerFromContext(ctx)

	status := domain.JobCompleted
	if primary.merged {
		status = domain.JobMerged
	}
	rel := make([]int, 0, len(related))
	for _, id := range related {
		if id != primary.post.ID {
			rel = append(rel, id)
		}
	}

	mut := domain.JobMutation{
		ExpectStatus:   domain.ProcessingStatuses(),
		Status:         &status,
		SzuruPostID:    &primary.post.ID,
		RelatedPostIDs: &rel,
		WasMerge:       &primary.merged,
		TagsApplied:    &primary.tags,
		TagsFromSource: &primary.fromSource,
		TagsFromAI:     &primary.fromAI,
	}
	if primary.finalSource != "" {
		mut.SourceOverride = &primary.finalSource
	}
	if err := p.jobs.Update(ctx, jobID, mut); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Pause or stop landed after the last stage check; the user's
			// committed state stands.
			lg.Info("job left processing before completion, keeping external state")
			return
		}
		lg.Error("completion update failed", "error", err)
		return
	}
	lg.Info("job completed", "status", string(status), "post_id", primary.post.ID, "related", rel)

	obsmetrics.JobsCompletedTotal.WithLabelValues(string(status)).Inc()
	p.publish(ctx, domain.Event{
		JobID:       jobID,
		Status:      status,
		Progress:    ptr(100),
		SzuruPostID: &primary.post.ID,
		Tags:        primary.tags,
	})
}

// failJob applies the retry policy: within budget the job re-queues
// (after the delay, when one is configured); past the budget it stays
// failed for good.
func (p *Processor) failJob(ctx context.Context, jobID, errMsg string, maxRetries int, retryDelay time.Duration) {
	lg := observability.LoggerFromContext(ctx)

	j, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		lg.Error("failure bookkeeping lost the job row", "error", err)
		return
	}
	count := j.RetryCount + 1
	shouldRetry := maxRetries > 0 && count <= maxRetries

	dbMsg := truncate(errMsg, maxErrorDBLen)
	evMsg := truncate(errMsg, maxErrorEventLen)

	status := domain.JobFailed
	if shouldRetry && retryDelay <= 0 {
		status = domain.JobPending
	}
	if err := p.jobs.Update(ctx, jobID, domain.JobMutation{
		ExpectStatus: domain.ProcessingStatuses(),
		Status:       &status,
		ErrorMessage: &dbMsg,
		RetryCount:   &count,
	}); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			lg.Info("job left processing before failure bookkeeping, keeping external state")
			return
		}
		lg.Error("failure update failed", "error", err)
		return
	}

	switch {
	case shouldRetry && retryDelay > 0:
		lg.Warn("job failed, retry scheduled", "error", evMsg, "attempt", count, "delay", retryDelay)
		obsmetrics.JobsFailedTotal.WithLabelValues("retry_scheduled").Inc()
		p.publish(ctx, domain.Event{
			JobID: jobID, Status: domain.JobFailed, Progress: ptr(0),
			Error: &evMsg, RetriesExhausted: ptr(false),
		})
		p.requeueAfter(jobID, count, evMsg, retryDelay)
	case shouldRetry:
		lg.Warn("job failed, retrying now", "error", evMsg, "attempt", count)
		obsmetrics.JobsFailedTotal.WithLabelValues("retried").Inc()
		p.publish(ctx, domain.Event{
			JobID: jobID, Status: domain.JobPending, Progress: ptr(0),
			Error: &evMsg, RetriesExhausted: ptr(false),
		})
	default:
		lg.Error("job failed, retries exhausted", "error", evMsg, "attempts", count)
		obsmetrics.JobsFailedTotal.WithLabelValues("exhausted").Inc()
		p.publish(ctx, domain.Event{
			JobID: jobID, Status: domain.JobFailed, Progress: ptr(0),
			Error: &evMsg, RetriesExhausted: ptr(true), RetryCount: &count,
		})
	}
}

// requeueAfter flips the job back to pending once the delay elapses,
// unless something else touched it in the meantime.
func (p *Processor) requeueAfter(jobID string, expectedCount int, evMsg string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		ctx := context.Background()
		j, err := p.jobs.Get(ctx, jobID)
		if err != nil || j.Status != domain.JobFailed || j.RetryCount != expectedCount {
			return
		}
		if err := p.jobs.Update(ctx, jobID, domain.JobMutation{
			ExpectStatus: []domain.JobStatus{domain.JobFailed},
			Status:       ptr(domain.JobPending),
		}); err != nil {
			if !errors.Is(err, domain.ErrConflict) {
				observability.LoggerFromContext(ctx).Warn("retry re-queue failed", "job_id", jobID, "error", err)
			}
			return
		}
		p.publish(ctx, domain.Event{
			JobID: jobID, Status: domain.JobPending, Progress: ptr(0),
			Error: &evMsg, RetriesExhausted: ptr(false),
		})
	})
}

// setStatus advances the pipeline status and publishes its milestone.
// The write is conditional on the job still being in a processing state,
// so a pause or stop committed between stage checks wins; the returned
// error is errAborted in that case and the pipeline unwinds.
func (p *Processor) setStatus(ctx context.Context, jobID string, status domain.JobStatus) error {
	err := p.jobs.Update(ctx, jobID, domain.JobMutation{
		Status:       &status,
		ExpectStatus: domain.ProcessingStatuses(),
	})
	if errors.Is(err, domain.ErrConflict) {
		observability.LoggerFromContext(ctx).Info("job no longer processing, unwinding", "wanted", string(status))
		return errAborted
	}
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("status update failed", "status", string(status), "error", err)
		return nil
	}
	ev := domain.Event{JobID: jobID, Status: status}
	if pr := status.Progress(); pr > 0 {
		ev.Progress = &pr
	}
	p.publish(ctx, ev)
	return nil
}

// aborted reports whether the job was paused or stopped externally.
func (p *Processor) aborted(ctx context.Context, jobID string) bool {
	status, err := p.jobs.ObserveStatus(ctx, jobID)
	if err != nil {
		return false
	}
	if status == domain.JobPaused || status == domain.JobStopped {
		observability.LoggerFromContext(ctx).Info("job aborted externally", "status", string(status))
		return true
	}
	return false
}

func (p *Processor) publish(ctx context.Context, ev domain.Event) {
	if err := p.events.PublishJobUpdate(ctx, ev); err != nil {
		observability.LoggerFromContext(ctx).Warn("event publish failed",
			"job_id", ev.JobID, "status", string(ev.Status), "error", err)
	}
}

func mediaName(m domain.ExtractedMedia) string {
	if m.SuggestedFilename != "" {
		return m.SuggestedFilename
	}
	if m.DirectURL != "" {
		return m.DirectURL
	}
	return m.PageURL
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func ptr[T any](v T) *T { return &v }
