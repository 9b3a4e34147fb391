package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	obsmetrics "github.com/fairyhunter13/szuru-ingest/internal/adapter/observability"
	"github.com/fairyhunter13/szuru-ingest/internal/domain"
	"github.com/fairyhunter13/szuru-ingest/internal/observability"
	"github.com/fairyhunter13/szuru-ingest/pkg/tagx"
)

// retagExisting re-tags a post already on the Booru: the content file is
// fetched back, run through the model, and the post's tag set is either
// extended or replaced depending on the job flag.
func (p *Processor) retagExisting(ctx context.Context, job domain.Job, jobDir string, cfg domain.GlobalConfig, user domain.UserConfig, maxRetries int, retryDelay time.Duration) {
	lg := observability.LoggerFromContext(ctx)
	creds := user.Credentials()

	if job.TargetPostID == nil {
		p.failJob(ctx, job.ID, "tag job has no target post", 0, 0)
		return
	}
	post, err := p.booru.GetPost(ctx, creds, *job.TargetPostID)
	if err != nil {
		p.failJob(ctx, job.ID, fmt.Sprintf("load post %d: %v", *job.TargetPostID, err), maxRetries, retryDelay)
		return
	}

	fp := p.fetchPostContent(ctx, post, jobDir, cfg)

	if p.aborted(ctx, job.ID) {
		return
	}
	if p.setStatus(ctx, job.ID, domain.JobTagging) != nil {
		return
	}
	tagStart := time.Now()
	tr := p.tagFile(ctx, job, fp, nil, cfg, user)
	obsmetrics.ObserveStage("tag", time.Since(tagStart))

	var finalTags []string
	if job.ReplaceOriginalTags {
		finalTags = tr.all
	} else {
		finalTags = append([]string(nil), post.Tags...)
		for _, t := range tr.all {
			if !containsFold(finalTags, t) {
				finalTags = append(finalTags, t)
			}
		}
		finalTags = tagx.WithSentinel(finalTags)
	}

	if p.aborted(ctx, job.ID) {
		return
	}
	if p.setStatus(ctx, job.ID, domain.JobUploading) != nil {
		return
	}

	if !sameTagSet(finalTags, post.Tags) {
		updated, err := p.booru.UpdatePost(ctx, creds, post.ID, post.Version, domain.PostMutation{
			Tags: &finalTags,
		})
		if err != nil {
			p.failJob(ctx, job.ID, fmt.Sprintf("update post %d: %v", post.ID, err), maxRetries, retryDelay)
			return
		}
		post = updated
	} else {
		lg.Info("post tags already current", "post_id", post.ID)
	}

	p.completeJob(ctx, job.ID, createdPost{
		post:       post,
		tags:       finalTags,
		fromSource: tr.fromSource,
		fromAI:     tr.fromAI,
	}, nil)
}

// fetchPostContent pulls the post's media back down for model inference.
// A fetch failure degrades to metadata-only tagging rather than failing
// the job.
func (p *Processor) fetchPostContent(ctx context.Context, post domain.Post, jobDir string, cfg domain.GlobalConfig) string {
	if post.ContentURL == "" || !cfg.WD14Enabled {
		return ""
	}
	// DirectURL only: ContentURL addresses the bytes themselves, there is
	// no page to hand the extractor tools.
	media := domain.ExtractedMedia{DirectURL: post.ContentURL}
	files, _, err := p.extract.Download(ctx, media, jobDir, domain.ExtractorOptions{
		DirectDownload: true,
		Timeout:        cfg.DownloadTimeout,
	})
	if err != nil || len(files) == 0 {
		observability.LoggerFromContext(ctx).Warn("post content fetch failed, tagging without model",
			"post_id", post.ID, "error", err)
		return ""
	}
	return files[0]
}

func sameTagSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, t := range a {
		seen[strings.ToLower(t)] = true
	}
	for _, t := range b {
		if !seen[strings.ToLower(t)] {
			return false
		}
	}
	return true
}
