package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/szuru-ingest/internal/domain"
)

func TestRetagUnionsNewTagsIntoPost(t *testing.T) {
	f := newFixture(t)
	f.settings.cfg.WD14Enabled = false
	f.booru.posts[7] = domain.Post{ID: 7, Version: 1, Tags: []string{"old_tag"}}
	job := f.claimedJob(t, domain.Job{
		JobType:      domain.JobTypeTagExisting,
		TargetPostID: ptr(7),
		InitialTags:  []string{"new_tag"},
	})

	f.proc.Process(context.Background(), job)

	got, _ := f.jobs.Get(context.Background(), job.ID)
	assert.Equal(t, domain.JobCompleted, got.Status)
	require.NotNil(t, got.SzuruPostID)
	assert.Equal(t, 7, *got.SzuruPostID)
	assert.Equal(t, []string{"old_tag", "new_tag"}, got.TagsApplied)

	post, _ := f.booru.post(7)
	assert.Equal(t, []string{"old_tag", "new_tag"}, post.Tags)
	assert.Equal(t, 0, f.ext.downloadCount(), "no content fetch without a content URL")
}

func TestRetagReplaceDropsOriginalTags(t *testing.T) {
	f := newFixture(t)
	f.settings.cfg.WD14Enabled = false
	f.booru.posts[7] = domain.Post{ID: 7, Version: 1, Tags: []string{"old_tag"}}
	job := f.claimedJob(t, domain.Job{
		JobType:             domain.JobTypeTagExisting,
		TargetPostID:        ptr(7),
		ReplaceOriginalTags: true,
		InitialTags:         []string{"fresh"},
	})

	f.proc.Process(context.Background(), job)

	post, _ := f.booru.post(7)
	assert.Equal(t, []string{"fresh"}, post.Tags)
}

func TestRetagNoChangeSkipsUpdate(t *testing.T) {
	f := newFixture(t)
	f.settings.cfg.WD14Enabled = false
	f.booru.posts[7] = domain.Post{ID: 7, Version: 3, Tags: []string{"old_tag"}}
	job := f.claimedJob(t, domain.Job{
		JobType:      domain.JobTypeTagExisting,
		TargetPostID: ptr(7),
		InitialTags:  []string{"old_tag"},
	})

	f.proc.Process(context.Background(), job)

	got, _ := f.jobs.Get(context.Background(), job.ID)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Empty(t, f.booru.updates)
	post, _ := f.booru.post(7)
	assert.Equal(t, 3, post.Version)
}

func TestRetagFetchesContentForModel(t *testing.T) {
	f := newFixture(t)
	f.booru.posts[7] = domain.Post{
		ID: 7, Version: 1,
		Tags:       []string{"old_tag"},
		ContentURL: "https://booru.example/data/7.jpg",
	}
	f.tagger.result = domain.TagResult{GeneralTags: []string{"sky"}}
	job := f.claimedJob(t, domain.Job{
		JobType:      domain.JobTypeTagExisting,
		TargetPostID: ptr(7),
	})

	f.proc.Process(context.Background(), job)

	assert.Equal(t, 1, f.ext.downloadCount())
	assert.Equal(t, 1, f.tagger.imageCalls)
	post, _ := f.booru.post(7)
	assert.True(t, hasTag(post.Tags, "sky"))
	assert.True(t, hasTag(post.Tags, "old_tag"))
}

func TestRetagMissingTargetFails(t *testing.T) {
	f := newFixture(t)
	job := f.claimedJob(t, domain.Job{
		JobType:      domain.JobTypeTagExisting,
		TargetPostID: ptr(99),
	})

	f.proc.Process(context.Background(), job)

	got, _ := f.jobs.Get(context.Background(), job.ID)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "load post 99")
}
