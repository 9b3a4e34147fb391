package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/szuru-ingest/internal/domain"
	"github.com/fairyhunter13/szuru-ingest/internal/sites"
	"github.com/fairyhunter13/szuru-ingest/internal/tagcache"
)

type fixture struct {
	proc     *Processor
	jobs     *memJobs
	booru    *fakeBooru
	ext      *fakeExtractor
	tagger   *fakeTagger
	events   *memEvents
	settings *memSettings
	dataDir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := domain.DefaultGlobalConfig()
	cfg.MaxRetries = 0
	cfg.RetryDelay = 0

	f := &fixture{
		jobs:     newMemJobs(),
		booru:    newFakeBooru(),
		ext:      &fakeExtractor{},
		tagger:   &fakeTagger{},
		events:   &memEvents{},
		settings: &memSettings{cfg: cfg},
		dataDir:  t.TempDir(),
	}
	users := &memUsers{cfg: domain.UserConfig{
		Owner:         "alice",
		BooruUsername: "alice",
		BooruToken:    "tok",
	}}
	tags := tagcache.NewWithTTL(newMemTagRepo(), f.booru, time.Hour)
	f.proc = NewProcessor(f.jobs, f.settings, users, f.booru, f.ext, f.tagger, tags,
		f.events, sites.NewRegistry(), f.dataDir)
	return f
}

func (f *fixture) claimedJob(t *testing.T, j domain.Job) domain.Job {
	t.Helper()
	j.Owner = "alice"
	j.Status = domain.JobDownloading
	id, err := f.jobs.Create(context.Background(), j)
	require.NoError(t, err)
	job, err := f.jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestProcessURLJobHappyPath(t *testing.T) {
	f := newFixture(t)
	f.ext.media = []domain.ExtractedMedia{{
		PageURL:           "https://page.example/post/1",
		DirectURL:         "https://cdn.example/a.jpg",
		SuggestedFilename: "a.jpg",
	}}
	f.tagger.result = domain.TagResult{
		GeneralTags:   []string{"sky"},
		CharacterTags: []string{"miku"},
		Safety:        domain.SafetySketchy,
	}
	job := f.claimedJob(t, domain.Job{
		JobType:     domain.JobTypeURL,
		URL:         "https://page.example/post/1",
		InitialTags: []string{"artist:painter", "blue sky"},
	})

	f.proc.Process(context.Background(), job)

	got, err := f.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
	require.NotNil(t, got.SzuruPostID)
	assert.Equal(t, 1, *got.SzuruPostID)
	assert.False(t, got.WasMerge)
	assert.Equal(t, []string{"painter", "blue_sky", "sky", "miku"}, got.TagsApplied)
	assert.Equal(t, []string{"painter", "blue_sky"}, got.TagsFromSource)
	assert.Equal(t, []string{"sky", "miku"}, got.TagsFromAI)
	assert.Equal(t, "https://cdn.example/a.jpg\nhttps://page.example/post/1", got.SourceOverride)

	post, ok := f.booru.post(1)
	require.True(t, ok)
	assert.Equal(t, domain.SafetySketchy, post.Safety)
	assert.Equal(t, got.SourceOverride, post.Source)

	// prefix override, WD14 character, default fall-through
	assert.Equal(t, "artist", f.booru.tagCategory("painter"))
	assert.Equal(t, "character", f.booru.tagCategory("miku"))
	assert.Equal(t, "general", f.booru.tagCategory("sky"))

	statuses := f.events.statuses()
	assert.Equal(t, []domain.JobStatus{domain.JobTagging, domain.JobUploading, domain.JobCompleted}, statuses)
	last := f.events.all()[len(f.events.all())-1]
	require.NotNil(t, last.Progress)
	assert.Equal(t, 100, *last.Progress)
	require.NotNil(t, last.SzuruPostID)
	assert.Equal(t, 1, *last.SzuruPostID)
	assert.Equal(t, got.TagsApplied, last.Tags)

	// scratch dir is gone on every exit path
	assert.NoDirExists(t, filepath.Join(f.dataDir, job.ID))
}

func TestProcessMultiMediaCreatesRelations(t *testing.T) {
	f := newFixture(t)
	f.ext.media = []domain.ExtractedMedia{
		{PageURL: "https://page.example/post/1", SuggestedFilename: "a.jpg"},
		{PageURL: "https://page.example/post/1", SuggestedFilename: "b.jpg"},
	}
	job := f.claimedJob(t, domain.Job{JobType: domain.JobTypeURL, URL: "https://page.example/post/1"})

	f.proc.Process(context.Background(), job)

	got, _ := f.jobs.Get(context.Background(), job.ID)
	assert.Equal(t, domain.JobCompleted, got.Status)
	require.NotNil(t, got.SzuruPostID)
	assert.Equal(t, 1, *got.SzuruPostID)
	assert.Equal(t, []int{2}, got.RelatedPostIDs)

	rels := f.booru.relationUpdates()
	require.Len(t, rels, 2)
	assert.Equal(t, 1, rels[0].ID)
	assert.Equal(t, []int{2}, *rels[0].Mut.Relations)
	assert.Equal(t, 2, rels[1].ID)
	assert.Equal(t, []int{1}, *rels[1].Mut.Relations)
}

func TestProcessFileJobUsesUploadedFile(t *testing.T) {
	f := newFixture(t)
	job := f.claimedJob(t, domain.Job{JobType: domain.JobTypeFile, OriginalFilename: "cat.png"})
	dir := filepath.Join(f.dataDir, job.ID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cat.png"), []byte("png"), 0o644))

	f.proc.Process(context.Background(), job)

	got, _ := f.jobs.Get(context.Background(), job.ID)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, 0, f.ext.downloadCount(), "file jobs never invoke the extractor")
	post, ok := f.booru.post(1)
	require.True(t, ok)
	assert.Empty(t, post.Source, "uploaded files carry no page source")
}

func TestProcessMergesIntoExactDuplicate(t *testing.T) {
	f := newFixture(t)
	f.booru.posts[5] = domain.Post{
		ID: 5, Version: 2,
		Tags:   []string{"old"},
		Source: "https://elsewhere.example/x",
	}
	f.booru.nextID = 6
	f.booru.exactFor["a.jpg"] = 5
	f.ext.media = []domain.ExtractedMedia{{
		PageURL: "https://page.example/post/9", SuggestedFilename: "a.jpg",
	}}
	job := f.claimedJob(t, domain.Job{
		JobType: domain.JobTypeURL, URL: "https://page.example/post/9",
		InitialTags: []string{"fresh"},
	})

	f.proc.Process(context.Background(), job)

	got, _ := f.jobs.Get(context.Background(), job.ID)
	assert.Equal(t, domain.JobMerged, got.Status)
	assert.True(t, got.WasMerge)
	require.NotNil(t, got.SzuruPostID)
	assert.Equal(t, 5, *got.SzuruPostID)

	post, _ := f.booru.post(5)
	assert.True(t, hasTag(post.Tags, "old"))
	assert.True(t, hasTag(post.Tags, "fresh"))
	assert.Contains(t, post.Source, "https://elsewhere.example/x")
	assert.Contains(t, post.Source, "https://page.example/post/9")
	assert.Equal(t, 0, f.booru.uploadCount, "merge path never uploads")
}

func TestProcessDuplicateUploadSkipsMedia(t *testing.T) {
	f := newFixture(t)
	f.booru.uploadErr = domain.ErrDuplicateContent
	f.ext.media = []domain.ExtractedMedia{{
		PageURL: "https://page.example/post/1", SuggestedFilename: "a.jpg",
	}}
	job := f.claimedJob(t, domain.Job{JobType: domain.JobTypeURL, URL: "https://page.example/post/1"})

	f.proc.Process(context.Background(), job)

	got, _ := f.jobs.Get(context.Background(), job.ID)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Equal(t, "failed to process a.jpg", got.ErrorMessage)
	last := f.events.all()[len(f.events.all())-1]
	require.NotNil(t, last.RetriesExhausted)
	assert.True(t, *last.RetriesExhausted)
}

func TestProcessUploadErrorRetriesImmediately(t *testing.T) {
	f := newFixture(t)
	f.settings.cfg.MaxRetries = 2
	f.booru.uploadErr = domain.ErrUpstreamError
	f.ext.media = []domain.ExtractedMedia{{
		PageURL: "https://page.example/post/1", SuggestedFilename: "a.jpg",
	}}
	job := f.claimedJob(t, domain.Job{JobType: domain.JobTypeURL, URL: "https://page.example/post/1"})

	f.proc.Process(context.Background(), job)

	got, _ := f.jobs.Get(context.Background(), job.ID)
	assert.Equal(t, domain.JobPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.NotEmpty(t, got.ErrorMessage)

	last := f.events.all()[len(f.events.all())-1]
	assert.Equal(t, domain.JobPending, last.Status)
	require.NotNil(t, last.RetriesExhausted)
	assert.False(t, *last.RetriesExhausted)
}

func TestProcessDelayedRetryStaysFailedThenRequeues(t *testing.T) {
	f := newFixture(t)
	f.settings.cfg.MaxRetries = 1
	f.settings.cfg.RetryDelay = 30 * time.Millisecond
	f.booru.uploadErr = domain.ErrUpstreamError
	f.ext.media = []domain.ExtractedMedia{{
		PageURL: "https://page.example/post/1", SuggestedFilename: "a.jpg",
	}}
	job := f.claimedJob(t, domain.Job{JobType: domain.JobTypeURL, URL: "https://page.example/post/1"})

	f.proc.Process(context.Background(), job)

	got, _ := f.jobs.Get(context.Background(), job.ID)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	require.Eventually(t, func() bool {
		cur, err := f.jobs.Get(context.Background(), job.ID)
		return err == nil && cur.Status == domain.JobPending
	}, time.Second, 10*time.Millisecond)
}

func TestProcessDelayedRetrySkippedWhenJobTouched(t *testing.T) {
	f := newFixture(t)
	f.settings.cfg.MaxRetries = 1
	f.settings.cfg.RetryDelay = 30 * time.Millisecond
	f.booru.uploadErr = domain.ErrUpstreamError
	f.ext.media = []domain.ExtractedMedia{{
		PageURL: "https://page.example/post/1", SuggestedFilename: "a.jpg",
	}}
	job := f.claimedJob(t, domain.Job{JobType: domain.JobTypeURL, URL: "https://page.example/post/1"})

	f.proc.Process(context.Background(), job)
	require.NoError(t, f.jobs.Update(context.Background(), job.ID,
		domain.JobMutation{Status: ptr(domain.JobStopped)}))

	time.Sleep(80 * time.Millisecond)
	got, _ := f.jobs.Get(context.Background(), job.ID)
	assert.Equal(t, domain.JobStopped, got.Status)
}

func TestProcessAbortsWhenStoppedExternally(t *testing.T) {
	f := newFixture(t)
	f.ext.media = []domain.ExtractedMedia{{
		PageURL: "https://page.example/post/1", SuggestedFilename: "a.jpg",
	}}
	job := f.claimedJob(t, domain.Job{JobType: domain.JobTypeURL, URL: "https://page.example/post/1"})
	f.tagger.onTag = func() {
		_ = f.jobs.Update(context.Background(), job.ID,
			domain.JobMutation{Status: ptr(domain.JobStopped)})
	}

	f.proc.Process(context.Background(), job)

	got, _ := f.jobs.Get(context.Background(), job.ID)
	assert.Equal(t, domain.JobStopped, got.Status, "an externally stopped job keeps its status")
	for _, ev := range f.events.all() {
		assert.NotContains(t, []domain.JobStatus{domain.JobCompleted, domain.JobFailed}, ev.Status)
	}
	assert.Equal(t, 0, f.booru.uploadCount)
}

func TestProcessKeepsCommittedPauseWhenStatusReadIsStale(t *testing.T) {
	f := newFixture(t)
	f.ext.media = []domain.ExtractedMedia{{
		PageURL: "https://page.example/post/1", SuggestedFilename: "a.jpg",
	}}
	job := f.claimedJob(t, domain.Job{JobType: domain.JobTypeURL, URL: "https://page.example/post/1"})

	// The pause is committed, but every boundary read still reports
	// downloading. The conditional stage write must lose to the stored
	// status and unwind instead of finishing the job.
	require.NoError(t, f.jobs.Update(context.Background(), job.ID,
		domain.JobMutation{Status: ptr(domain.JobPaused)}))
	f.jobs.staleStatus = domain.JobDownloading

	f.proc.Process(context.Background(), job)

	got, _ := f.jobs.Get(context.Background(), job.ID)
	assert.Equal(t, domain.JobPaused, got.Status)
	assert.Equal(t, 0, f.booru.uploadCount)
	for _, ev := range f.events.all() {
		assert.NotContains(t, []domain.JobStatus{
			domain.JobTagging, domain.JobUploading, domain.JobCompleted, domain.JobFailed,
		}, ev.Status)
	}
}

func TestProcessEmptyTagSetFallsBackToTagme(t *testing.T) {
	f := newFixture(t)
	f.settings.cfg.WD14Enabled = false
	f.ext.media = []domain.ExtractedMedia{{
		PageURL: "https://page.example/post/1", SuggestedFilename: "a.jpg",
	}}
	job := f.claimedJob(t, domain.Job{JobType: domain.JobTypeURL, URL: "https://page.example/post/1"})

	f.proc.Process(context.Background(), job)

	got, _ := f.jobs.Get(context.Background(), job.ID)
	assert.Equal(t, []string{"tagme"}, got.TagsApplied)
	assert.Equal(t, 0, f.tagger.imageCalls)
}

func TestProcessVideoAppendsLiteralAndTagsFrames(t *testing.T) {
	f := newFixture(t)
	f.tagger.result = domain.TagResult{GeneralTags: []string{"dance"}, Safety: domain.SafetyUnsafe}
	f.ext.media = []domain.ExtractedMedia{{
		PageURL: "https://page.example/post/1", SuggestedFilename: "clip.mp4",
	}}
	job := f.claimedJob(t, domain.Job{JobType: domain.JobTypeURL, URL: "https://page.example/post/1"})

	f.proc.Process(context.Background(), job)

	got, _ := f.jobs.Get(context.Background(), job.ID)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, []string{"video", "dance"}, got.TagsApplied)
	assert.Equal(t, 1, f.tagger.videoCalls)
	assert.Equal(t, 0, f.tagger.imageCalls)
}

func TestProcessEnumerateFailureFailsJob(t *testing.T) {
	f := newFixture(t)
	f.ext.enumerateErr = domain.ErrUpstreamTimeout
	job := f.claimedJob(t, domain.Job{JobType: domain.JobTypeURL, URL: "https://page.example/post/1"})

	f.proc.Process(context.Background(), job)

	got, _ := f.jobs.Get(context.Background(), job.ID)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "upstream timeout")
}

func TestProcessTaggerFailureDegradesToSourceTags(t *testing.T) {
	f := newFixture(t)
	f.tagger.err = domain.ErrUpstreamError
	f.ext.media = []domain.ExtractedMedia{{
		PageURL: "https://page.example/post/1", SuggestedFilename: "a.jpg",
	}}
	job := f.claimedJob(t, domain.Job{
		JobType: domain.JobTypeURL, URL: "https://page.example/post/1",
		InitialTags: []string{"landscape"},
	})

	f.proc.Process(context.Background(), job)

	got, _ := f.jobs.Get(context.Background(), job.ID)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, []string{"landscape"}, got.TagsApplied)
	assert.Empty(t, got.TagsFromAI)
}
