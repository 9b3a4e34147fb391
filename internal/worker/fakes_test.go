package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/szuru-ingest/internal/domain"
)

type memJobs struct {
	mu   sync.Mutex
	rows map[string]domain.Job
	// staleStatus, when set, is what ObserveStatus reports instead of the
	// stored row; it simulates a read racing a concurrent status write.
	staleStatus domain.JobStatus
}

func newMemJobs() *memJobs { return &memJobs{rows: map[string]domain.Job{}} }

func (m *memJobs) Create(_ domain.Context, j domain.Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = domain.JobPending
	}
	now := time.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now
	m.rows[j.ID] = j
	return j.ID, nil
}

func (m *memJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return j, nil
}

func (m *memJobs) ClaimNext(_ domain.Context, _ string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *domain.Job
	for id := range m.rows {
		j := m.rows[id]
		if j.Status != domain.JobPending {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = &j
		}
	}
	if oldest == nil {
		return domain.Job{}, fmt.Errorf("op=job.claim: %w", domain.ErrNotFound)
	}
	oldest.Status = domain.JobDownloading
	m.rows[oldest.ID] = *oldest
	return *oldest, nil
}

func (m *memJobs) Update(_ domain.Context, id string, mut domain.JobMutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("op=job.update: %w", domain.ErrNotFound)
	}
	if len(mut.ExpectStatus) > 0 && !statusIn(j.Status, mut.ExpectStatus) {
		return fmt.Errorf("op=job.update: %w", domain.ErrConflict)
	}
	if mut.Status != nil {
		j.Status = *mut.Status
	}
	if mut.SourceOverride != nil {
		j.SourceOverride = *mut.SourceOverride
	}
	if mut.ErrorMessage != nil {
		j.ErrorMessage = *mut.ErrorMessage
	}
	if mut.RetryCount != nil {
		j.RetryCount = *mut.RetryCount
	}
	if mut.SzuruPostID != nil {
		j.SzuruPostID = mut.SzuruPostID
	}
	if mut.RelatedPostIDs != nil {
		j.RelatedPostIDs = *mut.RelatedPostIDs
	}
	if mut.WasMerge != nil {
		j.WasMerge = *mut.WasMerge
	}
	if mut.TagsApplied != nil {
		j.TagsApplied = *mut.TagsApplied
	}
	if mut.TagsFromSource != nil {
		j.TagsFromSource = *mut.TagsFromSource
	}
	if mut.TagsFromAI != nil {
		j.TagsFromAI = *mut.TagsFromAI
	}
	j.UpdatedAt = time.Now().UTC()
	m.rows[id] = j
	return nil
}

func (m *memJobs) ObserveStatus(_ domain.Context, id string) (domain.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.staleStatus != "" {
		return m.staleStatus, nil
	}
	j, ok := m.rows[id]
	if !ok {
		return "", fmt.Errorf("op=job.observe_status: %w", domain.ErrNotFound)
	}
	return j.Status, nil
}

func statusIn(s domain.JobStatus, set []domain.JobStatus) bool {
	for _, want := range set {
		if s == want {
			return true
		}
	}
	return false
}

func (m *memJobs) List(_ domain.Context, f domain.JobFilter) ([]domain.Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, j := range m.rows {
		if f.Owner != "" && j.Owner != f.Owner {
			continue
		}
		if f.Status != nil && j.Status != *f.Status {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, len(out), nil
}

func (m *memJobs) Delete(_ domain.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *memJobs) PendingTagTargets(_ domain.Context, _ string) (map[int]bool, error) {
	return map[int]bool{}, nil
}

type memEvents struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *memEvents) PublishJobUpdate(_ domain.Context, ev domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memEvents) all() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Event(nil), m.events...)
}

func (m *memEvents) statuses() []domain.JobStatus {
	var out []domain.JobStatus
	for _, ev := range m.all() {
		out = append(out, ev.Status)
	}
	return out
}

type memSettings struct {
	cfg domain.GlobalConfig
}

func (m *memSettings) LoadGlobal(_ domain.Context) (domain.GlobalConfig, error) { return m.cfg, nil }
func (m *memSettings) Get(_ domain.Context, _ string) (string, error)          { return "", nil }
func (m *memSettings) Set(_ domain.Context, _, _ string) error                 { return nil }
func (m *memSettings) All(_ domain.Context) (map[string]string, error)         { return nil, nil }

type memUsers struct {
	cfg domain.UserConfig
}

func (m *memUsers) GetByAPIToken(_ domain.Context, _ string) (domain.User, error) {
	return domain.User{Name: m.cfg.Owner}, nil
}
func (m *memUsers) GetUserConfig(_ domain.Context, _ string) (domain.UserConfig, error) {
	return m.cfg, nil
}
func (m *memUsers) SetSiteCredential(_ domain.Context, _, _, _, _ string) error { return nil }
func (m *memUsers) SetBooruToken(_ domain.Context, _, _, _ string) error        { return nil }

type memTagRepo struct {
	mu   sync.Mutex
	rows map[string]domain.TagCacheEntry
}

func newMemTagRepo() *memTagRepo { return &memTagRepo{rows: map[string]domain.TagCacheEntry{}} }

func (m *memTagRepo) Upsert(_ domain.Context, e domain.TagCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[e.Name] = e
	return nil
}

func (m *memTagRepo) LoadFresh(_ domain.Context, after time.Time) ([]domain.TagCacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TagCacheEntry
	for _, e := range m.rows {
		if e.VerifiedAt.After(after) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memTagRepo) Delete(_ domain.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, name)
	return nil
}

type postUpdate struct {
	ID  int
	Mut domain.PostMutation
}

// fakeBooru is an in-memory Booru with content-hash dedup keyed on the
// uploaded file's base name.
type fakeBooru struct {
	mu          sync.Mutex
	nextID      int
	posts       map[int]domain.Post
	exactFor    map[string]int
	uploadErr   error
	tags        map[string]string
	updates     []postUpdate
	uploadCount int
}

func newFakeBooru() *fakeBooru {
	return &fakeBooru{
		nextID:   1,
		posts:    map[int]domain.Post{},
		exactFor: map[string]int{},
		tags:     map[string]string{},
	}
}

func (b *fakeBooru) Upload(_ domain.Context, _ domain.BooruCredentials, filePath string, tags []string, safety domain.Safety, source string) (domain.Post, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploadCount++
	if b.uploadErr != nil {
		return domain.Post{}, b.uploadErr
	}
	p := domain.Post{
		ID:      b.nextID,
		Version: 1,
		Tags:    append([]string(nil), tags...),
		Source:  source,
		Safety:  safety,
	}
	b.nextID++
	b.posts[p.ID] = p
	_ = filePath
	return p, nil
}

func (b *fakeBooru) ReverseSearch(_ domain.Context, _ domain.BooruCredentials, filePath string) (domain.ReverseSearchResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := b.exactFor[filepath.Base(filePath)]; ok {
		p := b.posts[id]
		return domain.ReverseSearchResult{Exact: &p}, nil
	}
	return domain.ReverseSearchResult{}, nil
}

func (b *fakeBooru) SearchByChecksum(_ domain.Context, _ domain.BooruCredentials, _ string) ([]domain.Post, error) {
	return nil, nil
}

func (b *fakeBooru) GetPost(_ domain.Context, _ domain.BooruCredentials, id int) (domain.Post, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.posts[id]
	if !ok {
		return domain.Post{}, fmt.Errorf("op=booru.get_post: %w", domain.ErrNotFound)
	}
	return p, nil
}

func (b *fakeBooru) UpdatePost(_ domain.Context, _ domain.BooruCredentials, id, version int, mut domain.PostMutation) (domain.Post, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.posts[id]
	if !ok {
		return domain.Post{}, fmt.Errorf("op=booru.update_post: %w", domain.ErrNotFound)
	}
	if p.Version != version {
		return domain.Post{}, fmt.Errorf("op=booru.update_post: %w", domain.ErrConflict)
	}
	if mut.Tags != nil {
		p.Tags = append([]string(nil), *mut.Tags...)
	}
	if mut.Source != nil {
		p.Source = *mut.Source
	}
	if mut.Safety != nil {
		p.Safety = *mut.Safety
	}
	if mut.Relations != nil {
		p.RelationIDs = append([]int(nil), *mut.Relations...)
	}
	p.Version++
	b.posts[id] = p
	b.updates = append(b.updates, postUpdate{ID: id, Mut: mut})
	return p, nil
}

func (b *fakeBooru) SearchPosts(_ domain.Context, _ domain.BooruCredentials, _ string, _, _ int) ([]domain.Post, int, error) {
	return nil, 0, nil
}

func (b *fakeBooru) CreateTag(_ domain.Context, _ domain.BooruCredentials, name, category string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tags[name]; ok {
		return fmt.Errorf("op=booru.create_tag: %w", domain.ErrConflict)
	}
	b.tags[name] = category
	return nil
}

func (b *fakeBooru) GetTag(_ domain.Context, _ domain.BooruCredentials, name string) (domain.Tag, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.tags[name]
	if !ok {
		return domain.Tag{}, fmt.Errorf("op=booru.get_tag: %w", domain.ErrNotFound)
	}
	return domain.Tag{Name: name, Category: c, Version: 1}, nil
}

func (b *fakeBooru) UpdateTag(_ domain.Context, _ domain.BooruCredentials, name string, _ int, category string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tags[name] = category
	return nil
}

func (b *fakeBooru) Ping(_ domain.Context) error { return nil }

func (b *fakeBooru) tagCategory(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tags[name]
}

func (b *fakeBooru) post(id int) (domain.Post, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.posts[id]
	return p, ok
}

func (b *fakeBooru) relationUpdates() []postUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []postUpdate
	for _, u := range b.updates {
		if u.Mut.Relations != nil {
			out = append(out, u)
		}
	}
	return out
}

// fakeExtractor serves canned enumerations and writes one file per
// download call.
type fakeExtractor struct {
	mu           sync.Mutex
	media        []domain.ExtractedMedia
	enumerateErr error
	downloadErr  error
	noFiles      bool
	meta         map[string]any
	downloads    int
}

func (f *fakeExtractor) Enumerate(_ domain.Context, _ string, _ domain.ExtractorOptions) ([]domain.ExtractedMedia, error) {
	if f.enumerateErr != nil {
		return nil, f.enumerateErr
	}
	return f.media, nil
}

func (f *fakeExtractor) Download(_ domain.Context, m domain.ExtractedMedia, destDir string, _ domain.ExtractorOptions) ([]string, map[string]any, error) {
	f.mu.Lock()
	f.downloads++
	f.mu.Unlock()
	if f.downloadErr != nil {
		return nil, nil, f.downloadErr
	}
	if f.noFiles {
		return nil, nil, nil
	}
	name := m.SuggestedFilename
	if name == "" {
		name = "media.jpg"
	}
	p := filepath.Join(destDir, name)
	if err := os.WriteFile(p, []byte("bytes"), 0o644); err != nil {
		return nil, nil, err
	}
	return []string{p}, f.meta, nil
}

func (f *fakeExtractor) downloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads
}

// fakeTagger returns a fixed result and can run a hook to simulate
// external state changes mid-inference.
type fakeTagger struct {
	mu         sync.Mutex
	result     domain.TagResult
	err        error
	onTag      func()
	imageCalls int
	videoCalls int
}

func (t *fakeTagger) TagImage(_ domain.Context, _ string, _ domain.TaggerConfig) (domain.TagResult, error) {
	t.mu.Lock()
	t.imageCalls++
	hook := t.onTag
	t.mu.Unlock()
	if hook != nil {
		hook()
	}
	return t.result, t.err
}

func (t *fakeTagger) TagVideo(_ domain.Context, _ string, _ domain.TaggerConfig) (domain.TagResult, error) {
	t.mu.Lock()
	t.videoCalls++
	t.mu.Unlock()
	return t.result, t.err
}

func (t *fakeTagger) Ping(_ domain.Context) error { return nil }

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}
