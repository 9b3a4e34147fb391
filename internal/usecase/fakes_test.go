package usecase

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/szuru-ingest/internal/domain"
)

type memJobs struct {
	mu   sync.Mutex
	rows map[string]domain.Job
	// beforeUpdate runs at the top of Update with the lock held; tests use
	// it to change a row between a caller's read and its write. The hook
	// must touch m.rows directly, not call repo methods.
	beforeUpdate func()
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
	if j.Safety == "" {
		j.Safety = domain.SafetyUnsafe
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
	oldest.UpdatedAt = time.Now().UTC()
	m.rows[oldest.ID] = *oldest
	return *oldest, nil
}

func (m *memJobs) Update(_ domain.Context, id string, mut domain.JobMutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.beforeUpdate != nil {
		m.beforeUpdate()
	}
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
		if f.JobType != nil && j.JobType != *f.JobType {
			continue
		}
		if f.WasMerge != nil && j.WasMerge != *f.WasMerge {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	total := len(out)
	if f.Offset < len(out) {
		out = out[f.Offset:]
	} else {
		out = nil
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func (m *memJobs) Delete(_ domain.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return fmt.Errorf("op=job.delete: %w", domain.ErrNotFound)
	}
	delete(m.rows, id)
	return nil
}

func (m *memJobs) PendingTagTargets(_ domain.Context, owner string) (map[int]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[int]bool{}
	for _, j := range m.rows {
		if j.Owner == owner && j.JobType == domain.JobTypeTagExisting &&
			j.TargetPostID != nil && !j.Status.IsTerminal() {
			out[*j.TargetPostID] = true
		}
	}
	return out, nil
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

func (m *memEvents) last() (domain.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return domain.Event{}, false
	}
	return m.events[len(m.events)-1], true
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

// pagedBooru serves canned SearchPosts pages keyed by query.
type pagedBooru struct {
	domain.BooruClient

	posts   map[string][]domain.Post
	pingErr error
	queries []string
}

func (b *pagedBooru) Ping(_ domain.Context) error { return b.pingErr }

func (b *pagedBooru) SearchPosts(_ domain.Context, _ domain.BooruCredentials, query string, offset, limit int) ([]domain.Post, int, error) {
	b.queries = append(b.queries, query)
	all := b.posts[query]
	if offset >= len(all) {
		return nil, len(all), nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], len(all), nil
}
