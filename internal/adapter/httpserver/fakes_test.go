package httpserver

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fairyhunter13/szuru-ingest/internal/config"
	"github.com/fairyhunter13/szuru-ingest/internal/domain"
	"github.com/fairyhunter13/szuru-ingest/internal/sites"
	"github.com/fairyhunter13/szuru-ingest/internal/usecase"
)

type memJobs struct {
	mu   sync.Mutex
	rows map[string]domain.Job
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
	return domain.Job{}, fmt.Errorf("op=job.claim: %w", domain.ErrNotFound)
}

func (m *memJobs) Update(_ domain.Context, id string, mut domain.JobMutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("op=job.update: %w", domain.ErrNotFound)
	}
	if len(mut.ExpectStatus) > 0 {
		found := false
		for _, want := range mut.ExpectStatus {
			if j.Status == want {
				found = true
			}
		}
		if !found {
			return fmt.Errorf("op=job.update: %w", domain.ErrConflict)
		}
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

// memBus records published events and feeds them to subscribers.
type memBus struct {
	mu     sync.Mutex
	events []domain.Event
	subs   []chan domain.Event
}

func (m *memBus) PublishJobUpdate(_ domain.Context, ev domain.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (m *memBus) SubscribeJobUpdates(_ domain.Context) (<-chan domain.Event, func(), error) {
	ch := make(chan domain.Event, 16)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch, func() {}, nil
}

func (m *memBus) all() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Event(nil), m.events...)
}

type memSettings struct {
	mu    sync.Mutex
	cfg   domain.GlobalConfig
	store map[string]string
}

func newMemSettings() *memSettings {
	return &memSettings{cfg: domain.DefaultGlobalConfig(), store: map[string]string{}}
}

func (m *memSettings) LoadGlobal(_ domain.Context) (domain.GlobalConfig, error) { return m.cfg, nil }

func (m *memSettings) Get(_ domain.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.store[key]
	if !ok {
		return "", fmt.Errorf("op=settings.get: %w", domain.ErrNotFound)
	}
	return v, nil
}

func (m *memSettings) Set(_ domain.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[key] = value
	return nil
}

func (m *memSettings) All(_ domain.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	for k, v := range m.store {
		out[k] = v
	}
	return out, nil
}

type credCall struct{ owner, site, key, value string }

type memUsers struct {
	mu        sync.Mutex
	byToken   map[string]domain.User
	configs   map[string]domain.UserConfig
	siteCreds []credCall
	booruSets []credCall
}

func newMemUsers() *memUsers {
	return &memUsers{byToken: map[string]domain.User{}, configs: map[string]domain.UserConfig{}}
}

func (m *memUsers) GetByAPIToken(_ domain.Context, token string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byToken[token]
	if !ok {
		return domain.User{}, fmt.Errorf("op=users.by_token: %w", domain.ErrNotFound)
	}
	return u, nil
}

func (m *memUsers) GetUserConfig(_ domain.Context, owner string) (domain.UserConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[owner]
	if !ok {
		return domain.UserConfig{Owner: owner}, nil
	}
	return cfg, nil
}

func (m *memUsers) SetSiteCredential(_ domain.Context, owner, site, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.siteCreds = append(m.siteCreds, credCall{owner, site, key, value})
	return nil
}

func (m *memUsers) SetBooruToken(_ domain.Context, owner, username, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.booruSets = append(m.booruSets, credCall{owner: owner, key: username, value: token})
	return nil
}

// pagedBooru serves canned SearchPosts pages keyed by query.
type pagedBooru struct {
	domain.BooruClient

	posts   map[string][]domain.Post
	pingErr error
}

func (b *pagedBooru) Ping(_ domain.Context) error { return b.pingErr }

func (b *pagedBooru) SearchPosts(_ domain.Context, _ domain.BooruCredentials, query string, offset, limit int) ([]domain.Post, int, error) {
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

type fixture struct {
	srv      *Server
	jobs     *memJobs
	bus      *memBus
	settings *memSettings
	users    *memUsers
	booru    *pagedBooru
	handler  http.Handler
	dataDir  string
}

const (
	testToken      = "tok-alice"
	adminTestToken = "tok-root"
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	jobs := newMemJobs()
	bus := &memBus{}
	settings := newMemSettings()
	users := newMemUsers()
	users.byToken[testToken] = domain.User{ID: "u1", Name: "alice"}
	users.byToken[adminTestToken] = domain.User{ID: "u0", Name: "root", IsAdmin: true}
	users.configs["alice"] = domain.UserConfig{
		Owner:         "alice",
		BooruUsername: "alice",
		BooruToken:    "btok",
	}
	booru := &pagedBooru{posts: map[string][]domain.Post{}}

	registry := sites.NewRegistry()
	dataDir := t.TempDir()
	jobSvc := usecase.NewJobService(jobs, settings, bus, registry, dataDir)
	tagSvc := usecase.NewTagJobService(jobs, users, booru, bus)

	cfg := config.Config{MaxUploadMB: 10, SSEHeartbeat: 20 * time.Millisecond}
	ok := func(domain.Context) error { return nil }
	srv := NewServer(cfg, jobSvc, tagSvc, users, settings, bus, ok, ok, ok, ok)

	root := chi.NewRouter()
	root.Mount("/api", srv.Routes())
	root.Group(func(gr chi.Router) {
		gr.Use(srv.RequireAuth)
		gr.Get("/api/events", srv.EventsHandler())
	})
	root.Get("/readyz", srv.ReadyzHandler())

	return &fixture{
		srv:      srv,
		jobs:     jobs,
		bus:      bus,
		settings: settings,
		users:    users,
		booru:    booru,
		handler:  root,
		dataDir:  dataDir,
	}
}
