// Package tagcache keeps verified tag→category bindings in a two-tier
// cache: an in-memory map in front of a persistent table. A fresh hit
// skips the remote round trip entirely.
package tagcache

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/szuru-ingest/internal/domain"
	"github.com/fairyhunter13/szuru-ingest/internal/observability"
)

const (
	// TTL after which a cached binding must be re-verified remotely.
	DefaultTTL = 30 * 24 * time.Hour

	// EnsureBatch fan-out bound.
	batchParallelism = 10
)

// Pair is one (name, category) requirement for EnsureBatch.
type Pair struct {
	Name     string
	Category string
}

// Service implements the tag materialization contract: after Ensure
// returns nil, the Booru holds the tag with the requested category.
type Service struct {
	repo  domain.TagCacheRepository
	booru domain.BooruClient
	ttl   time.Duration

	mu  sync.RWMutex
	mem map[string]domain.TagCacheEntry
}

// New builds a Service with the default 30-day TTL.
func New(repo domain.TagCacheRepository, booru domain.BooruClient) *Service {
	return NewWithTTL(repo, booru, DefaultTTL)
}

// NewWithTTL is New with an explicit TTL, used by tests.
func NewWithTTL(repo domain.TagCacheRepository, booru domain.BooruClient, ttl time.Duration) *Service {
	return &Service{
		repo:  repo,
		booru: booru,
		ttl:   ttl,
		mem:   make(map[string]domain.TagCacheEntry),
	}
}

// Warm preloads the in-memory tier from all non-stale persistent rows.
func (s *Service) Warm(ctx domain.Context) error {
	entries, err := s.repo.LoadFresh(ctx, time.Now().Add(-s.ttl))
	if err != nil {
		return fmt.Errorf("op=tagcache.Warm: %w", err)
	}
	s.mu.Lock()
	for _, e := range entries {
		s.mem[e.Name] = e
	}
	s.mu.Unlock()
	observability.LoggerFromContext(ctx).Info("tag cache warmed", "entries", len(entries))
	return nil
}

// Size reports the in-memory entry count.
func (s *Service) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.mem)
}

// Ensure guarantees the Booru has the tag with the desired category
// before returning nil. A fresh matching cache entry short-circuits; a
// category mismatch on an existing remote tag is repaired with an
// optimistic-concurrency update.
func (s *Service) Ensure(ctx domain.Context, creds domain.BooruCredentials, name, category string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	category = strings.ToLower(strings.TrimSpace(category))
	if name == "" {
		return fmt.Errorf("op=tagcache.Ensure: empty tag name: %w", domain.ErrInvalidArgument)
	}
	if category == "" {
		category = "general"
	}

	if s.hitFresh(name, category) {
		return nil
	}

	err := s.booru.CreateTag(ctx, creds, name, category)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrConflict):
		if err := s.repairCategory(ctx, creds, name, category); err != nil {
			return err
		}
	default:
		return fmt.Errorf("op=tagcache.Ensure: create %q: %w", name, err)
	}

	return s.store(ctx, domain.TagCacheEntry{
		Name:       name,
		Category:   category,
		VerifiedAt: time.Now().UTC(),
	})
}

func (s *Service) hitFresh(name, category string) bool {
	s.mu.RLock()
	e, ok := s.mem[name]
	s.mu.RUnlock()
	return ok && e.Category == category && time.Since(e.VerifiedAt) < s.ttl
}

// repairCategory runs on tag-exists conflicts: fetch the remote record
// and move it to the desired category when it differs.
func (s *Service) repairCategory(ctx domain.Context, creds domain.BooruCredentials, name, category string) error {
	tag, err := s.booru.GetTag(ctx, creds, name)
	if err != nil {
		return fmt.Errorf("op=tagcache.repairCategory: get %q: %w", name, err)
	}
	if strings.EqualFold(tag.Category, category) {
		return nil
	}
	if err := s.booru.UpdateTag(ctx, creds, name, tag.Version, category); err != nil {
		return fmt.Errorf("op=tagcache.repairCategory: update %q to %s: %w", name, category, err)
	}
	return nil
}

func (s *Service) store(ctx domain.Context, e domain.TagCacheEntry) error {
	s.mu.Lock()
	s.mem[e.Name] = e
	s.mu.Unlock()

	if err := s.repo.Upsert(ctx, e); err != nil {
		// The remote state is already correct; a persistence miss only
		// costs a re-verification after restart.
		observability.LoggerFromContext(ctx).Warn("tag cache persist failed",
			"tag", e.Name, "error", err)
	}
	return nil
}

// EnsureBatch ensures all pairs with bounded parallelism. The first
// failure cancels the remaining work.
func (s *Service) EnsureBatch(ctx domain.Context, creds domain.BooruCredentials, pairs []Pair) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchParallelism)
	for _, p := range pairs {
		g.Go(func() error {
			return s.Ensure(gctx, creds, p.Name, p.Category)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("op=tagcache.EnsureBatch: %w", err)
	}
	return nil
}

// Evict drops a binding from both tiers.
func (s *Service) Evict(ctx domain.Context, name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	s.mu.Lock()
	delete(s.mem, name)
	s.mu.Unlock()
	if err := s.repo.Delete(ctx, name); err != nil {
		return fmt.Errorf("op=tagcache.Evict: %w", err)
	}
	return nil
}
