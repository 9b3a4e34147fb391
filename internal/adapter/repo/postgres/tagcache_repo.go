package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/fairyhunter13/szuru-ingest/internal/domain"
)

// TagCacheRepo is the persistent tier of the tag cache.
type TagCacheRepo struct{ Pool PgxPool }

// NewTagCacheRepo constructs a TagCacheRepo with the given pool.
func NewTagCacheRepo(p PgxPool) *TagCacheRepo { return &TagCacheRepo{Pool: p} }

// Upsert writes a verified tag→category binding; last writer wins on
// verified_at.
func (r *TagCacheRepo) Upsert(ctx domain.Context, e domain.TagCacheEntry) error {
	name := strings.ToLower(e.Name)
	if e.VerifiedAt.IsZero() {
		e.VerifiedAt = time.Now().UTC()
	}
	_, err := r.Pool.Exec(ctx, `INSERT INTO tag_cache (name, category, verified_at) VALUES ($1,$2,$3)
		ON CONFLICT (name) DO UPDATE SET category=EXCLUDED.category, verified_at=EXCLUDED.verified_at`,
		name, strings.ToLower(e.Category), e.VerifiedAt)
	if err != nil {
		return fmt.Errorf("op=tagcache.upsert name=%s: %w", name, err)
	}
	return nil
}

// LoadFresh returns all entries verified after the cutoff; used to warm
// the in-memory tier at startup.
func (r *TagCacheRepo) LoadFresh(ctx domain.Context, verifiedAfter time.Time) ([]domain.TagCacheEntry, error) {
	rows, err := r.Pool.Query(ctx, `SELECT name, category, verified_at FROM tag_cache WHERE verified_at > $1`, verifiedAfter)
	if err != nil {
		return nil, fmt.Errorf("op=tagcache.load_fresh: %w", err)
	}
	defer rows.Close()
	var out []domain.TagCacheEntry
	for rows.Next() {
		var e domain.TagCacheEntry
		if err := rows.Scan(&e.Name, &e.Category, &e.VerifiedAt); err != nil {
			return nil, fmt.Errorf("op=tagcache.load_fresh: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=tagcache.load_fresh: %w", err)
	}
	return out, nil
}

// Delete evicts a persistent entry.
func (r *TagCacheRepo) Delete(ctx domain.Context, name string) error {
	_, err := r.Pool.Exec(ctx, `DELETE FROM tag_cache WHERE name=$1`, strings.ToLower(name))
	if err != nil {
		return fmt.Errorf("op=tagcache.delete name=%s: %w", name, err)
	}
	return nil
}
