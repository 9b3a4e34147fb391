// Package usecase holds the application services between the HTTP layer
// and the adapters: job lifecycle, tag-job discovery, and post source
// assembly.
package usecase

import (
	"strings"

	"github.com/fairyhunter13/szuru-ingest/internal/sites"
)

// SourceBuilder assembles the newline-separated source string attached
// to uploaded posts. Variant URLs (www. prefixes, trailing slashes,
// per-site mirrors) collapse under the registry's comparison key so a
// post never lists the same origin twice.
type SourceBuilder struct {
	reg *sites.Registry
}

func NewSourceBuilder(reg *sites.Registry) *SourceBuilder {
	return &SourceBuilder{reg: reg}
}

// Build joins override, direct media URL, and page URL in that order,
// suppressing normalized duplicates. Empty when all inputs are empty.
func (b *SourceBuilder) Build(override, directURL, pageURL string) string {
	var out []string
	seen := map[string]bool{}

	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return
		}
		key := b.reg.NormalizeForComparison(raw)
		if !seen[key] {
			seen[key] = true
			out = append(out, raw)
		}
	}
	add(override)
	add(directURL)
	add(pageURL)

	return strings.Join(out, "\n")
}

// Contains reports whether url (or a normalized equivalent) is already
// in the newline-separated source string.
func (b *SourceBuilder) Contains(existing, url string) bool {
	url = strings.TrimSpace(url)
	if url == "" {
		return true
	}
	key := b.reg.NormalizeForComparison(url)
	for _, line := range strings.Split(existing, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if b.reg.NormalizeForComparison(line) == key {
			return true
		}
	}
	return false
}

// Append adds url to the existing source string unless an equivalent is
// already present.
func (b *SourceBuilder) Append(existing, url string) string {
	url = strings.TrimSpace(url)
	if url == "" {
		return existing
	}
	if existing == "" {
		return url
	}
	if b.Contains(existing, url) {
		return existing
	}
	return existing + "\n" + url
}

// MetadataSources pulls source URLs out of extractor metadata: the
// data.sources list plus a top-level source string. Some extractors use
// non-URL markers like "removed" there, so only URL-shaped values pass.
func MetadataSources(meta map[string]any) []string {
	var urls []string
	if data, ok := meta["data"].(map[string]any); ok {
		if list, ok := data["sources"].([]any); ok {
			for _, v := range list {
				if s, ok := v.(string); ok && looksLikeURL(s) {
					urls = append(urls, strings.TrimSpace(s))
				}
			}
		}
	}
	if s, ok := meta["source"].(string); ok && looksLikeURL(s) {
		urls = append(urls, strings.TrimSpace(s))
	}
	return urls
}

func looksLikeURL(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
