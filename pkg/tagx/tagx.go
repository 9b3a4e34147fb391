// Package tagx provides pure tag parsing and normalization helpers used
// across the pipeline.
package tagx

import (
	"regexp"
	"strings"
)

// TagmeSentinel is substituted when tag assembly yields nothing.
const TagmeSentinel = "tagme"

// Categories recognized in category:name prefixes and on the Booru side.
var Categories = []string{"general", "artist", "copyright", "character", "meta"}

var (
	prefixRe     = regexp.MustCompile(`^(artist|character|copyright|general|meta):(.+)$`)
	confidenceRe = regexp.MustCompile(`\s*\(\d+(?:\.\d+)?\)\s*$`)
	wsRe         = regexp.MustCompile(`\s+`)
)

// ParsePrefixed splits a category:name prefixed tag. When no known prefix
// is present the category is empty and the input is returned unchanged.
func ParsePrefixed(tag string) (name, category string) {
	m := prefixRe.FindStringSubmatch(strings.TrimSpace(tag))
	if m == nil {
		return strings.TrimSpace(tag), ""
	}
	return strings.TrimSpace(m[2]), m[1]
}

// Normalize trims a tag and replaces internal whitespace with underscores.
func Normalize(tag string) string {
	return wsRe.ReplaceAllString(strings.TrimSpace(tag), "_")
}

// CleanModelTag normalizes a raw model output tag: a trailing parenthetical
// confidence is stripped, whitespace becomes underscores, and
// single-character results are dropped (empty return).
func CleanModelTag(tag string) string {
	tag = confidenceRe.ReplaceAllString(strings.TrimSpace(tag), "")
	tag = Normalize(tag)
	if len(tag) <= 1 {
		return ""
	}
	return tag
}

// Dedupe normalizes and deduplicates tags case-insensitively; the first
// occurrence wins and input order is preserved.
func Dedupe(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = Normalize(t)
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}

// WithSentinel applies the tagme rule: an empty set becomes [tagme]; when
// real tags are present any tagme entry is dropped.
func WithSentinel(tags []string) []string {
	real := make([]string, 0, len(tags))
	for _, t := range tags {
		if strings.EqualFold(t, TagmeSentinel) {
			continue
		}
		real = append(real, t)
	}
	if len(real) == 0 {
		return []string{TagmeSentinel}
	}
	return real
}

// ParseInitial parses caller-supplied tags, honoring category:name
// prefixes. Returned overrides map normalized lowercase names to their
// bound category.
func ParseInitial(tags []string) (names []string, overrides map[string]string) {
	overrides = make(map[string]string)
	for _, raw := range tags {
		name, cat := ParsePrefixed(raw)
		name = Normalize(name)
		if name == "" {
			continue
		}
		names = append(names, name)
		if cat != "" {
			overrides[strings.ToLower(name)] = cat
		}
	}
	return names, overrides
}

// FromMetadata collects tags from every metadata key named tags or tags_*.
// Values may be whitespace/comma separated strings, lists of strings, or
// lists of {name: ...} objects.
func FromMetadata(meta map[string]any) []string {
	if meta == nil {
		return nil
	}
	var out []string
	for key, raw := range meta {
		if key != "tags" && !strings.HasPrefix(key, "tags_") {
			continue
		}
		out = append(out, valuesOf(raw)...)
	}
	return out
}

func valuesOf(raw any) []string {
	switch v := raw.(type) {
	case string:
		return strings.Fields(strings.ReplaceAll(v, ",", " "))
	case []any:
		var out []string
		for _, item := range v {
			switch it := item.(type) {
			case string:
				if s := strings.TrimSpace(it); s != "" {
					out = append(out, s)
				}
			case map[string]any:
				if name, ok := it["name"].(string); ok && strings.TrimSpace(name) != "" {
					out = append(out, strings.TrimSpace(name))
				}
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}

// metadataCategoryKeys maps gallery-dl categorized tag lists to Booru
// categories. General keys come first so the specific ones override when a
// tag appears in several lists.
var metadataCategoryKeys = []struct{ key, category string }{
	{"tags_general", "general"},
	{"tags", "general"},
	{"tags_artist", "artist"},
	{"tags_character", "character"},
	{"tags_copyright", "copyright"},
	{"tags_circle", "copyright"},
	{"tags_meta", "meta"},
}

// ResolveCategories assigns each tag its Booru category from categorized
// metadata lists, falling back to defaultCategory. Keys are the original
// tag names.
func ResolveCategories(tags []string, meta map[string]any, defaultCategory string) map[string]string {
	if !isKnownCategory(defaultCategory) {
		defaultCategory = "general"
	}
	result := make(map[string]string, len(tags))
	byLower := make(map[string]string, len(tags))
	for _, t := range tags {
		if strings.TrimSpace(t) == "" {
			continue
		}
		result[t] = defaultCategory
		byLower[strings.ToLower(t)] = t
	}
	if len(result) == 0 || meta == nil {
		return result
	}
	for _, mk := range metadataCategoryKeys {
		raw, ok := meta[mk.key]
		if !ok {
			continue
		}
		for _, name := range valuesOf(raw) {
			key := strings.ToLower(Normalize(name))
			if orig, ok := byLower[key]; ok {
				result[orig] = mk.category
			}
		}
	}
	return result
}

func isKnownCategory(c string) bool {
	for _, k := range Categories {
		if k == c {
			return true
		}
	}
	return false
}
