// Package sites maps URLs to per-site extraction policy: URL
// normalization, credential injection, and extractor CLI flags.
package sites

import (
	"fmt"
	"net/url"
	"strings"
)

// Handler is the per-site policy plug-in.
type Handler interface {
	Name() string
	Matches(rawURL string) bool
	// Normalize returns the canonical form used for storage and dedup.
	Normalize(rawURL string) string
	// NormalizeForComparison returns a stricter key collapsing variant
	// hosts/paths; ok=false falls through to the generic host+path rule.
	NormalizeForComparison(rawURL string) (key string, ok bool)
	// UsesResolveMode: enumerate direct media URLs instead of dumping
	// JSON metadata.
	UsesResolveMode() bool
	// UsesDirectDownload: fetch individual media by HTTP GET instead of
	// the extractor tool.
	UsesDirectDownload() bool
	SupportsBrowse() bool
	// CredentialKeys lists the per-site credential keys the handler may
	// request from the owner's stored credentials.
	CredentialKeys() []string
	// ExtractorArgs returns extra CLI flags for the extractor plus temp
	// files that must be removed after the subprocess returns.
	ExtractorArgs(creds map[string]string) (args []string, cleanup []string)
}

// base carries the declarative parts shared by most handlers. Sites that
// need more than flag injection embed it and override methods.
type base struct {
	name       string
	extractor  string
	domains    []string
	tagOptions [][2]string
	credKeys   []string
	resolve    bool
	directDL   bool
	browse     bool
}

func (b base) Name() string { return b.name }

func (b base) Matches(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, d := range b.domains {
		if strings.Contains(lower, d) {
			return true
		}
	}
	return false
}

func (b base) Normalize(rawURL string) string { return rawURL }

func (b base) NormalizeForComparison(string) (string, bool) { return "", false }

func (b base) UsesResolveMode() bool    { return b.resolve }
func (b base) UsesDirectDownload() bool { return b.directDL }
func (b base) SupportsBrowse() bool     { return b.browse }
func (b base) CredentialKeys() []string { return b.credKeys }

// ExtractorArgs builds -o extractor.<name>.<key>=<value> flag pairs from
// the declared tag options and whichever credential keys the owner has
// configured.
func (b base) ExtractorArgs(creds map[string]string) ([]string, []string) {
	if b.extractor == "" {
		return nil, nil
	}
	var args []string
	for _, opt := range b.tagOptions {
		args = append(args, "-o", fmt.Sprintf("extractor.%s.%s=%s", b.extractor, opt[0], opt[1]))
	}
	for _, key := range b.credKeys {
		if v := strings.TrimSpace(creds[key]); v != "" {
			args = append(args, "-o", fmt.Sprintf("extractor.%s.%s=%s", b.extractor, key, v))
		}
	}
	return args, nil
}

func parseURL(rawURL string) (*url.URL, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return nil, false
	}
	return u, true
}

func hostAndPath(u *url.URL) string {
	return strings.ToLower(u.Host) + strings.TrimRight(u.Path, "/")
}
