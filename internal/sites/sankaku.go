package sites

import (
	"strings"
)

// sankakuDomains all normalize to www.sankakucomplex.com. The chan.*
// subdomain uses a different post id format and stays its own space.
var sankakuDomains = map[string]bool{
	"sankakucomplex.com":     true,
	"www.sankakucomplex.com": true,
	"sankaku.app":            true,
	"www.sankaku.app":        true,
}

type sankakuHandler struct{ base }

func newSankakuHandler() Handler {
	return sankakuHandler{base{
		name:       "sankaku",
		extractor:  "sankaku",
		domains:    []string{"sankaku.app", "sankakucomplex.com"},
		tagOptions: [][2]string{{"tags", "standard"}},
		credKeys:   []string{"username", "password"},
		browse:     true,
	}}
}

// Normalize rewrites Sankaku domains to www.sankakucomplex.com, which the
// extractor requires. chan.sankakucomplex.com keeps its numeric id space
// and passes through untouched.
func (h sankakuHandler) Normalize(rawURL string) string {
	u, ok := parseURL(rawURL)
	if !ok {
		return rawURL
	}
	host := strings.ToLower(u.Host)
	if host == "chan.sankakucomplex.com" {
		return rawURL
	}
	if sankakuDomains[host] && host != "www.sankakucomplex.com" {
		u.Host = "www.sankakucomplex.com"
		return u.String()
	}
	return rawURL
}

// NormalizeForComparison collapses all main-site variants to one key;
// chan.* stays separate and CDN hosts fall through to the default rule.
func (h sankakuHandler) NormalizeForComparison(rawURL string) (string, bool) {
	u, ok := parseURL(rawURL)
	if !ok {
		return "", false
	}
	host := strings.ToLower(u.Host)
	path := strings.TrimRight(u.Path, "/")
	if sankakuDomains[host] {
		return "sankakucomplex.com" + path, true
	}
	if host == "chan.sankakucomplex.com" {
		return "chan.sankakucomplex.com" + path, true
	}
	return "", false
}
