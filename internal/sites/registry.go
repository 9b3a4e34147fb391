package sites

import (
	"regexp"
	"strings"
)

// Registry dispatches a URL to the first matching handler. A miss means
// the generic fallback (yt-dlp) handles the URL.
type Registry struct {
	handlers []Handler
}

// NewRegistry builds the default registry. Order matters: the first
// matching handler wins.
func NewRegistry() *Registry {
	return &Registry{handlers: []Handler{
		newSankakuHandler(),
		newTwitterHandler(),
		newMisskeyHandler(),
		newRule34Handler(),
		newRule34VaultHandler(),
		newDanbooruHandler(),
		newGelbooruHandler(),
		newYandereHandler(),
		newRedditHandler(),
	}}
}

// HandlerFor returns the first handler claiming the URL.
func (r *Registry) HandlerFor(rawURL string) (Handler, bool) {
	for _, h := range r.handlers {
		if h.Matches(rawURL) {
			return h, true
		}
	}
	return nil, false
}

// HandlerByName returns a handler by its site name.
func (r *Registry) HandlerByName(name string) (Handler, bool) {
	for _, h := range r.handlers {
		if h.Name() == name {
			return h, true
		}
	}
	return nil, false
}

// Handlers returns all registered handlers in dispatch order.
func (r *Registry) Handlers() []Handler { return r.handlers }

// Normalize runs site-specific URL normalization, identity when no
// handler matches.
func (r *Registry) Normalize(rawURL string) string {
	if h, ok := r.HandlerFor(rawURL); ok {
		return h.Normalize(rawURL)
	}
	return rawURL
}

// NormalizeForComparison produces the dedup key for a URL: the handler's
// strict key when one applies, else lowercased host+path with the
// trailing slash stripped.
func (r *Registry) NormalizeForComparison(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}
	if h, ok := r.HandlerFor(rawURL); ok {
		if key, ok := h.NormalizeForComparison(rawURL); ok {
			return key
		}
	}
	if u, ok := parseURL(rawURL); ok {
		return hostAndPath(u)
	}
	return strings.ToLower(rawURL)
}

var subredditOnlyRe = regexp.MustCompile(`(?i)^/r/[^/]+/?$`)

// IsRejectedJobURL rejects feed/home and bare-domain URLs that cannot
// resolve to a specific post.
func (r *Registry) IsRejectedJobURL(rawURL string) bool {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return true
	}
	u, ok := parseURL(rawURL)
	if !ok {
		return true
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return true
	}
	host := strings.ToLower(u.Host)
	path := strings.TrimRight(strings.TrimSpace(u.Path), "/")
	if path == "" {
		path = "/"
	}

	// Twitter/X home feed is not a specific post.
	switch host {
	case "x.com", "www.x.com", "twitter.com", "www.twitter.com":
		if strings.EqualFold(path, "/home") {
			return true
		}
	}

	// Reddit requires a post URL; base and subreddit-only paths are feeds.
	if strings.Contains(host, "reddit.com") {
		if path == "/" {
			return true
		}
		if subredditOnlyRe.MatchString(path) {
			return true
		}
		if !strings.Contains(strings.ToLower(path), "/comments/") {
			return true
		}
	}

	// Bare domain of any registered site cannot name a post.
	if _, ok := r.HandlerFor(rawURL); ok && path == "/" {
		return true
	}
	return false
}
