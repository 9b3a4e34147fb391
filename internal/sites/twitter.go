package sites

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

var (
	twitterStatusRe = regexp.MustCompile(`(?i)/status/(\d+)`)
	twimgMediaRe    = regexp.MustCompile(`(?i)^/media/([A-Za-z0-9_-]+)`)
)

type twitterHandler struct{ base }

func newTwitterHandler() Handler {
	return twitterHandler{base{
		name:      "twitter",
		extractor: "twitter",
		domains:   []string{"twitter.com", "x.com"},
		resolve:   true,
		directDL:  true,
	}}
}

func (h twitterHandler) CredentialKeys() []string { return []string{"cookies"} }

// NormalizeForComparison keys status URLs by status id and media CDN URLs
// by media id, so the page URL and its direct media URLs never collide.
func (h twitterHandler) NormalizeForComparison(rawURL string) (string, bool) {
	u, ok := parseURL(rawURL)
	if !ok {
		return "", false
	}
	host := strings.ToLower(u.Host)
	path := strings.TrimRight(u.Path, "/")
	if host == "x.com" || host == "twitter.com" || host == "www.x.com" || host == "www.twitter.com" {
		if m := twitterStatusRe.FindStringSubmatch(path); m != nil {
			return "x.com/status/" + m[1], true
		}
	}
	if host == "pbs.twimg.com" || host == "video.twimg.com" {
		if m := twimgMediaRe.FindStringSubmatch(path); m != nil {
			return "twimg.com/media/" + m[1], true
		}
	}
	return "", false
}

// ExtractorArgs writes the stored cookie jar to a temp file and points
// the extractor at it; the file is returned for post-run cleanup.
func (h twitterHandler) ExtractorArgs(creds map[string]string) ([]string, []string) {
	args, cleanup := h.base.ExtractorArgs(creds)
	cookies := strings.TrimSpace(creds["cookies"])
	if cookies == "" {
		return args, cleanup
	}
	f, err := os.CreateTemp("", "ingest_twitter_cookies_*.txt")
	if err != nil {
		return args, cleanup
	}
	if _, err := f.WriteString(cookies); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return args, cleanup
	}
	_ = f.Close()
	args = append(args, "-o", fmt.Sprintf("extractor.twitter.cookies=%s", f.Name()))
	cleanup = append(cleanup, f.Name())
	return args, cleanup
}
