package sites

import (
	"fmt"
	"strings"
)

type redditHandler struct{ base }

func newRedditHandler() Handler {
	return redditHandler{base{
		name:      "reddit",
		extractor: "reddit",
		domains:   []string{"reddit.com"},
		credKeys:  []string{"client-id", "client-secret", "username"},
	}}
}

// ExtractorArgs additionally injects the user-agent Reddit's API policy
// requires, computed from the configured username.
func (h redditHandler) ExtractorArgs(creds map[string]string) ([]string, []string) {
	args, cleanup := h.base.ExtractorArgs(creds)
	if username := strings.TrimSpace(creds["username"]); username != "" {
		ua := fmt.Sprintf("Python:ExtendedUploader:v1.0 (by /u/%s)", username)
		args = append(args, "-o", fmt.Sprintf("extractor.reddit.user-agent=%s", ua))
	}
	return args, cleanup
}
