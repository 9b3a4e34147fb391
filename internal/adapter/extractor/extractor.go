// Package extractor shells out to gallery-dl and yt-dlp to enumerate and
// download media, with a plain HTTP path for sites that expose direct
// media URLs.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"path"
	"strings"
	"time"

	"github.com/fairyhunter13/szuru-ingest/internal/domain"
	"github.com/fairyhunter13/szuru-ingest/internal/observability"
)

const (
	defaultToolTimeout = 120 * time.Second
	directHTTPTimeout  = 60 * time.Second

	// Direct HTTP downloads are bounded; anything larger must come
	// through the extractor tool.
	maxDirectDownloadBytes = 20 << 20
)

// Tool runs the external extraction tools. It implements domain.Extractor.
type Tool struct {
	galleryDL string
	ytDlp     string
	http      *http.Client
}

// New returns a Tool using the given binary paths. Empty paths fall back
// to resolution via PATH.
func New(galleryDLPath, ytDlpPath string) *Tool {
	if galleryDLPath == "" {
		galleryDLPath = "gallery-dl"
	}
	if ytDlpPath == "" {
		ytDlpPath = "yt-dlp"
	}
	return &Tool{
		galleryDL: galleryDLPath,
		ytDlp:     ytDlpPath,
		http:      &http.Client{Timeout: directHTTPTimeout},
	}
}

// NewWithHTTPClient is New with an injected HTTP client, used by tests.
func NewWithHTTPClient(galleryDLPath, ytDlpPath string, hc *http.Client) *Tool {
	t := New(galleryDLPath, ytDlpPath)
	if hc != nil {
		t.http = hc
	}
	return t
}

// Enumerate lists the media items behind a page URL without downloading.
// Resolve-mode sites get `--resolve-urls`; everything else gets
// `--dump-json --no-download`. Extraction failures degrade to a single
// fallback item pointing at the page URL itself.
func (t *Tool) Enumerate(ctx domain.Context, pageURL string, opts domain.ExtractorOptions) ([]domain.ExtractedMedia, error) {
	if opts.ResolveMode {
		return t.enumerateResolved(ctx, pageURL, opts)
	}
	return t.enumerateDumped(ctx, pageURL, opts)
}

func (t *Tool) enumerateResolved(ctx context.Context, pageURL string, opts domain.ExtractorOptions) ([]domain.ExtractedMedia, error) {
	lg := observability.LoggerFromContext(ctx)

	args := append([]string{"--resolve-urls"}, opts.Args...)
	args = append(args, pageURL)
	stdout, stderr, code, err := t.run(ctx, opts, t.galleryDL, args...)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		lg.Warn("gallery-dl resolve failed", "url", pageURL, "error", err)
		return []domain.ExtractedMedia{fallbackMedia(pageURL)}, nil
	}
	if code != 0 {
		lg.Warn("gallery-dl resolve exited non-zero", "url", pageURL, "code", code, "stderr", truncate(stderr, 500))
		return []domain.ExtractedMedia{fallbackMedia(pageURL)}, nil
	}

	direct := parseResolveOutput(stdout)
	if len(direct) == 0 {
		lg.Warn("gallery-dl resolve produced no media urls", "url", pageURL)
		return []domain.ExtractedMedia{fallbackMedia(pageURL)}, nil
	}

	out := make([]domain.ExtractedMedia, 0, len(direct))
	for i, du := range direct {
		filename := filenameFromURL(du)
		if path.Ext(filename) == "" {
			if format := queryParam(du, "format"); format != "" {
				filename += "." + format
			}
		}
		out = append(out, domain.ExtractedMedia{
			PageURL:           pageURL,
			DirectURL:         du,
			SuggestedFilename: filename,
			Metadata: map[string]any{
				"media_index": i + 1,
				"total_media": len(direct),
			},
		})
	}
	lg.Info("resolved direct media urls", "url", pageURL, "count", len(out))
	return out, nil
}

func (t *Tool) enumerateDumped(ctx context.Context, pageURL string, opts domain.ExtractorOptions) ([]domain.ExtractedMedia, error) {
	lg := observability.LoggerFromContext(ctx)

	args := append([]string{"--dump-json", "--no-download"}, opts.Args...)
	args = append(args, pageURL)
	stdout, stderr, code, err := t.run(ctx, opts, t.galleryDL, args...)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		lg.Warn("gallery-dl dump-json failed", "url", pageURL, "error", err)
		return []domain.ExtractedMedia{fallbackMedia(pageURL)}, nil
	}
	if code != 0 || strings.TrimSpace(stdout) == "" {
		lg.Warn("gallery-dl dump-json unusable", "url", pageURL, "code", code, "stderr", truncate(stderr, 500))
		return []domain.ExtractedMedia{fallbackMedia(pageURL)}, nil
	}

	items := parseDumpJSON(pageURL, []byte(stdout))
	if len(items) == 0 {
		items = []domain.ExtractedMedia{fallbackMedia(pageURL)}
	}
	return items, nil
}

// parseResolveOutput keeps non-indented lines only; lines starting with
// '|' are alternative sizes of the preceding URL.
func parseResolveOutput(stdout string) []string {
	var out []string
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "|") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// metadataDropKeys are lifted into ExtractedMedia fields and excluded
// from the metadata map.
var metadataDropKeys = map[string]bool{
	"url": true, "filename": true, "extension": true,
	"name": true, "file_url": true, "sample_url": true,
}

// parseDumpJSON decodes gallery-dl --dump-json output. The payload is a
// single object, a list of objects, or a list of [type, url, info]
// triplets. Items are deduplicated by id (or md5).
func parseDumpJSON(pageURL string, raw []byte) []domain.ExtractedMedia {
	var decoded any
	if err := json.Unmarshal(bytes.TrimSpace(raw), &decoded); err != nil {
		return nil
	}

	var entries []any
	switch v := decoded.(type) {
	case map[string]any:
		entries = []any{v}
	case []any:
		entries = v
	default:
		return nil
	}

	var out []domain.ExtractedMedia
	seen := map[string]bool{}
	for _, raw := range entries {
		item, direct := unwrapDumpItem(raw)
		if item == nil {
			continue
		}
		if id := itemID(item); id != "" {
			if seen[id] {
				continue
			}
			seen[id] = true
		}

		mediaURL := direct
		if mediaURL == "" {
			mediaURL = firstString(item, "url", "file_url", "sample_url", "download_url")
		}
		if mediaURL == "" {
			mediaURL = pageURL
		}

		ext := firstString(item, "extension", "file_ext")
		filename := firstString(item, "filename", "name")
		if filename == "" {
			filename = filenameFromURL(mediaURL)
		}
		if ext != "" && !strings.HasSuffix(filename, "."+ext) {
			filename += "." + ext
		}

		meta := make(map[string]any, len(item))
		for k, v := range item {
			if !metadataDropKeys[k] {
				meta[k] = v
			}
		}
		if len(meta) == 0 {
			meta = nil
		}

		out = append(out, domain.ExtractedMedia{
			PageURL:           pageURL,
			DirectURL:         mediaURL,
			SuggestedFilename: filename,
			Metadata:          meta,
		})
	}
	return out
}

// unwrapDumpItem accepts either an info dict or gallery-dl's
// [type, url, info] triplet form, returning the dict plus any direct URL
// carried by the triplet.
func unwrapDumpItem(raw any) (map[string]any, string) {
	switch v := raw.(type) {
	case map[string]any:
		return v, ""
	case []any:
		if len(v) < 2 {
			return nil, ""
		}
		info, ok := v[len(v)-1].(map[string]any)
		if !ok {
			return nil, ""
		}
		if len(v) == 3 {
			if s, ok := v[1].(string); ok && strings.HasPrefix(s, "http") {
				return info, s
			}
		}
		return info, ""
	default:
		return nil, ""
	}
}

func itemID(item map[string]any) string {
	for _, key := range []string{"id", "md5"} {
		if v, ok := item[key]; ok && v != nil {
			s := fmt.Sprint(v)
			if s != "" {
				return key + ":" + s
			}
		}
	}
	return ""
}

func firstString(item map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := item[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func fallbackMedia(pageURL string) domain.ExtractedMedia {
	return domain.ExtractedMedia{
		PageURL:           pageURL,
		DirectURL:         pageURL,
		SuggestedFilename: filenameFromURL(pageURL),
	}
}

func filenameFromURL(rawURL string) string {
	name := "download"
	if u, err := url.Parse(rawURL); err == nil {
		p := u.Path
		if unescaped, err := url.PathUnescape(p); err == nil {
			p = unescaped
		}
		if idx := strings.LastIndex(p, "/"); idx >= 0 {
			p = p[idx+1:]
		}
		if p != "" {
			name = p
		}
	}
	return name
}

func queryParam(rawURL, key string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Query().Get(key)
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

// run executes a tool with the per-call timeout and removes any
// credential temp files once the process has returned. A non-zero exit
// is reported through the code, not the error.
func (t *Tool) run(ctx context.Context, opts domain.ExtractorOptions, bin string, args ...string) (stdout, stderr string, code int, err error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var outBuf, errBuf bytes.Buffer
	cmd := exec.CommandContext(cctx, bin, args...)
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	removeAll(ctx, opts.CleanupFiles)

	stdout = strings.TrimSpace(outBuf.String())
	stderr = strings.TrimSpace(errBuf.String())

	if cctx.Err() == context.DeadlineExceeded {
		return stdout, stderr, -1, fmt.Errorf("op=extractor.run: %s timed out after %s: %w", bin, timeout, domain.ErrUpstreamTimeout)
	}
	if ctx.Err() != nil {
		return stdout, stderr, -1, ctx.Err()
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return stdout, stderr, exitErr.ExitCode(), nil
		}
		return stdout, stderr, -1, fmt.Errorf("op=extractor.run: start %s: %w", bin, runErr)
	}
	return stdout, stderr, 0, nil
}
