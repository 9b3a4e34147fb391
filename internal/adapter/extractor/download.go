package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/fairyhunter13/szuru-ingest/internal/domain"
	"github.com/fairyhunter13/szuru-ingest/internal/observability"
	"github.com/fairyhunter13/szuru-ingest/pkg/mediafile"
)

// Download fetches one media item into destDir. Direct-download sites go
// over plain HTTP; everything else runs gallery-dl with yt-dlp as the
// fallback when gallery-dl yields no files.
func (t *Tool) Download(ctx domain.Context, media domain.ExtractedMedia, destDir string, opts domain.ExtractorOptions) ([]string, map[string]any, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("op=extractor.Download: mkdir %s: %w", destDir, err)
	}

	// A direct URL equal to the page URL is the enumeration fallback, not
	// a media address; GETting it would save the page itself. Those items
	// go through the tool like any other.
	if opts.DirectDownload && media.DirectURL != "" && media.DirectURL != media.PageURL {
		p, err := t.downloadDirect(ctx, media.DirectURL, media.SuggestedFilename, destDir)
		if err != nil {
			return nil, nil, err
		}
		return []string{p}, media.Metadata, nil
	}

	files, meta, err := t.downloadGalleryDL(ctx, media.PageURL, destDir, opts)
	if err != nil {
		return nil, nil, err
	}
	if len(files) > 0 {
		return files, meta, nil
	}

	observability.LoggerFromContext(ctx).Info("gallery-dl produced no files, falling back to yt-dlp", "url", media.PageURL)
	return t.downloadYtDlp(ctx, media.PageURL, destDir, opts)
}

func (t *Tool) downloadGalleryDL(ctx context.Context, pageURL, destDir string, opts domain.ExtractorOptions) ([]string, map[string]any, error) {
	lg := observability.LoggerFromContext(ctx)

	args := append([]string{"--dest", destDir, "--write-metadata", "--no-mtime"}, opts.Args...)
	args = append(args, pageURL)
	_, stderr, code, err := t.run(ctx, opts, t.galleryDL, args...)
	if err != nil {
		return nil, nil, err
	}
	if code != 0 {
		// The tool may still have written files before failing.
		lg.Warn("gallery-dl exited non-zero", "url", pageURL, "code", code, "stderr", truncate(stderr, 500))
	}

	files, meta, werr := collectDownloaded(destDir)
	if werr != nil {
		return nil, nil, fmt.Errorf("op=extractor.downloadGalleryDL: scan %s: %w", destDir, werr)
	}
	lg.Info("gallery-dl finished", "url", pageURL, "files", len(files))
	return files, meta, nil
}

func (t *Tool) downloadYtDlp(ctx context.Context, pageURL, destDir string, opts domain.ExtractorOptions) ([]string, map[string]any, error) {
	template := filepath.Join(destDir, "%(title)s.%(ext)s")
	args := []string{"--no-playlist", "-o", template, "--write-info-json", pageURL}

	// Credential flags are gallery-dl specific; yt-dlp runs bare.
	timeout := opts.VideoTimeout
	if timeout <= 0 {
		timeout = opts.Timeout
	}
	ytOpts := domain.ExtractorOptions{Timeout: timeout}
	_, stderr, code, err := t.run(ctx, ytOpts, t.ytDlp, args...)
	if err != nil {
		return nil, nil, err
	}
	if code != 0 {
		return nil, nil, fmt.Errorf("op=extractor.downloadYtDlp: exit %d: %s: %w",
			code, truncate(stderr, 500), domain.ErrUpstreamError)
	}

	files, meta, werr := collectDownloaded(destDir)
	if werr != nil {
		return nil, nil, fmt.Errorf("op=extractor.downloadYtDlp: scan %s: %w", destDir, werr)
	}
	if len(files) == 0 {
		return nil, nil, fmt.Errorf("op=extractor.downloadYtDlp: no files produced: %w", domain.ErrUpstreamError)
	}
	return files, meta, nil
}

// collectDownloaded walks destDir separating media files from sidecars:
// .json sidecars are parsed into the metadata map (last one wins), .txt
// content dumps are skipped.
func collectDownloaded(destDir string) ([]string, map[string]any, error) {
	var files []string
	var meta map[string]any

	err := filepath.WalkDir(destDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		switch {
		case strings.HasSuffix(p, ".json"):
			if raw, rerr := os.ReadFile(p); rerr == nil {
				var m map[string]any
				if json.Unmarshal(raw, &m) == nil {
					meta = m
				}
			}
		case strings.HasSuffix(p, ".txt"):
			// text content sidecar
		default:
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return files, meta, nil
}

// downloadDirect GETs a media URL straight to disk. The size cap keeps
// a hostile Content-Length from filling the scratch volume; large video
// goes through the extractor tools instead.
func (t *Tool) downloadDirect(ctx context.Context, mediaURL, filename, destDir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return "", fmt.Errorf("op=extractor.downloadDirect: build request: %w", err)
	}
	resp, err := t.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("op=extractor.downloadDirect: %s: %w", mediaURL, domain.ErrUpstreamTimeout)
		}
		return "", fmt.Errorf("op=extractor.downloadDirect: %s: %w", mediaURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("op=extractor.downloadDirect: %s returned %d: %w",
			mediaURL, resp.StatusCode, domain.ErrUpstreamError)
	}

	if filename == "" {
		filename = filenameFromDisposition(resp.Header.Get("Content-Disposition"))
	}
	if filename == "" {
		filename = filenameFromURL(mediaURL)
	}
	if filepath.Ext(filename) == "" {
		if ext := mediafile.ExtForContentType(resp.Header.Get("Content-Type")); ext != "" {
			filename += ext
		}
	}

	target := uniquePath(destDir, filename)
	f, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("op=extractor.downloadDirect: create %s: %w", target, err)
	}
	defer func() { _ = f.Close() }()

	n, err := io.Copy(f, io.LimitReader(resp.Body, maxDirectDownloadBytes+1))
	if err != nil {
		_ = os.Remove(target)
		return "", fmt.Errorf("op=extractor.downloadDirect: read body: %w", err)
	}
	if n > maxDirectDownloadBytes {
		_ = os.Remove(target)
		return "", fmt.Errorf("op=extractor.downloadDirect: %s exceeds %d bytes: %w",
			mediaURL, maxDirectDownloadBytes, domain.ErrInvalidArgument)
	}

	observability.LoggerFromContext(ctx).Info("direct download saved",
		"url", mediaURL, "file", filepath.Base(target), "bytes", n)
	return target, nil
}

func filenameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, after, found := strings.Cut(header, "filename=")
	if !found {
		return ""
	}
	name := strings.TrimSpace(after)
	if idx := strings.IndexByte(name, ';'); idx >= 0 {
		name = name[:idx]
	}
	return strings.Trim(name, `"`)
}

// uniquePath suffixes the stem with _1, _2, ... until the name is free.
func uniquePath(dir, filename string) string {
	target := filepath.Join(dir, filename)
	if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
		return target
	}
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	for i := 1; ; i++ {
		target = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
			return target
		}
	}
}

func removeAll(ctx context.Context, paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			observability.LoggerFromContext(ctx).Debug("cleanup temp file", "path", p, "error", err)
		}
	}
}
