package domain

import "time"

// ExtractedMedia is one media item discovered at a page URL.
// One extraction may yield many; enumeration order is preserved and
// index 0 is the primary.
type ExtractedMedia struct {
	PageURL           string
	DirectURL         string
	SuggestedFilename string
	Metadata          map[string]any
}

// ExtractorOptions is the site-resolved policy handed to the extractor.
// Args and CleanupFiles come from the site handler's credential binding;
// CleanupFiles must be removed after the subprocess returns, on all paths.
type ExtractorOptions struct {
	ResolveMode    bool
	DirectDownload bool
	Args           []string
	CleanupFiles   []string
	Timeout        time.Duration
	// VideoTimeout bounds yt-dlp invocations; video rips run far longer
	// than image batches. Zero falls back to Timeout.
	VideoTimeout time.Duration
}

// Extractor enumerates direct media URLs and downloads files via the
// external tools.
type Extractor interface {
	Enumerate(ctx Context, url string, opts ExtractorOptions) ([]ExtractedMedia, error)
	// Download produces files in destDir plus metadata merged from any
	// sidecar dumps. An empty file list with a nil error means the media
	// is skipped.
	Download(ctx Context, media ExtractedMedia, destDir string, opts ExtractorOptions) ([]string, map[string]any, error)
}

// TagResult is the tagger output for one media file.
type TagResult struct {
	GeneralTags   []string
	CharacterTags []string
	Safety        Safety
}

// TaggerConfig carries the per-job inference thresholds.
type TaggerConfig struct {
	Model               string
	ConfidenceThreshold float64
	MaxTags             int
	SceneThreshold      float64
	MaxFrames           int
	MinFrameRatio       float64
}

// Tagger is the ML tagging port.
type Tagger interface {
	TagImage(ctx Context, path string, cfg TaggerConfig) (TagResult, error)
	TagVideo(ctx Context, path string, cfg TaggerConfig) (TagResult, error)
	Ping(ctx Context) error
}
