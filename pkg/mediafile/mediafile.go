// Package mediafile classifies media files by extension and maps MIME
// types to extensions for downloaded content.
package mediafile

import (
	"path/filepath"
	"strings"
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".bmp": true, ".tiff": true,
}

var videoExts = map[string]bool{
	".mp4": true, ".webm": true, ".mkv": true, ".avi": true, ".mov": true,
}

// IsImage reports whether the path carries a known image extension.
func IsImage(path string) bool {
	return imageExts[strings.ToLower(filepath.Ext(path))]
}

// IsVideo reports whether the path carries a known video extension.
func IsVideo(path string) bool {
	return videoExts[strings.ToLower(filepath.Ext(path))]
}

// IsMedia reports whether the path is an image or video.
func IsMedia(path string) bool { return IsImage(path) || IsVideo(path) }

var contentTypeExt = map[string]string{
	"image/jpeg":       ".jpg",
	"image/png":        ".png",
	"image/gif":        ".gif",
	"image/webp":       ".webp",
	"image/bmp":        ".bmp",
	"image/tiff":       ".tiff",
	"video/mp4":        ".mp4",
	"video/webm":       ".webm",
	"video/x-matroska": ".mkv",
	"video/quicktime":  ".mov",
}

// ExtForContentType returns the extension for a Content-Type header value,
// or empty when unknown. Parameters after ';' are ignored.
func ExtForContentType(ct string) string {
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return contentTypeExt[strings.ToLower(strings.TrimSpace(ct))]
}
