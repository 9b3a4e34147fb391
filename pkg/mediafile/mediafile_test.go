package mediafile_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/szuru-ingest/pkg/mediafile"
)

func TestIsImage(t *testing.T) {
	assert.True(t, mediafile.IsImage("/tmp/a.JPG"))
	assert.True(t, mediafile.IsImage("pic.webp"))
	assert.False(t, mediafile.IsImage("clip.mp4"))
	assert.False(t, mediafile.IsImage("meta.json"))
}

func TestIsVideo(t *testing.T) {
	assert.True(t, mediafile.IsVideo("clip.mp4"))
	assert.True(t, mediafile.IsVideo("clip.WEBM"))
	assert.False(t, mediafile.IsVideo("pic.png"))
}

func TestExtForContentType(t *testing.T) {
	assert.Equal(t, ".jpg", mediafile.ExtForContentType("image/jpeg"))
	assert.Equal(t, ".png", mediafile.ExtForContentType("image/png; charset=binary"))
	assert.Empty(t, mediafile.ExtForContentType("text/html"))
}
