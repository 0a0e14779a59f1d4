package mediatype

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetect(t *testing.T) {
	assert.Equal(t, "video/mp4", Detect("uploads/v1.MP4"))
	assert.Equal(t, "image/webp", Detect("a/b/c.webp"))
	assert.Equal(t, "text/plain", Detect("meta/sidecar.json"))
	assert.Equal(t, "application/octet-stream", Detect("README"))
	assert.True(t, IsImage(Detect("x.png")))
	assert.False(t, IsImage(Detect("x.mov")))
}

func TestMatcher(t *testing.T) {
	m := NewMatcher([]string{"mp4", ".PNG", " webm "})
	assert.True(t, m.Supported("a/v1.mp4"))
	assert.True(t, m.Supported("a/pic.png"))
	assert.True(t, m.Supported("clip.WEBM"))
	assert.False(t, m.Supported("doc.pdf"))
	assert.False(t, m.Supported("folder/"))
	assert.False(t, m.Supported("noext"))
}
