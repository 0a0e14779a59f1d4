// Package mediatype maps object names to MIME types and decides which uploads are analyzable.
package mediatype

import (
	"mime"
	"path"
	"strings"
)

// fallback covers types that the host mime database often lacks.
var fallback = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".flac": "audio/flac",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".gif":  "image/gif",
	".pdf":  "application/pdf",
	".json": "application/json",
	".txt":  "text/plain",
}

// Detect guesses the MIME type from the object's extension.
// JSON is reported as text/plain, which is what the analysis model accepts for it.
func Detect(objectPath string) string {
	ext := strings.ToLower(path.Ext(objectPath))
	if ext == "" {
		return "application/octet-stream"
	}
	ct, ok := fallback[ext]
	if !ok {
		ct = mime.TypeByExtension(ext)
	}
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "":
		return "application/octet-stream"
	case "application/json":
		return "text/plain"
	}
	return ct
}

// IsImage reports whether ct names a still image.
func IsImage(ct string) bool {
	return strings.HasPrefix(ct, "image/")
}

// Matcher accepts object paths whose extension is in a configured allow list.
type Matcher struct {
	exts map[string]struct{}
}

// NewMatcher builds a Matcher from extensions with or without a leading dot.
func NewMatcher(extensions []string) Matcher {
	m := Matcher{exts: make(map[string]struct{}, len(extensions))}
	for _, e := range extensions {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			m.exts[e] = struct{}{}
		}
	}
	return m
}

// Supported reports whether objectPath has an allowed extension.
func (m Matcher) Supported(objectPath string) bool {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(objectPath), "."))
	if ext == "" {
		return false
	}
	_, ok := m.exts[ext]
	return ok
}
