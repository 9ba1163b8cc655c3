package blob

import (
	"path/filepath"
	"strings"
)

// mimeByExtension is the fixed extension table used for MIME detection.
// Detection is extension-based only; anything unknown is treated as
// plain text so its content stays inline and greppable.
var mimeByExtension = map[string]string{
	".md":   "text/markdown",
	".txt":  "text/plain",
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".csv":  "text/csv",
	".xml":  "text/xml",
	".py":   "text/x-python",
	".go":   "text/x-go",
	".rb":   "text/x-ruby",
	".rs":   "text/x-rust",
	".c":    "text/x-c",
	".h":    "text/x-c",
	".java": "text/x-java",
	".sh":   "application/x-sh",
	".js":   "application/javascript",
	".ts":   "application/typescript",
	".json": "application/json",
	".yaml": "application/x-yaml",
	".yml":  "application/x-yaml",
	".toml": "application/x-toml",
	".pdf":  "application/pdf",
	".zip":  "application/zip",
	".gz":   "application/gzip",
	".tar":  "application/x-tar",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".mp4":  "video/mp4",
}

// MimeForFilename maps a filename to its MIME type via the fixed
// extension table, defaulting to text/plain.
func MimeForFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if mime, ok := mimeByExtension[ext]; ok {
		return mime
	}
	return "text/plain"
}

// IsTextMIME reports whether content of the given MIME type is stored
// inline and is eligible for regex search.
func IsTextMIME(mime string) bool {
	switch {
	case strings.HasPrefix(mime, "text/"):
		return true
	case mime == "application/json":
		return true
	case strings.HasPrefix(mime, "application/x-"):
		return true
	case mime == "application/javascript", mime == "application/typescript":
		return true
	}
	return false
}
