package models

import (
	"time"

	"github.com/google/uuid"
)

// AssetMeta describes where and how an artifact's bytes are stored.
// Content holds inline text for text-bearing MIME types; binary
// artifacts reference the external blob only.
type AssetMeta struct {
	Bucket  string `json:"bucket,omitempty"`
	S3Key   string `json:"s3_key,omitempty"`
	ETag    string `json:"etag,omitempty"`
	SHA256  string `json:"sha256"`
	Mime    string `json:"mime"`
	Size    int64  `json:"size"`
	Content string `json:"content,omitempty"`
}

// Artifact is a (disk, path, filename) addressed file.
type Artifact struct {
	ID     uuid.UUID `json:"id"`
	DiskID uuid.UUID `json:"disk_id"`

	// Path is the directory component, "/" for top-level files,
	// otherwise slash-terminated ("scripts/").
	Path     string `json:"path"`
	Filename string `json:"filename"`

	AssetMeta AssetMeta      `json:"asset_meta"`
	Meta      map[string]any `json:"meta,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FullPath returns path joined with filename as addressed by glob and
// grep matching.
func (a *Artifact) FullPath() string {
	if a.Path == "/" || a.Path == "" {
		return a.Filename
	}
	return a.Path + a.Filename
}
