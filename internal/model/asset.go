package model

import (
	"time"
)

// MediaKind identifies a cache slot.
type MediaKind string

const (
	MediaKindImage MediaKind = "image"
	MediaKindVideo MediaKind = "video"
)

// MediaKinds lists every cache slot in a stable order.
var MediaKinds = []MediaKind{MediaKindImage, MediaKindVideo}

// Valid reports whether k names a known cache slot.
func (k MediaKind) Valid() bool {
	return k == MediaKindImage || k == MediaKindVideo
}

// Asset describes a remote media item and, once installed, its local copy.
// Everything except CachedLocation comes from the descriptor and is not
// changed after construction; a newer descriptor produces a new Asset.
type Asset struct {
	Kind           MediaKind `json:"kind" yaml:"kind"`
	RemoteURL      string    `json:"remote_url" yaml:"remote_url"`
	Title          string    `json:"title" yaml:"title"`
	Explanation    string    `json:"explanation" yaml:"explanation"`
	Date           string    `json:"date,omitempty" yaml:"date,omitempty"`
	Copyright      string    `json:"copyright,omitempty" yaml:"copyright,omitempty"`
	CachedLocation string    `json:"cached_location,omitempty" yaml:"cached_location,omitempty"`
	CachedAt       time.Time `json:"cached_at,omitempty" yaml:"cached_at,omitempty"`
}

// IsCached reports whether the asset has a local copy.
func (a *Asset) IsCached() bool {
	return a != nil && a.CachedLocation != ""
}

// SameRemote reports whether a and other point at the same remote resource.
func (a *Asset) SameRemote(other *Asset) bool {
	if a == nil || other == nil {
		return false
	}
	return a.Kind == other.Kind && a.RemoteURL == other.RemoteURL
}

// WithCachedLocation returns a copy of a pointing at path.
func (a Asset) WithCachedLocation(path string, at time.Time) *Asset {
	a.CachedLocation = path
	a.CachedAt = at
	return &a
}

// Context builds the serializable download context for this asset.
func (a *Asset) Context(cycleID string) DownloadContext {
	return DownloadContext{
		Kind:        a.Kind,
		RemoteURL:   a.RemoteURL,
		Title:       a.Title,
		Explanation: a.Explanation,
		Date:        a.Date,
		Copyright:   a.Copyright,
		CycleID:     cycleID,
	}
}

// DownloadContext is the caller payload carried by a download task. It is
// journaled with background tasks, so it must stay JSON-serializable.
type DownloadContext struct {
	Kind        MediaKind `json:"kind"`
	RemoteURL   string    `json:"remote_url"`
	Title       string    `json:"title"`
	Explanation string    `json:"explanation"`
	Date        string    `json:"date,omitempty"`
	Copyright   string    `json:"copyright,omitempty"`
	CycleID     string    `json:"cycle_id,omitempty"`
}

// Asset rebuilds the (uncached) asset the context was created from.
func (c DownloadContext) Asset() *Asset {
	return &Asset{
		Kind:        c.Kind,
		RemoteURL:   c.RemoteURL,
		Title:       c.Title,
		Explanation: c.Explanation,
		Date:        c.Date,
		Copyright:   c.Copyright,
	}
}
