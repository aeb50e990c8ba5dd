package model

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/apod-cache/internal/apperr"
)

// Document is a decoded JSON object as returned by the descriptor endpoint.
type Document map[string]any

// String returns the string value at key, or "" if absent or not a string.
func (d Document) String(key string) string {
	v, ok := d[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// Descriptor is the daily media descriptor.
type Descriptor struct {
	Title       string `json:"title"`
	Explanation string `json:"explanation"`
	MediaType   string `json:"media_type"`
	URL         string `json:"url"`
	HDURL       string `json:"hdurl,omitempty"`
	Date        string `json:"date,omitempty"`
	Copyright   string `json:"copyright,omitempty"`
}

// DescriptorFromDocument extracts the descriptor fields from doc.
func DescriptorFromDocument(doc Document) Descriptor {
	return Descriptor{
		Title:       doc.String("title"),
		Explanation: doc.String("explanation"),
		MediaType:   doc.String("media_type"),
		URL:         doc.String("url"),
		HDURL:       doc.String("hdurl"),
		Date:        doc.String("date"),
		Copyright:   doc.String("copyright"),
	}
}

// Kind maps media_type onto a cache slot. "image" is an image; "video" and
// "other" go to the video slot. Anything else is unsupported.
func (d Descriptor) Kind() (MediaKind, error) {
	switch strings.ToLower(d.MediaType) {
	case "image":
		return MediaKindImage, nil
	case "video", "other":
		return MediaKindVideo, nil
	default:
		return "", apperr.Unsupported("descriptor: media kind", eris.Errorf("media_type %q", d.MediaType))
	}
}

// MediaURL picks the download URL: images prefer hdurl.
func (d Descriptor) MediaURL(kind MediaKind) string {
	if kind == MediaKindImage && d.HDURL != "" {
		return d.HDURL
	}
	if d.URL != "" {
		return d.URL
	}
	return d.HDURL
}

// Candidates builds the assets referenced by the descriptor. Unsupported
// entries are returned in skipped rather than failing the whole descriptor.
func (d Descriptor) Candidates() (candidates []*Asset, skipped []error) {
	kind, err := d.Kind()
	if err != nil {
		return nil, []error{err}
	}
	mediaURL := d.MediaURL(kind)
	if mediaURL == "" {
		return nil, []error{apperr.Unsupported("descriptor: media url", eris.Errorf("no url for %s", kind))}
	}
	return []*Asset{{
		Kind:        kind,
		RemoteURL:   mediaURL,
		Title:       d.Title,
		Explanation: d.Explanation,
		Date:        d.Date,
		Copyright:   d.Copyright,
	}}, nil
}
