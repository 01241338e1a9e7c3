package types

import (
	"fmt"
)

// ContentPart is a single piece of content in an emitted chat message.
// A message's Content is an ordered slice of these; exactly one of the
// type-specific fields is populated, matching Type.
type ContentPart struct {
	Type ContentType `json:"type"`

	// Text holds the content for Type == ContentTypeText.
	Text string `json:"text,omitempty"`

	// ImageURL holds the content for Type == ContentTypeImage. The URL has
	// already been resolved (data URI or remote URL) by the time a
	// ContentPart reaches this type; unresolved references live on the
	// materializer's ImagePart node.
	ImageURL *ImageURLPart `json:"image_url,omitempty"`

	// CacheType holds the content for Type == ContentTypeCacheCheckpoint.
	CacheType string `json:"cache_type,omitempty"`

	// Value holds the content for Type == ContentTypeOpaque. It is passed
	// through to the destination API untouched and is never tokenized.
	Value any `json:"value,omitempty"`
}

// ImageURLPart is the resolved image reference embedded in a ContentPart.
type ImageURLPart struct {
	URL    string  `json:"url"`
	Detail *string `json:"detail,omitempty"`
}

// ContentType enumerates the kinds of content a ContentPart can carry.
type ContentType string

const (
	ContentTypeText            ContentType = "text"
	ContentTypeImage           ContentType = "image"
	ContentTypeCacheCheckpoint ContentType = "cacheCheckpoint"
	ContentTypeOpaque          ContentType = "opaque"
)

// NewTextPart creates a ContentPart carrying plain text.
func NewTextPart(text string) ContentPart {
	return ContentPart{Type: ContentTypeText, Text: text}
}

// NewImagePart creates a ContentPart carrying a resolved image URL.
func NewImagePart(url string, detail *string) ContentPart {
	return ContentPart{
		Type:     ContentTypeImage,
		ImageURL: &ImageURLPart{URL: url, Detail: detail},
	}
}

// NewCacheCheckpointPart creates a ContentPart marking a cache boundary.
func NewCacheCheckpointPart(cacheType string) ContentPart {
	return ContentPart{Type: ContentTypeCacheCheckpoint, CacheType: cacheType}
}

// NewOpaquePart creates a ContentPart that passes an arbitrary value through
// to the destination API untouched.
func NewOpaquePart(value any) ContentPart {
	return ContentPart{Type: ContentTypeOpaque, Value: value}
}

// Validate checks that the ContentPart's populated field matches its Type.
func (cp *ContentPart) Validate() error {
	switch cp.Type {
	case ContentTypeText:
		if cp.Text == "" {
			return fmt.Errorf("text content part must have non-empty text")
		}
	case ContentTypeImage:
		if cp.ImageURL == nil || cp.ImageURL.URL == "" {
			return fmt.Errorf("image content part must have a resolved url")
		}
	case ContentTypeCacheCheckpoint:
		if cp.CacheType == "" {
			return fmt.Errorf("cache checkpoint content part must have a cache_type")
		}
	case ContentTypeOpaque:
		if cp.Value == nil {
			return fmt.Errorf("opaque content part must have a value")
		}
	default:
		return fmt.Errorf("invalid content type: %s", cp.Type)
	}
	return nil
}
