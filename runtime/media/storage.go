package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Content is a single piece of media to be stored or retrieved. Exactly one
// of Data, FilePath, or URL should be set; Data is base64-encoded so Content
// remains a plain value safe to pass through JSON boundaries.
type Content struct {
	Data     *string
	FilePath *string
	URL      *string
	MIMEType string
}

// Validate checks that Content carries exactly one data source.
func (c *Content) Validate() error {
	sources := 0
	if c.Data != nil {
		sources++
	}
	if c.FilePath != nil {
		sources++
	}
	if c.URL != nil {
		sources++
	}
	if sources != 1 {
		return fmt.Errorf("media content must have exactly one of Data, FilePath, or URL set, got %d", sources)
	}
	if c.MIMEType == "" {
		return fmt.Errorf("media content must have a MIME type")
	}
	return nil
}

// ReadData returns a reader over the content's bytes, decoding base64 data
// or opening the referenced file as needed. URL content is not readable
// through this path; resolve it with a Resolver first.
func (c *Content) ReadData() (io.ReadCloser, error) {
	switch {
	case c.Data != nil:
		raw, err := base64.StdEncoding.DecodeString(*c.Data)
		if err != nil {
			return nil, fmt.Errorf("media: invalid base64 data: %w", err)
		}
		return io.NopCloser(strings.NewReader(string(raw))), nil
	case c.FilePath != nil:
		return os.Open(*c.FilePath)
	default:
		return nil, fmt.Errorf("media: no readable data source")
	}
}

// Reference is an opaque handle returned by StoreMedia. Its format and
// meaning are backend-specific; callers must treat it as an opaque token.
type Reference string

// OrganizationMode controls how a MediaStorageService lays out stored media.
type OrganizationMode string

const (
	OrganizationBySession      OrganizationMode = "by-session"
	OrganizationByConversation OrganizationMode = "by-conversation"
	OrganizationByRun          OrganizationMode = "by-run"
)

// Metadata accompanies a StoreMedia call, used for directory layout and
// for reconstructing a Content's MIME type on retrieval.
type Metadata struct {
	RunID          string
	ConversationID string
	SessionID      string
	MessageIdx     int
	PartIdx        int
	MIMEType       string
	SizeBytes      int64
	Timestamp      time.Time
}

// MediaStorageService stores and retrieves the media bytes an ImagePart
// references, without requiring the full payload in memory except when
// actually reading or writing it.
//
// Implementations must be safe for concurrent use.
type MediaStorageService interface {
	// StoreMedia persists content and returns a reference for later lookup.
	StoreMedia(ctx context.Context, content *Content, metadata *Metadata) (Reference, error)

	// RetrieveMedia resolves a reference back to Content. Implementations
	// should return a FilePath rather than loading bytes eagerly.
	RetrieveMedia(ctx context.Context, reference Reference) (*Content, error)

	// DeleteMedia removes the media identified by reference.
	DeleteMedia(ctx context.Context, reference Reference) error

	// GetURL returns a URL for accessing the media. Local backends return
	// file:// URLs; expiry is ignored where it doesn't apply.
	GetURL(ctx context.Context, reference Reference, expiry time.Duration) (string, error)
}
