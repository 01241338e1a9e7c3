package media

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/promptkit/treeprompt/pkg/httputil"
)

// Resolver turns an ImagePart's StorageReference, FilePath, or URL into
// bytes the tokenizer can size and the emitter can embed. It is the single
// boundary between the render engine and wherever media bytes actually live.
type Resolver struct {
	storage MediaStorageService
	client  *http.Client
}

// NewResolver builds a Resolver backed by the given MediaStorageService for
// storage-reference and file-path content, and an HTTP client for
// URL-sourced content.
func NewResolver(storage MediaStorageService) *Resolver {
	return &Resolver{
		storage: storage,
		client:  httputil.NewHTTPClient(httputil.DefaultMediaFetchTimeout),
	}
}

// Resolve fetches the bytes behind a reference, file path, or URL. Exactly
// one of ref, filePath, url should be non-empty.
func (r *Resolver) Resolve(ctx context.Context, ref Reference, filePath, url string) ([]byte, error) {
	switch {
	case ref != "":
		content, err := r.storage.RetrieveMedia(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("media: resolve reference: %w", err)
		}
		rc, err := content.ReadData()
		if err != nil {
			return nil, fmt.Errorf("media: read resolved content: %w", err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	case filePath != "":
		content := &Content{FilePath: &filePath, MIMEType: "application/octet-stream"}
		rc, err := content.ReadData()
		if err != nil {
			return nil, fmt.Errorf("media: read file path: %w", err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	case url != "":
		return r.fetchURL(ctx, url)
	default:
		return nil, fmt.Errorf("media: resolve requires a reference, file path, or url")
	}
}

func (r *Resolver) fetchURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("media: build request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media: fetch %s: unexpected status %d", url, resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
