// Package media resolves ImagePart fragments (local disk, inline data, or
// remote URLs) into bytes the tokenizer can size and the emitter can embed.
package media

import (
	"bytes"
	"fmt"
	"image"

	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder

	_ "golang.org/x/image/webp" // register WebP decoder
)

// MIME type constants for the image formats the engine understands.
const (
	MIMETypeJPEG = "image/jpeg"
	MIMETypePNG  = "image/png"
	MIMETypeGIF  = "image/gif"
	MIMETypeWebP = "image/webp"
)

// Dimensions holds the decoded pixel size of an image, used by
// tokenizer.ImageCounter to compute a tile-based token cost.
type Dimensions struct {
	Width  int
	Height int
	Format string
}

// DecodeDimensions reads an image's width and height without holding a
// decoded pixel buffer in memory any longer than necessary.
func DecodeDimensions(data []byte) (Dimensions, error) {
	if len(data) == 0 {
		return Dimensions{}, fmt.Errorf("media: empty image data")
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Dimensions{}, fmt.Errorf("media: failed to decode image: %w", err)
	}

	return Dimensions{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}

// MIMETypeToFormat converts a MIME type to the decoder format name used by
// the standard image package ("jpeg", "png", "gif", "webp").
func MIMETypeToFormat(mimeType string) string {
	switch mimeType {
	case MIMETypeJPEG:
		return "jpeg"
	case MIMETypePNG:
		return "png"
	case MIMETypeGIF:
		return "gif"
	case MIMETypeWebP:
		return "webp"
	default:
		return "jpeg"
	}
}

// FormatToMIMEType converts a decoder format name back to a MIME type.
func FormatToMIMEType(format string) string {
	switch format {
	case "jpeg", "jpg":
		return MIMETypeJPEG
	case "png":
		return MIMETypePNG
	case "gif":
		return MIMETypeGIF
	case "webp":
		return MIMETypeWebP
	default:
		return MIMETypeJPEG
	}
}
