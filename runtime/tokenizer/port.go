package tokenizer

import (
	"context"
	"math"

	"github.com/promptkit/treeprompt/runtime/media"
	"github.com/promptkit/treeprompt/runtime/sizing"
)

// Fragment is a single unit of content the tokenizer is asked to size.
// Exactly one of Text or Image is populated.
type Fragment struct {
	Text  string
	Image *ImageFragment
}

// ImageFragment carries the resolved bytes of an ImagePart along with its
// requested detail level, so TokenLength can decode dimensions and apply
// a tile-based cost without the core depending on any image library
// itself.
type ImageFragment struct {
	Data   []byte
	Detail string // "low", "high", or "" (auto)
}

// MessageInput is the message-shaped input to CountMessageTokens: just
// enough of a materialized chat message (role, name, content fragments,
// tool-call count) to compute framing overhead without the tokenizer
// package depending on runtime/materialize (which itself depends on
// runtime/tokenizer for TokenLength during materialization).
type MessageInput struct {
	Role          string
	Name          string
	Parts         []Fragment
	ToolCallCount int
	HasToolCallID bool
}

// Tokenizer is the pluggable boundary the render engine depends on (§4.1
// of the render specification this engine implements). Both operations
// accept a context so an implementation may call out to a remote
// tokenization service; the engine treats every call as a potential
// suspension point.
//
// TokenLength must be cheap and monotone: it is used both for the
// upper-bound estimate the pruner trusts to be ≥ the precise count, and
// for literal accounting during scheduling. CountMessageTokens may be
// expensive (it is the "precise" count) and is only called when a scope
// is actually being checked against its limit.
type Tokenizer interface {
	// TokenLength returns the token cost of a single fragment.
	TokenLength(ctx context.Context, part Fragment) (int, error)

	// CountMessageTokens returns the token cost of a full message,
	// including role/name/tool-call framing overhead.
	CountMessageTokens(ctx context.Context, msg MessageInput) (int, error)

	// Overhead returns the constants CountMessageTokens bakes in, for
	// callers (e.g. the pruner's upper-bound estimate) that need to add
	// framing cost to a sum of part lengths without a full message.
	Overhead() (perMessage, perName, perCompletion int)
}

// UpperBound computes the cheap, monotone-under-removal estimate the
// pruner uses to decide whether it may stop without calling the
// (possibly expensive) precise CountMessageTokens: the sum of each
// part's TokenLength plus the tokenizer's declared per-message and
// per-name overhead, with the per-name overhead also charged once per
// tool call. It is always ≥ the precise count.
func UpperBound(ctx context.Context, tok Tokenizer, msg MessageInput) (int, error) {
	perMessage, perName, _ := tok.Overhead()
	total := perMessage
	if msg.Name != "" {
		total += perName
	}
	total += msg.ToolCallCount * perName
	for _, part := range msg.Parts {
		n, err := tok.TokenLength(ctx, part)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// textCounterAdapter adapts a Tokenizer to sizing.TokenCounter, the
// narrower text-only slice a sizing.Context needs to charge literals.
type textCounterAdapter struct{ tok Tokenizer }

func (a textCounterAdapter) TokenLength(ctx context.Context, text string) (int, error) {
	return a.tok.TokenLength(ctx, Fragment{Text: text})
}

// AsTextCounter adapts a full Tokenizer to sizing.TokenCounter.
func AsTextCounter(tok Tokenizer) sizing.TokenCounter { return textCounterAdapter{tok: tok} }

// ImageCounter sizes image fragments using a tile-based formula over
// decoded pixel dimensions, the way vendor APIs bill image input: a flat
// base cost plus a per-tile cost for every 512x512 block the image
// covers. "low" detail images are billed at the flat base cost alone.
type ImageCounter struct {
	// BaseTokens is charged once per image regardless of size.
	BaseTokens int
	// TileTokens is charged per 512x512 tile at "high"/"auto" detail.
	TileTokens int
	// TileSize is the edge length of one billing tile, in pixels.
	TileSize int
}

// NewImageCounter returns an ImageCounter using the widely used
// base=85, tile=170, tileSize=512 formula.
func NewImageCounter() *ImageCounter {
	return &ImageCounter{BaseTokens: 85, TileTokens: 170, TileSize: 512}
}

// TokenLength decodes the fragment's image bytes and applies the
// tile-based formula. A nil Image costs 0. Unless Detail is "low", image
// bytes that cannot be decoded (including empty Data) are an error: the
// caller (the materializer) is expected to resolve media bytes before sizing.
func (c *ImageCounter) TokenLength(_ context.Context, part Fragment) (int, error) {
	if part.Image == nil {
		return 0, nil
	}
	if part.Image.Detail == "low" {
		return c.BaseTokens, nil
	}
	dims, err := media.DecodeDimensions(part.Image.Data)
	if err != nil {
		return 0, err
	}
	tileSize := c.TileSize
	if tileSize <= 0 {
		tileSize = 512
	}
	tilesWide := int(math.Ceil(float64(dims.Width) / float64(tileSize)))
	tilesHigh := int(math.Ceil(float64(dims.Height) / float64(tileSize)))
	if tilesWide < 1 {
		tilesWide = 1
	}
	if tilesHigh < 1 {
		tilesHigh = 1
	}
	return c.BaseTokens + c.TileTokens*tilesWide*tilesHigh, nil
}

// HeuristicCounter adapts the word-ratio HeuristicTokenCounter to the
// Tokenizer port, so a caller who only needs text sizing (no image
// fragments) can use it directly. Image fragments are sized with the
// tile-based ImageCounter, which returns an error for image bytes it
// cannot decode unless Detail is "low".
type HeuristicCounter struct {
	words  *HeuristicTokenCounter
	images *ImageCounter

	PerMessageOverhead    int
	PerNameOverhead       int
	PerCompletionOverhead int
}

// NewHeuristicCounter builds a HeuristicCounter for the given model
// family, with the per-message/name/completion overheads the teacher's
// reference deployments use for chat-style completions.
func NewHeuristicCounter(family ModelFamily) *HeuristicCounter {
	return &HeuristicCounter{
		words:                 NewHeuristicTokenCounter(family),
		images:                NewImageCounter(),
		PerMessageOverhead:    3,
		PerNameOverhead:       1,
		PerCompletionOverhead: 3,
	}
}

// TokenLength sizes a text fragment by word ratio, or an image fragment
// via the embedded ImageCounter.
func (h *HeuristicCounter) TokenLength(ctx context.Context, part Fragment) (int, error) {
	if part.Image != nil {
		return h.images.TokenLength(ctx, part)
	}
	return h.words.CountTokens(part.Text), nil
}

// CountMessageTokens sums the message's parts plus framing overhead.
func (h *HeuristicCounter) CountMessageTokens(ctx context.Context, msg MessageInput) (int, error) {
	total := h.PerMessageOverhead
	if msg.Name != "" {
		total += h.PerNameOverhead
	}
	for _, part := range msg.Parts {
		n, err := h.TokenLength(ctx, part)
		if err != nil {
			return 0, err
		}
		total += n
	}
	total += msg.ToolCallCount * h.PerNameOverhead
	return total, nil
}

// Overhead returns the constants CountMessageTokens applies.
func (h *HeuristicCounter) Overhead() (perMessage, perName, perCompletion int) {
	return h.PerMessageOverhead, h.PerNameOverhead, h.PerCompletionOverhead
}
