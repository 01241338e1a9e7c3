// Package materialize lowers a scheduled element tree (runtime/schedule)
// into the flat, tagged-variant structure the pruner and emitter operate
// on: containers, chat messages, text chunks, image parts, cache
// checkpoints, and opaque values (§4.4 of the render specification this
// engine implements).
package materialize

import (
	"sync"

	"github.com/promptkit/treeprompt/runtime/types"
)

// LineBreakPolicy controls whether the emitter inserts a newline before a
// TextChunk.
type LineBreakPolicy int

const (
	// LineBreakNone never inserts a break before this chunk.
	LineBreakNone LineBreakPolicy = iota
	// LineBreakIfNotTextSibling inserts a break unless the preceding
	// surviving sibling is itself plain text.
	LineBreakIfNotTextSibling
	// LineBreakAlways always inserts a break before this chunk.
	LineBreakAlways
)

// NodeMeta carries the fields every materialized node needs for pruning,
// shared by embedding rather than by interface methods on each field.
//
// Priority is a float64 rather than the author-facing int so that
// elementJSON splices can rebase into a fractional interval (§9) without
// losing ordering precision relative to their parent's declared slot.
type NodeMeta struct {
	ID           int
	Priority     float64
	DeclIndex    int
	PassPriority bool
	Chunk        bool
	KeepWith     string
}

// Node is a materialized tree node: one of Container, ChatMessage,
// TextChunk, ImagePart, CacheCheckpoint, or Opaque, realized as an
// interface with an unexported marker method rather than a type hierarchy.
type Node interface {
	materialized()
	Meta() *NodeMeta
}

// Children returns n's children, or nil for a leaf node.
func Children(n Node) []Node {
	switch v := n.(type) {
	case *Container:
		return v.Children
	case *ChatMessage:
		return v.Children
	default:
		return nil
	}
}

// SetChildren replaces n's children in place. It is a no-op on a leaf node.
func SetChildren(n Node, children []Node) {
	switch v := n.(type) {
	case *Container:
		v.Children = children
	case *ChatMessage:
		v.Children = children
	}
}

// MetaEntry is a single `meta` intrinsic record attached to the scope it
// was declared in.
type MetaEntry struct {
	Key   string
	Value any
	Local bool
}

// Reference is a single `references` intrinsic record.
type Reference struct {
	Name  string
	Value any
}

// UsedContextEntry is a single `usedContext` intrinsic record.
type UsedContextEntry struct {
	Key   string
	Value any
}

// IgnoredFile is a single `ignoredFiles` intrinsic record.
type IgnoredFile struct {
	Path   string
	Reason string
}

// sideChannel is the set of non-content records a Container or ChatMessage
// accumulates from intrinsic children declared directly beneath it.
type sideChannel struct {
	Meta         []MetaEntry
	References   []Reference
	UsedContext  []UsedContextEntry
	IgnoredFiles []IgnoredFile
}

// Container groups children without introducing a chat-message boundary.
type Container struct {
	NodeMeta
	Children []Node
	sideChannel
}

func (*Container) materialized()     {}
func (c *Container) Meta() *NodeMeta { return &c.NodeMeta }

// MetaRecords returns the `meta` intrinsic records attached directly to
// this container. Named apart from the field itself (also called Meta)
// since the Meta() method on this type shadows the promoted field for
// external packages.
func (c *Container) MetaRecords() []MetaEntry { return c.sideChannel.Meta }

// ChatMessage is a materialized chat turn; the emitter's leaf unit of
// output. Token counts are memoised until a mutation invalidates them
// (§9's memoisation note), since the pruner may probe a message's count
// many times while removing one child at a time.
type ChatMessage struct {
	NodeMeta
	Role       types.Role
	Name       string
	ToolCalls  []types.MessageToolCall
	ToolCallID string
	Children   []Node
	sideChannel

	mu            sync.Mutex
	cachedUpper   *int
	cachedPrecise *int
}

func (*ChatMessage) materialized()     {}
func (m *ChatMessage) Meta() *NodeMeta { return &m.NodeMeta }

// MetaRecords returns the `meta` intrinsic records attached directly to
// this message (see Container.MetaRecords for why this isn't just Meta).
func (m *ChatMessage) MetaRecords() []MetaEntry { return m.sideChannel.Meta }

// CachedCounts returns the memoised upper-bound and precise token counts,
// or nil for either that hasn't been computed since the last invalidation.
func (m *ChatMessage) CachedCounts() (upper, precise *int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cachedUpper, m.cachedPrecise
}

// SetCachedCounts records freshly computed counts.
func (m *ChatMessage) SetCachedCounts(upper, precise int) {
	m.mu.Lock()
	m.cachedUpper, m.cachedPrecise = &upper, &precise
	m.mu.Unlock()
}

// InvalidateCache clears the memoised counts; called by the pruner after
// any mutation to the message's children.
func (m *ChatMessage) InvalidateCache() {
	m.mu.Lock()
	m.cachedUpper, m.cachedPrecise = nil, nil
	m.mu.Unlock()
}

// TextChunk is a leaf of literal text inside a chat message.
type TextChunk struct {
	NodeMeta
	Text            string
	LineBreakBefore LineBreakPolicy
}

func (*TextChunk) materialized()     {}
func (t *TextChunk) Meta() *NodeMeta { return &t.NodeMeta }

// ImagePart is a leaf referencing resolved image bytes (or, if resolved
// from a remote URL that the emitter should pass through unfetched, the
// URL itself).
type ImagePart struct {
	NodeMeta
	Data   []byte
	URL    string
	Detail string
}

func (*ImagePart) materialized()     {}
func (i *ImagePart) Meta() *NodeMeta { return &i.NodeMeta }

// CacheCheckpoint marks a cache boundary within a message's content; the
// pruner must never remove content preceding the last checkpoint in a
// message (§4.5's cache-checkpoint invariant).
type CacheCheckpoint struct {
	NodeMeta
	CacheType string
}

func (*CacheCheckpoint) materialized()     {}
func (c *CacheCheckpoint) Meta() *NodeMeta { return &c.NodeMeta }

// Opaque passes a value through to the destination API untouched, billed
// at a declared (non-computed) token cost.
type Opaque struct {
	NodeMeta
	Value     any
	TokenCost int
}

func (*Opaque) materialized()     {}
func (o *Opaque) Meta() *NodeMeta { return &o.NodeMeta }

// FindByID searches the subtree rooted at n for a node with the given
// schedule-arena ID, used by the pruner to locate a TokenLimit scope's
// materialized root.
func FindByID(n Node, id int) Node {
	if n.Meta().ID == id {
		return n
	}
	for _, c := range Children(n) {
		if found := FindByID(c, id); found != nil {
			return found
		}
	}
	return nil
}

// Messages collects every ChatMessage in n's subtree, in document order.
// Both the pruner (for per-scope token accounting) and the emitter (for
// producing the final message list) walk the tree this same way.
func Messages(n Node) []*ChatMessage {
	if msg, ok := n.(*ChatMessage); ok {
		return []*ChatMessage{msg}
	}
	var out []*ChatMessage
	for _, c := range Children(n) {
		out = append(out, Messages(c)...)
	}
	return out
}

// IsLeaf reports whether n has no children by construction (as opposed to
// a Container/ChatMessage that merely has none left after pruning).
func IsLeaf(n Node) bool {
	switch n.(type) {
	case *TextChunk, *ImagePart, *CacheCheckpoint, *Opaque:
		return true
	default:
		return false
	}
}
