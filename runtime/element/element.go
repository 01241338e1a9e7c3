// Package element defines the user-facing building blocks of a prompt
// tree: element constructors, their props, and the pieces a Render call
// returns.
package element

import (
	"context"
	"math"

	"github.com/promptkit/treeprompt/runtime/sizing"
)

// MaxPriority is the sentinel used when a Props doesn't declare Priority.
// It sorts last for removal, i.e. it is never pruned before anything with
// an explicit, lower priority.
const MaxPriority = math.MaxInt32

// Ctor identifies an element's constructor for discrimination purposes,
// the Go substitute for `instanceof` against a source-language class.
// Two Ctors compare equal iff they wrap the same underlying function.
type Ctor struct {
	name string
	fn   func(props any) (Element, error)
}

// NewCtor wraps a build function as a Ctor with the given debug name.
// The name has no semantic effect; it only improves error messages.
func NewCtor(name string, fn func(props any) (Element, error)) Ctor {
	return Ctor{name: name, fn: fn}
}

// Name returns the constructor's debug name.
func (c Ctor) Name() string { return c.name }

// IsZero reports whether c is the zero Ctor (no build function set).
// A nil Ctor reaching the scheduler is a fatal structural error.
func (c Ctor) IsZero() bool { return c.fn == nil }

// Build instantiates the element for the given props.
func (c Ctor) Build(props any) (Element, error) { return c.fn(props) }

// Props carries the scheduling hints common to every element, plus
// whatever element-specific fields the author embeds alongside them.
type Props struct {
	// Priority is a nonnegative ordering key; lower values are pruned
	// first. Zero value resolves to MaxPriority (highest priority).
	Priority int

	// FlexBasis is the proportional weight used to split a flex group's
	// distributable budget. Zero value resolves to 1.
	FlexBasis float64

	// FlexGrow groups siblings for budget-assignment ordering; groups are
	// assigned budget in ascending FlexGrow order, so zero is the first group.
	FlexGrow int

	// FlexReserve is the amount this element holds back from the enclosing
	// budget while lower-FlexGrow groups are assigned theirs. A nil value
	// reserves nothing.
	FlexReserve *Reserve

	// PassPriority makes a container transparent to the pruner: its
	// children compete directly against the container's own siblings.
	PassPriority bool

	// TokenLimit, if set, opens a new pruning scope rooted at this
	// element with its own sub-budget.
	TokenLimit *int

	// TokenLimitID names the scope opened by TokenLimit, for splicing
	// and error messages. Two scopes declaring the same non-empty id is
	// a fatal structural error. Left empty, the scope is identified by
	// its arena-assigned node id, which is unique by construction.
	TokenLimitID string

	// Chunk marks the element's materialized subtree as atomic: pruning
	// removes it wholly or not at all.
	Chunk bool

	// KeepWith names a keep-with group; removing the last surviving
	// member of a group cascades removal to the rest of the group.
	KeepWith string

	// Message, if non-nil, marks this element as message-producing: the
	// materializer lowers its subtree to a ChatMessage instead of a
	// plain Container, using the role/name/tool-call fields here.
	Message *MessageProps

	// Image, if non-nil, marks this element as resolving to a
	// materialize.ImagePart leaf instead of a Container; Children are
	// ignored. Exactly one of Reference, FilePath, URL should be set.
	Image *ImageProps
}

// ImageProps locates the bytes behind an image element. Exactly one of
// Reference, FilePath, or URL should be set; Detail is passed through to
// tokenizer.ImageCounter and to the emitted ImageURLPart.
type ImageProps struct {
	Reference string
	FilePath  string
	URL       string
	Detail    string
}

// Reserve is a FlexReserve value: either a fixed token count or a
// fraction of the scope's remaining (not-yet-reserved) budget.
type Reserve struct {
	Fixed    int
	Fraction float64 // used when Fraction > 0; Fixed is ignored
}

// FixedReserve returns a Reserve for an exact token count.
func FixedReserve(tokens int) *Reserve { return &Reserve{Fixed: tokens} }

// FractionReserve returns a Reserve for a 1/N share of the remaining budget.
func FractionReserve(n int) *Reserve {
	if n <= 0 {
		n = 1
	}
	return &Reserve{Fraction: 1.0 / float64(n)}
}

// EffectivePriority resolves the zero-value sentinel to MaxPriority.
func (p Props) EffectivePriority() int {
	if p.Priority == 0 {
		return MaxPriority
	}
	return p.Priority
}

// EffectiveFlexBasis resolves the zero-value sentinel to 1.
func (p Props) EffectiveFlexBasis() float64 {
	if p.FlexBasis == 0 {
		return 1
	}
	return p.FlexBasis
}

// EffectiveReserve resolves FlexReserve against the scope's current
// remaining budget: a fixed reserve is returned as-is; a fractional
// reserve (FractionReserve(N)) is 1/N of remaining. A nil FlexReserve
// reserves nothing.
func (p Props) EffectiveReserve(remaining int) int {
	if p.FlexReserve == nil {
		return 0
	}
	if p.FlexReserve.Fraction > 0 {
		return int(float64(remaining) * p.FlexReserve.Fraction)
	}
	return p.FlexReserve.Fixed
}

// Element is a user-defined prompt node. Implementations may optionally
// implement Preparer for I/O-bound setup before Render is invoked.
type Element interface {
	// Render returns the element's child pieces. It may read the sizing
	// budget and may suspend on I/O through ctx.
	Render(ctx context.Context, state any, sz *sizing.Context) ([]Piece, error)

	// BaseProps returns the scheduling hints declared for this element.
	BaseProps() Props
}

// Preparer is implemented by elements that need an I/O-bound or
// otherwise effectful setup phase before Render is called. Prepare's
// returned state is passed back into Render unchanged.
type Preparer interface {
	Prepare(ctx context.Context, sz *sizing.Context) (state any, err error)
}

// Growable marks an element as eligible for re-render with leftover
// budget after the first full rendering pass (§4.3 of the expanded
// render specification this engine implements).
type Growable interface {
	Element
	// InitialConsumption reports the tokens consumed by the element's
	// first-pass render, used to compute the re-render's budget.
	InitialConsumption() int
}
