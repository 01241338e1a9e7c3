package element

// Piece is a single item returned by Element.Render: a text literal, an
// intrinsic marker, a nested element, or a transparent grouping of more
// pieces. It is a tagged union realized as an interface with an
// unexported marker method, discriminated by type switch.
type Piece interface {
	piece()
}

// Literal is a plain text fragment. Its tokens are charged to the
// parent's consumed counter as soon as it is seen, ahead of sibling
// budget computation.
type Literal string

func (Literal) piece() {}

// IntrinsicName enumerates the closed set of built-in markers the
// materializer understands. An unrecognized name is a fatal structural
// error at materialization time.
type IntrinsicName string

const (
	IntrinsicMeta            IntrinsicName = "meta"
	IntrinsicBr              IntrinsicName = "br"
	IntrinsicReferences      IntrinsicName = "references"
	IntrinsicUsedContext     IntrinsicName = "usedContext"
	IntrinsicIgnoredFiles    IntrinsicName = "ignoredFiles"
	IntrinsicElementJSON     IntrinsicName = "elementJSON"
	IntrinsicCacheCheckpoint IntrinsicName = "cacheCheckpoint"
	IntrinsicOpaque          IntrinsicName = "opaque"
)

// Intrinsic is a built-in marker piece. Props is intrinsic-specific;
// see the materializer for the shape each name expects.
type Intrinsic struct {
	Name     IntrinsicName
	Props    any
	Children []Piece
}

func (Intrinsic) piece() {}

// ElementNode defers to a nested element, instantiated lazily by the
// scheduler when it reaches this piece. Props is the author-specific
// props value passed to Ctor.Build; scheduling hints are recovered from
// the built Element's BaseProps(), not from this field directly.
type ElementNode struct {
	Ctor     Ctor
	Props    any
	Children []Piece
}

func (ElementNode) piece() {}

// Fragment groups pieces without introducing a materialized container;
// its children are treated as if they were direct siblings of whatever
// produced the Fragment.
type Fragment struct {
	Children []Piece
}

func (Fragment) piece() {}
