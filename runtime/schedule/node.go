// Package schedule implements the render scheduler and growable expander
// (§4.2, §4.3): the tree builder that instantiates elements lazily,
// assigns each node a token budget according to its flex hints, drives
// Prepare/Render, and recurses — followed by a second pass that
// re-renders growable elements against the leftover budget.
package schedule

import (
	"github.com/promptkit/treeprompt/runtime/element"
)

// Kind discriminates a Node's variant.
type Kind int

const (
	KindRoot Kind = iota
	KindElement
	KindLiteral
	KindIntrinsic
)

// Node is one entry in the scheduled tree: the output of the render
// scheduler, consumed by the materializer. It is a strict ownership
// hierarchy (§9) — Parent is for scope lookup only, never ownership.
type Node struct {
	ID        int
	Parent    *Node
	DeclIndex int
	Kind      Kind

	// Props holds the resolved scheduling hints for KindElement nodes
	// (from the built Element's BaseProps()). Zero value for other kinds.
	Props element.Props

	// Literal holds the text for KindLiteral nodes.
	Literal string

	// IntrinsicName/IntrinsicProps hold the marker for KindIntrinsic nodes.
	IntrinsicName  element.IntrinsicName
	IntrinsicProps any

	Children []*Node

	Budget   int
	Consumed int

	// Growable is set for KindElement nodes built from a Growable
	// element, for the expander's second pass.
	Growable      element.Growable
	GrowableState any

	// CtorName records the element's debug constructor name (KindElement
	// only), used in error messages and logging.
	CtorName string
}

// Arena owns every Node created during one schedule pass, keyed by
// stable integer id (§9's "id → node index... equivalent to an arena
// with stable indices").
type Arena struct {
	Root *Node

	nodes         []*Node
	tokenLimits   map[string]*Node
	growableOrder []*Node
}

func newArena() *Arena {
	return &Arena{tokenLimits: make(map[string]*Node)}
}

func (a *Arena) newNode(parent *Node, kind Kind, declIndex int) *Node {
	n := &Node{ID: len(a.nodes), Parent: parent, Kind: kind, DeclIndex: declIndex}
	a.nodes = append(a.nodes, n)
	return n
}

// TokenLimitScopes returns every node that opened its own pruning scope
// via Props.TokenLimit, in schedule order.
func (a *Arena) TokenLimitScopes() []*Node {
	out := make([]*Node, 0, len(a.tokenLimits))
	for _, n := range a.nodes {
		if n.Props.TokenLimit != nil {
			out = append(out, n)
		}
	}
	return out
}

// GrowableNodes returns every growable node in render order.
func (a *Arena) GrowableNodes() []*Node { return a.growableOrder }

