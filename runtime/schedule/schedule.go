package schedule

import (
	"context"
	"math"
	"sort"

	pkgerrors "github.com/promptkit/treeprompt/pkg/errors"
	"github.com/promptkit/treeprompt/runtime/element"
	"github.com/promptkit/treeprompt/runtime/logger"
	"github.com/promptkit/treeprompt/runtime/sizing"
	"github.com/promptkit/treeprompt/runtime/tokenizer"
	"golang.org/x/sync/errgroup"
)

// validIntrinsics is the closed set §6.5/§4.2 requires: any other name
// reaching the scheduler is a fatal structural error.
var validIntrinsics = map[element.IntrinsicName]bool{
	element.IntrinsicMeta:            true,
	element.IntrinsicBr:              true,
	element.IntrinsicReferences:      true,
	element.IntrinsicUsedContext:     true,
	element.IntrinsicIgnoredFiles:    true,
	element.IntrinsicElementJSON:     true,
	element.IntrinsicCacheCheckpoint: true,
	element.IntrinsicOpaque:          true,
}

// Schedule runs the tree builder and render scheduler (§4.2): it
// instantiates root, assigns budgets depth-first by flex group, drives
// Prepare/Render, and recurses, returning the populated Arena. The
// growable expansion pass (§4.3) is a separate step; call
// ExpandGrowables on the result.
func Schedule(ctx context.Context, root element.Ctor, rootProps any, budget int, endpoint sizing.Endpoint, tok tokenizer.Tokenizer) (*Arena, error) {
	if root.IsZero() {
		return nil, pkgerrors.New("schedule", "Schedule", errInvalidCtor)
	}

	arena := newArena()
	rootNode := arena.newNode(nil, KindRoot, 0)
	rootNode.Budget = budget
	arena.Root = rootNode

	elem, err := root.Build(rootProps)
	if err != nil {
		return nil, pkgerrors.New("schedule", "Build", err).WithDetails(map[string]any{"ctor": root.Name()})
	}

	sz := sizing.New(budget, endpoint, tokenizer.AsTextCounter(tok), "root")
	pieces, err := prepareAndRender(ctx, elem, sz)
	if err != nil {
		return nil, err
	}

	declCounter := 0
	if err := processPieces(ctx, rootNode, pieces, sz, arena, tok, endpoint, &declCounter); err != nil {
		return nil, err
	}
	rootNode.Consumed = sz.Consumed()
	return arena, nil
}

var errInvalidCtor = structuralError{"invalid element constructor (nil Ctor)"}

type structuralError struct{ msg string }

func (e structuralError) Error() string { return e.msg }

// prepareAndRender runs an element's optional Prepare then its Render,
// the two suspension points §5 allows per element.
func prepareAndRender(ctx context.Context, elem element.Element, sz *sizing.Context) ([]element.Piece, error) {
	var state any
	if prep, ok := elem.(element.Preparer); ok {
		s, err := prep.Prepare(ctx, sz)
		if err != nil {
			return nil, pkgerrors.New("schedule", "Prepare", err)
		}
		state = s
	}
	pieces, err := elem.Render(ctx, state, sz)
	if err != nil {
		return nil, pkgerrors.New("schedule", "Render", err)
	}
	return pieces, nil
}

// flatten expands Fragment pieces transparently so their children are
// treated as direct siblings of whatever produced the Fragment.
func flatten(pieces []element.Piece) []element.Piece {
	out := make([]element.Piece, 0, len(pieces))
	for _, p := range pieces {
		if frag, ok := p.(element.Fragment); ok {
			out = append(out, flatten(frag.Children)...)
			continue
		}
		out = append(out, p)
	}
	return out
}

// processPieces converts a Render call's output into Nodes attached to
// parent, in declaration order, charging literal tokens immediately and
// deferring element scheduling to flex-group batches.
func processPieces(ctx context.Context, parent *Node, pieces []element.Piece, sz *sizing.Context, arena *Arena, tok tokenizer.Tokenizer, endpoint sizing.Endpoint, declCounter *int) error {
	flat := flatten(pieces)

	var elements []pendingElement

	for _, p := range flat {
		idx := *declCounter
		*declCounter++

		switch v := p.(type) {
		case element.Literal:
			n := arena.newNode(parent, KindLiteral, idx)
			n.Literal = string(v)
			parent.Children = append(parent.Children, n)

			tokens, err := tok.TokenLength(ctx, tokenizer.Fragment{Text: string(v)})
			if err != nil {
				return pkgerrors.New("schedule", "TokenLength", err)
			}
			sz.AddConsumed(tokens)
			n.Consumed = tokens

		case element.Intrinsic:
			if !validIntrinsics[v.Name] {
				return pkgerrors.New("schedule", "processPieces", unknownIntrinsicError{string(v.Name)})
			}
			if len(v.Children) > 0 && v.Name != element.IntrinsicElementJSON {
				return pkgerrors.New("schedule", "processPieces", intrinsicChildrenError{string(v.Name)})
			}
			n := arena.newNode(parent, KindIntrinsic, idx)
			n.IntrinsicName = v.Name
			n.IntrinsicProps = v.Props
			parent.Children = append(parent.Children, n)

		case element.ElementNode:
			if v.Ctor.IsZero() {
				return pkgerrors.New("schedule", "processPieces", errInvalidCtor)
			}
			elem, err := v.Ctor.Build(v.Props)
			if err != nil {
				return pkgerrors.New("schedule", "Build", err).WithDetails(map[string]any{"ctor": v.Ctor.Name()})
			}
			if aware, ok := elem.(element.ChildrenAware); ok {
				aware.SetChildren(v.Children)
			}

			n := arena.newNode(parent, KindElement, idx)
			n.Props = elem.BaseProps()
			n.CtorName = v.Ctor.Name()
			parent.Children = append(parent.Children, n)

			if n.Props.TokenLimit != nil {
				key := n.Props.TokenLimitID
				if key == "" {
					key = scopeKeyForNode(n)
				}
				if existing, dup := arena.tokenLimits[hashKey(key)]; dup && existing != n {
					return pkgerrors.New("schedule", "processPieces", duplicateTokenLimitError{key})
				}
				arena.tokenLimits[hashKey(key)] = n
			}

			if g, ok := elem.(element.Growable); ok {
				n.Growable = g
				arena.growableOrder = append(arena.growableOrder, n)
			}

			elements = append(elements, pendingElement{node: n, elem: elem})

		default:
			return pkgerrors.New("schedule", "processPieces", unknownPieceError{})
		}
	}

	return scheduleElementGroups(ctx, parent, elements, sz, arena, tok, endpoint, declCounter)
}

type pendingElement struct {
	node *Node
	elem element.Element
}

// scheduleElementGroups implements §4.2's flex-group algorithm. Groups
// are processed in ascending FlexGrow order (the default, FlexGrow==0,
// is "the first group" per the data model — a zero-flex-grow content
// child is laid out before its higher-flex-grow growers absorb what's
// left, matching the worked flex-reserve/flex-split examples). §4.2's own
// text says groups run "descending" with the highest FlexGrow first,
// which contradicts the default-is-first-group rule and the worked
// examples; SPEC_FULL.md §9's open-questions list resolves this in favor
// of ascending order and treats the "descending" wording as the spec's
// own error.
func scheduleElementGroups(ctx context.Context, parent *Node, pendingAny []pendingElement, sz *sizing.Context, arena *Arena, tok tokenizer.Tokenizer, endpoint sizing.Endpoint, declCounter *int) error {
	if len(pendingAny) == 0 {
		return nil
	}

	groups := map[int][]pendingElement{}
	var flexGrows []int
	for _, pe := range pendingAny {
		fg := pe.node.Props.FlexGrow
		if _, seen := groups[fg]; !seen {
			flexGrows = append(flexGrows, fg)
		}
		groups[fg] = append(groups[fg], pe)
	}
	sort.Ints(flexGrows)

	for gi, fg := range flexGrows {
		group := groups[fg]

		reserved := 0
		for _, laterFG := range flexGrows[gi+1:] {
			for _, pe := range groups[laterFG] {
				reserved += pe.node.Props.EffectiveReserve(sz.Remaining())
			}
		}

		pool := sz.Remaining() - reserved
		if pool < 0 {
			pool = 0
		}

		budgets, err := distribute(pool, group)
		if err != nil {
			return err
		}

		if err := renderGroup(ctx, parent, group, budgets, sz, arena, tok, endpoint, declCounter); err != nil {
			return err
		}
	}

	return nil
}

// distribute computes §4.2b/c: proportional shares by FlexBasis, with
// TokenLimit-capped children removed from the pool/denominator and
// given exactly their limit, iterated to a fixed point.
func distribute(pool int, group []pendingElement) (map[*Node]int, error) {
	budgets := make(map[*Node]int, len(group))
	capped := make(map[*Node]bool, len(group))

	basisSum := 0.0
	for _, pe := range group {
		basisSum += pe.node.Props.EffectiveFlexBasis()
	}

	remainingPool := float64(pool)
	for {
		changed := false
		for _, pe := range group {
			if capped[pe.node] || pe.node.Props.TokenLimit == nil {
				continue
			}
			share := int(math.Floor(remainingPool * pe.node.Props.EffectiveFlexBasis() / basisSum))
			if share > *pe.node.Props.TokenLimit {
				capped[pe.node] = true
				budgets[pe.node] = *pe.node.Props.TokenLimit
				remainingPool -= float64(*pe.node.Props.TokenLimit)
				basisSum -= pe.node.Props.EffectiveFlexBasis()
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	for _, pe := range group {
		if capped[pe.node] {
			continue
		}
		if basisSum <= 0 {
			budgets[pe.node] = 0
			continue
		}
		budgets[pe.node] = int(math.Floor(remainingPool * pe.node.Props.EffectiveFlexBasis() / basisSum))
	}

	return budgets, nil
}

// renderGroup runs Prepare then Render for every child in the group in
// parallel (joined with errgroup), then recurses into each child's
// returned pieces with a fresh sizing.Context.
func renderGroup(ctx context.Context, parent *Node, group []pendingElement, budgets map[*Node]int, parentSz *sizing.Context, arena *Arena, tok tokenizer.Tokenizer, endpoint sizing.Endpoint, declCounter *int) error {
	type outcome struct {
		pieces []element.Piece
		sz     *sizing.Context
	}
	outcomes := make([]outcome, len(group))

	g, gctx := errgroup.WithContext(ctx)
	for i, pe := range group {
		i, pe := i, pe
		childSz := sizing.New(budgets[pe.node], endpoint, tokenizer.AsTextCounter(tok), pe.node.CtorName)
		pe.node.Budget = budgets[pe.node]
		outcomes[i].sz = childSz

		g.Go(func() error {
			pieces, err := prepareAndRender(gctx, pe.elem, childSz)
			if err != nil {
				return err
			}
			outcomes[i].pieces = pieces
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, pe := range group {
		if err := processPieces(ctx, pe.node, outcomes[i].pieces, outcomes[i].sz, arena, tok, endpoint, declCounter); err != nil {
			return err
		}
		pe.node.Consumed = outcomes[i].sz.Consumed()
		parentSz.AddConsumed(pe.node.Consumed)
		logger.PhaseDone(ctx, "schedule", pe.node.CtorName, len(pe.node.Children))
	}

	return nil
}

type unknownIntrinsicError struct{ name string }

func (e unknownIntrinsicError) Error() string { return "unknown intrinsic: " + e.name }

type intrinsicChildrenError struct{ name string }

func (e intrinsicChildrenError) Error() string {
	return "intrinsic " + e.name + " does not accept children"
}

type duplicateTokenLimitError struct{ id string }

func (e duplicateTokenLimitError) Error() string { return "duplicate TokenLimit id: " + e.id }

type unknownPieceError struct{}

func (unknownPieceError) Error() string { return "unrecognized piece type" }

func scopeKeyForNode(n *Node) string { return n.CtorName }

func hashKey(s string) string { return s }
