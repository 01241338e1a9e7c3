package schedule

import (
	"context"
	"strings"
	"testing"

	"github.com/promptkit/treeprompt/runtime/element"
	"github.com/promptkit/treeprompt/runtime/sizing"
	"github.com/promptkit/treeprompt/runtime/tokenizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordTokenizer charges one token per whitespace-separated word, with zero
// framing overhead, so budget arithmetic in tests is exact.
type wordTokenizer struct{}

func (wordTokenizer) TokenLength(_ context.Context, part tokenizer.Fragment) (int, error) {
	return len(strings.Fields(part.Text)), nil
}

func (wordTokenizer) CountMessageTokens(_ context.Context, msg tokenizer.MessageInput) (int, error) {
	total := 0
	for _, p := range msg.Parts {
		total += len(strings.Fields(p.Text))
	}
	return total, nil
}

func (wordTokenizer) Overhead() (int, int, int) { return 0, 0, 0 }

func words(n int) string {
	ws := make([]string, n)
	for i := range ws {
		ws[i] = "w"
	}
	return strings.Join(ws, " ")
}

// literalElement renders a fixed set of pieces and records the budget it
// was assigned, for assertions about the scheduler's budget distribution.
type literalElement struct {
	props      element.Props
	pieces     []element.Piece
	gotBudget  int
	renderFunc func(sz *sizing.Context) []element.Piece
}

func (e *literalElement) BaseProps() element.Props { return e.props }
func (e *literalElement) Render(_ context.Context, _ any, sz *sizing.Context) ([]element.Piece, error) {
	e.gotBudget = sz.Budget()
	if e.renderFunc != nil {
		return e.renderFunc(sz), nil
	}
	return e.pieces, nil
}

func newLiteralCtor(e *literalElement) element.Ctor {
	return element.NewCtor("literal", func(props any) (element.Element, error) {
		e.props, _ = props.(element.Props)
		return e, nil
	})
}

// rootElem is a bare container for test trees: an Element whose Render
// simply returns the children it was built with.
type rootElem struct {
	children []element.Piece
}

func (r *rootElem) BaseProps() element.Props { return element.Props{} }
func (r *rootElem) Render(_ context.Context, _ any, _ *sizing.Context) ([]element.Piece, error) {
	return r.children, nil
}

func rootOf(children ...element.Piece) element.Ctor {
	return element.NewCtor("root", func(props any) (element.Element, error) {
		return &rootElem{children: children}, nil
	})
}

func TestSchedule_FlexBudgetSplit(t *testing.T) {
	// Scenario 3: budget 100, one content child (flexGrow 0, consumes 10 of
	// whatever it's assigned) and one flexGrow=1 grower; the grower should
	// receive whatever's left after the content child's actual consumption.
	content := &literalElement{pieces: []element.Piece{element.Literal(words(10))}}
	grower := &literalElement{}

	rootCtor := rootOf(
		element.ElementNode{Ctor: newLiteralCtor(content), Props: element.Props{}},
		element.ElementNode{Ctor: newLiteralCtor(grower), Props: element.Props{FlexGrow: 1}},
	)

	arena, err := Schedule(context.Background(), rootCtor, nil, 100, sizing.Endpoint{ModelMaxPromptTokens: 100}, wordTokenizer{})
	require.NoError(t, err)
	require.NotNil(t, arena)

	assert.Equal(t, 100, content.gotBudget)
	assert.Equal(t, 90, grower.gotBudget)
}

func TestSchedule_FlexReserve(t *testing.T) {
	// Scenario 4: budget 100, content child vs. a flexGrow=1,
	// flexReserve=20 grower. Content's share is computed against 80; the
	// grower still ends up with whatever's left after actual consumption.
	content := &literalElement{pieces: []element.Piece{element.Literal(words(10))}}
	grower := &literalElement{}

	rootCtor := rootOf(
		element.ElementNode{Ctor: newLiteralCtor(content), Props: element.Props{}},
		element.ElementNode{Ctor: newLiteralCtor(grower), Props: element.Props{FlexGrow: 1, FlexReserve: element.FixedReserve(20)}},
	)

	arena, err := Schedule(context.Background(), rootCtor, nil, 100, sizing.Endpoint{ModelMaxPromptTokens: 100}, wordTokenizer{})
	require.NoError(t, err)
	require.NotNil(t, arena)

	assert.Equal(t, 80, content.gotBudget)
	assert.Equal(t, 90, grower.gotBudget)
}

func TestSchedule_TokenLimitCapping(t *testing.T) {
	// Two flexBasis=1 siblings sharing a pool of 100, one capped by a
	// tokenLimit of 10: the cap is removed from the denominator/pool before
	// the other sibling's share is computed (§4.2b).
	capped := &literalElement{}
	limit := 10
	uncapped := &literalElement{}

	rootCtor := rootOf(
		element.ElementNode{Ctor: newLiteralCtor(capped), Props: element.Props{TokenLimit: &limit, TokenLimitID: "capped-scope"}},
		element.ElementNode{Ctor: newLiteralCtor(uncapped), Props: element.Props{}},
	)

	arena, err := Schedule(context.Background(), rootCtor, nil, 100, sizing.Endpoint{ModelMaxPromptTokens: 100}, wordTokenizer{})
	require.NoError(t, err)

	assert.Equal(t, 10, capped.gotBudget)
	assert.Equal(t, 90, uncapped.gotBudget)
	assert.Len(t, arena.TokenLimitScopes(), 1)
}

func TestSchedule_DuplicateTokenLimitIDFatal(t *testing.T) {
	limit := 10
	rootCtor := rootOf(
		element.ElementNode{Ctor: newLiteralCtor(&literalElement{}), Props: element.Props{TokenLimit: &limit, TokenLimitID: "dup"}},
		element.ElementNode{Ctor: newLiteralCtor(&literalElement{}), Props: element.Props{TokenLimit: &limit, TokenLimitID: "dup"}},
	)

	_, err := Schedule(context.Background(), rootCtor, nil, 100, sizing.Endpoint{}, wordTokenizer{})
	require.Error(t, err)
}

func TestSchedule_UnknownIntrinsicFatal(t *testing.T) {
	rootCtor := rootOf(
		element.Intrinsic{Name: "not-a-real-intrinsic"},
	)

	_, err := Schedule(context.Background(), rootCtor, nil, 100, sizing.Endpoint{}, wordTokenizer{})
	require.Error(t, err)
}

func TestSchedule_InvalidCtorFatal(t *testing.T) {
	var zero element.Ctor
	_, err := Schedule(context.Background(), zero, nil, 100, sizing.Endpoint{}, wordTokenizer{})
	require.Error(t, err)
}

func TestSchedule_NestedElementInvalidCtorFatal(t *testing.T) {
	var zero element.Ctor
	rootCtor := rootOf(
		element.ElementNode{Ctor: zero},
	)
	_, err := Schedule(context.Background(), rootCtor, nil, 100, sizing.Endpoint{}, wordTokenizer{})
	require.Error(t, err)
}

func TestSchedule_FragmentFlattening(t *testing.T) {
	rootCtor := rootOf(
		element.Fragment{Children: []element.Piece{
			element.ElementNode{Ctor: newLiteralCtor(&literalElement{pieces: []element.Piece{element.Literal("a")}})},
			element.ElementNode{Ctor: newLiteralCtor(&literalElement{pieces: []element.Piece{element.Literal("b")}})},
		}},
	)
	arena, err := Schedule(context.Background(), rootCtor, nil, 100, sizing.Endpoint{}, wordTokenizer{})
	require.NoError(t, err)
	assert.Len(t, arena.Root.Children, 2)
}

func TestExpandGrowables_ReRendersWithLeftoverBudget(t *testing.T) {
	// Scenario 6: a growable reports budget 23 on the first pass, then is
	// re-invoked with budget 43 after a sibling's low usage leaves surplus,
	// filling exactly to the new budget.
	arena := newArena()
	root := arena.newNode(nil, KindRoot, 0)
	root.Consumed = 30 // 7 (sibling) + 23 (growable's first pass)

	g := &growableStub{consumedAtBudget: -1}
	growableNode := arena.newNode(root, KindElement, 1)
	growableNode.Consumed = 23
	growableNode.Growable = g
	arena.growableOrder = append(arena.growableOrder, growableNode)

	err := ExpandGrowables(context.Background(), arena, 50, sizing.Endpoint{ModelMaxPromptTokens: 50}, wordTokenizer{})
	require.NoError(t, err)

	assert.Equal(t, 43, g.gotBudget)
	assert.Equal(t, 43, growableNode.Consumed)
}

// growableStub fills its render exactly to whatever budget sizing reports.
type growableStub struct {
	gotBudget        int
	consumedAtBudget int
}

func (g *growableStub) BaseProps() element.Props { return element.Props{} }
func (g *growableStub) Render(_ context.Context, _ any, sz *sizing.Context) ([]element.Piece, error) {
	g.gotBudget = sz.Budget()
	return []element.Piece{element.Literal(words(sz.Budget()))}, nil
}
func (g *growableStub) InitialConsumption() int { return g.consumedAtBudget }

func TestExpandGrowables_StopsWhenBudgetExhausted(t *testing.T) {
	arena := newArena()
	root := arena.newNode(nil, KindRoot, 0)
	root.Consumed = 50 // already at budget

	g := &growableStub{}
	growableNode := arena.newNode(root, KindElement, 1)
	growableNode.Consumed = 20
	growableNode.Growable = g
	arena.growableOrder = append(arena.growableOrder, growableNode)

	err := ExpandGrowables(context.Background(), arena, 50, sizing.Endpoint{ModelMaxPromptTokens: 50}, wordTokenizer{})
	require.NoError(t, err)

	// The growable must never have been re-invoked: budget was already spent.
	assert.Equal(t, 0, g.gotBudget)
	assert.Equal(t, 20, growableNode.Consumed)
}
