package treeprompt_test

import (
	"context"
	"strings"
	"testing"

	"github.com/promptkit/treeprompt"
	"github.com/promptkit/treeprompt/runtime/element"
	"github.com/promptkit/treeprompt/runtime/sizing"
	"github.com/promptkit/treeprompt/runtime/tokenizer"
	"github.com/promptkit/treeprompt/runtime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordTokenizer charges one token per whitespace-separated word, with zero
// framing overhead, so budget arithmetic in these tests is exact.
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

type rootElem struct{ children []element.Piece }

func (r *rootElem) BaseProps() element.Props { return element.Props{} }
func (r *rootElem) Render(_ context.Context, _ any, _ *sizing.Context) ([]element.Piece, error) {
	return r.children, nil
}

func rootOf(children ...element.Piece) element.Ctor {
	return element.NewCtor("root", func(props any) (element.Element, error) {
		return &rootElem{children: children}, nil
	})
}

func TestRender_EndToEnd(t *testing.T) {
	root := rootOf(
		element.SystemMessage(element.Literal("you are a helper")),
		element.UserMessage(
			element.Chunk(element.Props{Priority: 1}, element.Literal(words(5))),
			element.Br(),
			element.Literal(words(3)),
		),
	)

	result, err := treeprompt.Render(context.Background(), root, nil, treeprompt.Options{
		Endpoint:  sizing.Endpoint{ModelMaxPromptTokens: 100},
		Tokenizer: wordTokenizer{},
	})
	require.NoError(t, err)
	require.Len(t, result.Messages, 2)
	assert.Equal(t, types.RoleSystem, result.Messages[0].Role)
	assert.Equal(t, types.RoleUser, result.Messages[1].Role)
	assert.LessOrEqual(t, result.TokenCount, 100)
}

func TestRender_PrunesToFitBudget(t *testing.T) {
	root := rootOf(
		element.UserMessage(
			element.ElementNode{Ctor: newPriorityCtor(1, words(5))},
			element.ElementNode{Ctor: newPriorityCtor(2, words(5))},
			element.ElementNode{Ctor: newPriorityCtor(3, words(5))},
		),
	)

	result, err := treeprompt.Render(context.Background(), root, nil, treeprompt.Options{
		Endpoint:  sizing.Endpoint{ModelMaxPromptTokens: 6},
		Tokenizer: wordTokenizer{},
	})
	require.NoError(t, err)
	require.LessOrEqual(t, result.TokenCount, 6)
}

// priorityLeaf renders a fixed chunk of text at a fixed Props.Priority.
type priorityLeaf struct {
	props element.Props
	text  string
}

func (p *priorityLeaf) BaseProps() element.Props { return p.props }
func (p *priorityLeaf) Render(_ context.Context, _ any, _ *sizing.Context) ([]element.Piece, error) {
	return []element.Piece{element.Literal(p.text)}, nil
}

func newPriorityCtor(priority int, text string) element.Ctor {
	return element.NewCtor("priority-leaf", func(props any) (element.Element, error) {
		p, _ := props.(element.Props)
		return &priorityLeaf{props: p, text: text}, nil
	})
}

func TestRender_NilRootIsError(t *testing.T) {
	var zero element.Ctor
	_, err := treeprompt.Render(context.Background(), zero, nil, treeprompt.Options{
		Endpoint:  sizing.Endpoint{ModelMaxPromptTokens: 10},
		Tokenizer: wordTokenizer{},
	})
	require.Error(t, err)
}

func TestRender_Idempotent(t *testing.T) {
	build := func() element.Ctor {
		return rootOf(element.UserMessage(element.Literal(words(10))))
	}

	opts := treeprompt.Options{Endpoint: sizing.Endpoint{ModelMaxPromptTokens: 50}, Tokenizer: wordTokenizer{}}
	first, err := treeprompt.Render(context.Background(), build(), nil, opts)
	require.NoError(t, err)
	second, err := treeprompt.Render(context.Background(), build(), nil, opts)
	require.NoError(t, err)

	assert.Equal(t, first.Messages, second.Messages)
	assert.Equal(t, first.TokenCount, second.TokenCount)
}

func TestSerializeElement_SpliceRoundTrip(t *testing.T) {
	root := rootOf(element.UserMessage(element.Literal("hello there")))
	opts := treeprompt.Options{Endpoint: sizing.Endpoint{ModelMaxPromptTokens: 50}, Tokenizer: wordTokenizer{}}

	doc, err := treeprompt.SerializeElement(context.Background(), root, nil, opts)
	require.NoError(t, err)
	require.NotEmpty(t, doc)

	spliceRoot := rootOf(
		element.UserMessage(
			element.ElementJSON(doc),
		),
	)
	result, err := treeprompt.Render(context.Background(), spliceRoot, nil, opts)
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
}

func TestRender_GrowableFillsLeftoverBudget(t *testing.T) {
	root := rootOf(
		element.UserMessage(
			element.ElementNode{
				Ctor:  newLiteralCtor(words(10)),
				Props: element.Props{},
			},
			element.Growable(element.Props{FlexGrow: 1}, func(_ context.Context, sz *sizing.Context) ([]element.Piece, error) {
				return []element.Piece{element.Literal(words(sz.Budget()))}, nil
			}),
		),
	)

	result, err := treeprompt.Render(context.Background(), root, nil, treeprompt.Options{
		Endpoint:  sizing.Endpoint{ModelMaxPromptTokens: 50},
		Tokenizer: wordTokenizer{},
	})
	require.NoError(t, err)
	assert.Equal(t, 50, result.TokenCount)
}

func newLiteralCtor(text string) element.Ctor {
	return element.NewCtor("literal", func(props any) (element.Element, error) {
		p, _ := props.(element.Props)
		return &priorityLeaf{props: p, text: text}, nil
	})
}
