package prune_test

import (
	"context"
	"strings"
	"testing"

	"github.com/promptkit/treeprompt/runtime/materialize"
	"github.com/promptkit/treeprompt/runtime/prune"
	"github.com/promptkit/treeprompt/runtime/schedule"
	"github.com/promptkit/treeprompt/runtime/tokenizer"
	"github.com/promptkit/treeprompt/runtime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordTokenizer charges one token per whitespace-separated word, with zero
// framing overhead, so the budget arithmetic below is exact.
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

func chunk(id int, priority float64, tokens int) *materialize.TextChunk {
	return &materialize.TextChunk{NodeMeta: materialize.NodeMeta{ID: id, Priority: priority, DeclIndex: id}, Text: words(tokens)}
}

func rootWithMessage(children ...materialize.Node) *materialize.Result {
	msg := &materialize.ChatMessage{NodeMeta: materialize.NodeMeta{ID: 1}, Role: types.RoleUser, Children: children}
	root := &materialize.Container{NodeMeta: materialize.NodeMeta{ID: 0}, Children: []materialize.Node{msg}}
	return &materialize.Result{Root: root}
}

func messageOf(result *materialize.Result) *materialize.ChatMessage {
	return materialize.Messages(result.Root)[0]
}

func TestPrune_BasicPriorityOrder(t *testing.T) {
	// Three chunks at priorities 1, 2, 3 with costs 3, 2, 1 tokens.
	result := rootWithMessage(
		chunk(10, 1, 3),
		chunk(11, 2, 2),
		chunk(12, 3, 1),
	)

	p := prune.New(wordTokenizer{}, false, nil)
	err := p.Prune(context.Background(), result, &schedule.Arena{}, 2)
	require.NoError(t, err)

	msg := messageOf(result)
	require.Len(t, msg.Children, 1)
	survivor := msg.Children[0].(*materialize.TextChunk)
	assert.Equal(t, 12, survivor.Meta().ID)
}

func TestPrune_ChunkAtomicity(t *testing.T) {
	// A Chunk container (priority 1) wrapping two text fragments competes,
	// as a whole, against a higher-priority sibling c: removing it must take
	// both a and b together, never b alone while leaving a, or vice versa.
	a := chunk(20, 1, 2)
	b := chunk(21, 1, 1)
	container := &materialize.Container{
		NodeMeta: materialize.NodeMeta{ID: 22, Priority: 1, Chunk: true},
		Children: []materialize.Node{a, b},
	}
	c := chunk(23, 3, 1)

	result := rootWithMessage(container, c)

	p := prune.New(wordTokenizer{}, false, nil)
	err := p.Prune(context.Background(), result, &schedule.Arena{}, 3)
	require.NoError(t, err)

	msg := messageOf(result)
	require.Len(t, msg.Children, 1)
	survivor := msg.Children[0].(*materialize.TextChunk)
	assert.Equal(t, 23, survivor.Meta().ID)
}

func TestPrune_CacheCheckpointPinning(t *testing.T) {
	a := chunk(30, 1, 2) // DeclIndex 30, pinned
	b := chunk(31, 2, 2) // DeclIndex 31, pinned
	cp := &materialize.CacheCheckpoint{NodeMeta: materialize.NodeMeta{ID: 32, Priority: 100, DeclIndex: 32}}
	c := &materialize.TextChunk{NodeMeta: materialize.NodeMeta{ID: 33, Priority: 3, DeclIndex: 33}, Text: words(3)}
	d := &materialize.TextChunk{NodeMeta: materialize.NodeMeta{ID: 34, Priority: 4, DeclIndex: 34}, Text: words(1)}

	result := rootWithMessage(a, b, cp, c, d)

	p := prune.New(wordTokenizer{}, false, nil)
	err := p.Prune(context.Background(), result, &schedule.Arena{}, 6)
	require.NoError(t, err)

	msg := messageOf(result)
	require.Len(t, msg.Children, 4)
	assert.Equal(t, 30, msg.Children[0].Meta().ID)
	assert.Equal(t, 31, msg.Children[1].Meta().ID)
	assert.Equal(t, 32, msg.Children[2].Meta().ID)
	assert.Equal(t, 34, msg.Children[3].Meta().ID)
}

func TestPrune_CacheCheckpointUnfittableIsFatal(t *testing.T) {
	a := chunk(30, 1, 2)
	b := chunk(31, 2, 2)
	cp := &materialize.CacheCheckpoint{NodeMeta: materialize.NodeMeta{ID: 32, Priority: 100, DeclIndex: 32}}
	c := &materialize.TextChunk{NodeMeta: materialize.NodeMeta{ID: 33, Priority: 3, DeclIndex: 33}, Text: words(3)}
	d := &materialize.TextChunk{NodeMeta: materialize.NodeMeta{ID: 34, Priority: 4, DeclIndex: 34}, Text: words(1)}

	result := rootWithMessage(a, b, cp, c, d)

	p := prune.New(wordTokenizer{}, false, nil)
	// Even after removing every unpinned node (c, d), the pinned prefix
	// A+B alone (4 tokens) still exceeds this limit: the pruner must give
	// up rather than touch pinned content.
	err := p.Prune(context.Background(), result, &schedule.Arena{}, 3)
	require.Error(t, err)
}

func TestPrune_KeepWithCascade(t *testing.T) {
	x := &materialize.TextChunk{NodeMeta: materialize.NodeMeta{ID: 40, Priority: 1, DeclIndex: 40, KeepWith: "g"}, Text: words(2)}
	y := &materialize.TextChunk{NodeMeta: materialize.NodeMeta{ID: 41, Priority: 5, DeclIndex: 41, KeepWith: "g"}, Text: words(1)}
	z := &materialize.TextChunk{NodeMeta: materialize.NodeMeta{ID: 42, Priority: 10, DeclIndex: 42}, Text: words(3)}

	result := rootWithMessage(x, y, z)

	p := prune.New(wordTokenizer{}, false, nil)
	err := p.Prune(context.Background(), result, &schedule.Arena{}, 5)
	require.NoError(t, err)

	msg := messageOf(result)
	// x is pruned directly (lowest priority); the cascade then removes y,
	// the group's last surviving member, even though y's own priority (5)
	// would otherwise have outlived this budget.
	require.Len(t, msg.Children, 1)
	assert.Equal(t, 42, msg.Children[0].Meta().ID)
}

func TestPrune_PassPriorityFlattening(t *testing.T) {
	inner := chunk(50, 1, 2)
	passthrough := &materialize.Container{
		NodeMeta: materialize.NodeMeta{ID: 51, Priority: 50, PassPriority: true},
		Children: []materialize.Node{inner},
	}
	outer := chunk(52, 5, 1)

	result := rootWithMessage(passthrough, outer)

	p := prune.New(wordTokenizer{}, false, nil)
	err := p.Prune(context.Background(), result, &schedule.Arena{}, 2)
	require.NoError(t, err)

	msg := messageOf(result)
	require.Len(t, msg.Children, 2)
	assert.Empty(t, materialize.Children(msg.Children[0]))
	assert.Equal(t, 52, msg.Children[1].Meta().ID)
}

func TestPrune_LegacyGlobalIgnoresCheckpointPinning(t *testing.T) {
	a := chunk(30, 1, 2)
	b := chunk(31, 2, 2)
	cp := &materialize.CacheCheckpoint{NodeMeta: materialize.NodeMeta{ID: 32, Priority: 100, DeclIndex: 32}}
	c := &materialize.TextChunk{NodeMeta: materialize.NodeMeta{ID: 33, Priority: 3, DeclIndex: 33}, Text: words(3)}
	d := &materialize.TextChunk{NodeMeta: materialize.NodeMeta{ID: 34, Priority: 4, DeclIndex: 34}, Text: words(1)}

	result := rootWithMessage(a, b, cp, c, d)

	// The same limit that is fatal in scoped mode (see
	// TestPrune_CacheCheckpointUnfittableIsFatal) succeeds under legacy
	// global prioritization, since it is free to remove the pinned prefix.
	p := prune.New(wordTokenizer{}, true, nil)
	err := p.Prune(context.Background(), result, &schedule.Arena{}, 3)
	require.NoError(t, err)

	msg := messageOf(result)
	require.Len(t, msg.Children, 2)
	assert.Equal(t, 32, msg.Children[0].Meta().ID)
	assert.Equal(t, 34, msg.Children[1].Meta().ID)
}

func TestPrune_NoOpWhenAlreadyWithinBudget(t *testing.T) {
	result := rootWithMessage(chunk(10, 1, 2))
	p := prune.New(wordTokenizer{}, false, nil)
	err := p.Prune(context.Background(), result, &schedule.Arena{}, 100)
	require.NoError(t, err)
	assert.Len(t, messageOf(result).Children, 1)
}
