package sizing

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wordCounter struct{}

func (wordCounter) TokenLength(_ context.Context, text string) (int, error) {
	return len(strings.Fields(text)), nil
}

func TestContext_BudgetAndConsumed(t *testing.T) {
	ctx := New(100, Endpoint{ModelMaxPromptTokens: 100}, wordCounter{}, "root")

	assert.Equal(t, 100, ctx.Budget())
	assert.Equal(t, 0, ctx.Consumed())
	assert.Equal(t, 100, ctx.Remaining())

	ctx.AddConsumed(30)
	assert.Equal(t, 30, ctx.Consumed())
	assert.Equal(t, 70, ctx.Remaining())
}

func TestContext_RemainingNeverNegative(t *testing.T) {
	ctx := New(10, Endpoint{}, wordCounter{}, "root")
	ctx.AddConsumed(25)
	assert.Equal(t, 0, ctx.Remaining())
	assert.Equal(t, 25, ctx.Consumed())
}

func TestContext_Child(t *testing.T) {
	parent := New(100, Endpoint{ModelMaxPromptTokens: 100}, wordCounter{}, "root")
	child := parent.Child(40, "child")

	assert.Equal(t, 40, child.Budget())
	assert.Equal(t, "child", child.ScopeID)
	assert.Equal(t, parent.Endpoint(), child.Endpoint())

	// Parent's own consumption is independent of the child's.
	child.AddConsumed(5)
	assert.Equal(t, 0, parent.Consumed())
}

func TestContext_CountTokens(t *testing.T) {
	ctx := New(100, Endpoint{}, wordCounter{}, "root")
	n, err := ctx.CountTokens(context.Background(), "three little words")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// CountTokens is read-only: it must not charge the scope's budget.
	assert.Equal(t, 0, ctx.Consumed())
}

func TestContext_CountTokensNilCounter(t *testing.T) {
	ctx := New(100, Endpoint{}, nil, "root")
	n, err := ctx.CountTokens(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
