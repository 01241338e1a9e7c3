// Package sizing holds the per-scope mutable budget record shared between
// siblings during one rendering pass: the token budget assigned to a
// node, the running consumption it reports back to its parent, and the
// endpoint descriptor every scope in a render shares.
package sizing

import (
	"context"
	"sync"
)

// Endpoint describes the model the render targets. It is immutable for
// the lifetime of a render and is threaded through every scope so a
// growable or a Prepare call can inspect the overall ceiling without
// walking back up to the root.
type Endpoint struct {
	// ModelMaxPromptTokens is the hard ceiling the emitter's TokenCount
	// must never exceed.
	ModelMaxPromptTokens int
}

// TokenCounter is the slice of the tokenizer port a sizing Context needs:
// just enough to charge literal text against a budget as it is seen.
// tokenizer.AsTextCounter adapts a runtime/tokenizer.Tokenizer to it.
type TokenCounter interface {
	TokenLength(ctx context.Context, text string) (int, error)
}

// Context is the mutable budget record for one scope: one node's
// assigned share of the tree's token budget, plus how much of it has
// been consumed so far by the scope's own literals and its children's
// reported consumption. A Context is owned by exactly one logical
// scope and is never shared for concurrent writes across siblings;
// each child gets its own child Context via New.
type Context struct {
	mu       sync.Mutex
	budget   int
	consumed int

	endpoint Endpoint
	counter  TokenCounter

	// ScopeID names this scope for logging/tracing ("root", or the
	// element's constructor name).
	ScopeID string
}

// New creates a root sizing Context with the given budget.
func New(budget int, endpoint Endpoint, counter TokenCounter, scopeID string) *Context {
	return &Context{budget: budget, endpoint: endpoint, counter: counter, ScopeID: scopeID}
}

// Child creates a fresh sizing Context for a child scope with its own
// assigned budget, sharing the endpoint and tokenizer of its parent.
func (c *Context) Child(budget int, scopeID string) *Context {
	return New(budget, c.endpoint, c.counter, scopeID)
}

// Budget returns the token budget assigned to this scope.
func (c *Context) Budget() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.budget
}

// Consumed returns the tokens this scope has charged so far, including
// whatever its children have reported back up.
func (c *Context) Consumed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumed
}

// Remaining returns the unconsumed portion of this scope's budget. It
// never goes negative; over-use is surfaced as 0 here and left for the
// pruner to resolve against precise token counts.
func (c *Context) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.budget - c.consumed
	if r < 0 {
		return 0
	}
	return r
}

// AddConsumed charges n additional tokens against this scope, e.g. a
// literal's immediate cost or a child subtree's total reported usage.
func (c *Context) AddConsumed(n int) {
	c.mu.Lock()
	c.consumed += n
	c.mu.Unlock()
}

// Endpoint returns the render's endpoint descriptor.
func (c *Context) Endpoint() Endpoint { return c.endpoint }

// CountTokens charges nothing; it is the read-only operation offered to
// Prepare so an element can size candidate text against the tokenizer
// before deciding what to render.
func (c *Context) CountTokens(ctx context.Context, text string) (int, error) {
	if c.counter == nil {
		return 0, nil
	}
	return c.counter.TokenLength(ctx, text)
}
