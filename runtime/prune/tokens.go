package prune

import (
	"context"

	"github.com/promptkit/treeprompt/runtime/materialize"
	"github.com/promptkit/treeprompt/runtime/tokenizer"
)

// countSubtree sums the upper-bound and precise token counts of every
// chat message within n's subtree (including n itself, if n is a
// message). A scope's fit check operates on this sum, since the token
// budget that matters is what the destination model actually bills:
// per-message framing plus content, not raw container structure.
func (p *Pruner) countSubtree(ctx context.Context, n materialize.Node) (upper, precise int, err error) {
	for _, msg := range materialize.Messages(n) {
		mu, mp, err := p.messageCounts(ctx, msg)
		if err != nil {
			return 0, 0, err
		}
		upper += mu
		precise += mp
	}
	return upper, precise, nil
}

// messageCounts computes msg's upper-bound and precise token counts,
// using its memoised values when still valid (§9's memoisation note:
// invalidated by the pruner itself whenever a child is removed).
func (p *Pruner) messageCounts(ctx context.Context, msg *materialize.ChatMessage) (upper, precise int, err error) {
	if u, pr := msg.CachedCounts(); u != nil && pr != nil {
		return *u, *pr, nil
	}

	input, opaqueCost := messageInput(msg)

	u, err := tokenizer.UpperBound(ctx, p.tok, input)
	if err != nil {
		return 0, 0, err
	}
	pr, err := p.tok.CountMessageTokens(ctx, input)
	if err != nil {
		return 0, 0, err
	}
	u += opaqueCost
	pr += opaqueCost

	msg.SetCachedCounts(u, pr)
	return u, pr, nil
}

// messageInput flattens msg's surviving content into the tokenizer's
// MessageInput shape, summing opaque content's declared (non-computed)
// token cost separately since it is never tokenized.
func messageInput(msg *materialize.ChatMessage) (tokenizer.MessageInput, int) {
	input := tokenizer.MessageInput{
		Role:          string(msg.Role),
		Name:          msg.Name,
		ToolCallCount: len(msg.ToolCalls),
		HasToolCallID: msg.ToolCallID != "",
	}
	opaqueCost := 0
	for _, c := range msg.Children {
		collectFragments(c, &input.Parts, &opaqueCost)
	}
	return input, opaqueCost
}

func collectFragments(n materialize.Node, parts *[]tokenizer.Fragment, opaqueCost *int) {
	switch v := n.(type) {
	case *materialize.TextChunk:
		*parts = append(*parts, tokenizer.Fragment{Text: v.Text})
	case *materialize.ImagePart:
		*parts = append(*parts, tokenizer.Fragment{Image: &tokenizer.ImageFragment{Data: v.Data, Detail: v.Detail}})
	case *materialize.Opaque:
		*opaqueCost += v.TokenCost
	case *materialize.Container:
		for _, c := range v.Children {
			collectFragments(c, parts, opaqueCost)
		}
	}
}
