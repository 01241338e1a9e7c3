package schedule

import (
	"context"

	pkgerrors "github.com/promptkit/treeprompt/pkg/errors"
	"github.com/promptkit/treeprompt/runtime/logger"
	"github.com/promptkit/treeprompt/runtime/sizing"
	"github.com/promptkit/treeprompt/runtime/tokenizer"
)

// ExpandGrowables runs the growable expander (§4.3): after the first
// full rendering pass, while overall consumption is below the overall
// budget, each growable element (in render order) is re-invoked with a
// sizing whose budget is the remaining surplus plus its own first-pass
// consumption. The returned subtree replaces the growable's first-pass
// children. Iteration stops at the first growable whose re-render
// leaves the budget exhausted; a growable that overshoots its new
// budget is left for the pruner to clean up (§4.3, Open Question
// resolution in DESIGN.md: over-use is pruned afterward, never
// reverted).
func ExpandGrowables(ctx context.Context, arena *Arena, endpointBudget int, endpoint sizing.Endpoint, tok tokenizer.Tokenizer) error {
	total := arena.Root.Consumed

	for _, node := range arena.growableOrder {
		if total >= endpointBudget {
			break
		}

		surplus := endpointBudget - total
		newBudget := surplus + node.Consumed

		childSz := sizing.New(newBudget, endpoint, tokenizer.AsTextCounter(tok), node.CtorName)
		pieces, err := node.Growable.Render(ctx, node.GrowableState, childSz)
		if err != nil {
			return pkgerrors.New("schedule", "ExpandGrowables", err).WithDetails(map[string]any{"element": node.CtorName})
		}

		oldConsumed := node.Consumed
		node.Children = nil
		node.Budget = newBudget

		declCounter := 0
		if err := processPieces(ctx, node, pieces, childSz, arena, tok, endpoint, &declCounter); err != nil {
			return err
		}
		node.Consumed = childSz.Consumed()

		total += node.Consumed - oldConsumed
		logger.InfoContext(ctx, "growable expanded",
			"element", node.CtorName, "old_consumed", oldConsumed, "new_consumed", node.Consumed, "new_budget", newBudget)
	}

	return nil
}
