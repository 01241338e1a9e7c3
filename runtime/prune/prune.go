// Package prune implements the prioritized pruner (§4.5): repeatedly
// removing the lowest-priority leaf from each token-limited scope until
// every scope's content fits, honoring chunk atomicity, keep-with
// cascades, and the cache-checkpoint pinning invariant.
package prune

import (
	"context"
	"fmt"
	"sort"

	pkgerrors "github.com/promptkit/treeprompt/pkg/errors"
	"github.com/promptkit/treeprompt/runtime/logger"
	"github.com/promptkit/treeprompt/runtime/materialize"
	"github.com/promptkit/treeprompt/runtime/metrics"
	"github.com/promptkit/treeprompt/runtime/schedule"
	"github.com/promptkit/treeprompt/runtime/tokenizer"
)

// Pruner removes content from a materialized tree until it fits its
// declared token budgets. A Pruner is single-use: it accumulates
// per-render bookkeeping (parent links, keep-with group membership) in
// Prune and should not be reused across renders.
type Pruner struct {
	tok          tokenizer.Tokenizer
	legacyGlobal bool
	metrics      *metrics.Recorder

	ctx      context.Context
	parentOf map[materialize.Node]materialize.Node
	groups   map[string][]materialize.Node
	alive    map[materialize.Node]bool
	removed  int
}

// New builds a Pruner. legacyGlobal selects Options.LegacyGlobalPriority
// (§4.5): a flat global prioritization that ignores sibling/TokenLimit
// scoping and the cache-checkpoint pinning invariant, kept only for
// backwards compatibility (Open Question resolution, see DESIGN.md).
// rec may be nil; every Recorder method is then a no-op.
func New(tok tokenizer.Tokenizer, legacyGlobal bool, rec *metrics.Recorder) *Pruner {
	return &Pruner{tok: tok, legacyGlobal: legacyGlobal, metrics: rec}
}

var errNoRemovableNode = fmt.Errorf("prune: no lowest priority node")

// Prune mutates result's tree in place so every scope fits its limit:
// the root scope against endpointBudget, plus one sub-scope per
// TokenLimit marker recorded in arena, processed leaf-first (innermost
// first) so an outer scope's accounting reflects its already-settled
// inner scopes.
func (p *Pruner) Prune(ctx context.Context, result *materialize.Result, arena *schedule.Arena, endpointBudget int) error {
	p.ctx = ctx
	p.parentOf = map[materialize.Node]materialize.Node{}
	p.groups = map[string][]materialize.Node{}
	p.alive = map[materialize.Node]bool{}
	buildParentOf(result.Root, p.parentOf)
	collectGroups(result.Root, p.groups, p.alive)

	var err error
	if p.legacyGlobal {
		err = p.fitScope(ctx, result.Root, endpointBudget, true)
	} else {
		for _, sc := range p.scopeList(arena, result.Root, endpointBudget) {
			if err = p.fitScope(ctx, sc.node, sc.limit, false); err != nil {
				break
			}
		}
	}

	p.metrics.RecordNodesPruned("root", p.removed)
	if err != nil {
		p.metrics.RecordBudgetUnfittable()
	}
	return err
}

type scope struct {
	node  materialize.Node
	limit int
	depth int
}

// scopeList returns the root scope plus one scope per TokenLimit marker,
// sorted deepest-first.
func (p *Pruner) scopeList(arena *schedule.Arena, root materialize.Node, endpointBudget int) []scope {
	var scopes []scope
	for _, n := range arena.TokenLimitScopes() {
		matNode := materialize.FindByID(root, n.ID)
		if matNode == nil {
			continue
		}
		scopes = append(scopes, scope{node: matNode, limit: *n.Props.TokenLimit, depth: tokenLimitDepth(n)})
	}
	sort.SliceStable(scopes, func(i, j int) bool { return scopes[i].depth > scopes[j].depth })
	scopes = append(scopes, scope{node: root, limit: endpointBudget, depth: -1})
	return scopes
}

func tokenLimitDepth(n *schedule.Node) int {
	d := 0
	for a := n.Parent; a != nil; a = a.Parent {
		if a.Props.TokenLimit != nil {
			d++
		}
	}
	return d
}

// fitScope repeatedly removes the lowest-priority content from scopeRoot
// until both its upper-bound and precise token counts fit limit.
func (p *Pruner) fitScope(ctx context.Context, scopeRoot materialize.Node, limit int, legacy bool) error {
	for {
		upper, precise, err := p.countSubtree(ctx, scopeRoot)
		if err != nil {
			return err
		}
		if upper <= limit && precise <= limit {
			return nil
		}

		if err := p.removeLowestPriorityChild(scopeRoot, -1, legacy); err != nil {
			logger.BudgetExceeded(ctx, fmt.Sprintf("node-%d", scopeRoot.Meta().ID), precise, limit)
			return pkgerrors.New("prune", "Prune", errNoRemovableNode).
				WithDetails(map[string]any{"limit": limit, "required": precise})
		}
	}
}

// removeLowestPriorityChild implements §4.5's per-container removal step.
// pinnedUpTo is the DeclIndex of the last cache checkpoint in the
// enclosing message (-1 if none or if legacy mode disables pinning); it
// is recomputed whenever n is itself a ChatMessage.
func (p *Pruner) removeLowestPriorityChild(n materialize.Node, pinnedUpTo int, legacy bool) error {
	if !legacy {
		if msg, ok := n.(*materialize.ChatMessage); ok {
			pinnedUpTo = lastCheckpointDeclIndex(msg)
		}
	}

	candidates := p.flattenCandidates(n, pinnedUpTo)
	if len(candidates) == 0 {
		return errNoRemovableNode
	}
	winner := selectLowest(candidates)

	if materialize.IsLeaf(winner) || winner.Meta().Chunk {
		p.detachAndCascade(winner)
		return nil
	}

	if err := p.removeLowestPriorityChild(winner, pinnedUpTo, legacy); err != nil {
		return err
	}
	if len(materialize.Children(winner)) == 0 {
		p.detachAndCascade(winner)
	}
	return nil
}

// flattenCandidates returns n's direct children eligible for removal,
// flattening through PassPriority containers (§4.5: their children
// compete directly against the container's own siblings) and excluding
// anything wholly pinned by a cache checkpoint.
func (p *Pruner) flattenCandidates(n materialize.Node, pinnedUpTo int) []materialize.Node {
	var out []materialize.Node
	for _, c := range materialize.Children(n) {
		if pinnedUpTo >= 0 && subtreeMaxDeclIndex(c) <= pinnedUpTo {
			continue
		}
		if c.Meta().PassPriority {
			out = append(out, p.flattenCandidates(c, pinnedUpTo)...)
			continue
		}
		out = append(out, c)
	}
	return out
}

// selectLowest picks the removal winner: smallest own Priority; ties
// broken by the lowest priority anywhere in the candidate's subtree
// (deepest minimum); remaining ties broken by later declaration index.
func selectLowest(candidates []materialize.Node) materialize.Node {
	best := candidates[0]
	bestMin := subtreeMinPriority(best)
	for _, c := range candidates[1:] {
		switch {
		case c.Meta().Priority < best.Meta().Priority:
			best, bestMin = c, subtreeMinPriority(c)
		case c.Meta().Priority == best.Meta().Priority:
			cMin := subtreeMinPriority(c)
			if cMin < bestMin || (cMin == bestMin && c.Meta().DeclIndex > best.Meta().DeclIndex) {
				best, bestMin = c, cMin
			}
		}
	}
	return best
}

func subtreeMinPriority(n materialize.Node) float64 {
	min := n.Meta().Priority
	for _, c := range materialize.Children(n) {
		if v := subtreeMinPriority(c); v < min {
			min = v
		}
	}
	return min
}

func subtreeMaxDeclIndex(n materialize.Node) int {
	max := n.Meta().DeclIndex
	for _, c := range materialize.Children(n) {
		if v := subtreeMaxDeclIndex(c); v > max {
			max = v
		}
	}
	return max
}

func lastCheckpointDeclIndex(n materialize.Node) int {
	last := -1
	if cp, ok := n.(*materialize.CacheCheckpoint); ok {
		return cp.DeclIndex
	}
	for _, c := range materialize.Children(n) {
		if v := lastCheckpointDeclIndex(c); v > last {
			last = v
		}
	}
	return last
}

// detachAndCascade removes n from its parent and processes any
// keep-with fallout triggered by its removal.
func (p *Pruner) detachAndCascade(n materialize.Node) {
	detach(n, p.parentOf)
	p.removed++
	logger.ElementPruned(p.ctx, "root", fmt.Sprintf("node-%d", n.Meta().ID), n.Meta().Priority, "lowest-priority")
	p.nodeRemoved(n)
}

// nodeRemoved marks n (and every node in its now-detached subtree) dead
// for keep-with purposes, cascading removal to a group whose last
// surviving member this takes out (§4.5's keep-with cascade).
func (p *Pruner) nodeRemoved(n materialize.Node) {
	for _, c := range materialize.Children(n) {
		p.nodeRemoved(c)
	}
	g := n.Meta().KeepWith
	if g == "" || !p.alive[n] {
		return
	}
	p.alive[n] = false
	p.checkCascade(g)
}

func (p *Pruner) checkCascade(group string) {
	var survivor materialize.Node
	count := 0
	for _, m := range p.groups[group] {
		if p.alive[m] {
			count++
			survivor = m
		}
	}
	if count != 1 {
		return
	}
	detach(survivor, p.parentOf)
	p.removed++
	logger.ElementPruned(p.ctx, "root", fmt.Sprintf("node-%d", survivor.Meta().ID), survivor.Meta().Priority, "keep-with-cascade")
	p.nodeRemoved(survivor)
}

func buildParentOf(n materialize.Node, parentOf map[materialize.Node]materialize.Node) {
	for _, c := range materialize.Children(n) {
		parentOf[c] = n
		buildParentOf(c, parentOf)
	}
}

func collectGroups(n materialize.Node, groups map[string][]materialize.Node, alive map[materialize.Node]bool) {
	if g := n.Meta().KeepWith; g != "" {
		groups[g] = append(groups[g], n)
		alive[n] = true
	}
	for _, c := range materialize.Children(n) {
		collectGroups(c, groups, alive)
	}
}

func detach(n materialize.Node, parentOf map[materialize.Node]materialize.Node) {
	owner, ok := parentOf[n]
	if !ok {
		return
	}
	children := materialize.Children(owner)
	filtered := make([]materialize.Node, 0, len(children))
	for _, c := range children {
		if c != n {
			filtered = append(filtered, c)
		}
	}
	materialize.SetChildren(owner, filtered)
	if msg, ok := owner.(*materialize.ChatMessage); ok {
		msg.InvalidateCache()
	}
}
