package materialize

import (
	"context"
	"fmt"

	pkgerrors "github.com/promptkit/treeprompt/pkg/errors"
	"github.com/promptkit/treeprompt/runtime/element"
	"github.com/promptkit/treeprompt/runtime/logger"
	"github.com/promptkit/treeprompt/runtime/media"
	"github.com/promptkit/treeprompt/runtime/metrics"
	"github.com/promptkit/treeprompt/runtime/schedule"
)

// Result is the materializer's output. GlobalMeta and IgnoredFiles are
// non-local records (§4.4's `meta.Local == false` and every `ignoredFiles`
// declaration): they are reported unconditionally, regardless of which
// chunks survive pruning, since they describe the render as a whole
// rather than a specific surviving fragment.
type Result struct {
	Root            *Container
	GlobalMeta      []MetaEntry
	IgnoredFiles    []IgnoredFile
	HasIgnoredFiles bool

	// AllReferences records every `references` declaration seen during
	// materialization, before pruning removes any of them. The emitter
	// diffs this against what actually survived to report
	// OmittedReferences (§4.6).
	AllReferences []Reference
}

type materializer struct {
	ctx      context.Context
	resolver *media.Resolver
	metrics  *metrics.Recorder
	result   *Result
}

// Materialize lowers a scheduled arena into the materialized tree (§4.4),
// resolving image bytes through resolver as ImagePart leaves are reached.
// rec may be nil.
func Materialize(ctx context.Context, arena *schedule.Arena, resolver *media.Resolver, rec *metrics.Recorder) (*Result, error) {
	logger.PhaseStart(ctx, "materialize", "root")

	m := &materializer{ctx: ctx, resolver: resolver, metrics: rec, result: &Result{}}

	root := &Container{NodeMeta: NodeMeta{ID: arena.Root.ID, Priority: float64(element.MaxPriority)}}
	if err := m.fill(ctx, arena.Root, root, false); err != nil {
		return nil, err
	}

	m.result.Root = root
	m.result.HasIgnoredFiles = len(m.result.IgnoredFiles) > 0

	logger.PhaseDone(ctx, "materialize", "root", countNodes(root))
	return m.result, nil
}

func countNodes(n Node) int {
	total := 1
	for _, c := range Children(n) {
		total += countNodes(c)
	}
	return total
}

// fill populates self's children (and side-channel records) from n's
// scheduled children, recursing into nested elements.
func (m *materializer) fill(ctx context.Context, n *schedule.Node, self Node, insideMessage bool) error {
	children, err := m.buildChildren(ctx, n, self, insideMessage)
	if err != nil {
		return err
	}
	SetChildren(self, children)
	return nil
}

// buildChildren walks n's scheduled children in declaration order,
// charging each literal to self's priority (literals have no Props of
// their own), attaching intrinsic side-channel records to self, and
// recursing into nested elements. It also computes each text chunk's
// line-break-before policy (§4.4).
func (m *materializer) buildChildren(ctx context.Context, n *schedule.Node, self Node, insideMessage bool) ([]Node, error) {
	var out []Node
	forceBreak := false
	selfPriority := self.Meta().Priority

	for _, child := range n.Children {
		switch child.Kind {
		case schedule.KindLiteral:
			if !insideMessage {
				return nil, structuralErr("text content declared outside a chat message")
			}
			lb := LineBreakNone
			switch {
			case forceBreak:
				lb = LineBreakAlways
			case len(out) > 0:
				if _, lastIsText := out[len(out)-1].(*TextChunk); !lastIsText {
					lb = LineBreakIfNotTextSibling
				}
			}
			forceBreak = false
			out = append(out, &TextChunk{
				NodeMeta:        NodeMeta{ID: child.ID, Priority: selfPriority, DeclIndex: child.DeclIndex},
				Text:            child.Literal,
				LineBreakBefore: lb,
			})

		case schedule.KindIntrinsic:
			node, brk, err := m.handleIntrinsic(child, self, selfPriority, insideMessage)
			if err != nil {
				return nil, err
			}
			if brk {
				forceBreak = true
			}
			if node != nil {
				out = append(out, node)
			}

		case schedule.KindElement:
			node, err := m.materializeElement(ctx, child, insideMessage)
			if err != nil {
				return nil, err
			}
			out = append(out, node)

		default:
			return nil, structuralErr("unrecognized scheduled node kind")
		}
	}
	return out, nil
}

// handleIntrinsic dispatches a single intrinsic marker. It returns the
// materialized leaf to append (nil for markers that only have a
// side-effect), whether it forces a line break on the next chunk, and
// any error.
func (m *materializer) handleIntrinsic(child *schedule.Node, self Node, selfPriority float64, insideMessage bool) (Node, bool, error) {
	switch child.IntrinsicName {
	case element.IntrinsicMeta:
		props, _ := child.IntrinsicProps.(element.MetaProps)
		entry := MetaEntry{Key: props.Key, Value: props.Value, Local: props.Local}
		if props.Local {
			appendMeta(self, entry)
		} else {
			m.result.GlobalMeta = append(m.result.GlobalMeta, entry)
		}
		return nil, false, nil

	case element.IntrinsicBr:
		return nil, true, nil

	case element.IntrinsicReferences:
		props, _ := child.IntrinsicProps.(element.ReferenceProps)
		ref := Reference{Name: props.Name, Value: props.Value}
		appendReference(self, ref)
		m.result.AllReferences = append(m.result.AllReferences, ref)
		return nil, false, nil

	case element.IntrinsicUsedContext:
		props, _ := child.IntrinsicProps.(element.UsedContextProps)
		appendUsedContext(self, UsedContextEntry{Key: props.Key, Value: props.Value})
		return nil, false, nil

	case element.IntrinsicIgnoredFiles:
		props, _ := child.IntrinsicProps.(element.IgnoredFileProps)
		m.result.IgnoredFiles = append(m.result.IgnoredFiles, IgnoredFile{Path: props.Path, Reason: props.Reason})
		return nil, false, nil

	case element.IntrinsicCacheCheckpoint:
		if !insideMessage {
			return nil, false, structuralErr("cacheCheckpoint declared outside a chat message")
		}
		props, _ := child.IntrinsicProps.(element.CacheCheckpointProps)
		cp := &CacheCheckpoint{
			NodeMeta:  NodeMeta{ID: child.ID, Priority: selfPriority, DeclIndex: child.DeclIndex},
			CacheType: props.CacheType,
		}
		logger.CacheCheckpointSaved(m.ctx, "root", fmt.Sprintf("node-%d", cp.ID))
		m.metrics.RecordCacheCheckpointSaved()
		return cp, false, nil

	case element.IntrinsicOpaque:
		if !insideMessage {
			return nil, false, structuralErr("opaque content declared outside a chat message")
		}
		props, _ := child.IntrinsicProps.(element.OpaqueProps)
		return &Opaque{
			NodeMeta:  NodeMeta{ID: child.ID, Priority: selfPriority, DeclIndex: child.DeclIndex},
			Value:     props.Value,
			TokenCost: props.TokenCost,
		}, false, nil

	case element.IntrinsicElementJSON:
		props, _ := child.IntrinsicProps.(element.ElementJSONProps)
		spliced, err := Splice(props.Document, selfPriority)
		if err != nil {
			return nil, false, err
		}
		spliced.Meta().DeclIndex = child.DeclIndex
		return spliced, false, nil

	default:
		return nil, false, structuralErr(fmt.Sprintf("unknown intrinsic reached materializer: %s", child.IntrinsicName))
	}
}

// materializeElement lowers a KindElement node to a Container, a
// ChatMessage (when Props.Message is set), or an ImagePart (when
// Props.Image is set), per §4.4.
func (m *materializer) materializeElement(ctx context.Context, n *schedule.Node, insideMessage bool) (Node, error) {
	meta := NodeMeta{
		ID:           n.ID,
		Priority:     float64(n.Props.EffectivePriority()),
		DeclIndex:    n.DeclIndex,
		PassPriority: n.Props.PassPriority,
		Chunk:        n.Props.Chunk,
		KeepWith:     n.Props.KeepWith,
	}

	switch {
	case n.Props.Image != nil:
		if !insideMessage {
			return nil, structuralErr("image content declared outside a chat message")
		}
		return m.materializeImage(ctx, n, meta)

	case n.Props.Message != nil:
		if insideMessage {
			return nil, structuralErr("chat message nested inside another chat message")
		}
		msg := &ChatMessage{
			NodeMeta:   meta,
			Role:       n.Props.Message.Role,
			Name:       n.Props.Message.Name,
			ToolCalls:  n.Props.Message.ToolCalls,
			ToolCallID: n.Props.Message.ToolCallID,
		}
		if err := m.fill(ctx, n, msg, true); err != nil {
			return nil, err
		}
		return msg, nil

	default:
		c := &Container{NodeMeta: meta}
		if err := m.fill(ctx, n, c, insideMessage); err != nil {
			return nil, err
		}
		return c, nil
	}
}

func (m *materializer) materializeImage(ctx context.Context, n *schedule.Node, meta NodeMeta) (Node, error) {
	props := n.Props.Image
	if m.resolver == nil {
		return nil, pkgerrors.New("materialize", "materializeImage",
			fmt.Errorf("no media resolver configured for image element %q", n.CtorName))
	}
	data, err := m.resolver.Resolve(ctx, media.Reference(props.Reference), props.FilePath, props.URL)
	if err != nil {
		return nil, pkgerrors.New("materialize", "materializeImage", err).WithDetails(map[string]any{"element": n.CtorName})
	}
	return &ImagePart{NodeMeta: meta, Data: data, URL: props.URL, Detail: props.Detail}, nil
}

func appendMeta(n Node, e MetaEntry) {
	switch v := n.(type) {
	case *Container:
		v.sideChannel.Meta = append(v.sideChannel.Meta, e)
	case *ChatMessage:
		v.sideChannel.Meta = append(v.sideChannel.Meta, e)
	}
}

func appendReference(n Node, r Reference) {
	switch v := n.(type) {
	case *Container:
		v.References = append(v.References, r)
	case *ChatMessage:
		v.References = append(v.References, r)
	}
}

func appendUsedContext(n Node, e UsedContextEntry) {
	switch v := n.(type) {
	case *Container:
		v.UsedContext = append(v.UsedContext, e)
	case *ChatMessage:
		v.UsedContext = append(v.UsedContext, e)
	}
}

type structuralError struct{ msg string }

func (e structuralError) Error() string { return e.msg }

func structuralErr(msg string) error {
	return pkgerrors.New("materialize", "Materialize", structuralError{msg})
}
