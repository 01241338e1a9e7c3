package element

import (
	"context"

	"github.com/promptkit/treeprompt/runtime/sizing"
	"github.com/promptkit/treeprompt/runtime/types"
)

// MessageProps is the embed an author uses to declare a chat message.
// The materializer recognizes any Element whose BaseProps().Message is
// non-nil and lowers its subtree to a materialize.ChatMessage instead
// of a plain Container.
type MessageProps struct {
	Role       types.Role
	Name       string
	ToolCalls  []types.MessageToolCall
	ToolCallID string
}

// ChildrenAware is implemented by elements whose children are supplied
// by the builder (as opposed to computed inside Render from other
// props). The scheduler calls SetChildren once, right after Build,
// before Prepare/Render run.
type ChildrenAware interface {
	Element
	SetChildren(children []Piece)
}

// container is the backing type for every builtin wrapper constructor
// (messages, Chunk, KeepWith, Fragment-with-props). It has no Prepare
// step; Render simply returns the children it was built with.
type container struct {
	props    Props
	children []Piece
}

func (c *container) BaseProps() Props { return c.props }
func (c *container) SetChildren(children []Piece) { c.children = children }
func (c *container) Render(_ context.Context, _ any, _ *sizing.Context) ([]Piece, error) {
	return c.children, nil
}

var containerCtor = NewCtor("container", func(props any) (Element, error) {
	p, _ := props.(Props)
	return &container{props: p}, nil
})

func containerNode(props Props, children []Piece) Piece {
	return ElementNode{Ctor: containerCtor, Props: props, Children: children}
}

// message builds a MessageProps-carrying container for the given role.
func message(role types.Role, name string, children []Piece) Piece {
	return containerNode(Props{Message: &MessageProps{Role: role, Name: name}}, children)
}

// SystemMessage declares a system-role chat message.
func SystemMessage(children ...Piece) Piece { return message(types.RoleSystem, "", children) }

// UserMessage declares a user-role chat message.
func UserMessage(children ...Piece) Piece { return message(types.RoleUser, "", children) }

// AssistantMessage declares an assistant-role chat message. Use
// AssistantMessageWithToolCalls when the turn invokes tools.
func AssistantMessage(children ...Piece) Piece { return message(types.RoleAssistant, "", children) }

// AssistantMessageWithToolCalls declares an assistant message that
// invokes one or more tools.
func AssistantMessageWithToolCalls(calls []types.MessageToolCall, children ...Piece) Piece {
	return containerNode(Props{Message: &MessageProps{Role: types.RoleAssistant, ToolCalls: calls}}, children)
}

// ToolMessage declares a tool-result message answering toolCallID.
func ToolMessage(toolCallID string, children ...Piece) Piece {
	return containerNode(Props{Message: &MessageProps{Role: types.RoleTool, ToolCallID: toolCallID}}, children)
}

// FunctionMessage declares a legacy function-result message.
func FunctionMessage(name string, children ...Piece) Piece {
	return message(types.RoleFunction, name, children)
}

// Chunk wraps children in an atomic pruning unit: either every leaf in
// the subtree survives, or none does (§4.5's chunk atomicity rule).
func Chunk(props Props, children ...Piece) Piece {
	props.Chunk = true
	return containerNode(props, children)
}

// KeepWith wraps children in a named keep-with group: removing the
// group's last surviving member cascades removal to the rest.
func KeepWith(group string, props Props, children ...Piece) Piece {
	props.KeepWith = group
	return containerNode(props, children)
}

// Scope wraps children in a plain priority/flex scope with no special
// pruning semantics of its own, the generic building block other
// wrappers specialize.
func Scope(props Props, children ...Piece) Piece {
	return containerNode(props, children)
}

// PassThrough wraps children in a container whose priority is
// transparent to the pruner: the children compete directly against the
// container's own siblings, as if PassPriority were set.
func PassThrough(children ...Piece) Piece {
	return containerNode(Props{PassPriority: true}, children)
}

// Image declares a leaf that materializes to an ImagePart, resolved from
// the given ImageProps source. It takes no children.
func Image(props Props, image ImageProps) Piece {
	props.Image = &image
	return containerNode(props, nil)
}

// MetaProps is the payload for the `meta` intrinsic.
type MetaProps struct {
	// Key names the metadata record.
	Key string
	// Value is the record's content.
	Value any
	// Local ties the record's survival to the chunk it is declared in:
	// when the enclosing chunk is pruned, a Local record is dropped too.
	// A non-Local record is always reported, even if its surrounding
	// text was pruned away.
	Local bool
}

// Meta attaches a metadata record to the enclosing scope.
func Meta(props MetaProps) Piece { return Intrinsic{Name: IntrinsicMeta, Props: props} }

// Br forces a line break before the next sibling content.
func Br() Piece { return Intrinsic{Name: IntrinsicBr} }

// ReferenceProps is the payload for the `references` intrinsic.
type ReferenceProps struct {
	Name  string
	Value any
}

// Reference attaches a reference record to the enclosing scope.
func Reference(props ReferenceProps) Piece {
	return Intrinsic{Name: IntrinsicReferences, Props: props}
}

// UsedContextProps is the payload for the `usedContext` intrinsic.
type UsedContextProps struct {
	Key   string
	Value any
}

// UsedContext attaches a used-context record to the enclosing scope.
func UsedContext(props UsedContextProps) Piece {
	return Intrinsic{Name: IntrinsicUsedContext, Props: props}
}

// IgnoredFileProps is the payload for the `ignoredFiles` intrinsic.
type IgnoredFileProps struct {
	Path   string
	Reason string
}

// IgnoredFile records a file that was considered but excluded from the
// prompt, surfaced on Result.HasIgnoredFiles.
func IgnoredFile(props IgnoredFileProps) Piece {
	return Intrinsic{Name: IntrinsicIgnoredFiles, Props: props}
}

// ElementJSONProps is the payload for the `elementJSON` intrinsic.
type ElementJSONProps struct {
	// Document is a previously serialized materialize.Node tree, as
	// produced by SerializeElement.
	Document []byte
}

// ElementJSON splices a previously serialized subtree at this position,
// rebasing its priorities into the parent's priority slot.
func ElementJSON(document []byte) Piece {
	return Intrinsic{Name: IntrinsicElementJSON, Props: ElementJSONProps{Document: document}}
}

// CacheCheckpointProps is the payload for the `cacheCheckpoint` intrinsic.
type CacheCheckpointProps struct {
	CacheType string
}

// CacheCheckpoint marks a cache boundary within the enclosing message.
func CacheCheckpoint(cacheType string) Piece {
	return Intrinsic{Name: IntrinsicCacheCheckpoint, Props: CacheCheckpointProps{CacheType: cacheType}}
}

// OpaqueProps is the payload for the `opaque` intrinsic.
type OpaqueProps struct {
	// Value is passed through to the destination API untouched.
	Value any
	// TokenCost is the declared (non-computed) token cost billed for
	// Value, since opaque content is never tokenized.
	TokenCost int
}

// Opaque passes a value through to the destination API untouched, billed
// at a declared token cost.
func Opaque(props OpaqueProps) Piece {
	return Intrinsic{Name: IntrinsicOpaque, Props: props}
}

// InitialConsumptionSetter is implemented by growable elements that
// need the scheduler to report first-pass consumption back to them.
type InitialConsumptionSetter interface {
	SetInitialConsumption(n int)
}

// GrowableRenderFunc is invoked by the growable expander with a fresh
// sizing.Context sized to the leftover budget; it returns the subtree
// that should replace the element's first-pass output.
type GrowableRenderFunc func(ctx context.Context, sz *sizing.Context) ([]Piece, error)

// growableFunc adapts a GrowableRenderFunc to Element/Growable so an
// author can declare a growable without a bespoke type.
type growableFunc struct {
	props              Props
	renderFn           GrowableRenderFunc
	initialConsumption int
}

func (g *growableFunc) BaseProps() Props { return g.props }
func (g *growableFunc) Render(ctx context.Context, _ any, sz *sizing.Context) ([]Piece, error) {
	return g.renderFn(ctx, sz)
}
func (g *growableFunc) InitialConsumption() int     { return g.initialConsumption }
func (g *growableFunc) SetInitialConsumption(n int) { g.initialConsumption = n }

var growableFuncCtor = NewCtor("growableFunc", func(props any) (Element, error) {
	args, ok := props.(growableFuncArgs)
	if !ok {
		return nil, errInvalidGrowableProps
	}
	return &growableFunc{props: args.Props, renderFn: args.Render}, nil
})

type growableFuncArgs struct {
	Props  Props
	Render GrowableRenderFunc
}

// Growable declares an element whose Render is re-invoked with the
// leftover budget after the first full rendering pass (§4.3).
func Growable(props Props, render GrowableRenderFunc) Piece {
	return ElementNode{Ctor: growableFuncCtor, Props: growableFuncArgs{Props: props, Render: render}}
}

// errInvalidGrowableProps is returned by growableFuncCtor's Build when
// it's invoked with a props value it didn't construct, which can only
// happen if a caller reuses the Ctor directly instead of Growable.
var errInvalidGrowableProps = growablePropsError{}

type growablePropsError struct{}

func (growablePropsError) Error() string { return "element: Growable requires growableFuncArgs props" }
