package element

import (
	"context"
	"testing"

	"github.com/promptkit/treeprompt/runtime/sizing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProps_EffectivePriority(t *testing.T) {
	assert.Equal(t, MaxPriority, Props{}.EffectivePriority())
	assert.Equal(t, 5, Props{Priority: 5}.EffectivePriority())
}

func TestProps_EffectiveFlexBasis(t *testing.T) {
	assert.Equal(t, 1.0, Props{}.EffectiveFlexBasis())
	assert.Equal(t, 2.5, Props{FlexBasis: 2.5}.EffectiveFlexBasis())
}

func TestProps_EffectiveReserve(t *testing.T) {
	assert.Equal(t, 0, Props{}.EffectiveReserve(100))

	fixed := Props{FlexReserve: FixedReserve(20)}
	assert.Equal(t, 20, fixed.EffectiveReserve(100))

	fraction := Props{FlexReserve: FractionReserve(4)}
	assert.Equal(t, 25, fraction.EffectiveReserve(100))
}

func TestFractionReserve_NonPositiveN(t *testing.T) {
	r := FractionReserve(0)
	assert.Equal(t, 1.0, r.Fraction)
}

func TestCtor_IsZero(t *testing.T) {
	var zero Ctor
	assert.True(t, zero.IsZero())

	ctor := NewCtor("test", func(props any) (Element, error) { return nil, nil })
	assert.False(t, ctor.IsZero())
	assert.Equal(t, "test", ctor.Name())
}

type stubElement struct {
	props    Props
	pieces   []Piece
	renderFn func(ctx context.Context, state any, sz *sizing.Context) ([]Piece, error)
}

func (s *stubElement) BaseProps() Props { return s.props }
func (s *stubElement) Render(ctx context.Context, state any, sz *sizing.Context) ([]Piece, error) {
	if s.renderFn != nil {
		return s.renderFn(ctx, state, sz)
	}
	return s.pieces, nil
}

func TestCtor_Build(t *testing.T) {
	ctor := NewCtor("stub", func(props any) (Element, error) {
		p, _ := props.(Props)
		return &stubElement{props: p}, nil
	})

	elem, err := ctor.Build(Props{Priority: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, elem.BaseProps().Priority)
}

func TestBuiltins_MessageConstructors(t *testing.T) {
	sys := SystemMessage(Literal("hi"))
	node, ok := sys.(ElementNode)
	require.True(t, ok)
	props, ok := node.Props.(Props)
	require.True(t, ok)
	require.NotNil(t, props.Message)
	assert.Equal(t, "", props.Message.Name)

	user := UserMessage(Literal("hi"))
	node, ok = user.(ElementNode)
	require.True(t, ok)
	props, ok = node.Props.(Props)
	require.True(t, ok)

	tool := ToolMessage("call-1", Literal("result"))
	node, ok = tool.(ElementNode)
	require.True(t, ok)
	props, ok = node.Props.(Props)
	require.True(t, ok)
	assert.Equal(t, "call-1", props.Message.ToolCallID)
}

func TestBuiltins_Chunk(t *testing.T) {
	c := Chunk(Props{Priority: 1}, Literal("a"), Literal("b"))
	node, ok := c.(ElementNode)
	require.True(t, ok)
	props, ok := node.Props.(Props)
	require.True(t, ok)
	assert.True(t, props.Chunk)
	assert.Len(t, node.Children, 2)
}

func TestBuiltins_KeepWith(t *testing.T) {
	k := KeepWith("group-a", Props{}, Literal("a"))
	node, ok := k.(ElementNode)
	require.True(t, ok)
	props, ok := node.Props.(Props)
	require.True(t, ok)
	assert.Equal(t, "group-a", props.KeepWith)
}

func TestBuiltins_PassThrough(t *testing.T) {
	p := PassThrough(Literal("x"))
	node, ok := p.(ElementNode)
	require.True(t, ok)
	props, ok := node.Props.(Props)
	require.True(t, ok)
	assert.True(t, props.PassPriority)
}

func TestBuiltins_Image(t *testing.T) {
	img := Image(Props{Priority: 2}, ImageProps{URL: "https://example.com/x.png", Detail: "low"})
	node, ok := img.(ElementNode)
	require.True(t, ok)
	props, ok := node.Props.(Props)
	require.True(t, ok)
	require.NotNil(t, props.Image)
	assert.Equal(t, "https://example.com/x.png", props.Image.URL)
	assert.Nil(t, node.Children)
}

func TestIntrinsics(t *testing.T) {
	m := Meta(MetaProps{Key: "k", Value: 1, Local: true})
	intr, ok := m.(Intrinsic)
	require.True(t, ok)
	assert.Equal(t, IntrinsicMeta, intr.Name)

	br := Br()
	intr, ok = br.(Intrinsic)
	require.True(t, ok)
	assert.Equal(t, IntrinsicBr, intr.Name)

	ref := Reference(ReferenceProps{Name: "var", Value: "x"})
	intr, ok = ref.(Intrinsic)
	require.True(t, ok)
	assert.Equal(t, IntrinsicReferences, intr.Name)

	cp := CacheCheckpoint("ephemeral")
	intr, ok = cp.(Intrinsic)
	require.True(t, ok)
	assert.Equal(t, IntrinsicCacheCheckpoint, intr.Name)
	props, ok := intr.Props.(CacheCheckpointProps)
	require.True(t, ok)
	assert.Equal(t, "ephemeral", props.CacheType)
}

func TestGrowable(t *testing.T) {
	g := Growable(Props{FlexGrow: 1}, func(ctx context.Context, sz *sizing.Context) ([]Piece, error) {
		return []Piece{Literal("grown")}, nil
	})
	node, ok := g.(ElementNode)
	require.True(t, ok)

	elem, err := node.Ctor.Build(node.Props)
	require.NoError(t, err)

	growable, ok := elem.(Growable)
	require.True(t, ok)
	assert.Equal(t, 0, growable.InitialConsumption())

	setter, ok := elem.(InitialConsumptionSetter)
	require.True(t, ok)
	setter.SetInitialConsumption(42)
	assert.Equal(t, 42, growable.InitialConsumption())

	pieces, err := elem.Render(context.Background(), nil, sizing.New(10, sizing.Endpoint{}, nil, "g"))
	require.NoError(t, err)
	require.Len(t, pieces, 1)
	assert.Equal(t, Literal("grown"), pieces[0])
}

func TestGrowable_InvalidPropsFatal(t *testing.T) {
	_, err := growableFuncCtor.Build("not-growable-args")
	require.Error(t, err)
}

func TestContainer_ChildrenAware(t *testing.T) {
	elem, err := containerCtor.Build(Props{Priority: 1})
	require.NoError(t, err)

	aware, ok := elem.(ChildrenAware)
	require.True(t, ok)
	aware.SetChildren([]Piece{Literal("child")})

	pieces, err := elem.Render(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []Piece{Literal("child")}, pieces)
}
