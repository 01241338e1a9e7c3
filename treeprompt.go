// Package treeprompt renders a declarative element tree into the chat
// messages a model endpoint expects, fitting the result to a token
// budget by scheduling, expanding growables, materializing, pruning by
// priority, and emitting (§2 of the render specification this engine
// implements).
package treeprompt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	pkgerrors "github.com/promptkit/treeprompt/pkg/errors"
	"github.com/promptkit/treeprompt/runtime/element"
	"github.com/promptkit/treeprompt/runtime/emit"
	"github.com/promptkit/treeprompt/runtime/logger"
	"github.com/promptkit/treeprompt/runtime/materialize"
	"github.com/promptkit/treeprompt/runtime/media"
	"github.com/promptkit/treeprompt/runtime/metrics"
	"github.com/promptkit/treeprompt/runtime/prune"
	"github.com/promptkit/treeprompt/runtime/schedule"
	"github.com/promptkit/treeprompt/runtime/sizing"
	"github.com/promptkit/treeprompt/runtime/telemetry"
	"github.com/promptkit/treeprompt/runtime/tokenizer"
	"github.com/promptkit/treeprompt/runtime/types"
)

// ProgressSink lets a caller observe phase transitions during a render,
// out-of-band from the tokenizer and independent of OTel/Prometheus wiring.
type ProgressSink interface {
	// OnPhase is called after a render phase completes, reporting how
	// many nodes its output tree holds (for the emit phase, how many
	// messages were emitted). Implementations must return
	// quickly; Render neither buffers nor retries a failed call.
	OnPhase(phase string, elements int)
}

// Options configures a single Render (or SerializeElement) call. Tracer,
// Metrics, ProgressSink, and MediaResolver may all be left zero: a nil
// Tracer falls back to the global OTel no-op provider, a nil Metrics
// makes every recorded metric a no-op, and a nil ProgressSink is simply
// never notified. MediaResolver must be set whenever the tree contains
// image elements.
type Options struct {
	Endpoint             sizing.Endpoint
	Tokenizer            tokenizer.Tokenizer
	MediaResolver        *media.Resolver
	ProgressSink         ProgressSink
	LegacyGlobalPriority bool
	Tracer               trace.Tracer
	Metrics              *metrics.Recorder
}

// Result is a completed render: the final message list plus the
// metadata and reference report that rode alongside it (§6.1).
type Result struct {
	Messages          []types.RawMessage
	TokenCount        int
	Metadata          []materialize.MetaEntry
	References        []materialize.Reference
	OmittedReferences []materialize.Reference
	HasIgnoredFiles   bool
}

// Render builds root with props, fits it to opts.Endpoint's budget, and
// returns the resulting chat messages (§6.1). The five render phases run
// in strict sequence within a single render; cancellation through ctx
// aborts the whole call and no partial Result is ever returned.
func Render(ctx context.Context, root element.Ctor, props any, opts Options) (*Result, error) {
	if root.IsZero() {
		return nil, pkgerrors.New("render", "Render", fmt.Errorf("nil root element constructor"))
	}

	renderID := uuid.New().String()
	ctx = logger.WithRenderID(ctx, renderID)

	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer(nil)
	}
	ctx, span := tracer.Start(ctx, "Render", trace.WithAttributes(attribute.String("render.id", renderID)))
	defer span.End()

	stop := opts.Metrics.RenderStarted()
	defer stop()

	budget := opts.Endpoint.ModelMaxPromptTokens

	arena, err := phase(ctx, tracer, opts.Metrics, "schedule", func(ctx context.Context) (*schedule.Arena, error) {
		return schedule.Schedule(ctx, root, props, budget, opts.Endpoint, opts.Tokenizer)
	})
	if err != nil {
		return nil, renderErr(ctx, err)
	}
	notify(opts.ProgressSink, "schedule", countScheduled(arena.Root))

	if _, err := phase(ctx, tracer, opts.Metrics, "growable", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, schedule.ExpandGrowables(ctx, arena, budget, opts.Endpoint, opts.Tokenizer)
	}); err != nil {
		return nil, renderErr(ctx, err)
	}
	notify(opts.ProgressSink, "growable", countScheduled(arena.Root))

	matResult, err := phase(ctx, tracer, opts.Metrics, "materialize", func(ctx context.Context) (*materialize.Result, error) {
		return materialize.Materialize(ctx, arena, opts.MediaResolver, opts.Metrics)
	})
	if err != nil {
		return nil, renderErr(ctx, err)
	}
	notify(opts.ProgressSink, "materialize", countMaterialized(matResult.Root))

	pruner := prune.New(opts.Tokenizer, opts.LegacyGlobalPriority, opts.Metrics)
	if _, err := phase(ctx, tracer, opts.Metrics, "prune", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, pruner.Prune(ctx, matResult, arena, budget)
	}); err != nil {
		return nil, renderErr(ctx, err)
	}
	notify(opts.ProgressSink, "prune", countMaterialized(matResult.Root))

	out, err := phase(ctx, tracer, opts.Metrics, "emit", func(ctx context.Context) (*emit.Output, error) {
		return emit.Emit(ctx, opts.Tokenizer, matResult)
	})
	if err != nil {
		return nil, renderErr(ctx, err)
	}
	notify(opts.ProgressSink, "emit", len(out.Messages))

	return &Result{
		Messages:          out.Messages,
		TokenCount:        out.TokenCount,
		Metadata:          out.Metadata,
		References:        out.References,
		OmittedReferences: out.OmittedReferences,
		HasIgnoredFiles:   out.HasIgnoredFiles,
	}, nil
}

// SerializeElement renders root to its materialized JSON form without
// pruning (§6.3): the endpoint budget is still required so growables and
// flex math produce deterministic output, but no content is removed.
func SerializeElement(ctx context.Context, root element.Ctor, props any, opts Options) (json.RawMessage, error) {
	if root.IsZero() {
		return nil, pkgerrors.New("render", "SerializeElement", fmt.Errorf("nil root element constructor"))
	}

	budget := opts.Endpoint.ModelMaxPromptTokens
	arena, err := schedule.Schedule(ctx, root, props, budget, opts.Endpoint, opts.Tokenizer)
	if err != nil {
		return nil, renderErr(ctx, err)
	}
	if err := schedule.ExpandGrowables(ctx, arena, budget, opts.Endpoint, opts.Tokenizer); err != nil {
		return nil, renderErr(ctx, err)
	}
	matResult, err := materialize.Materialize(ctx, arena, opts.MediaResolver, opts.Metrics)
	if err != nil {
		return nil, renderErr(ctx, err)
	}
	return materialize.Serialize(matResult.Root)
}

// phase wraps a render phase in its own OTel span and records its
// duration, so every phase gets the same span-plus-histogram treatment
// without repeating the boilerplate at each call site (§4.7).
func phase[T any](ctx context.Context, tracer trace.Tracer, rec *metrics.Recorder, name string, fn func(context.Context) (T, error)) (T, error) {
	spanCtx, span := tracer.Start(ctx, name)
	defer span.End()

	start := time.Now()
	v, err := fn(spanCtx)
	rec.ObservePhase(name, time.Since(start))
	if err != nil {
		span.RecordError(err)
	}
	return v, err
}

func notify(sink ProgressSink, phase string, elements int) {
	if sink != nil {
		sink.OnPhase(phase, elements)
	}
}

func countScheduled(n *schedule.Node) int {
	total := 1
	for _, c := range n.Children {
		total += countScheduled(c)
	}
	return total
}

func countMaterialized(n materialize.Node) int {
	total := 1
	for _, c := range materialize.Children(n) {
		total += countMaterialized(c)
	}
	return total
}

// renderErr wraps a lower-phase error for return from Render/SerializeElement,
// overriding it with ctx's own cancellation cause when the phase was aborted
// by context cancellation rather than a structural failure (§7).
func renderErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return pkgerrors.New("render", "Render", ctxErr)
	}
	return err
}
