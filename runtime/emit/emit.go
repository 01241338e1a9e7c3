// Package emit implements the final render phase (§4.6): walking the
// pruned materialized tree into the wire-level message list, dropping
// messages that ended up empty, coalescing adjacent text into single
// content parts, and collecting the metadata/reference/ignored-file
// report that rides alongside the messages themselves.
package emit

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	pkgerrors "github.com/promptkit/treeprompt/pkg/errors"
	"github.com/promptkit/treeprompt/runtime/logger"
	"github.com/promptkit/treeprompt/runtime/materialize"
	"github.com/promptkit/treeprompt/runtime/media"
	"github.com/promptkit/treeprompt/runtime/tokenizer"
	"github.com/promptkit/treeprompt/runtime/types"
)

// Output is the emitter's result: the final message list plus the
// metadata/reference report a Render caller needs alongside it.
type Output struct {
	Messages          []types.RawMessage
	TokenCount        int
	Metadata          []materialize.MetaEntry
	References        []materialize.Reference
	OmittedReferences []materialize.Reference
	HasIgnoredFiles   bool
}

// Emit lowers result's pruned tree into Output. tok is used to compute the
// final precise token count of each surviving message, since the
// pruner's own per-scope counts were taken against intermediate states of
// the tree and are not trustworthy as a final total once every scope has
// been fit independently.
func Emit(ctx context.Context, tok tokenizer.Tokenizer, result *materialize.Result) (*Output, error) {
	logger.PhaseStart(ctx, "emit", "root")

	var messages []types.RawMessage
	total := 0

	for _, msg := range materialize.Messages(result.Root) {
		raw, input, opaqueCost, err := buildMessage(msg)
		if err != nil {
			return nil, pkgerrors.New("emit", "Emit", err)
		}
		if raw.IsEmpty() {
			continue
		}

		n, err := tok.CountMessageTokens(ctx, input)
		if err != nil {
			return nil, pkgerrors.New("emit", "Emit", err)
		}
		total += n + opaqueCost
		messages = append(messages, raw)
	}

	meta := append([]materialize.MetaEntry{}, result.GlobalMeta...)
	meta = append(meta, collectLocalMeta(result.Root)...)

	surviving := collectReferences(result.Root)
	out := &Output{
		Messages:          messages,
		TokenCount:        total,
		Metadata:          meta,
		References:        dedupeReferences(surviving),
		OmittedReferences: diffReferences(result.AllReferences, surviving),
		HasIgnoredFiles:   result.HasIgnoredFiles,
	}

	logger.PhaseDone(ctx, "emit", "root", len(messages))
	return out, nil
}

// assembler coalesces a run of sibling materialized leaves into the
// emitted ContentPart list and the parallel Fragment list used to size
// them, per §4.4's line-break policy: adjacent text chunks merge into one
// ContentPart, joined by a newline exactly where TextChunk.LineBreakBefore
// calls for one.
type assembler struct {
	parts      []types.ContentPart
	frags      []tokenizer.Fragment
	opaqueCost int
	buf        strings.Builder
}

func (a *assembler) flush() {
	if a.buf.Len() == 0 {
		return
	}
	text := a.buf.String()
	a.parts = append(a.parts, types.NewTextPart(text))
	a.frags = append(a.frags, tokenizer.Fragment{Text: text})
	a.buf.Reset()
}

func (a *assembler) addText(lb materialize.LineBreakPolicy, text string) {
	if text == "" {
		return
	}
	if lb != materialize.LineBreakNone && a.buf.Len() > 0 {
		a.buf.WriteByte('\n')
	}
	a.buf.WriteString(text)
}

func (a *assembler) walk(n materialize.Node) error {
	switch v := n.(type) {
	case *materialize.TextChunk:
		a.addText(v.LineBreakBefore, v.Text)

	case *materialize.ImagePart:
		a.flush()
		url, err := imageURL(v)
		if err != nil {
			return err
		}
		var detail *string
		if v.Detail != "" {
			d := v.Detail
			detail = &d
		}
		a.parts = append(a.parts, types.NewImagePart(url, detail))
		a.frags = append(a.frags, tokenizer.Fragment{Image: &tokenizer.ImageFragment{Data: v.Data, Detail: v.Detail}})

	case *materialize.CacheCheckpoint:
		a.flush()
		a.parts = append(a.parts, types.NewCacheCheckpointPart(v.CacheType))

	case *materialize.Opaque:
		a.flush()
		a.parts = append(a.parts, types.NewOpaquePart(v.Value))
		a.opaqueCost += v.TokenCost

	case *materialize.Container:
		for _, c := range v.Children {
			if err := a.walk(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// imageURL resolves an ImagePart's content into the URL embedded in the
// emitted ContentPart: passed through untouched when the part already
// carries one (a remote reference the emitter leaves unfetched), or a
// base64 data URI built from the resolved bytes otherwise.
func imageURL(img *materialize.ImagePart) (string, error) {
	if img.URL != "" {
		return img.URL, nil
	}
	if len(img.Data) == 0 {
		return "", fmt.Errorf("emit: image part has neither a url nor resolved data")
	}
	mime := media.MIMETypeJPEG
	if dims, err := media.DecodeDimensions(img.Data); err == nil {
		mime = media.FormatToMIMEType(dims.Format)
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(img.Data)), nil
}

// buildMessage assembles msg's surviving children into its RawMessage form
// alongside the tokenizer.MessageInput used to size it.
func buildMessage(msg *materialize.ChatMessage) (types.RawMessage, tokenizer.MessageInput, int, error) {
	a := &assembler{}
	for _, c := range msg.Children {
		if err := a.walk(c); err != nil {
			return types.RawMessage{}, tokenizer.MessageInput{}, 0, err
		}
	}
	a.flush()

	raw := types.RawMessage{
		Role:       msg.Role,
		Name:       msg.Name,
		Content:    a.parts,
		ToolCalls:  msg.ToolCalls,
		ToolCallID: msg.ToolCallID,
	}
	input := tokenizer.MessageInput{
		Role:          string(msg.Role),
		Name:          msg.Name,
		Parts:         a.frags,
		ToolCallCount: len(msg.ToolCalls),
		HasToolCallID: msg.ToolCallID != "",
	}
	return raw, input, a.opaqueCost, nil
}

func collectLocalMeta(n materialize.Node) []materialize.MetaEntry {
	var out []materialize.MetaEntry
	for _, e := range sideChannelMeta(n) {
		if e.Local {
			out = append(out, e)
		}
	}
	for _, c := range materialize.Children(n) {
		out = append(out, collectLocalMeta(c)...)
	}
	return out
}

func collectReferences(n materialize.Node) []materialize.Reference {
	out := append([]materialize.Reference{}, sideChannelReferences(n)...)
	for _, c := range materialize.Children(n) {
		out = append(out, collectReferences(c)...)
	}
	return out
}

func sideChannelMeta(n materialize.Node) []materialize.MetaEntry {
	switch v := n.(type) {
	case *materialize.Container:
		return v.MetaRecords()
	case *materialize.ChatMessage:
		return v.MetaRecords()
	default:
		return nil
	}
}

func sideChannelReferences(n materialize.Node) []materialize.Reference {
	switch v := n.(type) {
	case *materialize.Container:
		return v.References
	case *materialize.ChatMessage:
		return v.References
	default:
		return nil
	}
}

// dedupeReferences keeps the first occurrence of each reference name,
// since a variable referenced from multiple surviving locations is still
// one logical reference to report.
func dedupeReferences(refs []materialize.Reference) []materialize.Reference {
	seen := map[string]bool{}
	var out []materialize.Reference
	for _, r := range refs {
		if seen[r.Name] {
			continue
		}
		seen[r.Name] = true
		out = append(out, r)
	}
	return out
}

// diffReferences returns the entries of all whose name never appears
// among surviving, de-duplicated by name.
func diffReferences(all, surviving []materialize.Reference) []materialize.Reference {
	alive := map[string]bool{}
	for _, r := range surviving {
		alive[r.Name] = true
	}
	seen := map[string]bool{}
	var out []materialize.Reference
	for _, r := range all {
		if alive[r.Name] || seen[r.Name] {
			continue
		}
		seen[r.Name] = true
		out = append(out, r)
	}
	return out
}
