package materialize

import (
	"encoding/json"
	"fmt"

	pkgerrors "github.com/promptkit/treeprompt/pkg/errors"
	"github.com/promptkit/treeprompt/runtime/prompt/schema"
	"github.com/promptkit/treeprompt/runtime/types"
	"github.com/xeipuuv/gojsonschema"
)

// nodeDoc is the JSON-on-the-wire shape for a materialized Node: a single
// flat struct carrying every variant's fields, discriminated by Type. This
// is the format SerializeElement produces and the `elementJSON` intrinsic
// consumes (§6.3, §4.4).
type nodeDoc struct {
	Type string `json:"type"`

	ID           int     `json:"id"`
	Priority     float64 `json:"priority"`
	DeclIndex    int     `json:"declIndex"`
	PassPriority bool    `json:"passPriority,omitempty"`
	Chunk        bool    `json:"chunk,omitempty"`
	KeepWith     string  `json:"keepWith,omitempty"`

	// Container / ChatMessage
	Children     []nodeDoc          `json:"children,omitempty"`
	Meta         []MetaEntry        `json:"meta,omitempty"`
	References   []Reference        `json:"references,omitempty"`
	UsedContext  []UsedContextEntry `json:"usedContext,omitempty"`
	IgnoredFiles []IgnoredFile      `json:"ignoredFiles,omitempty"`

	// ChatMessage
	Role       types.Role               `json:"role,omitempty"`
	Name       string                   `json:"name,omitempty"`
	ToolCalls  []types.MessageToolCall  `json:"toolCalls,omitempty"`
	ToolCallID string                   `json:"toolCallId,omitempty"`

	// TextChunk
	Text            string `json:"text,omitempty"`
	LineBreakBefore int    `json:"lineBreakBefore,omitempty"`

	// ImagePart
	Data   []byte `json:"data,omitempty"`
	URL    string `json:"url,omitempty"`
	Detail string `json:"detail,omitempty"`

	// CacheCheckpoint
	CacheType string `json:"cacheType,omitempty"`

	// Opaque
	Value     any `json:"value,omitempty"`
	TokenCost int `json:"tokenCost,omitempty"`
}

const (
	typeContainer       = "container"
	typeChatMessage     = "chatMessage"
	typeTextChunk       = "textChunk"
	typeImagePart       = "imagePart"
	typeCacheCheckpoint = "cacheCheckpoint"
	typeOpaque          = "opaque"
)

func toDoc(n Node) nodeDoc {
	meta := n.Meta()
	d := nodeDoc{
		ID:           meta.ID,
		Priority:     meta.Priority,
		DeclIndex:    meta.DeclIndex,
		PassPriority: meta.PassPriority,
		Chunk:        meta.Chunk,
		KeepWith:     meta.KeepWith,
	}

	switch v := n.(type) {
	case *Container:
		d.Type = typeContainer
		d.Meta, d.References, d.UsedContext, d.IgnoredFiles = v.sideChannel.Meta, v.sideChannel.References, v.sideChannel.UsedContext, v.sideChannel.IgnoredFiles
		for _, c := range v.Children {
			d.Children = append(d.Children, toDoc(c))
		}
	case *ChatMessage:
		d.Type = typeChatMessage
		d.Role, d.Name, d.ToolCalls, d.ToolCallID = v.Role, v.Name, v.ToolCalls, v.ToolCallID
		d.Meta, d.References, d.UsedContext, d.IgnoredFiles = v.sideChannel.Meta, v.sideChannel.References, v.sideChannel.UsedContext, v.sideChannel.IgnoredFiles
		for _, c := range v.Children {
			d.Children = append(d.Children, toDoc(c))
		}
	case *TextChunk:
		d.Type = typeTextChunk
		d.Text, d.LineBreakBefore = v.Text, int(v.LineBreakBefore)
	case *ImagePart:
		d.Type = typeImagePart
		d.Data, d.URL, d.Detail = v.Data, v.URL, v.Detail
	case *CacheCheckpoint:
		d.Type = typeCacheCheckpoint
		d.CacheType = v.CacheType
	case *Opaque:
		d.Type = typeOpaque
		d.Value, d.TokenCost = v.Value, v.TokenCost
	}
	return d
}

func fromDoc(d nodeDoc) (Node, error) {
	meta := NodeMeta{ID: d.ID, Priority: d.Priority, DeclIndex: d.DeclIndex, PassPriority: d.PassPriority, Chunk: d.Chunk, KeepWith: d.KeepWith}
	sc := sideChannel{Meta: d.Meta, References: d.References, UsedContext: d.UsedContext, IgnoredFiles: d.IgnoredFiles}

	switch d.Type {
	case typeContainer:
		c := &Container{NodeMeta: meta, sideChannel: sc}
		for _, cd := range d.Children {
			child, err := fromDoc(cd)
			if err != nil {
				return nil, err
			}
			c.Children = append(c.Children, child)
		}
		return c, nil
	case typeChatMessage:
		m := &ChatMessage{NodeMeta: meta, sideChannel: sc, Role: d.Role, Name: d.Name, ToolCalls: d.ToolCalls, ToolCallID: d.ToolCallID}
		for _, cd := range d.Children {
			child, err := fromDoc(cd)
			if err != nil {
				return nil, err
			}
			m.Children = append(m.Children, child)
		}
		return m, nil
	case typeTextChunk:
		return &TextChunk{NodeMeta: meta, Text: d.Text, LineBreakBefore: LineBreakPolicy(d.LineBreakBefore)}, nil
	case typeImagePart:
		return &ImagePart{NodeMeta: meta, Data: d.Data, URL: d.URL, Detail: d.Detail}, nil
	case typeCacheCheckpoint:
		return &CacheCheckpoint{NodeMeta: meta, CacheType: d.CacheType}, nil
	case typeOpaque:
		return &Opaque{NodeMeta: meta, Value: d.Value, TokenCost: d.TokenCost}, nil
	default:
		return nil, fmt.Errorf("materialize: unknown serialized node type %q", d.Type)
	}
}

// Serialize renders a materialized subtree to its JSON-on-the-wire form,
// for SerializeElement (§6.3) and for later splicing via elementJSON.
func Serialize(n Node) (json.RawMessage, error) {
	return json.Marshal(toDoc(n))
}

// documentSchema is the structural safety net §4.4 requires in addition
// to the invariant checks performed during the walk itself: every node
// must at minimum declare a recognized type.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {
      "enum": ["container", "chatMessage", "textChunk", "imagePart", "cacheCheckpoint", "opaque"]
    },
    "children": {
      "type": "array",
      "items": { "$ref": "#" }
    }
  }
}`

var documentSchemaLoader = gojsonschema.NewStringLoader(documentSchema)

// Splice validates a serialized document against the elementJSON schema,
// unmarshals it, and rebases its priorities into parentPriority's
// fractional slot (§9). The returned Node is ready to insert as a child
// at the splice point.
func Splice(document []byte, parentPriority float64) (Node, error) {
	result, err := schema.ValidateJSONAgainstLoader(document, documentSchemaLoader)
	if err != nil {
		return nil, pkgerrors.New("materialize", "Splice", err)
	}
	if !result.Valid {
		return nil, pkgerrors.New("materialize", "Splice", fmt.Errorf("invalid elementJSON document: %v", result.Errors))
	}

	var doc nodeDoc
	if err := json.Unmarshal(document, &doc); err != nil {
		return nil, pkgerrors.New("materialize", "Splice", err)
	}

	node, err := fromDoc(doc)
	if err != nil {
		return nil, pkgerrors.New("materialize", "Splice", err)
	}

	rebasePriorities(node, parentPriority)
	return node, nil
}

// rebasePriorities scales every priority in the subtree into
// [parentPriority, parentPriority+1), using a denominator of
// maxChildPriority+2 so that even the subtree's highest priority maps
// strictly inside the parent's own slot (§9).
func rebasePriorities(root Node, parentPriority float64) {
	denom := subtreeMaxPriority(root) + 2
	if denom <= 0 {
		denom = 2
	}

	var walk func(n Node)
	walk = func(n Node) {
		m := n.Meta()
		m.Priority = parentPriority + m.Priority/denom
		for _, c := range Children(n) {
			walk(c)
		}
	}
	walk(root)
}

func subtreeMaxPriority(n Node) float64 {
	max := n.Meta().Priority
	for _, c := range Children(n) {
		if p := subtreeMaxPriority(c); p > max {
			max = p
		}
	}
	return max
}
