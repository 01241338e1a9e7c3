package types_test

import (
	"encoding/json"
	"testing"

	"github.com/promptkit/treeprompt/runtime/types"
	"github.com/stretchr/testify/assert"
)

func TestRawMessage_GetText(t *testing.T) {
	msg := types.RawMessage{
		Role: types.RoleUser,
		Content: []types.ContentPart{
			types.NewTextPart("hello "),
			types.NewImagePart("https://example.com/a.png", nil),
			types.NewTextPart("world"),
		},
	}
	assert.Equal(t, "hello world", msg.GetText())
}

func TestRawMessage_IsEmpty(t *testing.T) {
	assert.True(t, (&types.RawMessage{Role: types.RoleUser}).IsEmpty())

	withContent := &types.RawMessage{Role: types.RoleUser, Content: []types.ContentPart{types.NewTextPart("hi")}}
	assert.False(t, withContent.IsEmpty())

	withToolCalls := &types.RawMessage{
		Role:      types.RoleAssistant,
		ToolCalls: []types.MessageToolCall{{ID: "1", Name: "search", Args: json.RawMessage(`{}`)}},
	}
	assert.False(t, withToolCalls.IsEmpty())
}

func TestRawMessage_ToolRole(t *testing.T) {
	msg := types.RawMessage{
		Role:       types.RoleTool,
		ToolCallID: "call-1",
		Content:    []types.ContentPart{types.NewTextPart("42")},
	}
	assert.Equal(t, "call-1", msg.ToolCallID)
	assert.Equal(t, "42", msg.GetText())
}
