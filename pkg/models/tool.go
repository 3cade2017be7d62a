// Package models holds the small set of value types shared across the
// orchestrator's packages: tool calls/results and their content parts.
package models

import "encoding/json"

// ToolCall represents an LLM's request to execute a tool within a turn.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ContentPartType enumerates the kinds of content a ToolResult can carry.
type ContentPartType string

const (
	ContentText  ContentPartType = "text"
	ContentImage ContentPartType = "image"
	ContentFile  ContentPartType = "file"
)

// ContentPart is one piece of a ToolResult's content sequence.
//
// Text parts use Text; image and file parts use Data (base64) and MimeType.
type ContentPart struct {
	Type     ContentPartType `json:"type"`
	Text     string          `json:"text,omitempty"`
	Data     string          `json:"data,omitempty"`
	MimeType string          `json:"mime_type,omitempty"`
	Filename string          `json:"filename,omitempty"`
}

// TextPart is a convenience constructor for a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: ContentText, Text: text}
}

// ToolResult is the normalized output of a tool execution.
type ToolResult struct {
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Content    []ContentPart  `json:"content"`
	IsError    bool           `json:"is_error,omitempty"`
	ExtInfo    map[string]any `json:"ext_info,omitempty"`
}

// Text concatenates the text parts of the result, ignoring image/file parts.
// Most callers that only care about plain text use this rather than walking
// Content directly.
func (r ToolResult) Text() string {
	if len(r.Content) == 0 {
		return ""
	}
	if len(r.Content) == 1 {
		return r.Content[0].Text
	}
	out := ""
	for _, p := range r.Content {
		if p.Type == ContentText {
			out += p.Text
		}
	}
	return out
}

// ErrorResult builds an error ToolResult carrying a single text part.
func ErrorResult(toolCallID, message string) ToolResult {
	return ToolResult{
		ToolCallID: toolCallID,
		Content:    []ContentPart{TextPart(message)},
		IsError:    true,
	}
}

// TextResult builds a successful ToolResult carrying a single text part.
func TextResult(toolCallID, text string) ToolResult {
	return ToolResult{
		ToolCallID: toolCallID,
		Content:    []ContentPart{TextPart(text)},
	}
}
