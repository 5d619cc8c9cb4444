// Package openai defines the OpenAI-compatible chat completion wire types the
// gateway accepts and produces. The shapes follow the public chat-completions
// protocol; the only extension is ChatCompletionRequest.ConversationID, which
// clients use to pin follow-up turns to a warm Claude Code session.
package openai

import "encoding/json"

// ChatCompletionRequest is the request body of POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Model          string        `json:"model"`
	Messages       []ChatMessage `json:"messages"`
	Stream         bool          `json:"stream,omitempty"`
	Tools          []Tool        `json:"tools,omitempty"`
	ToolChoice     any           `json:"tool_choice,omitempty"`
	Temperature    *float64      `json:"temperature,omitempty"`
	MaxTokens      *int          `json:"max_tokens,omitempty"`
	TopP           *float64      `json:"top_p,omitempty"`
	N              *int          `json:"n,omitempty"`
	User           string        `json:"user,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
}

// ChatMessage is one entry of the conversation. Content is either a plain
// string or an array of content parts; use StringContent or ContentParts to
// read it.
type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    any        `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ContentPart is one element of a multi-part message content array.
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries the image reference of an image_url content part.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// StringContent returns the message content as plain text. Array-of-parts
// content is flattened to the concatenation of its text parts.
func (m ChatMessage) StringContent() string {
	if m.Content == nil {
		return ""
	}
	if s, ok := m.Content.(string); ok {
		return s
	}
	var text string
	for _, p := range m.ContentParts() {
		if p.Type == "text" {
			text += p.Text
		}
	}
	return text
}

// ContentParts returns the message content as a part list. Plain-string
// content becomes a single text part. Malformed part arrays yield nil.
func (m ChatMessage) ContentParts() []ContentPart {
	switch v := m.Content.(type) {
	case nil:
		return nil
	case string:
		return []ContentPart{{Type: "text", Text: v}}
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var parts []ContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return nil
		}
		return parts
	}
}

// Tool declares a function the client wants surfaced as tool_calls.
type Tool struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes a callable function and its JSON-Schema
// parameters object.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is one tool invocation surfaced in an assistant message.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the called function name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}
