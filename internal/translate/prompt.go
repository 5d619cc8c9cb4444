package translate

import (
	"context"
	"fmt"
	"strings"

	"github.com/alexander-akhmetov/ccgateway/internal/openai"
)

// ImageResolver materializes an image_url reference into a local file path
// the CLI can read. The HTTP layer supplies the implementation (the built-in
// one decodes data URLs and accepts local paths under an allow-list; it
// rejects remote URLs); the translator only consumes resolved paths.
type ImageResolver interface {
	Resolve(ctx context.Context, url string) (string, error)
}

// Prompt is one collapsed turn ready for CliInvoker.SendPrompt.
type Prompt struct {
	Text       string
	ImagePaths []string
}

// CollapseRequest renders the full messages array into the single prompt
// Claude Code sees on a fresh session (ephemeral, or a conversation session
// whose child was just spawned). System messages are concatenated
// up front; the conversation follows as a role-labelled transcript. Assistant
// tool_calls and tool results are rendered inline so the model sees the whole
// exchange.
func CollapseRequest(ctx context.Context, req *openai.ChatCompletionRequest, images ImageResolver) (Prompt, error) {
	var systemParts []string
	var convParts []string
	var paths []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			systemParts = append(systemParts, msg.StringContent())

		case "user":
			text, p, err := flattenParts(ctx, msg, images)
			if err != nil {
				return Prompt{}, err
			}
			paths = append(paths, p...)
			convParts = append(convParts, fmt.Sprintf("[user]: %s", text))

		case "assistant":
			text := msg.StringContent()
			for _, tc := range msg.ToolCalls {
				text += fmt.Sprintf("\n[called %s with %s]", tc.Function.Name, tc.Function.Arguments)
			}
			convParts = append(convParts, fmt.Sprintf("[assistant]: %s", text))

		case "tool":
			convParts = append(convParts, fmt.Sprintf("[tool_result for %s]: %s", msg.ToolCallID, msg.StringContent()))
		}
	}

	var b strings.Builder
	if len(systemParts) > 0 {
		b.WriteString(strings.Join(systemParts, "\n\n"))
		b.WriteString("\n\n")
	}
	b.WriteString(strings.Join(convParts, "\n\n"))
	return Prompt{Text: b.String(), ImagePaths: paths}, nil
}

// CollapseLatestTurn renders only the newest user message, for a reused
// conversation session whose child already holds the prior turns.
func CollapseLatestTurn(ctx context.Context, req *openai.ChatCompletionRequest, images ImageResolver) (Prompt, error) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		msg := req.Messages[i]
		if msg.Role != "user" {
			continue
		}
		text, paths, err := flattenParts(ctx, msg, images)
		if err != nil {
			return Prompt{}, err
		}
		return Prompt{Text: text, ImagePaths: paths}, nil
	}
	return Prompt{}, fmt.Errorf("no user message in request")
}

// flattenParts joins a message's text parts and resolves its image parts.
func flattenParts(ctx context.Context, msg openai.ChatMessage, images ImageResolver) (string, []string, error) {
	var text strings.Builder
	var paths []string
	for _, part := range msg.ContentParts() {
		switch part.Type {
		case "text":
			text.WriteString(part.Text)
		case "image_url":
			if part.ImageURL == nil || part.ImageURL.URL == "" {
				return "", nil, fmt.Errorf("image_url part without url")
			}
			if images == nil {
				return "", nil, fmt.Errorf("image content not supported")
			}
			path, err := images.Resolve(ctx, part.ImageURL.URL)
			if err != nil {
				return "", nil, fmt.Errorf("resolve image: %w", err)
			}
			paths = append(paths, path)
		}
	}
	return text.String(), paths, nil
}

// HasNonSystemMessage reports whether at least one message is not a system
// prompt; a request of only system messages has nothing to ask.
func HasNonSystemMessage(messages []openai.ChatMessage) bool {
	for _, m := range messages {
		if m.Role != "system" {
			return true
		}
	}
	return false
}
