package translate

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alexander-akhmetov/ccgateway/internal/cliproc"
	"github.com/alexander-akhmetov/ccgateway/internal/openai"
)

// NewCompletionID generates the id shared by a response and all of its
// streaming chunks.
func NewCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// Accumulator folds one turn's events into the state a response is built
// from. Feed it every event up to and including the terminator.
type Accumulator struct {
	text       strings.Builder
	sessionID  string
	stopReason string
	usage      openai.Usage
	costUSD    float64
	durationMS int64
	sawResult  bool
}

// Observe records one event.
func (a *Accumulator) Observe(ev cliproc.Event) {
	switch ev.Kind {
	case cliproc.EventSystemInit:
		a.sessionID = ev.SessionID
	case cliproc.EventAssistantDelta:
		a.text.WriteString(ev.Text)
	case cliproc.EventResult:
		a.sawResult = true
		a.stopReason = ev.StopReason
		a.usage = openai.Usage{
			PromptTokens:     ev.InputTokens,
			CompletionTokens: ev.OutputTokens,
			TotalTokens:      ev.InputTokens + ev.OutputTokens,
		}
		a.costUSD = ev.CostUSD
		a.durationMS = ev.DurationMS
	}
}

// Text is the concatenated assistant output so far.
func (a *Accumulator) Text() string { return a.text.String() }

// SessionID is the CLI session id from the init event, if seen.
func (a *Accumulator) SessionID() string { return a.sessionID }

// CostUSD is the turn cost reported by the terminal Result.
func (a *Accumulator) CostUSD() float64 { return a.costUSD }

// DurationMS is the turn duration reported by the terminal Result.
func (a *Accumulator) DurationMS() int64 { return a.durationMS }

// Truncated reports whether the turn stopped on the output-token limit.
func (a *Accumulator) Truncated() bool { return a.stopReason == "max_tokens" }

// Response projects the accumulated turn into a non-streaming completion.
// When toolCalls is non-empty the content is nulled out and finish_reason
// becomes "tool_calls", per the OpenAI tools contract.
func (a *Accumulator) Response(model string, toolCalls []openai.ToolCall) *openai.ChatCompletionResponse {
	msg := openai.ChatMessage{Role: "assistant"}
	finishReason := "stop"

	switch {
	case len(toolCalls) > 0:
		msg.ToolCalls = toolCalls
		finishReason = "tool_calls"
	case a.Truncated():
		msg.Content = a.Text()
		finishReason = "length"
	default:
		msg.Content = a.Text()
	}

	return &openai.ChatCompletionResponse{
		ID:      NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: finishReason,
		}},
		Usage: &a.usage,
	}
}
