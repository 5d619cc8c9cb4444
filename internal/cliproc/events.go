package cliproc

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/alexander-akhmetov/ccgateway/internal/debug"
)

// EventKind discriminates the Event variants produced by one turn.
type EventKind string

const (
	// EventSystemInit carries session metadata; emitted first.
	EventSystemInit EventKind = "system_init"

	// EventAssistantDelta carries a chunk of assistant text. Depending on the
	// CLI this may be a sentence or a whole reply.
	EventAssistantDelta EventKind = "assistant_delta"

	// EventToolInvocation reports that Claude Code invoked one of its own
	// tools (file read, bash, ...). Informational.
	EventToolInvocation EventKind = "tool_invocation"

	// EventResult terminates a successful turn with usage and cost.
	EventResult EventKind = "result"

	// EventError terminates a failed turn.
	EventError EventKind = "error"
)

// Event is one parsed stream-json line from the child's stdout. Kind selects
// which fields are populated.
type Event struct {
	Kind EventKind

	// EventSystemInit
	SessionID      string
	Model          string
	ToolsAvailable []string

	// EventAssistantDelta
	Text string

	// EventToolInvocation
	ToolName  string
	ToolInput json.RawMessage

	// EventResult
	StopReason   string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	DurationMS   int64

	// EventError
	ErrorMessage string
}

// Terminal reports whether the event ends the turn.
func (e Event) Terminal() bool {
	return e.Kind == EventResult || e.Kind == EventError
}

// parseLine maps one stream-json line onto zero or more events. Unknown
// message types are logged and skipped; they never terminate the stream. A
// single assistant message may carry several content blocks and therefore
// expand to several events.
func parseLine(line []byte) []Event {
	if !gjson.ValidBytes(line) {
		debug.Logf("cliproc: skipping unparseable line: %.100s", line)
		return nil
	}
	root := gjson.ParseBytes(line)

	switch root.Get("type").String() {
	case "system":
		if root.Get("subtype").String() != "init" {
			return nil
		}
		ev := Event{
			Kind:      EventSystemInit,
			SessionID: root.Get("session_id").String(),
			Model:     root.Get("model").String(),
		}
		for _, t := range root.Get("tools").Array() {
			ev.ToolsAvailable = append(ev.ToolsAvailable, t.String())
		}
		return []Event{ev}

	case "assistant":
		var events []Event
		for _, block := range root.Get("message.content").Array() {
			switch block.Get("type").String() {
			case "text":
				if text := block.Get("text").String(); text != "" {
					events = append(events, Event{Kind: EventAssistantDelta, Text: text})
				}
			case "tool_use":
				ev := Event{
					Kind:     EventToolInvocation,
					ToolName: block.Get("name").String(),
				}
				if input := block.Get("input"); input.Exists() {
					ev.ToolInput = json.RawMessage(input.Raw)
				}
				events = append(events, ev)
			}
		}
		return events

	case "result":
		if root.Get("is_error").Bool() {
			msg := root.Get("result").String()
			if msg == "" {
				msg = root.Get("subtype").String()
			}
			return []Event{{Kind: EventError, ErrorMessage: msg}}
		}
		return []Event{{
			Kind:         EventResult,
			SessionID:    root.Get("session_id").String(),
			StopReason:   root.Get("stop_reason").String(),
			InputTokens:  totalInputTokens(root.Get("usage")),
			OutputTokens: int(root.Get("usage.output_tokens").Int()),
			CostUSD:      root.Get("total_cost_usd").Float(),
			DurationMS:   root.Get("duration_ms").Int(),
		}}

	case "error":
		return []Event{{Kind: EventError, ErrorMessage: root.Get("message").String()}}

	default:
		debug.Logf("cliproc: unhandled event type=%s", root.Get("type").String())
		return nil
	}
}

// totalInputTokens folds direct, cache-read and cache-creation input tokens
// into a single prompt count.
func totalInputTokens(usage gjson.Result) int {
	return int(usage.Get("input_tokens").Int() +
		usage.Get("cache_read_input_tokens").Int() +
		usage.Get("cache_creation_input_tokens").Int())
}
