// Package toolcall implements the OpenAI-tools compatibility layer. Claude
// Code does not execute client-declared functions, so when a request carries
// tools the gateway inspects the final assistant text for a JSON object
// matching one of the declared parameter schemas and surfaces it as a
// tool_calls entry. Detection runs on non-streaming responses only; in
// streaming mode assistant text passes through verbatim.
package toolcall

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/tidwall/gjson"

	"github.com/alexander-akhmetov/ccgateway/internal/openai"
)

var fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)```")

// Extract scans the assistant text for tool invocations against the declared
// tools. Candidates are gathered in three passes, first successful pass wins:
//
//  1. the entire trimmed text as one JSON object,
//  2. fenced code blocks, in order,
//  3. the largest top-level balanced {...} substring.
//
// A candidate matches a tool when every property the tool's parameter schema
// requires is present; full JSON-Schema validation is not attempted.
// Returns nil when nothing matches.
func Extract(text string, tools []openai.Tool) []openai.ToolCall {
	if len(tools) == 0 {
		return nil
	}

	for _, pass := range []func(string) []string{wholeText, fencedBlocks, balancedObject} {
		var calls []openai.ToolCall
		for _, candidate := range pass(text) {
			if call, ok := matchTool(candidate, tools); ok {
				calls = append(calls, call)
			}
		}
		if len(calls) > 0 {
			return calls
		}
	}
	return nil
}

// wholeText yields the trimmed text if it is a JSON object.
func wholeText(text string) []string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return []string{trimmed}
	}
	return nil
}

// fencedBlocks yields the contents of fenced code blocks that parse as JSON
// objects, in document order.
func fencedBlocks(text string) []string {
	var out []string
	for _, m := range fencedBlockRe.FindAllStringSubmatch(text, -1) {
		body := strings.TrimSpace(m[1])
		if strings.HasPrefix(body, "{") && json.Valid([]byte(body)) {
			out = append(out, body)
		}
	}
	return out
}

// balancedObject yields the largest balanced {...} substring that parses as
// JSON. Braces inside string literals are ignored while scanning.
func balancedObject(text string) []string {
	best := ""
	depth, start := 0, -1
	inString, escaped := false, false

	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				candidate := text[start : i+1]
				if len(candidate) > len(best) && json.Valid([]byte(candidate)) {
					best = candidate
				}
			}
		}
	}
	if best == "" {
		return nil
	}
	return []string{best}
}

// matchTool checks the candidate against each declared tool and builds the
// tool_calls entry for the first schema it conforms to.
func matchTool(candidate string, tools []openai.Tool) (openai.ToolCall, bool) {
	parsed := gjson.Parse(candidate)
	if !parsed.IsObject() {
		return openai.ToolCall{}, false
	}

	for _, tool := range tools {
		if tool.Type != "function" {
			continue
		}
		if !conforms(parsed, tool.Function.Parameters) {
			continue
		}
		return openai.ToolCall{
			ID:   "call_" + gonanoid.Must(12),
			Type: "function",
			Function: openai.FunctionCall{
				Name:      tool.Function.Name,
				Arguments: compact(candidate),
			},
		}, true
	}
	return openai.ToolCall{}, false
}

// conforms applies the required-property presence check. A schema with no
// required list matches only when the candidate's keys all appear among the
// declared properties; otherwise any object would match any tool.
func conforms(candidate gjson.Result, schema json.RawMessage) bool {
	if len(schema) == 0 {
		return false
	}
	parsed := gjson.ParseBytes(schema)

	required := parsed.Get("required").Array()
	if len(required) > 0 {
		for _, name := range required {
			if !candidate.Get(name.String()).Exists() {
				return false
			}
		}
		return true
	}

	props := parsed.Get("properties")
	if !props.IsObject() {
		return false
	}
	matched := true
	empty := true
	candidate.ForEach(func(key, _ gjson.Result) bool {
		empty = false
		if !props.Get(key.String()).Exists() {
			matched = false
			return false
		}
		return true
	})
	return matched && !empty
}

// compact re-serializes the candidate without insignificant whitespace so
// arguments strings are stable.
func compact(candidate string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(candidate)); err != nil {
		return candidate
	}
	return buf.String()
}
