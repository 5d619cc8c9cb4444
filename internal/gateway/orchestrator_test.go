package gateway

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/alexander-akhmetov/ccgateway/internal/cache"
	"github.com/alexander-akhmetov/ccgateway/internal/cliproc"
	"github.com/alexander-akhmetov/ccgateway/internal/openai"
	"github.com/alexander-akhmetov/ccgateway/internal/session"
)

func newTestOrchestrator(cfg OrchestratorConfig, spawner *testSpawner, maxSessions int) *Orchestrator {
	store := session.NewStore(session.Config{MaxSessions: maxSessions, IdleTimeout: time.Minute})
	return NewOrchestrator(cfg, store, cache.New(cache.Config{TTL: time.Minute, MaxEntries: 100}), nil, spawner.spawn)
}

func simpleRequest(conversationID string) *openai.ChatCompletionRequest {
	return &openai.ChatCompletionRequest{
		Model:          "sonnet",
		Messages:       []openai.ChatMessage{{Role: "user", Content: "Reply with the literal text OK"}},
		ConversationID: conversationID,
	}
}

func TestCompleteSimple(t *testing.T) {
	spawner := &testSpawner{next: func() *scriptRunner { return newScriptRunner(okTurn("OK")) }}
	orch := newTestOrchestrator(OrchestratorConfig{TurnTimeout: time.Second}, spawner, 4)

	body, err := orch.Complete(context.Background(), simpleRequest(""))
	require.NoError(t, err)

	require.Equal(t, "OK", gjson.GetBytes(body, "choices.0.message.content").String())
	require.Equal(t, "stop", gjson.GetBytes(body, "choices.0.finish_reason").String())
	require.Equal(t, "chat.completion", gjson.GetBytes(body, "object").String())
	require.Equal(t, "claude-sonnet-4-5-20250929", gjson.GetBytes(body, "model").String())
	require.Equal(t, int64(12), gjson.GetBytes(body, "usage.prompt_tokens").Int())
	require.Equal(t, int64(3), gjson.GetBytes(body, "usage.completion_tokens").Int())
	require.True(t, gjson.GetBytes(body, "id").String() != "")
}

func TestCompleteValidation(t *testing.T) {
	spawner := &testSpawner{next: func() *scriptRunner { return newScriptRunner() }}
	orch := newTestOrchestrator(OrchestratorConfig{TurnTimeout: time.Second}, spawner, 4)

	cases := []struct {
		name   string
		req    *openai.ChatCompletionRequest
		status int
	}{
		{"empty messages", &openai.ChatCompletionRequest{Model: "sonnet"}, 400},
		{"only system", &openai.ChatCompletionRequest{
			Model:    "sonnet",
			Messages: []openai.ChatMessage{{Role: "system", Content: "x"}},
		}, 400},
		{"bad model", &openai.ChatCompletionRequest{
			Model:    "not a model!",
			Messages: []openai.ChatMessage{{Role: "user", Content: "x"}},
		}, 404},
		{"stream with tools", &openai.ChatCompletionRequest{
			Model:    "sonnet",
			Stream:   true,
			Messages: []openai.ChatMessage{{Role: "user", Content: "x"}},
			Tools:    []openai.Tool{{Type: "function"}},
		}, 400},
	}

	for _, tc := range cases {
		_, err := orch.Complete(context.Background(), tc.req)
		require.Error(t, err, tc.name)
		require.Equal(t, tc.status, classify(err).status, tc.name)
		require.Equal(t, int64(0), spawner.spawns.Load(), tc.name)
	}
}

func TestCompleteCachedSingleFlight(t *testing.T) {
	spawner := &testSpawner{next: func() *scriptRunner { return newScriptRunner(okTurn("cached")) }}
	orch := newTestOrchestrator(OrchestratorConfig{TurnTimeout: 5 * time.Second, CacheEnabled: true}, spawner, 4)

	bodies := make([][]byte, 50)
	var g errgroup.Group
	for i := 0; i < 50; i++ {
		i := i
		g.Go(func() error {
			body, err := orch.Complete(context.Background(), simpleRequest(""))
			bodies[i] = body
			return err
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, int64(1), spawner.spawns.Load(), "single-flight must spawn exactly once")
	for _, b := range bodies {
		require.Equal(t, string(bodies[0]), string(b), "cached responses must be byte-identical")
	}
}

func TestConversationRequestsNeverCached(t *testing.T) {
	spawner := &testSpawner{next: func() *scriptRunner {
		return newScriptRunner(okTurn("one"), okTurn("two"))
	}}
	orch := newTestOrchestrator(OrchestratorConfig{TurnTimeout: time.Second, CacheEnabled: true}, spawner, 4)

	first, err := orch.Complete(context.Background(), simpleRequest("conv-1"))
	require.NoError(t, err)
	second, err := orch.Complete(context.Background(), simpleRequest("conv-1"))
	require.NoError(t, err)

	require.Equal(t, "one", gjson.GetBytes(first, "choices.0.message.content").String())
	require.Equal(t, "two", gjson.GetBytes(second, "choices.0.message.content").String())
	require.Equal(t, int64(1), spawner.spawns.Load(), "second turn reuses the warm session")
}

func TestConversationPromptCollapsing(t *testing.T) {
	spawner := &testSpawner{next: func() *scriptRunner {
		return newScriptRunner(okTurn("one"), okTurn("two"))
	}}
	orch := newTestOrchestrator(OrchestratorConfig{TurnTimeout: time.Second}, spawner, 4)

	turnA := &openai.ChatCompletionRequest{
		Model:          "sonnet",
		ConversationID: "c1",
		Messages: []openai.ChatMessage{
			{Role: "system", Content: "Be helpful."},
			{Role: "user", Content: "Remember the number 42."},
		},
	}
	_, err := orch.Complete(context.Background(), turnA)
	require.NoError(t, err)

	turnB := &openai.ChatCompletionRequest{
		Model:          "sonnet",
		ConversationID: "c1",
		Messages: []openai.ChatMessage{
			{Role: "user", Content: "Remember the number 42."},
			{Role: "assistant", Content: "one"},
			{Role: "user", Content: "What number did I ask you to remember?"},
		},
	}
	_, err = orch.Complete(context.Background(), turnB)
	require.NoError(t, err)

	prompts := spawner.runner(0).sentPrompts()
	require.Len(t, prompts, 2)
	// Fresh session: full transcript, system prompt included.
	require.Contains(t, prompts[0], "Be helpful.")
	require.Contains(t, prompts[0], "[user]: Remember the number 42.")
	// Warm session: only the newest user message.
	require.Equal(t, "What number did I ask you to remember?", prompts[1])
}

func TestTurnTimeoutPoisonsSession(t *testing.T) {
	spawner := &testSpawner{next: func() *scriptRunner { return newScriptRunner(nil) }}
	orch := newTestOrchestrator(OrchestratorConfig{TurnTimeout: 50 * time.Millisecond}, spawner, 4)

	_, err := orch.Complete(context.Background(), simpleRequest("conv-1"))
	require.Error(t, err)
	require.Equal(t, 408, classify(err).status)
	require.Eventually(t, spawner.runner(0).closed.Load, time.Second, 5*time.Millisecond)
	require.True(t, spawner.runner(0).interrupted.Load())

	// The poisoned session is gone; the next turn spawns a fresh child.
	spawner.next = func() *scriptRunner { return newScriptRunner(okTurn("fresh")) }
	_, err = orch.Complete(context.Background(), simpleRequest("conv-1"))
	require.NoError(t, err)
	require.Equal(t, int64(2), spawner.spawns.Load())
}

func TestCliErrorEventIsBadGatewayAndUncached(t *testing.T) {
	failTurn := []cliproc.Event{{Kind: cliproc.EventError, ErrorMessage: "boom"}}
	spawner := &testSpawner{next: func() *scriptRunner { return newScriptRunner(failTurn) }}
	orch := newTestOrchestrator(OrchestratorConfig{TurnTimeout: time.Second, CacheEnabled: true}, spawner, 4)

	_, err := orch.Complete(context.Background(), simpleRequest(""))
	require.Error(t, err)
	require.Equal(t, 502, classify(err).status)

	spawner.next = func() *scriptRunner { return newScriptRunner(okTurn("recovered")) }
	body, err := orch.Complete(context.Background(), simpleRequest(""))
	require.NoError(t, err)
	require.Equal(t, "recovered", gjson.GetBytes(body, "choices.0.message.content").String())
}

func TestCapacityExceeded(t *testing.T) {
	spawner := &testSpawner{next: func() *scriptRunner { return newScriptRunner(nil) }}
	orch := newTestOrchestrator(OrchestratorConfig{TurnTimeout: time.Minute}, spawner, 1)

	blocked := make(chan error, 1)
	go func() {
		_, err := orch.Complete(context.Background(), simpleRequest("conv-busy"))
		blocked <- err
	}()

	require.Eventually(t, func() bool { return spawner.spawns.Load() == 1 }, time.Second, time.Millisecond)

	_, err := orch.Complete(context.Background(), simpleRequest("conv-other"))
	require.Error(t, err)
	require.Equal(t, 429, classify(err).status)
	require.ErrorIs(t, err, session.ErrCapacity)

	// Let the stuck turn finish so the goroutine exits cleanly.
	spawner.runner(0).feed(okTurn("done"))
	require.NoError(t, <-blocked)
}

func TestToolDetection(t *testing.T) {
	reply := "I'll preview that page.\n\n```json\n{\"url\": \"https://example.com\"}\n```\n"
	spawner := &testSpawner{next: func() *scriptRunner { return newScriptRunner(okTurn(reply)) }}
	orch := newTestOrchestrator(OrchestratorConfig{TurnTimeout: time.Second}, spawner, 4)

	req := simpleRequest("")
	req.Tools = []openai.Tool{{
		Type: "function",
		Function: openai.FunctionDefinition{
			Name:       "url_preview",
			Parameters: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"}},"required":["url"]}`),
		},
	}}

	body, err := orch.Complete(context.Background(), req)
	require.NoError(t, err)

	call := gjson.GetBytes(body, "choices.0.message.tool_calls.0")
	require.Equal(t, "url_preview", call.Get("function.name").String())
	require.Equal(t, `{"url":"https://example.com"}`, call.Get("function.arguments").String())
	require.Equal(t, "tool_calls", gjson.GetBytes(body, "choices.0.finish_reason").String())
	require.False(t, gjson.GetBytes(body, "choices.0.message.content").Exists())
}

func TestStreamChunks(t *testing.T) {
	turn := []cliproc.Event{
		{Kind: cliproc.EventSystemInit, SessionID: "s-1"},
		{Kind: cliproc.EventAssistantDelta, Text: "Hello"},
		{Kind: cliproc.EventAssistantDelta, Text: " World"},
		{Kind: cliproc.EventResult, StopReason: "end_turn"},
	}
	spawner := &testSpawner{next: func() *scriptRunner { return newScriptRunner(turn) }}
	orch := newTestOrchestrator(OrchestratorConfig{TurnTimeout: time.Second}, spawner, 4)

	req := simpleRequest("")
	req.Stream = true

	var chunks []openai.ChatCompletionChunk
	err := orch.Stream(context.Background(), req, func(c openai.ChatCompletionChunk) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)

	// role chunk, two content chunks, finish chunk
	require.Len(t, chunks, 4)
	require.Equal(t, "assistant", chunks[0].Choices[0].Delta.Role)
	require.Equal(t, "Hello", *chunks[1].Choices[0].Delta.Content)
	require.Equal(t, " World", *chunks[2].Choices[0].Delta.Content)
	require.Nil(t, chunks[3].Choices[0].Delta.Content)
	require.Equal(t, "stop", *chunks[3].Choices[0].FinishReason)
	for _, c := range chunks {
		require.Equal(t, chunks[0].ID, c.ID)
		require.Equal(t, "chat.completion.chunk", c.Object)
	}
}

func TestStreamClientDisconnectInterrupts(t *testing.T) {
	turn := []cliproc.Event{
		{Kind: cliproc.EventAssistantDelta, Text: "partial"},
		// script exhausted: next read blocks
	}
	spawner := &testSpawner{next: func() *scriptRunner { return newScriptRunner(turn) }}
	orch := newTestOrchestrator(OrchestratorConfig{TurnTimeout: time.Minute}, spawner, 4)

	ctx, cancel := context.WithCancel(context.Background())
	req := simpleRequest("")
	req.Stream = true

	var emitted atomic.Int32
	err := orch.Stream(ctx, req, func(c openai.ChatCompletionChunk) error {
		if emitted.Add(1) == 2 { // after the first content chunk
			cancel()
		}
		return nil
	})
	require.Error(t, err)
	require.True(t, spawner.runner(0).interrupted.Load(), "disconnect must interrupt the child")
	require.Eventually(t, spawner.runner(0).closed.Load, time.Second, 5*time.Millisecond)
}

func TestSpawnFailureIsServiceUnavailable(t *testing.T) {
	spawner := &testSpawner{err: cliproc.ErrCliNotFound}
	orch := newTestOrchestrator(OrchestratorConfig{TurnTimeout: time.Second}, spawner, 4)

	_, err := orch.Complete(context.Background(), simpleRequest(""))
	require.Error(t, err)
	require.Equal(t, 503, classify(err).status)
}

func TestEndOfStreamMidTurnIsBadGateway(t *testing.T) {
	spawner := &testSpawner{next: func() *scriptRunner {
		r := newScriptRunner([]cliproc.Event{{Kind: cliproc.EventAssistantDelta, Text: "part"}})
		r.eofOnExhaust = true
		return r
	}}
	orch := newTestOrchestrator(OrchestratorConfig{TurnTimeout: time.Minute}, spawner, 4)

	_, err := orch.Complete(context.Background(), simpleRequest("conv-eof"))
	require.Error(t, err)
	require.Equal(t, 502, classify(err).status)
	require.Eventually(t, spawner.runner(0).closed.Load, time.Second, 5*time.Millisecond)
}
