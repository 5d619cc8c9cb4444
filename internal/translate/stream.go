package translate

import (
	"time"
	"unicode/utf8"

	"github.com/alexander-akhmetov/ccgateway/internal/openai"
)

// StreamState produces the OpenAI chunk sequence for one streaming turn: a
// role chunk, a content chunk per assistant delta, and a finish chunk. All
// chunks share one id and created stamp.
type StreamState struct {
	id         string
	model      string
	created    int64
	chunkBytes int
	started    bool
}

// NewStreamState starts a streaming turn for the given (post-alias) model.
// chunkBytes > 0 enables sub-chunking of large deltas for smoother client
// rendering; 0 passes deltas through whole. Sub-chunking never alters the
// total content: the concatenation of emitted pieces equals the source delta
// byte for byte.
func NewStreamState(model string, chunkBytes int) *StreamState {
	return &StreamState{
		id:         NewCompletionID(),
		model:      model,
		created:    time.Now().Unix(),
		chunkBytes: chunkBytes,
	}
}

func (ss *StreamState) chunk(choice openai.ChunkChoice) openai.ChatCompletionChunk {
	return openai.ChatCompletionChunk{
		ID:      ss.id,
		Object:  "chat.completion.chunk",
		Created: ss.created,
		Model:   ss.model,
		Choices: []openai.ChunkChoice{choice},
	}
}

// ContentChunks converts one assistant delta into chunk(s). The first call
// also emits the leading role chunk.
func (ss *StreamState) ContentChunks(text string) []openai.ChatCompletionChunk {
	var chunks []openai.ChatCompletionChunk
	if !ss.started {
		ss.started = true
		chunks = append(chunks, ss.chunk(openai.ChunkChoice{
			Index: 0,
			Delta: openai.ChunkDelta{Role: "assistant"},
		}))
	}
	if text == "" {
		return chunks
	}
	for _, piece := range splitDelta(text, ss.chunkBytes) {
		piece := piece
		chunks = append(chunks, ss.chunk(openai.ChunkChoice{
			Index: 0,
			Delta: openai.ChunkDelta{Content: &piece},
		}))
	}
	return chunks
}

// FinishChunk is the terminal chunk: empty delta plus finish_reason. The SSE
// [DONE] sentinel follows it on the wire.
func (ss *StreamState) FinishChunk(reason string) openai.ChatCompletionChunk {
	return ss.chunk(openai.ChunkChoice{
		Index:        0,
		Delta:        openai.ChunkDelta{},
		FinishReason: &reason,
	})
}

// splitDelta cuts text into pieces of roughly target bytes, never inside a
// UTF-8 sequence. target <= 0 returns the text whole.
func splitDelta(text string, target int) []string {
	if target <= 0 || len(text) <= target {
		return []string{text}
	}
	var pieces []string
	for len(text) > target {
		cut := target
		// Back up to a rune start so multi-byte characters stay intact.
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			// The target lands inside the first rune; emit that rune whole.
			_, cut = utf8.DecodeRuneInString(text)
		}
		pieces = append(pieces, text[:cut])
		text = text[cut:]
	}
	return append(pieces, text)
}
