package translate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/tidwall/pretty"

	"github.com/alexander-akhmetov/ccgateway/internal/openai"
)

// Fingerprint derives the cache key for a request: a SHA-256 digest over the
// alias-resolved model, the whitespace-stripped canonical messages JSON, the
// tools array, and the stream flag. Requests carrying a conversation id are
// stateful and must never reach the cache; callers enforce that before
// fingerprinting.
func Fingerprint(req *openai.ChatCompletionRequest) string {
	h := sha256.New()

	fmt.Fprintf(h, "model:%s\n", ResolveModel(req.Model))

	messages, _ := json.Marshal(req.Messages)
	h.Write(pretty.Ugly(messages))
	h.Write([]byte{'\n'})

	if len(req.Tools) > 0 {
		tools, _ := json.Marshal(req.Tools)
		h.Write(pretty.Ugly(tools))
	}
	h.Write([]byte{'\n'})

	fmt.Fprintf(h, "stream:%t", req.Stream)

	return hex.EncodeToString(h.Sum(nil))
}
