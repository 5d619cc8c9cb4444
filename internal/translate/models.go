// Package translate converts between the OpenAI chat-completions shapes and
// the Claude Code stream-json protocol: request collapse inbound, event
// projection outbound, plus model aliasing and request fingerprinting.
package translate

import "regexp"

// Latest model identifiers known at build time. The alias table maps the
// short names clients commonly send; anything unrecognized passes through
// for the CLI to validate.
const (
	latestOpus   = "claude-opus-4-5-20251101"
	latestSonnet = "claude-sonnet-4-5-20250929"
	latestHaiku  = "claude-haiku-4-5-20251001"
)

var aliases = map[string]string{
	"opus":   latestOpus,
	"sonnet": latestSonnet,
	"haiku":  latestHaiku,
}

// validModelName matches expected model name patterns (alphanumeric, dots, underscores, dashes, colons).
var validModelName = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)

// ResolveModel maps a short alias to its full identifier. Unrecognized names
// pass through unchanged, so resolution is idempotent.
func ResolveModel(model string) string {
	if full, ok := aliases[model]; ok {
		return full
	}
	return model
}

// ValidModel reports whether the identifier is syntactically plausible.
// Semantic validation belongs to the CLI.
func ValidModel(model string) bool {
	return model != "" && validModelName.MatchString(model)
}

// KnownModels lists the identifiers served by GET /v1/models: the aliases
// followed by the full identifiers they resolve to.
func KnownModels() []string {
	return []string{
		"opus", "sonnet", "haiku",
		latestOpus, latestSonnet, latestHaiku,
	}
}
