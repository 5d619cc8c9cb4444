package cliproc

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/alexander-akhmetov/ccgateway/internal/debug"
)

const (
	entrypointVar = "CLAUDE_CODE_ENTRYPOINT"
	entrypointTag = "sdk-go"

	maxOutputTokensVar     = "CLAUDE_CODE_MAX_OUTPUT_TOKENS"
	maxOutputTokensCeiling = 32000
	maxOutputTokensDefault = 8192
)

// BuildEnv constructs the environment variable slice for one Claude Code
// child. It starts from the inherited environment, applies the caller's
// overrides, tags the entrypoint, and normalizes CLAUDE_CODE_MAX_OUTPUT_TOKENS.
// The process-wide environment is never mutated; every spawn gets its own
// slice.
func BuildEnv(overrides map[string]string) ([]string, error) {
	drop := make(map[string]bool, len(overrides)+2)
	for k := range overrides {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return nil, fmt.Errorf("%w: bad variable name %q", ErrEnvInvalid, k)
		}
		drop[k] = true
	}
	drop[entrypointVar] = true

	environ := os.Environ()
	env := make([]string, 0, len(environ)+len(overrides)+1)
	for _, e := range environ {
		name, _, _ := strings.Cut(e, "=")
		if !drop[name] {
			env = append(env, e)
		}
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	env = append(env, entrypointVar+"="+entrypointTag)

	return clampMaxOutputTokens(env), nil
}

// clampMaxOutputTokens validates CLAUDE_CODE_MAX_OUTPUT_TOKENS wherever it
// appears in env. Integer values are clamped to [1, 32000]; anything else is
// replaced with the default.
func clampMaxOutputTokens(env []string) []string {
	prefix := maxOutputTokensVar + "="
	for i, e := range env {
		if !strings.HasPrefix(e, prefix) {
			continue
		}
		raw := strings.TrimPrefix(e, prefix)
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		switch {
		case err != nil:
			n = maxOutputTokensDefault
		case n < 1:
			n = 1
		case n > maxOutputTokensCeiling:
			n = maxOutputTokensCeiling
		}
		if fixed := strconv.Itoa(n); fixed != raw {
			debug.Logf("env: %s=%q normalized to %s", maxOutputTokensVar, raw, fixed)
			env[i] = prefix + fixed
		}
	}
	return env
}
