package gateway

import (
	"context"
	"strings"

	"github.com/alexander-akhmetov/ccgateway/internal/cliproc"
	"github.com/alexander-akhmetov/ccgateway/internal/config"
	"github.com/alexander-akhmetov/ccgateway/internal/session"
)

// NewSpawnFunc builds the production spawner: config flags become the argv
// prefix, and each child gets its own environment. Children are spawned off
// the background context on purpose: a pooled session must outlive the
// request that created it.
func NewSpawnFunc(cfg *config.Config) SpawnFunc {
	return func(_ context.Context, model string) (session.Runner, error) {
		argv := []string{"--model", model}
		if cfg.CLI.MCPConfig != "" {
			argv = append(argv, "--mcp-config", cfg.CLI.MCPConfig)
		}
		for _, dir := range cfg.CLI.AddDirs {
			argv = append(argv, "--add-dir", dir)
		}
		if cfg.CLI.Settings != "" {
			argv = append(argv, "--settings", cfg.CLI.Settings)
		}
		if cfg.CLI.SkipPermissions {
			argv = append(argv, "--dangerously-skip-permissions")
		}
		if len(cfg.CLI.AllowedTools) > 0 {
			argv = append(argv, "--allowedTools", strings.Join(cfg.CLI.AllowedTools, ","))
		}
		if len(cfg.CLI.DisallowedTools) > 0 {
			argv = append(argv, "--disallowedTools", strings.Join(cfg.CLI.DisallowedTools, ","))
		}
		argv = append(argv, cfg.CLI.ExtraFlags...)

		inv, err := cliproc.Spawn(context.Background(), cliproc.SpawnSpec{
			Binary:     cfg.CLI.Binary,
			ArgvPrefix: argv,
			WorkDir:    cfg.CLI.WorkDir,
			Env:        cfg.CLI.Env,
		})
		if err != nil {
			return nil, err
		}
		return inv, nil
	}
}

