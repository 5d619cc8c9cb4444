package cliproc

// SpawnSpec describes one Claude Code child process. ArgvPrefix carries the
// caller-assembled flags (model, permission mode, MCP config, tool allow and
// deny lists, --add-dir, --settings); the invoker appends the fixed flags the
// bidirectional stream-json contract requires.
type SpawnSpec struct {
	// Binary is the claude executable. Empty means "claude" on PATH.
	Binary string

	// ArgvPrefix is prepended verbatim before the fixed stream-json flags.
	ArgvPrefix []string

	// WorkDir is the child's working directory. Empty inherits ours.
	WorkDir string

	// Env overrides applied on top of the inherited environment.
	Env map[string]string
}

// fixedArgs are required on every spawn; without them the child would not
// speak newline-delimited JSON on both pipes.
var fixedArgs = []string{
	"--input-format", "stream-json",
	"--output-format", "stream-json",
	"--verbose",
	"--print",
}

// buildArgs concatenates the caller prefix with the fixed stream-json flags.
func buildArgs(spec SpawnSpec) []string {
	args := make([]string, 0, len(spec.ArgvPrefix)+len(fixedArgs))
	args = append(args, spec.ArgvPrefix...)
	args = append(args, fixedArgs...)
	return args
}
