package cliproc

import "errors"

// Sentinel error kinds surfaced by the invoker. Callers classify with
// errors.Is; the HTTP boundary maps each kind to a status code.
var (
	// ErrCliNotFound means the claude binary is absent or not executable.
	ErrCliNotFound = errors.New("claude binary not found")

	// ErrSpawnFailed means the OS failed to start the child process.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrEnvInvalid means the caller-supplied environment map is malformed.
	ErrEnvInvalid = errors.New("invalid environment")

	// ErrClosed means the invoker has already terminated; no further turns
	// are possible on it.
	ErrClosed = errors.New("invoker closed")

	// ErrWriteFailed means the child's stdin pipe rejected the prompt write.
	ErrWriteFailed = errors.New("stdin write failed")

	// ErrProtocol means the child violated the stream-json framing: a line
	// over the length cap, or a terminal error event.
	ErrProtocol = errors.New("cli protocol error")

	// ErrTimeout means the per-read deadline elapsed before an event arrived.
	ErrTimeout = errors.New("read timed out")

	// ErrEndOfStream means the child closed stdout. Mid-turn this is a
	// protocol violation; the owning session must be discarded.
	ErrEndOfStream = errors.New("end of stream")
)
