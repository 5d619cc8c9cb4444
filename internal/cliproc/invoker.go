// Package cliproc owns Claude Code child processes. An Invoker wraps exactly
// one child started in bidirectional stream-json mode and exposes a
// half-duplex contract: send one prompt, then read events until the turn's
// Result or Error terminator.
package cliproc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/alexander-akhmetov/ccgateway/internal/debug"
)

// MaxLineBytes caps one stdout line. Longer lines are a fatal protocol
// error: unbounded line reads are a memory-DoS vector.
const MaxLineBytes = 64 * 1024

// closeGrace is how long Close waits for a clean exit after closing stdin
// before force-killing the child.
const closeGrace = 3 * time.Second

type readResult struct {
	line []byte
	err  error
}

// Invoker owns one Claude Code child process. It is not safe for concurrent
// use; the session layer serializes turns.
type Invoker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *bytes.Buffer

	lines   chan readResult
	done    chan struct{} // closed once the child is reaped
	waitErr error

	pending []Event // parsed events not yet delivered

	mu          sync.Mutex
	closed      bool
	interrupted bool
}

// Spawn starts one claude child per spec. The fixed stream-json flags are
// appended after the caller's argv prefix; the environment is built fresh for
// this child only.
func Spawn(ctx context.Context, spec SpawnSpec) (*Invoker, error) {
	binary := spec.Binary
	if binary == "" {
		binary = "claude"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrCliNotFound, binary)
	}

	env, err := BuildEnv(spec.Env)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, path, buildArgs(spec)...)
	cmd.Env = env
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	debug.Logf("cliproc: spawned pid=%d argv=%v", cmd.Process.Pid, cmd.Args)

	inv := &Invoker{
		cmd:    cmd,
		stdin:  stdin,
		stderr: &stderr,
		lines:  make(chan readResult, 16),
		done:   make(chan struct{}),
	}
	go inv.readLoop(stdout)
	return inv, nil
}

// readLoop scans stdout line by line, enforcing the length cap, then reaps
// the child. Exactly one goroutine per invoker owns the stdout reader.
func (inv *Invoker) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	// One extra byte of headroom so a line of exactly MaxLineBytes plus its
	// newline still fits; only 65537-byte lines trip ErrTooLong.
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes+1)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		inv.lines <- readResult{line: line}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			inv.lines <- readResult{err: fmt.Errorf("%w: stdout line exceeds %d bytes", ErrProtocol, MaxLineBytes)}
		} else {
			inv.lines <- readResult{err: fmt.Errorf("%w: read stdout: %v", ErrProtocol, err)}
		}
	}
	close(inv.lines)

	inv.waitErr = inv.cmd.Wait()
	if inv.waitErr != nil {
		debug.Logf("cliproc: pid=%d exited: %v stderr=%.200s", inv.cmd.Process.Pid, inv.waitErr, inv.stderr.String())
	}
	close(inv.done)
}

// SendPrompt writes exactly one stream-json user message envelope plus a
// newline to the child's stdin. Image paths become image-reference content
// parts alongside the prompt text.
func (inv *Invoker) SendPrompt(text string, imagePaths []string) error {
	inv.mu.Lock()
	if inv.closed {
		inv.mu.Unlock()
		return ErrClosed
	}
	inv.mu.Unlock()

	payload := `{"type":"user","message":{"role":"user","content":[]}}`
	payload, _ = sjson.Set(payload, "message.content.-1", map[string]any{
		"type": "text",
		"text": text,
	})
	for _, p := range imagePaths {
		payload, _ = sjson.Set(payload, "message.content.-1", map[string]any{
			"type":   "image",
			"source": map[string]any{"type": "path", "path": p},
		})
	}

	if _, err := io.WriteString(inv.stdin, payload+"\n"); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// ReadEvent returns the next event of the current turn. The ctx deadline is
// the per-read bound; on expiry the turn is abandoned with ErrTimeout. When
// the child closes stdout, ReadEvent returns ErrEndOfStream.
func (inv *Invoker) ReadEvent(ctx context.Context) (Event, error) {
	for {
		if len(inv.pending) > 0 {
			ev := inv.pending[0]
			inv.pending = inv.pending[1:]
			return ev, nil
		}

		select {
		case res, ok := <-inv.lines:
			if !ok {
				return Event{}, ErrEndOfStream
			}
			if res.err != nil {
				return Event{}, res.err
			}
			if len(bytes.TrimSpace(res.line)) == 0 {
				continue
			}
			inv.pending = parseLine(res.line)

		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Event{}, ErrTimeout
			}
			return Event{}, ctx.Err()
		}
	}
}

// Interrupt sends SIGTERM to the child. Best-effort and idempotent; a
// subsequent ReadEvent observes ErrEndOfStream or an error event.
func (inv *Invoker) Interrupt() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.interrupted || inv.cmd.Process == nil {
		return
	}
	inv.interrupted = true
	if err := inv.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		debug.Logf("cliproc: interrupt pid=%d: %v", inv.cmd.Process.Pid, err)
	}
}

// Close shuts the invoker down: stdin is closed, the child gets a short
// grace period to exit, then is force-killed. Close is idempotent and never
// returns before the child is reaped.
func (inv *Invoker) Close() error {
	inv.mu.Lock()
	if inv.closed {
		inv.mu.Unlock()
		<-inv.done
		return nil
	}
	inv.closed = true
	inv.mu.Unlock()

	inv.stdin.Close()

	// Drain leftover lines so the read loop can reach Wait; without this a
	// full channel would block it forever and the child would never be reaped.
	go func() {
		for range inv.lines {
		}
	}()

	select {
	case <-inv.done:
	case <-time.After(closeGrace):
		logrus.WithField("pid", inv.cmd.Process.Pid).Warn("claude child did not exit, killing")
		inv.cmd.Process.Kill()
		<-inv.done
	}
	return nil
}
