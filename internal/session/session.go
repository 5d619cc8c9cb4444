// Package session pools warm Claude Code child processes keyed by
// conversation id, so follow-up turns reuse the child's context instead of
// replaying the transcript. The store bounds total live children, serializes
// turns per session, and reaps idle entries in the background.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/alexander-akhmetov/ccgateway/internal/cliproc"
)

// ErrCapacity means the store is at max_concurrent_sessions and every
// session is mid-turn, so nothing can be evicted.
var ErrCapacity = errors.New("session capacity exceeded")

// Runner is the slice of cliproc.Invoker the session layer needs. Tests
// substitute scripted implementations; production always uses the invoker.
type Runner interface {
	SendPrompt(text string, imagePaths []string) error
	ReadEvent(ctx context.Context) (cliproc.Event, error)
	Interrupt()
	Close() error
}

// Factory spawns the child for a new session. It runs without the store lock
// held, but under the session's reservation: concurrent acquirers for one
// conversation id share a single factory call.
type Factory func(ctx context.Context) (Runner, error)

// Outcome reports how a turn ended when a guard is released.
type Outcome int

const (
	// OutcomeOK marks a clean turn; the session returns to the pool.
	OutcomeOK Outcome = iota

	// OutcomePoisoned marks a session observed in an inconsistent state
	// (timeout, protocol error, EOF mid-turn). It is closed and removed, and
	// the next turn for the conversation starts a fresh child.
	OutcomePoisoned
)

// Session is one pooled child process. The turn channel is a one-slot
// semaphore held for the full duration of a turn, prompt write through
// terminal event; it is the serialization primitive the correctness of the
// whole gateway hangs on.
type Session struct {
	conversationID string
	model          string
	runner         Runner

	turn chan struct{}

	// The fields below are written only while turn is held.
	lastUsed  time.Time
	createdAt time.Time
	poisoned  bool
}

func newSession(conversationID, model string, runner Runner, now time.Time) *Session {
	return &Session{
		conversationID: conversationID,
		model:          model,
		runner:         runner,
		turn:           make(chan struct{}, 1),
		lastUsed:       now,
		createdAt:      now,
	}
}

// acquireTurn blocks until the session's turn slot is free or ctx ends.
func (s *Session) acquireTurn(ctx context.Context) error {
	select {
	case s.turn <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryAcquireTurn grabs the turn slot only if it is free right now.
func (s *Session) tryAcquireTurn() bool {
	select {
	case s.turn <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Session) releaseTurn() {
	<-s.turn
}
