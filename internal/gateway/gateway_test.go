package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alexander-akhmetov/ccgateway/internal/cliproc"
	"github.com/alexander-akhmetov/ccgateway/internal/config"
	"github.com/alexander-akhmetov/ccgateway/internal/session"
	"github.com/stretchr/testify/require"
)

// scriptRunner plays back canned turns: each SendPrompt arms the next event
// sequence, and ReadEvent pops from it. An exhausted script blocks until the
// read deadline, mimicking a silent child.
type scriptRunner struct {
	mu      sync.Mutex
	turns   [][]cliproc.Event
	current []cliproc.Event
	prompts []string
	images  [][]string
	wake    chan struct{}

	// eofOnExhaust makes an exhausted script report ErrEndOfStream instead of
	// blocking, mimicking a child that closed stdout mid-turn.
	eofOnExhaust bool

	sendErr     error
	interrupted atomic.Bool
	closed      atomic.Bool
}

func newScriptRunner(turns ...[]cliproc.Event) *scriptRunner {
	return &scriptRunner{turns: turns, wake: make(chan struct{}, 1)}
}

// feed arms more events mid-turn and wakes a blocked ReadEvent.
func (r *scriptRunner) feed(events []cliproc.Event) {
	r.mu.Lock()
	r.current = append(r.current, events...)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *scriptRunner) SendPrompt(text string, imagePaths []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.prompts = append(r.prompts, text)
	r.images = append(r.images, imagePaths)
	if len(r.turns) > 0 {
		r.current = r.turns[0]
		r.turns = r.turns[1:]
	} else {
		r.current = nil
	}
	return nil
}

func (r *scriptRunner) ReadEvent(ctx context.Context) (cliproc.Event, error) {
	for {
		r.mu.Lock()
		if len(r.current) > 0 {
			ev := r.current[0]
			r.current = r.current[1:]
			r.mu.Unlock()
			return ev, nil
		}
		eof := r.eofOnExhaust
		r.mu.Unlock()

		if eof {
			return cliproc.Event{}, cliproc.ErrEndOfStream
		}
		select {
		case <-r.wake:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return cliproc.Event{}, cliproc.ErrTimeout
			}
			return cliproc.Event{}, ctx.Err()
		}
	}
}

func (r *scriptRunner) Interrupt() { r.interrupted.Store(true) }

func (r *scriptRunner) Close() error {
	r.closed.Store(true)
	return nil
}

func (r *scriptRunner) sentPrompts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.prompts...)
}

// okTurn is the canonical happy-path event sequence.
func okTurn(text string) []cliproc.Event {
	return []cliproc.Event{
		{Kind: cliproc.EventSystemInit, SessionID: "s-1", Model: "claude-sonnet-4-5-20250929"},
		{Kind: cliproc.EventAssistantDelta, Text: text},
		{Kind: cliproc.EventResult, StopReason: "end_turn", InputTokens: 12, OutputTokens: 3, CostUSD: 0.001, DurationMS: 40},
	}
}

// testSpawner hands out scripted runners and counts spawns.
type testSpawner struct {
	mu      sync.Mutex
	runners []*scriptRunner
	next    func() *scriptRunner
	spawns  atomic.Int64
	err     error
}

// runner returns the i-th spawned runner.
func (s *testSpawner) runner(i int) *scriptRunner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runners[i]
}

func (s *testSpawner) spawn(context.Context, string) (session.Runner, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.spawns.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.next()
	s.runners = append(s.runners, r)
	return r, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Session.TurnTimeoutSeconds = 5
	return cfg
}
