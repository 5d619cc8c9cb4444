package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/alexander-akhmetov/ccgateway/internal/cliproc"
)

// stubRunner is a scripted stand-in for a cliproc.Invoker.
type stubRunner struct {
	closed atomic.Bool
}

func (r *stubRunner) SendPrompt(string, []string) error { return nil }

func (r *stubRunner) ReadEvent(context.Context) (cliproc.Event, error) {
	return cliproc.Event{Kind: cliproc.EventResult}, nil
}

func (r *stubRunner) Interrupt() {}

func (r *stubRunner) Close() error {
	r.closed.Store(true)
	return nil
}

func countingFactory(count *atomic.Int64) Factory {
	return func(context.Context) (Runner, error) {
		count.Add(1)
		return &stubRunner{}, nil
	}
}

func TestAcquireCreatesExactlyOnce(t *testing.T) {
	st := NewStore(Config{MaxSessions: 4})
	var spawns atomic.Int64
	factory := countingFactory(&spawns)

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			guard, err := st.Acquire(context.Background(), "c1", "sonnet", factory)
			if err != nil {
				return err
			}
			time.Sleep(time.Millisecond)
			guard.Release(OutcomeOK)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int64(1), spawns.Load())
	require.Equal(t, 1, st.Stats().Active)
}

func TestTurnsAreSerialized(t *testing.T) {
	st := NewStore(Config{MaxSessions: 2})
	var spawns atomic.Int64
	factory := countingFactory(&spawns)

	var inTurn atomic.Int32
	var overlapped atomic.Bool
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			guard, err := st.Acquire(context.Background(), "c1", "sonnet", factory)
			if err != nil {
				return err
			}
			if inTurn.Add(1) > 1 {
				overlapped.Store(true)
			}
			time.Sleep(2 * time.Millisecond)
			inTurn.Add(-1)
			guard.Release(OutcomeOK)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.False(t, overlapped.Load(), "two turns overlapped on one session")
}

func TestCapacityExceededWhenAllInTurn(t *testing.T) {
	st := NewStore(Config{MaxSessions: 2})
	var spawns atomic.Int64
	factory := countingFactory(&spawns)

	ga, err := st.Acquire(context.Background(), "a", "sonnet", factory)
	require.NoError(t, err)
	gb, err := st.Acquire(context.Background(), "b", "sonnet", factory)
	require.NoError(t, err)

	_, err = st.Acquire(context.Background(), "c", "sonnet", factory)
	require.ErrorIs(t, err, ErrCapacity)

	ga.Release(OutcomeOK)
	gb.Release(OutcomeOK)
}

func TestCapacityEvictsLRUIdle(t *testing.T) {
	st := NewStore(Config{MaxSessions: 2})

	var runnerA, runnerB *stubRunner
	mk := func(slot **stubRunner) Factory {
		return func(context.Context) (Runner, error) {
			*slot = &stubRunner{}
			return *slot, nil
		}
	}

	ga, err := st.Acquire(context.Background(), "a", "sonnet", mk(&runnerA))
	require.NoError(t, err)
	ga.Release(OutcomeOK)

	gb, err := st.Acquire(context.Background(), "b", "sonnet", mk(&runnerB))
	require.NoError(t, err)
	gb.Release(OutcomeOK)

	// "a" is the least recently used idle session; acquiring "c" evicts it.
	var runnerC *stubRunner
	gc, err := st.Acquire(context.Background(), "c", "sonnet", mk(&runnerC))
	require.NoError(t, err)
	gc.Release(OutcomeOK)

	require.Eventually(t, runnerA.closed.Load, time.Second, 5*time.Millisecond)
	require.False(t, runnerB.closed.Load())
	require.Equal(t, int64(1), st.Stats().Evicted)
}

func TestReuseAtCapacitySucceeds(t *testing.T) {
	st := NewStore(Config{MaxSessions: 1})
	var spawns atomic.Int64
	factory := countingFactory(&spawns)

	g1, err := st.Acquire(context.Background(), "a", "sonnet", factory)
	require.NoError(t, err)
	g1.Release(OutcomeOK)

	g2, err := st.Acquire(context.Background(), "a", "sonnet", factory)
	require.NoError(t, err)
	g2.Release(OutcomeOK)

	require.Equal(t, int64(1), spawns.Load())
}

func TestPoisonedSessionIsReplaced(t *testing.T) {
	st := NewStore(Config{MaxSessions: 2})

	var first *stubRunner
	g1, err := st.Acquire(context.Background(), "c1", "sonnet", func(context.Context) (Runner, error) {
		first = &stubRunner{}
		return first, nil
	})
	require.NoError(t, err)
	g1.Release(OutcomePoisoned)
	require.True(t, first.closed.Load())
	require.Equal(t, 0, st.Stats().Active)

	var spawns atomic.Int64
	g2, err := st.Acquire(context.Background(), "c1", "sonnet", countingFactory(&spawns))
	require.NoError(t, err)
	defer g2.Release(OutcomeOK)
	require.Equal(t, int64(1), spawns.Load())
}

func TestReleaseIsIdempotent(t *testing.T) {
	st := NewStore(Config{MaxSessions: 2})
	var spawns atomic.Int64

	g, err := st.Acquire(context.Background(), "c1", "sonnet", countingFactory(&spawns))
	require.NoError(t, err)
	g.Release(OutcomeOK)
	g.Release(OutcomePoisoned) // no effect: first call decided
	require.Equal(t, 1, st.Stats().Active)
}

func TestFactoryErrorDoesNotLeaveReservation(t *testing.T) {
	st := NewStore(Config{MaxSessions: 2})

	_, err := st.Acquire(context.Background(), "c1", "sonnet", func(context.Context) (Runner, error) {
		return nil, context.DeadlineExceeded
	})
	require.Error(t, err)

	var spawns atomic.Int64
	g, err := st.Acquire(context.Background(), "c1", "sonnet", countingFactory(&spawns))
	require.NoError(t, err)
	defer g.Release(OutcomeOK)
	require.Equal(t, int64(1), spawns.Load())
}

func TestReapClosesIdleSessions(t *testing.T) {
	st := NewStore(Config{MaxSessions: 4, IdleTimeout: time.Minute})

	var runner *stubRunner
	g, err := st.Acquire(context.Background(), "c1", "sonnet", func(context.Context) (Runner, error) {
		runner = &stubRunner{}
		return runner, nil
	})
	require.NoError(t, err)
	g.Release(OutcomeOK)

	require.Equal(t, 0, st.Reap(time.Now()))
	require.Equal(t, 1, st.Reap(time.Now().Add(2*time.Minute)))
	require.True(t, runner.closed.Load())
	require.Equal(t, 0, st.Stats().Active)
}

func TestReapSkipsSessionsMidTurn(t *testing.T) {
	st := NewStore(Config{MaxSessions: 4, IdleTimeout: time.Minute})
	var spawns atomic.Int64

	g, err := st.Acquire(context.Background(), "c1", "sonnet", countingFactory(&spawns))
	require.NoError(t, err)
	require.Equal(t, 0, st.Reap(time.Now().Add(time.Hour)))
	g.Release(OutcomeOK)
}

func TestEphemeralCountsAgainstCapacityAndCloses(t *testing.T) {
	st := NewStore(Config{MaxSessions: 1})

	var runner *stubRunner
	g, err := st.AcquireEphemeral(context.Background(), "sonnet", func(context.Context) (Runner, error) {
		runner = &stubRunner{}
		return runner, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, st.Stats().Active)

	var spawns atomic.Int64
	_, err = st.AcquireEphemeral(context.Background(), "sonnet", countingFactory(&spawns))
	require.ErrorIs(t, err, ErrCapacity)

	g.Release(OutcomeOK)
	require.True(t, runner.closed.Load())
	require.Equal(t, 0, st.Stats().Active)
}

func TestCloseAllShutsDownSessions(t *testing.T) {
	st := NewStore(Config{MaxSessions: 4})

	var runners []*stubRunner
	var mu sync.Mutex
	factory := func(context.Context) (Runner, error) {
		mu.Lock()
		defer mu.Unlock()
		r := &stubRunner{}
		runners = append(runners, r)
		return r, nil
	}

	for _, id := range []string{"a", "b"} {
		g, err := st.Acquire(context.Background(), id, "sonnet", factory)
		require.NoError(t, err)
		g.Release(OutcomeOK)
	}

	st.CloseAll()
	for _, r := range runners {
		require.True(t, r.closed.Load())
	}

	_, err := st.Acquire(context.Background(), "c", "sonnet", factory)
	require.Error(t, err)
}
