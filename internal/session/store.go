package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alexander-akhmetov/ccgateway/internal/debug"
)

// entry is the reservation slot for one conversation id. It is published in
// the store map before the factory runs, so concurrent acquirers for the same
// id wait on ready instead of racing a second spawn. A bare "contains then
// insert" here would be a TOCTOU bug: two callers could each spawn a child
// for one conversation.
type entry struct {
	ready chan struct{} // closed once sess or err is set
	sess  *Session
	err   error
}

// Config bounds the store.
type Config struct {
	// MaxSessions caps live children, pooled and ephemeral together.
	MaxSessions int

	// IdleTimeout is how long a pooled session may sit unused before the
	// reaper closes it.
	IdleTimeout time.Duration
}

// Stats is the session half of GET /stats.
type Stats struct {
	Active  int   `json:"active"`
	Created int64 `json:"created"`
	Reaped  int64 `json:"reaped"`
	Evicted int64 `json:"evicted"`
}

// Store owns every pooled session. The store mutex guards only the map and
// counters; it is never held across factory calls or child I/O.
type Store struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	entries   map[string]*entry
	ephemeral int
	closed    bool

	created int64
	reaped  int64
	evicted int64
}

// NewStore creates an empty store.
func NewStore(cfg Config) *Store {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 10
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	return &Store{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Acquire returns a guard over the session for conversationID, creating it
// via factory when absent. The guard holds the session's turn slot; the
// caller must Release it exactly once.
func (st *Store) Acquire(ctx context.Context, conversationID, model string, factory Factory) (*Guard, error) {
	for {
		st.mu.Lock()
		if st.closed {
			st.mu.Unlock()
			return nil, fmt.Errorf("session store closed")
		}

		if e, ok := st.entries[conversationID]; ok {
			st.mu.Unlock()
			g, retry, err := st.awaitEntry(ctx, conversationID, e)
			if err != nil {
				return nil, err
			}
			if retry {
				continue
			}
			return g, nil
		}

		if err := st.ensureCapacityLocked(); err != nil {
			st.mu.Unlock()
			return nil, err
		}
		e := &entry{ready: make(chan struct{})}
		st.entries[conversationID] = e
		st.mu.Unlock()

		runner, err := factory(ctx)
		if err != nil {
			st.mu.Lock()
			delete(st.entries, conversationID)
			st.mu.Unlock()
			e.err = err
			close(e.ready)
			return nil, err
		}

		sess := newSession(conversationID, model, runner, st.now())
		e.sess = sess
		st.mu.Lock()
		st.created++
		st.mu.Unlock()
		close(e.ready)

		if err := sess.acquireTurn(ctx); err != nil {
			return nil, err
		}
		debug.Logf("session: created conversation=%s model=%s", conversationID, model)
		return &Guard{store: st, sess: sess, fresh: true}, nil
	}
}

// awaitEntry waits for an existing reservation to resolve and then locks the
// session for one turn. retry=true means the entry died under us (factory
// failure or poisoning) and the caller should start over.
func (st *Store) awaitEntry(ctx context.Context, conversationID string, e *entry) (g *Guard, retry bool, err error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	if e.err != nil {
		// The creator already removed the reservation; take another run at it.
		return nil, true, nil
	}

	sess := e.sess
	if err := sess.acquireTurn(ctx); err != nil {
		return nil, false, err
	}

	// The session may have been poisoned and replaced while we waited for the
	// turn slot. poisoned is only written with the slot held, so the read is
	// stable here.
	st.mu.Lock()
	current := st.entries[conversationID] == e
	st.mu.Unlock()
	if !current || sess.poisoned {
		sess.releaseTurn()
		return nil, true, nil
	}
	return &Guard{store: st, sess: sess}, false, nil
}

// AcquireEphemeral spawns an anonymous single-turn session. It counts
// against MaxSessions but never enters the map; Release always closes it.
func (st *Store) AcquireEphemeral(ctx context.Context, model string, factory Factory) (*Guard, error) {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil, fmt.Errorf("session store closed")
	}
	if err := st.ensureCapacityLocked(); err != nil {
		st.mu.Unlock()
		return nil, err
	}
	st.ephemeral++
	st.mu.Unlock()

	runner, err := factory(ctx)
	if err != nil {
		st.mu.Lock()
		st.ephemeral--
		st.mu.Unlock()
		return nil, err
	}

	sess := newSession("", model, runner, st.now())
	st.mu.Lock()
	st.created++
	st.mu.Unlock()
	sess.turn <- struct{}{}
	return &Guard{store: st, sess: sess, ephemeral: true, fresh: true}, nil
}

// ensureCapacityLocked makes room for one more session, evicting the
// least-recently-used idle pooled session if needed. Callers hold st.mu.
func (st *Store) ensureCapacityLocked() error {
	if len(st.entries)+st.ephemeral < st.cfg.MaxSessions {
		return nil
	}

	var victimID string
	var victim *Session
	for id, e := range st.entries {
		select {
		case <-e.ready:
		default:
			continue // still being constructed
		}
		if e.err != nil || e.sess == nil {
			continue
		}
		if !e.sess.tryAcquireTurn() {
			continue // mid-turn, not evictable
		}
		if victim == nil || e.sess.lastUsed.Before(victim.lastUsed) {
			if victim != nil {
				victim.releaseTurn()
			}
			victimID, victim = id, e.sess
		} else {
			e.sess.releaseTurn()
		}
	}
	if victim == nil {
		return ErrCapacity
	}

	delete(st.entries, victimID)
	st.evicted++
	victim.poisoned = true
	victim.releaseTurn()
	go victim.runner.Close()
	logrus.WithField("conversation", victimID).Debug("evicted idle session")
	return nil
}

// release finishes a turn. Called only by Guard.Release.
func (st *Store) release(sess *Session, ephemeral bool, outcome Outcome) {
	if ephemeral {
		sess.releaseTurn()
		sess.runner.Close()
		st.mu.Lock()
		st.ephemeral--
		st.mu.Unlock()
		return
	}

	if outcome == OutcomeOK {
		st.mu.Lock()
		closed := st.closed
		st.mu.Unlock()
		if closed {
			// Shutdown raced this turn; don't re-pool into a dead store.
			sess.releaseTurn()
			sess.runner.Close()
			return
		}
		sess.lastUsed = st.now()
		sess.releaseTurn()
		return
	}

	// Poisoned: drop it from the pool before letting go of the turn slot so
	// no waiter can observe the broken child.
	sess.poisoned = true
	st.mu.Lock()
	if e, ok := st.entries[sess.conversationID]; ok && e.sess == sess {
		delete(st.entries, sess.conversationID)
	}
	st.mu.Unlock()
	sess.releaseTurn()
	sess.runner.Close()
	logrus.WithField("conversation", sess.conversationID).Warn("session poisoned, child discarded")
}

// Reap closes pooled sessions idle past IdleTimeout and returns how many it
// removed. Sessions mid-turn are skipped.
func (st *Store) Reap(now time.Time) int {
	type victim struct {
		id   string
		sess *Session
	}
	var victims []victim

	st.mu.Lock()
	for id, e := range st.entries {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.err != nil || e.sess == nil {
			continue
		}
		if !e.sess.tryAcquireTurn() {
			continue
		}
		if now.After(e.sess.lastUsed.Add(st.cfg.IdleTimeout)) {
			delete(st.entries, id)
			e.sess.poisoned = true
			victims = append(victims, victim{id, e.sess})
		} else {
			e.sess.releaseTurn()
		}
	}
	st.reaped += int64(len(victims))
	st.mu.Unlock()

	for _, v := range victims {
		v.sess.releaseTurn()
		v.sess.runner.Close()
		debug.Logf("session: reaped conversation=%s", v.id)
	}
	return len(victims)
}

// StartReaper runs Reap on a ticker until ctx ends.
func (st *Store) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := st.Reap(st.now()); n > 0 {
					logrus.WithField("count", n).Info("reaped idle sessions")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// CloseAll shuts every pooled session down. Used on server shutdown.
func (st *Store) CloseAll() {
	st.mu.Lock()
	st.closed = true
	entries := st.entries
	st.entries = make(map[string]*entry)
	st.mu.Unlock()

	for _, e := range entries {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.sess != nil {
			e.sess.runner.Close()
		}
	}
}

// Stats snapshots the counters for GET /stats.
func (st *Store) Stats() Stats {
	st.mu.Lock()
	defer st.mu.Unlock()
	return Stats{
		Active:  len(st.entries) + st.ephemeral,
		Created: st.created,
		Reaped:  st.reaped,
		Evicted: st.evicted,
	}
}

// Guard holds one session's turn slot for the duration of one turn. Release
// is idempotent; the first call decides the outcome. A caller that errors out
// must release with OutcomePoisoned; re-pooling a child mid-turn would let
// the next caller read the previous turn's output.
type Guard struct {
	store     *Store
	sess      *Session
	ephemeral bool
	fresh     bool

	once sync.Once
}

// Runner exposes the session's child for the current turn.
func (g *Guard) Runner() Runner { return g.sess.runner }

// Model is the model identifier the session was started with.
func (g *Guard) Model() string { return g.sess.model }

// Fresh reports whether this guard's acquire created the child. A fresh
// session has no prior context, so the caller must send the full collapsed
// transcript instead of just the newest user message.
func (g *Guard) Fresh() bool { return g.fresh }

// Release ends the turn. OutcomeOK re-pools the session; OutcomePoisoned
// closes and removes it.
func (g *Guard) Release(outcome Outcome) {
	g.once.Do(func() {
		g.store.release(g.sess, g.ephemeral, outcome)
	})
}
