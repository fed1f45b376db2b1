// Package reconciler reconciles the multiplexer's live process table against
// the tracked status records. One supervised monitor goroutine runs per
// active session, keyed in a map with explicit cancellation; it refreshes the
// heartbeat while the session is alive and finalizes the record when the
// session vanishes.
package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kalfasyan/desto/internal/metrics"
	"github.com/kalfasyan/desto/internal/session"
	"github.com/kalfasyan/desto/internal/tmux"
)

// Lister is the slice of the multiplexer client the reconciler needs.
type Lister interface {
	ListSessions(ctx context.Context) (map[string]tmux.SessionInfo, error)
}

// Config tunes the monitoring loops.
type Config struct {
	// PollInterval between liveness checks while a session is active.
	PollInterval time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	// ErrorBackoff is the longer sleep after a failed poll iteration.
	ErrorBackoff time.Duration `toml:"error_backoff" mapstructure:"error_backoff"`
	// StartupDelay gives a freshly launched session a moment to appear in
	// the process table before monitoring starts judging it.
	StartupDelay time.Duration `toml:"startup_delay" mapstructure:"startup_delay"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		ErrorBackoff: 10 * time.Second,
		StartupDelay: 2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = d.ErrorBackoff
	}
	if c.StartupDelay == 0 {
		c.StartupDelay = d.StartupDelay
	}
	if c.StartupDelay < 0 {
		// Negative disables the delay (tests).
		c.StartupDelay = 0
	}
	return c
}

// Reconciler owns the monitor goroutines. All methods are safe for
// concurrent use.
type Reconciler struct {
	lister   Lister
	registry *session.Registry
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	monitors map[string]watch
}

// watch is one running monitor: its cancel plus a channel closed on exit.
type watch struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func New(lister Lister, registry *session.Registry, cfg Config) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		lister:   lister,
		registry: registry,
		cfg:      cfg.withDefaults(),
		ctx:      ctx,
		cancel:   cancel,
		monitors: make(map[string]watch),
	}
}

// Watch starts a monitor for a session name. Watching an already-watched
// name is a no-op.
func (r *Reconciler) Watch(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.monitors[name]; ok {
		return
	}
	mctx, mcancel := context.WithCancel(r.ctx)
	w := watch{cancel: mcancel, done: make(chan struct{})}
	r.monitors[name] = w
	r.wg.Add(1)
	go r.monitor(mctx, name, w.done)
}

// Cancel stops the monitor for one session without touching its record.
func (r *Reconciler) Cancel(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.monitors[name]; ok {
		w.cancel()
		delete(r.monitors, name)
	}
}

// Wait blocks until the monitor for name exits, whether because the session
// terminated or because monitoring was stopped. Returns immediately when
// nothing is watching the name.
func (r *Reconciler) Wait(ctx context.Context, name string) error {
	r.mu.Lock()
	w, ok := r.monitors[name]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Watching reports whether a monitor is active for the name.
func (r *Reconciler) Watching(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.monitors[name]
	return ok
}

// Stop cancels every monitor and waits for the loops to drain.
func (r *Reconciler) Stop() {
	r.cancel()
	r.wg.Wait()
	r.mu.Lock()
	r.monitors = make(map[string]watch)
	r.mu.Unlock()
}

// Resync inspects the store and the live process table once and repairs the
// gap: running records whose session is alive get a fresh monitor, running
// records whose session is gone are finalized. Used after a dashboard
// restart, when the previous monitors died with the process.
func (r *Reconciler) Resync(ctx context.Context) error {
	active, err := r.registry.Tracker().ActiveSessions(ctx)
	if err != nil {
		return err
	}
	live, err := r.lister.ListSessions(ctx)
	if err != nil {
		return err
	}
	for name := range active {
		if _, alive := live[name]; alive {
			r.Watch(name)
		} else {
			r.finalize(ctx, name)
		}
	}
	return nil
}

func (r *Reconciler) monitor(ctx context.Context, name string, done chan struct{}) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.monitors, name)
		r.mu.Unlock()
		close(done)
	}()

	if r.cfg.StartupDelay > 0 {
		if !sleepCtx(ctx, r.cfg.StartupDelay) {
			return
		}
	}
	slog.Debug("monitoring started", "session", name)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		live, err := r.lister.ListSessions(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.IncPollError()
			slog.Error("poll failed, backing off", "session", name, "error", err)
			if !sleepCtx(ctx, r.cfg.ErrorBackoff) {
				return
			}
			continue
		}
		metrics.SetActiveSessions(len(live))

		if _, alive := live[name]; !alive {
			r.finalize(ctx, name)
			slog.Info("monitoring ended, session terminated", "session", name)
			return
		}

		if err := r.registry.Tracker().UpdateHeartbeat(ctx, name); err != nil {
			slog.Debug("heartbeat update failed", "session", name, "error", err)
		}
		if !sleepCtx(ctx, r.cfg.PollInterval) {
			return
		}
	}
}

// finalize forces the terminal transition for a session whose process is
// gone. Absence of a completion signal is treated as exit code 0: once the
// process vanished no real exit code is recoverable, so a silent crash is
// indistinguishable from success here.
func (r *Reconciler) finalize(ctx context.Context, name string) {
	if js := r.registry.GetJobStatus(ctx, name); !js.Done() {
		slog.Warn("session ended without completion signal, assuming exit 0", "session", name)
	}
	if err := r.registry.FinishSession(ctx, name, 0); err != nil {
		slog.Error("finalize session failed", "session", name, "error", err)
		return
	}
	metrics.IncSessionFinish("finished")
}

// sleepCtx sleeps for d or until ctx is done; reports false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
