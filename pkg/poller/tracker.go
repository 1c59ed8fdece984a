package poller

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"modem-monitor/pkg/alertfetch"
	"modem-monitor/pkg/kvstore"
	"modem-monitor/pkg/metrics"
	"modem-monitor/pkg/session"
)

// KeyTrackedModem holds the id of the watched modem across restarts. Only
// the Tracker writes it.
const KeyTrackedModem = "trackedModemId"

// StatusChecker reads one modem's ticket status.
type StatusChecker interface {
	FetchModemStatus(ctx context.Context, id session.Identity, modemID string) (alertfetch.ModemStatus, error)
}

// Resolver is told when the tracked modem is resolved.
type Resolver interface {
	DispatchResolution(ctx context.Context, modemID string) error
}

// TrackerConfig wires a Tracker.
type TrackerConfig struct {
	Checker  StatusChecker
	Resolver Resolver
	Store    kvstore.Store
	Identity session.Provider
	Metrics  *metrics.Metrics
	Interval time.Duration
	Logf     func(string, ...any)
}

// Tracker watches at most one modem and notifies once it is resolved.
// Tracking a new modem replaces the previous one.
type Tracker struct {
	cfg  TrackerConfig
	logf func(string, ...any)

	ops sync.Mutex // serializes Track, Resume, Untrack and Stop

	// keyMu orders writes of KeyTrackedModem. claim counts Track, Resume
	// and Untrack calls; a resolved loop clears the key only while its
	// claim is still the latest.
	keyMu sync.Mutex
	claim uint64

	mu      sync.Mutex
	modemID string
	gen     uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewTracker returns an idle Tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Checker == nil || cfg.Resolver == nil || cfg.Identity == nil {
		return nil, errors.New("poller: checker, resolver and identity are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Tracker{cfg: cfg, logf: logf}, nil
}

// Track starts watching modemID and remembers it in the store. A store
// failure is logged; tracking continues in memory.
func (t *Tracker) Track(ctx context.Context, modemID string) error {
	modemID = strings.TrimSpace(modemID)
	if modemID == "" {
		return errors.New("poller: empty modem id")
	}
	t.ops.Lock()
	defer t.ops.Unlock()

	t.keyMu.Lock()
	t.claim++
	claim := t.claim
	if t.cfg.Store != nil {
		if err := t.cfg.Store.SetItem(ctx, KeyTrackedModem, modemID); err != nil {
			t.logf("tracking: store write failed: %v", err)
			t.cfg.Metrics.StoreError()
		}
	}
	t.keyMu.Unlock()

	t.start(ctx, modemID, claim)
	return nil
}

// Resume restarts tracking for the modem stored by an earlier process.
func (t *Tracker) Resume(ctx context.Context) (string, bool) {
	if t.cfg.Store == nil {
		return "", false
	}
	t.ops.Lock()
	defer t.ops.Unlock()

	t.keyMu.Lock()
	id, ok, err := t.cfg.Store.GetItem(ctx, KeyTrackedModem)
	t.claim++
	claim := t.claim
	t.keyMu.Unlock()
	if err != nil {
		t.logf("tracking: store read failed: %v", err)
		return "", false
	}
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		return "", false
	}
	t.start(ctx, id, claim)
	return id, true
}

// Untrack stops watching and forgets the modem.
func (t *Tracker) Untrack(ctx context.Context) {
	t.ops.Lock()
	defer t.ops.Unlock()
	t.stop()

	t.keyMu.Lock()
	defer t.keyMu.Unlock()
	t.claim++
	t.removeKey(ctx)
}

// forget clears the stored id after a resolution unless a later Track,
// Resume or Untrack has claimed the key since claim was taken.
func (t *Tracker) forget(ctx context.Context, claim uint64, modemID string) {
	t.keyMu.Lock()
	defer t.keyMu.Unlock()
	if t.claim != claim {
		t.logf("tracking %s: stored id was replaced, leaving it", modemID)
		return
	}
	t.removeKey(ctx)
}

// removeKey must be called with keyMu held.
func (t *Tracker) removeKey(ctx context.Context) {
	if t.cfg.Store == nil {
		return
	}
	if err := t.cfg.Store.RemoveItem(ctx, KeyTrackedModem); err != nil {
		t.logf("tracking: store clear failed: %v", err)
		t.cfg.Metrics.StoreError()
	}
}

// Tracked returns the modem currently watched.
func (t *Tracker) Tracked() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.modemID, t.modemID != ""
}

// Stop ends the status loop but keeps the stored id, so a later Resume
// picks it up again.
func (t *Tracker) Stop() {
	t.ops.Lock()
	defer t.ops.Unlock()
	t.stop()
}

func (t *Tracker) stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done, t.modemID = nil, nil, ""
	t.gen++
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (t *Tracker) start(ctx context.Context, modemID string, claim uint64) {
	t.stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	gen := t.gen
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	t.modemID, t.cancel, t.done = modemID, cancel, done
	go t.loop(runCtx, gen, claim, modemID, done)
	t.logf("tracking modem %s every %s", modemID, t.cfg.Interval)
}

func (t *Tracker) loop(ctx context.Context, gen, claim uint64, modemID string, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		if t.check(ctx, gen, claim, modemID) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// check reports true once the modem is resolved and tracking has ended.
func (t *Tracker) check(ctx context.Context, gen, claim uint64, modemID string) bool {
	id := t.cfg.Identity.Identity(ctx)
	if !id.Valid() {
		return false
	}
	st, err := t.cfg.Checker.FetchModemStatus(ctx, id, modemID)
	if err != nil {
		if ctx.Err() == nil {
			t.logf("tracking %s: status check failed, retrying next tick: %v", modemID, err)
		}
		return false
	}
	if !st.Resolved() {
		return false
	}

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return true
	}
	cancel := t.cancel
	t.modemID, t.cancel, t.done = "", nil, nil
	t.gen++
	t.mu.Unlock()

	if err := t.cfg.Resolver.DispatchResolution(ctx, modemID); err != nil {
		t.logf("tracking %s: resolution notification failed: %v", modemID, err)
	}
	t.forget(ctx, claim, modemID)
	cancel()
	t.cfg.Metrics.Resolution()
	t.logf("tracking %s: resolved, tracking stopped", modemID)
	return true
}
