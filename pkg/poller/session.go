// Package poller drives the two periodic loops: alert polling and the
// tracked-modem resolution check.
package poller

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"modem-monitor/pkg/alertdiff"
	"modem-monitor/pkg/alertfetch"
	"modem-monitor/pkg/alerts"
	"modem-monitor/pkg/dashboard"
	"modem-monitor/pkg/logger"
	"modem-monitor/pkg/metrics"
	"modem-monitor/pkg/modemid"
	"modem-monitor/pkg/session"
)

const defaultInterval = 5 * time.Minute

// AlertFetcher is the paging fetcher.
type AlertFetcher interface {
	FetchAll(ctx context.Context, modemIDs []string, id session.Identity) alertfetch.Result
}

// ModemSource yields the officer's assigned modem ids.
type ModemSource interface {
	Assigned(ctx context.Context, id session.Identity) []string
}

// Dispatcher receives the alerts the diff classified as new.
type Dispatcher interface {
	Dispatch(ctx context.Context, newAlerts []modemid.Record) int
}

// Snapshot is the last applied poll, as the UI sees it.
type Snapshot struct {
	Metrics        dashboard.Metrics   `json:"metrics"`
	Alerts         []alerts.Normalized `json:"alerts"`
	AssignedModems []string            `json:"assignedModems"`
	FetchedAt      time.Time           `json:"fetchedAt"`
	Outcome        string              `json:"outcome"`
	Generation     uint64              `json:"generation"`
	Cycle          uint64              `json:"cycle"`
}

// SessionConfig wires a Session.
type SessionConfig struct {
	Fetcher    AlertFetcher
	Modems     ModemSource
	Identity   session.Provider
	Dispatcher Dispatcher
	Metrics    *metrics.Metrics
	Cycles     *logger.CycleLog // optional
	Interval   time.Duration
	Logf       func(string, ...any)
}

// Session is one alert polling stream. Ticks run one at a time in a single
// goroutine, so a slow fetch delays the next tick instead of overlapping it.
// Each Start opens a new generation with a fresh initial-load flag and an
// empty id set; results of an older generation are dropped.
type Session struct {
	cfg     SessionConfig
	logf    func(string, ...any)
	refresh chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	gen    atomic.Uint64
	cycles atomic.Uint64
	snap   atomic.Pointer[Snapshot]
}

// runState is owned by the loop goroutine of one generation.
type runState struct {
	gen     uint64
	prev    alertdiff.IDSet
	initial bool
}

// NewSession validates cfg and returns a stopped Session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Fetcher == nil || cfg.Modems == nil || cfg.Identity == nil || cfg.Dispatcher == nil {
		return nil, fmt.Errorf("poller: fetcher, modem source, identity and dispatcher are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Session{cfg: cfg, logf: logf, refresh: make(chan struct{}, 1)}, nil
}

// Start begins polling and fires the first tick immediately. The loop
// outlives ctx's cancellation; it ends only with Stop. It reports false when
// the session is already running.
func (s *Session) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return false
	}
	gen := s.gen.Add(1)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	select {
	case <-s.refresh:
	default:
	}

	st := &runState{gen: gen, prev: alertdiff.IDSet{}, initial: true}
	go s.loop(runCtx, st, done)
	s.logf("alert polling started: generation=%d interval=%s", gen, s.cfg.Interval)
	return true
}

// Stop ends polling and waits for the loop to exit. In-flight requests are
// cancelled and whatever they return is discarded.
func (s *Session) Stop() bool {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return false
	}
	s.gen.Add(1)
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	cancel()
	<-done
	s.logf("alert polling stopped")
	return true
}

// Running reports whether the loop is active.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Refresh asks a running loop for an extra tick now. Requests made while a
// tick is running collapse into one.
func (s *Session) Refresh() {
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

// Snapshot returns the last applied poll.
func (s *Session) Snapshot() (Snapshot, bool) {
	p := s.snap.Load()
	if p == nil {
		return Snapshot{}, false
	}
	return *p, true
}

func (s *Session) loop(ctx context.Context, st *runState, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.tick(ctx, st)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.refresh:
		}
	}
}

func (s *Session) current(st *runState) bool {
	return s.gen.Load() == st.gen
}

func (s *Session) tick(ctx context.Context, st *runState) {
	cycle := s.cycles.Add(1)
	cycleID := fmt.Sprintf("poll-%d", cycle)
	s.begin(cycleID)

	id := s.cfg.Identity.Identity(ctx)
	assigned := s.cfg.Modems.Assigned(ctx, id)
	s.append(cycleID, fmt.Sprintf("assigned modems: %d", len(assigned)))

	res := s.cfg.Fetcher.FetchAll(ctx, assigned, id)
	s.append(cycleID, fmt.Sprintf("fetch %s: records=%d requests=%d", res.Outcome, len(res.Records), res.Requests))

	if ctx.Err() != nil || !s.current(st) {
		s.success(cycleID, "discarded: polling stopped")
		return
	}
	s.cfg.Metrics.Poll(res.Outcome.String())

	switch res.Outcome {
	case alertfetch.Skipped:
		s.success(cycleID, "skipped: no identity or no assigned modems")
		return
	case alertfetch.Failed:
		s.flushError(cycleID, fmt.Errorf("alert fetch failed, keeping previous state: %w", res.Err))
		return
	}

	counts := dashboard.Aggregate(assigned, res.Records)
	s.cfg.Metrics.Modems(counts.CommunicatingModems, counts.NonCommunicatingModems)
	s.snap.Store(&Snapshot{
		Metrics:        counts,
		Alerts:         alerts.NormalizeAll(owned(assigned, res.Records)),
		AssignedModems: assigned,
		FetchedAt:      time.Now().UTC(),
		Outcome:        res.Outcome.String(),
		Generation:     st.gen,
		Cycle:          cycle,
	})

	if res.Outcome == alertfetch.Partial {
		s.flushError(cycleID, fmt.Errorf("partial fetch, diff skipped: %w", res.Err))
		return
	}

	d := alertdiff.Diff(st.prev, res.Records, assigned, st.initial)
	wasInitial := st.initial
	st.prev, st.initial = d.NextIDs, d.NextIsInitialLoad
	s.cfg.Metrics.NewAlerts(len(d.NewAlerts))

	sent := 0
	if len(d.NewAlerts) > 0 {
		sent = s.cfg.Dispatcher.Dispatch(ctx, d.NewAlerts)
	}
	s.success(cycleID, fmt.Sprintf("poll %s: alerts=%d known=%d new=%d notified=%d initial=%t comm=%d noncomm=%d",
		res.Outcome, len(res.Records), d.NextIDs.Len(), len(d.NewAlerts), sent, wasInitial,
		counts.CommunicatingModems, counts.NonCommunicatingModems))
}

func owned(assigned []string, records []modemid.Record) []modemid.Record {
	set := modemid.NewSet(assigned)
	out := make([]modemid.Record, 0, len(records))
	for _, r := range records {
		if _, ok := set.Owned(r); ok {
			out = append(out, r)
		}
	}
	return out
}

func (s *Session) begin(cycleID string) {
	if s.cfg.Cycles != nil {
		s.cfg.Cycles.Begin(cycleID)
	}
}

func (s *Session) append(cycleID, msg string) {
	if s.cfg.Cycles != nil {
		s.cfg.Cycles.Append(cycleID, msg)
	}
}

func (s *Session) success(cycleID, summary string) {
	if s.cfg.Cycles != nil {
		s.cfg.Cycles.Success(cycleID, summary)
		return
	}
	s.logf("[%s] %s", cycleID, summary)
}

func (s *Session) flushError(cycleID string, err error) {
	if s.cfg.Cycles != nil {
		s.cfg.Cycles.FlushError(cycleID, err)
		return
	}
	s.logf("[%s][ERROR] %v", cycleID, err)
}
