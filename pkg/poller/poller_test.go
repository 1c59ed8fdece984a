package poller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modem-monitor/pkg/alertfetch"
	"modem-monitor/pkg/dashboard"
	"modem-monitor/pkg/kvstore"
	"modem-monitor/pkg/logger"
	"modem-monitor/pkg/metrics"
	"modem-monitor/pkg/notify"
	"modem-monitor/pkg/session"
)

var officer = session.Static{Phone: "9876543210", APIKey: "k-1"}

// upstream serves a switchable alert list, honoring limit and offset.
// fail makes every call a 500, failAt only the page at that offset, and a
// non-empty raw replaces every body.
type upstream struct {
	mu     sync.Mutex
	alerts []map[string]any
	fail   bool
	failAt string
	raw    string
	hits   atomic.Int32
	srv    *httptest.Server
}

func newUpstream(t *testing.T) *upstream {
	u := &upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		u.mu.Lock()
		fail, failAt, raw, list := u.fail, u.failAt, u.raw, u.alerts
		u.mu.Unlock()

		q := r.URL.Query()
		if fail || (failAt != "" && q.Get("offset") == failAt) {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		if raw != "" {
			_, _ = w.Write([]byte(raw))
			return
		}
		offset, _ := strconv.Atoi(q.Get("offset"))
		limit, err := strconv.Atoi(q.Get("limit"))
		if err != nil || limit <= 0 {
			limit = len(list)
		}
		page := []map[string]any{}
		if offset < len(list) {
			page = list[offset:min(offset+limit, len(list))]
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": page})
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) set(fail bool, alerts ...map[string]any) {
	u.mu.Lock()
	u.fail, u.alerts = fail, alerts
	u.failAt, u.raw = "", ""
	u.mu.Unlock()
}

func (u *upstream) failPage(offset string) {
	u.mu.Lock()
	u.failAt = offset
	u.mu.Unlock()
}

func (u *upstream) serveRaw(body string) {
	u.mu.Lock()
	u.raw = body
	u.mu.Unlock()
}

type rig struct {
	up       *upstream
	session  *Session
	notifier *notify.Dispatcher
	store    *kvstore.Memory
}

func newRig(t *testing.T) *rig {
	t.Helper()
	return newRigWith(t, 0)
}

// newRigWith builds a rig whose fetcher asks for pageSize alerts per page;
// 0 keeps the default.
func newRigWith(t *testing.T, pageSize int) *rig {
	t.Helper()
	up := newUpstream(t)
	store := kvstore.NewMemory()
	d := notify.New(context.Background(), store, nil, notify.Options{
		Spacing:  5 * time.Millisecond,
		PopupTTL: time.Second,
	}, t.Logf)
	t.Cleanup(d.Close)

	cycles := logger.NewCycleLog(t.Logf)
	s, err := NewSession(SessionConfig{
		Fetcher:    alertfetch.New(alertfetch.Config{BaseURL: up.srv.URL, PageSize: pageSize}, t.Logf),
		Modems:     &AssignedSource{Fallback: []string{"MDM001", "MDM002"}, Logf: t.Logf},
		Identity:   officer,
		Dispatcher: d,
		Metrics:    metrics.New(nil),
		Cycles:     cycles,
		Interval:   time.Hour,
		Logf:       t.Logf,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Stop()
		cycles.Sync()
	})
	return &rig{up: up, session: s, notifier: d, store: store}
}

func (r *rig) waitCycle(t *testing.T, cycle uint64) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		var ok bool
		snap, ok = r.session.Snapshot()
		return ok && snap.Cycle >= cycle
	}, 3*time.Second, 5*time.Millisecond)
	return snap
}

var (
	a1 = map[string]any{"id": "a1", "modemSlNo": "MDM001", "code": 214}
	a2 = map[string]any{"id": "a2", "modemSlNo": "MDM002", "code": 112}
)

func TestEndToEndFirstPollSeedsSecondNotifies(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	r.up.set(false, a1)
	require.True(t, r.session.Start(context.Background()))
	assert.False(t, r.session.Start(context.Background()), "already running")

	snap := r.waitCycle(t, 1)
	assert.Equal(t, dashboard.Metrics{CommunicatingModems: 1, NonCommunicatingModems: 1, TotalTasksToday: 1}, snap.Metrics)
	assert.Equal(t, "complete", snap.Outcome)
	require.Len(t, snap.Alerts, 1)
	assert.Equal(t, "a1", snap.Alerts[0].ID)
	assert.Empty(t, r.notifier.List(0), "first poll only seeds")

	r.up.set(false, a1, a2)
	r.session.Refresh()

	snap = r.waitCycle(t, 2)
	assert.Equal(t, dashboard.Metrics{NonCommunicatingModems: 2, TotalTasksToday: 2}, snap.Metrics)
	require.Eventually(t, func() bool { return len(r.notifier.List(0)) == 1 }, 3*time.Second, 5*time.Millisecond)

	n := r.notifier.List(0)[0]
	assert.Equal(t, "New Alert", n.Title)
	assert.Equal(t, "Modem MDM002: Meter COM Failed (Code: 112)", n.Message)

	// Same data again: nothing new.
	r.session.Refresh()
	r.waitCycle(t, 3)
	assert.Len(t, r.notifier.List(0), 1)
}

func TestFailedFetchKeepsPreviousState(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	r.up.set(false, a1)
	r.session.Start(context.Background())
	first := r.waitCycle(t, 1)
	hits := r.up.hits.Load()

	r.up.set(true)
	r.session.Refresh()
	// Page and fallback both fail.
	require.Eventually(t, func() bool { return r.up.hits.Load() >= hits+2 }, 3*time.Second, 5*time.Millisecond)

	r.up.set(false, a1, a2)
	r.session.Refresh()
	require.Eventually(t, func() bool { return len(r.notifier.List(0)) == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.Contains(t, r.notifier.List(0)[0].Message, "MDM002")

	snap, ok := r.session.Snapshot()
	require.True(t, ok)
	assert.Greater(t, snap.Cycle, first.Cycle)
	assert.Equal(t, first.Generation, snap.Generation)
}

func TestUnrecognizedBodyKeepsPreviousState(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	r.up.set(false, a1, a2)
	r.session.Start(context.Background())
	first := r.waitCycle(t, 1)
	hits := r.up.hits.Load()

	r.up.serveRaw(`<html>gateway maintenance</html>`)
	r.session.Refresh()
	require.Eventually(t, func() bool { return r.up.hits.Load() >= hits+2 }, 3*time.Second, 5*time.Millisecond)

	snap, _ := r.session.Snapshot()
	assert.Equal(t, first.Cycle, snap.Cycle, "a maintenance page is not applied")
	assert.Equal(t, first.Metrics, snap.Metrics)

	r.up.set(false, a1, a2)
	r.session.Refresh()
	r.waitCycle(t, first.Cycle+1)
	assert.Empty(t, r.notifier.List(0), "unchanged alerts are not notified again")
}

func TestPartialFetchSkipsDiff(t *testing.T) {
	t.Parallel()
	r := newRigWith(t, 1)

	r.up.set(false, a1, a2)
	r.session.Start(context.Background())
	first := r.waitCycle(t, 1)
	assert.Equal(t, dashboard.Metrics{NonCommunicatingModems: 2, TotalTasksToday: 2}, first.Metrics)

	r.up.failPage("1")
	r.session.Refresh()
	partial := r.waitCycle(t, first.Cycle+1)
	assert.Equal(t, "partial", partial.Outcome)
	assert.Equal(t, dashboard.Metrics{CommunicatingModems: 1, NonCommunicatingModems: 1, TotalTasksToday: 1}, partial.Metrics)

	r.up.set(false, a1, a2)
	r.session.Refresh()
	full := r.waitCycle(t, partial.Cycle+1)
	assert.Equal(t, "complete", full.Outcome)
	assert.Empty(t, r.notifier.List(0), "a partial batch must not reset the known ids")

	// The seeded state survived the partial poll, so a real addition
	// still notifies.
	a3 := map[string]any{"id": "a3", "modemSlNo": "MDM001", "code": 202}
	r.up.set(false, a1, a2, a3)
	r.session.Refresh()
	require.Eventually(t, func() bool { return len(r.notifier.List(0)) == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, "Modem MDM001: Modem Auto Restart (Code: 202)", r.notifier.List(0)[0].Message)
}

func TestRestartResetsInitialLoad(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	r.up.set(false, a1)
	r.session.Start(context.Background())
	first := r.waitCycle(t, 1)
	require.True(t, r.session.Stop())
	assert.False(t, r.session.Running())
	assert.False(t, r.session.Stop())

	r.up.set(false, a1, a2)
	r.session.Start(context.Background())
	snap := r.waitCycle(t, first.Cycle+1)

	assert.Greater(t, snap.Generation, first.Generation)
	assert.Empty(t, r.notifier.List(0), "a restarted session seeds again")
}

func TestSkippedWithoutIdentity(t *testing.T) {
	t.Parallel()
	up := newUpstream(t)
	d := notify.New(context.Background(), kvstore.NewMemory(), nil, notify.Options{}, t.Logf)
	t.Cleanup(d.Close)

	s, err := NewSession(SessionConfig{
		Fetcher:    alertfetch.New(alertfetch.Config{BaseURL: up.srv.URL}, t.Logf),
		Modems:     &AssignedSource{Fallback: []string{"MDM001"}},
		Identity:   session.Static{},
		Dispatcher: d,
		Interval:   10 * time.Millisecond,
		Logf:       t.Logf,
	})
	require.NoError(t, err)
	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	_, ok := s.Snapshot()
	assert.False(t, ok)
	assert.Equal(t, int32(0), up.hits.Load())
}

func TestNewSessionRequiresCollaborators(t *testing.T) {
	t.Parallel()
	_, err := NewSession(SessionConfig{})
	assert.Error(t, err)
	_, err = NewTracker(TrackerConfig{})
	assert.Error(t, err)
}

type fakeRegistry struct {
	ids []string
	err error
}

func (f fakeRegistry) FetchAssignedModems(context.Context, session.Identity) ([]string, error) {
	return f.ids, f.err
}

func TestAssignedSourceFallbackChain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := kvstore.NewMemory()
	id := session.Identity{Phone: "1"}

	src := &AssignedSource{Remote: fakeRegistry{ids: []string{"R1", "R2"}}, Store: store, Fallback: []string{"F1"}, Logf: t.Logf}
	assert.Equal(t, []string{"R1", "R2"}, src.Assigned(ctx, id))

	cached, ok, err := store.GetItem(ctx, KeyAssignedModems)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `["R1","R2"]`, cached)

	src.Remote = fakeRegistry{err: errors.New("offline")}
	assert.Equal(t, []string{"R1", "R2"}, src.Assigned(ctx, id))

	require.NoError(t, store.SetItem(ctx, KeyAssignedModems, " S1, ,S2 "))
	assert.Equal(t, []string{"S1", "S2"}, src.Assigned(ctx, id))

	require.NoError(t, store.RemoveItem(ctx, KeyAssignedModems))
	assert.Equal(t, []string{"F1"}, src.Assigned(ctx, id))

	// Without identity the registry is not asked.
	src.Remote = fakeRegistry{ids: []string{"R9"}}
	assert.Equal(t, []string{"F1"}, src.Assigned(ctx, session.Identity{}))
}
