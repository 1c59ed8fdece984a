package alertfetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modem-monitor/pkg/session"
)

var officer = session.Identity{Phone: "9876543210", APIKey: "k-1"}

func alertsPage(offset, n int) []map[string]any {
	out := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, map[string]any{
			"id":        fmt.Sprintf("a%d", offset+i),
			"modemSlNo": "MDM001",
			"code":      214,
		})
	}
	return out
}

type call struct {
	limit  string
	offset string
	hasOff bool
}

type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) add(req *http.Request) call {
	q := req.URL.Query()
	c := call{limit: q.Get("limit"), offset: q.Get("offset"), hasOff: q.Has("offset")}
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
	return c
}

func (r *recorder) all() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	assert.NoError(t, json.NewEncoder(w).Encode(v))
}

func newFetcher(t *testing.T, url string) *Fetcher {
	t.Helper()
	return New(Config{BaseURL: url}, t.Logf)
}

func TestFetchAllStopsOnShortPage(t *testing.T) {
	t.Parallel()

	var rec recorder
	sizes := map[string]int{"0": 50, "50": 50, "100": 30}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := rec.add(r)
		off, _ := strconv.Atoi(c.offset)
		writeJSON(t, w, alertsPage(off, sizes[c.offset]))
	}))
	t.Cleanup(srv.Close)

	res := newFetcher(t, srv.URL).FetchAll(context.Background(), []string{"MDM001", "MDM002"}, officer)

	assert.Equal(t, Complete, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Len(t, res.Records, 130)
	assert.Equal(t, 3, res.Requests)
	calls := rec.all()
	require.Len(t, calls, 3)
	for i, c := range calls {
		assert.Equal(t, "50", c.limit)
		assert.Equal(t, strconv.Itoa(i*50), c.offset)
	}
	// Fetch order is kept.
	assert.Equal(t, "a0", res.Records[0]["id"])
	assert.Equal(t, "a129", res.Records[129]["id"])
}

func TestFetchAllSafetyCap(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		off, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		writeJSON(t, w, alertsPage(off, 50))
	}))
	t.Cleanup(srv.Close)

	res := newFetcher(t, srv.URL).FetchAll(context.Background(), []string{"MDM001"}, officer)

	assert.Equal(t, Complete, res.Outcome)
	assert.GreaterOrEqual(t, len(res.Records), 500)
	assert.LessOrEqual(t, len(res.Records), 550)
	assert.Equal(t, int32(res.Requests), hits.Load())
}

func TestFetchAllFallbackOnFirstPageError(t *testing.T) {
	t.Parallel()

	var rec recorder
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := rec.add(r)
		if c.hasOff {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		writeJSON(t, w, map[string]any{"alerts": alertsPage(0, 20)})
	}))
	t.Cleanup(srv.Close)

	res := newFetcher(t, srv.URL).FetchAll(context.Background(), []string{"MDM001"}, officer)

	assert.Equal(t, Complete, res.Outcome)
	assert.Len(t, res.Records, 20)
	calls := rec.all()
	require.Len(t, calls, 2)
	assert.Equal(t, "0", calls[0].offset)
	assert.Equal(t, "9999", calls[1].limit)
	assert.False(t, calls[1].hasOff)
}

func TestFetchAllFallbackFailure(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	res := newFetcher(t, srv.URL).FetchAll(context.Background(), []string{"MDM001"}, officer)

	assert.Equal(t, Failed, res.Outcome)
	assert.Empty(t, res.Records)
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, ErrStatus))
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetchAllPartialOnLaterPageError(t *testing.T) {
	t.Parallel()

	var rec recorder
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := rec.add(r)
		if c.offset == "50" {
			http.Error(w, "flaky", http.StatusServiceUnavailable)
			return
		}
		writeJSON(t, w, alertsPage(0, 50))
	}))
	t.Cleanup(srv.Close)

	res := newFetcher(t, srv.URL).FetchAll(context.Background(), []string{"MDM001"}, officer)

	assert.Equal(t, Partial, res.Outcome)
	assert.Len(t, res.Records, 50)
	assert.Error(t, res.Err)
	// No fallback after the first page succeeded.
	assert.Len(t, rec.all(), 2)
}

func TestFetchAllSkipsWithoutInput(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(srv.Close)

	f := newFetcher(t, srv.URL)
	assert.Equal(t, Skipped, f.FetchAll(context.Background(), nil, officer).Outcome)
	assert.Equal(t, Skipped, f.FetchAll(context.Background(), []string{"MDM001"}, session.Identity{}).Outcome)
	assert.Equal(t, int32(0), hits.Load())
}

func TestFetchAllMetadataStops(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body func(off int) any
		want int
	}{
		{
			name: "hasMore false",
			body: func(off int) any { return map[string]any{"alerts": alertsPage(off, 50), "hasMore": false} },
			want: 50,
		},
		{
			name: "nextPage null",
			body: func(off int) any { return map[string]any{"data": alertsPage(off, 50), "nextPage": nil} },
			want: 50,
		},
		{
			name: "total reached",
			body: func(off int) any {
				return map[string]any{"data": alertsPage(off, 50), "pagination": map[string]any{"total": 100}}
			},
			want: 100,
		},
		{
			name: "nested hasMore false",
			body: func(off int) any {
				return map[string]any{"data": map[string]any{"alerts": alertsPage(off, 50), "hasMore": false}}
			},
			want: 50,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				off, _ := strconv.Atoi(r.URL.Query().Get("offset"))
				writeJSON(t, w, tc.body(off))
			}))
			t.Cleanup(srv.Close)

			res := newFetcher(t, srv.URL).FetchAll(context.Background(), []string{"MDM001"}, officer)
			assert.Equal(t, Complete, res.Outcome)
			assert.Len(t, res.Records, tc.want)
		})
	}
}

func TestFetchAllMalformedBodyIsFailure(t *testing.T) {
	t.Parallel()

	var rec recorder
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html>gateway maintenance</html>`))
	}))
	t.Cleanup(srv.Close)

	res := newFetcher(t, srv.URL).FetchAll(context.Background(), []string{"MDM001"}, officer)
	assert.Equal(t, Failed, res.Outcome)
	assert.Empty(t, res.Records)
	assert.ErrorIs(t, res.Err, ErrShape)

	calls := rec.all()
	require.Len(t, calls, 2, "first page, then fallback")
	assert.Equal(t, "9999", calls[1].limit)
}

func TestFetchAllFallbackAfterUnrecognizedFirstPage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("offset") {
			writeJSON(t, w, map[string]any{"message": "maintenance"})
			return
		}
		writeJSON(t, w, alertsPage(0, 3))
	}))
	t.Cleanup(srv.Close)

	res := newFetcher(t, srv.URL).FetchAll(context.Background(), []string{"MDM001"}, officer)
	assert.Equal(t, Complete, res.Outcome)
	assert.Len(t, res.Records, 3)
}

func TestFetchAllMalformedLaterPageIsPartial(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("offset") == "50" {
			_, _ = w.Write([]byte(`{"data": tru`))
			return
		}
		writeJSON(t, w, alertsPage(0, 50))
	}))
	t.Cleanup(srv.Close)

	res := newFetcher(t, srv.URL).FetchAll(context.Background(), []string{"MDM001"}, officer)
	assert.Equal(t, Partial, res.Outcome)
	assert.Len(t, res.Records, 50)
	assert.ErrorIs(t, res.Err, ErrShape)
}

func TestFetchAllRecognizedEmptyListIsComplete(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"data": []any{}})
	}))
	t.Cleanup(srv.Close)

	res := newFetcher(t, srv.URL).FetchAll(context.Background(), []string{"MDM001"}, officer)
	assert.Equal(t, Complete, res.Outcome)
	assert.Empty(t, res.Records)
	assert.Equal(t, 1, res.Requests)
}

func TestFetchAllSendsAuthHeaders(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k-1", r.Header.Get("Authorization"))
		assert.Equal(t, "9876543210", r.Header.Get("X-CUSTOMER-ID"))
		assert.Equal(t, "MDM001,MDM002", r.URL.Query().Get("modems"))
		writeJSON(t, w, []any{})
	}))
	t.Cleanup(srv.Close)

	res := newFetcher(t, srv.URL).FetchAll(context.Background(), []string{"MDM001", "MDM002"}, officer)
	assert.Equal(t, Complete, res.Outcome)
}

func TestFetchAssignedModems(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, defaultModemsPath, r.URL.Path)
		writeJSON(t, w, map[string]any{"data": map[string]any{"modems": []any{
			map[string]any{"modemSlNo": " MDM001 "},
			map[string]any{"modemNo": "MDM002"},
			map[string]any{"sno": ""},
			map[string]any{"modemId": "MDM001"},
		}}})
	}))
	t.Cleanup(srv.Close)

	var kinds []string
	f := newFetcher(t, srv.URL)
	f.OnRequest = func(kind, result string) { kinds = append(kinds, kind+"/"+result) }

	ids, err := f.FetchAssignedModems(context.Background(), officer)
	require.NoError(t, err)
	assert.Equal(t, []string{"MDM001", "MDM002"}, ids)
	assert.Equal(t, []string{"modems/ok"}, kinds)

	_, err = f.FetchAssignedModems(context.Background(), session.Identity{})
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestFetchModemStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/modems/modem/MDM001/status":
			writeJSON(t, w, map[string]any{"success": true, "data": map[string]any{"status": "Resolved"}})
		case "/modems/modem/MDM002/status":
			writeJSON(t, w, map[string]any{"success": true, "data": map[string]any{"status": "open"}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	f := newFetcher(t, srv.URL)
	st, err := f.FetchModemStatus(context.Background(), officer, "MDM001")
	require.NoError(t, err)
	assert.True(t, st.Resolved())

	st, err = f.FetchModemStatus(context.Background(), officer, "MDM002")
	require.NoError(t, err)
	assert.False(t, st.Resolved())

	_, err = f.FetchModemStatus(context.Background(), officer, "MDM404")
	assert.ErrorIs(t, err, ErrStatus)
}
