// Package alertdiff decides which alerts of a poll are new compared to the
// poll before it.
package alertdiff

import (
	"modem-monitor/pkg/alerts"
	"modem-monitor/pkg/modemid"
	"modem-monitor/pkg/modemstatus"
)

// IDSet holds the diff identities seen in one poll.
type IDSet map[string]struct{}

// Has reports whether id is in the set.
func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Len is the number of identities.
func (s IDSet) Len() int { return len(s) }

// Identity is the key used to recognise the same alert across polls: the
// row id, else the upstream modemId field, else modem-code-timestamp.
func Identity(r modemid.Record) string {
	if id, ok := modemid.FirstNonEmpty(r, "id"); ok {
		return id
	}
	if id, ok := modemid.FirstNonEmpty(r, "modemId"); ok {
		return id
	}
	modem, _ := modemid.Identifier(r)
	_, code, _ := modemstatus.Code(r)
	return modem + "-" + code + "-" + alerts.Timestamp(r)
}

// Result is the outcome of one Diff call.
type Result struct {
	NewAlerts         []modemid.Record
	NextIDs           IDSet
	NextIsInitialLoad bool
}

// Diff filters fresh to the assigned modems and returns the alerts whose
// identity is not in previous. On the initial load nothing is new; the set
// is only seeded. NextIDs always replaces previous, it is never merged.
func Diff(previous IDSet, fresh []modemid.Record, assigned []string, isInitialLoad bool) Result {
	owned := modemid.NewSet(assigned)
	next := make(IDSet, len(fresh))
	var added []modemid.Record

	for _, r := range fresh {
		if _, ok := owned.Owned(r); !ok {
			continue
		}
		key := Identity(r)
		if _, dup := next[key]; dup {
			continue
		}
		next[key] = struct{}{}
		if !isInitialLoad && !previous.Has(key) {
			added = append(added, r)
		}
	}
	return Result{NewAlerts: added, NextIDs: next, NextIsInitialLoad: false}
}
