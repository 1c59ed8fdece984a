// Package dashboard folds a fetched alert batch into the home-screen counters.
package dashboard

import (
	"modem-monitor/pkg/modemid"
	"modem-monitor/pkg/modemstatus"
)

// Metrics is recomputed from scratch on every fetch cycle.
type Metrics struct {
	CommunicatingModems    int `json:"communicatingModems"`
	NonCommunicatingModems int `json:"nonCommunicatingModems"`
	TotalTasksToday        int `json:"totalTasksToday"`
	// CompletedTasksToday has no upstream source yet and is always 0.
	CompletedTasksToday int `json:"completedTasksToday"`
}

// Aggregate seeds every assigned modem as communicating, then lets each
// alert of an assigned modem overwrite that modem's status in fetch order,
// so the last alert for a modem wins. TotalTasksToday counts the whole
// batch, assigned or not.
func Aggregate(assigned []string, fetched []modemid.Record) Metrics {
	owned := modemid.NewSet(assigned)
	status := make(map[string]modemstatus.Status, len(owned))
	for id := range owned {
		status[id] = modemstatus.Communicating
	}

	for _, r := range fetched {
		id, ok := owned.Owned(r)
		if !ok {
			continue
		}
		code, _, ok := modemstatus.Code(r)
		if !ok {
			status[id] = modemstatus.Communicating
			continue
		}
		status[id] = modemstatus.DashboardStatus(code)
	}

	m := Metrics{TotalTasksToday: len(fetched)}
	for _, s := range status {
		if s == modemstatus.NonCommunicating {
			m.NonCommunicatingModems++
		} else {
			m.CommunicatingModems++
		}
	}
	return m
}
