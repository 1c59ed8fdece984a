package poller

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"modem-monitor/pkg/kvstore"
	"modem-monitor/pkg/session"
)

// KeyAssignedModems caches the last registry answer in the store.
const KeyAssignedModems = "assignedModems"

// ModemRegistry is the remote assigned-modem listing.
type ModemRegistry interface {
	FetchAssignedModems(ctx context.Context, id session.Identity) ([]string, error)
}

// AssignedSource resolves the officer's modem list: the registry first,
// then the copy cached in the store, then the configured list.
type AssignedSource struct {
	Remote   ModemRegistry
	Store    kvstore.Store
	Fallback []string
	Logf     func(string, ...any)
}

// Assigned never fails; an empty result makes the fetcher skip the cycle.
func (a *AssignedSource) Assigned(ctx context.Context, id session.Identity) []string {
	logf := a.Logf
	if logf == nil {
		logf = log.Printf
	}

	if a.Remote != nil && id.Valid() {
		ids, err := a.Remote.FetchAssignedModems(ctx, id)
		if err == nil {
			a.cache(ctx, ids, logf)
			return ids
		}
		logf("assigned modems: registry unavailable, using cached list: %v", err)
	}

	if a.Store != nil {
		raw, ok, err := a.Store.GetItem(ctx, KeyAssignedModems)
		if err != nil {
			logf("assigned modems: store read failed: %v", err)
		} else if ok {
			if ids := decodeIDs(raw); len(ids) > 0 {
				return ids
			}
		}
	}
	return append([]string(nil), a.Fallback...)
}

func (a *AssignedSource) cache(ctx context.Context, ids []string, logf func(string, ...any)) {
	if a.Store == nil {
		return
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return
	}
	if err := a.Store.SetItem(ctx, KeyAssignedModems, string(b)); err != nil {
		logf("assigned modems: cache write failed: %v", err)
	}
}

// decodeIDs accepts a JSON string array or a comma-separated list.
func decodeIDs(raw string) []string {
	raw = strings.TrimSpace(raw)
	var ids []string
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return nil
		}
	} else {
		ids = strings.Split(raw, ",")
	}
	out := ids[:0]
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
