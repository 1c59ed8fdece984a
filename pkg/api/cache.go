package api

import (
	"context"
	"errors"
	"time"
)

var errCacheStopped = errors.New("cache stopped")

type cacheRequest struct {
	ctx    context.Context
	key    string
	render func(context.Context) ([]byte, error)
	reply  chan cacheReply
}

type cacheReply struct {
	data []byte
	err  error
}

type cacheEntry struct {
	data    []byte
	expires time.Time
}

// ResponseCache keeps rendered payloads (modem QR labels) for ttl. A single
// goroutine owns the map, so renders for the same key never run twice at
// once and no locks are needed. When full, the entry closest to expiry is
// evicted.
type ResponseCache struct {
	ttl        time.Duration
	maxEntries int
	requests   chan cacheRequest
	quit       chan struct{}
	now        func() time.Time
}

// NewResponseCache starts the owning goroutine. A ttl <= 0 returns nil,
// which renders on every call.
func NewResponseCache(ttl time.Duration, maxEntries int) *ResponseCache {
	return newResponseCache(ttl, maxEntries, time.Now)
}

func newResponseCache(ttl time.Duration, maxEntries int, now func() time.Time) *ResponseCache {
	if ttl <= 0 {
		return nil
	}
	if maxEntries <= 0 {
		maxEntries = 256
	}
	c := &ResponseCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		requests:   make(chan cacheRequest),
		quit:       make(chan struct{}),
		now:        now,
	}
	go c.loop()
	return c
}

// Close stops the goroutine. Safe to call more than once.
func (c *ResponseCache) Close() {
	if c == nil {
		return
	}
	select {
	case <-c.quit:
	default:
		close(c.quit)
	}
}

// Get returns the cached payload for key, rendering it on a miss. Callers
// get their own copy.
func (c *ResponseCache) Get(ctx context.Context, key string, render func(context.Context) ([]byte, error)) ([]byte, error) {
	if c == nil {
		return render(ctx)
	}
	req := cacheRequest{ctx: ctx, key: key, render: render, reply: make(chan cacheReply, 1)}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.quit:
		return nil, errCacheStopped
	case c.requests <- req:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.quit:
		return nil, errCacheStopped
	case r := <-req.reply:
		if r.err != nil {
			return nil, r.err
		}
		return append([]byte(nil), r.data...), nil
	}
}

func (c *ResponseCache) loop() {
	entries := make(map[string]cacheEntry)
	for {
		select {
		case <-c.quit:
			return
		case req := <-c.requests:
			now := c.now()
			if e, ok := entries[req.key]; ok && now.Before(e.expires) {
				req.reply <- cacheReply{data: e.data}
				continue
			}
			delete(entries, req.key)

			data, err := req.render(req.ctx)
			if err == nil {
				if len(entries) >= c.maxEntries {
					evictOne(entries, now)
				}
				entries[req.key] = cacheEntry{data: append([]byte(nil), data...), expires: now.Add(c.ttl)}
			}
			req.reply <- cacheReply{data: data, err: err}
		}
	}
}

// evictOne drops an expired entry if there is one, otherwise the one that
// would expire first.
func evictOne(entries map[string]cacheEntry, now time.Time) {
	var victim string
	var soonest time.Time
	for k, e := range entries {
		if !now.Before(e.expires) {
			delete(entries, k)
			return
		}
		if victim == "" || e.expires.Before(soonest) {
			victim, soonest = k, e.expires
		}
	}
	if victim != "" {
		delete(entries, victim)
	}
}
