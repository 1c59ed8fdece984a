// Package notify turns new alerts and tracked-modem resolutions into
// persisted notifications and a short-lived popup.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"modem-monitor/pkg/alerts"
	"modem-monitor/pkg/kvstore"
	"modem-monitor/pkg/modemid"
	"modem-monitor/pkg/modemstatus"
	"modem-monitor/pkg/popupbus"
)

// KeyNotifications holds the JSON-encoded list, newest first.
const KeyNotifications = "notifications"

// Notification types.
const (
	TypeAlert    = "alert"
	TypeResolved = "resolved"
)

const (
	defaultSpacing  = 800 * time.Millisecond
	defaultPopupTTL = 5 * time.Second
)

// ErrNotFound is returned by MarkRead for an unknown id.
var ErrNotFound = errors.New("notification not found")

// Notification is the persisted record. Field names match what the mobile
// client already stores, so an existing list loads unchanged.
type Notification struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
	IsRead    bool   `json:"is_read"`
}

// Options tunes a Dispatcher. Zero values take the defaults.
type Options struct {
	Spacing  time.Duration // minimum gap between persisted writes
	PopupTTL time.Duration // how long a popup stays up
	Now      func() time.Time
	NewID    func() string
}

// Dispatcher owns the notification list. The list is kept in memory and
// mirrored to the store; a failing store never stops dispatching.
type Dispatcher struct {
	store   kvstore.Store
	bus     *popupbus.Bus
	logf    func(string, ...any)
	limiter *rate.Limiter
	ttl     time.Duration
	now     func() time.Time
	newID   func() string

	// OnPersist and OnStoreError are metric hooks; both may be nil.
	OnPersist    func(kind string)
	OnStoreError func()

	// saveMu is held from copying the list until the store write returns,
	// so writes reach the store in the order the list changed.
	saveMu sync.Mutex

	mu        sync.Mutex
	list      []Notification // newest first
	popup     *Notification
	popupSeq  uint64
	hideTimer *time.Timer
}

// New builds a Dispatcher and loads whatever list the store already holds.
// bus may be nil.
func New(ctx context.Context, store kvstore.Store, bus *popupbus.Bus, opts Options, logf func(string, ...any)) *Dispatcher {
	if logf == nil {
		logf = log.Printf
	}
	if opts.Spacing <= 0 {
		opts.Spacing = defaultSpacing
	}
	if opts.PopupTTL <= 0 {
		opts.PopupTTL = defaultPopupTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	d := &Dispatcher{
		store:   store,
		bus:     bus,
		logf:    logf,
		limiter: rate.NewLimiter(rate.Every(opts.Spacing), 1),
		ttl:     opts.PopupTTL,
		now:     opts.Now,
		newID:   opts.NewID,
	}
	if err := d.Reload(ctx); err != nil {
		logf("notifications: starting with an empty list: %v", err)
	}
	return d
}

// AlertMessage renders "Modem {id}: {error type} (Code: N)". The code part
// is left out when the alert carries none.
func AlertMessage(r modemid.Record) string {
	id, ok := modemid.Identifier(r)
	if !ok {
		id = "Unknown"
	}
	msg := fmt.Sprintf("Modem %s: %s", id, alerts.Description(r))
	if _, raw, _ := modemstatus.Code(r); raw != "" {
		msg += fmt.Sprintf(" (Code: %s)", raw)
	}
	return msg
}

// Dispatch persists one "New Alert" per record, spaced by the configured
// gap, and pops each one up in turn so the last stays visible. It returns
// the number persisted; a cancelled ctx stops early.
func (d *Dispatcher) Dispatch(ctx context.Context, newAlerts []modemid.Record) int {
	sent := 0
	for _, r := range newAlerts {
		if err := d.limiter.Wait(ctx); err != nil {
			d.logf("notifications: dispatch interrupted after %d of %d: %v", sent, len(newAlerts), err)
			return sent
		}
		d.add(ctx, Notification{
			Title:   "New Alert",
			Message: AlertMessage(r),
			Type:    TypeAlert,
		})
		sent++
	}
	return sent
}

// DispatchResolution records that a tracked modem was resolved. The
// tracker that called it forgets the stored modem id.
func (d *Dispatcher) DispatchResolution(ctx context.Context, modemID string) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	d.add(ctx, Notification{
		Title:   "Modem Resolved",
		Message: fmt.Sprintf("Modem %s has been resolved", modemID),
		Type:    TypeResolved,
	})
	return nil
}

func (d *Dispatcher) add(ctx context.Context, n Notification) {
	n.ID = d.newID()
	n.CreatedAt = d.now().UTC().Format(time.RFC3339)

	d.saveMu.Lock()
	d.mu.Lock()
	d.list = append([]Notification{n}, d.list...)
	snapshot := append([]Notification(nil), d.list...)
	d.mu.Unlock()
	d.persist(ctx, snapshot)
	d.saveMu.Unlock()

	if d.OnPersist != nil {
		d.OnPersist(n.Type)
	}
	d.show(n)
}

func (d *Dispatcher) persist(ctx context.Context, list []Notification) {
	if d.store == nil {
		return
	}
	b, err := json.Marshal(list)
	if err != nil {
		d.storeFailed("encode notifications", err)
		return
	}
	if err := d.store.SetItem(ctx, KeyNotifications, string(b)); err != nil {
		d.storeFailed("save notifications", err)
	}
}

func (d *Dispatcher) storeFailed(what string, err error) {
	d.logf("notifications: %s: %v", what, err)
	if d.OnStoreError != nil {
		d.OnStoreError()
	}
}

func (d *Dispatcher) show(n Notification) {
	d.mu.Lock()
	d.popupSeq++
	seq := d.popupSeq
	d.popup = &n
	if d.hideTimer != nil {
		d.hideTimer.Stop()
	}
	d.hideTimer = time.AfterFunc(d.ttl, func() { d.hide(seq) })
	d.mu.Unlock()

	d.publish(true, n)
}

// hide clears the popup unless a newer one replaced it meanwhile.
func (d *Dispatcher) hide(seq uint64) {
	d.mu.Lock()
	if seq != d.popupSeq || d.popup == nil {
		d.mu.Unlock()
		return
	}
	n := *d.popup
	d.popup = nil
	d.hideTimer = nil
	d.mu.Unlock()

	d.publish(false, n)
}

func (d *Dispatcher) publish(visible bool, n Notification) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(popupbus.Event{
		Visible:        visible,
		NotificationID: n.ID,
		Title:          n.Title,
		Message:        n.Message,
		Type:           n.Type,
		At:             d.now(),
	})
}

// Popup returns the notification currently shown, if any.
func (d *Dispatcher) Popup() (Notification, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.popup == nil {
		return Notification{}, false
	}
	return *d.popup, true
}

// List returns up to limit notifications, newest first. limit <= 0 means all.
func (d *Dispatcher) List(limit int) []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.list)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]Notification(nil), d.list[:n]...)
}

// Unread counts notifications not yet opened.
func (d *Dispatcher) Unread() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := 0
	for _, n := range d.list {
		if !n.IsRead {
			c++
		}
	}
	return c
}

// MarkRead flags one notification as opened and saves the list.
func (d *Dispatcher) MarkRead(ctx context.Context, id string) error {
	d.saveMu.Lock()
	defer d.saveMu.Unlock()

	d.mu.Lock()
	found := false
	for i := range d.list {
		if d.list[i].ID == id {
			d.list[i].IsRead = true
			found = true
			break
		}
	}
	snapshot := append([]Notification(nil), d.list...)
	d.mu.Unlock()

	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d.persist(ctx, snapshot)
	return nil
}

// Reload replaces the in-memory list with the stored one. Unlike the
// dispatch path it reports failures, so the UI can offer a retry.
func (d *Dispatcher) Reload(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	d.saveMu.Lock()
	defer d.saveMu.Unlock()
	raw, ok, err := d.store.GetItem(ctx, KeyNotifications)
	if err != nil {
		return fmt.Errorf("load notifications: %w", err)
	}
	var list []Notification
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return fmt.Errorf("decode notifications: %w", err)
		}
	}
	d.mu.Lock()
	d.list = list
	d.mu.Unlock()
	return nil
}

// Close stops a pending popup timer.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hideTimer != nil {
		d.hideTimer.Stop()
		d.hideTimer = nil
	}
}
