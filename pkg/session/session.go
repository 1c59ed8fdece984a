// Package session supplies the officer identity used to sign upstream calls.
// The login/OTP flow that produces it lives elsewhere; this package only
// reads what that flow left in the key-value store.
package session

import (
	"context"
	"strings"

	"modem-monitor/pkg/kvstore"
)

// Store keys written by the login flow.
const (
	KeyPhone  = "phoneNumber"
	KeyAPIKey = "apiKey"
)

// Identity is who the poller acts as.
type Identity struct {
	Phone  string
	APIKey string
}

// Valid reports whether the identity can sign a protected request.
func (id Identity) Valid() bool {
	return strings.TrimSpace(id.Phone) != ""
}

// BaseHeaders are sent with every call.
func BaseHeaders() map[string]string {
	return map[string]string{"Content-Type": "application/json"}
}

// Headers returns BaseHeaders plus the bearer key and customer id.
func (id Identity) Headers() map[string]string {
	h := BaseHeaders()
	if id.APIKey != "" {
		h["Authorization"] = "Bearer " + id.APIKey
	}
	if id.Phone != "" {
		h["X-CUSTOMER-ID"] = id.Phone
	}
	return h
}

// Provider yields the current identity.
type Provider interface {
	Identity(ctx context.Context) Identity
}

// Static always returns the same identity.
type Static Identity

// Identity implements Provider.
func (s Static) Identity(context.Context) Identity { return Identity(s) }

// StoreProvider reads the identity from the store on every call so a fresh
// login is picked up without restarting pollers. Fallback fills whatever the
// store does not have; store errors are swallowed.
type StoreProvider struct {
	Store    kvstore.Store
	Fallback Identity
}

// Identity implements Provider.
func (p StoreProvider) Identity(ctx context.Context) Identity {
	id := p.Fallback
	if p.Store == nil {
		return id
	}
	if v, ok, err := p.Store.GetItem(ctx, KeyPhone); err == nil && ok && strings.TrimSpace(v) != "" {
		id.Phone = strings.TrimSpace(v)
	}
	if v, ok, err := p.Store.GetItem(ctx, KeyAPIKey); err == nil && ok && strings.TrimSpace(v) != "" {
		id.APIKey = strings.TrimSpace(v)
	}
	return id
}
