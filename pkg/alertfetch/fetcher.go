// Package alertfetch pulls alert pages, the assigned modem registry and
// per-modem status from the upstream field-service API.
package alertfetch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"modem-monitor/pkg/modemid"
	"modem-monitor/pkg/session"
)

const (
	defaultPageSize      = 50
	defaultMaxAlerts     = 500
	defaultFallbackLimit = 9999
	networkTimeout       = 20 * time.Second
	defaultAlertsPath    = "/alerts"
	defaultModemsPath    = "/modems/assigned"
	defaultStatusPath    = "/modems/modem/{id}/status"
)

var (
	// ErrNoIdentity is returned by calls that need a signed-in officer.
	ErrNoIdentity = errors.New("no officer identity")
	// ErrStatus wraps every non-2xx upstream answer.
	ErrStatus = errors.New("unexpected status")
	// ErrShape is a 2xx answer whose body is not a recognized list.
	ErrShape = errors.New("unrecognized response body")
)

// Outcome summarizes how a FetchAll call ended.
type Outcome int

const (
	// Skipped means no request was made: no modems or no identity.
	Skipped Outcome = iota
	// Complete means the listing ran to a natural end, hit the safety
	// cap, or was replaced by a successful fallback.
	Complete
	// Partial means a page after the first failed; Records holds what
	// had been accumulated before it.
	Partial
	// Failed means the first page and its fallback both failed.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Complete:
		return "complete"
	case Partial:
		return "partial"
	case Failed:
		return "failed"
	}
	return "outcome(" + strconv.Itoa(int(o)) + ")"
}

// Result is what FetchAll hands back. It never carries a panic or a nil
// Records slice for Complete.
type Result struct {
	Records  []modemid.Record
	Outcome  Outcome
	Requests int
	Err      error
}

// Config tunes a Fetcher. Zero values take the defaults.
type Config struct {
	BaseURL       string
	AlertsPath    string
	ModemsPath    string
	StatusPath    string // "{id}" is replaced by the escaped modem id
	PageSize      int
	MaxAlerts     int
	FallbackLimit int
	Timeout       time.Duration
}

// Fetcher talks to the upstream API. Safe for concurrent use.
type Fetcher struct {
	cfg    Config
	client *resty.Client
	logf   func(string, ...any)

	// OnRequest, when set, is told about every request by kind
	// ("page", "fallback", "modems", "status") and result ("ok", "error").
	OnRequest func(kind, result string)
}

// New builds a Fetcher. A nil logf falls back to log.Printf.
func New(cfg Config, logf func(string, ...any)) *Fetcher {
	if logf == nil {
		logf = log.Printf
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = defaultMaxAlerts
	}
	if cfg.FallbackLimit <= 0 {
		cfg.FallbackLimit = defaultFallbackLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = networkTimeout
	}
	if cfg.AlertsPath == "" {
		cfg.AlertsPath = defaultAlertsPath
	}
	if cfg.ModemsPath == "" {
		cfg.ModemsPath = defaultModemsPath
	}
	if cfg.StatusPath == "" {
		cfg.StatusPath = defaultStatusPath
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeaders(session.BaseHeaders())
	return &Fetcher{cfg: cfg, client: client, logf: logf}
}

// Config returns the effective configuration after defaults.
func (f *Fetcher) Config() Config { return f.cfg }

func (f *Fetcher) observe(kind string, err error) {
	if f.OnRequest == nil {
		return
	}
	if err != nil {
		f.OnRequest(kind, "error")
		return
	}
	f.OnRequest(kind, "ok")
}

// get performs one signed GET and returns the raw body of a 2xx answer.
func (f *Fetcher) get(ctx context.Context, id session.Identity, path string, query map[string]string) ([]byte, error) {
	req := f.client.R().
		SetContext(ctx).
		SetHeaders(id.Headers())
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	resp, err := req.Get(f.cfg.BaseURL + path)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		body := resp.Body()
		if len(body) > 512 {
			body = body[:512]
		}
		return nil, fmt.Errorf("%w %s: %s", ErrStatus, resp.Status(), strings.TrimSpace(string(body)))
	}
	return resp.Body(), nil
}

// FetchAll pages through the alerts of the given modems. It never returns
// an error directly; failures are described by Result.Outcome and Result.Err.
func (f *Fetcher) FetchAll(ctx context.Context, modemIDs []string, id session.Identity) Result {
	if len(modemIDs) == 0 || !id.Valid() {
		return Result{Outcome: Skipped}
	}
	modems := strings.Join(modemIDs, ",")

	var res Result
	res.Records = []modemid.Record{}
	offset := 0
	for {
		query := map[string]string{
			"modems": modems,
			"limit":  strconv.Itoa(f.cfg.PageSize),
			"offset": strconv.Itoa(offset),
		}
		res.Requests++
		body, err := f.get(ctx, id, f.cfg.AlertsPath, query)
		var page []modemid.Record
		if err == nil {
			var ok bool
			if page, ok = DecodeAlerts(body); !ok {
				err = ErrShape
			}
		}
		f.observe("page", err)
		if err != nil {
			if offset == 0 {
				return f.fallback(ctx, id, modems, res.Requests, err)
			}
			f.logf("alerts page offset=%d failed, keeping %d records: %v", offset, len(res.Records), err)
			res.Outcome = Partial
			res.Err = fmt.Errorf("alerts page at offset %d: %w", offset, err)
			return res
		}
		res.Records = append(res.Records, page...)

		meta := decodeMeta(body)
		switch {
		case len(page) == 0, len(page) < f.cfg.PageSize, meta.done:
		case meta.total > 0 && offset+len(page) >= meta.total:
		case len(res.Records) >= f.cfg.MaxAlerts:
			f.logf("alerts safety cap reached at %d records", len(res.Records))
		default:
			offset += len(page)
			continue
		}
		res.Outcome = Complete
		return res
	}
}

// fallback asks for everything in a single request after the first page
// failed. On success its result replaces whatever paging would have built.
func (f *Fetcher) fallback(ctx context.Context, id session.Identity, modems string, requests int, cause error) Result {
	f.logf("alerts first page failed (%v), trying single fallback request", cause)
	query := map[string]string{
		"modems": modems,
		"limit":  strconv.Itoa(f.cfg.FallbackLimit),
	}
	body, err := f.get(ctx, id, f.cfg.AlertsPath, query)
	var records []modemid.Record
	if err == nil {
		var ok bool
		if records, ok = DecodeAlerts(body); !ok {
			err = ErrShape
		}
	}
	f.observe("fallback", err)
	requests++
	if err != nil {
		return Result{
			Outcome:  Failed,
			Requests: requests,
			Err:      fmt.Errorf("alerts fallback after %v: %w", cause, err),
		}
	}
	if records == nil {
		records = []modemid.Record{}
	}
	return Result{Records: records, Outcome: Complete, Requests: requests}
}

// FetchAssignedModems returns the canonical ids of the modems assigned to
// the officer, in the order the registry lists them.
func (f *Fetcher) FetchAssignedModems(ctx context.Context, id session.Identity) ([]string, error) {
	if !id.Valid() {
		return nil, ErrNoIdentity
	}
	body, err := f.get(ctx, id, f.cfg.ModemsPath, nil)
	f.observe("modems", err)
	if err != nil {
		return nil, fmt.Errorf("assigned modems: %w", err)
	}
	records, ok := DecodeModems(body)
	if !ok {
		return nil, fmt.Errorf("assigned modems: unrecognized body")
	}
	return modemid.Canonicalize(records), nil
}

// ModemStatus is the body of the per-modem status endpoint.
type ModemStatus struct {
	Success bool
	Status  string
}

// Resolved reports whether the upstream closed the modem's ticket.
func (s ModemStatus) Resolved() bool {
	return s.Success && strings.EqualFold(strings.TrimSpace(s.Status), "resolved")
}

// FetchModemStatus reads {success, data:{status}} for one modem.
func (f *Fetcher) FetchModemStatus(ctx context.Context, id session.Identity, modemID string) (ModemStatus, error) {
	modemID = strings.TrimSpace(modemID)
	if modemID == "" {
		return ModemStatus{}, fmt.Errorf("modem status: empty modem id")
	}
	path := strings.ReplaceAll(f.cfg.StatusPath, "{id}", url.PathEscape(modemID))
	body, err := f.get(ctx, id, path, nil)
	f.observe("status", err)
	if err != nil {
		return ModemStatus{}, fmt.Errorf("modem %s status: %w", modemID, err)
	}
	if !gjson.ValidBytes(body) {
		return ModemStatus{}, fmt.Errorf("modem %s status: invalid json", modemID)
	}
	root := gjson.ParseBytes(body)
	st := root.Get("data.status")
	if !st.Exists() {
		st = root.Get("status")
	}
	return ModemStatus{
		Success: root.Get("success").Bool(),
		Status:  st.String(),
	}, nil
}
