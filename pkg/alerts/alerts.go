// Package alerts builds the list-screen view of a raw alert record.
package alerts

import (
	"strings"

	"modem-monitor/pkg/modemid"
	"modem-monitor/pkg/modemstatus"
)

// UnknownError is shown when neither the code table nor the record explain
// what happened.
const UnknownError = "Unknown Error"

var (
	locationFields = []string{"discom", "location", "section", "subdivision", "division", "circle"}
	reasonFields   = []string{"codeDesc", "error"}
	dateFields     = []string{"date", "updatedAt"}
	signalFields   = []string{"signalStrength", "signalStrength1", "signalStrength2"}
)

// Normalized is the UI-facing form of an alert.
type Normalized struct {
	ID               string             `json:"id"`
	ModemID          string             `json:"modemId"`
	Code             any                `json:"code"`
	Status           modemstatus.Status `json:"status"`
	ErrorDescription string             `json:"errorDescription"`
	Location         string             `json:"location"`
	Timestamp        string             `json:"timestamp"`
	SignalStrength   float64            `json:"signalStrength"`
	Resolved         bool               `json:"resolved"`
}

// Normalize converts a record. Records without a canonical modem id still
// normalize; ModemID is simply empty.
func Normalize(r modemid.Record) Normalized {
	modemID, _ := modemid.Identifier(r)
	n := Normalized{
		ModemID:          modemID,
		Status:           modemstatus.Of(r),
		ErrorDescription: Description(r),
		Timestamp:        Timestamp(r),
		Resolved:         modemid.Bool(r, "resolved"),
	}
	n.Location, _ = modemid.FirstNonEmpty(r, locationFields...)
	n.SignalStrength, _ = modemid.FirstFloat(r, signalFields...)

	if code, raw, ok := modemstatus.Code(r); ok {
		n.Code = code
	} else if raw != "" {
		n.Code = raw
	}

	switch {
	case hasID(r):
		n.ID, _ = modemid.FirstNonEmpty(r, "id")
	case modemID != "":
		n.ID = modemID
	default:
		_, raw, _ := modemstatus.Code(r)
		n.ID = raw + "-" + n.Timestamp
	}
	return n
}

// NormalizeAll keeps input order.
func NormalizeAll(records []modemid.Record) []Normalized {
	out := make([]Normalized, 0, len(records))
	for _, r := range records {
		out = append(out, Normalize(r))
	}
	return out
}

// Description is the error label for a record: the code table first, then
// the upstream free text, then UnknownError.
func Description(r modemid.Record) string {
	fallback, ok := modemid.FirstNonEmpty(r, reasonFields...)
	if !ok {
		fallback = UnknownError
	}
	code, _, ok := modemstatus.Code(r)
	if !ok {
		return fallback
	}
	return modemstatus.ErrorType(code, fallback)
}

// Timestamp joins the split modemDate/modemTime pair when present and falls
// back to date or updatedAt.
func Timestamp(r modemid.Record) string {
	d, okDate := modemid.FirstNonEmpty(r, "modemDate")
	tm, okTime := modemid.FirstNonEmpty(r, "modemTime")
	switch {
	case okDate && okTime:
		return strings.TrimSpace(d + " " + tm)
	case okDate:
		return d
	}
	ts, _ := modemid.FirstNonEmpty(r, dateFields...)
	return ts
}

func hasID(r modemid.Record) bool {
	_, ok := modemid.FirstNonEmpty(r, "id")
	return ok
}
