// Package modemstatus maps modem event codes to a coarse communication
// status and to the error labels shown to field officers.
package modemstatus

import (
	"math"
	"strconv"
	"strings"

	"modem-monitor/pkg/modemid"
)

// Status is the coarse state derived from an event code.
type Status string

const (
	Communicating    Status = "communicating"
	NonCommunicating Status = "non-communicating"
	Warning          Status = "warning"
	Unknown          Status = "unknown"
)

// Event codes reported by the head-end system.
const (
	CodeAutoRestart    = 202
	CodeRestored       = 213
	CodePowerFailed    = 214
	CodePowerRestored  = 215
	CodeMeterComFailed = 112
	CodeMeterComFail2  = 212
)

var classification = map[int]Status{
	CodeAutoRestart:    Warning,
	CodeRestored:       Communicating,
	CodePowerFailed:    NonCommunicating,
	CodePowerRestored:  Communicating,
	CodeMeterComFailed: NonCommunicating,
	CodeMeterComFail2:  NonCommunicating,
}

// dashboardDown is the narrower table used for metrics: only these codes
// take an assigned modem out of the communicating bucket.
var dashboardDown = map[int]struct{}{
	CodePowerFailed:    {},
	CodeMeterComFailed: {},
	CodeMeterComFail2:  {},
}

var errorTypes = map[int]string{
	CodeAutoRestart:    "Modem Auto Restart",
	CodePowerFailed:    "Modem Power Failed",
	CodeMeterComFailed: "Meter COM Failed",
	CodeMeterComFail2:  "Meter COM Failed",
}

// Classify maps a code to its Status. Codes outside the table are Unknown.
func Classify(code int) Status {
	if s, ok := classification[code]; ok {
		return s
	}
	return Unknown
}

// DashboardStatus is the asymmetric variant used by the dashboard: a modem
// is communicating unless one of the failure codes says otherwise.
func DashboardStatus(code int) Status {
	if _, down := dashboardDown[code]; down {
		return NonCommunicating
	}
	return Communicating
}

// ErrorType returns the human label for code, or fallback when the code
// has no dedicated label.
func ErrorType(code int, fallback string) string {
	if label, ok := errorTypes[code]; ok {
		return label
	}
	return fallback
}

// Code extracts the event code from "code" or "errorCode". Only integral
// values within int32 count, so "214.0" is 214 while "214.9" is not a code.
// The raw string is returned alongside so callers can still display
// non-numeric codes.
func Code(r modemid.Record) (code int, raw string, ok bool) {
	raw, present := modemid.FirstNonEmpty(r, "code", "errorCode")
	if !present {
		return 0, "", false
	}
	s := strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(s, 10, 32); err == nil {
		return int(n), raw, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return 0, raw, false
	}
	return int(f), raw, true
}

// Of classifies a record by its code; records without a numeric code are
// Unknown.
func Of(r modemid.Record) Status {
	code, _, ok := Code(r)
	if !ok {
		return Unknown
	}
	return Classify(code)
}
