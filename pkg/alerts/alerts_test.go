package alerts

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"modem-monitor/pkg/modemid"
	"modem-monitor/pkg/modemstatus"
)

func TestNormalizeFullRecord(t *testing.T) {
	t.Parallel()

	n := Normalize(modemid.Record{
		"id":              "a1",
		"modemSlNo":       "MDM001",
		"code":            json.Number("214"),
		"codeDesc":        "power down",
		"modemDate":       "2026-10-01",
		"modemTime":       "10:15:00",
		"section":         "North-2",
		"circle":          "Circle A",
		"signalStrength1": "-81",
		"resolved":        false,
	})

	assert.Equal(t, "a1", n.ID)
	assert.Equal(t, "MDM001", n.ModemID)
	assert.Equal(t, 214, n.Code)
	assert.Equal(t, modemstatus.NonCommunicating, n.Status)
	assert.Equal(t, "Modem Power Failed", n.ErrorDescription)
	assert.Equal(t, "North-2", n.Location)
	assert.Equal(t, "2026-10-01 10:15:00", n.Timestamp)
	assert.Equal(t, -81.0, n.SignalStrength)
	assert.False(t, n.Resolved)
}

func TestNormalizeIDFallbacks(t *testing.T) {
	t.Parallel()

	// No row id: the canonical modem id stands in.
	n := Normalize(modemid.Record{"modemNo": "M7", "code": 112.0})
	assert.Equal(t, "M7", n.ID)

	// Nothing identifying at all: code and timestamp make the composite.
	n = Normalize(modemid.Record{"code": "202", "updatedAt": "2026-10-02T08:00:00Z"})
	assert.Equal(t, "202-2026-10-02T08:00:00Z", n.ID)
	assert.Equal(t, "", n.ModemID)
	assert.Equal(t, modemstatus.Warning, n.Status)
}

func TestDescriptionFallbacks(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Meter COM Failed", Description(modemid.Record{"code": 212.0, "error": "x"}))
	assert.Equal(t, "Low battery", Description(modemid.Record{"code": 301.0, "error": "Low battery"}))
	assert.Equal(t, UnknownError, Description(modemid.Record{"code": 301.0}))
	assert.Equal(t, "text only", Description(modemid.Record{"codeDesc": "text only"}))
}

func TestNonNumericCodeIsKept(t *testing.T) {
	t.Parallel()

	n := Normalize(modemid.Record{"sno": "S1", "code": "E-7", "date": "2026-10-03"})
	assert.Equal(t, "E-7", n.Code)
	assert.Equal(t, modemstatus.Unknown, n.Status)
	assert.Equal(t, "2026-10-03", n.Timestamp)
}
