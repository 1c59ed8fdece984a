package alertfetch

import (
	"github.com/tidwall/gjson"

	"modem-monitor/pkg/modemid"
)

// alertPaths are the wrapped shapes the alerts API has returned over time,
// in the order they are tried after the bare array.
var alertPaths = []string{"alerts", "data.alerts", "data"}

// modemPaths are the equivalent shapes of the modem registry.
var modemPaths = []string{"modems", "data.modems", "data"}

// DecodeAlerts extracts the alert list from a response body. It accepts a
// bare array, {alerts:[...]}, {data:{alerts:[...]}} and {data:[...]}; any
// other body, including invalid JSON, yields ok=false and no records.
func DecodeAlerts(body []byte) (records []modemid.Record, ok bool) {
	return decodeList(body, alertPaths)
}

// DecodeModems does the same for the assigned-modem registry.
func DecodeModems(body []byte) ([]modemid.Record, bool) {
	return decodeList(body, modemPaths)
}

func decodeList(body []byte, paths []string) ([]modemid.Record, bool) {
	if !gjson.ValidBytes(body) {
		return nil, false
	}
	root := gjson.ParseBytes(body)
	list := root
	if !root.IsArray() {
		list = gjson.Result{}
		for _, p := range paths {
			if r := root.Get(p); r.IsArray() {
				list = r
				break
			}
		}
		if !list.IsArray() {
			return nil, false
		}
	}
	records, err := modemid.DecodeRecords([]byte(list.Raw))
	if err != nil {
		return nil, false
	}
	return records, true
}

// pageMeta is the optional paging metadata next to a list.
type pageMeta struct {
	done  bool // hasMore:false or nextPage:null
	total int  // 0 when absent
}

var (
	hasMorePaths  = []string{"hasMore", "data.hasMore", "pagination.hasMore"}
	nextPagePaths = []string{"nextPage", "data.nextPage", "pagination.nextPage"}
	totalPaths    = []string{"total", "data.total", "pagination.total"}
)

func decodeMeta(body []byte) pageMeta {
	var m pageMeta
	if !gjson.ValidBytes(body) {
		return m
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return m
	}
	for _, p := range hasMorePaths {
		if r := root.Get(p); r.Exists() && r.Type == gjson.False {
			m.done = true
		}
	}
	for _, p := range nextPagePaths {
		if r := root.Get(p); r.Exists() && r.Type == gjson.Null {
			m.done = true
		}
	}
	for _, p := range totalPaths {
		if r := root.Get(p); r.Exists() && r.Type == gjson.Number {
			m.total = int(r.Int())
			break
		}
	}
	return m
}
