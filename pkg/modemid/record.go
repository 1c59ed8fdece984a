// Package modemid turns loosely shaped upstream records into one canonical
// modem identifier.
//
// The alerts API and the modem registry were built by different teams and
// never agreed on field names: the same serial shows up as "modemSINo",
// "modemNo", "modem_sl_no" or plain "sno". Every extractor in this module
// walks an ordered list of candidate keys through FirstNonEmpty so the
// fallback rules live in exactly one place.
package modemid

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Record is a single JSON object from either upstream API. Numbers are kept
// as json.Number so long serials survive without float rounding.
type Record map[string]any

// DecodeRecords parses a JSON array of objects. Elements that are not
// objects are skipped rather than failing the whole batch.
func DecodeRecords(raw []byte) ([]Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var items []any
	if err := dec.Decode(&items); err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, Record(m))
		}
	}
	return out, nil
}

// FirstNonEmpty returns the first key whose value is present, non-null and
// not the empty string, stringified and trimmed. Numeric zero and false are
// real values here.
func FirstNonEmpty(r Record, keys ...string) (string, bool) {
	for _, key := range keys {
		v, ok := r[key]
		if !ok || v == nil {
			continue
		}
		s := strings.TrimSpace(Stringify(v))
		if s == "" {
			continue
		}
		return s, true
	}
	return "", false
}

// Stringify renders a decoded JSON value the way the upstream UI printed
// it: integers without exponent or trailing ".0".
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

// FirstFloat returns the first key holding a number or numeric string.
func FirstFloat(r Record, keys ...string) (float64, bool) {
	for _, key := range keys {
		s, ok := FirstNonEmpty(r, key)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(s, 64)
		if err == nil {
			return f, true
		}
	}
	return 0, false
}

// Bool reads a boolean flag, accepting JSON booleans and "true"/"1" strings.
func Bool(r Record, key string) bool {
	switch x := r[key].(type) {
	case bool:
		return x
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(x))
		return b
	case json.Number:
		return x.String() != "0"
	case float64:
		return x != 0
	}
	return false
}
