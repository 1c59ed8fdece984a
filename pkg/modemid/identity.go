package modemid

// IdentityFields is the lookup order for the canonical modem id. The order
// matters: alert records carry both "modemSINo" and a row "id", and the
// serial must win.
var IdentityFields = []string{
	"modemSINo",
	"modemNo",
	"modemSlNo",
	"modemno",
	"modemId",
	"modem_sl_no",
	"sno",
	"id",
}

// Identifier returns the canonical modem id of a record, or false when
// none of the identity fields carry a value.
func Identifier(r Record) (string, bool) {
	return FirstNonEmpty(r, IdentityFields...)
}

// Set is a set of canonical modem ids.
type Set map[string]struct{}

// NewSet builds a Set from ids, skipping blanks.
func NewSet(ids []string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		if id != "" {
			s[id] = struct{}{}
		}
	}
	return s
}

// Has reports whether id is in the set.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Owned returns the canonical id of r when it belongs to the set.
func (s Set) Owned(r Record) (string, bool) {
	id, ok := Identifier(r)
	if !ok || !s.Has(id) {
		return "", false
	}
	return id, true
}

// Canonicalize reduces registry records to their ids, dropping records
// without one and collapsing duplicates while keeping first-seen order.
func Canonicalize(records []Record) []string {
	seen := make(Set, len(records))
	out := make([]string, 0, len(records))
	for _, r := range records {
		id, ok := Identifier(r)
		if !ok || seen.Has(id) {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
