package postgres

import "strings"

// Migration indexes that gate optional columns. A tenant whose latest
// applied migration is older than the gate sees the column elided from
// SELECT and INSERT lists, so requests keep working while the progressive
// migration runner catches the tenant up.
const (
	migrationInit           uint = 1
	migrationCustomMetadata uint = 2 // adds objects.user_metadata, uploads.user_metadata
	migrationOwnerText      uint = 3 // relaxes owner to text
)

// hasUserMetadata reports whether the tenant schema carries the
// user_metadata columns.
func (s *Store) hasUserMetadata() bool {
	return s.migrationVersion == 0 || s.migrationVersion >= migrationCustomMetadata
}

// objectColumns returns the SELECT list for object rows, honouring the
// migration gate and an optional caller projection.
func (s *Store) objectColumns(projection []string) string {
	return strings.Join(s.objectProjection(projection), ", ")
}

// objectProjection resolves a caller projection against the columns the
// tenant schema actually carries. An empty or fully-unknown projection
// yields the full column set.
func (s *Store) objectProjection(projection []string) []string {
	base := []string{"id", "bucket_id", "name", "owner", "version", "metadata", "created_at", "updated_at", "last_accessed_at"}
	if s.hasUserMetadata() {
		base = append(base, "user_metadata")
	}
	if len(projection) == 0 {
		return base
	}

	allowed := make(map[string]bool, len(base))
	for _, c := range base {
		allowed[c] = true
	}
	out := make([]string, 0, len(projection))
	for _, c := range projection {
		if allowed[c] {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return base
	}
	return out
}

// lockClause renders the row-lock modifier.
func lockClause(mode int) string {
	switch mode {
	case 1:
		return " FOR UPDATE"
	case 2:
		return " FOR SHARE"
	case 3:
		return " FOR KEY SHARE"
	case 4:
		return " FOR UPDATE NOWAIT"
	default:
		return ""
	}
}
