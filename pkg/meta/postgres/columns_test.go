package postgres

import (
	"fmt"
	"strings"
	"testing"
)

func TestObjectProjection(t *testing.T) {
	full := "id, bucket_id, name, owner, version, metadata, created_at, updated_at, last_accessed_at, user_metadata"

	tests := []struct {
		name       string
		version    uint
		projection []string
		want       string
	}{
		{
			name: "full set by default",
			want: full,
		},
		{
			name:       "caller projection honoured",
			projection: []string{"version"},
			want:       "version",
		},
		{
			name:       "unknown columns dropped",
			projection: []string{"version", "password"},
			want:       "version",
		},
		{
			name:       "all unknown falls back to full set",
			projection: []string{"password"},
			want:       full,
		},
		{
			name:       "user_metadata elided before its migration",
			version:    migrationInit,
			projection: []string{"name", "user_metadata"},
			want:       "name",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Store{migrationVersion: tt.version}
			got := strings.Join(s.objectProjection(tt.projection), ", ")
			if got != tt.want {
				t.Errorf("objectProjection(%v) = %q, want %q", tt.projection, got, tt.want)
			}
		})
	}
}

// stubRow fails the scan when the destination count does not match the
// projected column count, which is exactly what a narrowed SELECT would do
// against a full-width scan.
type stubRow struct {
	values []string
}

func (r stubRow) Scan(dest ...any) error {
	if len(dest) != len(r.values) {
		return fmt.Errorf("got %d destinations, want %d", len(dest), len(r.values))
	}
	for i, v := range r.values {
		p, ok := dest[i].(*string)
		if !ok {
			return fmt.Errorf("destination %d is %T, want *string", i, dest[i])
		}
		*p = v
	}
	return nil
}

func TestScanObjectProjection(t *testing.T) {
	s := &Store{}
	cols := s.objectProjection([]string{"name", "version"})

	o, err := s.scanObjectProjection(stubRow{values: []string{"report.pdf", "v42"}}, cols)
	if err != nil {
		t.Fatalf("scanObjectProjection: %v", err)
	}
	if o.Name != "report.pdf" || o.Version != "v42" {
		t.Errorf("scanned object = %q/%q, want report.pdf/v42", o.Name, o.Version)
	}
	if o.ID != "" || o.BucketID != "" || o.Owner != "" || o.Metadata != nil {
		t.Errorf("unselected fields should stay zero, got %+v", o)
	}
}
