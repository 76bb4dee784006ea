package tus

import "testing"

func TestUploadID_RoundTrip(t *testing.T) {
	ids := []UploadID{
		{Tenant: "t1", Bucket: "avatars", Object: "a.png", Version: "v1"},
		{Tenant: "t1", Bucket: "avatars", Object: "nested/deep/a.png", Version: "0199"},
		{Tenant: "acme-prod", Bucket: "b-2", Object: "x", Version: "v"},
	}

	for _, mode := range []bool{false, true} {
		for _, id := range ids {
			formatted := id.Format(mode)
			parsed, err := ParseUploadID(formatted, mode)
			if err != nil {
				t.Fatalf("ParseUploadID(%q, %v): %v", formatted, mode, err)
			}
			if parsed != id {
				t.Errorf("round trip (mode=%v): got %+v, want %+v", mode, parsed, id)
			}
		}
	}
}

func TestUploadID_SeparatorModeObjectNames(t *testing.T) {
	// With the version separator, object names containing slashes survive
	// even when the last path segment looks like a version.
	id := UploadID{Tenant: "t1", Bucket: "b", Object: "dir/file/v2", Version: "v9"}
	parsed, err := ParseUploadID(id.Format(true), true)
	if err != nil {
		t.Fatalf("ParseUploadID: %v", err)
	}
	if parsed.Object != "dir/file/v2" || parsed.Version != "v9" {
		t.Errorf("got object %q version %q", parsed.Object, parsed.Version)
	}
}

func TestParseUploadID_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		separator bool
	}{
		{"too few segments", "t1/bucket", false},
		{"missing version", "t1/bucket/object/", false},
		{"missing tenant", "/bucket/object/v1", false},
		{"invalid bucket", "t1/NOT_A_BUCKET/object/v1", false},
		{"no separator", "t1/bucket/object/v1x", true},
		{"empty version after separator", "t1/bucket/object" + FileVersionSeparator, true},
		{"too few segments with separator", "t1/object" + FileVersionSeparator + "v1", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseUploadID(tc.input, tc.separator); err == nil {
				t.Errorf("ParseUploadID(%q, %v) succeeded", tc.input, tc.separator)
			}
		})
	}
}
