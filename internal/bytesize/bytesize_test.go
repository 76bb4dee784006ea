package bytesize

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want ByteSize
	}{
		{"0", 0},
		{"1024", 1024},
		{"1Ki", KiB},
		{"1KiB", KiB},
		{"5Mi", 5 * MiB},
		{"50MiB", 50 * MiB},
		{"1Gi", GiB},
		{"2TiB", 2 * TiB},
		{"100KB", 100 * KB},
		{"100MB", 100 * MB},
		{"1.5Gi", ByteSize(1.5 * float64(GiB))},
		{" 10 Mi ", 10 * MiB},
		{"1gb", GB},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "abc", "10XB", "-5Mi", "Mi"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q): expected error", in)
		}
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		in   ByteSize
		want string
	}{
		{512, "512B"},
		{KiB, "1.00KiB"},
		{5 * MiB, "5.00MiB"},
		{GiB, "1.00GiB"},
	}
	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", uint64(tt.in), got, tt.want)
		}
	}
}

func TestUnmarshalText(t *testing.T) {
	var b ByteSize
	if err := b.UnmarshalText([]byte("25MiB")); err != nil {
		t.Fatal(err)
	}
	if b != 25*MiB {
		t.Errorf("got %d, want %d", b, 25*MiB)
	}
}
