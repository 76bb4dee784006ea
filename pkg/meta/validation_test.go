package meta

import (
	"strings"
	"testing"
)

func TestValidateBucketName(t *testing.T) {
	valid := []string{"avatars", "my-bucket", "b.2", "abc", strings.Repeat("a", 63)}
	for _, name := range valid {
		if err := ValidateBucketName(name); err != nil {
			t.Errorf("ValidateBucketName(%q): %v", name, err)
		}
	}

	invalid := []string{
		"",
		"ab",
		strings.Repeat("a", 64),
		"Uppercase",
		"under_score",
		"-leading",
		"trailing-",
		"double..dot",
		"192.168.1.1",
	}
	for _, name := range invalid {
		if err := ValidateBucketName(name); err == nil {
			t.Errorf("ValidateBucketName(%q) accepted", name)
		}
	}
}

func TestValidateObjectKey(t *testing.T) {
	valid := []string{"a", "dir/file.txt", "deeply/nested/path/file", strings.Repeat("k", MaxObjectKeyLength)}
	for _, key := range valid {
		if err := ValidateObjectKey(key); err != nil {
			t.Errorf("ValidateObjectKey(%q): %v", key, err)
		}
	}

	invalid := []string{
		"",
		"/leading-slash",
		"nul\x00byte",
		string([]byte{0xff, 0xfe}),
		strings.Repeat("k", MaxObjectKeyLength+1),
	}
	for _, key := range invalid {
		if err := ValidateObjectKey(key); err == nil {
			t.Errorf("ValidateObjectKey(%q) accepted", key)
		}
	}
}
