package meta

import (
	"net"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/keelstore/keel/pkg/apperr"
)

// Bucket name rules follow the S3 subset: 3-63 chars, lowercase letters,
// digits, dots and hyphens, starting and ending alphanumeric, no consecutive
// dots, and not shaped like an IP literal.
var bucketNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// MaxObjectKeyLength is the longest accepted object key, in bytes.
const MaxObjectKeyLength = 1024

// ValidateBucketName enforces the boundary rules for bucket names.
func ValidateBucketName(name string) error {
	if !bucketNameRe.MatchString(name) {
		return apperr.InvalidBucketName(name)
	}
	if strings.Contains(name, "..") {
		return apperr.InvalidBucketName(name)
	}
	if net.ParseIP(name) != nil {
		return apperr.InvalidBucketName(name)
	}
	return nil
}

// ValidateObjectKey enforces the boundary rules for object keys. Keys may
// contain embedded slashes; a leading slash is rejected (native surface
// normalises it away before reaching here).
func ValidateObjectKey(key string) error {
	if key == "" {
		return apperr.InvalidKey(key)
	}
	if len(key) > MaxObjectKeyLength {
		return apperr.InvalidKey(key)
	}
	if !utf8.ValidString(key) {
		return apperr.InvalidKey(key)
	}
	if strings.ContainsRune(key, '\x00') {
		return apperr.InvalidKey(key)
	}
	if strings.HasPrefix(key, "/") {
		return apperr.InvalidKey(key)
	}
	return nil
}
