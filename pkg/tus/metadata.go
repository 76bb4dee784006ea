package tus

import (
	"encoding/base64"
	"sort"
	"strings"

	"github.com/keelstore/keel/pkg/apperr"
)

// Reserved Upload-Metadata keys consumed by the gateway; everything else is
// carried as user metadata.
const (
	metaBucketName   = "bucketName"
	metaObjectName   = "objectName"
	metaContentType  = "contentType"
	metaCacheControl = "cacheControl"
)

// ParseUploadMetadata decodes a TUS Upload-Metadata header: comma-separated
// "key base64value" pairs, value optional.
func ParseUploadMetadata(header string) (map[string]string, error) {
	out := make(map[string]string)
	if header == "" {
		return out, nil
	}

	for _, pair := range strings.Split(header, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, encoded, _ := strings.Cut(pair, " ")
		if key == "" {
			return nil, apperr.InvalidParameter("malformed Upload-Metadata header")
		}
		if encoded == "" {
			out[key] = ""
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, apperr.InvalidParameter("malformed Upload-Metadata value for " + key)
		}
		out[key] = string(raw)
	}
	return out, nil
}

// FormatUploadMetadata renders the header form, keys sorted for determinism.
func FormatUploadMetadata(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if m[k] == "" {
			parts = append(parts, k)
			continue
		}
		parts = append(parts, k+" "+base64.StdEncoding.EncodeToString([]byte(m[k])))
	}
	return strings.Join(parts, ",")
}
