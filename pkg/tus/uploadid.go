// Package tus implements the TUS 1.0 resumable upload surface over the blob
// backend's multipart primitives, with cross-node cooperation through
// advisory locks and pub/sub release requests.
package tus

import (
	"strings"

	"github.com/keelstore/keel/pkg/apperr"
	"github.com/keelstore/keel/pkg/meta"
)

// FileVersionSeparator joins object name and version when the tenant opts out
// of path-separated upload ids (for object names that embed slashes).
const FileVersionSeparator = "-$v-"

// UploadID is the reversible, tenant-scoped handle for one resumable upload.
type UploadID struct {
	Tenant  string
	Bucket  string
	Object  string
	Version string
}

// Format renders the id. With useFileVersionSeparator the version is joined
// to the object name by FileVersionSeparator instead of a path segment.
func (u UploadID) Format(useFileVersionSeparator bool) string {
	if useFileVersionSeparator {
		return u.Tenant + "/" + u.Bucket + "/" + u.Object + FileVersionSeparator + u.Version
	}
	return u.Tenant + "/" + u.Bucket + "/" + u.Object + "/" + u.Version
}

// ParseUploadID reverses Format. Both separator modes validate bucket and
// object names; a missing version segment is rejected.
func ParseUploadID(s string, useFileVersionSeparator bool) (UploadID, error) {
	var id UploadID

	if useFileVersionSeparator {
		head, version, ok := cutLast(s, FileVersionSeparator)
		if !ok || version == "" {
			return id, apperr.InvalidParameter("upload id is missing a version")
		}
		parts := strings.SplitN(head, "/", 3)
		if len(parts) != 3 {
			return id, apperr.InvalidParameter("malformed upload id")
		}
		id = UploadID{Tenant: parts[0], Bucket: parts[1], Object: parts[2], Version: version}
	} else {
		parts := strings.Split(s, "/")
		if len(parts) < 4 {
			return id, apperr.InvalidParameter("malformed upload id")
		}
		id = UploadID{
			Tenant:  parts[0],
			Bucket:  parts[1],
			Object:  strings.Join(parts[2:len(parts)-1], "/"),
			Version: parts[len(parts)-1],
		}
		if id.Version == "" {
			return id, apperr.InvalidParameter("upload id is missing a version")
		}
	}

	if id.Tenant == "" {
		return id, apperr.InvalidParameter("upload id is missing a tenant")
	}
	if err := meta.ValidateBucketName(id.Bucket); err != nil {
		return id, err
	}
	if err := meta.ValidateObjectKey(id.Object); err != nil {
		return id, err
	}
	return id, nil
}

// cutLast splits around the final occurrence of sep.
func cutLast(s, sep string) (before, after string, found bool) {
	idx := strings.LastIndex(s, sep)
	if idx < 0 {
		return s, "", false
	}
	return s[:idx], s[idx+len(sep):], true
}
