// Package events carries object lifecycle notifications through an in-process
// queue. Handlers run on background workers; the queue drains gracefully on
// shutdown.
package events

import (
	"time"
)

// Type names an object lifecycle transition.
type Type string

const (
	ObjectCreated           Type = "ObjectCreated:Put"
	ObjectRemovedDelete     Type = "ObjectRemoved:Delete"
	ObjectRemovedMove       Type = "ObjectRemoved:Move"
	ObjectAdminDelete       Type = "ObjectAdminDelete"
	MultipartUploadComplete Type = "MultiPartUploadCompleted"
)

// Event is one lifecycle notification.
type Event struct {
	Type     Type      `json:"type"`
	TenantID string    `json:"tenant"`
	Bucket   string    `json:"bucket"`
	Name     string    `json:"name"`
	Version  string    `json:"version,omitempty"`
	Size     int64     `json:"size,omitempty"`
	At       time.Time `json:"at"`
}
