// Package scan defines core types shared across subsystems.
package scan

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a scan job.
type Status string

// Job status values persisted in the scan store.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Source identifies where the image bytes for a scan come from.
type Source string

// Supported scan sources.
const (
	SourceRegistry Source = "registry"
	SourceTar      Source = "tar"
	SourceLocal    Source = "local"
)

// Request captures everything needed to scan a single image.
type Request struct {
	Source   Source `json:"source"`
	Image    string `json:"image"`
	Tag      string `json:"tag"`
	Registry string `json:"registry,omitempty"`
	TarPath  string `json:"tar_path,omitempty"`
	LocalRef string `json:"local_ref,omitempty"`
}

// Ref returns the fully qualified image reference in name:tag form.
func (r Request) Ref() string {
	tag := r.Tag
	if tag == "" {
		tag = "latest"
	}
	return r.Image + ":" + tag
}

// Job represents the in-memory lifecycle record for one scan request.
type Job struct {
	RequestID string     `json:"request_id"`
	ScanID    string     `json:"scan_id"`
	ImageID   string     `json:"image_id"`
	Status    Status     `json:"status"`
	Progress  float64    `json:"progress"`
	Step      string     `json:"step,omitempty"`
	ErrorText string     `json:"error_text,omitempty"`
	Request   Request    `json:"request"`
	Submitted time.Time  `json:"submitted_at"`
	Started   *time.Time `json:"started_at,omitempty"`
	Finished  *time.Time `json:"finished_at,omitempty"`
}

// Priority tiers used by submitters. Interactive requests start ahead of
// bulk ones; the queue assumes nothing about tiers beyond the total order.
const (
	PriorityInteractive = 0
	PriorityBulk        = -1
)

// CreatedRecord is returned by the store when a durable scan row is created.
type CreatedRecord struct {
	ScanID  string
	ImageID string
}

// Update carries the mutable persisted fields of a scan record.
type Update struct {
	Status       Status
	Progress     *float64
	Step         string
	ErrorText    string
	Finished     *time.Time
	ToolVersions map[string]string
}

// Reports maps tool name to the raw report payload produced by that tool.
type Reports map[string]json.RawMessage

// Image is one inventory entry eligible for scanning.
type Image struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Tag    string `json:"tag"`
	Source Source `json:"source"`
	Digest string `json:"digest,omitempty"`
}

// Ref returns the fully qualified name:tag reference for the image.
func (i Image) Ref() string {
	tag := i.Tag
	if tag == "" {
		tag = "latest"
	}
	return i.Name + ":" + tag
}
