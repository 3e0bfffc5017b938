// Package progress implements the broadcaster that fans scan lifecycle
// events out to registered listeners, including the synthesized progress
// curves used when a scan source provides no byte-level signal.
package progress

import (
	"errors"
	"time"

	"github.com/imageguard/scanhub/internal/scan"
)

// Event captures a single progress milestone for one scan request. Events
// are transient and broadcast-only; nothing in the core persists them.
type Event struct {
	RequestID string      `json:"request_id"`
	ScanID    string      `json:"scan_id"`
	Status    scan.Status `json:"status"`
	Progress  float64     `json:"progress"`
	Step      string      `json:"step,omitempty"`
	ErrorText string      `json:"error,omitempty"`
	TS        time.Time   `json:"timestamp"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RequestID == "" {
		return errors.New("request id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Progress < 0 || e.Progress > 100 {
		return errors.New("progress must be within 0-100")
	}
	return nil
}

// Listener receives every broadcast event. Listeners run synchronously on
// the emitting goroutine and must be quick.
type Listener func(Event)

// UpdateFunc is the canonical progress update path owned by the registry.
// Simulations report through it rather than mutating job state themselves.
type UpdateFunc func(requestID string, progress float64, step string)
