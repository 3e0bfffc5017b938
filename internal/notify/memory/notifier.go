// Package memory contains an in-memory notifier implementation for tests.
package memory

import (
	"context"
	"sync"

	"github.com/imageguard/scanhub/internal/scan"
)

// Notification captures one notify call.
type Notification struct {
	ImageRef string
	ScanID   string
	Counts   scan.SeverityCounts
}

// Notifier stores notifications for inspection.
type Notifier struct {
	mu            sync.RWMutex
	notifications []Notification
}

// New returns a memory Notifier.
func New() *Notifier {
	return &Notifier{}
}

// NotifyOnCompletion records the notification.
func (n *Notifier) NotifyOnCompletion(_ context.Context, imageRef, scanID string, counts scan.SeverityCounts) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, Notification{ImageRef: imageRef, ScanID: scanID, Counts: counts})
	return nil
}

// Notifications returns the recorded notifications.
func (n *Notifier) Notifications() []Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Notification, len(n.notifications))
	copy(out, n.notifications)
	return out
}
