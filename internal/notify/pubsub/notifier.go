// Package pubsub implements a Google Cloud Pub/Sub notifier.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/imageguard/scanhub/internal/scan"
)

// Notifier publishes completion notifications to a Pub/Sub topic.
type Notifier struct {
	topic *pubsub.Topic
}

// New creates a Notifier for the provided topic.
func New(topic *pubsub.Topic) *Notifier {
	return &Notifier{topic: topic}
}

// NotifyOnCompletion marshals the severity summary and publishes it. The
// registry treats failures here as log-only; a scan never fails because its
// notification did.
func (n *Notifier) NotifyOnCompletion(ctx context.Context, imageRef, scanID string, counts scan.SeverityCounts) error {
	if n.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	payload := map[string]any{
		"image":    imageRef,
		"scan_id":  scanID,
		"critical": counts.Critical,
		"high":     counts.High,
		"medium":   counts.Medium,
		"low":      counts.Low,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	result := n.topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
