// Package dispatch provides a development dispatcher that simulates scan
// execution. Production deployments plug a real tool-running dispatcher in
// behind the same interface.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/imageguard/scanhub/internal/scan"
)

// Simulated implements scan.Dispatcher by sleeping for a configured
// duration and producing canned reports.
type Simulated struct {
	mu       sync.RWMutex
	reports  map[string]scan.Reports
	duration time.Duration
}

// New constructs a Simulated dispatcher. duration is how long each scan
// pretends to run.
func New(duration time.Duration) *Simulated {
	if duration <= 0 {
		duration = 2 * time.Second
	}
	return &Simulated{
		reports:  make(map[string]scan.Reports),
		duration: duration,
	}
}

// ExecuteTarScan simulates scanning an archive file.
func (d *Simulated) ExecuteTarScan(ctx context.Context, requestID string, req scan.Request, scanID, imageID string) error {
	return d.run(ctx, requestID, req)
}

// ExecuteLocalScan simulates scanning a local image.
func (d *Simulated) ExecuteLocalScan(ctx context.Context, requestID string, req scan.Request, scanID, imageID string) error {
	return d.run(ctx, requestID, req)
}

// ExecuteRegistryScan simulates pulling and scanning a registry image.
func (d *Simulated) ExecuteRegistryScan(ctx context.Context, requestID string, req scan.Request, scanID, imageID string) error {
	return d.run(ctx, requestID, req)
}

func (d *Simulated) run(ctx context.Context, requestID string, req scan.Request) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("scan interrupted: %w", ctx.Err())
	case <-time.After(d.duration):
	}
	report, err := json.Marshal(map[string]any{
		"Version":      2,
		"ArtifactName": req.Ref(),
		"Results":      []any{},
	})
	if err != nil {
		return fmt.Errorf("build report: %w", err)
	}
	d.mu.Lock()
	d.reports[requestID] = scan.Reports{"trivy": report}
	d.mu.Unlock()
	return nil
}

// LoadScanResults returns the reports produced for requestID.
func (d *Simulated) LoadScanResults(_ context.Context, requestID string) (scan.Reports, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	reports, ok := d.reports[requestID]
	if !ok {
		return nil, fmt.Errorf("no results for request %s", requestID)
	}
	return reports, nil
}
