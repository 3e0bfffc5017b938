package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/imageguard/scanhub/internal/scan"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%03d", g.n)
}

func newStore() *Store {
	return New(&seqIDs{}, fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)})
}

func TestCreateScanRecord(t *testing.T) {
	t.Parallel()

	s := newStore()
	req := scan.Request{Source: scan.SourceRegistry, Image: "app", Tag: "v1"}

	rec, err := s.CreateScanRecord(context.Background(), "req-1", req)
	require.NoError(t, err)
	require.NotEmpty(t, rec.ScanID)
	require.NotEmpty(t, rec.ImageID)
	require.NotEqual(t, rec.ScanID, rec.ImageID)

	stored, ok := s.Get(rec.ScanID)
	require.True(t, ok)
	require.Equal(t, "req-1", stored.RequestID)
	require.Equal(t, scan.StatusPending, stored.Status)
	require.Equal(t, req, stored.Request)
}

func TestCreateScanRecordRejectsDuplicateRequest(t *testing.T) {
	t.Parallel()

	s := newStore()
	_, err := s.CreateScanRecord(context.Background(), "req-1", scan.Request{Source: scan.SourceRegistry, Image: "app"})
	require.NoError(t, err)

	_, err = s.CreateScanRecord(context.Background(), "req-1", scan.Request{Source: scan.SourceRegistry, Image: "app"})
	require.Error(t, err)
}

func TestUpdateScanRecordAppliesFieldwise(t *testing.T) {
	t.Parallel()

	s := newStore()
	rec, err := s.CreateScanRecord(context.Background(), "req-1", scan.Request{Source: scan.SourceRegistry, Image: "app"})
	require.NoError(t, err)

	progress := 55.0
	require.NoError(t, s.UpdateScanRecord(context.Background(), rec.ScanID, scan.Update{
		Status:   scan.StatusRunning,
		Progress: &progress,
		Step:     "scanning image",
	}))

	// A partial update keeps the untouched fields.
	require.NoError(t, s.UpdateScanRecord(context.Background(), rec.ScanID, scan.Update{
		ErrorText: "transient warning",
	}))

	stored, ok := s.Get(rec.ScanID)
	require.True(t, ok)
	require.Equal(t, scan.StatusRunning, stored.Status)
	require.Equal(t, 55.0, stored.Progress)
	require.Equal(t, "scanning image", stored.Step)
	require.Equal(t, "transient warning", stored.ErrorText)
}

func TestUpdateScanRecordUnknownID(t *testing.T) {
	t.Parallel()

	s := newStore()
	require.Error(t, s.UpdateScanRecord(context.Background(), "nope", scan.Update{Status: scan.StatusFailed}))
}

func TestUploadScanResults(t *testing.T) {
	t.Parallel()

	s := newStore()
	rec, err := s.CreateScanRecord(context.Background(), "req-1", scan.Request{Source: scan.SourceRegistry, Image: "app"})
	require.NoError(t, err)

	reports := scan.Reports{"trivy": json.RawMessage(`{"Version":2}`)}
	require.NoError(t, s.UploadScanResults(context.Background(), rec.ScanID, reports))

	stored, ok := s.Reports(rec.ScanID)
	require.True(t, ok)
	require.Equal(t, reports, stored)

	require.Error(t, s.UploadScanResults(context.Background(), "nope", reports))
}
