package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/imageguard/scanhub/internal/scan"
)

func TestSimulatedProducesReport(t *testing.T) {
	t.Parallel()

	d := New(time.Millisecond)
	req := scan.Request{Source: scan.SourceRegistry, Image: "app", Tag: "v1"}

	require.NoError(t, d.ExecuteRegistryScan(context.Background(), "req-1", req, "scan-1", "img-1"))

	reports, err := d.LoadScanResults(context.Background(), "req-1")
	require.NoError(t, err)
	require.Contains(t, reports, "trivy")

	var parsed struct {
		ArtifactName string `json:"ArtifactName"`
	}
	require.NoError(t, json.Unmarshal(reports["trivy"], &parsed))
	require.Equal(t, "app:v1", parsed.ArtifactName)
}

func TestSimulatedHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	d := New(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.ExecuteTarScan(ctx, "req-1", scan.Request{Source: scan.SourceTar, TarPath: "/tmp/x.tar"}, "scan-1", "img-1")
	require.Error(t, err)

	_, err = d.LoadScanResults(context.Background(), "req-1")
	require.Error(t, err)
}
