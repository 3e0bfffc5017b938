package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/imageguard/scanhub/internal/progress"
	"github.com/imageguard/scanhub/internal/queue"
	"github.com/imageguard/scanhub/internal/scan"
)

func newListener(t *testing.T, stats queue.Stats) *Listener {
	t.Helper()
	l, err := NewListener(prometheus.NewRegistry(), func() queue.Stats { return stats })
	require.NoError(t, err)
	return l
}

func event(requestID string, status scan.Status, ts time.Time) progress.Event {
	return progress.Event{
		RequestID: requestID,
		ScanID:    "scan-1",
		Status:    status,
		TS:        ts,
	}
}

func TestListenerCountsLifecycle(t *testing.T) {
	t.Parallel()

	l := newListener(t, queue.Stats{})
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	l.Listen(event("req-1", scan.StatusRunning, start))
	require.Equal(t, 1.0, testutil.ToFloat64(l.scansStarted))

	// Progress updates while running do not re-count the start.
	l.Listen(event("req-1", scan.StatusRunning, start.Add(time.Second)))
	require.Equal(t, 1.0, testutil.ToFloat64(l.scansStarted))

	l.Listen(event("req-1", scan.StatusSuccess, start.Add(30*time.Second)))
	require.Equal(t, 1.0, testutil.ToFloat64(l.scansCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(l.scansCompleted.WithLabelValues("failed")))
	require.Equal(t, 1, testutil.CollectAndCount(l.scanDuration))

	// A late duplicate terminal event is ignored.
	l.Listen(event("req-1", scan.StatusFailed, start.Add(time.Minute)))
	require.Equal(t, 0.0, testutil.ToFloat64(l.scansCompleted.WithLabelValues("failed")))
}

func TestListenerCountsFailuresAndCancels(t *testing.T) {
	t.Parallel()

	l := newListener(t, queue.Stats{})
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	l.Listen(event("req-1", scan.StatusRunning, start))
	l.Listen(event("req-1", scan.StatusFailed, start.Add(time.Second)))
	require.Equal(t, 1.0, testutil.ToFloat64(l.scansCompleted.WithLabelValues("failed")))

	// A pending job cancelled before it ever ran still counts a terminal
	// outcome, just without a duration sample.
	l.Listen(event("req-2", scan.StatusCancelled, start))
	require.Equal(t, 1.0, testutil.ToFloat64(l.scansCompleted.WithLabelValues("cancelled")))
	require.Equal(t, 1, testutil.CollectAndCount(l.scanDuration))
}

func TestQueueGauges(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewListener(reg, func() queue.Stats {
		return queue.Stats{Queued: 4, Running: 2, Limit: 3}
	})
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		if len(mf.GetMetric()) == 1 && mf.GetMetric()[0].GetGauge() != nil {
			values[mf.GetName()] = mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	require.Equal(t, 4.0, values["scanhub_queue_pending"])
	require.Equal(t, 2.0, values["scanhub_scans_running"])
}

func TestDuplicateRegistrationFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewListener(reg, func() queue.Stats { return queue.Stats{} })
	require.NoError(t, err)

	_, err = NewListener(reg, func() queue.Stats { return queue.Stats{} })
	require.Error(t, err)
}
