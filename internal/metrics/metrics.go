// Package metrics exposes Prometheus collectors fed by the progress
// broadcaster.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/imageguard/scanhub/internal/progress"
	"github.com/imageguard/scanhub/internal/queue"
	"github.com/imageguard/scanhub/internal/scan"
)

// Listener owns all scan lifecycle collectors and implements
// progress.Listener so it can be subscribed directly to the broadcaster.
type Listener struct {
	scansStarted   prometheus.Counter
	scansCompleted *prometheus.CounterVec
	scanDuration   *prometheus.HistogramVec

	tracker *scanTracker
}

// NewListener registers the collectors against the provided registry. The
// stats func feeds the queue occupancy gauges.
func NewListener(reg prometheus.Registerer, stats func() queue.Stats) (*Listener, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	l := &Listener{
		scansStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanhub_scans_started_total",
			Help: "Total scans that have started running.",
		}),
		scansCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanhub_scans_completed_total",
			Help: "Total scans completed partitioned by result.",
		}, []string{"result"}),
		scanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scanhub_scan_duration_seconds",
			Help:    "Wall time per completed scan.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		tracker: newScanTracker(),
	}
	collectors := []prometheus.Collector{
		l.scansStarted,
		l.scansCompleted,
		l.scanDuration,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "scanhub_queue_pending",
			Help: "Scans waiting for a slot.",
		}, func() float64 { return float64(stats().Queued) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "scanhub_scans_running",
			Help: "Scans currently occupying a slot.",
		}, func() float64 { return float64(stats().Running) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Listen consumes one progress event. Subscribe it via the registry:
// registry.Subscribe(listener.Listen).
func (l *Listener) Listen(evt progress.Event) {
	switch {
	case evt.Status == scan.StatusRunning:
		if l.tracker.start(evt.RequestID, evt.TS) {
			l.scansStarted.Inc()
		}
	case evt.Status.IsTerminal():
		startedAt, seen := l.tracker.finish(evt.RequestID)
		if !seen {
			return
		}
		result := string(evt.Status)
		l.scansCompleted.WithLabelValues(result).Inc()
		if !startedAt.IsZero() {
			l.scanDuration.WithLabelValues(result).Observe(evt.TS.Sub(startedAt).Seconds())
		}
	}
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// scanTracker dedupes lifecycle transitions so repeated events for one
// request count once.
type scanTracker struct {
	mu      sync.Mutex
	started map[string]time.Time
	done    map[string]struct{}
}

func newScanTracker() *scanTracker {
	return &scanTracker{
		started: make(map[string]time.Time),
		done:    make(map[string]struct{}),
	}
}

func (t *scanTracker) start(requestID string, ts time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.started[requestID]; ok {
		return false
	}
	if _, ok := t.done[requestID]; ok {
		return false
	}
	t.started[requestID] = ts
	return true
}

func (t *scanTracker) finish(requestID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.done[requestID]; ok {
		return time.Time{}, false
	}
	t.done[requestID] = struct{}{}
	startedAt := t.started[requestID]
	delete(t.started, requestID)
	return startedAt, true
}
