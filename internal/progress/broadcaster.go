package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/imageguard/scanhub/internal/scan"
)

// Config controls broadcaster behavior.
//   - TickInterval: cadence of simulated progress updates (default 750ms).
//   - Clock: time source used for event timestamps.
//   - Logger: optional structured logger used for warnings.
type Config struct {
	TickInterval time.Duration
	Clock        scan.Clock
	Logger       *zap.Logger
}

const defaultTickInterval = 750 * time.Millisecond

// Simulated curves decelerate toward a ceiling strictly below 100 so a job
// can never appear finished before its terminal status lands.
const (
	downloadFloor   = 0
	downloadCeiling = 45
	scanningFloor   = 45
	scanningCeiling = 95
	curveFactor     = 0.18
	ceilingSlack    = 0.1
	stepDownloading = "downloading image"
	stepScanningImg = "scanning image"
)

// Broadcaster fans events out to identity-addressed listeners and owns the
// simulated-progress timers. Safe for concurrent use.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]Listener
	nextID uint64
	sims   map[string]*simulation

	tick   time.Duration
	clock  scan.Clock
	logger *zap.Logger
	wg     sync.WaitGroup
}

// simulation serializes ticks against Cleanup: once stop returns, no
// further update call can be in flight.
type simulation struct {
	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

func (s *simulation) stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.done)
	}
	s.mu.Unlock()
}

// NewBroadcaster constructs a ready-to-use Broadcaster.
func NewBroadcaster(cfg Config) *Broadcaster {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subs:   make(map[uint64]Listener),
		sims:   make(map[string]*simulation),
		tick:   cfg.TickInterval,
		clock:  cfg.Clock,
		logger: logger,
	}
}

// Subscribe registers a listener and returns a handle for Unsubscribe.
func (b *Broadcaster) Subscribe(l Listener) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = l
	return id
}

// Unsubscribe removes the listener registered under id. Unknown handles are
// ignored.
func (b *Broadcaster) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Emit delivers evt to every listener synchronously. A panicking listener is
// recovered and logged so it cannot break delivery to the rest.
func (b *Broadcaster) Emit(evt Event) {
	if err := evt.Validate(); err != nil {
		b.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	b.mu.Lock()
	listeners := make([]Listener, 0, len(b.subs))
	for _, l := range b.subs {
		listeners = append(listeners, l)
	}
	b.mu.Unlock()

	for _, l := range listeners {
		b.deliver(l, evt)
	}
}

func (b *Broadcaster) deliver(l Listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("progress listener panicked",
				zap.String("request_id", evt.RequestID), zap.Any("panic", r))
		}
	}()
	l(evt)
}

// SimulateDownloadProgress starts a synthesized download curve for
// requestID, reporting through update until Cleanup or a later simulation
// supersedes it.
func (b *Broadcaster) SimulateDownloadProgress(requestID string, update UpdateFunc) {
	b.simulate(requestID, downloadFloor, downloadCeiling, stepDownloading, update)
}

// SimulateScanningProgress starts a synthesized scanning curve for
// requestID, picking up where the download curve left off.
func (b *Broadcaster) SimulateScanningProgress(requestID string, update UpdateFunc) {
	b.simulate(requestID, scanningFloor, scanningCeiling, stepScanningImg, update)
}

// simulate replaces any running simulation for requestID with a new
// decelerating curve: fast early gains, asymptotic below the ceiling.
func (b *Broadcaster) simulate(requestID string, floor, ceiling float64, step string, update UpdateFunc) {
	sim := &simulation{done: make(chan struct{})}

	b.mu.Lock()
	prev := b.sims[requestID]
	b.sims[requestID] = sim
	b.mu.Unlock()
	// Stop the superseded simulation only after releasing b.mu: stop joins an
	// in-flight tick, and the tick's update path may re-enter Emit.
	if prev != nil {
		prev.stop()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.tick)
		defer ticker.Stop()
		p := floor
		for {
			select {
			case <-sim.done:
				return
			case <-ticker.C:
				sim.mu.Lock()
				if sim.stopped {
					sim.mu.Unlock()
					return
				}
				p += (ceiling - p) * curveFactor
				if p >= ceiling {
					p = ceiling - ceilingSlack
				}
				update(requestID, p, step)
				sim.mu.Unlock()
			}
		}
	}()
}

// Cleanup cancels any outstanding simulation timers for requestID. It must
// run on every terminal transition and on cancellation so a stale timer can
// never emit after the job is gone. Callers must not hold locks that the
// update path acquires.
func (b *Broadcaster) Cleanup(requestID string) {
	b.mu.Lock()
	sim, ok := b.sims[requestID]
	if ok {
		delete(b.sims, requestID)
	}
	b.mu.Unlock()
	if ok {
		sim.stop()
	}
}

// Close cancels all simulations and waits for their goroutines to exit.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	sims := make([]*simulation, 0, len(b.sims))
	for id, sim := range b.sims {
		sims = append(sims, sim)
		delete(b.sims, id)
	}
	b.mu.Unlock()
	for _, sim := range sims {
		sim.stop()
	}
	b.wg.Wait()
}
