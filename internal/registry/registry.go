// Package registry implements the scan job table and its state machine. It
// is the single writer for job state and coordinates the queue, the
// execution dispatcher, and the progress broadcaster.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/imageguard/scanhub/internal/progress"
	"github.com/imageguard/scanhub/internal/queue"
	"github.com/imageguard/scanhub/internal/scan"
)

// Config controls registry behavior.
type Config struct {
	// ConcurrencyLimit caps simultaneously running scans.
	ConcurrencyLimit int
}

// StartResult is returned to submitters.
type StartResult struct {
	RequestID     string `json:"request_id"`
	ScanID        string `json:"scan_id"`
	Queued        bool   `json:"queued"`
	QueuePosition int    `json:"queue_position,omitempty"`
}

// slotQueue is the admission-queue surface the registry drives. It is
// satisfied by *queue.Queue; tests wrap it to observe slot accounting.
type slotQueue interface {
	Enqueue(item queue.Item) (started bool, position int, ok bool)
	Complete(requestID string, scanErr error)
	CancelPending(requestID string) bool
	Position(requestID string) int
	EstimatedWait(requestID string) (time.Duration, bool)
	Stats() queue.Stats
}

// Registry owns the process-wide job table. Construct exactly one per
// process and share it; all mutation goes through its methods.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*jobState

	queue       slotQueue
	store       scan.Store
	dispatcher  scan.Dispatcher
	notifier    scan.Notifier
	broadcaster *progress.Broadcaster

	clock  scan.Clock
	ids    scan.IDGenerator
	logger *zap.Logger
	wg     sync.WaitGroup
}

// jobState pairs the job record with its slot-release guard. The guard is
// what makes release exactly-once across the success, failure, and
// cancellation paths.
type jobState struct {
	job     scan.Job
	release sync.Once
}

// New constructs a Registry and its internal queue.
func New(
	cfg Config,
	store scan.Store,
	dispatcher scan.Dispatcher,
	notifier scan.Notifier,
	broadcaster *progress.Broadcaster,
	clock scan.Clock,
	ids scan.IDGenerator,
	logger *zap.Logger,
) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		jobs:        make(map[string]*jobState),
		store:       store,
		dispatcher:  dispatcher,
		notifier:    notifier,
		broadcaster: broadcaster,
		clock:       clock,
		ids:         ids,
		logger:      logger,
	}
	r.queue = queue.New(cfg.ConcurrencyLimit, r.handleStarted, clock, logger)
	return r
}

// StartScan accepts a scan request: it creates the durable record, admits
// the job to the queue, and reports whether it started immediately or where
// it waits. Persistence failure surfaces synchronously and no job is
// created.
func (r *Registry) StartScan(ctx context.Context, req scan.Request, priority int) (StartResult, error) {
	requestID := r.ids.NewID()
	rec, err := r.store.CreateScanRecord(ctx, requestID, req)
	if err != nil {
		return StartResult{}, fmt.Errorf("create scan record: %w", err)
	}

	now := r.clock.Now()
	job := scan.Job{
		RequestID: requestID,
		ScanID:    rec.ScanID,
		ImageID:   rec.ImageID,
		Status:    scan.StatusPending,
		Request:   req,
		Submitted: now,
	}
	r.mu.Lock()
	r.jobs[requestID] = &jobState{job: job}
	r.mu.Unlock()

	started, position, ok := r.queue.Enqueue(queue.Item{
		RequestID:  requestID,
		ScanID:     rec.ScanID,
		ImageID:    rec.ImageID,
		Request:    req,
		Priority:   priority,
		EnqueuedAt: now,
	})
	if !ok {
		return StartResult{}, fmt.Errorf("request %s already queued", requestID)
	}
	if !started {
		r.persist(ctx, rec.ScanID, scan.Update{Status: scan.StatusPending, Step: "queued"})
		r.emitFor(requestID)
	}
	return StartResult{
		RequestID:     requestID,
		ScanID:        rec.ScanID,
		Queued:        !started,
		QueuePosition: position,
	}, nil
}

// handleStarted is the queue's start signal. Execution runs on its own
// goroutine so the queue callback never blocks; the goroutine is joined at
// shutdown.
func (r *Registry) handleStarted(item queue.Item) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runScan(context.Background(), item)
	}()
}

func (r *Registry) runScan(ctx context.Context, item queue.Item) {
	st, job, ok := r.transition(item.RequestID, scan.StatusRunning, func(j *scan.Job) {
		now := r.clock.Now()
		j.Started = &now
		j.Step = "starting"
	})
	if !ok {
		// Cancelled between dequeue and start; the cancel path already
		// released the slot.
		r.logger.Info("skipping start for terminal job", zap.String("request_id", item.RequestID))
		return
	}
	r.persist(ctx, item.ScanID, scan.Update{Status: scan.StatusRunning, Step: "starting"})
	r.emit(job)

	switch item.Request.Source {
	case scan.SourceRegistry:
		r.broadcaster.SimulateDownloadProgress(item.RequestID, r.applyProgress)
	default:
		r.broadcaster.SimulateScanningProgress(item.RequestID, r.applyProgress)
	}

	err := r.dispatch(ctx, item)
	if err != nil {
		r.fail(ctx, st, item, err)
		return
	}
	if !r.isRunning(item.RequestID) {
		// Cancelled mid-flight; the dispatcher's completion arrived late
		// and must not be reprocessed.
		r.logger.Info("ignoring late completion", zap.String("request_id", item.RequestID))
		return
	}
	r.finalize(ctx, st, item)
}

// dispatch invokes the dispatcher variant matching the request source. All
// failures, panics included, surface as errors here: this is the single
// boundary where an escape would leak a concurrency slot.
func (r *Registry) dispatch(ctx context.Context, item queue.Item) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("dispatcher panic: %v", rec)
		}
	}()
	switch item.Request.Source {
	case scan.SourceTar:
		err = r.dispatcher.ExecuteTarScan(ctx, item.RequestID, item.Request, item.ScanID, item.ImageID)
	case scan.SourceLocal:
		err = r.dispatcher.ExecuteLocalScan(ctx, item.RequestID, item.Request, item.ScanID, item.ImageID)
	case scan.SourceRegistry:
		err = r.dispatcher.ExecuteRegistryScan(ctx, item.RequestID, item.Request, item.ScanID, item.ImageID)
	default:
		err = fmt.Errorf("unknown scan source %q", item.Request.Source)
	}
	return err
}

// finalize loads the raw reports, persists them with tool-version metadata,
// aggregates severity counts, and completes the job. Failures here follow
// the same path as execution failures.
func (r *Registry) finalize(ctx context.Context, st *jobState, item queue.Item) {
	r.broadcaster.SimulateScanningProgress(item.RequestID, r.applyProgress)

	reports, err := r.dispatcher.LoadScanResults(ctx, item.RequestID)
	if err != nil {
		r.fail(ctx, st, item, fmt.Errorf("load scan results: %w", err))
		return
	}
	if err := r.store.UploadScanResults(ctx, item.ScanID, reports); err != nil {
		r.fail(ctx, st, item, fmt.Errorf("upload scan results: %w", err))
		return
	}
	versions := scan.ExtractToolVersions(reports)
	counts := scan.AggregateSeverities(reports)

	_, job, ok := r.transition(item.RequestID, scan.StatusSuccess, func(j *scan.Job) {
		now := r.clock.Now()
		j.Progress = 100
		j.Step = "complete"
		j.Finished = &now
	})
	if !ok {
		r.logger.Info("ignoring late completion", zap.String("request_id", item.RequestID))
		return
	}
	r.broadcaster.Cleanup(item.RequestID)
	hundred := 100.0
	finished := *job.Finished
	r.persist(ctx, item.ScanID, scan.Update{
		Status:       scan.StatusSuccess,
		Progress:     &hundred,
		Step:         "complete",
		Finished:     &finished,
		ToolVersions: versions,
	})
	r.emit(job)
	r.releaseSlot(st, item.RequestID, nil)

	if counts.Critical > 0 || counts.High > 0 {
		r.notify(item.Request.Ref(), item.ScanID, counts)
	}
}

// notify fires the completion notification in the background; its failure
// never fails the scan.
func (r *Registry) notify(imageRef, scanID string, counts scan.SeverityCounts) {
	if r.notifier == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.notifier.NotifyOnCompletion(context.Background(), imageRef, scanID, counts); err != nil {
			r.logger.Warn("completion notification failed",
				zap.String("scan_id", scanID), zap.Error(err))
		}
	}()
}

func (r *Registry) fail(ctx context.Context, st *jobState, item queue.Item, scanErr error) {
	_, job, ok := r.transition(item.RequestID, scan.StatusFailed, func(j *scan.Job) {
		now := r.clock.Now()
		j.ErrorText = scanErr.Error()
		j.Finished = &now
	})
	if !ok {
		// Already cancelled; slot release happened on the cancel path.
		r.logger.Info("ignoring late failure", zap.String("request_id", item.RequestID), zap.Error(scanErr))
		return
	}
	r.broadcaster.Cleanup(item.RequestID)
	finished := *job.Finished
	r.persist(ctx, item.ScanID, scan.Update{
		Status:    scan.StatusFailed,
		ErrorText: scanErr.Error(),
		Finished:  &finished,
	})
	r.emit(job)
	r.releaseSlot(st, item.RequestID, scanErr)
	r.logger.Error("scan failed",
		zap.String("request_id", item.RequestID),
		zap.String("image", item.Request.Ref()),
		zap.Error(scanErr))
}

// CancelScan cancels a pending or running scan. It returns false when the
// request is unknown or already terminal. Cancelling never throws; races
// with a starting job resolve by trying the pending path first.
func (r *Registry) CancelScan(ctx context.Context, requestID string) bool {
	r.mu.Lock()
	st, known := r.jobs[requestID]
	r.mu.Unlock()
	if !known {
		return false
	}

	if r.queue.CancelPending(requestID) {
		_, job, ok := r.transition(requestID, scan.StatusCancelled, func(j *scan.Job) {
			now := r.clock.Now()
			j.Finished = &now
		})
		if !ok {
			return false
		}
		r.broadcaster.Cleanup(requestID)
		finished := *job.Finished
		r.persist(ctx, job.ScanID, scan.Update{Status: scan.StatusCancelled, Finished: &finished})
		r.emit(job)
		// The job never claimed a slot, so there is nothing to release.
		return true
	}

	_, job, ok := r.transition(requestID, scan.StatusCancelled, func(j *scan.Job) {
		now := r.clock.Now()
		j.Finished = &now
	})
	if !ok {
		return false
	}
	r.broadcaster.Cleanup(requestID)
	finished := *job.Finished
	r.persist(ctx, job.ScanID, scan.Update{Status: scan.StatusCancelled, Finished: &finished})
	r.emit(job)
	r.releaseSlot(st, requestID, nil)
	return true
}

// UpdateProgress is the dispatcher-facing progress path. Real progress
// supersedes any running simulation.
func (r *Registry) UpdateProgress(requestID string, prog float64, step string) {
	r.broadcaster.Cleanup(requestID)
	r.applyProgress(requestID, prog, step)
}

// applyProgress is the canonical progress update. Progress is monotonic and
// stays below 100 until a terminal transition sets it.
func (r *Registry) applyProgress(requestID string, prog float64, step string) {
	if prog >= 100 {
		prog = 99
	}
	r.mu.Lock()
	st, ok := r.jobs[requestID]
	if !ok || st.job.Status.IsTerminal() || prog < st.job.Progress {
		r.mu.Unlock()
		return
	}
	st.job.Progress = prog
	if step != "" {
		st.job.Step = step
	}
	job := st.job
	r.mu.Unlock()
	r.emit(job)
}

// Job returns a snapshot of the job for requestID.
func (r *Registry) Job(requestID string) (scan.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.jobs[requestID]
	if !ok {
		return scan.Job{}, false
	}
	return st.job, true
}

// Jobs returns snapshots of every tracked job.
func (r *Registry) Jobs() []scan.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]scan.Job, 0, len(r.jobs))
	for _, st := range r.jobs {
		out = append(out, st.job)
	}
	return out
}

// QueuePosition returns the 1-based pending rank for requestID, 0 if it is
// not waiting.
func (r *Registry) QueuePosition(requestID string) int {
	return r.queue.Position(requestID)
}

// EstimatedWait proxies the queue's duration-history estimate.
func (r *Registry) EstimatedWait(requestID string) (time.Duration, bool) {
	return r.queue.EstimatedWait(requestID)
}

// QueueStats returns current queue occupancy.
func (r *Registry) QueueStats() queue.Stats {
	return r.queue.Stats()
}

// Subscribe registers a progress listener; Unsubscribe removes it.
func (r *Registry) Subscribe(l progress.Listener) uint64 {
	return r.broadcaster.Subscribe(l)
}

// Unsubscribe removes the listener registered under id.
func (r *Registry) Unsubscribe(id uint64) {
	r.broadcaster.Unsubscribe(id)
}

// Shutdown waits for in-flight dispatch and notification goroutines, then
// stops the broadcaster's timers.
func (r *Registry) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("registry shutdown wait: %w", ctx.Err())
	}
	r.broadcaster.Close()
	return nil
}

// transition applies a forward-only state change. It returns ok=false when
// the job is unknown or already terminal; terminal states reject all
// further transitions.
func (r *Registry) transition(requestID string, to scan.Status, mutate func(*scan.Job)) (*jobState, scan.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.jobs[requestID]
	if !ok || st.job.Status.IsTerminal() {
		return nil, scan.Job{}, false
	}
	st.job.Status = to
	if mutate != nil {
		mutate(&st.job)
	}
	return st, st.job, true
}

func (r *Registry) isRunning(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.jobs[requestID]
	return ok && st.job.Status == scan.StatusRunning
}

// releaseSlot frees the job's concurrency slot exactly once regardless of
// how many terminal paths race to it.
func (r *Registry) releaseSlot(st *jobState, requestID string, scanErr error) {
	st.release.Do(func() {
		r.queue.Complete(requestID, scanErr)
	})
}

// persist writes record updates; persistence failures after acceptance are
// logged, never allowed to disturb slot accounting.
func (r *Registry) persist(ctx context.Context, scanID string, fields scan.Update) {
	if err := r.store.UpdateScanRecord(ctx, scanID, fields); err != nil {
		r.logger.Error("update scan record failed", zap.String("scan_id", scanID), zap.Error(err))
	}
}

func (r *Registry) emitFor(requestID string) {
	if job, ok := r.Job(requestID); ok {
		r.emit(job)
	}
}

func (r *Registry) emit(job scan.Job) {
	r.broadcaster.Emit(progress.Event{
		RequestID: job.RequestID,
		ScanID:    job.ScanID,
		Status:    job.Status,
		Progress:  job.Progress,
		Step:      job.Step,
		ErrorText: job.ErrorText,
		TS:        r.clock.Now(),
	})
}
