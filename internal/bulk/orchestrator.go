// Package bulk expands pattern-based scan requests into batches of
// individual scan jobs and tracks their aggregate lifecycle.
package bulk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/imageguard/scanhub/internal/registry"
	"github.com/imageguard/scanhub/internal/scan"
)

// Status is the lifecycle state of a batch.
type Status string

// Batch status values.
const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Config controls orchestrator behavior.
type Config struct {
	// MaxImages is the hard cap on images per batch.
	MaxImages int
	// Priority assigned to child submissions; defaults to the bulk tier.
	Priority int
}

const defaultMaxImages = 50

// Request is a pattern-based bulk scan submission.
type Request struct {
	Patterns        []string `json:"patterns"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
	MaxImages       int      `json:"max_images,omitempty"`
}

// Result is returned synchronously from ExecuteBulkScan.
type Result struct {
	BatchID     string `json:"batch_id"`
	TotalImages int    `json:"total_images"`
	Skipped     int    `json:"skipped"`
}

// Item tracks one image within a batch.
type Item struct {
	ImageRef  string `json:"image_ref"`
	RequestID string `json:"request_id,omitempty"`
	ScanID    string `json:"scan_id,omitempty"`
	Failed    bool   `json:"failed"`
	ErrorText string `json:"error_text,omitempty"`
}

// Batch is the aggregate record for one bulk request.
type Batch struct {
	BatchID     string     `json:"batch_id"`
	TotalImages int        `json:"total_images"`
	Status      Status     `json:"status"`
	ErrorText   string     `json:"error_text,omitempty"`
	Created     time.Time  `json:"created_at"`
	Finished    *time.Time `json:"finished_at,omitempty"`
	Items       []Item     `json:"items"`
}

// Summary is the computed per-item rollup for a batch.
type Summary struct {
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// BatchStatus pairs a batch snapshot with its computed summary.
type BatchStatus struct {
	Batch   Batch   `json:"batch"`
	Summary Summary `json:"summary"`
}

// Submitter is the slice of the job registry the orchestrator depends on.
type Submitter interface {
	StartScan(ctx context.Context, req scan.Request, priority int) (registry.StartResult, error)
	CancelScan(ctx context.Context, requestID string) bool
	Job(requestID string) (scan.Job, bool)
}

// Orchestrator expands bulk requests and tracks batches. Safe for
// concurrent use.
type Orchestrator struct {
	mu      sync.Mutex
	batches map[string]*Batch

	cfg       Config
	inventory scan.Inventory
	submitter Submitter
	store     scan.Store
	ids       scan.IDGenerator
	clock     scan.Clock
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// New constructs an Orchestrator.
func New(
	cfg Config,
	inventory scan.Inventory,
	submitter Submitter,
	store scan.Store,
	ids scan.IDGenerator,
	clock scan.Clock,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.MaxImages <= 0 {
		cfg.MaxImages = defaultMaxImages
	}
	if cfg.Priority == 0 {
		cfg.Priority = scan.PriorityBulk
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		batches:   make(map[string]*Batch),
		cfg:       cfg,
		inventory: inventory,
		submitter: submitter,
		store:     store,
		ids:       ids,
		clock:     clock,
		logger:    logger,
	}
}

// ExecuteBulkScan resolves the selection criteria, creates a RUNNING batch,
// and returns immediately. Submission happens on a background goroutine so
// the caller never waits on N sequential submissions.
func (o *Orchestrator) ExecuteBulkScan(ctx context.Context, req Request) (Result, error) {
	excludes, err := scan.CompileGlobs(req.ExcludePatterns)
	if err != nil {
		return Result{}, err
	}
	candidates, err := o.inventory.Resolve(ctx, req.Patterns)
	if err != nil {
		return Result{}, fmt.Errorf("resolve inventory: %w", err)
	}

	limit := o.cfg.MaxImages
	if req.MaxImages > 0 && req.MaxImages < limit {
		limit = req.MaxImages
	}
	selected := make([]scan.Image, 0, len(candidates))
	skipped := 0
	for _, img := range candidates {
		if scan.MatchesAny(img.Ref(), excludes) {
			skipped++
			continue
		}
		if len(selected) >= limit {
			skipped++
			continue
		}
		selected = append(selected, img)
	}

	batch := &Batch{
		BatchID:     o.ids.NewID(),
		TotalImages: len(selected),
		Status:      StatusRunning,
		Created:     o.clock.Now(),
		Items:       make([]Item, 0, len(selected)),
	}
	o.mu.Lock()
	o.batches[batch.BatchID] = batch
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.submitAll(batch.BatchID, selected)
	}()

	o.logger.Info("bulk scan accepted",
		zap.String("batch_id", batch.BatchID),
		zap.Int("total_images", len(selected)),
		zap.Int("skipped", skipped))
	return Result{BatchID: batch.BatchID, TotalImages: len(selected), Skipped: skipped}, nil
}

// submitAll walks the selection sequentially so a burst of bulk jobs never
// claims every queue slot ahead of an interactive request arriving
// mid-batch. One item failing submission never aborts the rest.
func (o *Orchestrator) submitAll(batchID string, images []scan.Image) {
	defer func() {
		if rec := recover(); rec != nil {
			o.finishBatch(batchID, StatusFailed, fmt.Sprintf("bulk submission aborted: %v", rec))
			o.logger.Error("bulk submission panicked",
				zap.String("batch_id", batchID), zap.Any("panic", rec))
		}
	}()

	ctx := context.Background()
	for _, img := range images {
		// Cancellation marks the batch FAILED; stop submitting the remainder
		// instead of feeding the queue scans nobody wants anymore.
		if !o.batchRunning(batchID) {
			o.logger.Info("bulk submission stopped, batch no longer running",
				zap.String("batch_id", batchID))
			return
		}
		req := toScanRequest(img)
		res, err := o.submitter.StartScan(ctx, req, o.cfg.Priority)
		if err != nil {
			o.recordFailure(ctx, batchID, img, err)
			continue
		}
		o.appendItem(batchID, Item{
			ImageRef:  img.Ref(),
			RequestID: res.RequestID,
			ScanID:    res.ScanID,
		})
	}
	// Completed means every submission was attempted, not that every scan
	// succeeded; per-item status is tracked independently.
	o.finishBatch(batchID, StatusCompleted, "")
}

// recordFailure creates a terminal FAILED placeholder record so downstream
// accounting still references a scan row, links it into the batch, and
// moves on.
func (o *Orchestrator) recordFailure(ctx context.Context, batchID string, img scan.Image, cause error) {
	item := Item{ImageRef: img.Ref(), Failed: true, ErrorText: cause.Error()}
	requestID := o.ids.NewID()
	rec, err := o.store.CreateScanRecord(ctx, requestID, toScanRequest(img))
	if err != nil {
		o.logger.Error("placeholder record creation failed",
			zap.String("batch_id", batchID), zap.String("image", img.Ref()), zap.Error(err))
	} else {
		item.RequestID = requestID
		item.ScanID = rec.ScanID
		now := o.clock.Now()
		if err := o.store.UpdateScanRecord(ctx, rec.ScanID, scan.Update{
			Status:    scan.StatusFailed,
			ErrorText: cause.Error(),
			Finished:  &now,
		}); err != nil {
			o.logger.Error("placeholder record update failed",
				zap.String("scan_id", rec.ScanID), zap.Error(err))
		}
	}
	o.appendItem(batchID, item)
	o.logger.Warn("bulk item submission failed",
		zap.String("batch_id", batchID), zap.String("image", img.Ref()), zap.Error(cause))
}

// CancelBulkScan cancels a RUNNING batch: each running child is cancelled
// best-effort and the batch is marked FAILED with an explanatory message.
func (o *Orchestrator) CancelBulkScan(ctx context.Context, batchID string) error {
	o.mu.Lock()
	batch, ok := o.batches[batchID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("unknown batch %s", batchID)
	}
	if batch.Status != StatusRunning {
		o.mu.Unlock()
		return fmt.Errorf("batch %s is %s, only running batches can be cancelled", batchID, batch.Status)
	}
	items := append([]Item(nil), batch.Items...)
	o.mu.Unlock()

	for _, item := range items {
		if item.RequestID == "" || item.Failed {
			continue
		}
		job, ok := o.submitter.Job(item.RequestID)
		if !ok || job.Status.IsTerminal() {
			continue
		}
		if !o.submitter.CancelScan(ctx, item.RequestID) {
			o.logger.Warn("bulk child cancel failed",
				zap.String("batch_id", batchID), zap.String("request_id", item.RequestID))
		}
	}
	o.finishBatch(batchID, StatusFailed, "cancelled by user")
	return nil
}

// Status returns the batch snapshot and its computed rollup.
func (o *Orchestrator) Status(batchID string) (BatchStatus, bool) {
	o.mu.Lock()
	batch, ok := o.batches[batchID]
	if !ok {
		o.mu.Unlock()
		return BatchStatus{}, false
	}
	snap := snapshot(batch)
	o.mu.Unlock()
	return BatchStatus{Batch: snap, Summary: o.summarize(snap)}, true
}

// History lists all batches, newest first.
func (o *Orchestrator) History() []BatchStatus {
	return o.list(func(Batch) bool { return true })
}

// Active lists RUNNING batches, newest first.
func (o *Orchestrator) Active() []BatchStatus {
	return o.list(func(b Batch) bool { return b.Status == StatusRunning })
}

// Shutdown waits for in-flight submission loops.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bulk shutdown wait: %w", ctx.Err())
	}
}

func (o *Orchestrator) list(keep func(Batch) bool) []BatchStatus {
	o.mu.Lock()
	snaps := make([]Batch, 0, len(o.batches))
	for _, b := range o.batches {
		snap := snapshot(b)
		if keep(snap) {
			snaps = append(snaps, snap)
		}
	}
	o.mu.Unlock()

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Created.After(snaps[j].Created) })
	out := make([]BatchStatus, len(snaps))
	for i, snap := range snaps {
		out[i] = BatchStatus{Batch: snap, Summary: o.summarize(snap)}
	}
	return out
}

// summarize derives the per-item rollup from live registry state. Submission
// failures count as failed; everything else reflects the child job status.
func (o *Orchestrator) summarize(batch Batch) Summary {
	var s Summary
	for _, item := range batch.Items {
		if item.Failed {
			s.Failed++
			continue
		}
		job, ok := o.submitter.Job(item.RequestID)
		if !ok {
			s.Failed++
			continue
		}
		switch job.Status {
		case scan.StatusSuccess:
			s.Completed++
		case scan.StatusFailed, scan.StatusCancelled:
			s.Failed++
		default:
			s.Running++
		}
	}
	return s
}

func (o *Orchestrator) batchRunning(batchID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	batch, ok := o.batches[batchID]
	return ok && batch.Status == StatusRunning
}

func (o *Orchestrator) appendItem(batchID string, item Item) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if batch, ok := o.batches[batchID]; ok {
		batch.Items = append(batch.Items, item)
	}
}

func (o *Orchestrator) finishBatch(batchID string, status Status, errText string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	batch, ok := o.batches[batchID]
	if !ok || batch.Status != StatusRunning {
		return
	}
	batch.Status = status
	batch.ErrorText = errText
	now := o.clock.Now()
	batch.Finished = &now
}

func snapshot(b *Batch) Batch {
	snap := *b
	snap.Items = append([]Item(nil), b.Items...)
	return snap
}

func toScanRequest(img scan.Image) scan.Request {
	source := img.Source
	if source == "" {
		source = scan.SourceRegistry
	}
	return scan.Request{
		Source: source,
		Image:  img.Name,
		Tag:    img.Tag,
	}
}
