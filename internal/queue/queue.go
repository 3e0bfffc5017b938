// Package queue implements the bounded priority queue that meters scan
// execution. Pending items wait in priority order and a freed slot promotes
// the next eligible item immediately rather than on a poll.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/imageguard/scanhub/internal/scan"
)

// Item is one queued scan submission.
type Item struct {
	RequestID  string
	ScanID     string
	ImageID    string
	Request    scan.Request
	Priority   int
	EnqueuedAt time.Time

	seq uint64
}

// Stats is a point-in-time snapshot of queue occupancy.
type Stats struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
	Limit   int `json:"limit"`
}

// StartFunc is invoked once per item when it claims a running slot. It is
// always called outside the queue lock, so implementations may call back
// into the queue.
type StartFunc func(Item)

// Queue bounds concurrently running scans and orders the backlog by
// (priority, arrival). All methods are safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	limit   int
	pending pendingHeap
	running map[string]time.Time
	seq     uint64

	completed int64
	totalDur  time.Duration

	onStart StartFunc
	clock   scan.Clock
	logger  *zap.Logger
}

// New constructs a Queue with the given concurrency limit. onStart fires for
// every item that transitions from pending to running.
func New(limit int, onStart StartFunc, clock scan.Clock, logger *zap.Logger) *Queue {
	if limit <= 0 {
		limit = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		limit:   limit,
		running: make(map[string]time.Time),
		onStart: onStart,
		clock:   clock,
		logger:  logger,
	}
}

// Enqueue admits an item. When a slot is free the item starts immediately
// and Enqueue returns started=true; otherwise it waits in priority order and
// position reports its 1-based rank. An item already known to the queue is
// rejected so a request ID never occupies two entries.
func (q *Queue) Enqueue(item Item) (started bool, position int, ok bool) {
	q.mu.Lock()
	if _, dup := q.running[item.RequestID]; dup || q.indexOf(item.RequestID) >= 0 {
		q.mu.Unlock()
		q.logger.Warn("duplicate enqueue rejected", zap.String("request_id", item.RequestID))
		return false, 0, false
	}
	item.seq = q.seq
	q.seq++
	if len(q.running) < q.limit {
		q.running[item.RequestID] = q.clock.Now()
		q.mu.Unlock()
		q.start(item)
		return true, 0, true
	}
	heap.Push(&q.pending, &entry{item: item})
	position = q.rankLocked(item.RequestID)
	q.mu.Unlock()
	return false, position, true
}

// Complete releases the slot held by requestID and promotes the next
// pending item, if any. Completions for unknown request IDs (late signals
// after a cancellation already released the slot) are ignored.
func (q *Queue) Complete(requestID string, scanErr error) {
	q.mu.Lock()
	startedAt, ok := q.running[requestID]
	if !ok {
		q.mu.Unlock()
		q.logger.Debug("ignoring completion for unknown request", zap.String("request_id", requestID))
		return
	}
	delete(q.running, requestID)
	q.completed++
	q.totalDur += q.clock.Now().Sub(startedAt)

	var next *entry
	if q.pending.Len() > 0 && len(q.running) < q.limit {
		next = heap.Pop(&q.pending).(*entry)
		q.running[next.item.RequestID] = q.clock.Now()
	}
	q.mu.Unlock()

	if scanErr != nil {
		q.logger.Debug("slot released after failure",
			zap.String("request_id", requestID), zap.Error(scanErr))
	}
	if next != nil {
		q.start(next.item)
	}
}

// CancelPending removes a not-yet-started item. It returns false when the
// item is already running or unknown.
func (q *Queue) CancelPending(requestID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexOf(requestID)
	if idx < 0 {
		return false
	}
	heap.Remove(&q.pending, idx)
	return true
}

// Position returns the 1-based rank of requestID among pending items, or 0
// when it is not pending.
func (q *Queue) Position(requestID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rankLocked(requestID)
}

// EstimatedWait predicts how long requestID will wait based on the observed
// average scan duration. ok is false when the item is not pending or no
// completions have been observed yet.
func (q *Queue) EstimatedWait(requestID string) (wait time.Duration, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rank := q.rankLocked(requestID)
	if rank == 0 || q.completed == 0 {
		return 0, false
	}
	avg := q.totalDur / time.Duration(q.completed)
	return time.Duration(rank) * avg, true
}

// Stats returns current queue occupancy.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Queued: q.pending.Len(), Running: len(q.running), Limit: q.limit}
}

// IsRunning reports whether requestID currently occupies a slot.
func (q *Queue) IsRunning(requestID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.running[requestID]
	return ok
}

func (q *Queue) start(item Item) {
	if q.onStart != nil {
		q.onStart(item)
	}
}

// rankLocked counts pending entries that sort ahead of requestID, plus one.
func (q *Queue) rankLocked(requestID string) int {
	idx := q.indexOf(requestID)
	if idx < 0 {
		return 0
	}
	target := q.pending[idx]
	rank := 1
	for _, e := range q.pending {
		if e != target && sortsBefore(e, target) {
			rank++
		}
	}
	return rank
}

func (q *Queue) indexOf(requestID string) int {
	for i, e := range q.pending {
		if e.item.RequestID == requestID {
			return i
		}
	}
	return -1
}

type entry struct {
	item  Item
	index int
}

// sortsBefore orders interactive work ahead of bulk work, preserving
// arrival order within a tier.
func sortsBefore(a, b *entry) bool {
	if a.item.Priority != b.item.Priority {
		return a.item.Priority > b.item.Priority
	}
	return a.item.seq < b.item.seq
}

type pendingHeap []*entry

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool { return sortsBefore(h[i], h[j]) }

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pendingHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
