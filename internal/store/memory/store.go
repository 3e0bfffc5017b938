// Package memory provides an in-memory scan store for development/testing.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/imageguard/scanhub/internal/scan"
)

// Record is one persisted scan row.
type Record struct {
	RequestID    string
	ScanID       string
	ImageID      string
	Request      scan.Request
	Status       scan.Status
	Progress     float64
	Step         string
	ErrorText    string
	ToolVersions map[string]string
	Created      time.Time
	Finished     *time.Time
}

// Store implements scan.Store with mutex-guarded maps.
type Store struct {
	mu      sync.RWMutex
	records map[string]Record       // keyed by scan ID
	reports map[string]scan.Reports // keyed by scan ID
	ids     scan.IDGenerator
	clock   scan.Clock
}

// New constructs a Store.
func New(ids scan.IDGenerator, clock scan.Clock) *Store {
	return &Store{
		records: make(map[string]Record),
		reports: make(map[string]scan.Reports),
		ids:     ids,
		clock:   clock,
	}
}

// CreateScanRecord creates a durable row for the request and derives the
// scan and image identifiers.
func (s *Store) CreateScanRecord(_ context.Context, requestID string, req scan.Request) (scan.CreatedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.RequestID == requestID {
			return scan.CreatedRecord{}, errors.New("scan record already exists")
		}
	}
	rec := Record{
		RequestID: requestID,
		ScanID:    s.ids.NewID(),
		ImageID:   s.ids.NewID(),
		Request:   req,
		Status:    scan.StatusPending,
		Created:   s.clock.Now(),
	}
	s.records[rec.ScanID] = rec
	return scan.CreatedRecord{ScanID: rec.ScanID, ImageID: rec.ImageID}, nil
}

// UpdateScanRecord applies fields to an existing row. Repeated writes with
// the same fields are idempotent.
func (s *Store) UpdateScanRecord(_ context.Context, scanID string, fields scan.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[scanID]
	if !ok {
		return errors.New("scan record not found")
	}
	if fields.Status != "" {
		rec.Status = fields.Status
	}
	if fields.Progress != nil {
		rec.Progress = *fields.Progress
	}
	if fields.Step != "" {
		rec.Step = fields.Step
	}
	if fields.ErrorText != "" {
		rec.ErrorText = fields.ErrorText
	}
	if fields.Finished != nil {
		rec.Finished = fields.Finished
	}
	if fields.ToolVersions != nil {
		rec.ToolVersions = fields.ToolVersions
	}
	s.records[scanID] = rec
	return nil
}

// UploadScanResults stores the raw reports for a scan.
func (s *Store) UploadScanResults(_ context.Context, scanID string, reports scan.Reports) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[scanID]; !ok {
		return errors.New("scan record not found")
	}
	s.reports[scanID] = reports
	return nil
}

// Get fetches a row by scan ID.
func (s *Store) Get(scanID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[scanID]
	return rec, ok
}

// Reports fetches the stored reports for a scan ID.
func (s *Store) Reports(scanID string) (scan.Reports, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reports, ok := s.reports[scanID]
	return reports, ok
}
