package scan

import (
	"context"
	"time"
)

// Store persists scan records. Updates must be idempotent for repeated
// writes to the same scan ID.
type Store interface {
	CreateScanRecord(ctx context.Context, requestID string, req Request) (CreatedRecord, error)
	UpdateScanRecord(ctx context.Context, scanID string, fields Update) error
	UploadScanResults(ctx context.Context, scanID string, reports Reports) error
}

// Dispatcher performs the actual scan for a request. Each Execute variant
// completes or returns an error; interrupting an in-flight scan is the
// dispatcher's own concern.
type Dispatcher interface {
	ExecuteTarScan(ctx context.Context, requestID string, req Request, scanID, imageID string) error
	ExecuteLocalScan(ctx context.Context, requestID string, req Request, scanID, imageID string) error
	ExecuteRegistryScan(ctx context.Context, requestID string, req Request, scanID, imageID string) error
	LoadScanResults(ctx context.Context, requestID string) (Reports, error)
}

// Notifier delivers completion notifications. Failures must never fail the
// scan that triggered them.
type Notifier interface {
	NotifyOnCompletion(ctx context.Context, imageRef, scanID string, counts SeverityCounts) error
}

// Inventory resolves include patterns to the set of known images.
type Inventory interface {
	Resolve(ctx context.Context, patterns []string) ([]Image, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces process-unique identifiers.
type IDGenerator interface {
	NewID() string
}
