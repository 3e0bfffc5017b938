package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
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

func newStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	clock := fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store, err := NewWithPool(mock, "scans", "scan_reports", &seqIDs{}, clock)
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolValidatesTableNames(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "scans; DROP TABLE scans", "scan_reports", &seqIDs{}, fixedClock{})
	require.Error(t, err)

	_, err = NewWithPool(nil, "scans", "scan_reports", &seqIDs{}, fixedClock{})
	require.Error(t, err)
}

func TestCreateScanRecord(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	defer mock.Close()

	req := scan.Request{Source: scan.SourceRegistry, Image: "app", Tag: "v1"}
	mock.ExpectExec(`INSERT INTO scans`).
		WithArgs("id-001", "req-1", "id-002", "registry", "app", "v1", "pending", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	rec, err := store.CreateScanRecord(context.Background(), "req-1", req)
	require.NoError(t, err)
	require.Equal(t, "id-001", rec.ScanID)
	require.Equal(t, "id-002", rec.ImageID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateScanRecordExecError(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO scans`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	_, err := store.CreateScanRecord(context.Background(), "req-1", scan.Request{Source: scan.SourceRegistry, Image: "app"})
	require.ErrorContains(t, err, "insert scan record")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateScanRecord(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	defer mock.Close()

	progress := 42.0
	finished := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	versions, err := json.Marshal(map[string]string{"trivy": "2"})
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE scans SET`).
		WithArgs("scan-1", "running", &progress, "scanning image", "", &finished, versions).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = store.UpdateScanRecord(context.Background(), "scan-1", scan.Update{
		Status:       scan.StatusRunning,
		Progress:     &progress,
		Step:         "scanning image",
		Finished:     &finished,
		ToolVersions: map[string]string{"trivy": "2"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateScanRecordUnknownRow(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	defer mock.Close()

	mock.ExpectExec(`UPDATE scans SET`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateScanRecord(context.Background(), "nope", scan.Update{Status: scan.StatusFailed})
	require.ErrorContains(t, err, "not found")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadScanResults(t *testing.T) {
	t.Parallel()

	store, mock := newStore(t)
	defer mock.Close()

	reports := scan.Reports{"trivy": json.RawMessage(`{"Version":2}`)}
	payload, err := json.Marshal(reports)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO scan_reports`).
		WithArgs("scan-1", payload, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UploadScanResults(context.Background(), "scan-1", reports))
	require.NoError(t, mock.ExpectationsWereMet())
}
