// Package postgres provides the Postgres-backed scan store.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/imageguard/scanhub/internal/scan"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for scan rows.
type Config struct {
	DSN             string
	Table           string
	ReportsTable    string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Store writes scan rows and report payloads into Postgres.
type Store struct {
	pool         execCloser
	table        string
	reportsTable string
	ids          scan.IDGenerator
	clock        scan.Clock
}

// New creates a Postgres-backed Store using the provided config.
func New(ctx context.Context, cfg Config, ids scan.IDGenerator, clock scan.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newWithPool(pool, cfg.Table, cfg.ReportsTable, ids, clock)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool execCloser, table, reportsTable string, ids scan.IDGenerator, clock scan.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return newWithPool(pool, table, reportsTable, ids, clock)
}

func newWithPool(pool execCloser, table, reportsTable string, ids scan.IDGenerator, clock scan.Clock) (*Store, error) {
	if table == "" {
		table = "scans"
	}
	if reportsTable == "" {
		reportsTable = "scan_reports"
	}
	for _, t := range []string{table, reportsTable} {
		if !validTableName.MatchString(t) {
			return nil, fmt.Errorf("invalid table name %q", t)
		}
	}
	return &Store{
		pool:         pool,
		table:        table,
		reportsTable: reportsTable,
		ids:          ids,
		clock:        clock,
	}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	s.pool.Close()
}

// CreateScanRecord inserts a pending scan row and returns the identifiers
// derived for it.
func (s *Store) CreateScanRecord(ctx context.Context, requestID string, req scan.Request) (scan.CreatedRecord, error) {
	rec := scan.CreatedRecord{ScanID: s.ids.NewID(), ImageID: s.ids.NewID()}
	query := fmt.Sprintf(`INSERT INTO %s
		(scan_id, request_id, image_id, source, image, tag, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, s.table)
	_, err := s.pool.Exec(ctx, query,
		rec.ScanID,
		requestID,
		rec.ImageID,
		string(req.Source),
		req.Image,
		req.Tag,
		string(scan.StatusPending),
		s.clock.Now(),
	)
	if err != nil {
		return scan.CreatedRecord{}, fmt.Errorf("insert scan record: %w", err)
	}
	return rec, nil
}

// UpdateScanRecord applies the provided fields; absent fields keep their
// stored values, which makes repeated writes idempotent.
func (s *Store) UpdateScanRecord(ctx context.Context, scanID string, fields scan.Update) error {
	var versions []byte
	if fields.ToolVersions != nil {
		var err error
		versions, err = json.Marshal(fields.ToolVersions)
		if err != nil {
			return fmt.Errorf("marshal tool versions: %w", err)
		}
	}
	query := fmt.Sprintf(`UPDATE %s SET
		status = COALESCE(NULLIF($2, ''), status),
		progress = COALESCE($3, progress),
		step = COALESCE(NULLIF($4, ''), step),
		error_text = COALESCE(NULLIF($5, ''), error_text),
		finished_at = COALESCE($6, finished_at),
		tool_versions = COALESCE($7, tool_versions)
		WHERE scan_id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		scanID,
		string(fields.Status),
		fields.Progress,
		fields.Step,
		fields.ErrorText,
		fields.Finished,
		versions,
	)
	if err != nil {
		return fmt.Errorf("update scan record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("scan record %s not found", scanID)
	}
	return nil
}

// UploadScanResults upserts the raw report payloads for a scan.
func (s *Store) UploadScanResults(ctx context.Context, scanID string, reports scan.Reports) error {
	payload, err := json.Marshal(reports)
	if err != nil {
		return fmt.Errorf("marshal reports: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (scan_id, reports, uploaded_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (scan_id) DO UPDATE SET
			reports = EXCLUDED.reports,
			uploaded_at = EXCLUDED.uploaded_at`, s.reportsTable)
	if _, err := s.pool.Exec(ctx, query, scanID, payload, s.clock.Now()); err != nil {
		return fmt.Errorf("upload scan results: %w", err)
	}
	return nil
}
