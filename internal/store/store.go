// Package store is the SQLite persistence layer: the filing lifecycle
// table that makes runs resumable, and the security-mappings cache that
// keeps identifier resolutions across runs.
//
// SQLite runs in WAL mode and the schema is auto-migrated on Open. Status
// transitions that produce an artifact (downloaded document, exported
// holdings) commit the status and the artifact path in one transaction, so
// a crash can never leave a success status pointing at a missing file.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "fundholdings/internal/errors"
)

// Status values for both filing lifecycle axes.
const (
	StatusPending    = "pending"
	StatusDownloaded = "downloaded"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
)

// File-path roles within a filing record.
const (
	RoleDocument       = "document"
	RoleRawCSV         = "raw_csv"
	RoleEnrichedCSV    = "enriched_csv"
	RoleStructuredJSON = "structured_json"
)

// Filing is one discovered holdings filing and its lifecycle state.
type Filing struct {
	ID              int64
	SeriesID        string
	AccessionNumber string
	FormType        string
	FilingDate      string
	ReportDate      string

	DownloadStatus   string
	ProcessingStatus string

	// FilePaths maps an artifact role to its storage path.
	FilePaths map[string]string
	// Metadata carries filing-level header fields captured at extraction.
	Metadata     map[string]any
	ErrorMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS filings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	series_id TEXT NOT NULL,
	accession_number TEXT NOT NULL,
	form_type TEXT NOT NULL,
	filing_date TEXT NOT NULL DEFAULT '',
	report_date TEXT NOT NULL DEFAULT '',
	download_status TEXT NOT NULL DEFAULT 'pending',
	processing_status TEXT NOT NULL DEFAULT 'pending',
	file_paths TEXT NOT NULL DEFAULT '{}',
	metadata TEXT NOT NULL DEFAULT '{}',
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(series_id, accession_number, form_type)
);

CREATE INDEX IF NOT EXISTS idx_filings_series_status
	ON filings(series_id, download_status, processing_status);

CREATE TABLE IF NOT EXISTS security_mappings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	identifier_type TEXT NOT NULL,
	identifier_value TEXT NOT NULL,
	ticker TEXT NOT NULL DEFAULT '',
	has_no_results INTEGER NOT NULL DEFAULT 0,
	start_date TIMESTAMP NOT NULL,
	end_date TIMESTAMP,
	last_fetched_date TIMESTAMP NOT NULL,
	change_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_current
	ON security_mappings(identifier_type, identifier_value)
	WHERE end_date IS NULL;

CREATE INDEX IF NOT EXISTS idx_mappings_lookup
	ON security_mappings(identifier_type, identifier_value);
`

// Open opens (creating if needed) the database at path and migrates the
// schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, apperrors.NewStorageError(
				fmt.Sprintf("create database directory %s", dir), err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, apperrors.NewStorageError("open database", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// churn under the orchestrator's fan-out.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperrors.NewStorageError("migrate schema", err)
	}

	logger.Info("database_opened", slog.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertFiling records a discovered filing. Re-discovery of a known filing
// is a no-op: lifecycle state is never reset by discovery. Returns whether
// a new record was created.
func (s *Store) UpsertFiling(ctx context.Context, f Filing) (bool, error) {
	now := time.Now().UTC()
	filePaths, err := marshalJSONMap(f.FilePaths)
	if err != nil {
		return false, apperrors.NewStorageError("encode file paths", err)
	}
	metadata, err := json.Marshal(orEmptyMeta(f.Metadata))
	if err != nil {
		return false, apperrors.NewStorageError("encode metadata", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO filings (
			series_id, accession_number, form_type, filing_date, report_date,
			download_status, processing_status, file_paths, metadata,
			error_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)
		ON CONFLICT(series_id, accession_number, form_type) DO NOTHING`,
		f.SeriesID, f.AccessionNumber, f.FormType, f.FilingDate, f.ReportDate,
		StatusPending, StatusPending, filePaths, string(metadata), now, now)
	if err != nil {
		return false, apperrors.NewStorageError("upsert filing", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.NewStorageError("upsert filing", err)
	}
	return n > 0, nil
}

// GetFiling loads one filing by its composite key.
func (s *Store) GetFiling(ctx context.Context, seriesID, accessionNumber, formType string) (*Filing, error) {
	row := s.db.QueryRowContext(ctx, selectFiling+`
		WHERE series_id = ? AND accession_number = ? AND form_type = ?`,
		seriesID, accessionNumber, formType)
	f, err := scanFiling(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError(
			fmt.Sprintf("filing %s/%s", seriesID, accessionNumber))
	}
	if err != nil {
		return nil, apperrors.NewStorageError("load filing", err)
	}
	return f, nil
}

// PendingDownloads lists a series' filings that still need their document:
// never-downloaded ones, plus failed ones whose last attempt is older than
// retryAfter.
func (s *Store) PendingDownloads(ctx context.Context, seriesID string, retryAfter time.Duration) ([]Filing, error) {
	cutoff := time.Now().UTC().Add(-retryAfter)
	return s.queryFilings(ctx, selectFiling+`
		WHERE series_id = ?
		  AND (download_status = ? OR (download_status = ? AND updated_at < ?))
		ORDER BY id`,
		seriesID, StatusPending, StatusFailed, cutoff)
}

// PendingProcessing lists a series' downloaded filings awaiting extraction,
// plus stale-failed extractions. Processing is gated on a completed
// download.
func (s *Store) PendingProcessing(ctx context.Context, seriesID string, retryAfter time.Duration) ([]Filing, error) {
	cutoff := time.Now().UTC().Add(-retryAfter)
	return s.queryFilings(ctx, selectFiling+`
		WHERE series_id = ?
		  AND download_status = ?
		  AND (processing_status = ? OR (processing_status = ? AND updated_at < ?))
		ORDER BY id`,
		seriesID, StatusDownloaded, StatusPending, StatusFailed, cutoff)
}

// DistinctSeries lists every series with at least one recorded filing,
// letting later stages resume without re-running discovery.
func (s *Store) DistinctSeries(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT series_id FROM filings ORDER BY series_id`)
	if err != nil {
		return nil, apperrors.NewStorageError("query series", err)
	}
	defer rows.Close()

	var series []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.NewStorageError("scan series", err)
		}
		series = append(series, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorageError("iterate series", err)
	}
	return series, nil
}

// ProcessedFilings lists a series' fully extracted filings.
func (s *Store) ProcessedFilings(ctx context.Context, seriesID string) ([]Filing, error) {
	return s.queryFilings(ctx, selectFiling+`
		WHERE series_id = ? AND processing_status = ?
		ORDER BY id`,
		seriesID, StatusProcessed)
}

// MarkDownloaded records a completed download: status and document path
// commit together.
func (s *Store) MarkDownloaded(ctx context.Context, id int64, documentPath string) error {
	return s.markWithArtifacts(ctx, id, "download_status", StatusDownloaded,
		map[string]string{RoleDocument: documentPath}, "")
}

// MarkProcessed records a completed extraction with its export artifacts
// and the filing-level metadata captured from the document header. It
// fails if the filing has not been downloaded.
func (s *Store) MarkProcessed(ctx context.Context, id int64, paths map[string]string, metadata map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewStorageError("begin transaction", err)
	}
	defer tx.Rollback()

	f, err := s.lockFiling(ctx, tx, id)
	if err != nil {
		return err
	}
	if f.DownloadStatus != StatusDownloaded {
		return apperrors.NewValidationError(
			fmt.Sprintf("filing %d cannot be processed before download completes", id))
	}

	for role, path := range paths {
		f.FilePaths[role] = path
	}
	for k, v := range metadata {
		f.Metadata[k] = v
	}
	filePaths, err := marshalJSONMap(f.FilePaths)
	if err != nil {
		return apperrors.NewStorageError("encode file paths", err)
	}
	meta, err := json.Marshal(orEmptyMeta(f.Metadata))
	if err != nil {
		return apperrors.NewStorageError("encode metadata", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE filings
		SET processing_status = ?, file_paths = ?, metadata = ?,
		    error_message = '', updated_at = ?
		WHERE id = ?`,
		StatusProcessed, filePaths, string(meta), time.Now().UTC(), id); err != nil {
		return apperrors.NewStorageError("mark processed", err)
	}
	return tx.Commit()
}

// AddFilePath merges one artifact path into a filing record.
func (s *Store) AddFilePath(ctx context.Context, id int64, role, path string) error {
	return s.markWithArtifacts(ctx, id, "", "", map[string]string{role: path}, "")
}

// MarkDownloadFailed records a failed download attempt.
func (s *Store) MarkDownloadFailed(ctx context.Context, id int64, errMsg string) error {
	return s.markWithArtifacts(ctx, id, "download_status", StatusFailed, nil, errMsg)
}

// MarkProcessingFailed records a failed extraction attempt.
func (s *Store) MarkProcessingFailed(ctx context.Context, id int64, errMsg string) error {
	return s.markWithArtifacts(ctx, id, "processing_status", StatusFailed, nil, errMsg)
}

// markWithArtifacts updates one status axis and/or merges artifact paths
// inside a single transaction.
func (s *Store) markWithArtifacts(ctx context.Context, id int64, statusColumn, status string, paths map[string]string, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewStorageError("begin transaction", err)
	}
	defer tx.Rollback()

	f, err := s.lockFiling(ctx, tx, id)
	if err != nil {
		return err
	}
	for role, path := range paths {
		f.FilePaths[role] = path
	}
	filePaths, err := marshalJSONMap(f.FilePaths)
	if err != nil {
		return apperrors.NewStorageError("encode file paths", err)
	}

	query := `UPDATE filings SET file_paths = ?, error_message = ?, updated_at = ?`
	args := []any{filePaths, errMsg, time.Now().UTC()}
	if statusColumn == "download_status" {
		query += `, download_status = ?`
		args = append(args, status)
	} else if statusColumn == "processing_status" {
		query += `, processing_status = ?`
		args = append(args, status)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return apperrors.NewStorageError("update filing", err)
	}
	return tx.Commit()
}

const selectFiling = `
	SELECT id, series_id, accession_number, form_type, filing_date, report_date,
	       download_status, processing_status, file_paths, metadata,
	       error_message, created_at, updated_at
	FROM filings`

// lockFiling loads a filing inside a transaction.
func (s *Store) lockFiling(ctx context.Context, tx *sql.Tx, id int64) (*Filing, error) {
	row := tx.QueryRowContext(ctx, selectFiling+` WHERE id = ?`, id)
	f, err := scanFiling(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("filing %d", id))
	}
	if err != nil {
		return nil, apperrors.NewStorageError("load filing", err)
	}
	return f, nil
}

func (s *Store) queryFilings(ctx context.Context, query string, args ...any) ([]Filing, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewStorageError("query filings", err)
	}
	defer rows.Close()

	var filings []Filing
	for rows.Next() {
		f, err := scanFiling(rows)
		if err != nil {
			return nil, apperrors.NewStorageError("scan filing", err)
		}
		filings = append(filings, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorageError("iterate filings", err)
	}
	return filings, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFiling(row rowScanner) (*Filing, error) {
	var f Filing
	var filePaths, metadata string
	err := row.Scan(&f.ID, &f.SeriesID, &f.AccessionNumber, &f.FormType,
		&f.FilingDate, &f.ReportDate, &f.DownloadStatus, &f.ProcessingStatus,
		&filePaths, &metadata, &f.ErrorMessage, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(filePaths), &f.FilePaths); err != nil {
		return nil, fmt.Errorf("decode file paths: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &f.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if f.FilePaths == nil {
		f.FilePaths = map[string]string{}
	}
	if f.Metadata == nil {
		f.Metadata = map[string]any{}
	}
	return &f, nil
}

func marshalJSONMap(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func orEmptyMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
