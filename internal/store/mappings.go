package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	apperrors "fundholdings/internal/errors"
)

// Identifier types stored in the mappings cache.
const (
	IdentifierCUSIP = "cusip"
	IdentifierISIN  = "isin"
)

// Change reasons recorded when a current mapping row is superseded.
const (
	ChangeReasonTickerChanged  = "ticker_changed"
	ChangeReasonResultAppeared = "result_appeared"
	ChangeReasonResultLost     = "result_lost"
)

// Mapping is one temporal row of the identifier-to-ticker cache. The
// current row for an identifier has a NULL end date; history is never
// updated in place, a change closes the old row and opens a new one.
type Mapping struct {
	ID              int64
	IdentifierType  string
	IdentifierValue string
	Ticker          string
	HasNoResults    bool
	StartDate       time.Time
	EndDate         *time.Time
	LastFetchedDate time.Time
	ChangeReason    string
}

// Resolved reports whether the mapping carries a usable ticker.
func (m Mapping) Resolved() bool {
	return !m.HasNoResults && m.Ticker != ""
}

// CurrentMappings returns the current cache row for each requested
// identifier value. Missing identifiers simply have no entry.
func (s *Store) CurrentMappings(ctx context.Context, identifierType string, values []string) (map[string]Mapping, error) {
	out := make(map[string]Mapping, len(values))
	if len(values) == 0 {
		return out, nil
	}

	// SQLite caps bound parameters; chunk generously below it.
	const chunkSize = 500
	for start := 0; start < len(values); start += chunkSize {
		end := start + chunkSize
		if end > len(values) {
			end = len(values)
		}
		chunk := values[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, 0, len(chunk)+1)
		args = append(args, identifierType)
		for _, v := range chunk {
			args = append(args, v)
		}

		rows, err := s.db.QueryContext(ctx, `
			SELECT id, identifier_type, identifier_value, ticker, has_no_results,
			       start_date, end_date, last_fetched_date, change_reason
			FROM security_mappings
			WHERE identifier_type = ? AND end_date IS NULL
			  AND identifier_value IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, apperrors.NewStorageError("query current mappings", err)
		}

		for rows.Next() {
			m, err := scanMapping(rows)
			if err != nil {
				rows.Close()
				return nil, apperrors.NewStorageError("scan mapping", err)
			}
			out[m.IdentifierValue] = m
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, apperrors.NewStorageError("iterate mappings", err)
		}
		rows.Close()
	}

	return out, nil
}

// UpsertMapping records a fresh resolution result for an identifier.
//
// Semantics follow the temporal cache contract:
//   - no current row: open one.
//   - current row agrees (same ticker, same no-result flag): bump the
//     fetch timestamp only.
//   - current row disagrees: close it and open a new current row with the
//     change reason. History rows are never rewritten.
func (s *Store) UpsertMapping(ctx context.Context, identifierType, value, ticker string, hasNoResults bool) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewStorageError("begin transaction", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, identifier_type, identifier_value, ticker, has_no_results,
		       start_date, end_date, last_fetched_date, change_reason
		FROM security_mappings
		WHERE identifier_type = ? AND identifier_value = ? AND end_date IS NULL`,
		identifierType, value)

	current, err := scanMapping(row)
	switch {
	case err == sql.ErrNoRows:
		if err := insertMapping(ctx, tx, identifierType, value, ticker, hasNoResults, now, ""); err != nil {
			return err
		}

	case err != nil:
		return apperrors.NewStorageError("load current mapping", err)

	case current.Ticker == ticker && current.HasNoResults == hasNoResults:
		if _, err := tx.ExecContext(ctx, `
			UPDATE security_mappings SET last_fetched_date = ?, updated_at = ?
			WHERE id = ?`, now, now, current.ID); err != nil {
			return apperrors.NewStorageError("refresh mapping", err)
		}

	default:
		reason := changeReason(current, hasNoResults)
		if _, err := tx.ExecContext(ctx, `
			UPDATE security_mappings SET end_date = ?, updated_at = ?
			WHERE id = ?`, now, now, current.ID); err != nil {
			return apperrors.NewStorageError("close mapping", err)
		}
		if err := insertMapping(ctx, tx, identifierType, value, ticker, hasNoResults, now, reason); err != nil {
			return err
		}
		s.logger.Info("mapping_superseded",
			slog.String("identifier_type", identifierType),
			slog.String("identifier_value", value),
			slog.String("old_ticker", current.Ticker),
			slog.String("new_ticker", ticker),
			slog.String("change_reason", reason))
	}

	return tx.Commit()
}

// StaleMappings lists current rows whose last fetch is older than the
// cutoff, for background refresh.
func (s *Store) StaleMappings(ctx context.Context, identifierType string, olderThan time.Time, limit int) ([]Mapping, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identifier_type, identifier_value, ticker, has_no_results,
		       start_date, end_date, last_fetched_date, change_reason
		FROM security_mappings
		WHERE identifier_type = ? AND end_date IS NULL AND last_fetched_date < ?
		ORDER BY last_fetched_date
		LIMIT ?`, identifierType, olderThan, limit)
	if err != nil {
		return nil, apperrors.NewStorageError("query stale mappings", err)
	}
	defer rows.Close()

	var mappings []Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, apperrors.NewStorageError("scan mapping", err)
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorageError("iterate stale mappings", err)
	}
	return mappings, nil
}

// CacheStats summarizes the mappings cache.
type CacheStats struct {
	TotalRows   int
	CurrentRows int
	Positive    int
	Negative    int
}

// MappingCacheStats reports cache size and positive/negative split of the
// current rows.
func (s *Store) MappingCacheStats(ctx context.Context) (CacheStats, error) {
	var stats CacheStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN end_date IS NULL THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN end_date IS NULL AND has_no_results = 0 AND ticker != '' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN end_date IS NULL AND has_no_results = 1 THEN 1 ELSE 0 END), 0)
		FROM security_mappings`).
		Scan(&stats.TotalRows, &stats.CurrentRows, &stats.Positive, &stats.Negative)
	if err != nil {
		return stats, apperrors.NewStorageError("cache stats", err)
	}
	return stats, nil
}

func insertMapping(ctx context.Context, tx *sql.Tx, identifierType, value, ticker string, hasNoResults bool, now time.Time, changeReason string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO security_mappings (
			identifier_type, identifier_value, ticker, has_no_results,
			start_date, end_date, last_fetched_date, change_reason,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?, ?)`,
		identifierType, value, ticker, boolToInt(hasNoResults),
		now, now, changeReason, now, now); err != nil {
		return apperrors.NewStorageError(
			fmt.Sprintf("insert mapping for %s %s", identifierType, value), err)
	}
	return nil
}

func changeReason(current Mapping, newHasNoResults bool) string {
	switch {
	case current.HasNoResults && !newHasNoResults:
		return ChangeReasonResultAppeared
	case !current.HasNoResults && newHasNoResults:
		return ChangeReasonResultLost
	default:
		return ChangeReasonTickerChanged
	}
}

func scanMapping(row rowScanner) (Mapping, error) {
	var m Mapping
	var hasNoResults int
	var endDate sql.NullTime
	err := row.Scan(&m.ID, &m.IdentifierType, &m.IdentifierValue, &m.Ticker,
		&hasNoResults, &m.StartDate, &endDate, &m.LastFetchedDate, &m.ChangeReason)
	if err != nil {
		return Mapping{}, err
	}
	m.HasNoResults = hasNoResults != 0
	if endDate.Valid {
		m.EndDate = &endDate.Time
	}
	return m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
