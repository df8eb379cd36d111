// Package postgres provides the Postgres-backed Store implementation.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seolens/scan-engine/internal/scan"
	"github.com/seolens/scan-engine/internal/store"
)

// Config controls the Postgres connection pool and row defaults.
type Config struct {
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxRetryAttempts int
}

// dbPool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it
// in tests.
type dbPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store implements store.Store on Postgres. Multi-row mutations run inside a
// transaction; the scan row is locked FOR UPDATE to serialize progress
// re-derivation per scan id.
type Store struct {
	pool             dbPool
	maxRetryAttempts int
}

var _ store.Store = (*Store)(nil)

// New connects a pool, verifies connectivity, and runs schema migrations.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(cfg.DSN); err != nil {
		pool.Close()
		return nil, err
	}
	return newWithPool(pool, cfg), nil
}

// NewWithPool constructs a store from an existing pool (primarily for
// testing). Migrations are not run.
func NewWithPool(pool dbPool, cfg Config) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return newWithPool(pool, cfg), nil
}

func newWithPool(pool dbPool, cfg Config) *Store {
	maxAttempts := cfg.MaxRetryAttempts
	if maxAttempts <= 0 {
		maxAttempts = scan.DefaultMaxRetryAttempts
	}
	return &Store{pool: pool, maxRetryAttempts: maxAttempts}
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Healthy pings the database.
func (s *Store) Healthy(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// CreateScan inserts the scan row plus one pending service record per
// enabled service in a single transaction. Any insert failure (including a
// duplicate service name hitting the primary key) rolls back the whole
// operation.
func (s *Store) CreateScan(ctx context.Context, url string, services []string) (scan.Scan, error) {
	if len(services) == 0 {
		return scan.Scan{}, scan.ErrNoServices
	}

	sc := scan.Scan{
		ID:            uuid.New(),
		URL:           url,
		Status:        scan.StatusPending,
		StartedAt:     time.Now().UTC(),
		ProgressTotal: len(services),
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return scan.Scan{}, fmt.Errorf("begin create scan: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `
		INSERT INTO scans (id, url, status, started_at, progress_total)
		VALUES ($1, $2, $3, $4, $5)`,
		sc.ID, sc.URL, sc.Status, sc.StartedAt, sc.ProgressTotal,
	); err != nil {
		return scan.Scan{}, fmt.Errorf("insert scan: %w", err)
	}

	for _, name := range services {
		if _, err := tx.Exec(ctx, `
			INSERT INTO scan_services (scan_id, service_name, status, max_retry_attempts)
			VALUES ($1, $2, $3, $4)`,
			sc.ID, name, scan.ServicePending, s.maxRetryAttempts,
		); err != nil {
			return scan.Scan{}, fmt.Errorf("insert service record %q: %w", name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return scan.Scan{}, fmt.Errorf("commit create scan: %w", err)
	}
	return sc, nil
}

const scanColumns = `id, url, status, started_at, completed_at,
	progress_completed, progress_total, progress_percentage`

// GetScan loads one scan or returns store.ErrNotFound.
func (s *Store) GetScan(ctx context.Context, id uuid.UUID) (scan.Scan, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+scanColumns+`
		FROM scans
		WHERE id = $1`, id)
	sc, err := scanScanRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.Scan{}, store.ErrNotFound
		}
		return scan.Scan{}, fmt.Errorf("get scan: %w", err)
	}
	return sc, nil
}

// ScanHistory returns the most recent scans, newest first.
func (s *Store) ScanHistory(ctx context.Context, limit int) ([]scan.Scan, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+scanColumns+`
		FROM scans
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	var out []scan.Scan
	for rows.Next() {
		sc, err := scanScanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan history rows: %w", err)
	}
	return out, nil
}

const serviceColumns = `scan_id, service_name, status, score, result, issues, error,
	execution_time_ms, retry_attempts, max_retry_attempts, started_at, completed_at`

// GetScanServices returns the scan's service records.
func (s *Store) GetScanServices(ctx context.Context, id uuid.UUID) ([]scan.ServiceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+serviceColumns+`
		FROM scan_services
		WHERE scan_id = $1
		ORDER BY service_name`, id)
	if err != nil {
		return nil, fmt.Errorf("list scan services: %w", err)
	}
	defer rows.Close()
	return collectServiceRecords(rows)
}

// MarkServiceRunning transitions the record to running; started_at is set
// only if currently NULL, so repeated calls are idempotent.
func (s *Store) MarkServiceRunning(ctx context.Context, scanID uuid.UUID, service string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scan_services
		SET status = $3, started_at = COALESCE(started_at, $4)
		WHERE scan_id = $1 AND service_name = $2`,
		scanID, service, scan.ServiceRunning, at.UTC())
	if err != nil {
		return fmt.Errorf("mark service running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecordServiceResult applies a terminal outcome to the service record and
// re-derives the scan row, all inside one transaction with the scan row
// locked FOR UPDATE.
func (s *Store) RecordServiceResult(
	ctx context.Context,
	scanID uuid.UUID,
	service string,
	outcome scan.Outcome,
) (scan.Scan, error) {
	if !outcome.Status.Terminal() {
		return scan.Scan{}, fmt.Errorf("outcome status %q is not terminal", outcome.Status)
	}
	completedAt := outcome.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}
	completedAt = completedAt.UTC()

	resultJSON, err := marshalNullable(outcome.Result)
	if err != nil {
		return scan.Scan{}, fmt.Errorf("marshal result: %w", err)
	}
	issuesJSON, err := marshalNullable(outcome.Issues)
	if err != nil {
		return scan.Scan{}, fmt.Errorf("marshal issues: %w", err)
	}
	errorJSON, err := marshalNullable(outcome.Error)
	if err != nil {
		return scan.Scan{}, fmt.Errorf("marshal error: %w", err)
	}

	return s.mutateAndReaggregate(ctx, scanID, completedAt, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE scan_services
			SET status = $3, score = $4, result = $5, issues = $6, error = $7,
				execution_time_ms = $8, completed_at = $9
			WHERE scan_id = $1 AND service_name = $2`,
			scanID, service, outcome.Status, outcome.Score,
			resultJSON, issuesJSON, errorJSON,
			outcome.Duration.Milliseconds(), completedAt)
		if err != nil {
			return fmt.Errorf("record service result: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

// GetRetryableServices returns failed records with retry budget remaining.
func (s *Store) GetRetryableServices(ctx context.Context, scanID uuid.UUID) ([]scan.ServiceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+serviceColumns+`
		FROM scan_services
		WHERE scan_id = $1 AND status = $2 AND retry_attempts < max_retry_attempts
		ORDER BY service_name`, scanID, scan.ServiceFailed)
	if err != nil {
		return nil, fmt.Errorf("list retryable services: %w", err)
	}
	defer rows.Close()
	return collectServiceRecords(rows)
}

// IncrementRetryAttempt resets a failed record to pending with a single
// conditional UPDATE keyed on the caller-observed retry_attempts value, then
// re-derives the scan row. A concurrent retry of the same record finds zero
// rows and gets scan.ErrRetryNotEligible.
func (s *Store) IncrementRetryAttempt(
	ctx context.Context,
	scanID uuid.UUID,
	service string,
	observedAttempts int,
) (scan.Scan, error) {
	return s.mutateAndReaggregate(ctx, scanID, time.Now().UTC(), func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE scan_services
			SET retry_attempts = retry_attempts + 1, status = $4,
				error = NULL, started_at = NULL, completed_at = NULL
			WHERE scan_id = $1 AND service_name = $2
				AND status = $5 AND retry_attempts = $3
				AND retry_attempts < max_retry_attempts`,
			scanID, service, observedAttempts, scan.ServicePending, scan.ServiceFailed)
		if err != nil {
			return fmt.Errorf("increment retry attempt: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return scan.ErrRetryNotEligible
		}
		return nil
	})
}

// mutateAndReaggregate locks the scan row, applies the mutation, recomputes
// progress from the full record set, and persists the derived scan row.
// completed_at is preserved once set (COALESCE).
func (s *Store) mutateAndReaggregate(
	ctx context.Context,
	scanID uuid.UUID,
	at time.Time,
	mutate func(pgx.Tx) error,
) (scan.Scan, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return scan.Scan{}, fmt.Errorf("begin scan update: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var current scan.Status
	err = tx.QueryRow(ctx, `
		SELECT status FROM scans WHERE id = $1 FOR UPDATE`, scanID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.Scan{}, store.ErrNotFound
		}
		return scan.Scan{}, fmt.Errorf("lock scan row: %w", err)
	}

	if err := mutate(tx); err != nil {
		return scan.Scan{}, err
	}

	rows, err := tx.Query(ctx, `
		SELECT `+serviceColumns+`
		FROM scan_services
		WHERE scan_id = $1
		ORDER BY service_name`, scanID)
	if err != nil {
		return scan.Scan{}, fmt.Errorf("load records for aggregation: %w", err)
	}
	records, err := collectServiceRecords(rows)
	rows.Close()
	if err != nil {
		return scan.Scan{}, err
	}

	p := scan.Aggregate(current, records)
	var completedAt *time.Time
	if p.Status.Terminal() {
		t := at.UTC()
		completedAt = &t
	}

	row := tx.QueryRow(ctx, `
		UPDATE scans
		SET status = $2, progress_completed = $3, progress_percentage = $4,
			completed_at = COALESCE(completed_at, $5)
		WHERE id = $1
		RETURNING `+scanColumns, scanID, p.Status, p.Completed, p.Percentage, completedAt)
	sc, err := scanScanRow(row)
	if err != nil {
		return scan.Scan{}, fmt.Errorf("update scan row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return scan.Scan{}, fmt.Errorf("commit scan update: %w", err)
	}
	return sc, nil
}

// GetCacheEntry returns the live entry for key; expired rows are filtered in
// SQL so expiry is a miss, not an error.
func (s *Store) GetCacheEntry(ctx context.Context, key string, now time.Time) (store.CacheEntry, error) {
	var entry store.CacheEntry
	err := s.pool.QueryRow(ctx, `
		SELECT cache_key, scan_id, expires_at
		FROM scan_cache
		WHERE cache_key = $1 AND expires_at >= $2`, key, now.UTC()).
		Scan(&entry.Key, &entry.ScanID, &entry.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.CacheEntry{}, store.ErrNotFound
		}
		return store.CacheEntry{}, fmt.Errorf("get cache entry: %w", err)
	}
	return entry, nil
}

// SetCacheEntry inserts the entry; a concurrent duplicate hits ON CONFLICT
// DO NOTHING and the first writer wins.
func (s *Store) SetCacheEntry(ctx context.Context, entry store.CacheEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scan_cache (cache_key, scan_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (cache_key) DO NOTHING`,
		entry.Key, entry.ScanID, entry.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("set cache entry: %w", err)
	}
	return nil
}

// RemoveCacheEntry deletes one entry; a missing key is a no-op.
func (s *Store) RemoveCacheEntry(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `
		DELETE FROM scan_cache WHERE cache_key = $1`, key); err != nil {
		return fmt.Errorf("remove cache entry: %w", err)
	}
	return nil
}

// CleanupExpiredCache bulk-deletes expired entries.
func (s *Store) CleanupExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM scan_cache WHERE expires_at < $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup expired cache: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InsertScanMetric appends a scan metric row.
func (s *Store) InsertScanMetric(ctx context.Context, m store.ScanMetric) error {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scan_metrics
			(scan_id, user_type, url, status, cache_hit, total_time_ms,
			services_executed, services_failed, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ScanID, m.UserType, m.URL, m.Status, m.CacheHit, m.TotalTimeMS,
		m.ServicesExecuted, m.ServicesFailed, m.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert scan metric: %w", err)
	}
	return nil
}

// InsertServiceMetric appends a service metric row.
func (s *Store) InsertServiceMetric(ctx context.Context, m store.ServiceMetric) error {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO service_metrics
			(scan_id, service_name, status, execution_time_ms, retry_attempts,
			error_code, error_message, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ScanID, m.Service, m.Status, m.ExecutionTimeMS, m.RetryAttempts,
		m.ErrorCode, m.ErrorMessage, m.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert service metric: %w", err)
	}
	return nil
}

// ServicePerformance aggregates service metrics since the cutoff.
func (s *Store) ServicePerformance(ctx context.Context, since time.Time) ([]store.ServicePerformance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service_name,
			COUNT(*),
			COUNT(*) FILTER (WHERE status = $2),
			COALESCE(AVG(execution_time_ms), 0),
			COALESCE(AVG(retry_attempts), 0)
		FROM service_metrics
		WHERE recorded_at >= $1
		GROUP BY service_name
		ORDER BY service_name`, since.UTC(), scan.ServiceFailed)
	if err != nil {
		return nil, fmt.Errorf("service performance: %w", err)
	}
	defer rows.Close()

	var out []store.ServicePerformance
	for rows.Next() {
		var p store.ServicePerformance
		if err := rows.Scan(&p.Service, &p.Runs, &p.Failures, &p.AvgExecutionMS, &p.AvgRetries); err != nil {
			return nil, fmt.Errorf("service performance row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("service performance rows: %w", err)
	}
	return out, nil
}

// MetricsStats aggregates scan metrics since the cutoff.
func (s *Store) MetricsStats(ctx context.Context, since time.Time) (store.MetricsStats, error) {
	var stats store.MetricsStats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE cache_hit),
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE status = $3),
			COUNT(*) FILTER (WHERE status = $4),
			COALESCE(AVG(total_time_ms), 0)
		FROM scan_metrics
		WHERE recorded_at >= $1`,
		since.UTC(), scan.StatusCompleted, scan.StatusPartial, scan.StatusFailed).
		Scan(&stats.Scans, &stats.CacheHits, &stats.Completed,
			&stats.Partial, &stats.Failed, &stats.AvgTotalMS)
	if err != nil {
		return store.MetricsStats{}, fmt.Errorf("metrics stats: %w", err)
	}
	return stats, nil
}

// ErrorAnalysis groups recorded errors since the cutoff, most frequent first.
func (s *Store) ErrorAnalysis(ctx context.Context, since time.Time) ([]store.ErrorCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service_name, error_code, MIN(error_message), COUNT(*)
		FROM service_metrics
		WHERE recorded_at >= $1 AND error_code <> ''
		GROUP BY service_name, error_code
		ORDER BY COUNT(*) DESC, service_name`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("error analysis: %w", err)
	}
	defer rows.Close()

	var out []store.ErrorCount
	for rows.Next() {
		var e store.ErrorCount
		if err := rows.Scan(&e.Service, &e.Code, &e.Message, &e.Count); err != nil {
			return nil, fmt.Errorf("error analysis row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error analysis rows: %w", err)
	}
	return out, nil
}

// scanScanRow scans one scans row from either QueryRow or Query results.
func scanScanRow(row pgx.Row) (scan.Scan, error) {
	var sc scan.Scan
	err := row.Scan(
		&sc.ID,
		&sc.URL,
		&sc.Status,
		&sc.StartedAt,
		&sc.CompletedAt,
		&sc.ProgressCompleted,
		&sc.ProgressTotal,
		&sc.ProgressPercentage,
	)
	if err != nil {
		return scan.Scan{}, err
	}
	return sc, nil
}

func collectServiceRecords(rows pgx.Rows) ([]scan.ServiceRecord, error) {
	var out []scan.ServiceRecord
	for rows.Next() {
		var (
			rec        scan.ServiceRecord
			resultJSON []byte
			issuesJSON []byte
			errorJSON  []byte
		)
		if err := rows.Scan(
			&rec.ScanID,
			&rec.Service,
			&rec.Status,
			&rec.Score,
			&resultJSON,
			&issuesJSON,
			&errorJSON,
			&rec.ExecutionTimeMS,
			&rec.RetryAttempts,
			&rec.MaxRetryAttempts,
			&rec.StartedAt,
			&rec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan service row: %w", err)
		}
		if err := unmarshalNullable(resultJSON, &rec.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		if err := unmarshalNullable(issuesJSON, &rec.Issues); err != nil {
			return nil, fmt.Errorf("unmarshal issues: %w", err)
		}
		if err := unmarshalNullable(errorJSON, &rec.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("service rows: %w", err)
	}
	return out, nil
}

// marshalNullable maps nil values to SQL NULL instead of the JSON "null"
// literal.
func marshalNullable(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if val == nil {
			return nil, nil
		}
	case []scan.Issue:
		if val == nil {
			return nil, nil
		}
	case *scan.CheckError:
		if val == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func unmarshalNullable(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}
