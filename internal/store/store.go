// Package store declares the persistence contract for the scan engine.
// Implementations live in other packages (internal/storage/postgres,
// internal/storage/memory); this package must not import database drivers
// or concrete clients.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/seolens/scan-engine/internal/scan"
)

// ErrNotFound signals that the requested record does not exist. Callers that
// branch on existence match it with errors.Is.
var ErrNotFound = errors.New("record not found")

// CacheEntry maps a request fingerprint to a completed scan.
type CacheEntry struct {
	// Key is the fingerprint of normalized URL + enabled service set.
	Key string
	// ScanID references a scan in a terminal status.
	ScanID uuid.UUID
	// ExpiresAt bounds the entry's validity; reads past it are misses.
	ExpiresAt time.Time
}

// ScanMetric is the append-only scan-level observability record.
type ScanMetric struct {
	ScanID           uuid.UUID
	UserType         string
	URL              string
	Status           scan.Status
	CacheHit         bool
	TotalTimeMS      int64
	ServicesExecuted int
	ServicesFailed   int
	RecordedAt       time.Time
}

// ServiceMetric is the append-only per-service observability record.
type ServiceMetric struct {
	ScanID          uuid.UUID
	Service         string
	Status          scan.ServiceStatus
	ExecutionTimeMS int64
	RetryAttempts   int
	ErrorCode       string
	ErrorMessage    string
	RecordedAt      time.Time
}

// ServicePerformance aggregates service metrics over a time range.
type ServicePerformance struct {
	Service        string  `json:"service_name"`
	Runs           int64   `json:"runs"`
	Failures       int64   `json:"failures"`
	AvgExecutionMS float64 `json:"avg_execution_ms"`
	AvgRetries     float64 `json:"avg_retries"`
}

// MetricsStats aggregates scan metrics over a time range.
type MetricsStats struct {
	Scans      int64   `json:"scans"`
	CacheHits  int64   `json:"cache_hits"`
	Completed  int64   `json:"completed"`
	Partial    int64   `json:"partial"`
	Failed     int64   `json:"failed"`
	AvgTotalMS float64 `json:"avg_total_ms"`
}

// ErrorCount groups recorded service errors by service and code.
type ErrorCount struct {
	Service string `json:"service_name"`
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Count   int64  `json:"count"`
}

// Store is the durable state contract for scans, service records, cache
// entries, and metrics.
//
// Multi-row mutations that must be seen atomically (scan creation and its N
// service records; a service result write plus the derived scan-row update)
// execute transactionally: rolled back entirely on failure, never left
// partially applied. Progress aggregation runs inside the same atomicity
// boundary as every service record mutation and is serialized per scan id.
type Store interface {
	// CreateScan inserts a pending scan plus one pending service record per
	// enabled service, atomically. progress_total is fixed to len(services).
	CreateScan(ctx context.Context, url string, services []string) (scan.Scan, error)
	// GetScan loads one scan or returns ErrNotFound.
	GetScan(ctx context.Context, id uuid.UUID) (scan.Scan, error)
	// GetScanServices returns the scan's service records, empty if none.
	GetScanServices(ctx context.Context, id uuid.UUID) ([]scan.ServiceRecord, error)
	// ScanHistory returns the most recent scans, newest first.
	ScanHistory(ctx context.Context, limit int) ([]scan.Scan, error)

	// MarkServiceRunning transitions a record to running, setting started_at
	// only if unset. Calling it again is a no-op.
	MarkServiceRunning(ctx context.Context, scanID uuid.UUID, service string, at time.Time) error
	// RecordServiceResult applies a terminal outcome to the record and
	// re-derives the scan row in the same transaction. It returns the
	// updated scan.
	RecordServiceResult(ctx context.Context, scanID uuid.UUID, service string, outcome scan.Outcome) (scan.Scan, error)
	// GetRetryableServices returns failed records with retry budget left.
	GetRetryableServices(ctx context.Context, scanID uuid.UUID) ([]scan.ServiceRecord, error)
	// IncrementRetryAttempt resets a failed record to pending and bumps
	// retry_attempts, conditional on the caller-observed attempts value so a
	// concurrent retry increments at most once. It re-derives the scan row
	// and returns the updated scan, or scan.ErrRetryNotEligible.
	IncrementRetryAttempt(ctx context.Context, scanID uuid.UUID, service string, observedAttempts int) (scan.Scan, error)

	// GetCacheEntry returns the live entry for key, treating expiry as a
	// miss (ErrNotFound).
	GetCacheEntry(ctx context.Context, key string, now time.Time) (CacheEntry, error)
	// SetCacheEntry inserts an entry; a concurrent duplicate is a no-op and
	// the first writer wins.
	SetCacheEntry(ctx context.Context, entry CacheEntry) error
	// RemoveCacheEntry deletes one entry; missing keys are not an error.
	RemoveCacheEntry(ctx context.Context, key string) error
	// CleanupExpiredCache bulk-deletes entries with expires_at < now and
	// returns the number removed.
	CleanupExpiredCache(ctx context.Context, now time.Time) (int64, error)

	// InsertScanMetric appends a scan metric row.
	InsertScanMetric(ctx context.Context, m ScanMetric) error
	// InsertServiceMetric appends a service metric row.
	InsertServiceMetric(ctx context.Context, m ServiceMetric) error
	// ServicePerformance aggregates service metrics recorded since the cutoff.
	ServicePerformance(ctx context.Context, since time.Time) ([]ServicePerformance, error)
	// MetricsStats aggregates scan metrics recorded since the cutoff.
	MetricsStats(ctx context.Context, since time.Time) (MetricsStats, error)
	// ErrorAnalysis groups recorded errors since the cutoff, most frequent first.
	ErrorAnalysis(ctx context.Context, since time.Time) ([]ErrorCount, error)

	// Healthy reports backend connectivity.
	Healthy(ctx context.Context) error
	// Close releases backend resources.
	Close()
}
