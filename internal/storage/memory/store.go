// Package memory provides a volatile, in-memory implementation of the Store
// contract for development and tests. It offers no durability across process
// restarts; production deployments use the Postgres backend.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seolens/scan-engine/internal/scan"
	"github.com/seolens/scan-engine/internal/store"
)

// Store keeps all state behind a single mutex. The mutex doubles as the
// atomicity boundary the contract requires: every service record mutation
// and its derived scan-row update happen under one critical section.
type Store struct {
	mu               sync.RWMutex
	scans            map[uuid.UUID]scan.Scan
	services         map[uuid.UUID][]scan.ServiceRecord
	cache            map[string]store.CacheEntry
	scanMetrics      []store.ScanMetric
	serviceMetrics   []store.ServiceMetric
	order            []uuid.UUID
	maxRetryAttempts int
}

var _ store.Store = (*Store)(nil)

// New constructs an empty Store with the default retry budget.
func New() *Store {
	return NewWithRetryBudget(scan.DefaultMaxRetryAttempts)
}

// NewWithRetryBudget constructs a Store whose created service records carry
// the given max_retry_attempts.
func NewWithRetryBudget(maxRetryAttempts int) *Store {
	if maxRetryAttempts < 0 {
		maxRetryAttempts = scan.DefaultMaxRetryAttempts
	}
	return &Store{
		scans:            make(map[uuid.UUID]scan.Scan),
		services:         make(map[uuid.UUID][]scan.ServiceRecord),
		cache:            make(map[string]store.CacheEntry),
		maxRetryAttempts: maxRetryAttempts,
	}
}

// CreateScan inserts the scan plus one pending record per service.
func (s *Store) CreateScan(_ context.Context, url string, services []string) (scan.Scan, error) {
	if len(services) == 0 {
		return scan.Scan{}, scan.ErrNoServices
	}
	seen := make(map[string]struct{}, len(services))
	for _, name := range services {
		if _, dup := seen[name]; dup {
			return scan.Scan{}, fmt.Errorf("duplicate service %q", name)
		}
		seen[name] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sc := scan.Scan{
		ID:            uuid.New(),
		URL:           url,
		Status:        scan.StatusPending,
		StartedAt:     time.Now().UTC(),
		ProgressTotal: len(services),
	}
	records := make([]scan.ServiceRecord, 0, len(services))
	for _, name := range services {
		records = append(records, scan.ServiceRecord{
			ScanID:           sc.ID,
			Service:          name,
			Status:           scan.ServicePending,
			MaxRetryAttempts: s.maxRetryAttempts,
		})
	}
	s.scans[sc.ID] = sc
	s.services[sc.ID] = records
	s.order = append(s.order, sc.ID)
	return sc, nil
}

// GetScan fetches a scan by id.
func (s *Store) GetScan(_ context.Context, id uuid.UUID) (scan.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scans[id]
	if !ok {
		return scan.Scan{}, store.ErrNotFound
	}
	return sc, nil
}

// GetScanServices returns copies of the scan's service records.
func (s *Store) GetScanServices(_ context.Context, id uuid.UUID) ([]scan.ServiceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.services[id]
	out := make([]scan.ServiceRecord, len(records))
	copy(out, records)
	return out, nil
}

// ScanHistory returns the most recent scans, newest first.
func (s *Store) ScanHistory(_ context.Context, limit int) ([]scan.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	out := make([]scan.Scan, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.scans[s.order[i]])
	}
	return out, nil
}

// MarkServiceRunning transitions a record to running; started_at is set only
// on the first call.
func (s *Store) MarkServiceRunning(_ context.Context, scanID uuid.UUID, service string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, idx, err := s.findRecord(scanID, service)
	if err != nil {
		return err
	}
	rec.Status = scan.ServiceRunning
	if rec.StartedAt == nil {
		t := at.UTC()
		rec.StartedAt = &t
	}
	s.services[scanID][idx] = rec
	return nil
}

// RecordServiceResult applies a terminal outcome and re-derives the scan row.
func (s *Store) RecordServiceResult(
	_ context.Context,
	scanID uuid.UUID,
	service string,
	outcome scan.Outcome,
) (scan.Scan, error) {
	if !outcome.Status.Terminal() {
		return scan.Scan{}, fmt.Errorf("outcome status %q is not terminal", outcome.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, idx, err := s.findRecord(scanID, service)
	if err != nil {
		return scan.Scan{}, err
	}

	completedAt := outcome.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}
	completedAt = completedAt.UTC()

	rec.Status = outcome.Status
	rec.Score = outcome.Score
	rec.Result = outcome.Result
	rec.Issues = outcome.Issues
	rec.Error = outcome.Error
	rec.ExecutionTimeMS = outcome.Duration.Milliseconds()
	rec.CompletedAt = &completedAt
	s.services[scanID][idx] = rec

	return s.reaggregate(scanID, completedAt)
}

// GetRetryableServices returns failed records with retry budget left.
func (s *Store) GetRetryableServices(_ context.Context, scanID uuid.UUID) ([]scan.ServiceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []scan.ServiceRecord
	for _, rec := range s.services[scanID] {
		if rec.Retryable() {
			out = append(out, rec)
		}
	}
	return out, nil
}

// IncrementRetryAttempt resets a failed record to pending, conditional on the
// caller-observed attempts value.
func (s *Store) IncrementRetryAttempt(
	_ context.Context,
	scanID uuid.UUID,
	service string,
	observedAttempts int,
) (scan.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, idx, err := s.findRecord(scanID, service)
	if err != nil {
		return scan.Scan{}, err
	}
	if !rec.Retryable() || rec.RetryAttempts != observedAttempts {
		return scan.Scan{}, scan.ErrRetryNotEligible
	}

	rec.RetryAttempts++
	rec.Status = scan.ServicePending
	rec.Error = nil
	rec.StartedAt = nil
	rec.CompletedAt = nil
	s.services[scanID][idx] = rec

	return s.reaggregate(scanID, time.Now().UTC())
}

// GetCacheEntry returns the live entry for key; expired entries are misses.
func (s *Store) GetCacheEntry(_ context.Context, key string, now time.Time) (store.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.cache[key]
	if !ok || entry.ExpiresAt.Before(now) {
		return store.CacheEntry{}, store.ErrNotFound
	}
	return entry, nil
}

// SetCacheEntry inserts an entry; an existing key wins and the call is a no-op.
func (s *Store) SetCacheEntry(_ context.Context, entry store.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cache[entry.Key]; exists {
		return nil
	}
	s.cache[entry.Key] = entry
	return nil
}

// RemoveCacheEntry deletes one entry.
func (s *Store) RemoveCacheEntry(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, key)
	return nil
}

// CleanupExpiredCache removes entries past their expiry.
func (s *Store) CleanupExpiredCache(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key, entry := range s.cache {
		if entry.ExpiresAt.Before(now) {
			delete(s.cache, key)
			removed++
		}
	}
	return removed, nil
}

// InsertScanMetric appends a scan metric row.
func (s *Store) InsertScanMetric(_ context.Context, m store.ScanMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}
	s.scanMetrics = append(s.scanMetrics, m)
	return nil
}

// InsertServiceMetric appends a service metric row.
func (s *Store) InsertServiceMetric(_ context.Context, m store.ServiceMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}
	s.serviceMetrics = append(s.serviceMetrics, m)
	return nil
}

// ServicePerformance aggregates service metrics since the cutoff.
func (s *Store) ServicePerformance(_ context.Context, since time.Time) ([]store.ServicePerformance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type acc struct {
		runs, failures, execMS, retries int64
	}
	byService := make(map[string]*acc)
	for _, m := range s.serviceMetrics {
		if m.RecordedAt.Before(since) {
			continue
		}
		a := byService[m.Service]
		if a == nil {
			a = &acc{}
			byService[m.Service] = a
		}
		a.runs++
		if m.Status == scan.ServiceFailed {
			a.failures++
		}
		a.execMS += m.ExecutionTimeMS
		a.retries += int64(m.RetryAttempts)
	}

	out := make([]store.ServicePerformance, 0, len(byService))
	for name, a := range byService {
		out = append(out, store.ServicePerformance{
			Service:        name,
			Runs:           a.runs,
			Failures:       a.failures,
			AvgExecutionMS: float64(a.execMS) / float64(a.runs),
			AvgRetries:     float64(a.retries) / float64(a.runs),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, nil
}

// MetricsStats aggregates scan metrics since the cutoff.
func (s *Store) MetricsStats(_ context.Context, since time.Time) (store.MetricsStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats store.MetricsStats
	var totalMS int64
	for _, m := range s.scanMetrics {
		if m.RecordedAt.Before(since) {
			continue
		}
		stats.Scans++
		if m.CacheHit {
			stats.CacheHits++
		}
		switch m.Status {
		case scan.StatusCompleted:
			stats.Completed++
		case scan.StatusPartial:
			stats.Partial++
		case scan.StatusFailed:
			stats.Failed++
		}
		totalMS += m.TotalTimeMS
	}
	if stats.Scans > 0 {
		stats.AvgTotalMS = float64(totalMS) / float64(stats.Scans)
	}
	return stats, nil
}

// ErrorAnalysis groups recorded errors since the cutoff.
func (s *Store) ErrorAnalysis(_ context.Context, since time.Time) ([]store.ErrorCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type key struct{ service, code string }
	counts := make(map[key]*store.ErrorCount)
	for _, m := range s.serviceMetrics {
		if m.RecordedAt.Before(since) || m.ErrorCode == "" {
			continue
		}
		k := key{m.Service, m.ErrorCode}
		c := counts[k]
		if c == nil {
			c = &store.ErrorCount{Service: m.Service, Code: m.ErrorCode, Message: m.ErrorMessage}
			counts[k] = c
		}
		c.Count++
	}

	out := make([]store.ErrorCount, 0, len(counts))
	for _, c := range counts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Service < out[j].Service
	})
	return out, nil
}

// Healthy always succeeds; the memory backend has no connection to lose.
func (s *Store) Healthy(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

// findRecord locates a service record; callers hold the mutex.
func (s *Store) findRecord(scanID uuid.UUID, service string) (scan.ServiceRecord, int, error) {
	if _, ok := s.scans[scanID]; !ok {
		return scan.ServiceRecord{}, 0, store.ErrNotFound
	}
	for i, rec := range s.services[scanID] {
		if rec.Service == service {
			return rec, i, nil
		}
	}
	return scan.ServiceRecord{}, 0, store.ErrNotFound
}

// reaggregate re-derives the scan row from the full record set; callers hold
// the mutex. completed_at is set only on the first transition to a terminal
// status.
func (s *Store) reaggregate(scanID uuid.UUID, at time.Time) (scan.Scan, error) {
	sc, ok := s.scans[scanID]
	if !ok {
		return scan.Scan{}, store.ErrNotFound
	}
	p := scan.Aggregate(sc.Status, s.services[scanID])
	sc.Status = p.Status
	sc.ProgressCompleted = p.Completed
	sc.ProgressPercentage = p.Percentage
	if p.Status.Terminal() && sc.CompletedAt == nil {
		t := at.UTC()
		sc.CompletedAt = &t
	}
	s.scans[scanID] = sc
	return sc, nil
}
