package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seolens/scan-engine/internal/scan"
	"github.com/seolens/scan-engine/internal/store"
)

func successOutcome(at time.Time) scan.Outcome {
	score := 92
	return scan.Outcome{
		Status:      scan.ServiceSuccess,
		Score:       &score,
		Result:      map[string]any{"checks": 14},
		Duration:    250 * time.Millisecond,
		CompletedAt: at,
	}
}

func failedOutcome(code string, at time.Time) scan.Outcome {
	return scan.Outcome{
		Status:      scan.ServiceFailed,
		Error:       &scan.CheckError{Code: code, Message: "check failed"},
		Duration:    100 * time.Millisecond,
		CompletedAt: at,
	}
}

func TestCreateScan(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	sc, err := s.CreateScan(ctx, "https://example.com", scan.StandardServices())
	require.NoError(t, err)
	assert.Equal(t, scan.StatusPending, sc.Status)
	assert.Equal(t, 6, sc.ProgressTotal)
	assert.Equal(t, 0, sc.ProgressCompleted)
	assert.Nil(t, sc.CompletedAt)

	records, err := s.GetScanServices(ctx, sc.ID)
	require.NoError(t, err)
	require.Len(t, records, 6)
	for _, rec := range records {
		assert.Equal(t, scan.ServicePending, rec.Status)
		assert.Equal(t, scan.DefaultMaxRetryAttempts, rec.MaxRetryAttempts)
		assert.Equal(t, 0, rec.RetryAttempts)
	}
}

func TestCreateScanRejectsEmptyAndDuplicateServices(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	_, err := s.CreateScan(ctx, "https://example.com", nil)
	assert.ErrorIs(t, err, scan.ErrNoServices)

	_, err = s.CreateScan(ctx, "https://example.com", []string{"schema", "schema"})
	assert.Error(t, err)
}

func TestGetScanNotFound(t *testing.T) {
	t.Parallel()

	s := New()
	_, err := s.GetScan(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestScanLifecycleAllSuccess(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	sc, err := s.CreateScan(ctx, "https://example.com", []string{"schema", "backlinks"})
	require.NoError(t, err)

	require.NoError(t, s.MarkServiceRunning(ctx, sc.ID, "schema", now))

	updated, err := s.RecordServiceResult(ctx, sc.ID, "schema", successOutcome(now))
	require.NoError(t, err)
	assert.Equal(t, scan.StatusRunning, updated.Status)
	assert.Equal(t, 1, updated.ProgressCompleted)
	assert.Equal(t, 50, updated.ProgressPercentage)
	assert.Nil(t, updated.CompletedAt)

	updated, err = s.RecordServiceResult(ctx, sc.ID, "backlinks", successOutcome(now))
	require.NoError(t, err)
	assert.Equal(t, scan.StatusCompleted, updated.Status)
	assert.Equal(t, 2, updated.ProgressCompleted)
	assert.Equal(t, 100, updated.ProgressPercentage)
	require.NotNil(t, updated.CompletedAt)
}

func TestScanLifecycleMixedIsPartial(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	sc, err := s.CreateScan(ctx, "https://example.com", []string{"schema", "backlinks"})
	require.NoError(t, err)

	_, err = s.RecordServiceResult(ctx, sc.ID, "schema", successOutcome(now))
	require.NoError(t, err)
	updated, err := s.RecordServiceResult(ctx, sc.ID, "backlinks", failedOutcome("timeout", now))
	require.NoError(t, err)

	assert.Equal(t, scan.StatusPartial, updated.Status)

	retryable, err := s.GetRetryableServices(ctx, sc.ID)
	require.NoError(t, err)
	require.Len(t, retryable, 1)
	assert.Equal(t, "backlinks", retryable[0].Service)
}

func TestRecordServiceResultRejectsNonTerminal(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	sc, err := s.CreateScan(ctx, "https://example.com", []string{"schema"})
	require.NoError(t, err)

	_, err = s.RecordServiceResult(ctx, sc.ID, "schema", scan.Outcome{Status: scan.ServiceRunning})
	assert.Error(t, err)
}

func TestMarkServiceRunningStartedAtIsIdempotent(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	sc, err := s.CreateScan(ctx, "https://example.com", []string{"schema"})
	require.NoError(t, err)

	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkServiceRunning(ctx, sc.ID, "schema", first))
	require.NoError(t, s.MarkServiceRunning(ctx, sc.ID, "schema", first.Add(time.Hour)))

	records, err := s.GetScanServices(ctx, sc.ID)
	require.NoError(t, err)
	require.NotNil(t, records[0].StartedAt)
	assert.Equal(t, first, *records[0].StartedAt)
}

func TestRetryFlow(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	sc, err := s.CreateScan(ctx, "https://example.com", []string{"schema", "backlinks"})
	require.NoError(t, err)

	_, err = s.RecordServiceResult(ctx, sc.ID, "schema", successOutcome(now))
	require.NoError(t, err)
	partial, err := s.RecordServiceResult(ctx, sc.ID, "backlinks", failedOutcome("timeout", now))
	require.NoError(t, err)
	require.Equal(t, scan.StatusPartial, partial.Status)
	require.NotNil(t, partial.CompletedAt)
	firstCompletion := *partial.CompletedAt

	reopened, err := s.IncrementRetryAttempt(ctx, sc.ID, "backlinks", 0)
	require.NoError(t, err)
	assert.Equal(t, scan.StatusRunning, reopened.Status)
	assert.Equal(t, 1, reopened.ProgressCompleted)

	records, err := s.GetScanServices(ctx, sc.ID)
	require.NoError(t, err)
	for _, rec := range records {
		if rec.Service == "backlinks" {
			assert.Equal(t, scan.ServicePending, rec.Status)
			assert.Equal(t, 1, rec.RetryAttempts)
			assert.Nil(t, rec.Error)
			assert.Nil(t, rec.StartedAt)
			assert.Nil(t, rec.CompletedAt)
		}
	}

	final, err := s.RecordServiceResult(ctx, sc.ID, "backlinks", successOutcome(now.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, scan.StatusCompleted, final.Status)
	require.NotNil(t, final.CompletedAt)
	// completed_at reflects the first terminal transition only.
	assert.Equal(t, firstCompletion, *final.CompletedAt)
}

func TestIncrementRetryAttemptEligibility(t *testing.T) {
	t.Parallel()

	s := NewWithRetryBudget(1)
	ctx := context.Background()
	now := time.Now().UTC()

	sc, err := s.CreateScan(ctx, "https://example.com", []string{"schema"})
	require.NoError(t, err)

	// Not failed yet.
	_, err = s.IncrementRetryAttempt(ctx, sc.ID, "schema", 0)
	assert.ErrorIs(t, err, scan.ErrRetryNotEligible)

	_, err = s.RecordServiceResult(ctx, sc.ID, "schema", failedOutcome("timeout", now))
	require.NoError(t, err)

	// Stale observed attempts lose the race.
	_, err = s.IncrementRetryAttempt(ctx, sc.ID, "schema", 1)
	assert.ErrorIs(t, err, scan.ErrRetryNotEligible)

	_, err = s.IncrementRetryAttempt(ctx, sc.ID, "schema", 0)
	require.NoError(t, err)

	_, err = s.RecordServiceResult(ctx, sc.ID, "schema", failedOutcome("timeout", now))
	require.NoError(t, err)

	// Budget of one is spent.
	_, err = s.IncrementRetryAttempt(ctx, sc.ID, "schema", 1)
	assert.ErrorIs(t, err, scan.ErrRetryNotEligible)
}

func TestCacheFirstWriterWins(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	first := store.CacheEntry{Key: "k", ScanID: uuid.New(), ExpiresAt: now.Add(time.Hour)}
	second := store.CacheEntry{Key: "k", ScanID: uuid.New(), ExpiresAt: now.Add(2 * time.Hour)}

	require.NoError(t, s.SetCacheEntry(ctx, first))
	require.NoError(t, s.SetCacheEntry(ctx, second))

	got, err := s.GetCacheEntry(ctx, "k", now)
	require.NoError(t, err)
	assert.Equal(t, first.ScanID, got.ScanID)
}

func TestCacheExpiryIsMiss(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	entry := store.CacheEntry{Key: "k", ScanID: uuid.New(), ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, s.SetCacheEntry(ctx, entry))

	_, err := s.GetCacheEntry(ctx, "k", now.Add(2*time.Hour))
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetCacheEntry(ctx, "missing", now)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCleanupExpiredCache(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.SetCacheEntry(ctx, store.CacheEntry{Key: "live", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, s.SetCacheEntry(ctx, store.CacheEntry{Key: "stale", ExpiresAt: now.Add(-time.Hour)}))

	removed, err := s.CleanupExpiredCache(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = s.GetCacheEntry(ctx, "live", now)
	assert.NoError(t, err)
}

func TestScanHistoryNewestFirst(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	first, err := s.CreateScan(ctx, "https://a.example.com", []string{"schema"})
	require.NoError(t, err)
	second, err := s.CreateScan(ctx, "https://b.example.com", []string{"schema"})
	require.NoError(t, err)

	history, err := s.ScanHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].ID)
	assert.Equal(t, first.ID, history[1].ID)

	limited, err := s.ScanHistory(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, second.ID, limited[0].ID)
}

func TestMetricsAggregation(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	scanID := uuid.New()

	require.NoError(t, s.InsertScanMetric(ctx, store.ScanMetric{
		ScanID: scanID, Status: scan.StatusCompleted, TotalTimeMS: 400, RecordedAt: now,
	}))
	require.NoError(t, s.InsertScanMetric(ctx, store.ScanMetric{
		ScanID: scanID, Status: scan.StatusPartial, CacheHit: true, TotalTimeMS: 200, RecordedAt: now,
	}))
	require.NoError(t, s.InsertScanMetric(ctx, store.ScanMetric{
		ScanID: scanID, Status: scan.StatusFailed, RecordedAt: now.Add(-48 * time.Hour),
	}))

	stats, err := s.MetricsStats(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Scans)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.Partial)
	assert.Equal(t, int64(0), stats.Failed)
	assert.InDelta(t, 300.0, stats.AvgTotalMS, 0.001)

	require.NoError(t, s.InsertServiceMetric(ctx, store.ServiceMetric{
		ScanID: scanID, Service: "schema", Status: scan.ServiceSuccess,
		ExecutionTimeMS: 100, RecordedAt: now,
	}))
	require.NoError(t, s.InsertServiceMetric(ctx, store.ServiceMetric{
		ScanID: scanID, Service: "schema", Status: scan.ServiceFailed,
		ExecutionTimeMS: 300, RetryAttempts: 2,
		ErrorCode: "timeout", ErrorMessage: "deadline exceeded", RecordedAt: now,
	}))

	perf, err := s.ServicePerformance(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, perf, 1)
	assert.Equal(t, "schema", perf[0].Service)
	assert.Equal(t, int64(2), perf[0].Runs)
	assert.Equal(t, int64(1), perf[0].Failures)
	assert.InDelta(t, 200.0, perf[0].AvgExecutionMS, 0.001)
	assert.InDelta(t, 1.0, perf[0].AvgRetries, 0.001)

	errs, err := s.ErrorAnalysis(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "timeout", errs[0].Code)
	assert.Equal(t, int64(1), errs[0].Count)
}
