// Package orchestrator implements the scan lifecycle engine: cache consult,
// transactional scan creation, concurrent fan-out of the enabled checks,
// result recording, retry handling, and finalization.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/seolens/scan-engine/internal/executor"
	"github.com/seolens/scan-engine/internal/metrics"
	"github.com/seolens/scan-engine/internal/scan"
	"github.com/seolens/scan-engine/internal/store"
)

// ErrQuotaExceeded wraps a Gate denial so callers can map it to a 429.
var ErrQuotaExceeded = errors.New("scan quota exceeded")

// Gate is the plan/quota enforcement hook consulted before a scan is
// created. Policy lives outside the engine; denials surface to the caller
// wrapped in ErrQuotaExceeded.
type Gate interface {
	Allow(ctx context.Context, userType string) error
}

// AllowAll is the default Gate: every request passes.
type AllowAll struct{}

// Allow always permits the request.
func (AllowAll) Allow(context.Context, string) error { return nil }

// Config controls orchestration behavior.
type Config struct {
	// CacheTTL bounds cached scan reuse (default 24h).
	CacheTTL time.Duration
	// ServiceTimeout is the per-check execution budget (default 30s).
	ServiceTimeout time.Duration
	// MaxConcurrent limits parallel checks per scan (default 6).
	MaxConcurrent int
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 24 * time.Hour
	}
	if c.ServiceTimeout <= 0 {
		c.ServiceTimeout = 30 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 6
	}
	return c
}

// Orchestrator drives scans through pending -> running -> terminal, holding
// no authoritative state of its own; the Store owns all persisted state.
type Orchestrator struct {
	store    store.Store
	registry *executor.Registry
	gate     Gate
	metrics  *metrics.Metrics
	logger   *zap.Logger
	cfg      Config

	wg sync.WaitGroup
}

// New constructs an Orchestrator. gate may be nil (allow all), metrics may
// be nil (no instrumentation), logger may be nil (no-op).
func New(
	st store.Store,
	registry *executor.Registry,
	gate Gate,
	m *metrics.Metrics,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if gate == nil {
		gate = AllowAll{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:    st,
		registry: registry,
		gate:     gate,
		metrics:  m,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// StartRequest describes one scan request.
type StartRequest struct {
	URL string
	// Services restricts the enabled checks; empty means every registered
	// service.
	Services []string
	// UserType is the caller's plan classification, recorded in metrics and
	// passed to the quota gate.
	UserType string
}

// StartResult is the immediate answer to a scan request. When CacheHit is
// set, Scan is a previously completed scan and no new row was created.
type StartResult struct {
	Scan     scan.Scan `json:"scan"`
	CacheHit bool      `json:"cache_hit"`
}

// StartScan consults the cache and either returns the cached scan or creates
// a new one and dispatches its checks asynchronously. It returns as soon as
// the scan row exists; completion is observed by polling the store.
func (o *Orchestrator) StartScan(ctx context.Context, req StartRequest) (StartResult, error) {
	target, err := scan.NormalizeURL(req.URL)
	if err != nil {
		return StartResult{}, fmt.Errorf("invalid target url: %w", err)
	}
	services, err := o.resolveServices(req.Services)
	if err != nil {
		return StartResult{}, err
	}

	if err := o.gate.Allow(ctx, req.UserType); err != nil {
		return StartResult{}, fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}

	key, err := scan.Fingerprint(target, services)
	if err != nil {
		return StartResult{}, err
	}

	if cached, ok := o.lookupCache(ctx, key, target, req.UserType); ok {
		return StartResult{Scan: cached, CacheHit: true}, nil
	}

	sc, err := o.store.CreateScan(ctx, target, services)
	if err != nil {
		return StartResult{}, fmt.Errorf("create scan: %w", err)
	}
	o.logger.Info("scan created",
		zap.String("scan_id", sc.ID.String()),
		zap.String("url", target),
		zap.Int("services", len(services)),
	)

	o.dispatch(ctx, sc, services, req.UserType, key, true)
	return StartResult{Scan: sc}, nil
}

// Retry resets one failed service and re-dispatches it. Eligibility is
// re-checked atomically inside the store, so concurrent retries of the same
// record increment the budget at most once. The scan may reopen from
// failed/partial back to running.
func (o *Orchestrator) Retry(ctx context.Context, scanID uuid.UUID, service string) (scan.Scan, error) {
	records, err := o.store.GetScanServices(ctx, scanID)
	if err != nil {
		return scan.Scan{}, fmt.Errorf("load scan services: %w", err)
	}
	var rec *scan.ServiceRecord
	enabled := make([]string, 0, len(records))
	for i := range records {
		enabled = append(enabled, records[i].Service)
		if records[i].Service == service {
			rec = &records[i]
		}
	}
	if rec == nil {
		return scan.Scan{}, store.ErrNotFound
	}
	if !rec.Retryable() {
		return scan.Scan{}, scan.ErrRetryNotEligible
	}

	sc, err := o.store.IncrementRetryAttempt(ctx, scanID, service, rec.RetryAttempts)
	if err != nil {
		return scan.Scan{}, err
	}
	o.metrics.ObserveServiceRetry(service)
	o.logger.Info("service retry dispatched",
		zap.String("scan_id", scanID.String()),
		zap.String("service", service),
		zap.Int("attempt", rec.RetryAttempts+1),
	)

	// The cached entry, if any, references a scan that is no longer
	// terminal; drop it so lookups re-run fresh.
	key, keyErr := scan.Fingerprint(sc.URL, enabled)
	if keyErr == nil {
		if err := o.store.RemoveCacheEntry(ctx, key); err != nil {
			o.logger.Warn("cache invalidation failed", zap.Error(err))
		}
	}

	o.dispatch(ctx, sc, []string{service}, "", key, false)
	return sc, nil
}

// Close waits for in-flight scan executions to settle, bounded by ctx.
func (o *Orchestrator) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator close wait: %w", ctx.Err())
	}
}

func (o *Orchestrator) resolveServices(requested []string) ([]string, error) {
	if len(requested) == 0 {
		names := o.registry.Names()
		if len(names) == 0 {
			return nil, scan.ErrNoServices
		}
		return names, nil
	}
	seen := make(map[string]struct{}, len(requested))
	services := make([]string, 0, len(requested))
	for _, name := range requested {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if !o.registry.Has(name) {
			return nil, fmt.Errorf("%w: %s", scan.ErrUnknownService, name)
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		services = append(services, name)
	}
	if len(services) == 0 {
		return nil, scan.ErrNoServices
	}
	return services, nil
}

// lookupCache returns the cached scan for key if a live entry exists and the
// referenced scan is still present. A dangling entry is treated as a miss.
func (o *Orchestrator) lookupCache(ctx context.Context, key, target, userType string) (scan.Scan, bool) {
	entry, err := o.store.GetCacheEntry(ctx, key, time.Now())
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("cache lookup failed", zap.Error(err))
		}
		o.metrics.ObserveCacheLookup(false)
		return scan.Scan{}, false
	}
	sc, err := o.store.GetScan(ctx, entry.ScanID)
	if err != nil {
		o.metrics.ObserveCacheLookup(false)
		return scan.Scan{}, false
	}
	o.metrics.ObserveCacheLookup(true)
	o.recordScanMetric(ctx, sc, userType, true)
	o.logger.Info("cache hit",
		zap.String("scan_id", sc.ID.String()),
		zap.String("url", target),
	)
	return sc, true
}

// dispatch launches the checks in the background; the caller's context may
// end long before the checks do. initial distinguishes a freshly created
// scan from a retry re-execution.
func (o *Orchestrator) dispatch(ctx context.Context, sc scan.Scan, services []string, userType, cacheKey string, initial bool) {
	runCtx := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(runCtx, sc, services, userType, cacheKey, initial)
	}()
}

// execute fans the services out with bounded concurrency, waits for all of
// them, and finalizes if the scan is terminal afterwards. Individual check
// failures are recorded, never propagated.
func (o *Orchestrator) execute(ctx context.Context, sc scan.Scan, services []string, userType, cacheKey string, initial bool) {
	if initial {
		o.metrics.ObserveScanStarted()
	}
	o.metrics.ObserveExecutionStarted()
	defer o.metrics.ObserveExecutionSettled()

	var g errgroup.Group
	g.SetLimit(o.cfg.MaxConcurrent)
	for _, name := range services {
		g.Go(func() error {
			o.runService(ctx, sc, name)
			return nil
		})
	}
	_ = g.Wait() // workers record failures instead of returning them

	o.finalize(ctx, sc.ID, services, userType, cacheKey, initial)
}

// runService executes one check and records its terminal outcome. Executor
// errors and panics become failed records with structured error detail.
func (o *Orchestrator) runService(ctx context.Context, sc scan.Scan, name string) {
	if err := o.store.MarkServiceRunning(ctx, sc.ID, name, time.Now()); err != nil {
		o.logger.Error("mark service running failed",
			zap.String("scan_id", sc.ID.String()),
			zap.String("service", name),
			zap.Error(err),
		)
	}

	outcome := o.runCheck(ctx, sc.URL, name)

	if _, err := o.store.RecordServiceResult(ctx, sc.ID, name, outcome); err != nil {
		o.logger.Error("record service result failed",
			zap.String("scan_id", sc.ID.String()),
			zap.String("service", name),
			zap.Error(err),
		)
		return
	}
	o.metrics.ObserveServiceRun(name, string(outcome.Status), outcome.Duration)
}

func (o *Orchestrator) runCheck(ctx context.Context, target, name string) scan.Outcome {
	exec, err := o.registry.Get(name)
	if err != nil {
		return scan.Outcome{
			Status:      scan.ServiceFailed,
			Error:       &scan.CheckError{Code: "no_executor", Message: err.Error()},
			CompletedAt: time.Now(),
		}
	}

	checkCtx, cancel := context.WithTimeout(ctx, o.cfg.ServiceTimeout)
	defer cancel()

	start := time.Now()
	res, err := executor.Run(checkCtx, exec, target)
	elapsed := time.Since(start)

	if err != nil {
		f := executor.AsFailure(err)
		return scan.Outcome{
			Status:      scan.ServiceFailed,
			Error:       &scan.CheckError{Code: f.Code, Message: f.Message},
			Duration:    elapsed,
			CompletedAt: time.Now(),
		}
	}

	score := res.Score
	return scan.Outcome{
		Status:      scan.ServiceSuccess,
		Score:       &score,
		Result:      res.Data,
		Issues:      res.Issues,
		Duration:    elapsed,
		CompletedAt: time.Now(),
	}
}

// finalize records metrics and writes the cache entry once the scan is
// terminal. Everything here is best-effort: a metrics or cache failure is
// logged and never alters the scan's recorded state.
func (o *Orchestrator) finalize(ctx context.Context, scanID uuid.UUID, dispatched []string, userType, cacheKey string, initial bool) {
	sc, err := o.store.GetScan(ctx, scanID)
	if err != nil {
		o.logger.Error("finalize load scan failed",
			zap.String("scan_id", scanID.String()), zap.Error(err))
		return
	}
	if !sc.Status.Terminal() {
		// A concurrent retry reopened the scan; its own execution will
		// finalize when it settles.
		return
	}

	elapsed := time.Duration(0)
	if sc.CompletedAt != nil {
		elapsed = sc.CompletedAt.Sub(sc.StartedAt)
	}
	o.metrics.ObserveScanFinished(string(sc.Status), elapsed)

	// The scan-level metric row is written once, when the scan first
	// settles; a retry re-execution only adds rows for the checks it ran.
	if initial {
		o.recordScanMetric(ctx, sc, userType, false)
	}
	o.recordServiceMetrics(ctx, sc, dispatched)

	if cacheKey != "" && (sc.Status == scan.StatusCompleted || sc.Status == scan.StatusPartial) {
		entry := store.CacheEntry{
			Key:       cacheKey,
			ScanID:    sc.ID,
			ExpiresAt: time.Now().Add(o.cfg.CacheTTL),
		}
		if err := o.store.SetCacheEntry(ctx, entry); err != nil {
			o.logger.Warn("cache write failed",
				zap.String("scan_id", sc.ID.String()), zap.Error(err))
		}
	}

	o.logger.Info("scan finalized",
		zap.String("scan_id", sc.ID.String()),
		zap.String("status", string(sc.Status)),
		zap.Int("progress_percentage", sc.ProgressPercentage),
	)
}

func (o *Orchestrator) recordScanMetric(ctx context.Context, sc scan.Scan, userType string, cacheHit bool) {
	var totalMS int64
	if sc.CompletedAt != nil {
		totalMS = sc.CompletedAt.Sub(sc.StartedAt).Milliseconds()
	}
	failed := 0
	if records, err := o.store.GetScanServices(ctx, sc.ID); err == nil {
		for _, rec := range records {
			if rec.Status == scan.ServiceFailed {
				failed++
			}
		}
	}
	m := store.ScanMetric{
		ScanID:           sc.ID,
		UserType:         userType,
		URL:              sc.URL,
		Status:           sc.Status,
		CacheHit:         cacheHit,
		TotalTimeMS:      totalMS,
		ServicesExecuted: sc.ProgressCompleted,
		ServicesFailed:   failed,
		RecordedAt:       time.Now(),
	}
	if err := o.store.InsertScanMetric(ctx, m); err != nil {
		o.logger.Warn("scan metric insert failed",
			zap.String("scan_id", sc.ID.String()), zap.Error(err))
	}
}

// recordServiceMetrics inserts one metric row per service executed in this
// run. dispatched limits the rows to the checks this execution actually ran,
// so a retry does not re-count the scan's untouched services.
func (o *Orchestrator) recordServiceMetrics(ctx context.Context, sc scan.Scan, dispatched []string) {
	records, err := o.store.GetScanServices(ctx, sc.ID)
	if err != nil {
		o.logger.Warn("service metrics load failed",
			zap.String("scan_id", sc.ID.String()), zap.Error(err))
		return
	}
	executed := make(map[string]struct{}, len(dispatched))
	for _, name := range dispatched {
		executed[name] = struct{}{}
	}
	now := time.Now()
	for _, rec := range records {
		if _, ok := executed[rec.Service]; !ok {
			continue
		}
		m := store.ServiceMetric{
			ScanID:          sc.ID,
			Service:         rec.Service,
			Status:          rec.Status,
			ExecutionTimeMS: rec.ExecutionTimeMS,
			RetryAttempts:   rec.RetryAttempts,
			RecordedAt:      now,
		}
		if rec.Error != nil {
			m.ErrorCode = rec.Error.Code
			m.ErrorMessage = rec.Error.Message
		}
		if err := o.store.InsertServiceMetric(ctx, m); err != nil {
			o.logger.Warn("service metric insert failed",
				zap.String("scan_id", sc.ID.String()),
				zap.String("service", rec.Service),
				zap.Error(err),
			)
		}
	}
}
