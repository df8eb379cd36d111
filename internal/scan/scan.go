// Package scan holds the domain model for website audit scans: the scan and
// per-service record types, status enums, progress aggregation, and cache key
// derivation. It must not import database drivers or concrete clients.
package scan

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the scan-level lifecycle status.
type Status string

// Scan statuses persisted in scans.status.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the scan status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusPartial || s == StatusFailed
}

// ServiceStatus is the per-service record status.
type ServiceStatus string

// Service statuses persisted in scan_services.status.
const (
	ServicePending ServiceStatus = "pending"
	ServiceRunning ServiceStatus = "running"
	ServiceSuccess ServiceStatus = "success"
	ServiceFailed  ServiceStatus = "failed"
)

// Terminal reports whether the service status is final.
func (s ServiceStatus) Terminal() bool {
	return s == ServiceSuccess || s == ServiceFailed
}

// The standard audit services. A scan enables a subset of these; the default
// is all six.
const (
	ServiceAccessibility    = "accessibility"
	ServiceDuplicateContent = "duplicate_content"
	ServiceBacklinks        = "backlinks"
	ServiceSchema           = "schema"
	ServiceMultiLanguage    = "multilang"
	ServiceRankTracking     = "rank_tracking"
)

// StandardServices returns the full default service set, in a fixed order.
func StandardServices() []string {
	return []string{
		ServiceAccessibility,
		ServiceDuplicateContent,
		ServiceBacklinks,
		ServiceSchema,
		ServiceMultiLanguage,
		ServiceRankTracking,
	}
}

// DefaultMaxRetryAttempts is the per-service retry budget beyond the first
// execution.
const DefaultMaxRetryAttempts = 2

var (
	// ErrNoServices signals a scan request with an empty service set.
	ErrNoServices = errors.New("scan requires at least one service")
	// ErrUnknownService signals a service name outside the registered set.
	ErrUnknownService = errors.New("unknown service")
	// ErrRetryNotEligible signals a retry of a service that is not failed or
	// has exhausted its retry budget.
	ErrRetryNotEligible = errors.New("service is not eligible for retry")
)

// Scan is one audit run against a target URL.
type Scan struct {
	ID                 uuid.UUID  `json:"id"`
	URL                string     `json:"url"`
	Status             Status     `json:"status"`
	StartedAt          time.Time  `json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	ProgressCompleted  int        `json:"progress_completed"`
	ProgressTotal      int        `json:"progress_total"`
	ProgressPercentage int        `json:"progress_percentage"`
}

// Issue is a single finding reported by an audit service.
type Issue struct {
	Code     string `json:"code"`
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message"`
}

// CheckError is the structured failure detail recorded for a failed service.
type CheckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServiceRecord tracks one audit service's state within a scan. Unique per
// (scan id, service name).
type ServiceRecord struct {
	ScanID           uuid.UUID      `json:"scan_id"`
	Service          string         `json:"service_name"`
	Status           ServiceStatus  `json:"status"`
	Score            *int           `json:"score,omitempty"`
	Result           map[string]any `json:"result,omitempty"`
	Issues           []Issue        `json:"issues,omitempty"`
	Error            *CheckError    `json:"error,omitempty"`
	ExecutionTimeMS  int64          `json:"execution_time_ms"`
	RetryAttempts    int            `json:"retry_attempts"`
	MaxRetryAttempts int            `json:"max_retry_attempts"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// Retryable reports whether the record is eligible for another execution:
// failed, with budget remaining.
func (r ServiceRecord) Retryable() bool {
	return r.Status == ServiceFailed && r.RetryAttempts < r.MaxRetryAttempts
}

// Outcome is the terminal result of one service execution, recorded against
// the service record. Status must be success or failed.
type Outcome struct {
	Status      ServiceStatus
	Score       *int
	Result      map[string]any
	Issues      []Issue
	Error       *CheckError
	Duration    time.Duration
	CompletedAt time.Time
}
