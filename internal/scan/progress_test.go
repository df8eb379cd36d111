package scan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func rec(status ServiceStatus) ServiceRecord {
	return ServiceRecord{Status: status}
}

func TestAggregate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		current Status
		records []ServiceRecord
		want    Progress
	}{
		{
			name:    "no records is failed",
			current: StatusPending,
			records: nil,
			want:    Progress{Status: StatusFailed},
		},
		{
			name:    "all pending stays pending",
			current: StatusPending,
			records: []ServiceRecord{rec(ServicePending), rec(ServicePending)},
			want:    Progress{Completed: 0, Total: 2, Percentage: 0, Status: StatusPending},
		},
		{
			name:    "running records keep current status",
			current: StatusRunning,
			records: []ServiceRecord{rec(ServiceRunning), rec(ServicePending)},
			want:    Progress{Completed: 0, Total: 2, Percentage: 0, Status: StatusRunning},
		},
		{
			name:    "first terminal record moves to running",
			current: StatusPending,
			records: []ServiceRecord{rec(ServiceSuccess), rec(ServicePending), rec(ServicePending)},
			want:    Progress{Completed: 1, Total: 3, Percentage: 33, Status: StatusRunning},
		},
		{
			name:    "percentage floors",
			current: StatusRunning,
			records: []ServiceRecord{
				rec(ServiceSuccess), rec(ServiceFailed),
				rec(ServicePending), rec(ServicePending),
				rec(ServicePending), rec(ServicePending),
			},
			want: Progress{Completed: 2, Total: 6, Percentage: 33, Status: StatusRunning},
		},
		{
			name:    "all success completes",
			current: StatusRunning,
			records: []ServiceRecord{rec(ServiceSuccess), rec(ServiceSuccess)},
			want:    Progress{Completed: 2, Total: 2, Percentage: 100, Status: StatusCompleted},
		},
		{
			name:    "mixed outcomes are partial",
			current: StatusRunning,
			records: []ServiceRecord{rec(ServiceSuccess), rec(ServiceFailed), rec(ServiceFailed)},
			want:    Progress{Completed: 3, Total: 3, Percentage: 100, Status: StatusPartial},
		},
		{
			name:    "all failed is failed",
			current: StatusRunning,
			records: []ServiceRecord{rec(ServiceFailed), rec(ServiceFailed)},
			want:    Progress{Completed: 2, Total: 2, Percentage: 100, Status: StatusFailed},
		},
		{
			name:    "retry reopens terminal mapping",
			current: StatusPartial,
			records: []ServiceRecord{rec(ServiceSuccess), rec(ServiceRunning)},
			want:    Progress{Completed: 1, Total: 2, Percentage: 50, Status: StatusRunning},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Aggregate(tt.current, tt.records))
		})
	}
}

func TestAggregateIsOrderIndependent(t *testing.T) {
	t.Parallel()

	forward := []ServiceRecord{rec(ServiceSuccess), rec(ServiceFailed), rec(ServicePending)}
	reverse := []ServiceRecord{rec(ServicePending), rec(ServiceFailed), rec(ServiceSuccess)}

	assert.Equal(t, Aggregate(StatusRunning, forward), Aggregate(StatusRunning, reverse))
}

func TestServiceRecordRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rec  ServiceRecord
		want bool
	}{
		{"failed with budget", ServiceRecord{Status: ServiceFailed, RetryAttempts: 0, MaxRetryAttempts: 2}, true},
		{"failed at last attempt", ServiceRecord{Status: ServiceFailed, RetryAttempts: 1, MaxRetryAttempts: 2}, true},
		{"budget exhausted", ServiceRecord{Status: ServiceFailed, RetryAttempts: 2, MaxRetryAttempts: 2}, false},
		{"success never retryable", ServiceRecord{Status: ServiceSuccess, RetryAttempts: 0, MaxRetryAttempts: 2}, false},
		{"pending never retryable", ServiceRecord{Status: ServicePending, RetryAttempts: 0, MaxRetryAttempts: 2}, false},
		{"running never retryable", ServiceRecord{Status: ServiceRunning, RetryAttempts: 0, MaxRetryAttempts: 2}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.rec.Retryable())
		})
	}
}
