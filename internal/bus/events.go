package bus

import (
	"time"

	"github.com/pulsewatch-app/pulsewatch/internal/provider"
)

// Topic names. Consumers subscribe by topic; payload types are fixed per
// topic.
const (
	TopicUsageUpdate     = "usage-update"
	TopicSessionStatus   = "session-status"
	TopicSchedulerStatus = "scheduler-status"
	TopicUsageReset      = "usage-reset"
	TopicSystemWake      = "system-wake"
)

// UsageUpdate is published after every fetch attempt, successful or not.
// Data is nil when Error is set.
type UsageUpdate struct {
	AccountID  string                  `json:"account_id"`
	ProviderID string                  `json:"provider_id"`
	Data       *provider.UsageSnapshot `json:"data,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

// SessionStatus is published on every session health transition.
type SessionStatus struct {
	AccountID  string `json:"account_id"`
	Valid      bool   `json:"valid"`
	ErrorCount int    `json:"error_count"`
	Paused     bool   `json:"paused"`
}

// SchedulerStatus is published when the scheduler starts, stops, or changes
// interval.
type SchedulerStatus struct {
	Running      bool  `json:"running"`
	IntervalSecs int64 `json:"interval_secs"`
}

// UsageReset is published when a limit's utilization drops enough to count
// as a quota reset.
type UsageReset struct {
	AccountID string `json:"account_id"`
	LimitID   string `json:"limit_id"`
}

// SystemWake is published when the scheduler detects the host resumed from
// sleep.
type SystemWake struct {
	Gap time.Duration `json:"gap"`
}
