package history

import "time"

// Entry is one persisted usage snapshot.
type Entry struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	AccountID   string    `gorm:"index" json:"account_id"`
	AccountName string    `json:"account_name"`
	ProviderID  string    `gorm:"index" json:"provider_id"`
	CapturedAt  time.Time `gorm:"index" json:"captured_at"`
	Samples     []Sample  `gorm:"foreignKey:EntryID;constraint:OnDelete:CASCADE" json:"samples"`
}

func (Entry) TableName() string { return "history_entries" }

// Sample is one limit's utilization within an entry.
type Sample struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	EntryID     string    `gorm:"index" json:"-"`
	LimitID     string    `gorm:"index" json:"limit_id"`
	Label       string    `json:"label"`
	Utilization float64   `json:"utilization"`
	ResetsAt    time.Time `json:"resets_at"`
}

func (Sample) TableName() string { return "history_samples" }

// Query filters and pages history reads. Zero-value fields are ignored;
// Limit defaults to 1000.
type Query struct {
	ProviderID string
	AccountID  string
	Start      *time.Time
	End        *time.Time
	Limit      int
	Offset     int
}

// Stats aggregates one limit's utilization over a period.
type Stats struct {
	ProviderID     string    `json:"provider_id"`
	LimitID        string    `json:"limit_id"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	AvgUtilization float64   `json:"avg_utilization"`
	MaxUtilization float64   `json:"max_utilization"`
	MinUtilization float64   `json:"min_utilization"`
	SampleCount    int64     `json:"sample_count"`
}
