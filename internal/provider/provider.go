// Package provider defines the capability interface a quota provider must
// implement and the usage types every other component consumes.
package provider

import (
	"context"
	"time"
)

// Credentials holds whatever secrets a provider needs. Fields not used by a
// given provider stay empty.
type Credentials struct {
	OrgID      string `json:"org_id,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
}

// UsageSnapshot is one successful fetch result. Immutable once produced.
type UsageSnapshot struct {
	AccountID   string       `json:"account_id"`
	AccountName string       `json:"account_name"`
	ProviderID  string       `json:"provider_id"`
	CapturedAt  time.Time    `json:"captured_at"`
	Limits      []UsageLimit `json:"limits"`
}

// UsageLimit is one quota window within a snapshot. Utilization is a
// percentage in [0, 100].
type UsageLimit struct {
	ID          string    `json:"id"`
	Label       string    `json:"label"`
	Utilization float64   `json:"utilization"`
	ResetsAt    time.Time `json:"resets_at"`
}

// MaxUtilization returns the worst-case utilization across all limits.
func (s *UsageSnapshot) MaxUtilization() float64 {
	max := 0.0
	for _, l := range s.Limits {
		if l.Utilization > max {
			max = l.Utilization
		}
	}
	return max
}

// Limit returns the limit with the given id, or nil.
func (s *UsageSnapshot) Limit(id string) *UsageLimit {
	for i := range s.Limits {
		if s.Limits[i].ID == id {
			return &s.Limits[i]
		}
	}
	return nil
}

// Provider fetches usage for one upstream service. Implementations must be
// safe for concurrent use.
type Provider interface {
	// ID is the stable provider identifier accounts reference.
	ID() string

	// Name is the human-readable provider name.
	Name() string

	// FetchUsage retrieves the current usage snapshot. Errors should be
	// *Error values so callers can classify them.
	FetchUsage(ctx context.Context, creds Credentials) (*UsageSnapshot, error)

	// ValidateCredentials reports whether the credentials carry the fields
	// this provider requires. It does not call the network.
	ValidateCredentials(creds Credentials) bool
}
