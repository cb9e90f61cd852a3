package scheduler

import (
	"log/slog"
	"sync"

	"github.com/pulsewatch-app/pulsewatch/internal/bus"
	"github.com/pulsewatch-app/pulsewatch/internal/metrics"
	"github.com/pulsewatch-app/pulsewatch/internal/provider"
)

// SessionHealth classifies an account's recent fetch outcomes.
type SessionHealth string

const (
	SessionHealthy  SessionHealth = "healthy"
	SessionDegraded SessionHealth = "degraded"
	SessionPaused   SessionHealth = "paused"
)

// SessionState is the per-account health snapshot exposed to consumers.
// Invariant: Paused == (ConsecutiveErrors >= pause threshold).
type SessionState struct {
	AccountID         string             `json:"account_id"`
	Health            SessionHealth      `json:"health"`
	ConsecutiveErrors int                `json:"consecutive_errors"`
	Paused            bool               `json:"paused"`
	LastErrorKind     provider.ErrorKind `json:"last_error_kind,omitempty"`
}

// SessionTracker is the per-account error-count/pause state machine.
// RateLimited and Blocked errors are provider-side transients and never
// advance the counter; any success resets to Healthy, even from Paused.
type SessionTracker struct {
	mu             sync.Mutex
	pauseThreshold int
	states         map[string]*SessionState
	bus            *bus.Bus
	log            *slog.Logger
}

func NewSessionTracker(pauseThreshold int, b *bus.Bus, log *slog.Logger) *SessionTracker {
	return &SessionTracker{
		pauseThreshold: pauseThreshold,
		states:         make(map[string]*SessionState),
		bus:            b,
		log:            log,
	}
}

// RecordSuccess resets the account to Healthy.
func (t *SessionTracker) RecordSuccess(accountID string) SessionState {
	t.mu.Lock()
	st := t.state(accountID)
	wasPaused := st.Paused
	st.Health = SessionHealthy
	st.ConsecutiveErrors = 0
	st.Paused = false
	st.LastErrorKind = ""
	out := *st
	t.mu.Unlock()

	if wasPaused {
		t.log.Info("account resumed after successful fetch", "account", accountID)
	}
	t.publish(out)
	return out
}

// RecordError applies a classified failure and returns the new state.
func (t *SessionTracker) RecordError(accountID string, kind provider.ErrorKind) SessionState {
	t.mu.Lock()
	st := t.state(accountID)
	st.LastErrorKind = kind
	if !kind.Transient() {
		st.ConsecutiveErrors++
		switch {
		case st.ConsecutiveErrors >= t.pauseThreshold:
			st.Health = SessionPaused
			st.Paused = true
		default:
			st.Health = SessionDegraded
		}
	}
	out := *st
	t.mu.Unlock()

	if out.Paused {
		t.log.Warn("account paused after repeated errors",
			"account", accountID, "errors", out.ConsecutiveErrors, "kind", kind)
	}
	t.publish(out)
	return out
}

// Resume forces the account back to Healthy (new credentials saved or an
// explicit resume command).
func (t *SessionTracker) Resume(accountID string) SessionState {
	t.mu.Lock()
	st := t.state(accountID)
	st.Health = SessionHealthy
	st.ConsecutiveErrors = 0
	st.Paused = false
	st.LastErrorKind = ""
	out := *st
	t.mu.Unlock()

	t.log.Info("account resumed", "account", accountID)
	t.publish(out)
	return out
}

// State returns the current state, creating a Healthy entry for unknown
// ids.
func (t *SessionTracker) State(accountID string) SessionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.state(accountID)
}

// Paused reports whether the account is currently paused.
func (t *SessionTracker) Paused(accountID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state(accountID).Paused
}

// Forget drops all state for an account (cascade on delete). No event is
// published for an id that no longer exists.
func (t *SessionTracker) Forget(accountID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, accountID)
	t.updatePausedGaugeLocked()
}

func (t *SessionTracker) state(accountID string) *SessionState {
	st, ok := t.states[accountID]
	if !ok {
		st = &SessionState{AccountID: accountID, Health: SessionHealthy}
		t.states[accountID] = st
	}
	return st
}

func (t *SessionTracker) publish(st SessionState) {
	t.mu.Lock()
	t.updatePausedGaugeLocked()
	t.mu.Unlock()

	t.bus.Publish(bus.TopicSessionStatus, bus.SessionStatus{
		AccountID:  st.AccountID,
		Valid:      !st.Paused && st.ConsecutiveErrors == 0,
		ErrorCount: st.ConsecutiveErrors,
		Paused:     st.Paused,
	})
}

func (t *SessionTracker) updatePausedGaugeLocked() {
	paused := 0
	for _, st := range t.states {
		if st.Paused {
			paused++
		}
	}
	metrics.AccountsPaused.Set(float64(paused))
}
