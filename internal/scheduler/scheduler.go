// Package scheduler drives periodic usage polling across all accounts. It
// owns the per-account due times, session health, rate limiting, and the
// adaptive interval policy.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pulsewatch-app/pulsewatch/internal/account"
	"github.com/pulsewatch-app/pulsewatch/internal/bus"
	"github.com/pulsewatch-app/pulsewatch/internal/history"
	"github.com/pulsewatch-app/pulsewatch/internal/metrics"
	"github.com/pulsewatch-app/pulsewatch/internal/provider"
)

const (
	ModeFixed    = "fixed"
	ModeAdaptive = "adaptive"

	// wakeGapThreshold is the tick gap beyond which we assume the host
	// slept and force every account due.
	wakeGapThreshold = 30 * time.Second
)

// RateLimitedError is returned by ForceRefresh when the global scope has
// no token available. Callers can surface RetryAfter to clients.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("refresh rate limited, retry in %s", e.RetryAfter.Round(time.Millisecond))
}

// Observer receives every successful snapshot, in fetch order per account.
// Implementations must not block; the notification engine is the primary
// consumer.
type Observer interface {
	Observe(snap *provider.UsageSnapshot)
}

// Status is the scheduler-level view exposed over the API.
type Status struct {
	Running      bool            `json:"running"`
	Mode         string          `json:"mode"`
	IntervalSecs int64           `json:"interval_secs"`
	LastFetchAt  time.Time       `json:"last_fetch_at,omitzero"`
	Accounts     []AccountStatus `json:"accounts"`
}

// AccountStatus combines session health with scheduling state for one
// account.
type AccountStatus struct {
	AccountID    string                  `json:"account_id"`
	DisplayName  string                  `json:"display_name"`
	ProviderID   string                  `json:"provider_id"`
	Session      SessionState            `json:"session"`
	NextFetchAt  time.Time               `json:"next_fetch_at"`
	LastSnapshot *provider.UsageSnapshot `json:"last_snapshot,omitempty"`
}

type trackedAccount struct {
	id          string
	providerID  string
	displayName string
	nextDue     time.Time
	lastSnap    *provider.UsageSnapshot
	inFlight    bool
}

// Loop polls all tracked accounts. One goroutine drives a coarse tick; due
// accounts fetch concurrently under a semaphore.
type Loop struct {
	accounts *account.Service
	registry *provider.Registry
	store    *history.Store
	sessions *SessionTracker
	limiter  *RateLimiter
	policy   IntervalPolicy
	bus      *bus.Bus
	log      *slog.Logger
	observer Observer

	mu            sync.Mutex
	mode          string
	fixedInterval time.Duration
	tracked       map[string]*trackedAccount
	running       bool
	lastTick      time.Time
	lastFetch     time.Time

	tickEvery time.Duration
	now       func() time.Time

	sem    chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}
}

type LoopConfig struct {
	Mode          string
	FixedInterval time.Duration
	MinInterval   time.Duration
	MaxConcurrent int
}

func NewLoop(
	cfg LoopConfig,
	accounts *account.Service,
	registry *provider.Registry,
	store *history.Store,
	sessions *SessionTracker,
	b *bus.Bus,
	log *slog.Logger,
) *Loop {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &Loop{
		accounts:      accounts,
		registry:      registry,
		store:         store,
		sessions:      sessions,
		limiter:       NewRateLimiter(cfg.MinInterval),
		policy:        DefaultIntervalPolicy(),
		bus:           b,
		log:           log,
		mode:          cfg.Mode,
		fixedInterval: cfg.FixedInterval,
		tracked:       make(map[string]*trackedAccount),
		tickEvery:     time.Second,
		now:           time.Now,
		sem:           make(chan struct{}, cfg.MaxConcurrent),
	}
}

// SetObserver installs the snapshot consumer. Must be called before Start.
func (l *Loop) SetObserver(o Observer) {
	l.observer = o
}

// Start loads existing accounts and launches the driver goroutine.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return errors.New("scheduler already running")
	}
	l.running = true
	l.lastTick = l.now()
	l.mu.Unlock()

	accts, err := l.accounts.List(ctx)
	if err != nil {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
		return fmt.Errorf("loading accounts: %w", err)
	}
	l.mu.Lock()
	for _, a := range accts {
		l.trackLocked(a.ID, a.ProviderID, a.DisplayName)
	}
	l.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(runCtx)

	l.log.Info("scheduler started", "mode", l.mode, "accounts", len(accts))
	l.publishStatus()
	return nil
}

// Stop halts the driver and waits for in-flight fetches to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	<-done
	l.wg.Wait()

	l.log.Info("scheduler stopped")
	l.publishStatus()
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick detects sleep gaps and dispatches every due account.
func (l *Loop) tick(ctx context.Context) {
	now := l.now()

	l.mu.Lock()
	gap := now.Sub(l.lastTick)
	l.lastTick = now
	woke := gap > wakeGapThreshold

	var due []*trackedAccount
	for _, t := range l.tracked {
		if woke {
			t.nextDue = now
		}
		if t.inFlight || t.nextDue.After(now) {
			continue
		}
		if l.sessions.Paused(t.id) {
			continue
		}
		t.inFlight = true
		due = append(due, t)
	}
	l.mu.Unlock()

	if woke {
		l.log.Info("system wake detected, refreshing all accounts", "gap", gap)
		l.bus.Publish(bus.TopicSystemWake, bus.SystemWake{Gap: gap})
	}

	for _, t := range due {
		l.wg.Add(1)
		go func(t *trackedAccount) {
			defer l.wg.Done()
			l.sem <- struct{}{}
			defer func() { <-l.sem }()
			l.fetch(ctx, t.id)
		}(t)
	}
}

// fetch runs the full pipeline for one account: rate limit, credentials,
// provider call, session health, history, notifications, bus. Step
// failures are isolated so one bad stage never blocks the rest.
func (l *Loop) fetch(ctx context.Context, accountID string) {
	l.mu.Lock()
	t, ok := l.tracked[accountID]
	if !ok {
		l.mu.Unlock()
		return
	}
	providerID, displayName := t.providerID, t.displayName
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		if t, ok := l.tracked[accountID]; ok {
			t.inFlight = false
		}
		l.mu.Unlock()
	}()

	granted, retryAfter := l.limiter.TryAcquire(accountID)
	if !granted {
		// Too soon after the previous fetch; push the due time out
		// instead of treating this as a failure.
		metrics.RateLimitRejections.WithLabelValues("account").Inc()
		l.reschedule(accountID, l.now().Add(retryAfter))
		return
	}

	prov, err := l.registry.Get(providerID)
	if err != nil {
		l.recordFailure(accountID, providerID, provider.NewError(provider.KindUnknown, err))
		return
	}

	creds, err := l.accounts.Credentials(ctx, accountID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			l.RemoveAccount(accountID)
			return
		}
		if ctx.Err() != nil {
			return
		}
		l.recordFailure(accountID, providerID, provider.NewError(provider.KindUnknown, err))
		return
	}

	start := l.now()
	snap, err := prov.FetchUsage(ctx, creds)
	metrics.FetchDuration.WithLabelValues(providerID).Observe(l.now().Sub(start).Seconds())

	l.mu.Lock()
	l.lastFetch = l.now()
	l.mu.Unlock()

	if err != nil {
		// A fetch cancelled by shutdown is not a provider failure and
		// must not advance the account's error streak.
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		l.recordFailure(accountID, providerID, err)
		return
	}

	snap.AccountID = accountID
	snap.AccountName = displayName
	snap.ProviderID = providerID

	l.mu.Lock()
	if t, ok := l.tracked[accountID]; ok {
		clampResets(snap, t.lastSnap)
	}
	l.mu.Unlock()

	metrics.FetchesTotal.WithLabelValues(providerID, "success").Inc()
	l.sessions.RecordSuccess(accountID)

	if l.observer != nil {
		l.observer.Observe(snap)
	}
	if err := l.store.Append(ctx, snap); err != nil {
		l.log.Error("persisting snapshot failed", "account", accountID, "error", err)
	}

	l.bus.Publish(bus.TopicUsageUpdate, bus.UsageUpdate{
		AccountID:  accountID,
		ProviderID: providerID,
		Data:       snap,
	})

	next := l.now().Add(l.intervalFor(snap.MaxUtilization()))
	l.mu.Lock()
	if t, ok := l.tracked[accountID]; ok {
		t.lastSnap = snap
		t.nextDue = next
	}
	l.mu.Unlock()
}

// clampResets keeps each limit's resetsAt monotonic within a window: the
// value can jitter backwards on the wire, so a regression without a
// utilization drop is clamped to the previous value. A genuine new window
// always comes with lower utilization.
func clampResets(snap, prev *provider.UsageSnapshot) {
	if prev == nil {
		return
	}
	for i := range snap.Limits {
		l := &snap.Limits[i]
		old := prev.Limit(l.ID)
		if old == nil {
			continue
		}
		if l.ResetsAt.Before(old.ResetsAt) && l.Utilization >= old.Utilization {
			l.ResetsAt = old.ResetsAt
		}
	}
}

func (l *Loop) recordFailure(accountID, providerID string, err error) {
	kind := provider.Classify(err)
	metrics.FetchesTotal.WithLabelValues(providerID, string(kind)).Inc()
	l.sessions.RecordError(accountID, kind)
	l.log.Warn("fetch failed", "account", accountID, "provider", providerID, "kind", kind, "error", err)

	l.bus.Publish(bus.TopicUsageUpdate, bus.UsageUpdate{
		AccountID:  accountID,
		ProviderID: providerID,
		Error:      err.Error(),
	})

	// Retry on the interval derived from the last good snapshot. Provider
	// throttling doubles the delay so we back off instead of hammering.
	l.mu.Lock()
	var util float64
	if t, ok := l.tracked[accountID]; ok && t.lastSnap != nil {
		util = t.lastSnap.MaxUtilization()
	}
	l.mu.Unlock()

	delay := l.intervalFor(util)
	if kind == provider.KindRateLimited {
		delay *= 2
	}
	l.reschedule(accountID, l.now().Add(delay))
}

func (l *Loop) reschedule(accountID string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.tracked[accountID]; ok {
		t.nextDue = at
	}
}

func (l *Loop) intervalFor(maxUtilization float64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mode == ModeFixed {
		return l.fixedInterval
	}
	return l.policy.Interval(maxUtilization)
}

// ForceRefresh schedules an immediate fetch. With an empty accountID every
// non-paused account becomes due, gated hard on the global rate-limit
// scope. A specific account is marked due and still subject to its own
// per-account spacing.
func (l *Loop) ForceRefresh(accountID string) error {
	now := l.now()

	if accountID == "" {
		granted, retryAfter := l.limiter.TryAcquire(GlobalScope)
		if !granted {
			metrics.RateLimitRejections.WithLabelValues("global").Inc()
			return &RateLimitedError{RetryAfter: retryAfter}
		}
		l.mu.Lock()
		for _, t := range l.tracked {
			if !l.sessions.Paused(t.id) {
				t.nextDue = now
			}
		}
		l.mu.Unlock()
		return nil
	}

	l.mu.Lock()
	t, ok := l.tracked[accountID]
	if ok {
		t.nextDue = now
	}
	l.mu.Unlock()
	if !ok {
		return account.ErrNotFound
	}
	return nil
}

// SetInterval changes the fixed polling interval. Rejected in adaptive
// mode, where intervals derive from utilization.
func (l *Loop) SetInterval(d time.Duration) error {
	l.mu.Lock()
	if l.mode != ModeFixed {
		l.mu.Unlock()
		return fmt.Errorf("interval is policy-driven in %s mode", l.mode)
	}
	l.fixedInterval = d
	l.mu.Unlock()

	l.publishStatus()
	return nil
}

// SetMode switches between fixed and adaptive polling.
func (l *Loop) SetMode(mode string) error {
	if mode != ModeFixed && mode != ModeAdaptive {
		return fmt.Errorf("unknown scheduler mode %q", mode)
	}
	l.mu.Lock()
	l.mode = mode
	l.mu.Unlock()

	l.publishStatus()
	return nil
}

// TrackAccount starts polling a newly created account. It is due
// immediately.
func (l *Loop) TrackAccount(id, providerID, displayName string) {
	l.mu.Lock()
	l.trackLocked(id, providerID, displayName)
	l.mu.Unlock()
}

func (l *Loop) trackLocked(id, providerID, displayName string) {
	if _, ok := l.tracked[id]; ok {
		return
	}
	l.tracked[id] = &trackedAccount{
		id:          id,
		providerID:  providerID,
		displayName: displayName,
		nextDue:     l.now(),
	}
}

// RemoveAccount stops polling and clears all scheduler-side state for the
// id.
func (l *Loop) RemoveAccount(id string) {
	l.mu.Lock()
	delete(l.tracked, id)
	l.mu.Unlock()

	l.sessions.Forget(id)
	l.limiter.Forget(id)
}

// ResumeAccount clears pause state and makes the account due immediately,
// used after a credential update or an explicit resume.
func (l *Loop) ResumeAccount(id string) error {
	l.mu.Lock()
	t, ok := l.tracked[id]
	if ok {
		t.nextDue = l.now()
	}
	l.mu.Unlock()
	if !ok {
		return account.ErrNotFound
	}
	l.sessions.Resume(id)
	return nil
}

// SessionStatus returns the session health for one account.
func (l *Loop) SessionStatus(id string) (SessionState, error) {
	l.mu.Lock()
	_, ok := l.tracked[id]
	l.mu.Unlock()
	if !ok {
		return SessionState{}, account.ErrNotFound
	}
	return l.sessions.State(id), nil
}

// Snapshot returns the most recent usage snapshot for one account, nil if
// none has been captured yet.
func (l *Loop) Snapshot(id string) (*provider.UsageSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tracked[id]
	if !ok {
		return nil, account.ErrNotFound
	}
	return t.lastSnap, nil
}

// Status reports the scheduler and every tracked account. Account order
// is not guaranteed.
func (l *Loop) Status() Status {
	l.mu.Lock()
	st := Status{
		Running:      l.running,
		Mode:         l.mode,
		IntervalSecs: int64(l.fixedInterval / time.Second),
		LastFetchAt:  l.lastFetch,
	}
	accounts := make([]*trackedAccount, 0, len(l.tracked))
	for _, t := range l.tracked {
		accounts = append(accounts, t)
	}
	l.mu.Unlock()

	for _, t := range accounts {
		l.mu.Lock()
		as := AccountStatus{
			AccountID:    t.id,
			DisplayName:  t.displayName,
			ProviderID:   t.providerID,
			NextFetchAt:  t.nextDue,
			LastSnapshot: t.lastSnap,
		}
		l.mu.Unlock()
		as.Session = l.sessions.State(t.id)
		st.Accounts = append(st.Accounts, as)
	}
	return st
}

func (l *Loop) publishStatus() {
	l.mu.Lock()
	running := l.running
	interval := l.fixedInterval
	l.mu.Unlock()
	l.bus.Publish(bus.TopicSchedulerStatus, bus.SchedulerStatus{
		Running:      running,
		IntervalSecs: int64(interval / time.Second),
	})
}
