package notify

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pulsewatch-app/pulsewatch/internal/bus"
	"github.com/pulsewatch-app/pulsewatch/internal/metrics"
	"github.com/pulsewatch-app/pulsewatch/internal/provider"
)

// upcomingWindow is how far ahead of a quota reset the warning fires.
const upcomingWindow = time.Hour

// Config controls which notifications fire and when they are suppressed.
type Config struct {
	Enabled bool

	// Thresholds are utilization percentages, ascending. A crossing fires
	// once until utilization drops back below the threshold.
	Thresholds []int

	// NotifyOnReset announces detected quota resets.
	NotifyOnReset bool

	// ResetDrop is the minimum utilization drop between consecutive
	// samples of the same limit that counts as a reset.
	ResetDrop float64

	// UpcomingFloor is the minimum utilization for the upcoming-reset
	// warning.
	UpcomingFloor float64

	// DND suppresses delivery inside [Start, End), wrapping midnight when
	// Start > End. Dedup state keeps updating either way.
	DNDEnabled bool
	DNDStart   string
	DNDEnd     string
}

// limitState is the dedup state for one (account, limit) pair. Each limit
// crosses thresholds, resets, and approaches its window independently.
type limitState struct {
	// lastNotified is the highest threshold already announced for this
	// limit, 0 when none. Re-arming snaps it to the highest threshold at
	// or below the current utilization.
	lastNotified int

	// prevUtil is the limit's previous utilization, for reset detection.
	prevUtil float64
	seen     bool

	// warnedResetAt marks the reset window already warned about.
	warnedResetAt time.Time
}

type accountState struct {
	displayName string
	limits      map[string]*limitState
}

type crossing struct {
	threshold int
	limit     provider.UsageLimit
}

// Engine consumes snapshots and decides which notifications to send. It is
// the scheduler's Observer.
type Engine struct {
	cfg      Config
	notifier Notifier
	bus      *bus.Bus
	log      *slog.Logger

	mu       sync.Mutex
	accounts map[string]*accountState

	dndStart int // minutes of day, -1 when unset
	dndEnd   int

	now func() time.Time
}

func NewEngine(cfg Config, notifier Notifier, b *bus.Bus, log *slog.Logger) *Engine {
	sort.Ints(cfg.Thresholds)
	e := &Engine{
		cfg:      cfg,
		notifier: notifier,
		bus:      b,
		log:      log,
		accounts: make(map[string]*accountState),
		dndStart: -1,
		dndEnd:   -1,
		now:      time.Now,
	}
	if cfg.DNDEnabled {
		e.dndStart = parseClock(cfg.DNDStart)
		e.dndEnd = parseClock(cfg.DNDEnd)
	}
	return e
}

// Observe processes one successful snapshot. Dedup state always advances;
// DND and the enabled flag only gate delivery.
func (e *Engine) Observe(snap *provider.UsageSnapshot) {
	e.mu.Lock()

	st, ok := e.accounts[snap.AccountID]
	if !ok {
		st = &accountState{limits: make(map[string]*limitState)}
		e.accounts[snap.AccountID] = st
	}
	st.displayName = snap.AccountName
	multi := len(e.accounts) > 1

	// Every limit carries its own dedup state: thresholds, resets, and
	// upcoming warnings all fire per (account, limit) pair.
	now := e.now()
	var (
		resets    []provider.UsageLimit
		crossings []crossing
		upcoming  []provider.UsageLimit
	)
	for _, l := range snap.Limits {
		ls, ok := st.limits[l.ID]
		if !ok {
			ls = &limitState{}
			st.limits[l.ID] = ls
		}

		armed := e.highestAtOrBelow(l.Utilization)
		switch {
		case ls.seen && ls.prevUtil-l.Utilization >= e.cfg.ResetDrop:
			// Reset: re-arm every threshold above the new utilization
			// without firing one.
			resets = append(resets, l)
			ls.lastNotified = armed
		case armed > ls.lastNotified:
			crossings = append(crossings, crossing{threshold: armed, limit: l})
			ls.lastNotified = armed
		case armed < ls.lastNotified:
			// Utilization dropped: re-arm without notifying.
			ls.lastNotified = armed
		}

		// Upcoming-reset warning, once per reset window.
		until := l.ResetsAt.Sub(now)
		if l.Utilization >= e.cfg.UpcomingFloor && until > 0 && until <= upcomingWindow &&
			!ls.warnedResetAt.Equal(l.ResetsAt) {
			ls.warnedResetAt = l.ResetsAt
			upcoming = append(upcoming, l)
		}

		ls.prevUtil = l.Utilization
		ls.seen = true
	}
	name := st.displayName
	e.mu.Unlock()

	for _, l := range resets {
		e.bus.Publish(bus.TopicUsageReset, bus.UsageReset{AccountID: snap.AccountID, LimitID: l.ID})
		if e.cfg.NotifyOnReset {
			e.deliver("reset", prefixed(multi, name, "Usage reset"),
				fmt.Sprintf("The %s quota has reset.", limitLabel(l)))
		}
	}

	for _, c := range crossings {
		e.deliver("threshold", prefixed(multi, name, fmt.Sprintf("Usage above %d%%", c.threshold)),
			fmt.Sprintf("%s is at %.0f%% of the limit.", limitLabel(c.limit), c.limit.Utilization))
	}

	for _, l := range upcoming {
		e.deliver("upcoming", prefixed(multi, name, "Quota resets soon"),
			fmt.Sprintf("%s is at %.0f%% and resets in %s.", limitLabel(l), l.Utilization, untilText(l.ResetsAt.Sub(now))))
	}
}

// Forget drops dedup state for a removed account.
func (e *Engine) Forget(accountID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.accounts, accountID)
}

// highestAtOrBelow returns the largest configured threshold that is <=
// util, 0 when util is below every threshold.
func (e *Engine) highestAtOrBelow(util float64) int {
	best := 0
	for _, th := range e.cfg.Thresholds {
		if util >= float64(th) {
			best = th
		}
	}
	return best
}

func (e *Engine) deliver(kind, title, message string) {
	switch {
	case !e.cfg.Enabled:
		metrics.NotificationsTotal.WithLabelValues(kind, "disabled").Inc()
	case e.inDND(e.now()):
		metrics.NotificationsTotal.WithLabelValues(kind, "suppressed").Inc()
		e.log.Debug("notification suppressed by dnd", "kind", kind, "title", title)
	default:
		if err := e.notifier.Notify(title, message); err != nil {
			metrics.NotificationsTotal.WithLabelValues(kind, "failed").Inc()
			e.log.Warn("notification delivery failed", "kind", kind, "error", err)
			return
		}
		metrics.NotificationsTotal.WithLabelValues(kind, "delivered").Inc()
	}
}

// inDND reports whether t falls inside the do-not-disturb window. A window
// with Start > End wraps past midnight.
func (e *Engine) inDND(t time.Time) bool {
	if !e.cfg.DNDEnabled || e.dndStart < 0 || e.dndEnd < 0 {
		return false
	}
	minutes := t.Hour()*60 + t.Minute()
	if e.dndStart <= e.dndEnd {
		return minutes >= e.dndStart && minutes < e.dndEnd
	}
	return minutes >= e.dndStart || minutes < e.dndEnd
}

// parseClock converts "HH:MM" to minutes of day, -1 on malformed input.
func parseClock(s string) int {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return -1
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return -1
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return -1
	}
	return h*60 + m
}

func prefixed(multi bool, name, title string) string {
	if multi && name != "" {
		return name + ": " + title
	}
	return title
}

func limitLabel(l provider.UsageLimit) string {
	if l.Label != "" {
		return l.Label
	}
	return l.ID
}

func untilText(d time.Duration) string {
	if d >= time.Hour {
		return d.Round(time.Minute).String()
	}
	m := int(d.Round(time.Minute) / time.Minute)
	if m <= 1 {
		return "about a minute"
	}
	return fmt.Sprintf("%d minutes", m)
}
