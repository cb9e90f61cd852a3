package notify

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsewatch-app/pulsewatch/internal/bus"
	"github.com/pulsewatch-app/pulsewatch/internal/provider"
)

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
	bodies []string
	err    error
}

func (r *recordingNotifier) Notify(title, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.titles = append(r.titles, title)
	r.bodies = append(r.bodies, message)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.titles)
}

func (r *recordingNotifier) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.titles) == 0 {
		return ""
	}
	return r.titles[len(r.titles)-1]
}

func defaultTestConfig() Config {
	return Config{
		Enabled:       true,
		Thresholds:    []int{50, 75, 90},
		NotifyOnReset: true,
		ResetDrop:     40,
		UpcomingFloor: 75,
	}
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *recordingNotifier, *bus.Bus) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)
	rec := &recordingNotifier{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(cfg, rec, b, log), rec, b
}

func snap(accountID, name string, util float64, resetsAt time.Time) *provider.UsageSnapshot {
	return &provider.UsageSnapshot{
		AccountID:   accountID,
		AccountName: name,
		ProviderID:  "claude",
		CapturedAt:  time.Now().UTC(),
		Limits: []provider.UsageLimit{
			{ID: "five_hour", Label: "5-Hour Limit", Utilization: util, ResetsAt: resetsAt},
		},
	}
}

func snapMulti(accountID, name string, limits []provider.UsageLimit) *provider.UsageSnapshot {
	return &provider.UsageSnapshot{
		AccountID:   accountID,
		AccountName: name,
		ProviderID:  "claude",
		CapturedAt:  time.Now().UTC(),
		Limits:      limits,
	}
}

func TestEngineEdgeTriggeredThresholds(t *testing.T) {
	e, rec, _ := newTestEngine(t, defaultTestConfig())
	reset := time.Now().Add(4 * time.Hour)

	// Rising through 50 and 75 fires once each; the dip to 70 re-arms
	// everything above 70, so 95 fires the 90 threshold exactly once.
	for _, util := range []float64{40, 60, 82, 70, 95} {
		e.Observe(snap("a1", "Work", util, reset))
	}

	require.Equal(t, 3, rec.count())
	assert.Contains(t, rec.titles[0], "50%")
	assert.Contains(t, rec.titles[1], "75%")
	assert.Contains(t, rec.titles[2], "90%")
}

func TestEngineThresholdDoesNotRepeatWhileHigh(t *testing.T) {
	e, rec, _ := newTestEngine(t, defaultTestConfig())
	reset := time.Now().Add(4 * time.Hour)

	for _, util := range []float64{80, 81, 82, 83} {
		e.Observe(snap("a1", "Work", util, reset))
	}
	assert.Equal(t, 1, rec.count())
}

func TestEngineThresholdsFirePerLimit(t *testing.T) {
	e, rec, _ := newTestEngine(t, defaultTestConfig())
	reset := time.Now().Add(4 * time.Hour)

	e.Observe(snapMulti("a1", "Work", []provider.UsageLimit{
		{ID: "five_hour", Label: "5-Hour Limit", Utilization: 80, ResetsAt: reset},
		{ID: "weekly", Label: "Weekly Limit", Utilization: 40, ResetsAt: reset},
	}))
	require.Equal(t, 1, rec.count())
	assert.Contains(t, rec.last(), "75%")

	// The weekly limit crossing 50 fires even though the 5-hour limit sits
	// higher and unchanged.
	e.Observe(snapMulti("a1", "Work", []provider.UsageLimit{
		{ID: "five_hour", Label: "5-Hour Limit", Utilization: 80, ResetsAt: reset},
		{ID: "weekly", Label: "Weekly Limit", Utilization: 60, ResetsAt: reset},
	}))
	require.Equal(t, 2, rec.count())
	assert.Contains(t, rec.last(), "50%")
	assert.Contains(t, rec.bodies[1], "Weekly")
}

func TestEngineResetOnOneLimitLeavesOthersArmed(t *testing.T) {
	e, rec, b := newTestEngine(t, defaultTestConfig())
	sub := b.Subscribe(bus.TopicUsageReset)
	defer sub.Close()
	reset := time.Now().Add(4 * time.Hour)

	e.Observe(snapMulti("a1", "Work", []provider.UsageLimit{
		{ID: "five_hour", Label: "5-Hour Limit", Utilization: 85, ResetsAt: reset},
		{ID: "weekly", Label: "Weekly Limit", Utilization: 92, ResetsAt: reset},
	}))
	require.Equal(t, 2, rec.count())

	// Only the weekly limit resets; the 5-hour limit stays deduped.
	e.Observe(snapMulti("a1", "Work", []provider.UsageLimit{
		{ID: "five_hour", Label: "5-Hour Limit", Utilization: 85, ResetsAt: reset},
		{ID: "weekly", Label: "Weekly Limit", Utilization: 10, ResetsAt: reset},
	}))
	ev := <-sub.C()
	assert.Equal(t, "weekly", ev.Payload.(bus.UsageReset).LimitID)
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected second reset event: %+v", ev)
	default:
	}
	require.Equal(t, 3, rec.count())
	assert.Contains(t, rec.bodies[2], "Weekly")

	// The weekly limit re-armed; the 5-hour limit did not.
	e.Observe(snapMulti("a1", "Work", []provider.UsageLimit{
		{ID: "five_hour", Label: "5-Hour Limit", Utilization: 85, ResetsAt: reset},
		{ID: "weekly", Label: "Weekly Limit", Utilization: 55, ResetsAt: reset},
	}))
	require.Equal(t, 4, rec.count())
	assert.Contains(t, rec.last(), "50%")
	assert.Contains(t, rec.bodies[3], "Weekly")
}

func TestEngineUpcomingWarningPerLimit(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{Enabled: true, ResetDrop: 40, UpcomingFloor: 75})

	limits := []provider.UsageLimit{
		{ID: "five_hour", Label: "5-Hour Limit", Utilization: 80, ResetsAt: time.Now().Add(30 * time.Minute)},
		{ID: "weekly", Label: "Weekly Limit", Utilization: 85, ResetsAt: time.Now().Add(45 * time.Minute)},
	}
	e.Observe(snapMulti("a1", "Work", limits))
	require.Equal(t, 2, rec.count(), "each limit warns for its own window")

	e.Observe(snapMulti("a1", "Work", limits))
	assert.Equal(t, 2, rec.count(), "windows already warned about stay silent")
}

func TestEngineResetDetection(t *testing.T) {
	e, rec, b := newTestEngine(t, defaultTestConfig())
	sub := b.Subscribe(bus.TopicUsageReset)
	defer sub.Close()
	reset := time.Now().Add(4 * time.Hour)

	e.Observe(snap("a1", "Work", 85, reset))
	require.Equal(t, 1, rec.count(), "only the highest crossed threshold fires")

	e.Observe(snap("a1", "Work", 5, reset))

	ev := <-sub.C()
	payload := ev.Payload.(bus.UsageReset)
	assert.Equal(t, "a1", payload.AccountID)
	assert.Equal(t, "five_hour", payload.LimitID)
	assert.Contains(t, rec.last(), "reset")

	// Thresholds re-armed: climbing back over 50 fires again.
	e.Observe(snap("a1", "Work", 55, reset))
	assert.Equal(t, 3, rec.count())
	assert.Contains(t, rec.last(), "50%")
}

func TestEngineSmallDropIsNotAReset(t *testing.T) {
	e, _, b := newTestEngine(t, defaultTestConfig())
	sub := b.Subscribe(bus.TopicUsageReset)
	defer sub.Close()
	reset := time.Now().Add(4 * time.Hour)

	e.Observe(snap("a1", "Work", 85, reset))
	e.Observe(snap("a1", "Work", 50, reset))

	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected reset event: %+v", ev)
	default:
	}
}

func TestEngineUpcomingResetWarning(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{
		Enabled:       true,
		ResetDrop:     40,
		UpcomingFloor: 75,
	})

	resetsAt := time.Now().Add(30 * time.Minute)
	e.Observe(snap("a1", "Work", 80, resetsAt))
	require.Equal(t, 1, rec.count())
	assert.Contains(t, rec.last(), "resets soon")

	// Same window never warns twice.
	e.Observe(snap("a1", "Work", 85, resetsAt))
	assert.Equal(t, 1, rec.count())

	// A new reset window re-arms the warning.
	e.Observe(snap("a1", "Work", 80, resetsAt.Add(5*time.Hour)))
	// Too far out, nothing yet.
	assert.Equal(t, 1, rec.count())

	nearer := time.Now().Add(45 * time.Minute)
	e.Observe(snap("a1", "Work", 80, nearer))
	assert.Equal(t, 2, rec.count())
}

func TestEngineUpcomingRequiresUtilizationFloor(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{Enabled: true, ResetDrop: 40, UpcomingFloor: 75})

	e.Observe(snap("a1", "Work", 50, time.Now().Add(20*time.Minute)))
	assert.Zero(t, rec.count())
}

func TestEngineDNDSuppressesButKeepsState(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.DNDEnabled = true
	cfg.DNDStart = "22:00"
	cfg.DNDEnd = "08:00"
	e, rec, _ := newTestEngine(t, cfg)

	// Inside the wrapped window.
	e.now = func() time.Time {
		return time.Date(2026, 2, 10, 23, 30, 0, 0, time.UTC)
	}
	reset := time.Date(2026, 2, 11, 4, 0, 0, 0, time.UTC)

	e.Observe(snap("a1", "Work", 80, reset))
	assert.Zero(t, rec.count(), "dnd must suppress delivery")

	// Dedup advanced during DND: the same crossing stays silent after the
	// window ends.
	e.now = func() time.Time {
		return time.Date(2026, 2, 11, 9, 0, 0, 0, time.UTC)
	}
	e.Observe(snap("a1", "Work", 82, reset.Add(24*time.Hour)))
	assert.Zero(t, rec.count())

	// A genuinely new crossing fires once outside the window.
	e.Observe(snap("a1", "Work", 91, reset.Add(24*time.Hour)))
	assert.Equal(t, 1, rec.count())
	assert.Contains(t, rec.last(), "90%")
}

func TestEngineDNDWindowMath(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.DNDEnabled = true
	cfg.DNDStart = "22:00"
	cfg.DNDEnd = "08:00"
	e, _, _ := newTestEngine(t, cfg)

	at := func(h, m int) time.Time {
		return time.Date(2026, 2, 10, h, m, 0, 0, time.UTC)
	}
	assert.True(t, e.inDND(at(23, 0)))
	assert.True(t, e.inDND(at(2, 0)))
	assert.True(t, e.inDND(at(7, 59)))
	assert.False(t, e.inDND(at(8, 0)))
	assert.False(t, e.inDND(at(12, 0)))
	assert.False(t, e.inDND(at(21, 59)))

	// Non-wrapping window.
	cfg.DNDStart = "09:00"
	cfg.DNDEnd = "17:00"
	e2, _, _ := newTestEngine(t, cfg)
	assert.True(t, e2.inDND(at(12, 0)))
	assert.False(t, e2.inDND(at(18, 0)))
}

func TestEngineMultiAccountPrefix(t *testing.T) {
	e, rec, _ := newTestEngine(t, defaultTestConfig())
	reset := time.Now().Add(4 * time.Hour)

	e.Observe(snap("a1", "Work", 60, reset))
	assert.False(t, strings.HasPrefix(rec.last(), "Work:"), "single account needs no prefix")

	e.Observe(snap("a2", "Personal", 60, reset))
	assert.True(t, strings.HasPrefix(rec.last(), "Personal:"))
}

func TestEngineDisabledStillTracksState(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.Enabled = false
	e, rec, b := newTestEngine(t, cfg)
	sub := b.Subscribe(bus.TopicUsageReset)
	defer sub.Close()
	reset := time.Now().Add(4 * time.Hour)

	e.Observe(snap("a1", "Work", 85, reset))
	e.Observe(snap("a1", "Work", 5, reset))

	assert.Zero(t, rec.count())
	// Reset events still flow to the bus for API consumers.
	ev := <-sub.C()
	assert.Equal(t, "a1", ev.Payload.(bus.UsageReset).AccountID)
}

func TestEngineForgetClearsAccount(t *testing.T) {
	e, rec, _ := newTestEngine(t, defaultTestConfig())
	reset := time.Now().Add(4 * time.Hour)

	e.Observe(snap("a1", "Work", 60, reset))
	require.Equal(t, 1, rec.count())

	e.Forget("a1")
	e.Observe(snap("a1", "Work", 60, reset))
	assert.Equal(t, 2, rec.count(), "forgotten account starts fresh")
}

func TestParseClock(t *testing.T) {
	cases := map[string]int{
		"00:00": 0,
		"08:30": 510,
		"23:59": 1439,
		"24:00": -1,
		"12:60": -1,
		"nope":  -1,
		"":      -1,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseClock(in), fmt.Sprintf("input %q", in))
	}
}
