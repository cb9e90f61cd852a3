package scheduler

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsewatch-app/pulsewatch/internal/bus"
	"github.com/pulsewatch-app/pulsewatch/internal/provider"
)

func newTestTracker() (*SessionTracker, *bus.Bus) {
	b := bus.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSessionTracker(3, b, log), b
}

func TestSessionTrackerPausesAfterThreeConsecutiveErrors(t *testing.T) {
	tr, _ := newTestTracker()

	st := tr.RecordError("acc-1", provider.KindSessionExpired)
	assert.Equal(t, SessionDegraded, st.Health)
	assert.Equal(t, 1, st.ConsecutiveErrors)
	assert.False(t, st.Paused)

	st = tr.RecordError("acc-1", provider.KindNetwork)
	assert.Equal(t, SessionDegraded, st.Health)
	assert.Equal(t, 2, st.ConsecutiveErrors)

	st = tr.RecordError("acc-1", provider.KindUnknown)
	assert.Equal(t, SessionPaused, st.Health)
	assert.Equal(t, 3, st.ConsecutiveErrors)
	assert.True(t, st.Paused)
	assert.True(t, tr.Paused("acc-1"))
}

func TestSessionTrackerTransientErrorsDoNotCount(t *testing.T) {
	tr, _ := newTestTracker()

	for i := 0; i < 10; i++ {
		tr.RecordError("acc-1", provider.KindRateLimited)
		tr.RecordError("acc-1", provider.KindBlocked)
	}

	st := tr.State("acc-1")
	assert.Equal(t, SessionHealthy, st.Health)
	assert.Equal(t, 0, st.ConsecutiveErrors)
	assert.False(t, st.Paused)

	// Transient errors interleaved with real ones must not accelerate the
	// pause either.
	tr.RecordError("acc-1", provider.KindSessionExpired)
	tr.RecordError("acc-1", provider.KindRateLimited)
	tr.RecordError("acc-1", provider.KindSessionExpired)
	st = tr.State("acc-1")
	assert.Equal(t, 2, st.ConsecutiveErrors)
	assert.False(t, st.Paused)
}

func TestSessionTrackerSuccessResetsFromAnyState(t *testing.T) {
	tr, _ := newTestTracker()

	tr.RecordError("acc-1", provider.KindNetwork)
	tr.RecordError("acc-1", provider.KindNetwork)
	st := tr.RecordSuccess("acc-1")
	assert.Equal(t, SessionHealthy, st.Health)
	assert.Equal(t, 0, st.ConsecutiveErrors)

	// Auto-resume: a success while paused recovers the account.
	for i := 0; i < 3; i++ {
		tr.RecordError("acc-1", provider.KindSessionExpired)
	}
	require.True(t, tr.Paused("acc-1"))
	st = tr.RecordSuccess("acc-1")
	assert.False(t, st.Paused)
	assert.Equal(t, SessionHealthy, st.Health)
}

func TestSessionTrackerResumeClearsPause(t *testing.T) {
	tr, _ := newTestTracker()
	for i := 0; i < 3; i++ {
		tr.RecordError("acc-1", provider.KindSessionExpired)
	}
	require.True(t, tr.Paused("acc-1"))

	st := tr.Resume("acc-1")
	assert.False(t, st.Paused)
	assert.Equal(t, SessionHealthy, st.Health)
	assert.Equal(t, 0, st.ConsecutiveErrors)
}

func TestSessionTrackerPublishesTransitions(t *testing.T) {
	tr, b := newTestTracker()
	sub := b.Subscribe(bus.TopicSessionStatus)
	defer sub.Close()

	tr.RecordError("acc-1", provider.KindNetwork)
	ev := <-sub.C()
	status, ok := ev.Payload.(bus.SessionStatus)
	require.True(t, ok)
	assert.Equal(t, "acc-1", status.AccountID)
	assert.Equal(t, 1, status.ErrorCount)
	assert.False(t, status.Paused)

	tr.RecordError("acc-1", provider.KindNetwork)
	<-sub.C()
	tr.RecordError("acc-1", provider.KindNetwork)
	ev = <-sub.C()
	status = ev.Payload.(bus.SessionStatus)
	assert.True(t, status.Paused)
	assert.Equal(t, 3, status.ErrorCount)
}

func TestSessionTrackerForget(t *testing.T) {
	tr, _ := newTestTracker()
	for i := 0; i < 3; i++ {
		tr.RecordError("acc-1", provider.KindSessionExpired)
	}
	tr.Forget("acc-1")

	assert.False(t, tr.Paused("acc-1"))
	assert.Equal(t, SessionHealthy, tr.State("acc-1").Health)
}

func TestSessionTrackerIsolatesAccounts(t *testing.T) {
	tr, _ := newTestTracker()
	for i := 0; i < 3; i++ {
		tr.RecordError("acc-1", provider.KindSessionExpired)
	}
	tr.RecordError("acc-2", provider.KindNetwork)

	assert.True(t, tr.Paused("acc-1"))
	assert.False(t, tr.Paused("acc-2"))
	assert.Equal(t, 1, tr.State("acc-2").ConsecutiveErrors)
}
