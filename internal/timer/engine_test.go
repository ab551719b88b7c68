package timer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safetalk-backend/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// NewTicker returns a ticker that never fires; tests drive tick() directly.
func (c *fakeClock) NewTicker(time.Duration) Ticker { return idleTicker{ch: make(chan time.Time)} }

type idleTicker struct{ ch chan time.Time }

func (t idleTicker) C() <-chan time.Time { return t.ch }
func (t idleTicker) Stop()               {}

type memSnapshots struct {
	mu    sync.Mutex
	snaps map[uuid.UUID]Snapshot
}

func newMemSnapshots() *memSnapshots { return &memSnapshots{snaps: make(map[uuid.UUID]Snapshot)} }

func (m *memSnapshots) Load(_ context.Context, id uuid.UUID) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snaps[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memSnapshots) Save(_ context.Context, id uuid.UUID, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[id] = s
	return nil
}

func (m *memSnapshots) Clear(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, id)
	return nil
}

type resetRecorder struct {
	mu    sync.Mutex
	dates []string
	saved map[uuid.UUID][2]int64
}

func (r *resetRecorder) SaveTimeUsage(_ context.Context, id uuid.UUID, freeUsed, paid int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saved == nil {
		r.saved = make(map[uuid.UUID][2]int64)
	}
	r.saved[id] = [2]int64{freeUsed, paid}
	return nil
}

func (r *resetRecorder) usage(id uuid.UUID) ([2]int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.saved[id]
	return v, ok
}

func (r *resetRecorder) ResetDailyUsage(_ context.Context, _ uuid.UUID, date string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dates = append(r.dates, date)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		DailyFreeLimit:   20 * time.Minute,
		LowTimeThreshold: 180 * time.Second,
		SaveInterval:     10 * time.Second,
		TickInterval:     time.Second,
		Location:         time.UTC,
	}
}

type harness struct {
	engine    *Engine
	clock     *fakeClock
	snapshots *memSnapshots
	resets    *resetRecorder
	events    *eventLog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:     newFakeClock(testNow),
		snapshots: newMemSnapshots(),
		resets:    &resetRecorder{},
		events:    &eventLog{},
	}
	h.engine = NewEngine(testConfig(), h.clock, h.resets, h.snapshots)
	h.engine.Subscribe(h.events.record)
	t.Cleanup(h.engine.Close)
	return h
}

// profileWith builds a profile already reset today with the given free
// seconds left and paid seconds available.
func profileWith(free, paid int64) *storage.Profile {
	return &storage.Profile{
		ID:                uuid.New(),
		DailyFreeTimeUsed: 1200 - free,
		PaidTimeAvailable: paid,
		DailyResetDate:    testNow.Format("2006-01-02"),
	}
}

func (h *harness) tickSeconds(n int) {
	for i := 0; i < n; i++ {
		h.clock.Advance(time.Second)
		h.engine.tick()
	}
}

func (h *harness) flush() { h.engine.hub.Flush() }

func TestEngine_DailyReset(t *testing.T) {
	h := newHarness(t)
	p := &storage.Profile{
		ID:                uuid.New(),
		DailyFreeTimeUsed: 600,
		DailyResetDate:    testNow.AddDate(0, 0, -1).Format("2006-01-02"),
	}

	require.NoError(t, h.engine.Initialize(context.Background(), p, "s1"))

	st := h.engine.State()
	assert.Equal(t, int64(1200), st.FreeTimeLeft)
	assert.Equal(t, StatusPaused, st.Status)
	assert.True(t, st.TimerPaused)
	assert.Equal(t, []string{"2026-10-19"}, h.resets.dates)
}

func TestEngine_NoResetOnSameDay(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Initialize(context.Background(), profileWith(300, 0), "s1"))

	assert.Equal(t, int64(300), h.engine.State().FreeTimeLeft)
	assert.Empty(t, h.resets.dates)
}

func TestEngine_TickDownFreeThenPaid(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Initialize(context.Background(), profileWith(5, 10), "s1"))
	require.NoError(t, h.engine.Start())

	h.tickSeconds(7)

	st := h.engine.State()
	assert.Equal(t, int64(0), st.FreeTimeLeft)
	assert.Equal(t, int64(8), st.PaidTimeLeft)
	assert.Equal(t, StatusRunning, st.Status)
}

func TestEngine_SubSecondTicksAreIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Initialize(context.Background(), profileWith(100, 0), "s1"))
	require.NoError(t, h.engine.Start())

	h.clock.Advance(500 * time.Millisecond)
	h.engine.tick()
	assert.Equal(t, int64(100), h.engine.State().FreeTimeLeft)

	h.clock.Advance(600 * time.Millisecond)
	h.engine.tick()
	assert.Equal(t, int64(99), h.engine.State().FreeTimeLeft)
}

func TestEngine_ExpiryStopsAndEmitsEndedOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Initialize(context.Background(), profileWith(2, 1), "s1"))
	require.NoError(t, h.engine.Start())

	h.tickSeconds(10)
	h.flush()

	st := h.engine.State()
	assert.Equal(t, StatusStopped, st.Status)
	assert.Zero(t, st.FreeTimeLeft)
	assert.Zero(t, st.PaidTimeLeft)
	assert.Equal(t, 1, h.events.count(EventEnded))

	assert.ErrorIs(t, h.engine.Start(), ErrSessionStopped)
	assert.ErrorIs(t, h.engine.UseCredits(1), ErrSessionStopped)
}

func TestEngine_PauseHaltsCountdown(t *testing.T) {
	h := newHarness(t)
	p := profileWith(100, 0)
	require.NoError(t, h.engine.Initialize(context.Background(), p, "s1"))
	require.NoError(t, h.engine.Start())

	h.tickSeconds(10)
	require.NoError(t, h.engine.Pause())
	h.tickSeconds(10)
	assert.Equal(t, int64(90), h.engine.State().FreeTimeLeft)

	snap, err := h.snapshots.Load(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.True(t, snap.TimerPaused)
	assert.Equal(t, int64(90), snap.FreeTimeLeft)

	require.NoError(t, h.engine.Resume())
	h.tickSeconds(5)
	assert.Equal(t, int64(85), h.engine.State().FreeTimeLeft)
}

func TestEngine_RestoreBackfillsElapsedTime(t *testing.T) {
	h := newHarness(t)
	p := profileWith(100, 0)

	require.NoError(t, h.engine.Initialize(context.Background(), p, "s1"))
	require.NoError(t, h.engine.Start())
	h.engine.persist()
	h.engine.Close()

	h.clock.Advance(150 * time.Second)

	restored := NewEngine(testConfig(), h.clock, h.resets, h.snapshots)
	defer restored.Close()
	events := &eventLog{}
	restored.Subscribe(events.record)

	require.NoError(t, restored.Initialize(context.Background(), p, "s1"))
	restored.hub.Flush()

	st := restored.State()
	assert.Zero(t, st.FreeTimeLeft)
	assert.Zero(t, st.PaidTimeLeft)
	assert.Equal(t, StatusStopped, st.Status)
	assert.Equal(t, 1, events.count(EventEnded))
}

func TestEngine_RestorePartialBackfill(t *testing.T) {
	h := newHarness(t)
	p := profileWith(100, 50)

	require.NoError(t, h.engine.Initialize(context.Background(), p, "s1"))
	require.NoError(t, h.engine.Start())
	h.engine.persist()

	h.clock.Advance(120 * time.Second)

	restored := NewEngine(testConfig(), h.clock, nil, h.snapshots)
	defer restored.Close()
	require.NoError(t, restored.Initialize(context.Background(), p, "s1"))

	st := restored.State()
	assert.Zero(t, st.FreeTimeLeft)
	assert.Equal(t, int64(30), st.PaidTimeLeft)
	assert.Equal(t, StatusPaused, st.Status)
}

func TestEngine_SnapshotOfAbandonedSessionIsSettled(t *testing.T) {
	h := newHarness(t)
	p := profileWith(100, 0)
	require.NoError(t, h.snapshots.Save(context.Background(), p.ID, Snapshot{
		FreeTimeLeft: 30,
		PaidTimeLeft: 90,
		TimerPaused:  true,
		SessionID:    "old-session",
		SavedAt:      testNow.Add(-time.Hour),
	}))

	require.NoError(t, h.engine.Initialize(context.Background(), p, "new-session"))

	usage, ok := h.resets.usage(p.ID)
	require.True(t, ok)
	assert.Equal(t, [2]int64{1170, 90}, usage)

	st := h.engine.State()
	assert.Equal(t, int64(30), st.FreeTimeLeft)
	assert.Equal(t, int64(90), st.PaidTimeLeft)
	assert.Equal(t, "new-session", st.SessionID)

	snap, err := h.snapshots.Load(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestEngine_SettlingBackfillsRunningSnapshot(t *testing.T) {
	h := newHarness(t)
	p := profileWith(1200, 0)
	require.NoError(t, h.snapshots.Save(context.Background(), p.ID, Snapshot{
		PaidTimeLeft:       3000,
		TotalActivatedTime: 3000,
		CreditsActivated:   true,
		SessionID:          "old-session",
		SavedAt:            testNow.Add(-100 * time.Second),
	}))

	require.NoError(t, h.engine.Initialize(context.Background(), p, "new-session"))

	usage, ok := h.resets.usage(p.ID)
	require.True(t, ok)
	assert.Equal(t, [2]int64{1200, 2900}, usage, "folded free time counts as used")

	st := h.engine.State()
	assert.Zero(t, st.FreeTimeLeft)
	assert.Equal(t, int64(2900), st.PaidTimeLeft)
	assert.False(t, st.CreditsActivated)
}

func TestEngine_SettledUsageFromEarlierDayIsReset(t *testing.T) {
	h := newHarness(t)
	yesterday := testNow.AddDate(0, 0, -1)
	p := &storage.Profile{
		ID:                uuid.New(),
		DailyFreeTimeUsed: 200,
		DailyResetDate:    yesterday.Format("2006-01-02"),
	}
	require.NoError(t, h.snapshots.Save(context.Background(), p.ID, Snapshot{
		FreeTimeLeft: 500,
		PaidTimeLeft: 60,
		TimerPaused:  true,
		SessionID:    "old-session",
		SavedAt:      yesterday,
	}))

	require.NoError(t, h.engine.Initialize(context.Background(), p, "new-session"))

	st := h.engine.State()
	assert.Equal(t, int64(1200), st.FreeTimeLeft)
	assert.Equal(t, int64(60), st.PaidTimeLeft)
	assert.Equal(t, []string{"2026-10-19"}, h.resets.dates)
}

func TestEngine_PausedSnapshotIsNotBackfilled(t *testing.T) {
	h := newHarness(t)
	p := profileWith(100, 0)
	require.NoError(t, h.snapshots.Save(context.Background(), p.ID, Snapshot{
		FreeTimeLeft: 40,
		TimerPaused:  true,
		SessionID:    "s1",
		SavedAt:      testNow.Add(-time.Hour),
	}))

	require.NoError(t, h.engine.Initialize(context.Background(), p, "s1"))
	assert.Equal(t, int64(40), h.engine.State().FreeTimeLeft)
}

func TestEngine_LowTimeFiresOncePerCrossing(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Initialize(context.Background(), profileWith(181, 0), "s1"))
	require.NoError(t, h.engine.Start())

	h.tickSeconds(1)
	h.flush()
	assert.Equal(t, 1, h.events.count(EventLowTime))

	h.tickSeconds(20)
	h.flush()
	assert.Equal(t, 1, h.events.count(EventLowTime), "no repeat while inside the band")

	require.NoError(t, h.engine.AddPaidTime(1))
	assert.Equal(t, int64(220), h.engine.State().Remaining())

	h.tickSeconds(39)
	h.flush()
	assert.Equal(t, 1, h.events.count(EventLowTime))

	h.tickSeconds(1)
	h.flush()
	assert.Equal(t, 2, h.events.count(EventLowTime), "re-armed after leaving the band")
}

func TestEngine_LowTimeFiresWhenStartingInsideBand(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Initialize(context.Background(), profileWith(150, 0), "s1"))
	require.NoError(t, h.engine.Start())

	h.tickSeconds(100)
	h.flush()

	assert.Equal(t, int64(50), h.engine.State().Remaining())
	assert.Equal(t, 1, h.events.count(EventLowTime))
}

func TestEngine_MutationsArePersisted(t *testing.T) {
	h := newHarness(t)
	p := profileWith(100, 0)
	require.NoError(t, h.engine.Initialize(context.Background(), p, "s1"))
	require.NoError(t, h.engine.Start())

	require.NoError(t, h.engine.UseCredits(5))
	snap, err := h.snapshots.Load(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.True(t, snap.CreditsActivated)
	assert.Equal(t, int64(1900), snap.PaidTimeLeft)

	require.NoError(t, h.engine.AddPaidTime(1))
	snap, err = h.snapshots.Load(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1960), snap.PaidTimeLeft)
}

func TestEngine_StoppedEngineIsNotPersisted(t *testing.T) {
	h := newHarness(t)
	p := profileWith(100, 0)
	require.NoError(t, h.engine.Initialize(context.Background(), p, "s1"))
	require.NoError(t, h.engine.Start())
	require.NoError(t, h.engine.Stop())
	require.NoError(t, h.snapshots.Clear(context.Background(), p.ID))

	h.engine.persist()

	snap, err := h.snapshots.Load(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestEngine_UseCredits(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Initialize(context.Background(), profileWith(100, 50), "s1"))

	require.NoError(t, h.engine.UseCredits(2))

	st := h.engine.State()
	assert.True(t, st.CreditsActivated)
	assert.Zero(t, st.FreeTimeLeft)
	assert.Equal(t, int64(100+50+720), st.PaidTimeLeft)
	assert.Equal(t, st.PaidTimeLeft, st.TotalActivatedTime)
	assert.InDelta(t, 100, h.engine.ProgressPercentage(), 1e-9)

	require.NoError(t, h.engine.Start())
	h.tickSeconds(87)
	assert.InDelta(t, 90, h.engine.ProgressPercentage(), 1e-9)
	assert.Zero(t, h.engine.State().FreeTimeLeft, "credits-activated sessions never regain free time")

	require.NoError(t, h.engine.AddPaidTime(10))
	st = h.engine.State()
	assert.Equal(t, int64(870+600), st.TotalActivatedTime)
	assert.Equal(t, int64(870-87+600), st.PaidTimeLeft)
}

func TestEngine_UseCreditsValidation(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.engine.UseCredits(1), ErrNotInitialized)

	require.NoError(t, h.engine.Initialize(context.Background(), profileWith(100, 0), "s1"))
	assert.ErrorIs(t, h.engine.UseCredits(0), ErrInvalidAmount)
	assert.ErrorIs(t, h.engine.AddPaidTime(-5), ErrInvalidAmount)
}

func TestEngine_ProgressWithoutCredits(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Initialize(context.Background(), profileWith(1200, 0), "s1"))
	assert.InDelta(t, 100, h.engine.ProgressPercentage(), 1e-9)

	require.NoError(t, h.engine.Start())
	h.tickSeconds(600)
	assert.InDelta(t, 50, h.engine.ProgressPercentage(), 1e-9)
}

func TestEngine_PremiumIsUnlimited(t *testing.T) {
	h := newHarness(t)
	p := profileWith(0, 0)
	p.IsPremium = true

	require.NoError(t, h.engine.Initialize(context.Background(), p, "s1"))
	require.NoError(t, h.engine.Start())
	h.tickSeconds(5000)

	st := h.engine.State()
	assert.True(t, st.Unlimited)
	assert.Equal(t, Unlimited, st.Remaining())
	assert.Equal(t, StatusRunning, st.Status)
	assert.InDelta(t, 100, h.engine.ProgressPercentage(), 1e-9)
	assert.ErrorIs(t, h.engine.UseCredits(1), ErrUnlimitedSession)
	assert.Equal(t, "∞", FormatSeconds(st.Remaining()))
}

func TestEngine_ZeroTimeAtInitStops(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Initialize(context.Background(), profileWith(0, 0), "s1"))
	h.flush()

	assert.Equal(t, StatusStopped, h.engine.State().Status)
	assert.Equal(t, 1, h.events.count(EventEnded))
}

func TestEngine_UninitializedOperationsFail(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.engine.Start(), ErrNotInitialized)
	assert.ErrorIs(t, h.engine.Pause(), ErrNotInitialized)
	assert.ErrorIs(t, h.engine.Stop(), ErrNotInitialized)
	assert.ErrorIs(t, h.engine.AddPaidTime(1), ErrNotInitialized)
	assert.Equal(t, StatusUninitialized, h.engine.State().Status)
}

func TestEngine_UnsubscribedListenerReceivesNothing(t *testing.T) {
	h := newHarness(t)
	other := &eventLog{}
	unsub := h.engine.Subscribe(other.record)

	require.NoError(t, h.engine.Initialize(context.Background(), profileWith(100, 0), "s1"))
	h.flush()
	before := len(other.events)
	require.Positive(t, before)

	unsub()
	require.NoError(t, h.engine.Start())
	h.tickSeconds(3)
	h.flush()

	assert.Len(t, other.events, before)
	assert.Greater(t, len(h.events.events), before)
}

func TestEngine_NeverNegative(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Initialize(context.Background(), profileWith(3, 2), "s1"))
	require.NoError(t, h.engine.Start())

	h.clock.Advance(time.Hour)
	h.engine.tick()

	st := h.engine.State()
	assert.GreaterOrEqual(t, st.FreeTimeLeft, int64(0))
	assert.GreaterOrEqual(t, st.PaidTimeLeft, int64(0))
	assert.Equal(t, StatusStopped, st.Status)
}
