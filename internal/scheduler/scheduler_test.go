package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"market_session/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeed struct {
	mu      sync.Mutex
	running bool
	starts  int
	stops   int
}

func (f *fakeFeed) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		f.running = true
		f.starts++
	}
	return nil
}

func (f *fakeFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		f.running = false
		f.stops++
	}
}

func (f *fakeFeed) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

type fakeEOD struct {
	calls int
	fail  bool
}

func (e *fakeEOD) Run(context.Context) (int, error) {
	e.calls++
	if e.fail {
		return 0, errors.New("db locked")
	}
	return 3, nil
}

type memoryMarkers map[string]string

func (m memoryMarkers) SaveSetting(key, value string) error {
	m[key] = value
	return nil
}

func (m memoryMarkers) LoadSetting(key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func ist(t *testing.T, value string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, loc)
	require.NoError(t, err)
	return ts
}

type fixture struct {
	sched   *Scheduler
	poller  *fakeFeed
	stream  *fakeFeed
	eod     *fakeEOD
	markers memoryMarkers
	opens   int
	warms   int
}

func newFixture(streamAlwaysOn bool) *fixture {
	f := &fixture{
		poller:  &fakeFeed{},
		stream:  &fakeFeed{},
		eod:     &fakeEOD{},
		markers: memoryMarkers{},
	}
	f.sched = New(Options{
		Clock: session.NewClock(session.DefaultConfig()),
		Feeds: []SupervisedFeed{
			{Name: "poller", Feed: f.poller},
			{Name: "stream", Feed: f.stream, AlwaysOn: streamAlwaysOn},
		},
		OnOpen:  []func(){func() { f.opens++ }},
		Warmers: []func(context.Context){func(context.Context) { f.warms++ }},
		EOD:     f.eod,
		Markers: f.markers,
	})
	return f
}

func TestTick_FeedsFollowSession(t *testing.T) {
	f := newFixture(false)
	ctx := context.Background()

	f.sched.Tick(ctx, ist(t, "2025-03-03 08:00"))
	assert.False(t, f.poller.Running())

	f.sched.Tick(ctx, ist(t, "2025-03-03 09:13"))
	assert.True(t, f.poller.Running(), "pre-open starts the feed")
	assert.Equal(t, 0, f.opens)

	f.sched.Tick(ctx, ist(t, "2025-03-03 09:15"))
	f.sched.Tick(ctx, ist(t, "2025-03-03 09:16"))
	assert.Equal(t, 1, f.poller.starts)
	assert.Equal(t, 1, f.opens, "open hooks run once per transition")
	assert.Equal(t, 2, f.warms)

	f.sched.Tick(ctx, ist(t, "2025-03-03 15:31"))
	assert.False(t, f.poller.Running())
	assert.False(t, f.stream.Running())
	assert.Equal(t, 1, f.poller.stops)

	status := f.sched.Status()
	assert.Equal(t, "EOD_WINDOW", status.Phase.String())
	assert.Empty(t, status.RunningFeeds)
}

func TestTick_AlwaysOnFeed(t *testing.T) {
	f := newFixture(true)
	f.sched.Tick(context.Background(), ist(t, "2025-03-01 22:00"))

	assert.True(t, f.stream.Running())
	assert.False(t, f.poller.Running())
	assert.Equal(t, []string{"stream"}, f.sched.Status().RunningFeeds)
}

func TestTick_EODRunsOncePerDay(t *testing.T) {
	f := newFixture(false)
	ctx := context.Background()

	f.sched.Tick(ctx, ist(t, "2025-03-03 15:31"))
	f.sched.Tick(ctx, ist(t, "2025-03-03 15:32"))
	assert.Equal(t, 1, f.eod.calls)
	assert.Equal(t, "2025-03-03", f.markers[EODMarkerKey])

	// the next trading day runs again after the midnight reset
	f.sched.Tick(ctx, ist(t, "2025-03-04 00:01"))
	assert.False(t, f.sched.Status().EODDoneToday)
	f.sched.Tick(ctx, ist(t, "2025-03-04 15:33"))
	assert.Equal(t, 2, f.eod.calls)
	assert.Equal(t, "2025-03-04", f.markers[EODMarkerKey])
}

func TestTick_EODFailureRetriesNextTick(t *testing.T) {
	f := newFixture(false)
	ctx := context.Background()

	f.eod.fail = true
	f.sched.Tick(ctx, ist(t, "2025-03-03 15:31"))
	assert.False(t, f.sched.Status().EODDoneToday)
	_, saved := f.markers[EODMarkerKey]
	assert.False(t, saved)

	f.eod.fail = false
	f.sched.Tick(ctx, ist(t, "2025-03-03 15:32"))
	assert.Equal(t, 2, f.eod.calls)
	assert.True(t, f.sched.Status().EODDoneToday)
}

func TestRestore_SkipsCompletedDay(t *testing.T) {
	f := newFixture(false)
	f.markers[EODMarkerKey] = "2025-03-03"

	require.NoError(t, f.sched.Restore(ist(t, "2025-03-03 15:33")))
	f.sched.Tick(context.Background(), ist(t, "2025-03-03 15:33"))
	assert.Equal(t, 0, f.eod.calls)
}

func TestRun_StopsFeedsOnExit(t *testing.T) {
	f := newFixture(true)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	require.Eventually(t, f.stream.Running, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, f.stream.Running())
}
