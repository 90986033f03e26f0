package sync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iptv-sync/work/config"
	"iptv-sync/work/logger"
	"iptv-sync/work/types"
)

func testConfig() *config.Config {
	return &config.Config{
		PollInterval:       500 * time.Millisecond,
		CalibrationSamples: 3,
		SafetyMarginMs:     2000,
		DefaultSampleMs:    2000,
		ExpectedIntervalMs: 3000,
		MaxDriftMs:         1500,
		DisplayMsPerChar:   70,
		DisplayMinMs:       2500,
		DisplayMaxMs:       8000,
		DegradedThreshold:  10,
	}
}

// recordingListener captures every signal for later assertions.
type recordingListener struct {
	mu        sync.Mutex
	waiting   []string
	readyFor  []string
	baselines []int
	shown     []types.SubtitleEntry
	durations []time.Duration
	hidden    int
	drifts    []time.Duration
}

func (l *recordingListener) OnWaitingForSync(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waiting = append(l.waiting, sessionID)
}

func (l *recordingListener) OnSyncReady(sessionID string, baselineDelayMs int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readyFor = append(l.readyFor, sessionID)
	l.baselines = append(l.baselines, baselineDelayMs)
}

func (l *recordingListener) OnSubtitle(sessionID string, entry types.SubtitleEntry, duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shown = append(l.shown, entry)
	l.durations = append(l.durations, duration)
}

func (l *recordingListener) OnSubtitleHidden(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hidden++
}

func (l *recordingListener) OnDrift(sessionID string, interArrival time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.drifts = append(l.drifts, interArrival)
}

func (l *recordingListener) snapshot() recordingListener {
	l.mu.Lock()
	defer l.mu.Unlock()
	return recordingListener{
		waiting:   append([]string(nil), l.waiting...),
		readyFor:  append([]string(nil), l.readyFor...),
		baselines: append([]int(nil), l.baselines...),
		shown:     append([]types.SubtitleEntry(nil), l.shown...),
		durations: append([]time.Duration(nil), l.durations...),
		hidden:    l.hidden,
		drifts:    append([]time.Duration(nil), l.drifts...),
	}
}

// fetcherFunc adapts a function to the Fetcher interface.
type fetcherFunc func(ctx context.Context, sessionID string, sinceID int) ([]types.SubtitleEntry, error)

func (f fetcherFunc) FetchSince(ctx context.Context, sessionID string, sinceID int) ([]types.SubtitleEntry, error) {
	return f(ctx, sessionID, sinceID)
}

func noEntries(ctx context.Context, sessionID string, sinceID int) ([]types.SubtitleEntry, error) {
	return nil, nil
}

func newTestEngine(t *testing.T, listener Listener) (*Engine, *clock.Mock) {
	t.Helper()
	engine := NewEngine(testConfig(), fetcherFunc(noEntries), listener, logger.New("error"))
	mock := clock.NewMock()
	engine.clock = mock
	return engine, mock
}

func entry(id, processingMs int, text string) types.SubtitleEntry {
	return types.SubtitleEntry{
		ID:               id,
		StartTime:        float64(id) * 3,
		EndTime:          float64(id)*3 + 2.5,
		Text:             text,
		ProcessingTimeMs: processingMs,
	}
}

func TestPoller_CalibrationUsesWorstSamplePlusMargin(t *testing.T) {
	listener := &recordingListener{}
	engine, _ := newTestEngine(t, listener)

	p := newSessionPoller(engine, "s1")
	p.applyEntries([]types.SubtitleEntry{
		entry(1, 1800, "one"),
		entry(2, 2500, "two"),
		entry(3, 2100, "three"),
	})

	state := p.snapshot()
	assert.Equal(t, types.PhaseSynced, state.Phase)
	assert.Equal(t, 4500, state.BaselineDelayMs)
	assert.Equal(t, []int{1800, 2500, 2100}, state.CalibrationSamples)

	got := listener.snapshot()
	require.Equal(t, []int{4500}, got.baselines)
	assert.Empty(t, got.shown, "calibration entries must never be displayed")
}

func TestPoller_CalibrationDefaultsMissingSamples(t *testing.T) {
	listener := &recordingListener{}
	engine, _ := newTestEngine(t, listener)

	p := newSessionPoller(engine, "s1")
	p.applyEntries([]types.SubtitleEntry{
		entry(1, 0, "one"),
		entry(2, 0, "two"),
		entry(3, 1500, "three"),
	})

	// two assumed 2000ms samples, worst is 2000, plus the margin
	state := p.snapshot()
	assert.Equal(t, 4000, state.BaselineDelayMs)
	assert.Equal(t, []int{2000, 2000, 1500}, state.CalibrationSamples)
}

func TestPoller_NoSignalsBeforeCalibrationCompletes(t *testing.T) {
	listener := &recordingListener{}
	engine, _ := newTestEngine(t, listener)

	p := newSessionPoller(engine, "s1")
	p.applyEntries([]types.SubtitleEntry{
		entry(1, 2000, "one"),
		entry(2, 2000, "two"),
	})

	state := p.snapshot()
	assert.Equal(t, types.PhaseCalibrating, state.Phase)
	assert.Equal(t, 0, state.BaselineDelayMs)

	got := listener.snapshot()
	assert.Empty(t, got.readyFor)
	assert.Empty(t, got.shown)

	_, visible := p.currentEntry()
	assert.False(t, visible)
}

func TestPoller_SyncReadyEmittedExactlyOnce(t *testing.T) {
	listener := &recordingListener{}
	engine, _ := newTestEngine(t, listener)

	p := newSessionPoller(engine, "s1")
	p.applyEntries([]types.SubtitleEntry{
		entry(1, 2000, "one"),
		entry(2, 2000, "two"),
		entry(3, 2000, "three"),
		entry(4, 2000, "four"),
		entry(5, 2000, "five"),
	})

	got := listener.snapshot()
	require.Len(t, got.readyFor, 1)

	// entries past the calibration window are displayed, not sampled
	require.Len(t, got.shown, 2)
	assert.Equal(t, 4, got.shown[0].ID)
	assert.Equal(t, 5, got.shown[1].ID)

	state := p.snapshot()
	assert.Len(t, state.CalibrationSamples, 3)
}

func TestPoller_ConsumesEntriesInOrderAndSkipsSeen(t *testing.T) {
	listener := &recordingListener{}
	engine, _ := newTestEngine(t, listener)

	p := newSessionPoller(engine, "s1")

	// out-of-order response with a duplicate
	p.applyEntries([]types.SubtitleEntry{
		entry(3, 2000, "three"),
		entry(1, 2000, "one"),
		entry(2, 2000, "two"),
		entry(2, 2000, "two again"),
	})

	state := p.snapshot()
	assert.Equal(t, types.PhaseSynced, state.Phase)
	assert.Equal(t, 3, state.LastSeenEntryID)
	assert.Len(t, state.CalibrationSamples, 3)

	// a replay of already-seen IDs is discarded wholesale
	p.applyEntries([]types.SubtitleEntry{
		entry(2, 2000, "two"),
		entry(3, 2000, "three"),
	})

	got := listener.snapshot()
	assert.Empty(t, got.shown)
	assert.Equal(t, 3, p.snapshot().LastSeenEntryID)

	// only a genuinely new entry advances the cursor
	p.applyEntries([]types.SubtitleEntry{entry(4, 2000, "four")})
	assert.Equal(t, 4, p.snapshot().LastSeenEntryID)
	assert.Len(t, listener.snapshot().shown, 1)
}

func TestEngine_DisplayDurationClamps(t *testing.T) {
	engine, _ := newTestEngine(t, &recordingListener{})

	short := strings.Repeat("a", 10)
	long := strings.Repeat("a", 200)
	mid := strings.Repeat("a", 50)

	assert.Equal(t, 2500*time.Millisecond, engine.DisplayDuration(short))
	assert.Equal(t, 8000*time.Millisecond, engine.DisplayDuration(long))
	assert.Equal(t, 3500*time.Millisecond, engine.DisplayDuration(mid))
	assert.Equal(t, 2500*time.Millisecond, engine.DisplayDuration(""))
}

func TestPoller_HideTimerClearsEntry(t *testing.T) {
	listener := &recordingListener{}
	engine, mock := newTestEngine(t, listener)

	p := newSessionPoller(engine, "s1")
	p.applyEntries([]types.SubtitleEntry{
		entry(1, 2000, "one"),
		entry(2, 2000, "two"),
		entry(3, 2000, "three"),
	})

	text := strings.Repeat("a", 50) // 3500ms display window
	p.applyEntries([]types.SubtitleEntry{entry(4, 2000, text)})

	current, visible := p.currentEntry()
	require.True(t, visible)
	assert.Equal(t, 4, current.ID)

	mock.Add(3400 * time.Millisecond)
	_, visible = p.currentEntry()
	assert.True(t, visible, "entry must stay visible for its full window")

	mock.Add(200 * time.Millisecond)
	_, visible = p.currentEntry()
	assert.False(t, visible)
	assert.Equal(t, 1, listener.snapshot().hidden)
}

func TestPoller_NewEntryReplacesHideTimer(t *testing.T) {
	listener := &recordingListener{}
	engine, mock := newTestEngine(t, listener)

	p := newSessionPoller(engine, "s1")
	p.applyEntries([]types.SubtitleEntry{
		entry(1, 2000, "one"),
		entry(2, 2000, "two"),
		entry(3, 2000, "three"),
	})

	p.applyEntries([]types.SubtitleEntry{entry(4, 2000, strings.Repeat("a", 50))})
	mock.Add(2 * time.Second)
	p.applyEntries([]types.SubtitleEntry{entry(5, 2000, strings.Repeat("b", 50))})

	// the replaced entry's window elapsing must not hide the new one
	mock.Add(2 * time.Second)
	current, visible := p.currentEntry()
	require.True(t, visible)
	assert.Equal(t, 5, current.ID)

	mock.Add(2 * time.Second)
	_, visible = p.currentEntry()
	assert.False(t, visible)
	assert.Equal(t, 1, listener.snapshot().hidden)
}

func TestPoller_DriftWarningOnSlowArrivals(t *testing.T) {
	listener := &recordingListener{}
	engine, mock := newTestEngine(t, listener)

	p := newSessionPoller(engine, "s1")
	p.applyEntries([]types.SubtitleEntry{
		entry(1, 2000, "one"),
		entry(2, 2000, "two"),
		entry(3, 2000, "three"),
	})

	p.applyEntries([]types.SubtitleEntry{entry(4, 2000, "four")})

	// exactly at the tolerance boundary, no warning
	mock.Add(4500 * time.Millisecond)
	p.applyEntries([]types.SubtitleEntry{entry(5, 2000, "five")})
	assert.Empty(t, listener.snapshot().drifts)

	// past it, one warning carrying the observed gap
	mock.Add(4501 * time.Millisecond)
	p.applyEntries([]types.SubtitleEntry{entry(6, 2000, "six")})

	got := listener.snapshot()
	require.Len(t, got.drifts, 1)
	assert.Equal(t, 4501*time.Millisecond, got.drifts[0])
}

func TestPoller_StopDiscardsLateResponses(t *testing.T) {
	listener := &recordingListener{}
	engine, _ := newTestEngine(t, listener)

	p := newSessionPoller(engine, "s1")
	p.applyEntries([]types.SubtitleEntry{
		entry(1, 2000, "one"),
		entry(2, 2000, "two"),
		entry(3, 2000, "three"),
	})
	p.applyEntries([]types.SubtitleEntry{entry(4, 2000, "four")})

	p.stop()

	// a response already on the wire when stop ran must change nothing
	p.applyEntries([]types.SubtitleEntry{entry(5, 2000, "five")})

	state := p.snapshot()
	assert.Equal(t, types.PhaseCalibrating, state.Phase)
	assert.Equal(t, 0, state.LastSeenEntryID)
	_, visible := p.currentEntry()
	assert.False(t, visible)

	got := listener.snapshot()
	assert.Len(t, got.shown, 1, "no display after stop")
}

func TestPoller_WholeSessionScenario(t *testing.T) {
	listener := &recordingListener{}
	engine, _ := newTestEngine(t, listener)

	p := newSessionPoller(engine, "s1")
	p.applyEntries([]types.SubtitleEntry{entry(1, 2200, "one")})
	p.applyEntries([]types.SubtitleEntry{entry(2, 1900, "two")})
	p.applyEntries([]types.SubtitleEntry{entry(3, 2600, "three")})

	got := listener.snapshot()
	require.Equal(t, []int{4600}, got.baselines)
	assert.Empty(t, got.shown)

	p.applyEntries([]types.SubtitleEntry{entry(4, 2000, strings.Repeat("x", 50))})

	got = listener.snapshot()
	require.Len(t, got.shown, 1)
	assert.Equal(t, 3500*time.Millisecond, got.durations[0])
}

func TestPoller_DegradedAfterFailureStreak(t *testing.T) {
	listener := &recordingListener{}
	engine, _ := newTestEngine(t, listener)

	p := newSessionPoller(engine, "s1")
	pollErr := errors.New("service unavailable")

	for i := 0; i < engine.cfg.DegradedThreshold-1; i++ {
		p.pollFailed(pollErr)
	}
	assert.False(t, p.degraded.Load())

	p.pollFailed(pollErr)
	assert.True(t, p.degraded.Load())

	p.pollSucceeded()
	assert.False(t, p.degraded.Load())
}

func TestEngine_StartSessionEmitsWaitingSignal(t *testing.T) {
	listener := &recordingListener{}
	engine, _ := newTestEngine(t, listener)

	engine.StartSession("s1")
	defer engine.StopAll()

	// the waiting signal is synchronous with StartSession
	assert.Equal(t, []string{"s1"}, listener.snapshot().waiting)

	state, ok := engine.State("s1")
	require.True(t, ok)
	assert.Equal(t, types.PhaseCalibrating, state.Phase)
}

func TestEngine_RestartResetsCalibration(t *testing.T) {
	listener := &recordingListener{}
	engine, _ := newTestEngine(t, listener)
	defer engine.StopAll()

	engine.StartSession("s1")
	p, ok := engine.pollers.Load("s1")
	require.True(t, ok)

	p.applyEntries([]types.SubtitleEntry{
		entry(1, 2000, "one"),
		entry(2, 2000, "two"),
		entry(3, 2000, "three"),
	})
	require.Equal(t, types.PhaseSynced, p.snapshot().Phase)

	engine.StartSession("s1")

	assert.True(t, p.stopped.Load(), "replaced poller must be stopped")

	state, ok := engine.State("s1")
	require.True(t, ok)
	assert.Equal(t, types.PhaseCalibrating, state.Phase)
	assert.Equal(t, 0, state.LastSeenEntryID)
	assert.Empty(t, state.CalibrationSamples)

	// the fresh poller recalibrates from scratch and re-announces readiness
	fresh, ok := engine.pollers.Load("s1")
	require.True(t, ok)
	fresh.applyEntries([]types.SubtitleEntry{
		entry(1, 1000, "one"),
		entry(2, 1000, "two"),
		entry(3, 1000, "three"),
	})
	got := listener.snapshot()
	assert.Equal(t, []int{4000, 3000}, got.baselines)
}

func TestEngine_StopSessionRemovesState(t *testing.T) {
	listener := &recordingListener{}
	engine, _ := newTestEngine(t, listener)

	engine.StartSession("s1")
	engine.StopSession("s1")

	_, ok := engine.State("s1")
	assert.False(t, ok)

	// stopping again is harmless
	engine.StopSession("s1")
}
