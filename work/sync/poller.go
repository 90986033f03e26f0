package sync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/ratelimit"

	"iptv-sync/work/metrics"
	"iptv-sync/work/types"
	"iptv-sync/work/utils"
)

// sessionPoller owns the sync state for one subtitle session and is the only
// writer to it. The poll loop runs in a dedicated goroutine, so polls for a
// session never overlap; the stopped flag is checked before any response is
// applied, which is what makes cancellation observable synchronously and
// keeps a late response for a dead session from leaking into a new one.
type sessionPoller struct {
	engine    *Engine
	sessionID string

	ctx     context.Context
	cancel  context.CancelFunc
	limiter ratelimit.Limiter

	stopped  atomic.Bool
	degraded atomic.Bool
	failures int32 // consecutive poll failures, atomic

	mu        sync.Mutex
	state     types.SyncState
	current   *types.SubtitleEntry
	hideTimer *clock.Timer
	readySent bool
}

// pending signals collected while the state lock is held, emitted after it is
// released so a listener can call back into the engine without deadlocking.
type emission struct {
	syncReady    bool
	baselineMs   int
	show         *types.SubtitleEntry
	showDuration time.Duration
	drift        time.Duration
}

func newSessionPoller(engine *Engine, sessionID string) *sessionPoller {
	ctx, cancel := context.WithCancel(context.Background())
	return &sessionPoller{
		engine:    engine,
		sessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,
		limiter:   engine.pollPacer(),
		state: types.SyncState{
			Phase:              types.PhaseCalibrating,
			CalibrationSamples: make([]int, 0, engine.cfg.CalibrationSamples),
		},
	}
}

// run is the session's poll loop. Each iteration issues one idempotent
// request for entries past the last seen ID; a new poll never starts while a
// prior one is outstanding because the loop is strictly sequential. Transient
// failures are swallowed and retried on the next tick, with a degraded flag
// raised after a sustained streak.
func (p *sessionPoller) run() {
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		p.limiter.Take()

		if p.stopped.Load() {
			return
		}

		sinceID := p.lastSeenID()
		entries, err := p.engine.fetcher.FetchSince(p.ctx, p.sessionID, sinceID)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.pollFailed(err)
			continue
		}

		p.pollSucceeded()

		if len(entries) > 0 {
			p.applyEntries(entries)
		}
	}
}

// stop makes cancellation observable synchronously: the stopped flag is set
// before the context is cancelled, so a response already on the wire is
// discarded by applyEntries no matter how the race with the poll loop falls.
func (p *sessionPoller) stop() {
	p.stopped.Store(true)
	p.cancel()

	p.mu.Lock()
	if p.hideTimer != nil {
		p.hideTimer.Stop()
		p.hideTimer = nil
	}
	p.current = nil
	p.state = types.SyncState{
		Phase:              types.PhaseCalibrating,
		CalibrationSamples: make([]int, 0, p.engine.cfg.CalibrationSamples),
	}
	p.mu.Unlock()
}

// pollFailed records a transient poll failure. Failures stay silent per
// occurrence (at a 500ms cadence surfacing each one would be noise) but a
// consecutive streak past the configured threshold flips the session into a
// degraded state visible to the UI.
func (p *sessionPoller) pollFailed(err error) {
	metrics.PollErrors.WithLabelValues(p.sessionID).Inc()

	streak := atomic.AddInt32(&p.failures, 1)
	if int(streak) >= p.engine.cfg.DegradedThreshold && p.degraded.CompareAndSwap(false, true) {
		p.engine.log.Warn("session %s: %d consecutive poll failures, marking degraded (last: %v)",
			p.sessionID, streak, err)
		return
	}
	p.engine.log.Debug("session %s: poll failed (streak %d): %v", p.sessionID, streak, err)
}

func (p *sessionPoller) pollSucceeded() {
	if atomic.SwapInt32(&p.failures, 0) > 0 && p.degraded.CompareAndSwap(true, false) {
		p.engine.log.Info("session %s: polling recovered", p.sessionID)
	}
}

// applyEntries runs the calibration/display state machine over one poll
// response, in ascending entry ID order. Duplicates and already-seen IDs are
// discarded; lastSeenEntryID never regresses. Responses arriving after stop
// are dropped wholesale.
func (p *sessionPoller) applyEntries(entries []types.SubtitleEntry) {
	if p.stopped.Load() {
		return
	}

	sortEntries(entries)

	p.mu.Lock()

	var out []emission
	for _, entry := range entries {
		if entry.ID <= p.state.LastSeenEntryID {
			continue
		}
		p.state.LastSeenEntryID = entry.ID

		if p.state.Phase == types.PhaseCalibrating {
			if em := p.calibrate(entry); em != nil {
				out = append(out, *em)
			}
			continue
		}
		out = append(out, p.display(entry))
	}

	p.mu.Unlock()

	for _, em := range out {
		p.emit(em)
	}
}

// calibrate consumes one entry as a latency sample. Entries seen during
// calibration are never displayed. Once K samples are in, the baseline delay
// becomes the worst observed turnaround plus the safety margin, the phase
// flips to Synced (exactly once, never back), and the sync-ready signal is
// queued. Called with the state lock held.
func (p *sessionPoller) calibrate(entry types.SubtitleEntry) *emission {
	cfg := p.engine.cfg

	sample := entry.ProcessingTimeMs
	if sample <= 0 {
		// service omitted the measurement, assume the reference turnaround
		sample = cfg.DefaultSampleMs
	}
	p.state.CalibrationSamples = append(p.state.CalibrationSamples, sample)
	metrics.EntriesConsumed.WithLabelValues("calibrating").Inc()

	if len(p.state.CalibrationSamples) < cfg.CalibrationSamples {
		return nil
	}

	worst := p.state.CalibrationSamples[0]
	for _, s := range p.state.CalibrationSamples[1:] {
		if s > worst {
			worst = s
		}
	}

	p.state.BaselineDelayMs = worst + cfg.SafetyMarginMs
	p.state.Phase = types.PhaseSynced

	if p.readySent {
		return nil
	}
	p.readySent = true
	return &emission{syncReady: true, baselineMs: p.state.BaselineDelayMs}
}

// display makes an entry the visible subtitle, replacing whatever was shown
// and rearming the hide timer with the new entry's duration. Inter-arrival
// spacing beyond the expected interval plus margin queues a drift warning,
// observational only. Called with the state lock held.
func (p *sessionPoller) display(entry types.SubtitleEntry) emission {
	cfg := p.engine.cfg
	now := p.engine.clock.Now()

	entry.Text = utils.CleanSubtitleText(entry.Text)
	duration := p.engine.DisplayDuration(entry.Text)

	em := emission{show: &entry, showDuration: duration}

	if !p.state.LastArrival.IsZero() {
		interArrival := now.Sub(p.state.LastArrival)
		allowed := time.Duration(cfg.ExpectedIntervalMs+cfg.MaxDriftMs) * time.Millisecond
		if interArrival > allowed {
			em.drift = interArrival
			metrics.DriftWarnings.WithLabelValues(p.sessionID).Inc()
		}
	}
	p.state.LastArrival = now

	p.current = &entry
	metrics.EntriesConsumed.WithLabelValues("synced").Inc()

	if p.hideTimer != nil {
		p.hideTimer.Stop()
	}
	shownID := entry.ID
	p.hideTimer = p.engine.clock.AfterFunc(duration, func() {
		p.hide(shownID)
	})

	return em
}

// hide clears the visible entry when its display window elapses, unless a
// newer entry has already replaced it.
func (p *sessionPoller) hide(entryID int) {
	p.mu.Lock()
	if p.stopped.Load() || p.current == nil || p.current.ID != entryID {
		p.mu.Unlock()
		return
	}
	p.current = nil
	p.mu.Unlock()

	p.engine.listener.OnSubtitleHidden(p.sessionID)
}

// emit delivers queued signals with no locks held.
func (p *sessionPoller) emit(em emission) {
	if em.syncReady {
		p.engine.log.Info("session %s: calibration complete, baseline delay %dms", p.sessionID, em.baselineMs)
		p.engine.listener.OnSyncReady(p.sessionID, em.baselineMs)
	}
	if em.drift > 0 {
		p.engine.log.Warn("session %s: subtitle arrival drifted, %s since previous entry", p.sessionID, em.drift)
		p.engine.listener.OnDrift(p.sessionID, em.drift)
	}
	if em.show != nil {
		p.engine.listener.OnSubtitle(p.sessionID, *em.show, em.showDuration)
	}
}

func (p *sessionPoller) lastSeenID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.LastSeenEntryID
}

func (p *sessionPoller) snapshot() types.SyncState {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := p.state
	snap.CalibrationSamples = append([]int(nil), p.state.CalibrationSamples...)
	return snap
}

func (p *sessionPoller) currentEntry() (types.SubtitleEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil {
		return types.SubtitleEntry{}, false
	}
	return *p.current, true
}
