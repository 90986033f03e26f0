package sync

import (
	"context"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"

	"iptv-sync/work/config"
	"iptv-sync/work/logger"
	"iptv-sync/work/metrics"
	"iptv-sync/work/types"
	"iptv-sync/work/utils"
)

// Fetcher retrieves new subtitle entries for a session from the remote
// service. Implemented by the subtitle session client; the engine only sees
// this interface so tests can substitute an in-memory feed.
type Fetcher interface {
	FetchSince(ctx context.Context, sessionID string, sinceID int) ([]types.SubtitleEntry, error)
}

// Listener receives the engine's playback signals and display events. The
// playback coordinator implements it; every method is invoked outside the
// engine's locks and must not block.
type Listener interface {
	// OnWaitingForSync fires when a session (re)starts calibration. The
	// coordinator should pause the video if currently playing.
	OnWaitingForSync(sessionID string)

	// OnSyncReady fires exactly once per session, when calibration completes.
	// The coordinator may resume playback.
	OnSyncReady(sessionID string, baselineDelayMs int)

	// OnSubtitle fires when an entry becomes visible, with its display duration.
	OnSubtitle(sessionID string, entry types.SubtitleEntry, duration time.Duration)

	// OnSubtitleHidden fires when the visible entry's display duration elapses
	// without a replacement.
	OnSubtitleHidden(sessionID string)

	// OnDrift fires when entry arrival spacing exceeds the expected interval
	// plus the drift margin. Observational only.
	OnDrift(sessionID string, interArrival time.Duration)
}

// Engine aligns asynchronously produced subtitle text with live video
// playback. The service's processing latency is unknown in advance, so each
// session starts in a calibration phase: the engine measures the turnaround
// of the first K entries, takes the worst sample plus a safety margin as the
// session's baseline delay, and only then tells the playback coordinator to
// resume. Post-calibration entries are displayed immediately on arrival,
// since the baseline delay has already elapsed for them.
//
// One poller goroutine runs per active session, so polls for a session never
// overlap. Stopping a session (or starting a replacement) cancels its poller
// and discards any response still in flight.
type Engine struct {
	cfg      *config.Config
	fetcher  Fetcher
	listener Listener
	log      *logger.Logger
	clock    clock.Clock

	pollers *xsync.MapOf[string, *sessionPoller]
}

// NewEngine creates the sync engine. The listener must be non-nil; the
// fetcher may be nil at construction and wired later with SetFetcher, as
// long as that happens before the first StartSession.
func NewEngine(cfg *config.Config, fetcher Fetcher, listener Listener, log *logger.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		fetcher:  fetcher,
		listener: listener,
		log:      log.WithTag("[SYNC]"),
		clock:    clock.New(),
		pollers:  xsync.NewMapOf[string, *sessionPoller](),
	}
}

// SetFetcher replaces the entry source. The session client both starts
// sessions and serves their entries, so it is constructed after the engine
// and wired in here before any session starts.
func (e *Engine) SetFetcher(fetcher Fetcher) {
	e.fetcher = fetcher
}

// StartSession begins polling the given session from entry zero with a fresh
// calibration state. Any existing poller for the same session id is stopped
// first; a session restart always calibrates from scratch. The waiting-for-
// sync signal is emitted synchronously before the first poll so the
// coordinator pauses playback ahead of any entry arriving.
func (e *Engine) StartSession(sessionID string) {
	if existing, ok := e.pollers.LoadAndDelete(sessionID); ok {
		existing.stop()
	}

	poller := newSessionPoller(e, sessionID)
	e.pollers.Store(sessionID, poller)

	metrics.ActiveSessions.Inc()
	e.log.Debug("session %s: calibration started, polling every %s", sessionID, e.cfg.PollInterval)
	e.listener.OnWaitingForSync(sessionID)

	go poller.run()
}

// StopSession tears down a session's poller: polling stops, any pending hide
// timer is cleared, and a response already in flight for the session is
// discarded rather than applied. Idempotent.
func (e *Engine) StopSession(sessionID string) {
	if poller, ok := e.pollers.LoadAndDelete(sessionID); ok {
		poller.stop()
		metrics.ActiveSessions.Dec()
		e.log.Debug("session %s: stopped", sessionID)
	}
}

// StopAll tears down every active session. Called at shutdown.
func (e *Engine) StopAll() {
	e.pollers.Range(func(key string, poller *sessionPoller) bool {
		if _, ok := e.pollers.LoadAndDelete(key); ok {
			poller.stop()
			metrics.ActiveSessions.Dec()
		}
		return true
	})
}

// State returns a snapshot of a session's sync state.
func (e *Engine) State(sessionID string) (types.SyncState, bool) {
	poller, ok := e.pollers.Load(sessionID)
	if !ok {
		return types.SyncState{}, false
	}
	return poller.snapshot(), true
}

// Current returns the subtitle entry currently visible for a session, if any.
func (e *Engine) Current(sessionID string) (types.SubtitleEntry, bool) {
	poller, ok := e.pollers.Load(sessionID)
	if !ok {
		return types.SubtitleEntry{}, false
	}
	return poller.currentEntry()
}

// Degraded reports whether a session's polling has failed enough consecutive
// times to be considered degraded. The flag clears on the next successful
// poll; polling itself never stops.
func (e *Engine) Degraded(sessionID string) bool {
	poller, ok := e.pollers.Load(sessionID)
	return ok && poller.degraded.Load()
}

// DisplayDuration computes how long a subtitle stays visible: per-character
// time clamped to the configured minimum and maximum. Counted in runes so
// non-Latin subtitles aren't penalized for their byte length.
func (e *Engine) DisplayDuration(text string) time.Duration {
	ms := utils.ClampInt(len([]rune(text))*e.cfg.DisplayMsPerChar, e.cfg.DisplayMinMs, e.cfg.DisplayMaxMs)
	return time.Duration(ms) * time.Millisecond
}

// sortEntries orders a poll response by ascending entry ID. The service
// returns entries ordered, but the ordering invariant is the engine's to
// enforce, not the transport's.
func sortEntries(entries []types.SubtitleEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID < entries[j].ID
	})
}

// pollPacer builds the per-session rate limiter that paces the poll loop to
// the configured cadence.
func (e *Engine) pollPacer() ratelimit.Limiter {
	return ratelimit.New(1, ratelimit.Per(e.cfg.PollInterval))
}
