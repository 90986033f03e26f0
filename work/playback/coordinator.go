package playback

import (
	"sync"
	"time"

	"iptv-sync/work/config"
	"iptv-sync/work/logger"
	"iptv-sync/work/types"
	"iptv-sync/work/utils"
)

// EventKind classifies the playback events the opaque video engine emits.
type EventKind int

const (
	EventBuffering EventKind = iota
	EventPlaying
	EventEnded
	EventError
)

// Event is a playback notification from the video engine.
type Event struct {
	Kind    EventKind
	Message string
}

// VideoEngine is the opaque decode/render engine behind a player surface.
// The coordinator never looks inside it: it can load a stream URL, start and
// stop playback, seek, and adjust audio, and it reports buffering/ended
// events on the channel returned by Events.
type VideoEngine interface {
	Load(streamURL string) error
	Play() error
	Pause() error
	Seek(deltaSeconds float64) error
	SetVolume(volume float64) error
	SetMuted(muted bool) error
	Events() <-chan Event
}

// Coordinator owns one video engine instance (the main view and an optional
// picture-in-picture view each get their own). It forwards transport and
// audio controls untouched and applies the sync engine's pause-for-
// calibration / resume-on-sync-ready signals idempotently: a pause request
// against an already paused engine, or a resume against a playing one, is a
// no-op.
type Coordinator struct {
	cfg    *config.Config
	engine VideoEngine
	log    *logger.Logger

	quality *QualitySelector

	mu            sync.Mutex
	currentURL    string
	playing       bool
	pausedForSync bool
	sessionID     string // subtitle session bound to this player, empty when none
	overlay       *types.SubtitleEntry
}

// NewCoordinator wires a coordinator around a video engine. The quality
// selector may be nil when HLS variant switching is not needed (e.g. PiP).
func NewCoordinator(cfg *config.Config, engine VideoEngine, quality *QualitySelector, log *logger.Logger) *Coordinator {
	c := &Coordinator{
		cfg:     cfg,
		engine:  engine,
		quality: quality,
		log:     log.WithTag("[PLAYBACK]"),
	}

	go c.consumeEvents()

	return c
}

// Bind ties this player to a subtitle session so the coordinator only reacts
// to that session's sync signals. An empty id unbinds.
func (c *Coordinator) Bind(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
	c.overlay = nil
}

// Load points the engine at a stream URL without starting playback.
func (c *Coordinator) Load(streamURL string) error {
	c.mu.Lock()
	c.currentURL = streamURL
	c.playing = false
	c.pausedForSync = false
	c.mu.Unlock()

	c.log.Debug("loading %s", utils.LogURL(c.cfg, streamURL))
	return c.engine.Load(streamURL)
}

// Play starts playback if not already playing.
func (c *Coordinator) Play() error {
	c.mu.Lock()
	if c.playing {
		c.mu.Unlock()
		return nil
	}
	c.playing = true
	c.pausedForSync = false
	c.mu.Unlock()

	return c.engine.Play()
}

// Pause stops playback if currently playing.
func (c *Coordinator) Pause() error {
	c.mu.Lock()
	if !c.playing {
		c.mu.Unlock()
		return nil
	}
	c.playing = false
	c.mu.Unlock()

	return c.engine.Pause()
}

// SeekRelative moves the play position by deltaSeconds (negative rewinds).
func (c *Coordinator) SeekRelative(deltaSeconds float64) error {
	return c.engine.Seek(deltaSeconds)
}

// SetVolume passes the volume through to the engine.
func (c *Coordinator) SetVolume(volume float64) error {
	return c.engine.SetVolume(volume)
}

// SetMuted passes the mute flag through to the engine.
func (c *Coordinator) SetMuted(muted bool) error {
	return c.engine.SetMuted(muted)
}

// SelectQuality resolves the named variant of the current stream's master
// playlist and reloads the engine with it, restoring the playing state.
func (c *Coordinator) SelectQuality(label string) error {
	c.mu.Lock()
	masterURL := c.currentURL
	wasPlaying := c.playing
	c.mu.Unlock()

	if c.quality == nil || masterURL == "" {
		return nil
	}

	variantURL, err := c.quality.Resolve(masterURL, label)
	if err != nil {
		return err
	}
	if variantURL == "" || variantURL == masterURL {
		return nil
	}

	c.log.Info("switching to quality %q: %s", label, utils.LogURL(c.cfg, variantURL))

	if err := c.engine.Load(variantURL); err != nil {
		return err
	}
	if wasPlaying {
		return c.engine.Play()
	}
	return nil
}

// Playing reports whether the engine is currently playing.
func (c *Coordinator) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// Overlay returns the subtitle entry currently rendered over this player.
func (c *Coordinator) Overlay() (types.SubtitleEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.overlay == nil {
		return types.SubtitleEntry{}, false
	}
	return *c.overlay, true
}

// consumeEvents drains the engine's event channel, keeping the playing flag
// honest when the stream ends or errors out underneath us.
func (c *Coordinator) consumeEvents() {
	for ev := range c.engine.Events() {
		switch ev.Kind {
		case EventEnded, EventError:
			c.mu.Lock()
			c.playing = false
			c.pausedForSync = false
			c.mu.Unlock()
			if ev.Kind == EventError {
				c.log.Warn("engine reported error: %s", ev.Message)
			}
		case EventBuffering:
			c.log.Debug("engine buffering")
		case EventPlaying:
			c.mu.Lock()
			c.playing = true
			c.mu.Unlock()
		}
	}
}

// --- sync engine signal handling -------------------------------------------

// boundTo reports whether a sync signal for the given session concerns this
// player.
func (c *Coordinator) boundTo(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID == sessionID
}

// OnWaitingForSync pauses playback while the session calibrates. Only pauses
// an engine that is actually playing, and remembers that the pause was
// sync-driven so user pauses are not clobbered by a later resume.
func (c *Coordinator) OnWaitingForSync(sessionID string) {
	if !c.boundTo(sessionID) {
		return
	}

	c.mu.Lock()
	if !c.playing {
		c.mu.Unlock()
		return
	}
	c.playing = false
	c.pausedForSync = true
	c.mu.Unlock()

	c.log.Info("session %s calibrating, pausing playback", sessionID)
	if err := c.engine.Pause(); err != nil {
		c.log.Warn("pause for calibration failed: %v", err)
	}
}

// OnSyncReady resumes playback once calibration completes, but only if this
// coordinator paused it for sync in the first place.
func (c *Coordinator) OnSyncReady(sessionID string, baselineDelayMs int) {
	if !c.boundTo(sessionID) {
		return
	}

	c.mu.Lock()
	if !c.pausedForSync {
		c.mu.Unlock()
		return
	}
	c.pausedForSync = false
	c.playing = true
	c.mu.Unlock()

	c.log.Info("session %s synced (baseline %dms), resuming playback", sessionID, baselineDelayMs)
	if err := c.engine.Play(); err != nil {
		c.log.Warn("resume after sync failed: %v", err)
	}
}

// OnSubtitle installs the entry as the player's overlay.
func (c *Coordinator) OnSubtitle(sessionID string, entry types.SubtitleEntry, duration time.Duration) {
	if !c.boundTo(sessionID) {
		return
	}

	c.mu.Lock()
	c.overlay = &entry
	c.mu.Unlock()
}

// OnSubtitleHidden clears the overlay.
func (c *Coordinator) OnSubtitleHidden(sessionID string) {
	if !c.boundTo(sessionID) {
		return
	}

	c.mu.Lock()
	c.overlay = nil
	c.mu.Unlock()
}

// OnDrift logs the observation. No corrective action: drift never re-enters
// calibration or skips entries.
func (c *Coordinator) OnDrift(sessionID string, interArrival time.Duration) {
	if !c.boundTo(sessionID) {
		return
	}
	c.log.Warn("session %s drift: %s between entries", sessionID, interArrival)
}
