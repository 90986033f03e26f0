package playback

import (
	"sync"

	"iptv-sync/work/logger"
)

// HeadlessEngine is a VideoEngine with no decoder behind it. The daemon runs
// headless: the actual decode/render engine lives in the embedding player UI
// and drives a Coordinator directly through this package. HeadlessEngine
// stands in for it so session and sync flows stay fully exercisable from the
// control surface (and from tests), tracking the transport state a real
// engine would.
type HeadlessEngine struct {
	log    *logger.Logger
	events chan Event

	mu      sync.Mutex
	url     string
	playing bool
	muted   bool
	volume  float64
}

func NewHeadlessEngine(log *logger.Logger) *HeadlessEngine {
	return &HeadlessEngine{
		log:    log.WithTag("[ENGINE]"),
		events: make(chan Event, 16),
		volume: 1.0,
	}
}

func (e *HeadlessEngine) Load(streamURL string) error {
	e.mu.Lock()
	e.url = streamURL
	e.playing = false
	e.mu.Unlock()
	return nil
}

func (e *HeadlessEngine) Play() error {
	e.mu.Lock()
	e.playing = true
	e.mu.Unlock()
	e.log.Debug("play")
	return nil
}

func (e *HeadlessEngine) Pause() error {
	e.mu.Lock()
	e.playing = false
	e.mu.Unlock()
	e.log.Debug("pause")
	return nil
}

func (e *HeadlessEngine) Seek(deltaSeconds float64) error {
	e.log.Debug("seek %+.1fs", deltaSeconds)
	return nil
}

func (e *HeadlessEngine) SetVolume(volume float64) error {
	e.mu.Lock()
	e.volume = volume
	e.mu.Unlock()
	return nil
}

func (e *HeadlessEngine) SetMuted(muted bool) error {
	e.mu.Lock()
	e.muted = muted
	e.mu.Unlock()
	return nil
}

func (e *HeadlessEngine) Events() <-chan Event {
	return e.events
}

// Playing reports the engine's transport state.
func (e *HeadlessEngine) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

// Emit injects an event, used by tests and by embedders bridging a real
// engine's callbacks.
func (e *HeadlessEngine) Emit(ev Event) {
	e.events <- ev
}
