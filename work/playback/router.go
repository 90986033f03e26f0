package playback

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"iptv-sync/work/types"
)

// Router fans sync engine signals out to player coordinators by session id.
// The main view and a picture-in-picture view are independent engine
// instances, each bound to its own subtitle session; the router is the
// single sync.Listener the engine sees. Signals for sessions no coordinator
// claims are dropped, which is exactly what a late signal from a torn-down
// session should do.
type Router struct {
	players *xsync.MapOf[string, *Coordinator]
}

func NewRouter() *Router {
	return &Router{
		players: xsync.NewMapOf[string, *Coordinator](),
	}
}

// Attach binds a coordinator to a session and routes the session's signals
// to it from now on. Must happen before the session's polling starts so the
// initial waiting-for-sync signal is not lost.
func (r *Router) Attach(sessionID string, c *Coordinator) {
	c.Bind(sessionID)
	r.players.Store(sessionID, c)
}

// Detach unbinds whatever coordinator was handling the session.
func (r *Router) Detach(sessionID string) {
	if c, ok := r.players.LoadAndDelete(sessionID); ok {
		c.Bind("")
	}
}

func (r *Router) OnWaitingForSync(sessionID string) {
	if c, ok := r.players.Load(sessionID); ok {
		c.OnWaitingForSync(sessionID)
	}
}

func (r *Router) OnSyncReady(sessionID string, baselineDelayMs int) {
	if c, ok := r.players.Load(sessionID); ok {
		c.OnSyncReady(sessionID, baselineDelayMs)
	}
}

func (r *Router) OnSubtitle(sessionID string, entry types.SubtitleEntry, duration time.Duration) {
	if c, ok := r.players.Load(sessionID); ok {
		c.OnSubtitle(sessionID, entry, duration)
	}
}

func (r *Router) OnSubtitleHidden(sessionID string) {
	if c, ok := r.players.Load(sessionID); ok {
		c.OnSubtitleHidden(sessionID)
	}
}

func (r *Router) OnDrift(sessionID string, interArrival time.Duration) {
	if c, ok := r.players.Load(sessionID); ok {
		c.OnDrift(sessionID, interArrival)
	}
}
