package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveSessions tracks the number of subtitle sessions the sync engine is
// currently polling. This metric is a gauge, rising on session start and
// falling on teardown.
var ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "iptv_sync_active_sessions",
	Help: "Number of active subtitle sessions",
})

// EntriesConsumed counts subtitle entries processed per session phase
// ("calibrating" or "synced"). This metric is a counter and only increases.
var EntriesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_sync_entries_consumed",
	Help: "Subtitle entries consumed by the sync engine",
}, []string{"phase"})

// PollErrors counts transient subtitle poll failures per session. Individual
// failures are silently retried; this counter is how they stay observable.
var PollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_sync_poll_errors",
	Help: "Transient subtitle poll failures",
}, []string{"session"})

// DriftWarnings counts drift detections (entry arrival spacing exceeding the
// expected interval plus margin). Observational only, never blocks playback.
var DriftWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_sync_drift_warnings",
	Help: "Subtitle arrival drift warnings",
}, []string{"session"})

// ThumbnailFetches counts thumbnail fetch outcomes. The "result" label is one
// of "hit", "miss", "coalesced", "cooldown", "error".
var ThumbnailFetches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_sync_thumbnail_fetches",
	Help: "Thumbnail fetch attempts by outcome",
}, []string{"result"})

// ThumbnailInflight tracks the number of thumbnail fetches currently on the
// wire; the batch prefetcher's concurrency bound caps this value.
var ThumbnailInflight = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "iptv_sync_thumbnail_inflight",
	Help: "Thumbnail fetches currently in flight",
})
