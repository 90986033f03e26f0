package types

import (
	"time"
)

// SessionStatus represents the lifecycle states a transcription session moves
// through on the remote service. Sessions begin in StatusStarting, normally run
// until an explicit stop, and land in StatusError only when the service reports
// an unrecoverable processing failure.
type SessionStatus string

const (
	StatusStarting SessionStatus = "starting"
	StatusRunning  SessionStatus = "running"
	StatusStopped  SessionStatus = "stopped"
	StatusError    SessionStatus = "error"
)

// SubtitleEntry is a single transcribed (and possibly translated) subtitle line
// produced by the remote service. Entries are immutable once received and carry
// a monotonically increasing ID within their session; the sync engine consumes
// them strictly in ascending ID order and discards anything at or below the
// last seen ID as a duplicate.
type SubtitleEntry struct {
	ID               int     `json:"id"`                           // Monotonic per-session identifier
	StartTime        float64 `json:"start_time"`                   // Media timestamp in seconds
	EndTime          float64 `json:"end_time"`                     // Media timestamp in seconds
	Text             string  `json:"text"`                         // Subtitle text (already translated when a target language is set)
	Language         string  `json:"language,omitempty"`           // Language of Text
	ProcessingTimeMs int     `json:"processing_time_ms,omitempty"` // Service-side turnaround for this entry, 0 when unknown
}

// SubtitleSession describes one server-side transcription+translation job tied
// to a single channel/stream playback instance. The ID is client-generated and
// ephemeral; nothing about a session survives the process.
type SubtitleSession struct {
	ID         string        `json:"id"`
	ChannelID  string        `json:"channel_id"`
	StreamURL  string        `json:"stream_url"`
	Language   string        `json:"language"`              // Source (spoken) language
	TargetLang string        `json:"target_lang,omitempty"` // Translation target, empty for transcription only
	Status     SessionStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
}

// SessionDiagnostics is the best-effort status snapshot polled from the remote
// service for user-facing display. Failures to fetch it are ignored.
type SessionDiagnostics struct {
	Status              SessionStatus `json:"status"`
	SubtitleCount       int           `json:"subtitle_count"`
	AvgProcessingTimeMs float64       `json:"avg_processing_time,omitempty"`
	Error               string        `json:"error,omitempty"`
}

// SyncPhase is the calibration state of a session's sync engine.
type SyncPhase int

const (
	// PhaseCalibrating means the engine is still sampling service turnaround
	// times; entries received now are consumed for measurement, not displayed,
	// and playback is held paused.
	PhaseCalibrating SyncPhase = iota

	// PhaseSynced means the baseline delay has been computed and playback may
	// run; entries received now are displayed immediately.
	PhaseSynced
)

func (p SyncPhase) String() string {
	if p == PhaseSynced {
		return "synced"
	}
	return "calibrating"
}

// SyncState is the per-session state of the sync engine. It is owned by a
// single session poller goroutine; snapshots handed out to other components
// are copies.
//
// Invariants:
//   - Phase transitions Calibrating -> Synced exactly once and never reverts.
//   - BaselineDelayMs is written exactly once, at that transition.
//   - LastSeenEntryID never regresses.
type SyncState struct {
	Phase              SyncPhase `json:"phase"`
	CalibrationSamples []int     `json:"calibration_samples"` // Observed processing times (ms), at most K entries
	BaselineDelayMs    int       `json:"baseline_delay_ms"`   // 0 until calibration completes
	LastArrival        time.Time `json:"last_arrival"`        // Wall clock of the most recent displayed entry
	LastSeenEntryID    int       `json:"last_seen_entry_id"`
}
