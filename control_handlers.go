package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"

	"iptv-sync/work/config"
	"iptv-sync/work/history"
	"iptv-sync/work/logger"
	"iptv-sync/work/middleware"
	"iptv-sync/work/playback"
	"iptv-sync/work/subtitle"
	syncengine "iptv-sync/work/sync"
	"iptv-sync/work/thumbs"
	"iptv-sync/work/types"
	"iptv-sync/work/utils"
)

// controlState bundles the long-lived components the control surface operates
// on. One instance is built at startup and shared by every handler.
type controlState struct {
	cfg       *config.Config
	log       *logger.Logger
	subtitles *subtitle.Client
	engine    *syncengine.Engine
	thumbs    *thumbs.Cache
	history   *history.Store // nil when history is disabled
	quality   *playback.QualitySelector
	player    *playback.Coordinator
	pool      *ants.Pool
}

// StatsResponse represents system statistics exposed through the control API,
// providing operational data for monitoring and debugging: session counts,
// sync engine health, thumbnail cache utilization, and process resource use.
type StatsResponse struct {
	ActiveSessions    int    `json:"activeSessions"`
	DegradedSessions  int    `json:"degradedSessions"`
	ThumbnailCount    int    `json:"thumbnailCount"`
	ThumbnailBytes    string `json:"thumbnailBytes"`
	Uptime            string `json:"uptime"`
	MemoryUsage       string `json:"memoryUsage"`
	Goroutines        int    `json:"goroutines"`
	WorkerPoolRunning int    `json:"workerPoolRunning"`
	WorkerPoolFree    int    `json:"workerPoolFree"`
	HistoryEnabled    bool   `json:"historyEnabled"`
}

// SessionResponse provides session information for control interface display,
// merging the locally tracked session with its live sync engine state.
type SessionResponse struct {
	ID              string    `json:"id"`
	ChannelID       string    `json:"channelId"`
	StreamURL       string    `json:"streamUrl"`
	Language        string    `json:"language"`
	TargetLang      string    `json:"targetLang,omitempty"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
	SyncPhase       string    `json:"syncPhase"`
	BaselineDelayMs int       `json:"baselineDelayMs"`
	LastSeenEntryID int       `json:"lastSeenEntryId"`
	Degraded        bool      `json:"degraded"`
}

// ThumbnailStatusResponse reports the cache state for a single channel.
type ThumbnailStatusResponse struct {
	ChannelID  string     `json:"channelId"`
	Cached     bool       `json:"cached"`
	CapturedAt *time.Time `json:"capturedAt,omitempty"`
	Fetching   bool       `json:"fetching"`
	CoolingOff bool       `json:"coolingOff"`
	Stale      bool       `json:"stale"`
}

// Global variables for control interface state tracking
var (
	// controlStartTime records process start for uptime calculation.
	controlStartTime = time.Now()

	// restartChan signals a graceful configuration reload; the main loop
	// drains it.
	restartChan = make(chan bool, 1)
)

// setupControlRoutes configures all HTTP routes for the control surface.
// This function should be called during application initialization.
//
// Parameters:
//   - router: configured mux router for route registration
//   - app: shared component state for handler operations
func setupControlRoutes(router *mux.Router, app *controlState) {
	router.HandleFunc("/api/stats", corsMiddleware(gzipFunc(handleGetStats(app)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/config", corsMiddleware(gzipFunc(handleGetConfig(app)))).Methods("GET", "OPTIONS")

	router.HandleFunc("/api/sessions", corsMiddleware(gzipFunc(handleListSessions(app)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/sessions", corsMiddleware(handleStartSession(app))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/sessions/{id}", corsMiddleware(gzipFunc(handleGetSession(app)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/sessions/{id}", corsMiddleware(handleStopSession(app))).Methods("DELETE", "OPTIONS")
	router.HandleFunc("/api/sessions/{id}/export", corsMiddleware(handleExportSession(app))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/sessions/{id}/status", corsMiddleware(handleGetSessionStatus(app))).Methods("GET", "OPTIONS")

	router.HandleFunc("/api/languages", corsMiddleware(gzipFunc(handleGetLanguages(app)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/history", corsMiddleware(gzipFunc(handleGetHistory(app)))).Methods("GET", "OPTIONS")

	router.HandleFunc("/api/thumbnails/prefetch", corsMiddleware(handlePrefetchThumbnails(app))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/thumbnails/{channel}", corsMiddleware(handleGetThumbnail(app))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/thumbnails/{channel}/status", corsMiddleware(handleGetThumbnailStatus(app))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/thumbnails/{channel}", corsMiddleware(handleClearThumbnail(app))).Methods("DELETE", "OPTIONS")

	router.HandleFunc("/api/playback", corsMiddleware(gzipFunc(handleGetPlayback(app)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/playback/load", corsMiddleware(handleLoadPlayback(app))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/playback/quality", corsMiddleware(handleSetPlaybackQuality(app))).Methods("POST", "OPTIONS")

	router.HandleFunc("/api/variants", corsMiddleware(gzipFunc(handleGetVariants(app)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/restart", corsMiddleware(handleRestart(app))).Methods("POST", "OPTIONS")
}

// gzipFunc adapts the gzip middleware to http.HandlerFunc chains.
func gzipFunc(next http.HandlerFunc) http.HandlerFunc {
	return middleware.Gzip(next).ServeHTTP
}

// corsMiddleware provides Cross-Origin Resource Sharing support for the
// control API, so a browser-based front-end on another origin can drive it.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// handleGetStats reports process-wide operational statistics.
func handleGetStats(app *controlState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		sessions := app.subtitles.Sessions()
		degraded := 0
		for _, s := range sessions {
			if app.engine.Degraded(s.ID) {
				degraded++
			}
		}

		thumbCount, thumbBytes := app.thumbs.Stats()

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		stats := StatsResponse{
			ActiveSessions:    len(sessions),
			DegradedSessions:  degraded,
			ThumbnailCount:    thumbCount,
			ThumbnailBytes:    utils.FormatBytes(thumbBytes),
			Uptime:            time.Since(controlStartTime).Round(time.Second).String(),
			MemoryUsage:       utils.FormatBytes(int64(mem.Alloc)),
			Goroutines:        runtime.NumGoroutine(),
			WorkerPoolRunning: app.pool.Running(),
			WorkerPoolFree:    app.pool.Free(),
			HistoryEnabled:    app.history != nil,
		}

		json.NewEncoder(w).Encode(stats)
	}
}

// handleGetConfig exposes the effective configuration with the auth token
// redacted.
func handleGetConfig(app *controlState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		redacted := *app.cfg
		if redacted.AuthToken != "" {
			redacted.AuthToken = "***"
		}

		json.NewEncoder(w).Encode(&redacted)
	}
}

// sessionResponse builds the merged session view used by both the list and
// single-session handlers.
func sessionResponse(app *controlState, s *types.SubtitleSession) SessionResponse {
	resp := SessionResponse{
		ID:         s.ID,
		ChannelID:  s.ChannelID,
		StreamURL:  utils.LogURL(app.cfg, s.StreamURL),
		Language:   s.Language,
		TargetLang: s.TargetLang,
		Status:     string(s.Status),
		CreatedAt:  s.CreatedAt,
		SyncPhase:  "calibrating",
		Degraded:   app.engine.Degraded(s.ID),
	}
	if state, ok := app.engine.State(s.ID); ok {
		resp.SyncPhase = state.Phase.String()
		resp.BaselineDelayMs = state.BaselineDelayMs
		resp.LastSeenEntryID = state.LastSeenEntryID
	}
	return resp
}

// handleListSessions lists every locally tracked session with its sync state.
func handleListSessions(app *controlState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		sessions := app.subtitles.Sessions()
		out := make([]SessionResponse, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, sessionResponse(app, s))
		}

		json.NewEncoder(w).Encode(out)
	}
}

// handleStartSession starts a subtitle session for a channel. The service
// does the heavy lifting; this validates input and reports its verdict.
func handleStartSession(app *controlState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		var request struct {
			ChannelID  string `json:"channelId"`
			StreamURL  string `json:"streamUrl"`
			Language   string `json:"language"`
			TargetLang string `json:"targetLang"`
		}

		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if request.ChannelID == "" || request.StreamURL == "" {
			http.Error(w, "channelId and streamUrl are required", http.StatusBadRequest)
			return
		}
		if request.Language == "" {
			request.Language = "auto"
		}

		session, err := app.subtitles.Start(r.Context(), request.ChannelID, request.StreamURL, request.Language, request.TargetLang)
		if err != nil {
			var startErr *subtitle.StartError
			status := http.StatusBadGateway
			msg := "subtitle service unavailable"
			if errors.As(err, &startErr) && startErr.Message != "" {
				msg = startErr.Message
			}
			app.log.Warn("session start failed for channel %s: %v", request.ChannelID, err)
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]string{"error": msg})
			return
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(sessionResponse(app, session))
	}
}

// handleGetSession returns one session's merged view.
func handleGetSession(app *controlState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		sessionID := mux.Vars(r)["id"]
		session, ok := app.subtitles.Session(sessionID)
		if !ok {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}

		json.NewEncoder(w).Encode(sessionResponse(app, session))
	}
}

// handleStopSession stops a session. Stopping an unknown or already stopped
// session succeeds, matching the client's idempotent stop.
func handleStopSession(app *controlState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		sessionID := mux.Vars(r)["id"]
		if err := app.subtitles.Stop(r.Context(), sessionID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		json.NewEncoder(w).Encode(map[string]string{
			"status": "success",
		})
	}
}

// handleExportSession downloads a session's accumulated subtitles as an SRT
// file.
func handleExportSession(app *controlState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["id"]

		data, err := app.subtitles.Export(r.Context(), sessionID)
		if err != nil {
			var exportErr *subtitle.ExportError
			status := http.StatusBadGateway
			if errors.As(err, &exportErr) && exportErr.StatusCode == http.StatusNotFound {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}

		w.Header().Set("Content-Type", "application/x-subrip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"subtitles-%s.srt\"", sessionID))
		w.Write(data)
	}
}

// handleGetSessionStatus proxies the service's diagnostics snapshot for a
// session.
func handleGetSessionStatus(app *controlState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		sessionID := mux.Vars(r)["id"]
		diag, err := app.subtitles.Status(r.Context(), sessionID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		json.NewEncoder(w).Encode(diag)
	}
}

// handleGetLanguages lists the transcription languages the service supports.
func handleGetLanguages(app *controlState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(app.subtitles.Languages())
	}
}

// handleGetHistory returns recent session history rows, newest first.
func handleGetHistory(app *controlState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if app.history == nil {
			json.NewEncoder(w).Encode([]history.SessionRecord{})
			return
		}

		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}

		records, err := app.history.RecentSessions(limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		json.NewEncoder(w).Encode(records)
	}
}

// handlePrefetchThumbnails kicks off a bounded-concurrency batch fetch for a
// list of channels. The fetch runs in the background; 202 means accepted, not
// done.
func handlePrefetchThumbnails(app *controlState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		var request struct {
			Channels []struct {
				ID  string `json:"id"`
				URL string `json:"url"`
			} `json:"channels"`
			Concurrency int `json:"concurrency"`
		}

		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if len(request.Channels) == 0 {
			http.Error(w, "channels list is empty", http.StatusBadRequest)
			return
		}

		concurrency := request.Concurrency
		if concurrency <= 0 {
			concurrency = app.cfg.BatchConcurrency
		}

		refs := make([]thumbs.ChannelRef, 0, len(request.Channels))
		for _, ch := range request.Channels {
			if ch.ID == "" || ch.URL == "" {
				continue
			}
			refs = append(refs, thumbs.ChannelRef{ID: ch.ID, URL: ch.URL})
		}

		go app.thumbs.FetchBatch(refs, concurrency)

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "accepted",
			"channels": len(refs),
		})
	}
}

// handleGetThumbnail serves a cached thumbnail image.
func handleGetThumbnail(app *controlState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := mux.Vars(r)["channel"]

		handle := app.thumbs.Get(channelID)
		if handle == nil {
			http.Error(w, "No thumbnail cached", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "max-age=60")
		w.Write(handle.Bytes())
	}
}

// handleGetThumbnailStatus reports the cache state for a channel without
// touching the network.
func handleGetThumbnailStatus(app *controlState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		channelID := mux.Vars(r)["channel"]

		resp := ThumbnailStatusResponse{
			ChannelID:  channelID,
			Fetching:   app.thumbs.IsFetching(channelID),
			CoolingOff: app.thumbs.HasFailed(channelID),
			Stale:      app.thumbs.NeedsRefresh(channelID, app.cfg.ThumbMaxAge),
		}
		if capturedAt, ok := app.thumbs.CapturedAt(channelID); ok {
			resp.Cached = true
			resp.CapturedAt = &capturedAt
		}

		json.NewEncoder(w).Encode(resp)
	}
}

// handleClearThumbnail evicts a channel's cached thumbnail.
func handleClearThumbnail(app *controlState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		app.thumbs.Clear(mux.Vars(r)["channel"])
		json.NewEncoder(w).Encode(map[string]string{
			"status": "success",
		})
	}
}

// handleGetVariants parses an HLS master playlist and lists its quality
// variants.
func handleGetVariants(app *controlState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		masterURL := r.URL.Query().Get("url")
		if masterURL == "" {
			http.Error(w, "url query parameter is required", http.StatusBadRequest)
			return
		}

		variants, err := app.quality.Variants(masterURL)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		out := make([]map[string]interface{}, 0, len(variants))
		for _, v := range variants {
			out = append(out, map[string]interface{}{
				"label":      v.Label,
				"bandwidth":  v.Bandwidth,
				"resolution": v.Resolution,
			})
		}

		json.NewEncoder(w).Encode(out)
	}
}

// handleGetPlayback reports the headless player's transport state and the
// subtitle currently overlaid, if any.
func handleGetPlayback(app *controlState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		resp := map[string]interface{}{
			"playing": app.player.Playing(),
		}
		if entry, ok := app.player.Overlay(); ok {
			resp["subtitle"] = entry.Text
			resp["subtitleId"] = entry.ID
			resp["subtitleStart"] = utils.FormatSRTTime(entry.StartTime)
			resp["subtitleEnd"] = utils.FormatSRTTime(entry.EndTime)
		}

		json.NewEncoder(w).Encode(resp)
	}
}

// handleLoadPlayback points the headless player at a stream URL.
func handleLoadPlayback(app *controlState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		var request struct {
			StreamURL string `json:"streamUrl"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.StreamURL == "" {
			http.Error(w, "streamUrl is required", http.StatusBadRequest)
			return
		}

		if err := app.player.Load(request.StreamURL); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := app.player.Play(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		json.NewEncoder(w).Encode(map[string]string{
			"status": "success",
		})
	}
}

// handleSetPlaybackQuality re-resolves the player's stream against a quality
// label.
func handleSetPlaybackQuality(app *controlState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		var request struct {
			Label string `json:"label"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Label == "" {
			http.Error(w, "label is required", http.StatusBadRequest)
			return
		}

		if err := app.player.SelectQuality(request.Label); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		json.NewEncoder(w).Encode(map[string]string{
			"status": "success",
		})
	}
}

// handleRestart requests a graceful configuration reload.
func handleRestart(app *controlState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		select {
		case restartChan <- true:
		default:
			// a reload is already pending
		}

		json.NewEncoder(w).Encode(map[string]string{
			"status": "success",
		})
	}
}
