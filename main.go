package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iptv-sync/work/client"
	"iptv-sync/work/config"
	"iptv-sync/work/history"
	"iptv-sync/work/logger"
	"iptv-sync/work/playback"
	"iptv-sync/work/subtitle"
	syncengine "iptv-sync/work/sync"
	"iptv-sync/work/thumbs"
	"iptv-sync/work/types"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()

	// set up logging
	logLevel := "info"
	if cfg.Debug {
		logLevel = "debug"
	}
	appLog := logger.New(logLevel)

	// shared background worker pool (thumbnail prefetching and friends)
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	// authenticated HTTP client for the transcription service
	httpClient := client.NewAuthClient(cfg)

	// session/export history; the service runs fine without it
	store, err := history.Open(cfg.HistoryPath, appLog)
	if err != nil {
		appLog.Warn("history disabled: %v", err)
		store = nil
	}

	// signal routing between the sync engine and attached players
	signalRouter := playback.NewRouter()

	// the sync engine's entry source is the session client, which in turn
	// needs the engine, so the fetcher is wired in right after construction
	engine := syncengine.NewEngine(cfg, nil, signalRouter, appLog)
	subtitles := subtitle.NewClient(cfg, httpClient, engine, store, appLog)
	engine.SetFetcher(subtitles)

	// quality selection and the default (headless) player
	quality := playback.NewQualitySelector(cfg, httpClient, appLog)
	player := playback.NewCoordinator(cfg, playback.NewHeadlessEngine(appLog), quality, appLog)

	// attach the player before the engine emits its first signal for a
	// session, and detach once the session is torn down
	subtitles.OnSessionStarted = func(session *types.SubtitleSession) {
		signalRouter.Attach(session.ID, player)
	}
	subtitles.OnSessionStopped = func(sessionID string) {
		signalRouter.Detach(sessionID)
	}

	// thumbnail cache
	thumbCache := thumbs.New(cfg, httpClient, appLog, workerPool)

	// setup HTTP routes
	router := mux.NewRouter()

	// metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// control surface routes
	app := &controlState{
		cfg:       cfg,
		log:       appLog,
		subtitles: subtitles,
		engine:    engine,
		thumbs:    thumbCache,
		history:   store,
		quality:   quality,
		player:    player,
		pool:      workerPool,
	}
	setupControlRoutes(router, app)

	addr := fmt.Sprintf(":%d", cfg.ListenPort)

	// show info
	appLog.Info("Starting IPTV Sync %s", Version)
	appLog.Info("Server configuration:")
	appLog.Info("  - Service URL: %s", cfg.ServiceURL)
	appLog.Info("  - Listen Port: %d", cfg.ListenPort)
	appLog.Info("  - Poll Interval: %s", cfg.PollInterval)
	appLog.Info("  - Calibration Samples: %d (+%dms margin)", cfg.CalibrationSamples, cfg.SafetyMarginMs)
	appLog.Info("  - Thumbnail Cooldown: %s", cfg.ThumbCooldown)
	appLog.Info("  - Batch Concurrency: %d", cfg.BatchConcurrency)
	appLog.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	appLog.Info("  - History Path: %s", cfg.HistoryPath)
	appLog.Info("  - Debug Enabled: %v", cfg.Debug)
	appLog.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	// gracefully reload if it's requested to do.
	go func() {

		// start a loop
		for {
			<-restartChan

			// debug logging
			if cfg.Debug {
				appLog.Info("Graceful reload requested...")
			}

			// stop every running session; they restart clean against the
			// reloaded config
			subtitles.StopAll(context.Background())

			// clear config cache first, then re-read
			config.ClearConfigCache()
			newConfig := config.LoadConfig()

			// every component holds the same *Config, so copying the new
			// values in place re-tunes them all
			*cfg = *newConfig

			if cfg.Debug {
				appLog.SetLevel("debug")
			} else {
				appLog.SetLevel("info")
			}

			appLog.Info("Graceful reload completed")
		}

	}()

	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// stop sessions cleanly on shutdown so the service doesn't keep
	// transcribing for nobody
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdown
		appLog.Info("Shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		subtitles.StopAll(ctx)
		thumbCache.ClearAll()
		if store != nil {
			store.Close()
		}
		server.Shutdown(ctx)
	}()

	// fire us up
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

}
