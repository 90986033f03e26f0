package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"
)

// Config holds all application configuration values for the subtitle sync core.
// It covers the transcription service connection, the sync engine's calibration
// and display tunables, the thumbnail cache behavior, and the local control surface.
type Config struct {
	ServiceURL       string        `json:"serviceURL"`       // Base URL of the external transcription/thumbnail service
	AuthToken        string        `json:"authToken"`        // Opaque bearer token attached to every service request
	UserAgent        string        `json:"userAgent"`        // User-Agent header for service requests
	ListenPort       int           `json:"listenPort"`       // Port for the local control/diagnostics HTTP surface
	Debug            bool          `json:"debug"`            // Enable debug logging
	ObfuscateUrls    bool          `json:"obfuscateUrls"`    // Obfuscate stream URLs in logs

	// Sync engine tunables
	PollInterval       time.Duration `json:"pollInterval"`       // Cadence of subtitle polling per session
	CalibrationSamples int           `json:"calibrationSamples"` // Number of processing-time samples before sync is declared (K)
	SafetyMarginMs     int           `json:"safetyMarginMs"`     // Margin added to the worst calibration sample
	DefaultSampleMs    int           `json:"defaultSampleMs"`    // Assumed processing time when an entry carries none
	ExpectedIntervalMs int           `json:"expectedIntervalMs"` // Expected spacing between post-sync entries
	MaxDriftMs         int           `json:"maxDriftMs"`         // Tolerated excess over the expected spacing before a drift warning
	DisplayMsPerChar   int           `json:"displayMsPerChar"`   // Display duration contribution per character of subtitle text
	DisplayMinMs       int           `json:"displayMinMs"`       // Lower clamp on subtitle display duration
	DisplayMaxMs       int           `json:"displayMaxMs"`       // Upper clamp on subtitle display duration
	DegradedThreshold  int           `json:"degradedThreshold"`  // Consecutive poll failures before a session is flagged degraded
	StatusPollInterval time.Duration `json:"statusPollInterval"` // Cadence of best-effort session status polling

	// Thumbnail cache tunables
	ThumbCooldown    time.Duration `json:"thumbCooldown"`    // How long a failed channel is not refetched
	ThumbBucket      time.Duration `json:"thumbBucket"`      // Cache-busting time bucket for thumbnail requests
	ThumbMaxAge      time.Duration `json:"thumbMaxAge"`      // Default staleness threshold for cached thumbnails
	BatchConcurrency int           `json:"batchConcurrency"` // Window size for batch thumbnail prefetching

	// Supporting services
	VariantCacheTTL time.Duration `json:"variantCacheTTL"` // TTL for parsed master-playlist variants
	HistoryPath     string        `json:"historyPath"`     // Path of the sqlite session/export history database
	WorkerThreads   int           `json:"workerThreads"`   // Size of the shared background worker pool
}

// ConfigFile represents the JSON file structure for unmarshaling configuration.
// Duration fields are stored as strings (e.g. "500ms", "60s") and parsed into
// time.Duration values.
type ConfigFile struct {
	ServiceURL    string `json:"serviceURL"`
	AuthToken     string `json:"authToken"`
	UserAgent     string `json:"userAgent"`
	ListenPort    int    `json:"listenPort"`
	Debug         bool   `json:"debug"`
	ObfuscateUrls bool   `json:"obfuscateUrls"`

	PollInterval       string `json:"pollInterval"`
	CalibrationSamples int    `json:"calibrationSamples"`
	SafetyMarginMs     int    `json:"safetyMarginMs"`
	DefaultSampleMs    int    `json:"defaultSampleMs"`
	ExpectedIntervalMs int    `json:"expectedIntervalMs"`
	MaxDriftMs         int    `json:"maxDriftMs"`
	DisplayMsPerChar   int    `json:"displayMsPerChar"`
	DisplayMinMs       int    `json:"displayMinMs"`
	DisplayMaxMs       int    `json:"displayMaxMs"`
	DegradedThreshold  int    `json:"degradedThreshold"`
	StatusPollInterval string `json:"statusPollInterval"`

	ThumbCooldown    string `json:"thumbCooldown"`
	ThumbBucket      string `json:"thumbBucket"`
	ThumbMaxAge      string `json:"thumbMaxAge"`
	BatchConcurrency int    `json:"batchConcurrency"`

	VariantCacheTTL string `json:"variantCacheTTL"`
	HistoryPath     string `json:"historyPath"`
	WorkerThreads   int    `json:"workerThreads"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from the path in IPTV_SYNC_CONFIG (default /settings/config.json).
//   - Falls back to default config if file is missing or invalid.
//   - Applies environment overrides and validates for safe defaults.
//
// Returns:
//   - *Config: fully validated configuration object
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	configPath := os.Getenv("IPTV_SYNC_CONFIG")
	if configPath == "" {
		configPath = "/settings/config.json"
	}

	config, err := loadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	applyEnvOverrides(config)
	validateAndSetDefaults(config)

	configCache = config

	if config.Debug {
		log.Printf("Configuration loaded:")
		log.Printf("  Service URL: %s", config.ServiceURL)
		log.Printf("  Poll interval: %s", config.PollInterval)
		log.Printf("  Calibration samples: %d (+%dms margin)", config.CalibrationSamples, config.SafetyMarginMs)
		log.Printf("  Thumbnail cooldown: %s, bucket: %s", config.ThumbCooldown, config.ThumbBucket)
		log.Printf("  Batch concurrency: %d", config.BatchConcurrency)
	}

	return config
}

// ClearConfigCache drops the cached configuration so the next LoadConfig call
// re-reads the file. Used by the control surface's reload endpoint.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile into a Config, parsing all duration strings.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		ServiceURL:         cf.ServiceURL,
		AuthToken:          cf.AuthToken,
		UserAgent:          cf.UserAgent,
		ListenPort:         cf.ListenPort,
		Debug:              cf.Debug,
		ObfuscateUrls:      cf.ObfuscateUrls,
		CalibrationSamples: cf.CalibrationSamples,
		SafetyMarginMs:     cf.SafetyMarginMs,
		DefaultSampleMs:    cf.DefaultSampleMs,
		ExpectedIntervalMs: cf.ExpectedIntervalMs,
		MaxDriftMs:         cf.MaxDriftMs,
		DisplayMsPerChar:   cf.DisplayMsPerChar,
		DisplayMinMs:       cf.DisplayMinMs,
		DisplayMaxMs:       cf.DisplayMaxMs,
		DegradedThreshold:  cf.DegradedThreshold,
		BatchConcurrency:   cf.BatchConcurrency,
		HistoryPath:        cf.HistoryPath,
		WorkerThreads:      cf.WorkerThreads,
	}

	durations := []struct {
		raw  string
		dest *time.Duration
	}{
		{cf.PollInterval, &config.PollInterval},
		{cf.StatusPollInterval, &config.StatusPollInterval},
		{cf.ThumbCooldown, &config.ThumbCooldown},
		{cf.ThumbBucket, &config.ThumbBucket},
		{cf.ThumbMaxAge, &config.ThumbMaxAge},
		{cf.VariantCacheTTL, &config.VariantCacheTTL},
	}

	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", d.raw, err)
		}
		*d.dest = parsed
	}

	return config, nil
}

// applyEnvOverrides lets deployment environments override the file values that
// commonly differ per install without editing the config file.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("IPTV_SYNC_SERVICE_URL"); v != "" {
		config.ServiceURL = v
	}
	if v := os.Getenv("IPTV_SYNC_AUTH_TOKEN"); v != "" {
		config.AuthToken = v
	}
	if v := os.Getenv("IPTV_SYNC_LISTEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.ListenPort = port
		}
	}
	if v := os.Getenv("IPTV_SYNC_DEBUG"); v != "" {
		config.Debug = v == "1" || v == "true"
	}
}

// getDefaultConfig returns the reference configuration used when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		ServiceURL: "http://localhost:8090",
		UserAgent:  "iptv-sync/1.0",
		ListenPort: 8089,
	}
}

// validateAndSetDefaults fills every zero-valued tunable with its reference
// default and sanity-checks the service URL.
func validateAndSetDefaults(config *Config) {
	if config.ServiceURL == "" {
		config.ServiceURL = "http://localhost:8090"
	}
	if _, err := url.Parse(config.ServiceURL); err != nil {
		log.Printf("Invalid service URL %q, resetting to default: %v", config.ServiceURL, err)
		config.ServiceURL = "http://localhost:8090"
	}
	if config.UserAgent == "" {
		config.UserAgent = "iptv-sync/1.0"
	}
	if config.ListenPort <= 0 {
		config.ListenPort = 8089
	}

	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	if config.CalibrationSamples <= 0 {
		config.CalibrationSamples = 3
	}
	if config.SafetyMarginMs <= 0 {
		config.SafetyMarginMs = 2000
	}
	if config.DefaultSampleMs <= 0 {
		config.DefaultSampleMs = 2000
	}
	if config.ExpectedIntervalMs <= 0 {
		config.ExpectedIntervalMs = 3000
	}
	if config.MaxDriftMs <= 0 {
		config.MaxDriftMs = 1500
	}
	if config.DisplayMsPerChar <= 0 {
		config.DisplayMsPerChar = 70
	}
	if config.DisplayMinMs <= 0 {
		config.DisplayMinMs = 2500
	}
	if config.DisplayMaxMs <= 0 {
		config.DisplayMaxMs = 8000
	}
	if config.DegradedThreshold <= 0 {
		config.DegradedThreshold = 10
	}
	if config.StatusPollInterval <= 0 {
		config.StatusPollInterval = 10 * time.Second
	}

	if config.ThumbCooldown <= 0 {
		config.ThumbCooldown = 60 * time.Second
	}
	if config.ThumbBucket <= 0 {
		config.ThumbBucket = 5 * time.Minute
	}
	if config.ThumbMaxAge <= 0 {
		config.ThumbMaxAge = 5 * time.Minute
	}
	if config.BatchConcurrency <= 0 {
		config.BatchConcurrency = 3
	}

	if config.VariantCacheTTL <= 0 {
		config.VariantCacheTTL = 5 * time.Minute
	}
	if config.HistoryPath == "" {
		config.HistoryPath = "./data/history.db"
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 32
	}
}
