package subtitle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"iptv-sync/work/client"
	"iptv-sync/work/config"
	"iptv-sync/work/history"
	"iptv-sync/work/logger"
	syncengine "iptv-sync/work/sync"
	"iptv-sync/work/types"
	"iptv-sync/work/utils"
)

// Client manages the lifecycle of server-side transcription+translation
// sessions: one per playback instance, created on demand, stopped explicitly
// or on channel change. Starting a session kicks the sync engine into its
// reset-and-poll sequence; stopping tears the engine's poller down.
//
// The Client also implements sync.Fetcher, so the engine polls entries
// through the same authenticated transport.
type Client struct {
	cfg        *config.Config
	httpClient *client.AuthClient
	engine     *syncengine.Engine
	store      *history.Store // nil when history is disabled
	log        *logger.Logger

	sessions      *xsync.MapOf[string, *types.SubtitleSession]
	statusCancels *xsync.MapOf[string, context.CancelFunc]

	// StatusFunc, when set, receives each best-effort diagnostics snapshot
	// from the 10s status poller.
	StatusFunc func(sessionID string, diag types.SessionDiagnostics)

	// OnSessionStarted, when set, runs after the service accepts a session
	// but before the sync engine starts polling it. This is where the
	// playback router attaches a player, so the initial waiting-for-sync
	// signal has somewhere to land.
	OnSessionStarted func(session *types.SubtitleSession)

	// OnSessionStopped, when set, runs after a session's local teardown.
	OnSessionStopped func(sessionID string)
}

// NewClient creates the session client. engine must be non-nil; store may be
// nil to disable history recording.
func NewClient(cfg *config.Config, httpClient *client.AuthClient, engine *syncengine.Engine, store *history.Store, log *logger.Logger) *Client {
	return &Client{
		cfg:           cfg,
		httpClient:    httpClient,
		engine:        engine,
		store:         store,
		log:           log.WithTag("[SUBTITLE]"),
		sessions:      xsync.NewMapOf[string, *types.SubtitleSession](),
		statusCancels: xsync.NewMapOf[string, context.CancelFunc](),
	}
}

type startRequest struct {
	SessionID  string `json:"session_id"`
	ChannelID  string `json:"channel_id"`
	StreamURL  string `json:"stream_url"`
	Language   string `json:"language"`
	TargetLang string `json:"target_lang,omitempty"`
}

type startResponse struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message,omitempty"`
}

// Start requests a new transcription session from the service and, on
// success, begins the sync engine's calibration polling for it. The session
// identifier is client-generated and process-ephemeral. A service rejection
// surfaces as *StartError carrying the service's message.
func (c *Client) Start(ctx context.Context, channelID, streamURL, language, targetLang string) (*types.SubtitleSession, error) {
	sessionID := fmt.Sprintf("%s-%s", channelID, uuid.NewString())

	reqBody, err := json.Marshal(startRequest{
		SessionID:  sessionID,
		ChannelID:  channelID,
		StreamURL:  streamURL,
		Language:   language,
		TargetLang: targetLang,
	})
	if err != nil {
		return nil, &StartError{ChannelID: channelID, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServiceURL+"/subtitle/start", bytes.NewReader(reqBody))
	if err != nil {
		return nil, &StartError{ChannelID: channelID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &StartError{ChannelID: channelID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StartError{ChannelID: channelID, Message: readServiceMessage(resp.Body, resp.StatusCode)}
	}

	var started startResponse
	if err := json.NewDecoder(resp.Body).Decode(&started); err == nil && started.SessionID != "" {
		sessionID = started.SessionID
	}

	session := &types.SubtitleSession{
		ID:         sessionID,
		ChannelID:  channelID,
		StreamURL:  streamURL,
		Language:   language,
		TargetLang: targetLang,
		Status:     types.StatusRunning,
		CreatedAt:  time.Now(),
	}
	c.sessions.Store(sessionID, session)

	if c.store != nil {
		c.store.RecordStart(session)
	}

	c.log.Info("started session %s for channel %s (%s -> %s, stream %s)",
		sessionID, channelID, language, orNone(targetLang), utils.LogURL(c.cfg, streamURL))

	if c.OnSessionStarted != nil {
		c.OnSessionStarted(session)
	}

	c.engine.StartSession(sessionID)
	c.startStatusPoller(sessionID)

	return session, nil
}

// Stop terminates a session. The sync engine's poller is torn down first so
// no late poll response can touch fresh state, then the service is told to
// stop. Idempotent: stopping an unknown or already-stopped session is not an
// error, and a service-side failure to acknowledge still leaves the local
// session stopped.
func (c *Client) Stop(ctx context.Context, sessionID string) error {
	entryCount := c.lastEntryCount(sessionID)
	c.engine.StopSession(sessionID)

	if cancel, ok := c.statusCancels.LoadAndDelete(sessionID); ok {
		cancel()
	}

	session, known := c.sessions.LoadAndDelete(sessionID)
	if known {
		session.Status = types.StatusStopped
		if c.store != nil {
			c.store.RecordStop(sessionID, entryCount)
		}
		if c.OnSessionStopped != nil {
			c.OnSessionStopped(sessionID)
		}
	}

	reqBody, _ := json.Marshal(map[string]string{"session_id": sessionID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServiceURL+"/subtitle/stop", bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to build stop request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// local teardown already happened, a dead service just means the
		// server-side job ages out on its own
		c.log.Warn("stop request for session %s failed: %v", sessionID, err)
		return nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	c.log.Debug("stopped session %s (service status %d)", sessionID, resp.StatusCode)
	return nil
}

// StopAll stops every known session. Called at shutdown.
func (c *Client) StopAll(ctx context.Context) {
	c.sessions.Range(func(sessionID string, _ *types.SubtitleSession) bool {
		if err := c.Stop(ctx, sessionID); err != nil {
			c.log.Warn("failed to stop session %s: %v", sessionID, err)
		}
		return true
	})
}

// Export downloads the session's accumulated subtitles as an SRT document.
// A non-success response surfaces as *ExportError.
func (c *Client) Export(ctx context.Context, sessionID string) ([]byte, error) {
	reqURL := fmt.Sprintf("%s/subtitle/session/%s/download", c.cfg.ServiceURL, url.PathEscape(sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &ExportError{SessionID: sessionID, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ExportError{SessionID: sessionID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ExportError{SessionID: sessionID, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ExportError{SessionID: sessionID, Err: err}
	}

	if c.store != nil {
		c.store.RecordExport(sessionID, len(data))
	}

	return data, nil
}

// Status fetches the session's diagnostics snapshot from the service.
func (c *Client) Status(ctx context.Context, sessionID string) (types.SessionDiagnostics, error) {
	reqURL := fmt.Sprintf("%s/subtitle/session/%s", c.cfg.ServiceURL, url.PathEscape(sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return types.SessionDiagnostics{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.SessionDiagnostics{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.SessionDiagnostics{}, fmt.Errorf("status request for session %s returned %d", sessionID, resp.StatusCode)
	}

	var diag types.SessionDiagnostics
	if err := json.NewDecoder(resp.Body).Decode(&diag); err != nil {
		return types.SessionDiagnostics{}, err
	}
	return diag, nil
}

type subtitlesResponse struct {
	Subtitles []types.SubtitleEntry `json:"subtitles"`
}

// FetchSince implements sync.Fetcher: one idempotent request for entries with
// IDs past sinceID, scoped to the session.
func (c *Client) FetchSince(ctx context.Context, sessionID string, sinceID int) ([]types.SubtitleEntry, error) {
	reqURL := fmt.Sprintf("%s/subtitle/session/%s/subtitles?since=%d", c.cfg.ServiceURL, url.PathEscape(sessionID), sinceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("subtitle poll for session %s returned %d", sessionID, resp.StatusCode)
	}

	var parsed subtitlesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	return parsed.Subtitles, nil
}

// Session returns the locally known session, if any.
func (c *Client) Session(sessionID string) (*types.SubtitleSession, bool) {
	return c.sessions.Load(sessionID)
}

// Sessions returns all locally known sessions.
func (c *Client) Sessions() []*types.SubtitleSession {
	var out []*types.SubtitleSession
	c.sessions.Range(func(_ string, session *types.SubtitleSession) bool {
		out = append(out, session)
		return true
	})
	return out
}

// Languages returns the speech-to-text languages the service supports, for
// the UI's language picker.
func (c *Client) Languages() []map[string]string {
	return []map[string]string{
		{"code": "en", "name": "English"},
		{"code": "fr", "name": "French"},
		{"code": "de", "name": "German"},
		{"code": "es", "name": "Spanish"},
		{"code": "it", "name": "Italian"},
		{"code": "pt", "name": "Portuguese"},
		{"code": "ru", "name": "Russian"},
		{"code": "zh", "name": "Chinese"},
		{"code": "ja", "name": "Japanese"},
		{"code": "ko", "name": "Korean"},
		{"code": "ar", "name": "Arabic"},
		{"code": "hi", "name": "Hindi"},
		{"code": "nl", "name": "Dutch"},
		{"code": "pl", "name": "Polish"},
		{"code": "tr", "name": "Turkish"},
	}
}

// lastEntryCount reports how many entries the sync engine saw for a session,
// for the history record.
func (c *Client) lastEntryCount(sessionID string) int {
	if state, ok := c.engine.State(sessionID); ok {
		return state.LastSeenEntryID
	}
	return 0
}

// readServiceMessage extracts a human-readable rejection message from an
// error response body, falling back to the status code.
func readServiceMessage(body io.Reader, statusCode int) string {
	raw, _ := io.ReadAll(io.LimitReader(body, 4096))

	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}

	if msg := strings.TrimSpace(string(raw)); msg != "" {
		return msg
	}
	return fmt.Sprintf("service returned %d", statusCode)
}

func orNone(lang string) string {
	if lang == "" {
		return "none"
	}
	return lang
}
