package subtitle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iptv-sync/work/client"
	"iptv-sync/work/config"
	"iptv-sync/work/logger"
	syncengine "iptv-sync/work/sync"
	"iptv-sync/work/types"
)

type noopListener struct{}

func (noopListener) OnWaitingForSync(string) {}

func (noopListener) OnSyncReady(string, int) {}

func (noopListener) OnSubtitle(string, types.SubtitleEntry, time.Duration) {}

func (noopListener) OnSubtitleHidden(string) {}

func (noopListener) OnDrift(string, time.Duration) {}

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := &config.Config{
		ServiceURL:         server.URL,
		UserAgent:          "test",
		PollInterval:       20 * time.Millisecond,
		CalibrationSamples: 3,
		SafetyMarginMs:     2000,
		DefaultSampleMs:    2000,
		ExpectedIntervalMs: 3000,
		MaxDriftMs:         1500,
		DisplayMsPerChar:   70,
		DisplayMinMs:       2500,
		DisplayMaxMs:       8000,
		DegradedThreshold:  10,
		StatusPollInterval: time.Minute,
	}

	log := logger.New("error")
	engine := syncengine.NewEngine(cfg, nil, noopListener{}, log)
	c := NewClient(cfg, client.NewAuthClient(cfg), engine, nil, log)
	engine.SetFetcher(c)

	t.Cleanup(func() { c.StopAll(context.Background()) })
	return c, server
}

// serviceStub answers the endpoints a session lifecycle touches.
func serviceStub(startStatus int, startBody string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/subtitle/start":
			w.WriteHeader(startStatus)
			w.Write([]byte(startBody))
		case r.URL.Path == "/subtitle/stop":
			w.Write([]byte(`{}`))
		case strings.HasSuffix(r.URL.Path, "/subtitles"):
			w.Write([]byte(`{"subtitles":[]}`))
		default:
			http.NotFound(w, r)
		}
	})
}

func TestClient_StartCreatesSession(t *testing.T) {
	c, _ := testClient(t, serviceStub(http.StatusOK, `{}`))

	var hookSession *types.SubtitleSession
	var engineRunningAtHook bool
	c.OnSessionStarted = func(session *types.SubtitleSession) {
		hookSession = session
		_, engineRunningAtHook = c.engine.State(session.ID)
	}

	session, err := c.Start(context.Background(), "bbc-one", "http://example.com/s.m3u8", "en", "fr")
	require.NoError(t, err)
	require.NotNil(t, session)

	assert.True(t, strings.HasPrefix(session.ID, "bbc-one-"))
	assert.Equal(t, types.StatusRunning, session.Status)
	assert.Equal(t, "en", session.Language)
	assert.Equal(t, "fr", session.TargetLang)

	// the hook fires with the accepted session, before the engine polls it
	require.NotNil(t, hookSession)
	assert.Equal(t, session.ID, hookSession.ID)
	assert.False(t, engineRunningAtHook, "hook must run before the sync engine starts")

	// afterwards the engine is calibrating the session
	state, ok := c.engine.State(session.ID)
	require.True(t, ok)
	assert.Equal(t, types.PhaseCalibrating, state.Phase)

	got, ok := c.Session(session.ID)
	require.True(t, ok)
	assert.Same(t, session, got)
}

func TestClient_StartHonorsServiceSessionID(t *testing.T) {
	c, _ := testClient(t, serviceStub(http.StatusOK, `{"session_id":"svc-assigned-1"}`))

	session, err := c.Start(context.Background(), "bbc-one", "http://example.com/s.m3u8", "en", "")
	require.NoError(t, err)
	assert.Equal(t, "svc-assigned-1", session.ID)
}

func TestClient_StartRejectionSurfacesServiceMessage(t *testing.T) {
	c, _ := testClient(t, serviceStub(http.StatusServiceUnavailable, `{"error":"transcription capacity exhausted"}`))

	session, err := c.Start(context.Background(), "bbc-one", "http://example.com/s.m3u8", "en", "")
	require.Error(t, err)
	assert.Nil(t, session)

	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, "bbc-one", startErr.ChannelID)
	assert.Equal(t, "transcription capacity exhausted", startErr.Message)

	assert.Empty(t, c.Sessions(), "a rejected start leaves no local state")
}

func TestClient_StopIsIdempotent(t *testing.T) {
	var stops atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/subtitle/start":
			w.Write([]byte(`{}`))
		case r.URL.Path == "/subtitle/stop":
			stops.Add(1)
			w.Write([]byte(`{}`))
		case strings.HasSuffix(r.URL.Path, "/subtitles"):
			w.Write([]byte(`{"subtitles":[]}`))
		default:
			http.NotFound(w, r)
		}
	})
	c, _ := testClient(t, handler)

	var stoppedHooks atomic.Int32
	c.OnSessionStopped = func(string) { stoppedHooks.Add(1) }

	session, err := c.Start(context.Background(), "bbc-one", "http://example.com/s.m3u8", "en", "")
	require.NoError(t, err)

	require.NoError(t, c.Stop(context.Background(), session.ID))
	_, known := c.Session(session.ID)
	assert.False(t, known)
	_, polling := c.engine.State(session.ID)
	assert.False(t, polling)

	// second stop and a stop for a never-started ID both succeed quietly
	require.NoError(t, c.Stop(context.Background(), session.ID))
	require.NoError(t, c.Stop(context.Background(), "no-such-session"))

	assert.Equal(t, int32(1), stoppedHooks.Load(), "teardown hook fires once")
}

func TestClient_StopSurvivesServiceFailure(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/subtitle/start":
			w.Write([]byte(`{}`))
		case r.URL.Path == "/subtitle/stop":
			w.WriteHeader(http.StatusInternalServerError)
		case strings.HasSuffix(r.URL.Path, "/subtitles"):
			w.Write([]byte(`{"subtitles":[]}`))
		default:
			http.NotFound(w, r)
		}
	})
	c, _ := testClient(t, handler)

	session, err := c.Start(context.Background(), "bbc-one", "http://example.com/s.m3u8", "en", "")
	require.NoError(t, err)

	// the service refusing the stop must not resurrect local state
	require.NoError(t, c.Stop(context.Background(), session.ID))
	_, known := c.Session(session.ID)
	assert.False(t, known)
}

func TestClient_ExportDownloadsSRT(t *testing.T) {
	srt := "1\n00:00:01,000 --> 00:00:03,500\nhello world\n"
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/download") {
			w.Write([]byte(srt))
			return
		}
		http.NotFound(w, r)
	})
	c, _ := testClient(t, handler)

	data, err := c.Export(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, srt, string(data))
}

func TestClient_ExportErrorCarriesStatusCode(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	data, err := c.Export(context.Background(), "gone")
	require.Error(t, err)
	assert.Nil(t, data)

	var exportErr *ExportError
	require.ErrorAs(t, err, &exportErr)
	assert.Equal(t, http.StatusNotFound, exportErr.StatusCode)
	assert.Equal(t, "gone", exportErr.SessionID)
}

func TestClient_FetchSincePassesCursor(t *testing.T) {
	var since atomic.Value
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		since.Store(r.URL.Query().Get("since"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"subtitles": []types.SubtitleEntry{
				{ID: 43, Text: "next line", ProcessingTimeMs: 1800},
			},
		})
	})
	c, _ := testClient(t, handler)

	entries, err := c.FetchSince(context.Background(), "s1", 42)
	require.NoError(t, err)
	assert.Equal(t, "42", since.Load())
	require.Len(t, entries, 1)
	assert.Equal(t, 43, entries[0].ID)
	assert.Equal(t, "next line", entries[0].Text)
}

func TestClient_StatusDecodesDiagnostics(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.SessionDiagnostics{
			Status:              types.StatusRunning,
			SubtitleCount:       17,
			AvgProcessingTimeMs: 2150,
		})
	})
	c, _ := testClient(t, handler)

	diag, err := c.Status(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, diag.Status)
	assert.Equal(t, 17, diag.SubtitleCount)
	assert.InDelta(t, 2150, diag.AvgProcessingTimeMs, 0.1)
}

func TestClient_LanguagesListsSupportedCodes(t *testing.T) {
	c, _ := testClient(t, serviceStub(http.StatusOK, `{}`))

	languages := c.Languages()
	require.Len(t, languages, 15)
	assert.Equal(t, "en", languages[0]["code"])

	seen := map[string]bool{}
	for _, l := range languages {
		assert.NotEmpty(t, l["name"])
		assert.False(t, seen[l["code"]], "duplicate language code %s", l["code"])
		seen[l["code"]] = true
	}
}
