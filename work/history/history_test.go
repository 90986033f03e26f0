package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iptv-sync/work/logger"
	"iptv-sync/work/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "history.db"), logger.New("error"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func session(id, channel string, createdAt time.Time) *types.SubtitleSession {
	return &types.SubtitleSession{
		ID:        id,
		ChannelID: channel,
		Language:  "en",
		CreatedAt: createdAt,
	}
}

func TestStore_RecordsSessionLifecycle(t *testing.T) {
	store := openTestStore(t)

	started := time.Now().Add(-time.Minute)
	store.RecordStart(session("s1", "bbc-one", started))
	store.RecordStop("s1", 42)
	store.RecordExport("s1", 1024)

	records, err := store.RecentSessions(10)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, "bbc-one", rec.ChannelID)
	assert.Equal(t, "en", rec.Language)
	assert.Equal(t, 42, rec.EntryCount)
	require.NotNil(t, rec.StoppedAt)
	assert.True(t, rec.StoppedAt.After(rec.StartedAt))
}

func TestStore_RecentSessionsNewestFirst(t *testing.T) {
	store := openTestStore(t)

	base := time.Now().Add(-time.Hour)
	store.RecordStart(session("old", "ch1", base))
	store.RecordStart(session("mid", "ch2", base.Add(10*time.Minute)))
	store.RecordStart(session("new", "ch3", base.Add(20*time.Minute)))

	records, err := store.RecentSessions(2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "new", records[0].SessionID)
	assert.Equal(t, "mid", records[1].SessionID)

	// open sessions have no stop time
	assert.Nil(t, records[0].StoppedAt)
}

func TestStore_StopForUnknownSessionIsHarmless(t *testing.T) {
	store := openTestStore(t)

	// best-effort semantics: nothing to update, nothing breaks
	store.RecordStop("never-started", 7)

	records, err := store.RecentSessions(10)
	require.NoError(t, err)
	assert.Empty(t, records)
}
