package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"iptv-sync/work/logger"
	"iptv-sync/work/types"
)

// SessionRecord is one row of subtitle session history.
type SessionRecord struct {
	SessionID  string     `json:"session_id"`
	ChannelID  string     `json:"channel_id"`
	Language   string     `json:"language"`
	TargetLang string     `json:"target_lang,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
	EntryCount int        `json:"entry_count"`
}

// ExportRecord is one recorded SRT export.
type ExportRecord struct {
	SessionID  string    `json:"session_id"`
	ExportedAt time.Time `json:"exported_at"`
	Bytes      int       `json:"bytes"`
}

// Store persists subtitle session and export history to sqlite. Everything
// here is best effort: history is diagnostics, and a write failure must never
// break a running session, so callers log errors and move on.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// Open creates (or opens) the history database at the given path and ensures
// the schema exists.
func Open(path string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &Store{
		db:  db,
		log: log.WithTag("[HISTORY]"),
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS subtitle_sessions (
			session_id  TEXT PRIMARY KEY,
			channel_id  TEXT NOT NULL,
			language    TEXT NOT NULL,
			target_lang TEXT NOT NULL DEFAULT '',
			started_at  TIMESTAMP NOT NULL,
			stopped_at  TIMESTAMP,
			entry_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_channel ON subtitle_sessions(channel_id)`,
		`CREATE TABLE IF NOT EXISTS srt_exports (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT NOT NULL,
			exported_at TIMESTAMP NOT NULL,
			bytes       INTEGER NOT NULL
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("history migration failed: %w", err)
		}
	}
	return nil
}

// RecordStart inserts a new session row.
func (s *Store) RecordStart(session *types.SubtitleSession) {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO subtitle_sessions (session_id, channel_id, language, target_lang, started_at) VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.ChannelID, session.Language, session.TargetLang, session.CreatedAt,
	)
	if err != nil {
		s.log.Warn("failed to record session start %s: %v", session.ID, err)
	}
}

// RecordStop stamps the session's end time and final entry count.
func (s *Store) RecordStop(sessionID string, entryCount int) {
	_, err := s.db.Exec(
		`UPDATE subtitle_sessions SET stopped_at = ?, entry_count = ? WHERE session_id = ?`,
		time.Now(), entryCount, sessionID,
	)
	if err != nil {
		s.log.Warn("failed to record session stop %s: %v", sessionID, err)
	}
}

// RecordExport logs one SRT download.
func (s *Store) RecordExport(sessionID string, bytes int) {
	_, err := s.db.Exec(
		`INSERT INTO srt_exports (session_id, exported_at, bytes) VALUES (?, ?, ?)`,
		sessionID, time.Now(), bytes,
	)
	if err != nil {
		s.log.Warn("failed to record export for %s: %v", sessionID, err)
	}
}

// RecentSessions returns the most recent session rows, newest first.
func (s *Store) RecentSessions(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT session_id, channel_id, language, target_lang, started_at, stopped_at, entry_count
		 FROM subtitle_sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query session history: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var stopped sql.NullTime
		if err := rows.Scan(&rec.SessionID, &rec.ChannelID, &rec.Language, &rec.TargetLang,
			&rec.StartedAt, &stopped, &rec.EntryCount); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		if stopped.Valid {
			rec.StoppedAt = &stopped.Time
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// Close shuts the underlying database down.
func (s *Store) Close() error {
	return s.db.Close()
}
