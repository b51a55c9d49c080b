// Package backend provides the session directory and authorization gate the
// relay and clients consult: a SQLite store for local deployments and a REST
// client for a remote backend.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/Lesson/internal/core"
	"github.com/dkeye/Lesson/internal/domain"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// SQLiteStore keeps session records and joiner grants in SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ core.AuthorizationGate = (*SQLiteStore)(nil)
	_ core.SessionDirectory  = (*SQLiteStore)(nil)
)

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	log.Info().Str("module", "backend.sqlite").Str("dsn", dsn).Msg("store ready")
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			initiator_id TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'created',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS grants (
			session_id TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			granted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session_id, participant_id),
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, initiator domain.ParticipantID) (domain.SessionInfo, error) {
	if err := domain.ValidateParticipantID(initiator); err != nil {
		return domain.SessionInfo{}, err
	}
	info := domain.SessionInfo{
		ID:          domain.NewSessionID(),
		InitiatorID: initiator,
		State:       domain.SessionCreated,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, initiator_id, state, created_at) VALUES (?, ?, ?, ?)`,
		info.ID, info.InitiatorID, info.State, s.now().UTC())
	if err != nil {
		return domain.SessionInfo{}, fmt.Errorf("insert session: %w", err)
	}
	log.Info().Str("module", "backend.sqlite").Str("session", string(info.ID)).Str("initiator", string(initiator)).Msg("session created")
	return info, nil
}

func (s *SQLiteStore) EndSession(ctx context.Context, sessionID domain.SessionID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, ended_at = ? WHERE session_id = ? AND state != ?`,
		domain.SessionEnded, s.now().UTC(), sessionID, domain.SessionEnded)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.session(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Grant(ctx context.Context, sessionID domain.SessionID, participant domain.ParticipantID, displayName string) error {
	if err := domain.ValidateParticipantID(participant); err != nil {
		return err
	}
	if len(displayName) > domain.MaxDisplayNameLen {
		return domain.ErrDisplayNameTooLong
	}
	info, err := s.session(ctx, sessionID)
	if err != nil {
		return err
	}
	if info.State == domain.SessionEnded {
		return domain.ErrSessionEnded
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO grants (session_id, participant_id, display_name, granted_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id, participant_id) DO UPDATE SET display_name = excluded.display_name`,
		sessionID, participant, displayName, s.now().UTC())
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	return nil
}

// Authorize admits the session's initiator and every granted joiner. Ended
// sessions report domain.ErrSessionEnded alongside their metadata.
func (s *SQLiteStore) Authorize(ctx context.Context, sessionID domain.SessionID, participant domain.ParticipantID) (domain.SessionInfo, error) {
	info, err := s.session(ctx, sessionID)
	if err != nil {
		return domain.SessionInfo{}, err
	}

	if participant == info.InitiatorID {
		var name sql.NullString
		err := s.db.QueryRowContext(ctx,
			`SELECT display_name FROM grants WHERE session_id = ? ORDER BY granted_at LIMIT 1`,
			sessionID).Scan(&name)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return domain.SessionInfo{}, fmt.Errorf("query counterpart: %w", err)
		}
		info.CounterpartName = name.String
	} else {
		var n int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM grants WHERE session_id = ? AND participant_id = ?`,
			sessionID, participant).Scan(&n)
		if err != nil {
			return domain.SessionInfo{}, fmt.Errorf("query grant: %w", err)
		}
		if n == 0 {
			return domain.SessionInfo{}, domain.ErrNotAuthorized
		}
		info.CounterpartName = string(info.InitiatorID)
	}

	if info.State == domain.SessionEnded {
		return info, domain.ErrSessionEnded
	}
	return info, nil
}

func (s *SQLiteStore) session(ctx context.Context, sessionID domain.SessionID) (domain.SessionInfo, error) {
	var info domain.SessionInfo
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, initiator_id, state FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&info.ID, &info.InitiatorID, &info.State)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SessionInfo{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.SessionInfo{}, fmt.Errorf("query session: %w", err)
	}
	return info, nil
}
