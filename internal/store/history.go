package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AddressEntry is a server address the user has chosen.
type AddressEntry struct {
	Address  string    `json:"address" yaml:"address"`
	LastUsed time.Time `json:"last_used" yaml:"last_used"`
	Uses     int       `json:"uses" yaml:"uses"`
}

// SessionRecord is one connector session.
type SessionRecord struct {
	ID         string     `json:"id" yaml:"id"`
	Robot      string     `json:"robot" yaml:"robot"`
	RobotName  string     `json:"robot_name" yaml:"robot_name"`
	Server     string     `json:"server" yaml:"server"`
	StartedAt  time.Time  `json:"started_at" yaml:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
	FinalState string     `json:"final_state,omitempty" yaml:"final_state,omitempty"`
	Err        string     `json:"error,omitempty" yaml:"error,omitempty"`
}

func migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "server address history",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE server_addresses (
						address   TEXT     PRIMARY KEY,
						last_used DATETIME NOT NULL,
						uses      INTEGER  NOT NULL DEFAULT 1
					)
				`)
				return err
			},
		},
		{
			Version:     2,
			Description: "session log",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE sessions (
						id          TEXT     PRIMARY KEY,
						robot       TEXT     NOT NULL,
						robot_name  TEXT     NOT NULL,
						server      TEXT     NOT NULL,
						started_at  DATETIME NOT NULL,
						ended_at    DATETIME,
						final_state TEXT     NOT NULL DEFAULT '',
						error       TEXT     NOT NULL DEFAULT ''
					);
					CREATE INDEX idx_sessions_started ON sessions(started_at DESC);
				`)
				return err
			},
		},
	}
}

// History records server addresses and sessions.
type History struct {
	db  *sql.DB
	now func() time.Time
}

// NewHistory migrates s and returns a History on it.
func NewHistory(ctx context.Context, s *SQLiteStore) (*History, error) {
	if err := s.Migrate(ctx, "history", migrations()); err != nil {
		return nil, err
	}
	return &History{db: s.DB(), now: time.Now}, nil
}

// RecordAddress notes that address was used now.
func (h *History) RecordAddress(ctx context.Context, address string) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO server_addresses (address, last_used, uses) VALUES (?, ?, 1)
		ON CONFLICT(address) DO UPDATE SET last_used = excluded.last_used, uses = uses + 1`,
		address, h.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record address: %w", err)
	}
	return nil
}

// RecentAddresses returns up to limit addresses, most recently used first.
func (h *History) RecentAddresses(ctx context.Context, limit int) ([]AddressEntry, error) {
	rows, err := h.db.QueryContext(ctx,
		"SELECT address, last_used, uses FROM server_addresses ORDER BY last_used DESC, address LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	defer rows.Close()

	var out []AddressEntry
	for rows.Next() {
		var e AddressEntry
		if err := rows.Scan(&e.Address, &e.LastUsed, &e.Uses); err != nil {
			return nil, fmt.Errorf("scan address: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// StartSession inserts an open session record.
func (h *History) StartSession(ctx context.Context, rec SessionRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = h.now()
	}
	_, err := h.db.ExecContext(ctx,
		"INSERT INTO sessions (id, robot, robot_name, server, started_at) VALUES (?, ?, ?, ?, ?)",
		rec.ID, rec.Robot, rec.RobotName, rec.Server, rec.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return nil
}

// SetSessionState records the latest state of a session.
func (h *History) SetSessionState(ctx context.Context, id, state string) error {
	_, err := h.db.ExecContext(ctx, "UPDATE sessions SET final_state = ? WHERE id = ?", state, id)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// EndSession closes a session record.
func (h *History) EndSession(ctx context.Context, id, errMsg string) error {
	res, err := h.db.ExecContext(ctx,
		"UPDATE sessions SET ended_at = ?, error = ? WHERE id = ?", h.now().UTC(), errMsg, id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end session %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// RecentSessions returns up to limit sessions, newest first.
func (h *History) RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, robot, robot_name, server, started_at, ended_at, final_state, error
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var ended sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Robot, &rec.RobotName, &rec.Server, &rec.StartedAt, &ended, &rec.FinalState, &rec.Err); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if ended.Valid {
			t := ended.Time
			rec.EndedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
