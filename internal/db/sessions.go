package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dungeon-net/dungeond/internal/events"
)

// SessionStore keeps an audit trail of client sessions and loop alerts.
type SessionStore struct {
	db *Database
}

// SessionEvent is one recorded session lifecycle change.
type SessionEvent struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	ClientID  uint16    `json:"client_id"`
	Username  string    `json:"username"`
	SessionID int64     `json:"session_id,omitempty"`
	Remote    string    `json:"remote,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PlayerSummary aggregates a username's history.
type PlayerSummary struct {
	Username   string    `json:"username"`
	Connects   int       `json:"connects"`
	Reconnects int       `json:"reconnects"`
	Expiries   int       `json:"expiries"`
	LastSeen   time.Time `json:"last_seen"`
}

// Alert is a recorded loop health problem.
type Alert struct {
	ID        int64         `json:"id"`
	Type      string        `json:"type"`
	Tick      int32         `json:"tick"`
	Duration  time.Duration `json:"duration_ns"`
	Message   string        `json:"message,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// HistoryFilter narrows History results. Zero values match everything.
type HistoryFilter struct {
	Username string
	ClientID uint16
	Since    time.Time
	Limit    int
}

const defaultHistoryLimit = 100

// auditedEvents are persisted by Subscribe.
var auditedEvents = []events.Type{
	events.ClientConnected,
	events.ClientRejected,
	events.ClientReconnected,
	events.ClientDisconnected,
	events.ClientExpired,
	events.GameOver,
	events.TickOverrun,
	events.LoopFatal,
}

// NewSessionStore opens the database at dbPath and migrates its schema.
func NewSessionStore(dbPath string) (*SessionStore, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	store := &SessionStore{db: database}
	if err := store.migrate(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate session database: %w", err)
	}
	return store, nil
}

func (s *SessionStore) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS session_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			client_id INTEGER NOT NULL DEFAULT 0,
			username TEXT NOT NULL DEFAULT '',
			session_id INTEGER NOT NULL DEFAULT 0,
			remote TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS loop_alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			tick INTEGER NOT NULL DEFAULT 0,
			duration_ns INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_session_events_username ON session_events(username);
		CREATE INDEX IF NOT EXISTS idx_session_events_created ON session_events(created_at);
		CREATE INDEX IF NOT EXISTS idx_loop_alerts_created ON loop_alerts(created_at);
	`

	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Debug().Msg("database schema migrated")
	return nil
}

// Subscribe persists session and loop events published on bus.
func (s *SessionStore) Subscribe(bus *events.Bus) {
	for _, t := range auditedEvents {
		bus.Subscribe(t, "db.audit", s.Record)
	}
}

// Record stores event if it is one the store audits. Other events are
// ignored.
func (s *SessionStore) Record(ctx context.Context, event events.Event) error {
	at := event.Time
	if at.IsZero() {
		at = time.Now()
	}

	switch p := event.Payload.(type) {
	case events.ClientPayload:
		_, err := s.db.Exec(ctx,
			`INSERT INTO session_events (type, client_id, username, session_id, remote, reason, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(event.Type), int64(p.ClientID), p.Username, p.SessionID, p.Remote, p.Reason, at.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to record %s: %w", event.Type, err)
		}
	case events.TickPayload:
		_, err := s.db.Exec(ctx,
			`INSERT INTO loop_alerts (type, tick, duration_ns, message, created_at) VALUES (?, ?, ?, ?, ?)`,
			string(event.Type), int64(p.Tick), int64(p.Duration), p.Error, at.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to record %s: %w", event.Type, err)
		}
	}
	return nil
}

// History returns recorded session events, newest first.
func (s *SessionStore) History(ctx context.Context, f HistoryFilter) ([]SessionEvent, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Username != "" {
		where = append(where, "username = ?")
		args = append(args, f.Username)
	}
	if f.ClientID != 0 {
		where = append(where, "client_id = ?")
		args = append(args, int64(f.ClientID))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	query := "SELECT id, type, client_id, username, session_id, remote, reason, created_at FROM session_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history query failed: %w", err)
	}
	defer rows.Close()

	history := []SessionEvent{}
	for rows.Next() {
		var (
			e        SessionEvent
			clientID int64
			created  int64
		)
		if err := rows.Scan(&e.ID, &e.Type, &clientID, &e.Username, &e.SessionID, &e.Remote, &e.Reason, &created); err != nil {
			return nil, fmt.Errorf("history scan failed: %w", err)
		}
		e.ClientID = uint16(clientID)
		e.CreatedAt = time.UnixMilli(created)
		history = append(history, e)
	}
	return history, rows.Err()
}

// Players summarizes activity per username, most recently seen first.
func (s *SessionStore) Players(ctx context.Context) ([]PlayerSummary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT username,
			SUM(CASE WHEN type = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN type = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN type = ? THEN 1 ELSE 0 END),
			MAX(created_at)
		FROM session_events
		WHERE username != '' AND type != ?
		GROUP BY username
		ORDER BY MAX(created_at) DESC
	`, string(events.ClientConnected), string(events.ClientReconnected), string(events.ClientExpired),
		string(events.ClientRejected))
	if err != nil {
		return nil, fmt.Errorf("players query failed: %w", err)
	}
	defer rows.Close()

	players := []PlayerSummary{}
	for rows.Next() {
		var (
			p        PlayerSummary
			lastSeen int64
		)
		if err := rows.Scan(&p.Username, &p.Connects, &p.Reconnects, &p.Expiries, &lastSeen); err != nil {
			return nil, fmt.Errorf("players scan failed: %w", err)
		}
		p.LastSeen = time.UnixMilli(lastSeen)
		players = append(players, p)
	}
	return players, rows.Err()
}

// Alerts returns the newest loop alerts.
func (s *SessionStore) Alerts(ctx context.Context, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := s.db.Query(ctx,
		"SELECT id, type, tick, duration_ns, message, created_at FROM loop_alerts ORDER BY created_at DESC, id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("alerts query failed: %w", err)
	}
	defer rows.Close()

	alerts := []Alert{}
	for rows.Next() {
		var (
			a        Alert
			duration int64
			created  int64
		)
		if err := rows.Scan(&a.ID, &a.Type, &a.Tick, &duration, &a.Message, &created); err != nil {
			return nil, fmt.Errorf("alerts scan failed: %w", err)
		}
		a.Duration = time.Duration(duration)
		a.CreatedAt = time.UnixMilli(created)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// Cleanup deletes rows older than days and returns how many were removed.
func (s *SessionStore) Cleanup(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()

	var removed int64
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"session_events", "loop_alerts"} {
			res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE created_at < ?", cutoff)
			if err != nil {
				return fmt.Errorf("cleanup of %s failed: %w", table, err)
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		log.Info().Int64("rows", removed).Int("retention_days", days).Msg("pruned session history")
	}
	return removed, nil
}

// RunRetention prunes old rows once an hour until ctx ends.
func (s *SessionStore) RunRetention(ctx context.Context, days int) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		if _, err := s.Cleanup(ctx, days); err != nil {
			log.Warn().Err(err).Msg("session history cleanup failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Ping verifies the database is reachable.
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database.
func (s *SessionStore) Close() error {
	return s.db.Close()
}
