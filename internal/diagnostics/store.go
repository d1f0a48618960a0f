// Package diagnostics persists a trimmed history of peer time-sync
// samples to a local SQLite database, for post-hoc debugging of clock
// convergence and drift. Peer time-sync itself has no persistence
// requirement; this store is a debugging aid, using an embedded-migration
// sqlite.Open pattern.
package diagnostics

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MaxRetainedEvents bounds the sync_events table; Record trims the oldest
// rows past this count after every insert so the store never grows
// unbounded on a long-running daemon.
const MaxRetainedEvents = 100_000

// Store wraps a SQLite connection holding the sync diagnostics schema.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// SyncEvent is one committed or candidate time-sync sample recorded for a
// peer (the committed delta sample, widened with round-trip time and the
// ring length observed at record time).
type SyncEvent struct {
	PeerUUID string
	TS       int64 // unix ms
	DeltaMS  float64
	RTTMs    float64
	RingLen  int
}

// Open creates or opens the diagnostics database under dataDir, enabling
// WAL mode and a single writer connection — SQLite's documented
// best-effort concurrency story for an embedded, single-process database.
func Open(dataDir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("diagnostics: creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "sync_diagnostics.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dbPath)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: opening database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("diagnostics: pinging database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	store := &Store{db: sqlDB, logger: logger.With("subsystem", "diagnostics")}
	if err := store.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("diagnostics: running migrations: %w", err)
	}

	store.logger.Info("diagnostics store opened", "path", dbPath)
	return store, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
	)`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}
		s.logger.Info("applied migration", "version", version)
	}
	return nil
}

// Record appends one sync event and trims the table back under
// MaxRetainedEvents if the insert pushed it over.
func (s *Store) Record(ev SyncEvent) error {
	_, err := s.db.Exec(
		`INSERT INTO sync_events (peer_uuid, ts, delta_ms, rtt_ms, ring_len) VALUES (?, ?, ?, ?, ?)`,
		ev.PeerUUID, ev.TS, ev.DeltaMS, ev.RTTMs, ev.RingLen,
	)
	if err != nil {
		return fmt.Errorf("diagnostics: recording event: %w", err)
	}

	_, err = s.db.Exec(
		`DELETE FROM sync_events WHERE id IN (
			SELECT id FROM sync_events ORDER BY id ASC
			LIMIT MAX(0, (SELECT COUNT(*) FROM sync_events) - ?)
		)`, MaxRetainedEvents,
	)
	if err != nil {
		return fmt.Errorf("diagnostics: trimming events: %w", err)
	}
	return nil
}

// Recent returns the most recent events for peerUUID, newest first,
// limited to n rows.
func (s *Store) Recent(peerUUID string, n int) ([]SyncEvent, error) {
	rows, err := s.db.Query(
		`SELECT peer_uuid, ts, delta_ms, rtt_ms, ring_len FROM sync_events
		 WHERE peer_uuid = ? ORDER BY ts DESC LIMIT ?`, peerUUID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: querying events: %w", err)
	}
	defer rows.Close()

	var out []SyncEvent
	for rows.Next() {
		var ev SyncEvent
		if err := rows.Scan(&ev.PeerUUID, &ev.TS, &ev.DeltaMS, &ev.RTTMs, &ev.RingLen); err != nil {
			return nil, fmt.Errorf("diagnostics: scanning event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
