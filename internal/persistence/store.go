package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bloq-ai/crewd/internal/bus"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "crewd-v1-2026-07-02-core"

	// v2: adds initiative_queue + roundtable_queue.claimed_at.
	schemaVersionV2  = 2
	schemaChecksumV2 = "crewd-v2-2026-07-18-initiatives"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

// Store wraps the SQLite database holding all crewd state. A nil bus is
// allowed in tests; events are then persisted but not fanned out.
type Store struct {
	db  *sql.DB
	bus *bus.Bus
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".crewd", "crewd.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of the
// driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	if maxVersion < schemaVersionV1 {
		if err := applySchemaV1(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
		`, schemaVersionV1, schemaChecksumV1); err != nil {
			return fmt.Errorf("record schema v1: %w", err)
		}
	} else {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionV1).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema v1 checksum: %w", err)
		}
		if existingChecksum != schemaChecksumV1 {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionV1, existingChecksum, schemaChecksumV1)
		}
	}

	if err := applySchemaV2(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionV2, schemaChecksumV2); err != nil {
		return fmt.Errorf("record schema v2: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func applySchemaV1(ctx context.Context, tx *sql.Tx) error {
	schema := `
	CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		title TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		step_kinds TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		rejection_reason TEXT,
		mission_id TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS missions (
		id TEXT PRIMARY KEY,
		proposal_id TEXT,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		finalized_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS mission_steps (
		id TEXT PRIMARY KEY,
		mission_id TEXT NOT NULL REFERENCES missions(id),
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		output_json TEXT,
		last_error TEXT,
		claimed_by TEXT,
		reserved_at DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_steps_mission ON mission_steps(mission_id, seq);
	CREATE INDEX IF NOT EXISTS idx_steps_status ON mission_steps(status, created_at);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		tags_json TEXT NOT NULL DEFAULT '[]',
		actor TEXT NOT NULL DEFAULT '',
		trace_id TEXT NOT NULL DEFAULT '',
		payload_json TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at, id);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, created_at);

	CREATE TABLE IF NOT EXISTS trigger_rules (
		name TEXT PRIMARY KEY,
		enabled INTEGER NOT NULL DEFAULT 1,
		trigger_event TEXT NOT NULL,
		conditions_json TEXT NOT NULL DEFAULT '{}',
		action_config_json TEXT NOT NULL DEFAULT '{}',
		cooldown_minutes INTEGER NOT NULL DEFAULT 0,
		jitter_minutes INTEGER NOT NULL DEFAULT 0,
		skip_probability REAL NOT NULL DEFAULT 0,
		fire_count INTEGER NOT NULL DEFAULT 0,
		last_fired_at DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS reactions (
		id TEXT PRIMARY KEY,
		event_id INTEGER NOT NULL REFERENCES events(id),
		reaction_type TEXT NOT NULL,
		target_agent TEXT NOT NULL DEFAULT 'control-plane',
		run_after DATETIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		proposal_id TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_reactions_due ON reactions(status, run_after);

	CREATE TABLE IF NOT EXISTS roundtable_sessions (
		id TEXT PRIMARY KEY,
		format TEXT NOT NULL,
		topic TEXT NOT NULL,
		participants_json TEXT NOT NULL,
		status TEXT NOT NULL,
		turns_json TEXT NOT NULL DEFAULT '[]',
		turn_count INTEGER NOT NULL DEFAULT 0,
		scheduled_hour INTEGER NOT NULL,
		scheduled_date TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		completed_at DATETIME
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_slot ON roundtable_sessions(scheduled_date, scheduled_hour);

	CREATE TABLE IF NOT EXISTS roundtable_queue (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES roundtable_sessions(id),
		status TEXT NOT NULL DEFAULT 'pending',
		claimed_by TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS agent_memories (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		confidence REAL NOT NULL,
		tags_json TEXT NOT NULL DEFAULT '[]',
		source_trace_id TEXT NOT NULL,
		superseded_by TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_memories_trace ON agent_memories(source_trace_id);
	CREATE INDEX IF NOT EXISTS idx_memories_agent ON agent_memories(agent_id, superseded_by);

	CREATE TABLE IF NOT EXISTS agent_relationships (
		agent_a TEXT NOT NULL,
		agent_b TEXT NOT NULL,
		affinity REAL NOT NULL,
		total_interactions INTEGER NOT NULL DEFAULT 0,
		positive_interactions INTEGER NOT NULL DEFAULT 0,
		negative_interactions INTEGER NOT NULL DEFAULT 0,
		drift_log_json TEXT NOT NULL DEFAULT '[]',
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (agent_a, agent_b)
	);

	CREATE TABLE IF NOT EXISTS policy (
		key TEXT PRIMARY KEY,
		value_json TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	return nil
}

func applySchemaV2(ctx context.Context, tx *sql.Tx) error {
	schema := `
	CREATE TABLE IF NOT EXISTS initiative_queue (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		payload_json TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_initiatives_agent ON initiative_queue(agent_id, status);
	`
	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema v2: %w", err)
	}
	// roundtable_queue.claimed_at was missing in v1.
	if _, err := tx.ExecContext(ctx, `ALTER TABLE roundtable_queue ADD COLUMN claimed_at DATETIME;`); err != nil {
		if !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("add roundtable_queue.claimed_at: %w", err)
		}
	}
	return nil
}

// MetricsCounts is a snapshot of queue depths surfaced at /metrics.
type MetricsCounts struct {
	StepsQueued       int64 `json:"steps_queued"`
	StepsRunning      int64 `json:"steps_running"`
	MissionsRunning   int64 `json:"missions_running"`
	ProposalsPending  int64 `json:"proposals_pending"`
	ReactionsPending  int64 `json:"reactions_pending"`
	SessionsActive    int64 `json:"sessions_active"`
	EventsTotal       int64 `json:"events_total"`
	InitiativesQueued int64 `json:"initiatives_queued"`
}

func (s *Store) MetricsCounts(ctx context.Context) (MetricsCounts, error) {
	var mc MetricsCounts
	rows := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(1) FROM mission_steps WHERE status = 'queued';`, &mc.StepsQueued},
		{`SELECT COUNT(1) FROM mission_steps WHERE status = 'running';`, &mc.StepsRunning},
		{`SELECT COUNT(1) FROM missions WHERE status = 'running';`, &mc.MissionsRunning},
		{`SELECT COUNT(1) FROM proposals WHERE status = 'pending';`, &mc.ProposalsPending},
		{`SELECT COUNT(1) FROM reactions WHERE status = 'pending';`, &mc.ReactionsPending},
		{`SELECT COUNT(1) FROM roundtable_sessions WHERE status IN ('pending', 'running');`, &mc.SessionsActive},
		{`SELECT COUNT(1) FROM events;`, &mc.EventsTotal},
		{`SELECT COUNT(1) FROM initiative_queue WHERE status = 'pending';`, &mc.InitiativesQueued},
	}
	for _, r := range rows {
		if err := s.db.QueryRowContext(ctx, r.query).Scan(r.dest); err != nil {
			return mc, fmt.Errorf("metrics count: %w", err)
		}
	}
	return mc, nil
}

// Backup writes a consistent snapshot of the database to destPath using
// VACUUM INTO, which is safe while the store is live.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("vacuum into backup: %w", err)
	}
	return nil
}
