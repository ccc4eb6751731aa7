// Package store is the single embedded relational store: one SQLite
// file holding the FSM catalog, the signal queue, the FSM trace, the
// plan registry and instances, the slice tables, and the
// principal/preference tables. One *sql.DB, one migration runner, one
// begin/commit/rollback unit shared by every repository so an FSM step
// can consume a signal, write its trace, and enqueue downstream work
// atomically (§4.1).
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the shared database handle. All typed repositories
// (CatalogRepo, SignalRepo, TraceRepo, PlanRepo, SliceRepo,
// TimedSignalRepo, PrincipalRepo) are thin views over the same *sql.DB.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite file at path in WAL
// mode with a busy timeout, runs migrations, and enables foreign keys.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The FSM requires single-writer ordering on the current-state
	// marker; SQLite only supports one writer connection at a time
	// regardless, but capping the pool avoids SQLITE_BUSY storms under
	// concurrent repository use.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw database handle. It is exported, but callers
// outside package store normally go through the typed repositories.
func (s *Store) DB() *sql.DB {
	return s.db
}

// NewID generates a UUIDv7 for a new entity, falling back to UUIDv4 if
// v7 generation fails (clock unavailable, etc.), matching the teacher's
// scheduler.NewID idiom.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Tx runs fn inside a transaction, committing on success and rolling
// back on error or panic. Used by the FSM engine to make signal
// consumption, trace writes, and side-effect persistence atomic.
func (s *Store) Tx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

var migrations = []string{
	// 1: FSM catalog
	`CREATE TABLE IF NOT EXISTS fsm_states (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		is_terminal INTEGER NOT NULL DEFAULT 0,
		is_enabled INTEGER NOT NULL DEFAULT 1
	);
	CREATE TABLE IF NOT EXISTS fsm_signal_types (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL UNIQUE
	);
	CREATE TABLE IF NOT EXISTS fsm_transitions (
		id TEXT PRIMARY KEY,
		state_id TEXT REFERENCES fsm_states(id),
		signal_id TEXT NOT NULL REFERENCES fsm_signal_types(id),
		next_state_id TEXT NOT NULL REFERENCES fsm_states(id),
		priority INTEGER NOT NULL DEFAULT 100,
		is_enabled INTEGER NOT NULL DEFAULT 1,
		guard_key TEXT,
		action_key TEXT,
		match_any_state INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_lookup ON fsm_transitions(state_id, signal_id, is_enabled);
	CREATE INDEX IF NOT EXISTS idx_transitions_wildcard ON fsm_transitions(match_any_state, signal_id, is_enabled);
	CREATE TABLE IF NOT EXISTS fsm_current_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		state_key TEXT NOT NULL
	);`,

	// 2: signal queue and fsm trace
	`CREATE TABLE IF NOT EXISTS signal_queue (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		source TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		correlation_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		error TEXT,
		durable INTEGER NOT NULL DEFAULT 1,
		claimed_by TEXT,
		claimed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_signal_queue_status ON signal_queue(status, created_at);

	CREATE TABLE IF NOT EXISTS fsm_trace (
		id TEXT PRIMARY KEY,
		ts TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		state_before TEXT,
		signal_type TEXT NOT NULL,
		transition_id TEXT,
		action_key TEXT,
		state_after TEXT,
		result TEXT NOT NULL,
		error_summary TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_fsm_trace_correlation ON fsm_trace(correlation_id);`,

	// 3: plan registry, instances, runs
	`CREATE TABLE IF NOT EXISTS plan_kind_versions (
		plan_kind TEXT NOT NULL,
		plan_version INTEGER NOT NULL,
		schema_json TEXT NOT NULL,
		example_json TEXT,
		executor_key TEXT NOT NULL,
		is_deprecated INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (plan_kind, plan_version)
	);
	CREATE TABLE IF NOT EXISTS plan_instances (
		plan_id TEXT PRIMARY KEY,
		plan_kind TEXT NOT NULL,
		plan_version INTEGER NOT NULL,
		correlation_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		payload_json TEXT NOT NULL,
		actor TEXT,
		source_channel TEXT,
		intent_confidence REAL,
		created_at TEXT NOT NULL,
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_plan_instances_status ON plan_instances(status);
	CREATE TABLE IF NOT EXISTS plan_runs (
		run_id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL REFERENCES plan_instances(plan_id),
		status TEXT NOT NULL,
		started_at TEXT,
		ended_at TEXT,
		state_json TEXT,
		scheduled_json TEXT,
		resolution TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_plan_runs_plan ON plan_runs(plan_id);`,

	// 4: timed signals
	`CREATE TABLE IF NOT EXISTS timed_signals (
		id TEXT PRIMARY KEY,
		trigger_at TEXT NOT NULL,
		next_trigger_at TEXT,
		rrule TEXT,
		timezone TEXT NOT NULL DEFAULT 'UTC',
		status TEXT NOT NULL DEFAULT 'pending',
		fired_at TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		signal_type TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		target TEXT,
		origin TEXT,
		correlation_id TEXT NOT NULL,
		claimed_by TEXT,
		claimed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_timed_signals_dispatch ON timed_signals(status, trigger_at);`,

	// 5: slice executor (pdca)
	`CREATE TABLE IF NOT EXISTS pdca_tasks (
		task_id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		conversation_key TEXT,
		session_id TEXT,
		status TEXT NOT NULL DEFAULT 'queued',
		priority INTEGER NOT NULL DEFAULT 0,
		next_run_at TEXT NOT NULL,
		lease_until TEXT,
		worker_id TEXT,
		slice_cycles INTEGER NOT NULL DEFAULT 0,
		max_cycles INTEGER NOT NULL DEFAULT 3,
		max_runtime_seconds INTEGER NOT NULL DEFAULT 30,
		token_budget_remaining INTEGER NOT NULL DEFAULT 0,
		failure_streak INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pdca_tasks_runnable ON pdca_tasks(status, priority, next_run_at);

	CREATE TABLE IF NOT EXISTS pdca_checkpoints (
		task_id TEXT PRIMARY KEY REFERENCES pdca_tasks(task_id) ON DELETE CASCADE,
		state_json TEXT NOT NULL,
		task_state_json TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS pdca_events (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES pdca_tasks(task_id) ON DELETE CASCADE,
		ts TEXT NOT NULL,
		event TEXT NOT NULL,
		detail_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_pdca_events_task ON pdca_events(task_id, ts);`,

	// 6: principals, preferences, observability
	`CREATE TABLE IF NOT EXISTS principals (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		channel_identities_json TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS preferences (
		principal_id TEXT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (principal_id, key)
	);

	CREATE TABLE IF NOT EXISTS observability_events (
		id TEXT PRIMARY KEY,
		ts TEXT NOT NULL,
		level TEXT NOT NULL,
		event TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		channel TEXT,
		user_id TEXT,
		node TEXT,
		cycle INTEGER,
		status TEXT,
		tool TEXT,
		error_code TEXT,
		latency_ms INTEGER,
		detail_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_observability_events_ts ON observability_events(ts);
	CREATE INDEX IF NOT EXISTS idx_observability_events_correlation ON observability_events(correlation_id);

	CREATE TABLE IF NOT EXISTS observability_rollups (
		day TEXT NOT NULL,
		event TEXT NOT NULL,
		level TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (day, event, level)
	);`,
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var applied int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		return fmt.Errorf("count schema_migrations: %w", err)
	}

	for i := applied; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, datetime('now'))`, i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}
