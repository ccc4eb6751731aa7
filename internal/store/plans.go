package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PlanKindVersion is one registered (kind, version) schema entry (§4.8).
type PlanKindVersion struct {
	PlanKind     string
	PlanVersion  int
	SchemaJSON   string
	ExampleJSON  string
	ExecutorKey  string
	IsDeprecated bool
}

// PlanInstance is a plan_instances row (§3 Plan).
type PlanInstance struct {
	PlanID           string
	PlanKind         string
	PlanVersion      int
	CorrelationID    string
	Status           string // queued, running, done, failed, awaiting_user
	PayloadJSON      string
	Actor            string
	SourceChannel    string
	IntentConfidence float64
	CreatedAt        time.Time
	Error            string
}

// PlanRun is one execution attempt of a plan (§3 Plan Run).
type PlanRun struct {
	RunID         string
	PlanID        string
	Status        string
	StartedAt     *time.Time
	EndedAt       *time.Time
	StateJSON     string
	ScheduledJSON string
	Resolution    string
}

// PlanRepo persists the plan registry and plan/run instances.
type PlanRepo struct{ db *sql.DB }

func (s *Store) Plans() *PlanRepo { return &PlanRepo{db: s.db} }

// RegisterKindVersion inserts or replaces a (kind, version) schema.
func (r *PlanRepo) RegisterKindVersion(ctx context.Context, kv PlanKindVersion) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO plan_kind_versions (plan_kind, plan_version, schema_json, example_json, executor_key, is_deprecated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(plan_kind, plan_version) DO UPDATE SET
			schema_json=excluded.schema_json, example_json=excluded.example_json,
			executor_key=excluded.executor_key, is_deprecated=excluded.is_deprecated
	`, kv.PlanKind, kv.PlanVersion, kv.SchemaJSON, nullIfEmpty(kv.ExampleJSON), kv.ExecutorKey, boolToInt(kv.IsDeprecated))
	if err != nil {
		return fmt.Errorf("register plan kind %q v%d: %w", kv.PlanKind, kv.PlanVersion, err)
	}
	return nil
}

// KindVersion looks up a registered schema by kind and version.
func (r *PlanRepo) KindVersion(ctx context.Context, kind string, version int) (PlanKindVersion, error) {
	var kv PlanKindVersion
	var example sql.NullString
	var deprecated int
	err := r.db.QueryRowContext(ctx, `
		SELECT plan_kind, plan_version, schema_json, example_json, executor_key, is_deprecated
		FROM plan_kind_versions WHERE plan_kind = ? AND plan_version = ?
	`, kind, version).Scan(&kv.PlanKind, &kv.PlanVersion, &kv.SchemaJSON, &example, &kv.ExecutorKey, &deprecated)
	if err != nil {
		return kv, fmt.Errorf("lookup plan kind %q v%d: %w", kind, version, err)
	}
	kv.ExampleJSON = example.String
	kv.IsDeprecated = deprecated == 1
	return kv, nil
}

// InsertInstance inserts a new plan_instances row with status 'queued'.
func (r *PlanRepo) InsertInstance(ctx context.Context, p PlanInstance) error {
	return insertPlanInstance(ctx, r.db, p)
}

// InsertPlanInstanceTx inserts a plan_instances row within the
// caller's transaction, so an FSM step can create a plan atomically
// with the trace row and state update that produced it (§4.6 step 5,
// testable invariant 2: "all persisted or none").
func InsertPlanInstanceTx(ctx context.Context, tx *sql.Tx, p PlanInstance) error {
	return insertPlanInstance(ctx, tx, p)
}

func insertPlanInstance(ctx context.Context, db execer, p PlanInstance) error {
	if p.PlanID == "" {
		p.PlanID = NewID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = "queued"
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO plan_instances (plan_id, plan_kind, plan_version, correlation_id, status, payload_json, actor, source_channel, intent_confidence, created_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.PlanID, p.PlanKind, p.PlanVersion, p.CorrelationID, p.Status, p.PayloadJSON,
		nullIfEmpty(p.Actor), nullIfEmpty(p.SourceChannel), p.IntentConfidence, p.CreatedAt.Format(time.RFC3339Nano), nullIfEmpty(p.Error))
	if err != nil {
		return fmt.Errorf("insert plan instance %q: %w", p.PlanID, err)
	}
	return nil
}

// UpdateInstanceStatus transitions a plan instance's status, optionally
// recording an error.
func (r *PlanRepo) UpdateInstanceStatus(ctx context.Context, planID, status, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE plan_instances SET status=?, error=? WHERE plan_id=?`, status, nullIfEmpty(errMsg), planID)
	if err != nil {
		return fmt.Errorf("update plan instance %q: %w", planID, err)
	}
	return nil
}

// ClaimQueuedInstances atomically claims up to maxN queued plans,
// moving them to running, mirroring SignalRepo.Claim's idiom.
func (r *PlanRepo) ClaimQueuedInstances(ctx context.Context, maxN int) ([]PlanInstance, error) {
	if maxN <= 0 {
		maxN = 1
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT plan_id FROM plan_instances WHERE status='queued' ORDER BY created_at ASC LIMIT ?`, maxN)
	if err != nil {
		return nil, fmt.Errorf("select claimable plans: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimable plan id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []PlanInstance
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `UPDATE plan_instances SET status='running' WHERE plan_id=? AND status='queued'`, id)
		if err != nil {
			return nil, fmt.Errorf("claim plan %q: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		row := tx.QueryRowContext(ctx, `
			SELECT plan_id, plan_kind, plan_version, correlation_id, status, payload_json, actor, source_channel, intent_confidence, created_at, error
			FROM plan_instances WHERE plan_id=?
		`, id)
		pi, err := scanPlanInstance(row)
		if err != nil {
			return nil, fmt.Errorf("load claimed plan %q: %w", id, err)
		}
		claimed = append(claimed, pi)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

// InsertRun records one execution attempt of a plan.
func (r *PlanRepo) InsertRun(ctx context.Context, run PlanRun) error {
	if run.RunID == "" {
		run.RunID = NewID()
	}
	var started, ended any
	if run.StartedAt != nil {
		started = run.StartedAt.Format(time.RFC3339Nano)
	}
	if run.EndedAt != nil {
		ended = run.EndedAt.Format(time.RFC3339Nano)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO plan_runs (run_id, plan_id, status, started_at, ended_at, state_json, scheduled_json, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.PlanID, run.Status, started, ended, nullIfEmpty(run.StateJSON), nullIfEmpty(run.ScheduledJSON), nullIfEmpty(run.Resolution))
	if err != nil {
		return fmt.Errorf("insert plan run %q: %w", run.RunID, err)
	}
	return nil
}

func scanPlanInstance(row *sql.Row) (PlanInstance, error) {
	var p PlanInstance
	var actor, sourceChannel, errCol sql.NullString
	var confidence sql.NullFloat64
	var createdAt string
	err := row.Scan(&p.PlanID, &p.PlanKind, &p.PlanVersion, &p.CorrelationID, &p.Status, &p.PayloadJSON,
		&actor, &sourceChannel, &confidence, &createdAt, &errCol)
	if err != nil {
		return p, err
	}
	p.Actor = actor.String
	p.SourceChannel = sourceChannel.String
	p.IntentConfidence = confidence.Float64
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.Error = errCol.String
	return p, nil
}
