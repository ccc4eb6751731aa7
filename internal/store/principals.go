package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Principal is a known user of the agent (§3.1 supplement, grounded on
// the teacher's contact-resolution idiom).
type Principal struct {
	ID                string
	DisplayName       string
	ChannelIdentities map[string]string // channel_type -> channel_target
	CreatedAt         time.Time
}

// Preference is a single key/value preference scoped to a principal.
// `dnd` here is authoritative over any FSM-state notion of do-not-
// disturb (§9 design note, §3.1).
type Preference struct {
	PrincipalID string
	Key         string
	Value       string
	UpdatedAt   time.Time
}

// PrincipalRepo is the read-mostly repository actions use to resolve
// identity and preferences (§4.7's runtime facade).
type PrincipalRepo struct{ db *sql.DB }

func (s *Store) Principals() *PrincipalRepo { return &PrincipalRepo{db: s.db} }

// Upsert inserts or updates a principal record.
func (r *PrincipalRepo) Upsert(ctx context.Context, p Principal) error {
	if p.ID == "" {
		p.ID = NewID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	identitiesJSON, err := json.Marshal(p.ChannelIdentities)
	if err != nil {
		return fmt.Errorf("marshal channel identities: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO principals (id, display_name, channel_identities_json, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name=excluded.display_name, channel_identities_json=excluded.channel_identities_json
	`, p.ID, p.DisplayName, string(identitiesJSON), p.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert principal %q: %w", p.ID, err)
	}
	return nil
}

// ByChannelIdentity resolves a principal by (channel_type,
// channel_target), returning nil if unknown.
func (r *PrincipalRepo) ByChannelIdentity(ctx context.Context, channelType, channelTarget string) (*Principal, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, display_name, channel_identities_json, created_at FROM principals`)
	if err != nil {
		return nil, fmt.Errorf("scan principals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		if target, ok := p.ChannelIdentities[channelType]; ok && target == channelTarget {
			return p, nil
		}
	}
	return nil, rows.Err()
}

// Get loads a principal by id.
func (r *PrincipalRepo) Get(ctx context.Context, id string) (*Principal, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, display_name, channel_identities_json, created_at FROM principals WHERE id=?`, id)
	var p Principal
	var identitiesJSON, createdAt string
	if err := row.Scan(&p.ID, &p.DisplayName, &identitiesJSON, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get principal %q: %w", id, err)
	}
	if err := json.Unmarshal([]byte(identitiesJSON), &p.ChannelIdentities); err != nil {
		return nil, fmt.Errorf("unmarshal channel identities: %w", err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &p, nil
}

// SetPreference upserts a principal's preference value.
func (r *PrincipalRepo) SetPreference(ctx context.Context, pref Preference) error {
	if pref.UpdatedAt.IsZero() {
		pref.UpdatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO preferences (principal_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(principal_id, key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at
	`, pref.PrincipalID, pref.Key, pref.Value, pref.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set preference %q for %q: %w", pref.Key, pref.PrincipalID, err)
	}
	return nil
}

// Preference reads a single preference value; ok is false when unset.
func (r *PrincipalRepo) Preference(ctx context.Context, principalID, key string) (value string, ok bool, err error) {
	err = r.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE principal_id=? AND key=?`, principalID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read preference %q for %q: %w", key, principalID, err)
	}
	return value, true, nil
}

func scanPrincipal(rows *sql.Rows) (*Principal, error) {
	var p Principal
	var identitiesJSON, createdAt string
	if err := rows.Scan(&p.ID, &p.DisplayName, &identitiesJSON, &createdAt); err != nil {
		return nil, fmt.Errorf("scan principal: %w", err)
	}
	if err := json.Unmarshal([]byte(identitiesJSON), &p.ChannelIdentities); err != nil {
		return nil, fmt.Errorf("unmarshal channel identities: %w", err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &p, nil
}
