package org

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/davidnguyen-tech/polypilot/core"
)

// Package errors.
var (
	ErrGroupNotFound      = errors.New("org: group not found")
	ErrMembershipNotFound = errors.New("org: membership not found")
)

// Store is the SQLite-backed organization store.
type Store struct {
	db *sql.DB
}

// Open creates or opens the organization database at the given path, runs
// schema initialization, and configures WAL mode for concurrent reads.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS groups (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			mode TEXT NOT NULL,
			shared_context TEXT NOT NULL DEFAULT '',
			routing_context TEXT NOT NULL DEFAULT '',
			reflection_state BLOB,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memberships (
			session_name TEXT PRIMARY KEY,
			group_id TEXT NOT NULL,
			role TEXT NOT NULL,
			preferred_model TEXT NOT NULL DEFAULT '',
			specialization TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memberships_group ON memberships(group_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveGroup inserts or updates a group record.
func (s *Store) SaveGroup(g core.SessionGroup) error {
	_, err := s.db.Exec(`
		INSERT INTO groups (id, name, mode, shared_context, routing_context, reflection_state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			mode = excluded.mode,
			shared_context = excluded.shared_context,
			routing_context = excluded.routing_context,
			reflection_state = excluded.reflection_state,
			updated_at = excluded.updated_at`,
		g.ID, g.Name, string(g.Mode), g.SharedContext, g.RoutingContext, g.ReflectionState, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save group %s: %w", g.ID, err)
	}
	return nil
}

// GetGroup loads one group by id.
func (s *Store) GetGroup(id string) (core.SessionGroup, error) {
	var g core.SessionGroup
	var mode string
	err := s.db.QueryRow(`
		SELECT id, name, mode, shared_context, routing_context, reflection_state
		FROM groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &mode, &g.SharedContext, &g.RoutingContext, &g.ReflectionState)
	if errors.Is(err, sql.ErrNoRows) {
		return core.SessionGroup{}, fmt.Errorf("%w: %s", ErrGroupNotFound, id)
	}
	if err != nil {
		return core.SessionGroup{}, fmt.Errorf("get group %s: %w", id, err)
	}
	g.Mode = core.GroupMode(mode)
	return g, nil
}

// ListGroups returns all group records.
func (s *Store) ListGroups() ([]core.SessionGroup, error) {
	rows, err := s.db.Query(`
		SELECT id, name, mode, shared_context, routing_context, reflection_state
		FROM groups ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []core.SessionGroup
	for rows.Next() {
		var g core.SessionGroup
		var mode string
		if err := rows.Scan(&g.ID, &g.Name, &mode, &g.SharedContext, &g.RoutingContext, &g.ReflectionState); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		g.Mode = core.GroupMode(mode)
		out = append(out, g)
	}
	return out, rows.Err()
}

// DeleteGroup removes the group row only. Membership handling on deletion is
// the Service's concern.
func (s *Store) DeleteGroup(id string) error {
	if _, err := s.db.Exec(`DELETE FROM groups WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete group %s: %w", id, err)
	}
	return nil
}

// SaveReflectionState updates a group's serialized reflection state. It is
// called once per completed iteration.
func (s *Store) SaveReflectionState(groupID string, state []byte) error {
	res, err := s.db.Exec(`UPDATE groups SET reflection_state = ?, updated_at = ? WHERE id = ?`,
		state, time.Now().Unix(), groupID)
	if err != nil {
		return fmt.Errorf("save reflection state for %s: %w", groupID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	return nil
}

// SaveMembership inserts or updates a session's membership record.
func (s *Store) SaveMembership(m core.Membership) error {
	_, err := s.db.Exec(`
		INSERT INTO memberships (session_name, group_id, role, preferred_model, specialization, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_name) DO UPDATE SET
			group_id = excluded.group_id,
			role = excluded.role,
			preferred_model = excluded.preferred_model,
			specialization = excluded.specialization,
			updated_at = excluded.updated_at`,
		m.SessionName, m.GroupID, string(m.Role), m.PreferredModel, m.Specialization, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save membership %s: %w", m.SessionName, err)
	}
	return nil
}

// GetMembership loads one session's membership.
func (s *Store) GetMembership(sessionName string) (core.Membership, error) {
	var m core.Membership
	var role string
	err := s.db.QueryRow(`
		SELECT session_name, group_id, role, preferred_model, specialization
		FROM memberships WHERE session_name = ?`, sessionName).
		Scan(&m.SessionName, &m.GroupID, &role, &m.PreferredModel, &m.Specialization)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Membership{}, fmt.Errorf("%w: %s", ErrMembershipNotFound, sessionName)
	}
	if err != nil {
		return core.Membership{}, fmt.Errorf("get membership %s: %w", sessionName, err)
	}
	m.Role = core.Role(role)
	return m, nil
}

// ListMemberships returns every membership record.
func (s *Store) ListMemberships() ([]core.Membership, error) {
	return s.queryMemberships(`
		SELECT session_name, group_id, role, preferred_model, specialization
		FROM memberships ORDER BY session_name`)
}

// ListMembers returns the memberships of one group.
func (s *Store) ListMembers(groupID string) ([]core.Membership, error) {
	return s.queryMemberships(`
		SELECT session_name, group_id, role, preferred_model, specialization
		FROM memberships WHERE group_id = ? ORDER BY session_name`, groupID)
}

func (s *Store) queryMemberships(query string, args ...any) ([]core.Membership, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memberships: %w", err)
	}
	defer rows.Close()

	var out []core.Membership
	for rows.Next() {
		var m core.Membership
		var role string
		if err := rows.Scan(&m.SessionName, &m.GroupID, &role, &m.PreferredModel, &m.Specialization); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		m.Role = core.Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMembership removes a session's membership record.
func (s *Store) DeleteMembership(sessionName string) error {
	if _, err := s.db.Exec(`DELETE FROM memberships WHERE session_name = ?`, sessionName); err != nil {
		return fmt.Errorf("delete membership %s: %w", sessionName, err)
	}
	return nil
}
