// Package store persists incident records and their checkpoint history to
// SQLite or PostgreSQL. Every committed delta produces an immutable,
// versioned checkpoint so a restarted coordinator resumes from the latest
// snapshot instead of replaying deltas.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"triage/internal/incident"
)

var (
	// ErrNotFound is returned when no incident exists for the given id.
	ErrNotFound = errors.New("incident not found")
	// ErrAlreadyExists is returned by Create for a known incident id.
	ErrAlreadyExists = errors.New("incident already exists")
	// ErrConcurrentModification is returned when a second commit for the
	// same incident races an in-flight one. The caller must reload and retry.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrTerminal is returned when committing against a resolved or failed
	// incident.
	ErrTerminal = errors.New("incident is in a terminal state")
)

// Checkpoint is an immutable snapshot of the incident record taken after a
// delta commits, identified by (incident id, phase, version).
type Checkpoint struct {
	IncidentID string
	Phase      string
	Version    int64
	State      *incident.Incident
	CreatedAt  time.Time
}

// Store persists incidents to SQLite or PostgreSQL.
type Store struct {
	db         *sql.DB
	isPostgres bool

	// committing tracks in-flight commits per incident: at most one at a
	// time; a concurrent second attempt fails fast with
	// ErrConcurrentModification and the caller reloads and retries.
	mu         sync.Mutex
	committing map[string]bool
}

// Config configures the store.
type Config struct {
	// DSN is the data-source name. When it starts with "postgres://" or
	// "postgresql://", the PostgreSQL backend (pgx) is used; otherwise the
	// value is treated as a SQLite file path.
	DSN string
}

// rebind rewrites a query that uses ? placeholders into one using $N
// placeholders when the store is backed by PostgreSQL.
func rebind(isPostgres bool, query string) string {
	if !isPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// New opens the store and creates tables as needed.
func New(cfg Config) (*Store, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = "triage.db"
	}

	isPostgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")

	var db *sql.DB
	var err error

	if isPostgres {
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
	} else {
		// SQLite: ensure directory exists.
		dir := filepath.Dir(dsn)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open incident database: %w", err)
		}
		// Enable WAL mode for better concurrent read performance (SQLite only).
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	if err := createTables(db, isPostgres); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{
		db:         db,
		isPostgres: isPostgres,
		committing: make(map[string]bool),
	}, nil
}

func createTables(db *sql.DB, isPostgres bool) error {
	pkDef := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if isPostgres {
		pkDef = "BIGSERIAL PRIMARY KEY"
	}
	// Timestamps are stored as RFC3339 text on both backends; the store always
	// writes them explicitly.
	createdAt := "TEXT DEFAULT CURRENT_TIMESTAMP"

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		status TEXT NOT NULL,
		severity TEXT NOT NULL,
		title TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id %s,
		incident_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		version INTEGER NOT NULL,
		state TEXT NOT NULL,
		created_at %s,
		UNIQUE(incident_id, version)
	);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id %s,
		incident_id TEXT NOT NULL,
		capability TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		classification TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		error TEXT,
		created_at %s
	);
	`, pkDef, createdAt, pkDef, createdAt)

	if _, err := db.Exec(schema); err != nil {
		return err
	}

	indexes := `
	CREATE INDEX IF NOT EXISTS idx_checkpoints_incident ON checkpoints(incident_id, version);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_incident ON tool_calls(incident_id);
	`
	_, err := db.Exec(indexes)
	return err
}

// Create persists a new incident record. Fails with ErrAlreadyExists when the
// id is already known.
func (s *Store) Create(ctx context.Context, inc *incident.Incident) error {
	state, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("marshal incident: %w", err)
	}

	var exists int
	err = s.db.QueryRowContext(ctx, rebind(s.isPostgres,
		`SELECT COUNT(1) FROM incidents WHERE id = ?`), inc.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check incident: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("incident %s: %w", inc.ID, ErrAlreadyExists)
	}

	_, err = s.db.ExecContext(ctx, rebind(s.isPostgres, `
		INSERT INTO incidents (id, version, status, severity, title, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`),
		inc.ID,
		inc.Version,
		string(inc.Status),
		string(inc.Severity),
		inc.Title,
		string(state),
		inc.CreatedAt.Format(time.RFC3339Nano),
		inc.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

// Load returns the current incident record.
func (s *Store) Load(ctx context.Context, id string) (*incident.Incident, error) {
	var state string
	err := s.db.QueryRowContext(ctx, rebind(s.isPostgres,
		`SELECT state FROM incidents WHERE id = ?`), id).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load incident: %w", err)
	}

	var inc incident.Incident
	if err := json.Unmarshal([]byte(state), &inc); err != nil {
		return nil, fmt.Errorf("unmarshal incident: %w", err)
	}
	return &inc, nil
}

// List returns all incident records, most recently updated first.
func (s *Store) List(ctx context.Context) ([]*incident.Incident, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state FROM incidents ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var out []*incident.Incident
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		var inc incident.Incident
		if err := json.Unmarshal([]byte(state), &inc); err != nil {
			return nil, fmt.Errorf("unmarshal incident: %w", err)
		}
		out = append(out, &inc)
	}
	return out, rows.Err()
}

// CommitPhase atomically applies a phase's merged delta, marks the phase
// completed, bumps the version, and publishes a checkpoint. Either the new
// checkpoint is fully visible to subsequent Load calls or the store is left
// exactly as before.
func (s *Store) CommitPhase(ctx context.Context, id string, phase incident.Phase, delta *incident.Delta) (*Checkpoint, error) {
	return s.commit(ctx, id, string(phase), delta, true, true)
}

// CommitDelta applies a delta and publishes a checkpoint without marking any
// phase completed. Fan-out branches commit through here; the label carries
// the branch id.
func (s *Store) CommitDelta(ctx context.Context, id, label string, delta *incident.Delta) (*Checkpoint, error) {
	return s.commit(ctx, id, label, delta, false, true)
}

// CommitFailure applies a terminal-failure delta to the incident record
// without publishing a checkpoint: the checkpoint history ends at the last
// completed phase, and the failed status lives only on the record itself.
func (s *Store) CommitFailure(ctx context.Context, id string, delta *incident.Delta) error {
	_, err := s.commit(ctx, id, "", delta, false, false)
	return err
}

func (s *Store) commit(ctx context.Context, id, label string, delta *incident.Delta, markCompleted, checkpoint bool) (*Checkpoint, error) {
	// At most one commit in flight per incident.
	s.mu.Lock()
	if s.committing[id] {
		s.mu.Unlock()
		return nil, fmt.Errorf("incident %s: %w", id, ErrConcurrentModification)
	}
	s.committing[id] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.committing, id)
		s.mu.Unlock()
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	var state string
	err = tx.QueryRowContext(ctx, rebind(s.isPostgres,
		`SELECT state FROM incidents WHERE id = ?`), id).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load incident for commit: %w", err)
	}

	var inc incident.Incident
	if err := json.Unmarshal([]byte(state), &inc); err != nil {
		return nil, fmt.Errorf("unmarshal incident: %w", err)
	}
	if inc.Status.Terminal() {
		return nil, fmt.Errorf("incident %s: %w", id, ErrTerminal)
	}

	prevVersion := inc.Version
	inc.Apply(delta)
	if markCompleted {
		inc.MarkPhaseCompleted(incident.Phase(label))
	}
	inc.Version = prevVersion + 1

	newState, err := json.Marshal(&inc)
	if err != nil {
		return nil, fmt.Errorf("marshal incident: %w", err)
	}

	// Optimistic version check backs up the in-flight guard: a racing writer
	// that slipped past it loses here and the transaction rolls back.
	res, err := tx.ExecContext(ctx, rebind(s.isPostgres, `
		UPDATE incidents SET version = ?, status = ?, state = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`),
		inc.Version,
		string(inc.Status),
		string(newState),
		inc.UpdatedAt.Format(time.RFC3339Nano),
		id,
		prevVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("update incident: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("incident %s at version %d: %w", id, prevVersion, ErrConcurrentModification)
	}

	now := time.Now().UTC()
	if checkpoint {
		_, err = tx.ExecContext(ctx, rebind(s.isPostgres, `
			INSERT INTO checkpoints (incident_id, phase, version, state, created_at)
			VALUES (?, ?, ?, ?, ?)
		`),
			id, label, inc.Version, string(newState), now.Format(time.RFC3339Nano),
		)
		if err != nil {
			return nil, fmt.Errorf("insert checkpoint: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &Checkpoint{
		IncidentID: id,
		Phase:      label,
		Version:    inc.Version,
		State:      &inc,
		CreatedAt:  now,
	}, nil
}

// LatestCheckpoint returns the most recent checkpoint for the incident.
func (s *Store) LatestCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	var (
		phase     string
		version   int64
		state     string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, rebind(s.isPostgres, `
		SELECT phase, version, state, created_at FROM checkpoints
		WHERE incident_id = ? ORDER BY version DESC LIMIT 1
	`), id).Scan(&phase, &version, &state, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var inc incident.Incident
	if err := json.Unmarshal([]byte(state), &inc); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	ts, _ := time.Parse(time.RFC3339Nano, createdAt)
	return &Checkpoint{
		IncidentID: id,
		Phase:      phase,
		Version:    version,
		State:      &inc,
		CreatedAt:  ts,
	}, nil
}

// Checkpoints returns all checkpoints for an incident in version order.
func (s *Store) Checkpoints(ctx context.Context, id string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.isPostgres, `
		SELECT phase, version, state FROM checkpoints
		WHERE incident_id = ? ORDER BY version ASC
	`), id)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		var (
			phase   string
			version int64
			state   string
		)
		if err := rows.Scan(&phase, &version, &state); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		var inc incident.Incident
		if err := json.Unmarshal([]byte(state), &inc); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
		}
		out = append(out, &Checkpoint{IncidentID: id, Phase: phase, Version: version, State: &inc})
	}
	return out, rows.Err()
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}
