// Package store provides SQLite-backed persistence for calibration
// artifacts: ABC-SMC populations, PMCMC chains, and result envelopes.
// Stored artifacts are the resumption points for long calibrations.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pflow-xyz/go-outbreak/abc"
	"github.com/pflow-xyz/go-outbreak/pmcmc"
	"github.com/pflow-xyz/go-outbreak/results"
)

// ErrNotFound reports a missing artifact ID.
var ErrNotFound = errors.New("store: artifact not found")

// Artifact kinds.
const (
	KindPopulation = "population"
	KindChain      = "chain"
	KindResults    = "results"
)

// Store handles SQLite database operations for calibration artifacts.
type Store struct {
	db *sql.DB
}

// RunInfo is one row of the artifact listing.
type RunInfo struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// Open creates a Store at the given database path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// migrate creates the database schema if it doesn't exist.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		payload BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_kind ON artifacts(kind, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SavePopulation stores an ABC-SMC population and returns its artifact ID.
func (s *Store) SavePopulation(modelName string, pop *abc.Population) (string, error) {
	return s.save(KindPopulation, modelName, pop)
}

// LoadPopulation retrieves a stored population by ID.
func (s *Store) LoadPopulation(id string) (*abc.Population, error) {
	var pop abc.Population
	if err := s.load(id, KindPopulation, &pop); err != nil {
		return nil, err
	}
	return &pop, nil
}

// SaveChain stores a PMCMC chain and returns its artifact ID.
func (s *Store) SaveChain(modelName string, chain *pmcmc.Chain) (string, error) {
	return s.save(KindChain, modelName, chain)
}

// LoadChain retrieves a stored chain by ID.
func (s *Store) LoadChain(id string) (*pmcmc.Chain, error) {
	var chain pmcmc.Chain
	if err := s.load(id, KindChain, &chain); err != nil {
		return nil, err
	}
	return &chain, nil
}

// SaveResults stores a results envelope under its own run ID.
func (s *Store) SaveResults(res *results.Results) (string, error) {
	payload, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("marshal results: %w", err)
	}
	id := res.Metadata.RunID
	if id == "" {
		id = uuid.NewString()
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO artifacts (id, kind, model, created_at, payload) VALUES (?, ?, ?, ?, ?)`,
		id, KindResults, res.Model.Name, time.Now().UTC(), payload,
	)
	if err != nil {
		return "", fmt.Errorf("insert results: %w", err)
	}
	return id, nil
}

// LoadResults retrieves a stored results envelope by run ID.
func (s *Store) LoadResults(id string) (*results.Results, error) {
	var res results.Results
	if err := s.load(id, KindResults, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// List returns artifacts of one kind, newest first. Empty kind lists all.
func (s *Store) List(kind string) ([]RunInfo, error) {
	query := `SELECT id, kind, model, created_at FROM artifacts`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []RunInfo
	for rows.Next() {
		var info RunInfo
		if err := rows.Scan(&info.ID, &info.Kind, &info.Model, &info.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Delete removes one artifact by ID.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM artifacts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *Store) save(kind, modelName string, v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", kind, err)
	}
	id := uuid.NewString()
	_, err = s.db.Exec(
		`INSERT INTO artifacts (id, kind, model, created_at, payload) VALUES (?, ?, ?, ?, ?)`,
		id, kind, modelName, time.Now().UTC(), payload,
	)
	if err != nil {
		return "", fmt.Errorf("insert %s: %w", kind, err)
	}
	return id, nil
}

func (s *Store) load(id, kind string, v any) error {
	var payload []byte
	err := s.db.QueryRow(
		`SELECT payload FROM artifacts WHERE id = ? AND kind = ?`, id, kind,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	if err != nil {
		return fmt.Errorf("query %s: %w", kind, err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", kind, err)
	}
	return nil
}
