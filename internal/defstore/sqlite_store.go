// Package defstore persists rendering settings per image using SQLite.
package defstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/planeview/server/internal/settings"
)

// Record is one saved rendering definition.
type Record struct {
	ID        string                 `json:"id"`
	ImageID   string                 `json:"image_id"`
	Def       *settings.RenderingDef `json:"def"`
	Version   int                    `json:"version"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Store provides persistent storage for rendering settings.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (or creates) the database at dbPath. ":memory:" is accepted.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		// Ensure directory exists
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if dbPath == ":memory:" {
		// each connection would get its own database
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rendering_defs (
		id TEXT PRIMARY KEY,
		image_id TEXT NOT NULL UNIQUE,
		def_json TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rendering_defs_updated ON rendering_defs(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save stores def for imageID, replacing any previous one, and returns the
// saved record.
func (s *Store) Save(imageID string, def *settings.RenderingDef) (*Record, error) {
	if def == nil {
		return nil, fmt.Errorf("nil rendering def for %s", imageID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	defJSON, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rendering def: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.Exec(`
		INSERT INTO rendering_defs (id, image_id, def_json, version, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(image_id) DO UPDATE SET
			def_json = excluded.def_json,
			version = rendering_defs.version + 1,
			updated_at = excluded.updated_at
	`, uuid.NewString(), imageID, string(defJSON), now, now)
	if err != nil {
		return nil, err
	}
	return s.get(imageID)
}

// Get retrieves the saved settings for imageID, or nil when none exist.
func (s *Store) Get(imageID string) (*Record, error) {
	return s.get(imageID)
}

func (s *Store) get(imageID string) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT id, image_id, def_json, version, created_at, updated_at
		FROM rendering_defs WHERE image_id = ?
	`, imageID)

	var rec Record
	var defJSON, createdAtStr, updatedAtStr string
	err := row.Scan(&rec.ID, &rec.ImageID, &defJSON, &rec.Version, &createdAtStr, &updatedAtStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec.Def = &settings.RenderingDef{}
	if err := json.Unmarshal([]byte(defJSON), rec.Def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rendering def: %w", err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	return &rec, nil
}

// Delete removes the saved settings for imageID. It reports whether a row existed.
func (s *Store) Delete(imageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM rendering_defs WHERE image_id = ?`, imageID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns the ids of every image with saved settings, most recently
// updated first.
func (s *Store) List() ([]string, error) {
	rows, err := s.db.Query(`SELECT image_id FROM rendering_defs ORDER BY updated_at DESC, image_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
