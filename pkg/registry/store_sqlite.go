package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no CGo

	"github.com/corvidlabs/pixolith/pkg/hostkit"
)

// SQLiteStore is the durable store for installed extension records:
// WAL mode, a single migrate() pass of idempotent CREATE TABLE IF NOT
// EXISTS statements.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) the registry database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS extensions (
		id TEXT PRIMARY KEY,
		manifest TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'Enabled',
		install_dir TEXT NOT NULL,
		is_builtin INTEGER NOT NULL DEFAULT 0
	)`)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Upsert writes or replaces the record for ext.Manifest.ID.
func (s *SQLiteStore) Upsert(ext *Extension) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	manifestJSON, err := json.Marshal(ext.Manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	isBuiltIn := 0
	if ext.IsBuiltIn {
		isBuiltIn = 1
	}

	_, err = s.db.Exec(`
		INSERT INTO extensions (id, manifest, status, install_dir, is_builtin)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			manifest=excluded.manifest, status=excluded.status,
			install_dir=excluded.install_dir, is_builtin=excluded.is_builtin
	`, string(ext.Manifest.ID), string(manifestJSON), string(ext.Status), ext.InstallDir, isBuiltIn)
	return err
}

// Delete removes the record for extensionID.
func (s *SQLiteStore) Delete(extensionID hostkit.ExtensionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM extensions WHERE id = ?`, string(extensionID))
	return err
}

// LoadAll reads every persisted extension record back at process
// startup.
func (s *SQLiteStore) LoadAll() ([]*Extension, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT manifest, status, install_dir, is_builtin FROM extensions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Extension
	for rows.Next() {
		var manifestJSON, status, installDir string
		var isBuiltIn int
		if err := rows.Scan(&manifestJSON, &status, &installDir, &isBuiltIn); err != nil {
			return nil, err
		}
		var m Manifest
		if err := json.Unmarshal([]byte(manifestJSON), &m); err != nil {
			return nil, fmt.Errorf("unmarshal manifest: %w", err)
		}
		out = append(out, &Extension{
			Manifest:   m,
			Status:     Status(status),
			InstallDir: installDir,
			IsBuiltIn:  isBuiltIn != 0,
			Activity:   ActivityConnecting,
		})
	}
	return out, rows.Err()
}
