package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "parking.db"

type Config struct {
	Workspace string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".vpk", defaultDBName)
}

// EnsureWorkspace creates the workspace data directory if missing,
// including the export and report artifact directories.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".vpk")
	for _, dir := range []string{path, filepath.Join(path, "exports"), filepath.Join(path, "reports")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	return path, nil
}

// ExportsDir returns the directory export artifacts are written to.
func ExportsDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".vpk", "exports")
}

// ReportsDir returns the directory report artifacts are written to.
func ReportsDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".vpk", "reports")
}

// Open opens the SQLite database with foreign keys on.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", dbPath(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Concurrent bookers contend on the occupancy flip; a single writer
	// connection keeps SQLite from returning SQLITE_BUSY under load.
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
