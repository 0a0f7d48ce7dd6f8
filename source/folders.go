package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knowpool/dashd/engine"
)

// ErrBadFolderPath rejects folder paths that are empty or carry leading,
// trailing, or doubled separators.
var ErrBadFolderPath = errors.New("source: bad folder path")

// FolderSchema stores folders declared explicitly in the dashboard. They
// appear in the forest even while no document is filed under them.
const FolderSchema = `
CREATE TABLE IF NOT EXISTS folders (
	path       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
`

// FolderStore reads and writes the declared-folder table in dash.db.
type FolderStore struct {
	db *sql.DB
}

// NewFolderStore wraps an open dashboard database.
func NewFolderStore(db *sql.DB) *FolderStore {
	return &FolderStore{db: db}
}

// Declare records a folder path. Declaring an existing path is a no-op.
func (s *FolderStore) Declare(ctx context.Context, path string) error {
	if !validFolderPath(path) {
		return fmt.Errorf("%w: %q", ErrBadFolderPath, path)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO folders (path, created_at) VALUES (?, ?)",
		path, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("folders: declare: %w", err)
	}
	return nil
}

// Remove drops a declared folder. Documents filed under the path are
// untouched; the forest keeps showing the folder while any remain.
func (s *FolderStore) Remove(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM folders WHERE path = ?", path)
	if err != nil {
		return fmt.Errorf("folders: remove: %w", err)
	}
	return nil
}

// ListFolders returns every declared path, sorted.
func (s *FolderStore) ListFolders(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT path FROM folders ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("folders: list: %w", err)
	}
	defer rows.Close()

	paths := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("folders: scan: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("folders: list: %w", err)
	}
	return paths, nil
}

func validFolderPath(path string) bool {
	if path == "" {
		return false
	}
	for _, seg := range strings.Split(path, engine.Separator) {
		if seg == "" {
			return false
		}
	}
	return true
}
