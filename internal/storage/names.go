// Package storage persists the display-name cache so rosters render real
// names immediately after a restart instead of waiting on lookups.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// NameDB wraps the SQLite database holding cached user names.
type NameDB struct {
	db *sql.DB
	mu sync.RWMutex
}

// CachedName is one persisted lookup result.
type CachedName struct {
	UserID      int64
	DisplayName string
	ResolvedAt  time.Time
}

// Open opens or creates the name cache in dir.
func Open(dir string) (*NameDB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "names.db"))
	if err != nil {
		return nil, fmt.Errorf("open name cache: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure name cache: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS user_names (
			user_id      INTEGER PRIMARY KEY,
			display_name TEXT NOT NULL,
			resolved_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create user_names table: %w", err)
	}

	return &NameDB{db: db}, nil
}

// Upsert stores or replaces the cached name for a user.
func (d *NameDB) Upsert(userID int64, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO user_names (user_id, display_name, resolved_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			resolved_at  = CURRENT_TIMESTAMP`,
		userID, name,
	)
	return err
}

// Get returns the cached name for a user, or false if unknown.
func (d *NameDB) Get(userID int64) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var name string
	err := d.db.QueryRow(
		`SELECT display_name FROM user_names WHERE user_id = ?`, userID,
	).Scan(&name)
	if err != nil {
		return "", false
	}
	return name, true
}

// List returns all cached names, most recently resolved first.
func (d *NameDB) List() ([]CachedName, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT user_id, display_name, resolved_at
		FROM user_names ORDER BY resolved_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CachedName
	for rows.Next() {
		var n CachedName
		var resolvedAt string
		if err := rows.Scan(&n.UserID, &n.DisplayName, &resolvedAt); err != nil {
			return nil, err
		}
		n.ResolvedAt, _ = time.Parse("2006-01-02 15:04:05", resolvedAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

// Delete removes a cached name.
func (d *NameDB) Delete(userID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM user_names WHERE user_id = ?`, userID)
	return err
}

// Close closes the underlying database.
func (d *NameDB) Close() error {
	return d.db.Close()
}
