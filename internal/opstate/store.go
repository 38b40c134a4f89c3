// Package opstate provides a namespaced key-value store for small pieces
// of state that must survive restarts, such as in-flight guided
// workflows. Structured domain data belongs in the repository instead.
package opstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store is a namespaced key-value store backed by SQLite. All public
// methods are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// New creates the schema on db if needed. The caller owns db.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS operational_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the stored value for a namespace/key pair. ok is false
// when the key does not exist.
func (s *Store) Get(ctx context.Context, namespace, key string) (value string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT value FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, true, nil
}

// Set upserts a namespace/key/value triple.
func (s *Store) Set(ctx context.Context, namespace, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operational_state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes a namespace/key entry. Deleting a missing key is not
// an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Count returns the number of keys in a namespace.
func (s *Store) Count(ctx context.Context, namespace string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM operational_state WHERE namespace = ?`, namespace,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", namespace, err)
	}
	return n, nil
}
