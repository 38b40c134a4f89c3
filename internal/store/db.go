package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Open opens the database for the configured driver:
//
//   - sqlite3: mattn/go-sqlite3 (cgo) at path
//   - sqlite: modernc.org/sqlite (pure Go) at path
//   - memory: a private in-memory sqlite3 database
//
// The memory database lives on a single connection; closing it or
// letting the pool drop it loses all data.
func Open(driver, path string) (*sql.DB, error) {
	var dsn string
	switch driver {
	case "sqlite3":
		dsn = path + "?_foreign_keys=on&_busy_timeout=5000"
	case "sqlite":
		dsn = "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	case "memory":
		driver, dsn = "sqlite3", ":memory:?_foreign_keys=on"
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dsn == ":memory:?_foreign_keys=on" {
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}
