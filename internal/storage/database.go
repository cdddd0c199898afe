package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB is a SQLite-backed region engine. Each region is a set of rows in the
// nvs table and every commit runs in a single transaction.
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db, err := NewDB(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// NewDB wraps an existing connection and creates the schema
func NewDB(conn *sql.DB) (*DB, error) {
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nvs (
		region TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (region, key)
	);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// Open loads a region's keys
func (db *DB) Open(name string, readOnly bool) (Region, error) {
	rows, err := db.conn.Query("SELECT key, value FROM nvs WHERE region = ?", name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &dbRegion{db: db, name: name, readOnly: readOnly, values: values}, nil
}

// Erase drops all regions and recreates the schema
func (db *DB) Erase() error {
	if _, err := db.conn.Exec("DROP TABLE IF EXISTS nvs"); err != nil {
		return err
	}
	return db.migrate()
}

// RegionNames lists regions that currently hold keys
func (db *DB) RegionNames() ([]string, error) {
	rows, err := db.conn.Query("SELECT DISTINCT region FROM nvs ORDER BY region")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

type dbRegion struct {
	db       *DB
	name     string
	readOnly bool
	values   map[string]string
	pending  pendingWrites
	closed   bool
}

func (r *dbRegion) Get(key string) (string, bool, error) {
	if r.closed {
		return "", false, fmt.Errorf("region %s closed", r.name)
	}
	if v, ok := r.pending.values[key]; ok {
		return v, true, nil
	}
	v, ok := r.values[key]
	return v, ok, nil
}

func (r *dbRegion) Put(key, value string) {
	r.pending.put(key, value)
}

// Commit upserts all buffered keys in one transaction
func (r *dbRegion) Commit() error {
	if r.readOnly {
		return ErrReadOnly
	}
	if r.pending.empty() {
		return nil
	}

	tx, err := r.db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `INSERT INTO nvs (region, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(region, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	now := time.Now()
	for _, k := range r.pending.keys {
		if _, err := tx.Exec(query, r.name, k, r.pending.values[k], now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for _, k := range r.pending.keys {
		r.values[k] = r.pending.values[k]
	}
	r.pending.reset()
	return nil
}

func (r *dbRegion) Close() error {
	r.closed = true
	r.pending.reset()
	return nil
}
