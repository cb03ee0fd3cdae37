package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// sqliteIndex stores pointers in a single table of an SQLite database.
type sqliteIndex struct {
	db *sql.DB

	getStmt    *sql.Stmt
	putStmt    *sql.Stmt
	deleteStmt *sql.Stmt
}

func openSQLiteIndex(dir string) (*sqliteIndex, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create pointer dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite index: %w", err)
	}
	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	idx := &sqliteIndex{db: db}
	if err := idx.init(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite index: %w", err)
	}
	return idx, nil
}

func (s *sqliteIndex) init() error {
	schema := `
	PRAGMA journal_mode = WAL;
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS pointers (
		name TEXT PRIMARY KEY,
		mimetype TEXT NOT NULL,
		location TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	var err error
	s.getStmt, err = s.db.Prepare(`SELECT mimetype, location FROM pointers WHERE name = ?`)
	if err != nil {
		return fmt.Errorf("prepare get: %w", err)
	}
	s.putStmt, err = s.db.Prepare(`
		INSERT INTO pointers (name, mimetype, location, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			mimetype = excluded.mimetype,
			location = excluded.location,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare put: %w", err)
	}
	s.deleteStmt, err = s.db.Prepare(`DELETE FROM pointers WHERE name = ?`)
	if err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	return nil
}

func (s *sqliteIndex) Get(name string) (Pointer, error) {
	var p Pointer
	err := s.getStmt.QueryRow(name).Scan(&p.Mimetype, &p.Location)
	if errors.Is(err, sql.ErrNoRows) {
		return Pointer{}, ErrNotFound
	}
	if err != nil {
		return Pointer{}, err
	}
	return p, nil
}

func (s *sqliteIndex) Put(name string, p Pointer) error {
	_, err := s.putStmt.Exec(name, p.Mimetype, p.Location, time.Now().Unix())
	return err
}

func (s *sqliteIndex) Delete(name string) error {
	_, err := s.deleteStmt.Exec(name)
	return err
}

func (s *sqliteIndex) Close() error {
	for _, stmt := range []*sql.Stmt{s.getStmt, s.putStmt, s.deleteStmt} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}
