// Package state implements the State Store (C9): durable per-(site,
// category_url) crawl progress, backed by an embedded SQLite database
// with WAL + synchronous commits so an upsert survives a process crash.
package state

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// CategoryState is one row of the category_state table.
type CategoryState struct {
	SiteName         string
	CategoryURL      string
	LastPage         int
	LastProductCount int
	LastRunTS        time.Time
}

// Store is the C9 persistence surface.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path,
// applies pending migrations, and sets WAL + synchronous=FULL so every
// committed upsert is durable before the call returns.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("state: open database: %w", err)
	}
	db.SetMaxOpenConns(1) // serialize writes; sqlite has a single writer anyway

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: set synchronous mode: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("state: load embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("state: build migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("state: build migration instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("state: run migrations: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the stored progress for (site, categoryURL), or ok=false
// if no row exists yet.
func (s *Store) Get(site, categoryURL string) (CategoryState, bool, error) {
	row := s.db.QueryRow(
		`SELECT site_name, category_url, last_page, last_product_count, last_run_ts
		 FROM category_state WHERE site_name = ? AND category_url = ?`,
		site, categoryURL,
	)
	var cs CategoryState
	var lastRunTS string
	err := row.Scan(&cs.SiteName, &cs.CategoryURL, &cs.LastPage, &cs.LastProductCount, &lastRunTS)
	if err == sql.ErrNoRows {
		return CategoryState{}, false, nil
	}
	if err != nil {
		return CategoryState{}, false, fmt.Errorf("state: get: %w", err)
	}
	cs.LastRunTS, _ = time.Parse(time.RFC3339, lastRunTS)
	return cs, true, nil
}

// Upsert atomically replaces or inserts a category's progress.
func (s *Store) Upsert(cs CategoryState) error {
	_, err := s.db.Exec(
		`INSERT INTO category_state (site_name, category_url, last_page, last_product_count, last_run_ts)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (site_name, category_url) DO UPDATE SET
		   last_page = excluded.last_page,
		   last_product_count = excluded.last_product_count,
		   last_run_ts = excluded.last_run_ts`,
		cs.SiteName, cs.CategoryURL, cs.LastPage, cs.LastProductCount, cs.LastRunTS.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("state: upsert: %w", err)
	}
	return nil
}

// IterSite returns every category_state row for a site, for refreshing
// the sheet's _state tab.
func (s *Store) IterSite(site string) ([]CategoryState, error) {
	rows, err := s.db.Query(
		`SELECT site_name, category_url, last_page, last_product_count, last_run_ts
		 FROM category_state WHERE site_name = ? ORDER BY category_url`,
		site,
	)
	if err != nil {
		return nil, fmt.Errorf("state: iter site: %w", err)
	}
	defer rows.Close()

	var out []CategoryState
	for rows.Next() {
		var cs CategoryState
		var lastRunTS string
		if err := rows.Scan(&cs.SiteName, &cs.CategoryURL, &cs.LastPage, &cs.LastProductCount, &lastRunTS); err != nil {
			return nil, fmt.Errorf("state: scan: %w", err)
		}
		cs.LastRunTS, _ = time.Parse(time.RFC3339, lastRunTS)
		out = append(out, cs)
	}
	return out, rows.Err()
}

// ResetSite deletes every category_state row for a site (--reset-state scoped to one site).
func (s *Store) ResetSite(site string) error {
	_, err := s.db.Exec(`DELETE FROM category_state WHERE site_name = ?`, site)
	if err != nil {
		return fmt.Errorf("state: reset site: %w", err)
	}
	return nil
}

// ResetCategory deletes a single (site, category_url) row.
func (s *Store) ResetCategory(site, categoryURL string) error {
	_, err := s.db.Exec(`DELETE FROM category_state WHERE site_name = ? AND category_url = ?`, site, categoryURL)
	if err != nil {
		return fmt.Errorf("state: reset category: %w", err)
	}
	return nil
}

// ResetAll purges every row, used by --reset-state.
func (s *Store) ResetAll() error {
	_, err := s.db.Exec(`DELETE FROM category_state`)
	if err != nil {
		return fmt.Errorf("state: reset all: %w", err)
	}
	return nil
}
