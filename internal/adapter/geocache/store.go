// Package geocache persists resolved coordinates in SQL so lookups survive
// restarts. SQLite (modernc.org/sqlite) and Postgres (pgx) are supported.
package geocache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "modernc.org/sqlite"             // registers the "sqlite" driver

	"github.com/couchcryptid/profile-geofix/internal/domain"
)

// Supported drivers, matching the GEOCACHE_DRIVER values.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type dialect struct {
	sqlDriver string
	schema    string
	upsert    string
	// selectMany builds the lookup query and its arguments for n keys.
	selectMany func(keys []string) (string, []any)
}

var dialects = map[string]dialect{
	DriverSQLite: {
		sqlDriver: "sqlite",
		schema: `
	CREATE TABLE IF NOT EXISTS geocode_cache (
        location TEXT PRIMARY KEY,
        lat REAL NOT NULL,
        lon REAL NOT NULL
    );`,
		upsert: `
	INSERT OR REPLACE INTO geocode_cache (location, lat, lon)
    VALUES (?, ?, ?);`,
		selectMany: func(keys []string) (string, []any) {
			// SQLite cannot bind a slice to IN (...); only the placeholder
			// list is interpolated.
			ph := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
			args := make([]any, len(keys))
			for i, k := range keys {
				args[i] = k
			}
			return fmt.Sprintf(`
	SELECT location, lat, lon
    FROM geocode_cache
    WHERE location IN (%s);`, ph), args
		},
	},
	DriverPostgres: {
		sqlDriver: "pgx",
		schema: `
	CREATE TABLE IF NOT EXISTS geocode_cache (
        location TEXT PRIMARY KEY,
        lat DOUBLE PRECISION NOT NULL,
        lon DOUBLE PRECISION NOT NULL
    );`,
		upsert: `
	INSERT INTO geocode_cache (location, lat, lon)
    VALUES ($1, $2, $3)
	ON CONFLICT (location) DO UPDATE
	SET lat = EXCLUDED.lat,
		lon = EXCLUDED.lon;`,
		selectMany: func(keys []string) (string, []any) {
			return `
	SELECT location, lat, lon
    FROM geocode_cache
    WHERE location = ANY($1::text[]);`, []any{keys}
		},
	},
}

// Store maps normalized locations to coordinates.
type Store struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to the cache database, verifies the connection and creates
// the table if needed.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("geocache: unknown driver %q", driver)
	}

	db, err := sql.Open(d.sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("geocache: open %s database: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One connection keeps ":memory:" databases shared and writes serialized.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("geocache: verify %s connection: %w", driver, err)
	}

	s := &Store{db: db, dialect: d}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema); err != nil {
		return fmt.Errorf("geocache: init schema: %w", err)
	}
	return nil
}

// GetMany fetches cached coordinates for the given locations. Blank and
// duplicate keys are ignored; missing keys are absent from the result.
func (s *Store) GetMany(ctx context.Context, locations []string) (map[string]domain.Coordinates, error) {
	if s.db == nil {
		return nil, errors.New("geocache: db is nil")
	}

	seen := map[string]struct{}{}
	uniq := make([]string, 0, len(locations))
	for _, l := range locations {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		uniq = append(uniq, l)
	}
	if len(uniq) == 0 {
		return map[string]domain.Coordinates{}, nil
	}

	q, args := s.dialect.selectMany(uniq)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("geocache: query geocode_cache: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.Coordinates, len(uniq))
	for rows.Next() {
		var loc string
		var lat, lon float64
		if err := rows.Scan(&loc, &lat, &lon); err != nil {
			return nil, fmt.Errorf("geocache: scan row: %w", err)
		}
		out[loc] = domain.Coordinates{lat, lon}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("geocache: row iteration: %w", err)
	}
	return out, nil
}

// PutMany stores location to coordinate mappings in one transaction. Invalid
// coordinates are rejected.
func (s *Store) PutMany(ctx context.Context, results map[string]domain.Coordinates) error {
	if s.db == nil {
		return errors.New("geocache: db is nil")
	}
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("geocache: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.dialect.upsert)
	if err != nil {
		return fmt.Errorf("geocache: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for loc, c := range results {
		if strings.TrimSpace(loc) == "" {
			return errors.New("geocache: empty location key")
		}
		if !c.Valid() {
			return fmt.Errorf("geocache: invalid coordinates for %q", loc)
		}
		if _, err := stmt.ExecContext(ctx, loc, c[0], c[1]); err != nil {
			return fmt.Errorf("geocache: upsert %q: %w", loc, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("geocache: commit: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
