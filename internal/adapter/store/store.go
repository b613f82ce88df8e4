// Package store persists events, stations, channels and measurements in a
// relational database. Postgres is the production backend; SQLite serves
// tests and single-node deployments. Both run the same SQL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/couchcryptid/amp-association-service/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrConstraint is returned when a write violates a uniqueness or
	// foreign-key constraint.
	ErrConstraint = errors.New("constraint violation")

	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("not found")
)

// updateChunk bounds the number of ids bound into one IN list.
const updateChunk = 500

// Store is the relational backend shared by ingestion, association and
// retention.
type Store struct {
	db      *sql.DB
	dialect dialect
	window  domain.Window
	logger  *slog.Logger
}

// Open connects to the database named by driver ("postgres" or "sqlite").
// The window supplies the station merge half-width used during ingestion.
func Open(driver, dsn string, window domain.Window, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("database dsn is required")
	}

	var (
		d  dialect
		db *sql.DB
	)
	switch strings.ToLower(driver) {
	case "postgres", "postgresql":
		conn, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		db, d = conn, postgresDialect{}
	case "sqlite":
		conn, err := sql.Open("sqlite", sqliteDSN(dsn))
		if err != nil {
			return nil, err
		}
		// One connection serializes writers and keeps :memory: databases alive.
		conn.SetMaxOpenConns(1)
		db, d = conn, sqliteDialect{}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	return &Store{db: db, dialect: d, window: window, logger: logger}, nil
}

// Init creates the schema if it does not exist.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	s.logger.Info("database schema ready", "driver", s.dialect.name())
	return nil
}

// CheckReadiness pings the database.
func (s *Store) CheckReadiness(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Stats counts the stored rows of each entity.
type Stats struct {
	Events     int64 `json:"events"`
	Stations   int64 `json:"stations"`
	Associated int64 `json:"associated_stations"`
	Exported   int64 `json:"exported_stations"`
	Channels   int64 `json:"channels"`
	PGMs       int64 `json:"pgms"`
}

// Stats returns row counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	row := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM events),
		(SELECT COUNT(*) FROM stations),
		(SELECT COUNT(*) FROM stations WHERE event_id IS NOT NULL),
		(SELECT COUNT(*) FROM stations WHERE exported_at IS NOT NULL),
		(SELECT COUNT(*) FROM channels),
		(SELECT COUNT(*) FROM pgms)`)
	if err := row.Scan(&st.Events, &st.Stations, &st.Associated, &st.Exported, &st.Channels, &st.PGMs); err != nil {
		return Stats{}, mapError(err)
	}
	return st, nil
}

// withTx runs fn in a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

// q rewrites a query written with ? placeholders for the active dialect.
func (s *Store) q(query string) string {
	return s.dialect.rebind(query)
}

// mapError folds driver constraint violations into ErrConstraint.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23503":
			return fmt.Errorf("%w: %s", ErrConstraint, pgErr.Message)
		}
		return err
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) && sqErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return fmt.Errorf("%w: %s", ErrConstraint, sqErr.Error())
	}
	return err
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
