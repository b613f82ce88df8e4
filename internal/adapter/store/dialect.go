package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// dialect isolates the few places where Postgres and SQLite differ.
type dialect interface {
	name() string
	schema() []string
	rebind(query string) string
	// forUpdate is appended to row-locking selects.
	forUpdate() string
	// lockKey serializes transactions touching the same key until commit.
	lockKey(ctx context.Context, tx *sql.Tx, key string) error
	timeArg(t time.Time) any
}

type postgresDialect struct{}

func (postgresDialect) name() string { return "postgres" }

func (postgresDialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			eventid TEXT NOT NULL UNIQUE,
			netid TEXT NOT NULL DEFAULT '',
			origin_time TIMESTAMPTZ NOT NULL,
			lat DOUBLE PRECISION NOT NULL,
			lon DOUBLE PRECISION NOT NULL,
			depth DOUBLE PRECISION NOT NULL,
			magnitude DOUBLE PRECISION NOT NULL,
			locstring TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_origin_time ON events(origin_time)`,
		`CREATE TABLE IF NOT EXISTS stations (
			id BIGSERIAL PRIMARY KEY,
			event_id BIGINT REFERENCES events(id) ON DELETE CASCADE,
			network TEXT NOT NULL,
			code TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			lat DOUBLE PRECISION NOT NULL,
			lon DOUBLE PRECISION NOT NULL,
			obs_time TIMESTAMPTZ NOT NULL,
			load_time TIMESTAMPTZ NOT NULL,
			exported_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stations_key ON stations(network, code, obs_time)`,
		`CREATE INDEX IF NOT EXISTS idx_stations_obs_time ON stations(obs_time)`,
		`CREATE INDEX IF NOT EXISTS idx_stations_load_time ON stations(load_time)`,
		`CREATE INDEX IF NOT EXISTS idx_stations_event ON stations(event_id)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id BIGSERIAL PRIMARY KEY,
			station_id BIGINT NOT NULL REFERENCES stations(id) ON DELETE CASCADE,
			channel TEXT NOT NULL,
			loc TEXT NOT NULL DEFAULT '--',
			UNIQUE (station_id, channel)
		)`,
		`CREATE TABLE IF NOT EXISTS pgms (
			id BIGSERIAL PRIMARY KEY,
			channel_id BIGINT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
			imt TEXT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			UNIQUE (channel_id, imt)
		)`,
	}
}

func (postgresDialect) rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (postgresDialect) forUpdate() string { return " FOR UPDATE" }

func (postgresDialect) lockKey(ctx context.Context, tx *sql.Tx, key string) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	return err
}

func (postgresDialect) timeArg(t time.Time) any { return t.UTC() }

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

// SQLite stores times as integer microseconds since the Unix epoch so range
// comparisons stay numeric.
func (sqliteDialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			eventid TEXT NOT NULL UNIQUE,
			netid TEXT NOT NULL DEFAULT '',
			origin_time INTEGER NOT NULL,
			lat REAL NOT NULL,
			lon REAL NOT NULL,
			depth REAL NOT NULL,
			magnitude REAL NOT NULL,
			locstring TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_origin_time ON events(origin_time)`,
		`CREATE TABLE IF NOT EXISTS stations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id INTEGER REFERENCES events(id) ON DELETE CASCADE,
			network TEXT NOT NULL,
			code TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			lat REAL NOT NULL,
			lon REAL NOT NULL,
			obs_time INTEGER NOT NULL,
			load_time INTEGER NOT NULL,
			exported_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stations_key ON stations(network, code, obs_time)`,
		`CREATE INDEX IF NOT EXISTS idx_stations_obs_time ON stations(obs_time)`,
		`CREATE INDEX IF NOT EXISTS idx_stations_load_time ON stations(load_time)`,
		`CREATE INDEX IF NOT EXISTS idx_stations_event ON stations(event_id)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			station_id INTEGER NOT NULL REFERENCES stations(id) ON DELETE CASCADE,
			channel TEXT NOT NULL,
			loc TEXT NOT NULL DEFAULT '--',
			UNIQUE (station_id, channel)
		)`,
		`CREATE TABLE IF NOT EXISTS pgms (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id INTEGER NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
			imt TEXT NOT NULL,
			value REAL NOT NULL,
			UNIQUE (channel_id, imt)
		)`,
	}
}

func (sqliteDialect) rebind(query string) string { return query }

func (sqliteDialect) forUpdate() string { return "" }

// Transactions begin IMMEDIATE, so holding any transaction already excludes
// every other writer.
func (sqliteDialect) lockKey(context.Context, *sql.Tx, string) error { return nil }

func (sqliteDialect) timeArg(t time.Time) any { return t.UTC().UnixMicro() }

// sqliteDSN enables foreign keys and immediate transactions unless the DSN
// already sets them.
func sqliteDSN(dsn string) string {
	var params []string
	if !strings.Contains(dsn, "foreign_keys") {
		params = append(params, "_pragma=foreign_keys(1)")
	}
	if !strings.Contains(dsn, "busy_timeout") {
		params = append(params, "_pragma=busy_timeout(5000)")
	}
	if !strings.Contains(dsn, "_txlock") {
		params = append(params, "_txlock=immediate")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// dbTime scans either a native timestamp or integer microseconds.
type dbTime struct {
	time.Time
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v.UTC()
	case int64:
		t.Time = time.UnixMicro(v).UTC()
	case nil:
		t.Time = time.Time{}
	default:
		return fmt.Errorf("unsupported time value %T", src)
	}
	return nil
}

var _ sql.Scanner = (*dbTime)(nil)

func idPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
