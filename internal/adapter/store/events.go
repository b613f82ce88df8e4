package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/couchcryptid/amp-association-service/internal/domain"
)

const eventColumns = `id, eventid, netid, origin_time, lat, lon, depth, magnitude, locstring`

// UpsertEvent stores an origin. An existing event matching the descriptor's id
// or any alternate id, in that order, is overwritten in place, keeping its row
// identity and associations. The boolean reports whether a row was inserted.
func (s *Store) UpsertEvent(ctx context.Context, d domain.EventDescriptor) (domain.Event, bool, error) {
	if err := d.Validate(); err != nil {
		return domain.Event{}, false, err
	}
	ev := d.Event()
	inserted := false

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Locks are taken in sorted order so overlapping id sets cannot deadlock.
		keys := slices.Sorted(slices.Values(d.CandidateIDs()))
		for _, id := range keys {
			if err := s.dialect.lockKey(ctx, tx, "event."+id); err != nil {
				return fmt.Errorf("lock event %s: %w", id, err)
			}
		}

		existing, err := s.matchEvent(ctx, tx, d.CandidateIDs())
		if err != nil {
			return err
		}

		if existing != 0 {
			ev.ID = existing
			_, err := tx.ExecContext(ctx, s.q(`UPDATE events SET
				eventid = ?, netid = ?, origin_time = ?, lat = ?, lon = ?,
				depth = ?, magnitude = ?, locstring = ?
				WHERE id = ?`),
				ev.EventID, ev.NetID, s.dialect.timeArg(ev.Time), ev.Lat, ev.Lon,
				ev.Depth, ev.Magnitude, ev.Description, ev.ID)
			if err != nil {
				return fmt.Errorf("update event %s: %w", ev.EventID, mapError(err))
			}
			return nil
		}

		err = tx.QueryRowContext(ctx, s.q(`INSERT INTO events
			(eventid, netid, origin_time, lat, lon, depth, magnitude, locstring)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			ev.EventID, ev.NetID, s.dialect.timeArg(ev.Time), ev.Lat, ev.Lon,
			ev.Depth, ev.Magnitude, ev.Description,
		).Scan(&ev.ID)
		if err != nil {
			return fmt.Errorf("insert event %s: %w", ev.EventID, mapError(err))
		}
		inserted = true
		return nil
	})
	if err != nil {
		return domain.Event{}, false, err
	}
	return ev, inserted, nil
}

// matchEvent returns the row id of the first stored event whose external id
// is in ids, checked in order, or 0.
func (s *Store) matchEvent(ctx context.Context, tx *sql.Tx, ids []string) (int64, error) {
	for _, id := range ids {
		var rowID int64
		err := tx.QueryRowContext(ctx, s.q(`SELECT id FROM events WHERE eventid = ?`), id).Scan(&rowID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			continue
		case err != nil:
			return 0, fmt.Errorf("match event %s: %w", id, err)
		}
		return rowID, nil
	}
	return 0, nil
}

// ListEvents returns every stored event by ascending origin time, then id.
func (s *Store) ListEvents(ctx context.Context) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY origin_time, id`)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// EventByEventID looks up an event by its external id.
func (s *Store) EventByEventID(ctx context.Context, eventID string) (domain.Event, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+eventColumns+` FROM events WHERE eventid = ?`), eventID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Event{}, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	return ev, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (domain.Event, error) {
	var (
		ev domain.Event
		t  dbTime
	)
	err := row.Scan(&ev.ID, &ev.EventID, &ev.NetID, &t, &ev.Lat, &ev.Lon, &ev.Depth, &ev.Magnitude, &ev.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Event{}, err
	}
	if err != nil {
		return domain.Event{}, fmt.Errorf("scan event: %w", err)
	}
	ev.Time = t.Time
	return ev, nil
}
