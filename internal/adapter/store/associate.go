package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/couchcryptid/amp-association-service/internal/domain"
)

const stationColumns = `s.id, s.event_id, s.network, s.code, s.name, s.lat, s.lon, s.obs_time, s.load_time`

// Associate claims for ev every unassociated station inside its acceptance
// window. Stations already exported for an event are never candidates again.
// Candidates are read and updated in one transaction with the rows
// locked, so concurrent passes cannot claim the same station. Every evaluated
// candidate is returned; Accepted marks the claimed ones.
func (s *Store) Associate(ctx context.Context, ev domain.Event) ([]domain.Candidate, error) {
	w := s.window
	var candidates []domain.Candidate
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		from, to := w.TimeBounds(ev.Time)
		rows, err := tx.QueryContext(ctx, s.q(`SELECT `+stationColumns+` FROM stations s
			WHERE s.obs_time > ? AND s.obs_time < ?
			AND s.exported_at IS NULL
			AND EXISTS (SELECT 1 FROM channels c JOIN pgms p ON p.channel_id = c.id WHERE c.station_id = s.id)
			ORDER BY s.id`+s.dialect.forUpdate()),
			s.dialect.timeArg(from), s.dialect.timeArg(to))
		if err != nil {
			return fmt.Errorf("select candidates: %w", err)
		}
		stations, err := scanStations(rows)
		if err != nil {
			return err
		}

		candidates, err = domain.SelectCandidates(ev, stations, w)
		if err != nil {
			return err
		}

		var ids []int64
		for _, c := range candidates {
			if c.Accepted {
				ids = append(ids, c.Station.ID)
			}
		}
		return s.claim(ctx, tx, ev.ID, ids)
	})
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

// claim sets event_id on the given unassociated stations in chunks.
func (s *Store) claim(ctx context.Context, tx *sql.Tx, eventRowID int64, ids []int64) error {
	for start := 0; start < len(ids); start += updateChunk {
		end := min(start+updateChunk, len(ids))
		chunk := ids[start:end]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, eventRowID)
		for _, id := range chunk {
			args = append(args, id)
		}
		_, err := tx.ExecContext(ctx, s.q(`UPDATE stations SET event_id = ?
			WHERE event_id IS NULL AND id IN (`+placeholders(len(chunk))+`)`), args...)
		if err != nil {
			return fmt.Errorf("associate stations: %w", mapError(err))
		}
	}
	return nil
}

// AssociatedStations loads the stations currently associated with the event
// row, with their channels and measurements, ordered by id.
func (s *Store) AssociatedStations(ctx context.Context, eventRowID int64) ([]domain.Station, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+stationColumns+`, c.id, c.channel, c.loc, p.imt, p.value
		FROM stations s
		JOIN channels c ON c.station_id = s.id
		JOIN pgms p ON p.channel_id = c.id
		WHERE s.event_id = ?
		ORDER BY s.id, c.id, p.id`), eventRowID)
	if err != nil {
		return nil, fmt.Errorf("load associated stations: %w", err)
	}
	defer rows.Close()

	var stations []domain.Station
	for rows.Next() {
		var (
			st      domain.Station
			eventID sql.NullInt64
			obs     dbTime
			load    dbTime
			ch      domain.Channel
			pgm     domain.PGM
			imt     string
		)
		if err := rows.Scan(&st.ID, &eventID, &st.Network, &st.Code, &st.Name, &st.Lat, &st.Lon, &obs, &load,
			&ch.ID, &ch.Name, &ch.Location, &imt, &pgm.Value); err != nil {
			return nil, fmt.Errorf("scan associated station: %w", err)
		}
		pgm.IMT = domain.IMT(imt)

		if n := len(stations); n == 0 || stations[n-1].ID != st.ID {
			st.EventID = idPtr(eventID)
			st.Timestamp = obs.Time
			st.LoadTime = load.Time
			stations = append(stations, st)
		}
		cur := &stations[len(stations)-1]
		if n := len(cur.Channels); n == 0 || cur.Channels[n-1].ID != ch.ID {
			cur.Channels = append(cur.Channels, ch)
		}
		lastCh := &cur.Channels[len(cur.Channels)-1]
		lastCh.PGMs = append(lastCh.PGMs, pgm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load associated stations: %w", err)
	}
	return stations, nil
}

// Detach clears the association of every station claimed by the event row
// and marks them exported, so no later event claims them again.
func (s *Store) Detach(ctx context.Context, eventRowID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE stations SET event_id = NULL, exported_at = ?
		WHERE event_id = ?`), s.dialect.timeArg(domain.Now()), eventRowID)
	if err != nil {
		return 0, fmt.Errorf("detach stations: %w", err)
	}
	return res.RowsAffected()
}

func scanStations(rows *sql.Rows) ([]domain.Station, error) {
	defer rows.Close()
	var stations []domain.Station
	for rows.Next() {
		var (
			st      domain.Station
			eventID sql.NullInt64
			obs     dbTime
			load    dbTime
		)
		if err := rows.Scan(&st.ID, &eventID, &st.Network, &st.Code, &st.Name, &st.Lat, &st.Lon, &obs, &load); err != nil {
			return nil, fmt.Errorf("scan station: %w", err)
		}
		st.EventID = idPtr(eventID)
		st.Timestamp = obs.Time
		st.LoadTime = load.Time
		stations = append(stations, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan stations: %w", err)
	}
	return stations, nil
}
