package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/couchcryptid/amp-association-service/internal/domain"
)

// errEmptyStation aborts the transaction of a new station that would end up
// without channels.
var errEmptyStation = errors.New("station has no new channels")

// IngestRecord merges one parsed amplitude record into the store. The merge is
// one transaction serialized per (network, code): a report within the station
// window of an existing station joins the nearest one, channels and
// measurements already present are kept as stored, and no station or channel
// is left without children.
func (s *Store) IngestRecord(ctx context.Context, rec domain.AmplitudeRecord) (domain.IngestResult, error) {
	result := domain.IngestResult{Source: rec.Source}
	if err := rec.Validate(); err != nil {
		return result, err
	}

	channels := dedupChannels(rec.Channels)
	if countPGMs(channels) == 0 {
		result.Outcome = domain.OutcomeEmpty
		return result, nil
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		key := rec.Station.Network + "." + rec.Station.Code
		if err := s.dialect.lockKey(ctx, tx, key); err != nil {
			return fmt.Errorf("lock station %s: %w", key, err)
		}

		station, found, err := s.findStation(ctx, tx, rec)
		if err != nil {
			return err
		}

		existing := map[string]existingChannel{}
		if found {
			result.StationID = station.ID
			if existing, err = s.loadChannels(ctx, tx, station.ID); err != nil {
				return err
			}
		}

		plan := planMerge(channels, existing)
		if len(plan) == 0 {
			if !found {
				return errEmptyStation
			}
			return nil
		}

		if !found {
			id, err := s.insertStation(ctx, tx, rec)
			if err != nil {
				return err
			}
			result.StationID = id
			result.StationCreated = true
		}

		for _, p := range plan {
			channelID := p.channelID
			if channelID == 0 {
				if channelID, err = s.insertChannel(ctx, tx, result.StationID, p.record); err != nil {
					return err
				}
				result.ChannelsInserted++
			}
			n, err := s.insertPGMs(ctx, tx, channelID, p.pgms)
			if err != nil {
				return err
			}
			result.MeasurementsInserted += n
		}
		return nil
	})

	switch {
	case errors.Is(err, errEmptyStation):
		result.Outcome = domain.OutcomeEmpty
		return result, nil
	case err != nil:
		return result, err
	case result.StationCreated:
		result.Outcome = domain.OutcomeInserted
	case result.ChannelsInserted > 0 || result.MeasurementsInserted > 0:
		result.Outcome = domain.OutcomeMerged
	default:
		result.Outcome = domain.OutcomeDuplicate
	}
	return result, nil
}

// findStation returns the stored station for the record's key nearest in
// time within the station window.
func (s *Store) findStation(ctx context.Context, tx *sql.Tx, rec domain.AmplitudeRecord) (domain.Station, bool, error) {
	from := rec.Timestamp.Add(-s.window.StationWindow)
	to := rec.Timestamp.Add(s.window.StationWindow)

	rows, err := tx.QueryContext(ctx, s.q(`SELECT id, obs_time FROM stations
		WHERE network = ? AND code = ? AND obs_time > ? AND obs_time < ?
		ORDER BY id`),
		rec.Station.Network, rec.Station.Code, s.dialect.timeArg(from), s.dialect.timeArg(to))
	if err != nil {
		return domain.Station{}, false, fmt.Errorf("find station: %w", err)
	}
	defer rows.Close()

	var candidates []domain.Station
	for rows.Next() {
		var (
			st domain.Station
			ts dbTime
		)
		if err := rows.Scan(&st.ID, &ts); err != nil {
			return domain.Station{}, false, fmt.Errorf("scan station: %w", err)
		}
		st.Timestamp = ts.Time
		candidates = append(candidates, st)
	}
	if err := rows.Err(); err != nil {
		return domain.Station{}, false, fmt.Errorf("find station: %w", err)
	}

	st, ok := domain.NearestStation(rec.Timestamp, candidates, s.window)
	return st, ok, nil
}

type existingChannel struct {
	id   int64
	imts map[domain.IMT]bool
}

// loadChannels maps a station's channel names to their ids and stored IMTs.
func (s *Store) loadChannels(ctx context.Context, tx *sql.Tx, stationID int64) (map[string]existingChannel, error) {
	rows, err := tx.QueryContext(ctx, s.q(`SELECT c.id, c.channel, p.imt
		FROM channels c LEFT JOIN pgms p ON p.channel_id = c.id
		WHERE c.station_id = ?`), stationID)
	if err != nil {
		return nil, fmt.Errorf("load channels: %w", err)
	}
	defer rows.Close()

	out := map[string]existingChannel{}
	for rows.Next() {
		var (
			id   int64
			name string
			imt  sql.NullString
		)
		if err := rows.Scan(&id, &name, &imt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		ch, ok := out[name]
		if !ok {
			ch = existingChannel{id: id, imts: map[domain.IMT]bool{}}
			out[name] = ch
		}
		if imt.Valid {
			ch.imts[domain.IMT(imt.String)] = true
		}
	}
	return out, rows.Err()
}

type channelPlan struct {
	channelID int64 // 0 for a channel still to be created
	record    domain.ChannelRecord
	pgms      []domain.PGM
}

// planMerge keeps the measurements not yet stored. Channels left with nothing
// new are omitted, so new channels are only created with measurements.
func planMerge(channels []domain.ChannelRecord, existing map[string]existingChannel) []channelPlan {
	var plan []channelPlan
	for _, ch := range channels {
		stored, ok := existing[ch.Name]
		var fresh []domain.PGM
		for _, p := range ch.PGMs {
			if ok && stored.imts[p.IMT] {
				continue
			}
			fresh = append(fresh, p)
		}
		if len(fresh) == 0 {
			continue
		}
		plan = append(plan, channelPlan{channelID: stored.id, record: ch, pgms: fresh})
	}
	return plan
}

func (s *Store) insertStation(ctx context.Context, tx *sql.Tx, rec domain.AmplitudeRecord) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, s.q(`INSERT INTO stations
		(network, code, name, lat, lon, obs_time, load_time)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		rec.Station.Network,
		rec.Station.Code,
		rec.Station.Name,
		rec.Station.Lat,
		rec.Station.Lon,
		s.dialect.timeArg(rec.Timestamp),
		s.dialect.timeArg(domain.Now()),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert station: %w", mapError(err))
	}
	return id, nil
}

func (s *Store) insertChannel(ctx context.Context, tx *sql.Tx, stationID int64, ch domain.ChannelRecord) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, s.q(`INSERT INTO channels (station_id, channel, loc)
		VALUES (?, ?, ?) RETURNING id`),
		stationID, ch.Name, ch.Location,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert channel %s: %w", ch.Name, mapError(err))
	}
	return id, nil
}

func (s *Store) insertPGMs(ctx context.Context, tx *sql.Tx, channelID int64, pgms []domain.PGM) (int, error) {
	stmt, err := tx.PrepareContext(ctx, s.q(`INSERT INTO pgms (channel_id, imt, value)
		VALUES (?, ?, ?) ON CONFLICT (channel_id, imt) DO NOTHING`))
	if err != nil {
		return 0, fmt.Errorf("prepare pgm insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, p := range pgms {
		res, err := stmt.ExecContext(ctx, channelID, string(p.IMT), p.Value)
		if err != nil {
			return inserted, fmt.Errorf("insert pgm %s: %w", p.IMT, mapError(err))
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	return inserted, nil
}

// dedupChannels collapses repeated channel names and IMTs within one
// document. The first occurrence wins.
func dedupChannels(in []domain.ChannelRecord) []domain.ChannelRecord {
	index := map[string]int{}
	var out []domain.ChannelRecord
	for _, ch := range in {
		i, ok := index[ch.Name]
		if !ok {
			i = len(out)
			index[ch.Name] = i
			out = append(out, domain.ChannelRecord{Name: ch.Name, Location: ch.Location})
		}
		seen := map[domain.IMT]bool{}
		for _, p := range out[i].PGMs {
			seen[p.IMT] = true
		}
		for _, p := range ch.PGMs {
			if seen[p.IMT] {
				continue
			}
			seen[p.IMT] = true
			out[i].PGMs = append(out[i].PGMs, p)
		}
	}
	return out
}

func countPGMs(channels []domain.ChannelRecord) int {
	n := 0
	for _, ch := range channels {
		n += len(ch.PGMs)
	}
	return n
}
