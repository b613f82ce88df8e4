package store

import (
	"context"
	"fmt"
	"time"

	"github.com/couchcryptid/amp-association-service/internal/domain"
)

// Purge deletes stations loaded before stationCutoff and events whose origin
// precedes eventCutoff. Channels, measurements and stations still associated
// with a purged event go with them by cascade.
func (s *Store) Purge(ctx context.Context, stationCutoff, eventCutoff time.Time) (domain.PurgeResult, error) {
	var out domain.PurgeResult

	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM stations WHERE load_time < ?`), s.dialect.timeArg(stationCutoff))
	if err != nil {
		return out, fmt.Errorf("purge stations: %w", err)
	}
	if out.Stations, err = res.RowsAffected(); err != nil {
		return out, err
	}

	res, err = s.db.ExecContext(ctx, s.q(`DELETE FROM events WHERE origin_time < ?`), s.dialect.timeArg(eventCutoff))
	if err != nil {
		return out, fmt.Errorf("purge events: %w", err)
	}
	if out.Events, err = res.RowsAffected(); err != nil {
		return out, err
	}
	return out, nil
}
