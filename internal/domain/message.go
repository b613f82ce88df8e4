package domain

import (
	"context"
	"fmt"
	"time"
)

// RawMessage is an undecoded document delivered by a feed.
type RawMessage struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Commit    func(ctx context.Context) error
}

// SourceRef names the message in logs and errors. A "source" header wins,
// then the message key, then its topic position.
func (m RawMessage) SourceRef() string {
	if s := m.Headers["source"]; s != "" {
		return s
	}
	if len(m.Key) > 0 {
		return string(m.Key)
	}
	return fmt.Sprintf("%s[%d]@%d", m.Topic, m.Partition, m.Offset)
}

// Outcome classifies the effect of ingesting one amplitude document.
type Outcome string

const (
	// OutcomeInserted means a new station was created.
	OutcomeInserted Outcome = "inserted"
	// OutcomeMerged means new channels or measurements joined an existing station.
	OutcomeMerged Outcome = "merged"
	// OutcomeDuplicate means every channel and measurement was already stored.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeEmpty means the document carried no acceptable measurement.
	OutcomeEmpty Outcome = "empty"
	// OutcomeNoTime means the document had no usable timestamp.
	OutcomeNoTime Outcome = "no_time"
)

// IngestResult reports what one merge changed.
type IngestResult struct {
	Source               string  `json:"source"`
	Outcome              Outcome `json:"outcome"`
	StationID            int64   `json:"station_id,omitempty"`
	StationCreated       bool    `json:"station_created"`
	ChannelsInserted     int     `json:"channels_inserted"`
	MeasurementsInserted int     `json:"measurements_inserted"`
}

// PurgeResult counts the rows removed by one retention pass.
type PurgeResult struct {
	Stations int64 `json:"stations"`
	Events   int64 `json:"events"`
}
