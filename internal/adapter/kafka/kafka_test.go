package kafka

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/couchcryptid/amp-association-service/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapMessage(t *testing.T) {
	now := time.Now()
	msg := kafkago.Message{
		Key:       []byte("nc_abc_20240501.xml"),
		Value:     []byte(`<amplitudes/>`),
		Topic:     "unassociated-amplitudes",
		Partition: 2,
		Offset:    42,
		Time:      now,
		Headers: []kafkago.Header{
			{Key: "source", Value: []byte("ftp://nc/abc.xml")},
		},
	}

	raw := mapMessage(msg)

	assert.Equal(t, []byte("nc_abc_20240501.xml"), raw.Key)
	assert.Equal(t, "<amplitudes/>", string(raw.Value))
	assert.Equal(t, "unassociated-amplitudes", raw.Topic)
	assert.Equal(t, 2, raw.Partition)
	assert.Equal(t, int64(42), raw.Offset)
	assert.Equal(t, now, raw.Timestamp)
	assert.Equal(t, "ftp://nc/abc.xml", raw.Headers["source"])
	assert.Equal(t, "ftp://nc/abc.xml", raw.SourceRef())
	assert.Nil(t, raw.Commit)
}

func TestSerializeToMessage(t *testing.T) {
	processed := time.Date(2024, 5, 1, 12, 10, 0, 0, time.UTC)
	ev := domain.Event{EventID: "us1000", Time: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), Lat: 37.5, Lon: -122.1}
	st := domain.Station{
		Network: "NC", Code: "ABC", Name: "Alpha", Lat: 37.5, Lon: -122.1,
		Channels: []domain.Channel{{Name: "HNZ", PGMs: []domain.PGM{{IMT: domain.IMTPGA, Value: 1.2}}}},
	}
	payload := domain.BuildExport(ev, []domain.Station{st}, domain.ExportMeta{
		Software: "amp-associator", Version: "1.0.0", RunID: "run-1", ProcessTime: processed,
	})

	msg, err := serializeToMessage("us1000", payload)
	require.NoError(t, err)

	assert.Equal(t, []byte("us1000"), msg.Key)
	require.Len(t, msg.Headers, 3)
	assert.Equal(t, "object_key", msg.Headers[0].Key)
	assert.Equal(t, "events/us1000/input/event.xml", string(msg.Headers[0].Value))
	assert.Equal(t, "run-1", string(msg.Headers[1].Value))
	assert.Equal(t, "2024-05-01T12:10:00.000000Z", string(msg.Headers[2].Value))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "FeatureCollection", decoded["type"])
	assert.Equal(t, "us1000", decoded["event"].(map[string]any)["id"])
	assert.Len(t, decoded["features"], 1)
}
