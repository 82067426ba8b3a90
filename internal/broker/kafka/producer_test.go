package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/belediye/bts/internal/broker/messages"
	"github.com/belediye/bts/internal/models"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	sent []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.sent = append(w.sent, msgs...)
	return w.err
}

func locationChange(t *testing.T, deviceID string, lat, lon float64) ([]byte, []byte) {
	t.Helper()
	msg := messages.NewLocationChanged(messages.ChangeInsert, models.LocationRecord{
		ID:         "loc-" + deviceID,
		DeviceID:   deviceID,
		Latitude:   lat,
		Longitude:  lon,
		Source:     models.SourceExternalTracker,
		RecordedAt: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	})
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	return msg.Key(), b
}

func TestProducer_Publish_LocationChangeKeyedByDevice(t *testing.T) {
	fw := &fakeWriter{}
	p := newProducerWithWriter(fw)
	ctx := context.Background()

	key, value := locationChange(t, "truck-7", 41.0082, 28.9784)
	require.NoError(t, p.Publish(ctx, "location.changed", key, value))
	key, value = locationChange(t, "truck-7", 41.0090, 28.9790)
	require.NoError(t, p.Publish(ctx, "location.changed", key, value))

	require.Len(t, fw.sent, 2)
	for _, m := range fw.sent {
		require.Equal(t, "location.changed", m.Topic)
		require.Equal(t, []byte("truck-7"), m.Key)
	}

	var got messages.LocationChanged
	require.NoError(t, json.Unmarshal(fw.sent[1].Value, &got))
	require.Equal(t, "truck-7", got.Record.DeviceID)
	require.Equal(t, 41.0090, got.Record.Latitude)
	require.NoError(t, p.Close())
}

func TestProducer_Publish_EmptyTopic(t *testing.T) {
	fw := &fakeWriter{}
	p := newProducerWithWriter(fw)

	key, value := locationChange(t, "truck-7", 41.0, 29.0)
	require.Error(t, p.Publish(context.Background(), "", key, value))
	require.Empty(t, fw.sent)
}

func TestNewProducer_SameDeviceSamePartition(t *testing.T) {
	p := NewProducer([]string{"localhost:0"})
	t.Cleanup(func() { _ = p.Close() })

	w, ok := p.w.(*kafka.Writer)
	require.True(t, ok)
	partitions := []int{0, 1, 2, 3, 4, 5}
	first := w.Balancer.Balance(kafka.Message{Key: []byte("truck-7")}, partitions...)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, w.Balancer.Balance(kafka.Message{Key: []byte("truck-7")}, partitions...))
	}
}
