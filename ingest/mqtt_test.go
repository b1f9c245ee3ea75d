package ingest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/spacemeshos/meterproof/batch"
	"github.com/spacemeshos/meterproof/logging"
)

type sliceIngester struct {
	readings []batch.Reading
}

func (s *sliceIngester) Ingest(_ context.Context, reading batch.Reading) (bool, error) {
	s.readings = append(s.readings, reading)
	return false, nil
}

func TestSubscriber_Handle(t *testing.T) {
	t.Parallel()
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	ingester := &sliceIngester{}
	service, err := NewService(ingester)
	require.NoError(t, err)
	s := NewSubscriber(DefaultMQTTConfig(), service)

	t.Run("valid reading", func(t *testing.T) {
		payload := []byte(`{"device_id":"A","current":1.5,"voltage":230,"power":345,"extra":{"phase":1}}`)
		require.NoError(t, s.handle(ctx, "meterproof/readings", payload))
		require.Len(t, ingester.readings, 1)

		power, ok := ingester.readings[0].Number("power")
		require.True(t, ok)
		require.Equal(t, 345.0, power)
		require.IsType(t, json.Number(""), ingester.readings[0]["voltage"])
	})
	t.Run("malformed json", func(t *testing.T) {
		require.ErrorIs(t, s.handle(ctx, "meterproof/readings", []byte(`{"device_id":`)), ErrInvalidReading)
		require.Len(t, ingester.readings, 1)
	})
	t.Run("missing fields", func(t *testing.T) {
		require.ErrorIs(t, s.handle(ctx, "meterproof/readings", []byte(`{"device_id":"A"}`)), ErrMissingFields)
		require.Len(t, ingester.readings, 1)
	})
}

func TestMQTTConfig_Enabled(t *testing.T) {
	t.Parallel()
	cfg := DefaultMQTTConfig()
	require.False(t, cfg.Enabled())
	cfg.Broker = "tcp://localhost:1883"
	require.True(t, cfg.Enabled())
}
