package publish_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/meterproof/publish"
	"github.com/spacemeshos/meterproof/publish/mocks"
	"github.com/spacemeshos/meterproof/store"
)

func testAnchor() *store.Anchor {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return &store.Anchor{
		BatchID:            "batch-1",
		TransactionID:      "0.0.1234@1714557600.000000001",
		ConsensusTimestamp: "1714557600.000000001",
		Digest:             "ab12",
		Metadata: store.Metadata{
			DeviceCount:    2,
			ReadingCount:   3,
			TotalEnergyKWh: 1.25,
			Start:          start,
			End:            start.Add(time.Minute),
		},
		CreatedAt: start.Add(2 * time.Minute),
	}
}

func TestPublisher_PublishAnchor(t *testing.T) {
	t.Parallel()
	t.Run("keyed by batch id", func(t *testing.T) {
		t.Parallel()
		w := mocks.NewMockWriter(gomock.NewController(t))
		anchor := testAnchor()

		w.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).DoAndReturn(
			func(ctx context.Context, msgs ...kafka.Message) error {
				require.Len(t, msgs, 1)
				require.Equal(t, []byte("batch-1"), msgs[0].Key)
				require.Equal(t, anchor.CreatedAt, msgs[0].Time)
				_, hasDeadline := ctx.Deadline()
				require.True(t, hasDeadline)

				var event publish.Event
				require.NoError(t, json.Unmarshal(msgs[0].Value, &event))
				require.Equal(t, "ab12", event.DataHash)
				require.Equal(t, anchor.TransactionID, event.TransactionID)
				require.Equal(t, 2, event.DeviceCount)
				require.Equal(t, 3, event.ReadingCount)
				require.True(t, anchor.Metadata.End.Equal(event.End))
				require.Equal(t, "instance-1", event.Source)
				return nil
			})

		p := publish.New(w, time.Second, publish.WithSource("instance-1"))
		require.NoError(t, p.PublishAnchor(context.Background(), anchor))
	})
	t.Run("write error", func(t *testing.T) {
		t.Parallel()
		w := mocks.NewMockWriter(gomock.NewController(t))
		failure := errors.New("leader not available")
		w.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).Return(failure)

		p := publish.New(w, time.Second)
		require.ErrorIs(t, p.PublishAnchor(context.Background(), testAnchor()), failure)
	})
	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		p := publish.New(nil, 0)
		require.NoError(t, p.PublishAnchor(context.Background(), testAnchor()))
		require.NoError(t, p.Close())
	})
}

func TestConfig(t *testing.T) {
	t.Parallel()
	cfg := publish.DefaultConfig()
	require.False(t, cfg.Enabled())

	cfg.Brokers = []string{"localhost:9092"}
	require.True(t, cfg.Enabled())
	w := publish.NewWriter(cfg)
	require.Equal(t, cfg.Topic, w.Topic)
	require.NoError(t, w.Close())
}
