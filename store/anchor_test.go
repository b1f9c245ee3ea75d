package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/meterproof/batch"
)

func TestOrphans(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	acc := batch.NewAccumulator(batch.DefaultConfig())
	acc.Add(batch.Reading{"device_id": "A"})
	anchored, err := acc.CloseAndReset()
	require.NoError(t, err)
	require.NoError(t, s.SaveAnchor(context.Background(), &Anchor{BatchID: anchored.ID, TransactionID: "tx1"}, anchored.Readings))

	// contents written, anchor commit never happened
	require.NoError(t, s.db.Put(contentKey("batch_orphan", 0), []byte(`{"batch_id":"batch_orphan"}`), nil))
	require.NoError(t, s.db.Put(contentKey("batch_orphan", 1), []byte(`{"batch_id":"batch_orphan"}`), nil))

	orphans, err := s.Orphans(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"batch_orphan"}, orphans)
}

func TestAnchorSerialization(t *testing.T) {
	anchor := &Anchor{
		BatchID:            "batch_20240501_100000.000000_1_3",
		TransactionID:      "0.0.1@1714557600.1",
		ConsensusTimestamp: "1714557600.000000001",
		Digest:             "abcd",
		ReadingsRoot:       []byte{1, 2, 3},
		Metadata:           Metadata{DeviceCount: 2, ReadingCount: 3, TotalEnergyKWh: 4.25},
	}
	data, err := serializeAnchor(anchor)
	require.NoError(t, err)
	got, err := deserializeAnchor(data)
	require.NoError(t, err)
	require.Equal(t, anchor, got)
}
