package digest_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/meterproof/digest"
)

type reading map[string]any

func sampleReadings() []reading {
	return []reading{
		{"device_id": "A", "power": 10.0, "timestamp": "2024-05-01T10:00:00Z"},
		{"device_id": "B", "power": 20.0, "timestamp": "2024-05-01T10:00:01Z"},
		{"device_id": "A", "power": 15.0, "timestamp": "2024-05-01T10:00:02Z"},
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	t.Parallel()
	payload1, d1, err := digest.Encode(sampleReadings())
	require.NoError(t, err)
	payload2, d2, err := digest.Encode(sampleReadings())
	require.NoError(t, err)

	require.Equal(t, d1, d2)
	require.Equal(t, payload1, payload2)
	require.Len(t, d1, 64)
}

func TestEncodeDigestIsOverCompressedPayload(t *testing.T) {
	t.Parallel()
	payload, d, err := digest.Encode(sampleReadings())
	require.NoError(t, err)
	require.Equal(t, digest.Sum(payload), d)
	require.True(t, digest.VerifyPayload(payload, d))

	raw, err := digest.Canonical(sampleReadings())
	require.NoError(t, err)
	require.NotEqual(t, digest.Sum(raw), d)

	decompressed, err := digest.Decompress(payload)
	require.NoError(t, err)
	require.Equal(t, raw, decompressed)
}

func TestEncodeOrderSensitivity(t *testing.T) {
	t.Parallel()
	t.Run("reordering readings changes the digest", func(t *testing.T) {
		t.Parallel()
		readings := sampleReadings()
		_, d1, err := digest.Encode(readings)
		require.NoError(t, err)

		readings[0], readings[1] = readings[1], readings[0]
		_, d2, err := digest.Encode(readings)
		require.NoError(t, err)
		require.NotEqual(t, d1, d2)
	})
	t.Run("field insertion order does not matter", func(t *testing.T) {
		t.Parallel()
		first := reading{}
		first["device_id"] = "A"
		first["voltage"] = 230.1
		first["power"] = 10.0

		second := reading{}
		second["power"] = 10.0
		second["voltage"] = 230.1
		second["device_id"] = "A"

		_, d1, err := digest.Encode([]reading{first})
		require.NoError(t, err)
		_, d2, err := digest.Encode([]reading{second})
		require.NoError(t, err)
		require.Equal(t, d1, d2)
	})
}

func TestCanonicalForm(t *testing.T) {
	t.Parallel()
	raw, err := digest.Canonical([]reading{{"b": 1, "a": "<x>", "c": map[string]any{"z": 1, "y": 2}}})
	require.NoError(t, err)
	require.Equal(t, `[{"a":"<x>","b":1,"c":{"y":2,"z":1}}]`, string(raw))
}

func TestEncodeEmpty(t *testing.T) {
	t.Parallel()
	_, _, err := digest.Encode([]reading{})
	require.ErrorIs(t, err, digest.ErrEmpty)

	_, err = digest.ReadingsRoot([]reading(nil))
	require.ErrorIs(t, err, digest.ErrEmpty)
}

func TestVerifyPayloadRejectsTampering(t *testing.T) {
	t.Parallel()
	payload, d, err := digest.Encode(sampleReadings())
	require.NoError(t, err)

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-1] ^= 0xff
	require.False(t, digest.VerifyPayload(tampered, d))
	require.False(t, digest.VerifyPayload(nil, d))
}

func TestReadingsRoot(t *testing.T) {
	t.Parallel()
	readings := sampleReadings()
	root1, err := digest.ReadingsRoot(readings)
	require.NoError(t, err)
	root2, err := digest.ReadingsRoot(readings)
	require.NoError(t, err)
	require.Equal(t, root1, root2)
	require.NotEmpty(t, root1)

	readings[1], readings[2] = readings[2], readings[1]
	swapped, err := digest.ReadingsRoot(readings)
	require.NoError(t, err)
	require.NotEqual(t, root1, swapped)
}
