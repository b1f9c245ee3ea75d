package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBenchmark(t *testing.T) {
	t.Parallel()
	cfg, err := loadConfig([]string{"-n", "50", "-d", "3", "-r", "2"})
	require.NoError(t, err)

	results, err := benchmark(cfg)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.Equal(t, 50, r.readings)
		require.Less(t, r.payloadSize, r.rawSize)
	}

	var out bytes.Buffer
	report(&out, results)
	require.Contains(t, out.String(), "batch 1: 50 readings")
	require.Contains(t, out.String(), "average close time")
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	_, err := loadConfig([]string{"--rounds", "0"})
	require.Error(t, err)
}

func TestByteCountIEC(t *testing.T) {
	t.Parallel()
	require.Equal(t, "512 B", ByteCountIEC(512))
	require.Equal(t, "1.5 KiB", ByteCountIEC(1536))
	require.Equal(t, "2.0 MiB", ByteCountIEC(2<<20))
}
