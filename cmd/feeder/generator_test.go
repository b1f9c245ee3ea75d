package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeviceReading(t *testing.T) {
	t.Parallel()
	noon := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("has the required fields", func(t *testing.T) {
		t.Parallel()
		r := newDevice(1, 42).reading(noon)
		require.Equal(t, "SIM_001", r["device_id"])
		for _, field := range []string{"current", "voltage", "power"} {
			require.IsType(t, float64(0), r[field])
		}
		require.InDelta(t, 220, r["voltage"], 10)
	})
	t.Run("deterministic for a seed", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, newDevice(2, 7).reading(noon), newDevice(2, 7).reading(noon))
	})
	t.Run("no power at night", func(t *testing.T) {
		t.Parallel()
		d := newDevice(1, 42)
		for i := 0; i < 20; i++ {
			r := d.reading(time.Date(2024, 5, 1, 23, 0, i, 0, time.UTC))
			require.LessOrEqual(t, r["power"].(float64), 110.0)
		}
	})
	t.Run("energy accumulates", func(t *testing.T) {
		t.Parallel()
		d := newDevice(1, 42)
		first := d.reading(noon)
		require.Equal(t, 0.0, first["total_energy_kwh"])

		var last map[string]any
		for i := 1; i <= 10; i++ {
			last = d.reading(noon.Add(time.Duration(i) * time.Hour / 10))
		}
		require.Greater(t, last["total_energy_kwh"].(float64), 0.0)
	})
}
