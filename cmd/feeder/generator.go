package main

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// device simulates a solar installation metered by an energy monitor.
// Energy accumulates across readings.
type device struct {
	id       string
	rnd      *rand.Rand
	energyWh float64
	last     time.Time
}

func newDevice(index int, seed int64) *device {
	return &device{
		id:  fmt.Sprintf("SIM_%03d", index),
		rnd: rand.New(rand.NewSource(seed + int64(index))),
	}
}

func (d *device) uniform(lo, hi float64) float64 {
	return lo + d.rnd.Float64()*(hi-lo)
}

// irradiance follows a daylight curve peaking at noon.
func irradiance(hour int) float64 {
	if hour < 6 || hour > 18 {
		return 0
	}
	return 800 * (1 - math.Abs(float64(hour-12))/6)
}

func (d *device) reading(now time.Time) map[string]any {
	irr := math.Max(0, irradiance(now.Hour())+d.uniform(-100, 100))
	efficiency := round(0.85+d.uniform(-0.05, 0.05), 3)
	dc := math.Max(0, irr*0.6*efficiency+d.uniform(-50, 50))

	voltage := 220 + d.uniform(-10, 10)
	powerFactor := round(0.95+d.uniform(-0.05, 0.05), 3)
	current := dc / (voltage * powerFactor)
	power := math.Max(0, voltage*current*powerFactor)

	if !d.last.IsZero() {
		d.energyWh += power * now.Sub(d.last).Hours()
	}
	d.last = now

	return map[string]any{
		"device_id":        d.id,
		"current":          round(current, 2),
		"voltage":          round(voltage, 1),
		"power":            round(power, 1),
		"total_energy_kwh": round(d.energyWh/1000, 3),
		"efficiency":       efficiency,
		"ambient_temp_c":   round(25+d.uniform(-5, 10), 1),
		"irradiance_w_m2":  round(irr, 1),
		"power_factor":     powerFactor,
	}
}
