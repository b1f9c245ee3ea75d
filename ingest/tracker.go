package ingest

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap/zapcore"

	"github.com/spacemeshos/meterproof/batch"
)

func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxDevices:    10000,
		OnlineTimeout: 30 * time.Second,
		HistorySize:   1000,
	}
}

//nolint:lll
type TrackerConfig struct {
	MaxDevices    int           `long:"max-tracked-devices" description:"The maximum number of devices whose latest reading is kept in memory"`
	OnlineTimeout time.Duration `long:"online-timeout"      description:"A device is online if it sent a reading within this time"`
	HistorySize   int           `long:"history-size"        description:"The number of recent readings kept in memory"`
}

// implement zap.ObjectMarshaler interface.
func (c TrackerConfig) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("max-devices", c.MaxDevices)
	enc.AddDuration("online-timeout", c.OnlineTimeout)
	enc.AddInt("history-size", c.HistorySize)
	return nil
}

type seen struct {
	reading batch.Reading
	at      time.Time
}

// Tracker keeps the latest reading of each device and a short history of
// recent readings. It is a live view only, nothing in it is durable.
type Tracker struct {
	cfg    TrackerConfig
	clock  clock.Clock
	latest *lru.Cache

	mu      sync.Mutex
	history []batch.Reading
}

func NewTracker(cfg TrackerConfig, c clock.Clock) (*Tracker, error) {
	latest, err := lru.New(cfg.MaxDevices)
	if err != nil {
		return nil, fmt.Errorf("creating device cache: %w", err)
	}
	return &Tracker{
		cfg:    cfg,
		clock:  c,
		latest: latest,
	}, nil
}

func (t *Tracker) Seen(reading batch.Reading, at time.Time) {
	t.latest.Add(reading.DeviceID(), seen{reading: reading, at: at})

	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, reading)
	if over := len(t.history) - t.cfg.HistorySize; over > 0 {
		t.history = append([]batch.Reading{}, t.history[over:]...)
	}
}

// Latest returns the latest reading of every tracked device.
func (t *Tracker) Latest() map[string]batch.Reading {
	latest := make(map[string]batch.Reading, t.latest.Len())
	for _, k := range t.latest.Keys() {
		if v, ok := t.latest.Peek(k); ok {
			latest[k.(string)] = v.(seen).reading
		}
	}
	return latest
}

// History returns up to limit most recent readings, oldest first.
func (t *Tracker) History(limit int) []batch.Reading {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit <= 0 || limit > len(t.history) {
		limit = len(t.history)
	}
	return append([]batch.Reading{}, t.history[len(t.history)-limit:]...)
}

// Devices splits tracked devices by whether they reported within the online timeout.
func (t *Tracker) Devices() (online, offline []string) {
	now := t.clock.Now()
	for _, k := range t.latest.Keys() {
		v, ok := t.latest.Peek(k)
		if !ok {
			continue
		}
		if now.Sub(v.(seen).at) <= t.cfg.OnlineTimeout {
			online = append(online, k.(string))
		} else {
			offline = append(offline, k.(string))
		}
	}
	sort.Strings(online)
	sort.Strings(offline)
	return online, offline
}
