package batch

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap/zapcore"
	"golang.org/x/exp/maps"
)

// Well-known reading fields.
const (
	FieldDeviceID       = "device_id"
	FieldTimestamp      = "timestamp"
	FieldTotalEnergyKWh = "total_energy_kwh"
)

var ErrEmptyBatch = errors.New("cannot close an empty batch")

// Reading is one telemetry sample. Once added to an Accumulator it must not be mutated.
type Reading map[string]any

// Clone returns a shallow copy of the reading.
func (r Reading) Clone() Reading {
	return maps.Clone(r)
}

// DeviceID returns the device identifier as a string, or "" if absent.
func (r Reading) DeviceID() string {
	switch v := r[FieldDeviceID].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// Timestamp parses the server-assigned timestamp of the reading.
func (r Reading) Timestamp() (time.Time, bool) {
	s, ok := r[FieldTimestamp].(string)
	if !ok {
		return time.Time{}, false
	}
	return ParseTimestamp(s)
}

// Number returns field as float64 if it holds a numeric value.
func (r Reading) Number(field string) (float64, bool) {
	switch v := r[field].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// ParseTimestamp accepts RFC3339 timestamps and, for readings stored before
// the ingestion boundary enforced a zone, zone-less ISO-8601 interpreted as UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Summary is metadata derived from a batch at close time. It is what gets
// anchored alongside the digest.
type Summary struct {
	DeviceCount    int
	ReadingCount   int
	TotalEnergyKWh float64
	// Start and End are zero when no reading carried a parsable timestamp.
	Start time.Time
	End   time.Time
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (s Summary) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("devices", s.DeviceCount)
	enc.AddInt("readings", s.ReadingCount)
	enc.AddFloat64("total_energy_kwh", s.TotalEnergyKWh)
	if !s.Start.IsZero() {
		enc.AddTime("start", s.Start)
		enc.AddTime("end", s.End)
	}
	return nil
}

// Summarize computes the summary of a reading sequence.
func Summarize(readings []Reading) Summary {
	devices := make(map[string]struct{})
	s := Summary{ReadingCount: len(readings)}
	for _, r := range readings {
		devices[r.DeviceID()] = struct{}{}
		if kwh, ok := r.Number(FieldTotalEnergyKWh); ok {
			s.TotalEnergyKWh += kwh
		}
		ts, ok := r.Timestamp()
		if !ok {
			continue
		}
		if s.Start.IsZero() || ts.Before(s.Start) {
			s.Start = ts
		}
		if s.End.IsZero() || ts.After(s.End) {
			s.End = ts
		}
	}
	s.DeviceCount = len(devices)
	return s
}

// Batch is a closed, immutable group of readings.
type Batch struct {
	ID        string
	Readings  []Reading
	CreatedAt time.Time
	// Payload is the gzip-compressed canonical JSON of Readings.
	Payload []byte
	// Digest is the hex SHA-256 of Payload.
	Digest       string
	ReadingsRoot []byte
	Summary      Summary
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (b *Batch) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("id", b.ID)
	enc.AddString("digest", b.Digest)
	enc.AddInt("readings", len(b.Readings))
	enc.AddTime("created_at", b.CreatedAt)
	return nil
}
