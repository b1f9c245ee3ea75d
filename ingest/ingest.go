// Package ingest is the boundary where raw device payloads become readings:
// required fields are checked and the server time is stamped before a reading
// reaches the pipeline.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/spacemeshos/meterproof/batch"
	"github.com/spacemeshos/meterproof/logging"
)

const FieldServerReceivedAt = "server_received_at"

// RequiredFields every device payload must carry.
var RequiredFields = []string{batch.FieldDeviceID, "current", "voltage", "power"}

var (
	ErrMissingFields  = errors.New("missing required fields")
	ErrInvalidReading = errors.New("invalid reading")
)

// MissingFieldsError lists the required fields absent from a payload.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingFields, strings.Join(e.Fields, ", "))
}

func (e *MissingFieldsError) Unwrap() error {
	return ErrMissingFields
}

// Validate checks that payload can become a reading.
func Validate(payload map[string]any) error {
	var missing []string
	for _, field := range RequiredFields {
		if v, ok := payload[field]; !ok || v == nil {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return &MissingFieldsError{Fields: missing}
	}

	reading := batch.Reading(payload)
	if reading.DeviceID() == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidReading, batch.FieldDeviceID)
	}
	for _, field := range RequiredFields[1:] {
		if _, ok := reading.Number(field); !ok {
			return fmt.Errorf("%w: %s is not a number", ErrInvalidReading, field)
		}
	}
	return nil
}

// Prepare validates payload and turns it into a reading stamped with the server time.
// Any timestamp sent by the device is replaced.
func Prepare(payload map[string]any, now time.Time) (batch.Reading, error) {
	if err := Validate(payload); err != nil {
		return nil, err
	}
	reading := batch.Reading(payload).Clone()
	stamp := now.UTC().Format(time.RFC3339Nano)
	reading[batch.FieldTimestamp] = stamp
	reading[FieldServerReceivedAt] = stamp
	return reading, nil
}

// Ingester accepts validated readings.
type Ingester interface {
	Ingest(ctx context.Context, reading batch.Reading) (closed bool, err error)
}

// Result describes an accepted reading.
type Result struct {
	Reading     batch.Reading
	ServerTime  time.Time
	BatchClosed bool
}

// Service is the single entry point of readings, shared by all transports.
// Listener is told about every accepted reading.
type Listener interface {
	ReadingAccepted(reading batch.Reading)
}

type Service struct {
	ingester  Ingester
	tracker   *Tracker
	listeners []Listener
	clock     clock.Clock
}

type options struct {
	clock     clock.Clock
	tracker   *Tracker
	listeners []Listener
}

type OptionFunc func(*options)

func WithClock(c clock.Clock) OptionFunc {
	return func(o *options) {
		o.clock = c
	}
}

func WithTracker(t *Tracker) OptionFunc {
	return func(o *options) {
		o.tracker = t
	}
}

func WithListener(l Listener) OptionFunc {
	return func(o *options) {
		o.listeners = append(o.listeners, l)
	}
}

func NewService(ingester Ingester, opts ...OptionFunc) (*Service, error) {
	options := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.tracker == nil {
		tracker, err := NewTracker(DefaultTrackerConfig(), options.clock)
		if err != nil {
			return nil, err
		}
		options.tracker = tracker
	}
	return &Service{
		ingester:  ingester,
		tracker:   options.tracker,
		listeners: options.listeners,
		clock:     options.clock,
	}, nil
}

func (s *Service) Tracker() *Tracker {
	return s.tracker
}

// Accept validates a raw payload and hands it to the pipeline.
func (s *Service) Accept(ctx context.Context, payload map[string]any) (*Result, error) {
	now := s.clock.Now()
	reading, err := Prepare(payload, now)
	if err != nil {
		logging.FromContext(ctx).Debug("rejected reading", zap.Strings("fields", keys(payload)), zap.Error(err))
		return nil, err
	}
	closed, err := s.ingester.Ingest(ctx, reading)
	if err != nil {
		return nil, fmt.Errorf("ingesting reading of %s: %w", reading.DeviceID(), err)
	}
	s.tracker.Seen(reading, now)
	for _, l := range s.listeners {
		l.ReadingAccepted(reading)
	}
	return &Result{Reading: reading, ServerTime: now, BatchClosed: closed}, nil
}

func keys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
