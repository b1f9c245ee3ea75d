package batch

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/spacemeshos/meterproof/digest"
)

// CloseReason tells why the closing policy fired.
type CloseReason string

const (
	ReasonNone CloseReason = ""
	ReasonSize CloseReason = "size"
	ReasonAge  CloseReason = "age"
)

const batchIDTimeLayout = "20060102_150405.000000"

// Accumulator buffers readings of the open window until the closing policy fires.
// All methods are safe for concurrent use.
type Accumulator struct {
	cfg   Config
	clock clock.Clock

	mu          sync.Mutex
	buffer      []Reading
	windowStart time.Time
	seq         uint64
}

type accumulatorOptions struct {
	clock clock.Clock
}

type AccumulatorOptionFunc func(*accumulatorOptions)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.Clock) AccumulatorOptionFunc {
	return func(o *accumulatorOptions) {
		o.clock = c
	}
}

func NewAccumulator(cfg Config, opts ...AccumulatorOptionFunc) *Accumulator {
	options := accumulatorOptions{clock: clock.New()}
	for _, opt := range opts {
		opt(&options)
	}
	return &Accumulator{
		cfg:         cfg,
		clock:       options.clock,
		windowStart: options.clock.Now(),
	}
}

// Add appends a reading to the open window. The reading is not validated.
func (a *Accumulator) Add(reading Reading) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffer = append(a.buffer, reading.Clone())
}

// Restore re-adds readings recovered from the journal without touching the window start.
func (a *Accumulator) Restore(readings []Reading) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range readings {
		a.buffer = append(a.buffer, r.Clone())
	}
}

func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffer)
}

func (a *Accumulator) WindowStart() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.windowStart
}

// ShouldClose reports whether the open window must be closed now.
func (a *Accumulator) ShouldClose() bool {
	return a.Reason() != ReasonNone
}

// Reason evaluates the closing policy. Size is checked before age.
func (a *Accumulator) Reason() CloseReason {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reasonLocked()
}

func (a *Accumulator) reasonLocked() CloseReason {
	if a.cfg.MaxBatchSize > 0 && len(a.buffer) >= a.cfg.MaxBatchSize {
		return ReasonSize
	}
	if len(a.buffer) > 0 && a.clock.Since(a.windowStart) >= a.cfg.MaxBatchAge {
		return ReasonAge
	}
	return ReasonNone
}

// CloseAndReset detaches the open window into an immutable Batch and starts a new window.
// The buffer is only cleared once the batch was built successfully.
func (a *Accumulator) CloseAndReset() (*Batch, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.buffer) == 0 {
		return nil, ErrEmptyBatch
	}

	readings := make([]Reading, len(a.buffer))
	for i, r := range a.buffer {
		readings[i] = r.Clone()
	}

	payload, sum, err := digest.Encode(readings)
	if err != nil {
		return nil, fmt.Errorf("digesting batch: %w", err)
	}
	root, err := digest.ReadingsRoot(readings)
	if err != nil {
		return nil, fmt.Errorf("calculating readings root: %w", err)
	}

	now := a.clock.Now()
	a.seq++
	b := &Batch{
		ID:           fmt.Sprintf("batch_%s_%d_%d", now.UTC().Format(batchIDTimeLayout), a.seq, len(readings)),
		Readings:     readings,
		CreatedAt:    now,
		Payload:      payload,
		Digest:       sum,
		ReadingsRoot: root,
		Summary:      Summarize(readings),
	}

	a.buffer = nil
	a.windowStart = now
	return b, nil
}
