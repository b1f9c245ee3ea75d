// Package pipeline owns the open batch window. It closes batches, submits them
// to the ledger and reconciles the receipts in the order the batches were closed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/meterproof/batch"
	"github.com/spacemeshos/meterproof/ledger"
	"github.com/spacemeshos/meterproof/logging"
	"github.com/spacemeshos/meterproof/reconcile"
	"github.com/spacemeshos/meterproof/store"
)

var ErrInFlight = errors.New("batch submission is in flight")

var (
	readingsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meterproof",
		Subsystem: "pipeline",
		Name:      "readings_total",
		Help:      "Number of ingested readings",
	})

	batchesClosedMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meterproof",
		Subsystem: "pipeline",
		Name:      "batches_closed_total",
		Help:      "Number of closed batches by closing reason",
	}, []string{"reason"})

	openWindowMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meterproof",
		Subsystem: "pipeline",
		Name:      "open_window_readings",
		Help:      "Number of readings in the open batch window",
	})

	pendingMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meterproof",
		Subsystem: "pipeline",
		Name:      "pending_batches",
		Help:      "Number of closed batches awaiting a successful receipt",
	})
)

// Store is the part of the durable store the pipeline needs.
type Store interface {
	AppendJournal(reading batch.Reading) (<-chan error, error)
	JournalReadings() ([]batch.Reading, error)
	SealWindow(b *batch.Batch) error
	GetPending(ctx context.Context, batchID string) (*store.PendingBatch, error)
	ListPending(ctx context.Context) ([]*store.PendingBatch, error)
}

// ticket is one submission attempt of a batch.
type ticket struct {
	batch   *batch.Batch
	receipt chan ledger.Receipt
}

type Pipeline struct {
	cfg        Config
	clock      clock.Clock
	acc        *batch.Accumulator
	store      Store
	submitter  ledger.Submitter
	reconciler *reconcile.Reconciler

	// submissions outlive Run's context, they are bounded by the submit timeout.
	submitCtx context.Context

	// serializes journaling with accumulator mutations,
	// so that the journal always holds exactly the open window.
	ingestMu sync.Mutex

	// protects tickets and inflight, resubmissions and discards hold it
	// while they consult the pending queue
	mu       sync.Mutex
	tickets  []*ticket
	inflight map[string]struct{}
	notify   chan struct{}
}

type options struct {
	cfg      Config
	batchCfg batch.Config
	clock    clock.Clock
}

type OptionFunc func(*options)

func WithConfig(cfg Config) OptionFunc {
	return func(o *options) {
		o.cfg = cfg
	}
}

func WithBatchConfig(cfg batch.Config) OptionFunc {
	return func(o *options) {
		o.batchCfg = cfg
	}
}

func WithClock(c clock.Clock) OptionFunc {
	return func(o *options) {
		o.clock = c
	}
}

// New creates the pipeline and restores the open window from the journal.
func New(
	ctx context.Context,
	s Store,
	submitter ledger.Submitter,
	reconciler *reconcile.Reconciler,
	opts ...OptionFunc,
) (*Pipeline, error) {
	options := options{
		cfg:      DefaultConfig(),
		batchCfg: batch.DefaultConfig(),
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	logger := logging.FromContext(ctx).Named("pipeline")
	p := &Pipeline{
		cfg:        options.cfg,
		clock:      options.clock,
		acc:        batch.NewAccumulator(options.batchCfg, batch.WithClock(options.clock)),
		store:      s,
		submitter:  submitter,
		reconciler: reconciler,
		submitCtx:  logging.NewContext(context.WithoutCancel(ctx), logger),
		inflight:   make(map[string]struct{}),
		notify:     make(chan struct{}, 1),
	}

	readings, err := s.JournalReadings()
	if err != nil {
		return nil, fmt.Errorf("restoring open window: %w", err)
	}
	if len(readings) > 0 {
		p.acc.Restore(readings)
		logger.Info("restored open window from journal", zap.Int("readings", len(readings)))
	}
	openWindowMetric.Set(float64(p.acc.Len()))
	return p, nil
}

// Ingest appends a validated reading to the open window and closes the window
// if the closing policy says so. It returns once the reading is journaled.
// A reading that fails to be journaled never enters the open window.
func (p *Pipeline) Ingest(ctx context.Context, reading batch.Reading) (closed bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.ingestMu.Lock()
	defer p.ingestMu.Unlock()

	done, err := p.store.AppendJournal(reading)
	if err != nil {
		return false, fmt.Errorf("journaling reading: %w", err)
	}
	// The outcome is awaited regardless of ctx, a reading journaled after the
	// caller gave up would otherwise be missing from the open window.
	if err := <-done; err != nil {
		return false, fmt.Errorf("journaling reading: %w", err)
	}
	p.acc.Add(reading)
	readingsMetric.Inc()

	if reason := p.acc.Reason(); reason != batch.ReasonNone {
		b, err := p.closeLocked(ctx, reason)
		if err != nil {
			// the reading is journaled and stays in the open window
			logging.FromContext(ctx).Error("failed to close batch", zap.Error(err))
		}
		closed = b != nil
	}
	openWindowMetric.Set(float64(p.acc.Len()))
	return closed, nil
}

func (p *Pipeline) closeLocked(ctx context.Context, reason batch.CloseReason) (*batch.Batch, error) {
	b, err := p.acc.CloseAndReset()
	if err != nil {
		return nil, err
	}
	// Every reading of the window was journaled before it was added, so a
	// failed seal leaves the journal holding exactly the restored window.
	if err := p.store.SealWindow(b); err != nil {
		p.acc.Restore(b.Readings)
		return nil, fmt.Errorf("sealing batch %s: %w", b.ID, err)
	}
	batchesClosedMetric.WithLabelValues(string(reason)).Inc()
	logging.FromContext(ctx).Info("closed batch", zap.Object("batch", b), zap.Object("summary", b.Summary), zap.String("reason", string(reason)))
	// dispatched under ingestMu, so batches are reconciled in the order they were closed
	p.dispatch(b)
	return b, nil
}

// closeIfDue closes the open window when it is old enough, without waiting for new readings.
func (p *Pipeline) closeIfDue(ctx context.Context) {
	p.ingestMu.Lock()
	defer p.ingestMu.Unlock()
	if reason := p.acc.Reason(); reason != batch.ReasonNone {
		if _, err := p.closeLocked(ctx, reason); err != nil {
			logging.FromContext(ctx).Error("failed to close batch", zap.Error(err))
		}
	}
	openWindowMetric.Set(float64(p.acc.Len()))
}

// dispatch starts the first submission of a freshly sealed batch.
func (p *Pipeline) dispatch(b *batch.Batch) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startLocked(b)
}

// resubmit starts another submission of a pending batch unless one is in flight.
// The pending entry is read under mu: pop runs only after the receipt is
// reconciled, so a batch anchored since it was listed is found gone here.
func (p *Pipeline) resubmit(ctx context.Context, batchID string) (*store.PendingBatch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[batchID]; ok {
		return nil, ErrInFlight
	}
	pb, err := p.store.GetPending(ctx, batchID)
	if err != nil {
		return nil, err
	}
	p.startLocked(pb.Batch)
	return pb, nil
}

func (p *Pipeline) startLocked(b *batch.Batch) {
	p.inflight[b.ID] = struct{}{}
	t := &ticket{batch: b, receipt: make(chan ledger.Receipt, 1)}
	p.tickets = append(p.tickets, t)

	go func() {
		t.receipt <- p.submitter.Submit(p.submitCtx, b)
	}()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pipeline) head() *ticket {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tickets) == 0 {
		return nil
	}
	return p.tickets[0]
}

func (p *Pipeline) pop(t *ticket) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tickets = p.tickets[1:]
	delete(p.inflight, t.batch.ID)
}

// sequence reconciles receipts in dispatch order. Once ctx is done it drains
// the submissions already dispatched and returns.
func (p *Pipeline) sequence(ctx context.Context) error {
	drainCtx := context.WithoutCancel(ctx)
	for {
		t := p.head()
		if t == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-p.notify:
				continue
			}
		}
		receipt := <-t.receipt
		outcome, err := p.reconciler.Reconcile(drainCtx, t.batch, receipt)
		if err != nil {
			logging.FromContext(ctx).Error("failed to reconcile receipt",
				zap.String("batch_id", t.batch.ID),
				zap.String("outcome", string(outcome)),
				zap.Error(err),
			)
		}
		p.pop(t)
	}
}

// retryPending resubmits the oldest pending batches that are not in flight.
func (p *Pipeline) retryPending(ctx context.Context) {
	logger := logging.FromContext(ctx)
	pending, err := p.store.ListPending(ctx)
	if err != nil {
		logger.Error("failed to list pending batches", zap.Error(err))
		return
	}
	pendingMetric.Set(float64(len(pending)))

	dispatched := 0
	for _, listed := range pending {
		if dispatched >= p.cfg.RetryBatchLimit {
			break
		}
		pb, err := p.resubmit(ctx, listed.Batch.ID)
		switch {
		case errors.Is(err, ErrInFlight), errors.Is(err, store.ErrNotFound):
			continue
		case err != nil:
			logger.Error("failed to resubmit pending batch", zap.String("batch_id", listed.Batch.ID), zap.Error(err))
			continue
		}
		dispatched++
		logger.Info("resubmitting pending batch", zap.String("batch_id", pb.Batch.ID), zap.Int("attempts", pb.Attempts))
	}

	written, err := p.reconciler.Backfill(ctx)
	if err != nil {
		logger.Error("failed to backfill proof anchors", zap.Error(err))
	}
	if written > 0 {
		logger.Info("backfilled proof anchors", zap.Int("anchors", written))
	}
}

// Run drives age-based closing and resubmission of pending batches until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("pipeline")
	ctx = logging.NewContext(ctx, logger)
	logger.Info("starting pipeline", zap.Object("config", p.cfg))

	var eg errgroup.Group
	eg.Go(func() error {
		return p.sequence(ctx)
	})
	eg.Go(func() error {
		check := p.clock.Ticker(p.cfg.CheckInterval)
		defer check.Stop()
		retry := p.clock.Ticker(p.cfg.RetryInterval)
		defer retry.Stop()

		p.retryPending(ctx)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-check.C:
				p.closeIfDue(ctx)
			case <-retry.C:
				p.retryPending(ctx)
			}
		}
	})
	return eg.Wait()
}

// Retry resubmits a pending batch now.
func (p *Pipeline) Retry(ctx context.Context, batchID string) error {
	if _, err := p.resubmit(ctx, batchID); err != nil {
		return err
	}
	logging.FromContext(ctx).Info("resubmitting pending batch on request", zap.String("batch_id", batchID))
	return nil
}

// Discard drops a pending batch that is not in flight.
func (p *Pipeline) Discard(ctx context.Context, batchID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[batchID]; ok {
		return ErrInFlight
	}
	return p.reconciler.Discard(ctx, batchID)
}

func (p *Pipeline) Pending(ctx context.Context) ([]*store.PendingBatch, error) {
	return p.reconciler.Pending(ctx)
}

// OpenWindow returns the number of readings in the open window.
func (p *Pipeline) OpenWindow() int {
	return p.acc.Len()
}

// InFlight returns the number of batches being submitted or awaiting reconciliation.
func (p *Pipeline) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tickets)
}
