// Package reconcile decides what happens to a closed batch once the ledger
// answered: a successful receipt becomes a durable proof anchor, a failed one
// keeps the batch queued for resubmission.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/spacemeshos/meterproof/batch"
	"github.com/spacemeshos/meterproof/ledger"
	"github.com/spacemeshos/meterproof/logging"
	"github.com/spacemeshos/meterproof/store"
)

// ErrPersistenceFailure means the ledger anchored a batch but the anchor could
// not be stored. The batch is recorded for backfill and must not be resubmitted.
var ErrPersistenceFailure = errors.New("persisting proof anchor failed")

type Outcome string

const (
	OutcomeAnchored  Outcome = "anchored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeBackfill  Outcome = "backfill"
	OutcomeRetry     Outcome = "retry"
)

var outcomesMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "meterproof",
	Subsystem: "reconcile",
	Name:      "outcomes_total",
	Help:      "Number of reconciled receipts by outcome",
}, []string{"outcome"})

// Store is the part of the durable store the reconciler writes to.
type Store interface {
	SaveAnchor(ctx context.Context, anchor *store.Anchor, readings []batch.Reading) error
	RecordAttempt(ctx context.Context, batchID, failure string, at time.Time) (*store.PendingBatch, error)
	RecordBackfill(ctx context.Context, b store.Backfill) error
	ListBackfill(ctx context.Context) ([]store.Backfill, error)
	DiscardBackfill(ctx context.Context, batchID string) error
	ListPending(ctx context.Context) ([]*store.PendingBatch, error)
	DiscardPending(ctx context.Context, batchID string) error
}

// Publisher announces anchored batches to downstream consumers.
type Publisher interface {
	PublishAnchor(ctx context.Context, anchor *store.Anchor) error
}

type Reconciler struct {
	store     Store
	publisher Publisher
	clock     clock.Clock
}

type options struct {
	publisher Publisher
	clock     clock.Clock
}

type OptionFunc func(*options)

func WithPublisher(p Publisher) OptionFunc {
	return func(o *options) {
		o.publisher = p
	}
}

func WithClock(c clock.Clock) OptionFunc {
	return func(o *options) {
		o.clock = c
	}
}

func New(s Store, opts ...OptionFunc) *Reconciler {
	options := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&options)
	}
	return &Reconciler{
		store:     s,
		publisher: options.publisher,
		clock:     options.clock,
	}
}

// NewAnchor builds the proof anchor of a batch from its successful receipt.
func NewAnchor(b *batch.Batch, receipt ledger.Receipt) *store.Anchor {
	return &store.Anchor{
		BatchID:            b.ID,
		TransactionID:      receipt.TransactionID,
		ConsensusTimestamp: receipt.ConsensusTimestamp,
		Digest:             b.Digest,
		ReadingsRoot:       b.ReadingsRoot,
		Metadata:           store.MetadataOf(b.Summary),
		CreatedAt:          b.CreatedAt,
	}
}

// Reconcile records the result of one submission attempt of b.
func (r *Reconciler) Reconcile(ctx context.Context, b *batch.Batch, receipt ledger.Receipt) (Outcome, error) {
	outcome, err := r.reconcile(ctx, b, receipt)
	outcomesMetric.WithLabelValues(string(outcome)).Inc()
	return outcome, err
}

func (r *Reconciler) reconcile(ctx context.Context, b *batch.Batch, receipt ledger.Receipt) (Outcome, error) {
	logger := logging.FromContext(ctx).With(
		zap.String("batch_id", b.ID),
		zap.String("digest", b.Digest),
		zap.Int("readings", len(b.Readings)),
	)

	if !receipt.Success {
		pending, err := r.store.RecordAttempt(ctx, b.ID, receipt.Error, r.clock.Now())
		if err != nil {
			logger.Error("batch submission failed", zap.String("error", receipt.Error), zap.NamedError("store_error", err))
			return OutcomeRetry, fmt.Errorf("recording attempt of %s: %w", b.ID, err)
		}
		logger.Error("batch submission failed, batch kept for retry",
			zap.String("error", receipt.Error),
			zap.Int("attempts", pending.Attempts),
		)
		return OutcomeRetry, nil
	}

	anchor := NewAnchor(b, receipt)
	err := r.store.SaveAnchor(ctx, anchor, b.Readings)
	switch {
	case errors.Is(err, store.ErrAnchorExists):
		logger.Info("batch already anchored", zap.String("transaction_id", receipt.TransactionID))
		return OutcomeDuplicate, nil
	case err != nil:
		var result *multierror.Error
		result = multierror.Append(result, err)
		if backfillErr := r.store.RecordBackfill(ctx, store.Backfill{
			Anchor:   anchor,
			Readings: b.Readings,
			Error:    err.Error(),
		}); backfillErr != nil {
			result = multierror.Append(result, fmt.Errorf("recording backfill: %w", backfillErr))
		}
		logger.Error("failed to persist proof anchor of an anchored batch",
			zap.Object("receipt", receipt),
			zap.Error(result),
		)
		return OutcomeBackfill, fmt.Errorf("%w: batch %s: %v", ErrPersistenceFailure, b.ID, result)
	}

	logger.Info("proof anchor persisted", zap.String("transaction_id", anchor.TransactionID))
	r.publish(ctx, anchor)
	return OutcomeAnchored, nil
}

func (r *Reconciler) publish(ctx context.Context, anchor *store.Anchor) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.PublishAnchor(ctx, anchor); err != nil {
		logging.FromContext(ctx).Warn("failed to publish anchored batch", zap.Object("anchor", anchor), zap.Error(err))
	}
}

// Backfill retries the anchor writes recorded after persistence failures.
// It returns the number of anchors written.
func (r *Reconciler) Backfill(ctx context.Context) (int, error) {
	entries, err := r.store.ListBackfill(ctx)
	if err != nil {
		return 0, err
	}
	var (
		written int
		result  *multierror.Error
	)
	for _, entry := range entries {
		logger := logging.FromContext(ctx).With(zap.String("batch_id", entry.Anchor.BatchID))
		err := r.store.SaveAnchor(ctx, entry.Anchor, entry.Readings)
		switch {
		case errors.Is(err, store.ErrAnchorExists):
			if err := r.store.DiscardBackfill(ctx, entry.Anchor.BatchID); err != nil {
				result = multierror.Append(result, err)
			}
		case err != nil:
			logger.Warn("backfill of proof anchor failed", zap.Error(err))
			result = multierror.Append(result, err)
		default:
			written++
			logger.Info("proof anchor backfilled", zap.String("transaction_id", entry.Anchor.TransactionID))
			r.publish(ctx, entry.Anchor)
		}
	}
	return written, result.ErrorOrNil()
}

// Discard drops a pending batch on operator request. Its readings are gone for good.
func (r *Reconciler) Discard(ctx context.Context, batchID string) error {
	if err := r.store.DiscardPending(ctx, batchID); err != nil {
		return err
	}
	logging.FromContext(ctx).Warn("pending batch discarded", zap.String("batch_id", batchID))
	return nil
}

// Pending lists batches awaiting a successful receipt, oldest first.
func (r *Reconciler) Pending(ctx context.Context) ([]*store.PendingBatch, error) {
	return r.store.ListPending(ctx)
}
