package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/spacemeshos/meterproof/batch"
)

// PendingBatch is a sealed batch that has no successful receipt yet.
type PendingBatch struct {
	Batch         *batch.Batch
	Attempts      int
	LastError     string
	LastAttemptAt time.Time
}

type pendingRecord struct {
	ID            string          `json:"id"`
	CreatedAt     time.Time       `json:"created_at"`
	Readings      []batch.Reading `json:"readings"`
	Payload       []byte          `json:"payload"`
	Digest        string          `json:"digest"`
	ReadingsRoot  []byte          `json:"readings_root"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	LastAttemptAt time.Time       `json:"last_attempt_at"`
}

func encodePending(p PendingBatch) ([]byte, error) {
	data, err := json.Marshal(pendingRecord{
		ID:            p.Batch.ID,
		CreatedAt:     p.Batch.CreatedAt,
		Readings:      p.Batch.Readings,
		Payload:       p.Batch.Payload,
		Digest:        p.Batch.Digest,
		ReadingsRoot:  p.Batch.ReadingsRoot,
		Attempts:      p.Attempts,
		LastError:     p.LastError,
		LastAttemptAt: p.LastAttemptAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding pending batch %s: %w", p.Batch.ID, err)
	}
	return data, nil
}

// decodePending restores a pending batch. The digest stored at close time is
// kept as is so a resubmission anchors the same digest.
func decodePending(data []byte) (*PendingBatch, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rec pendingRecord
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("decoding pending batch: %w", err)
	}
	return &PendingBatch{
		Batch: &batch.Batch{
			ID:           rec.ID,
			Readings:     rec.Readings,
			CreatedAt:    rec.CreatedAt,
			Payload:      rec.Payload,
			Digest:       rec.Digest,
			ReadingsRoot: rec.ReadingsRoot,
			Summary:      batch.Summarize(rec.Readings),
		},
		Attempts:      rec.Attempts,
		LastError:     rec.LastError,
		LastAttemptAt: rec.LastAttemptAt,
	}, nil
}

func (s *Store) GetPending(ctx context.Context, batchID string) (*PendingBatch, error) {
	data, err := s.get(key(pendingPrefix, batchID))
	if err != nil {
		return nil, fmt.Errorf("get pending batch %s from DB: %w", batchID, err)
	}
	return decodePending(data)
}

// ListPending returns all pending batches, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]*PendingBatch, error) {
	values, err := s.values(pendingPrefix)
	if err != nil {
		return nil, fmt.Errorf("reading pending batches: %w", err)
	}
	pending := make([]*PendingBatch, 0, len(values))
	for _, v := range values {
		p, err := decodePending(v)
		if err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		a, b := pending[i].Batch, pending[j].Batch
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return pending, nil
}

// RecordAttempt bumps the attempt count of a pending batch and remembers the failure.
func (s *Store) RecordAttempt(ctx context.Context, batchID, failure string, at time.Time) (*PendingBatch, error) {
	trans, err := s.db.OpenTransaction()
	if err != nil {
		return nil, err
	}
	k := key(pendingPrefix, batchID)
	data, err := trans.Get(k, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		trans.Discard()
		return nil, fmt.Errorf("pending batch %s: %w", batchID, ErrNotFound)
	case err != nil:
		trans.Discard()
		return nil, fmt.Errorf("querying pending batch %s: %w", batchID, err)
	}
	p, err := decodePending(data)
	if err != nil {
		trans.Discard()
		return nil, err
	}
	p.Attempts++
	p.LastError = failure
	p.LastAttemptAt = at
	if data, err = encodePending(*p); err != nil {
		trans.Discard()
		return nil, err
	}
	if err := trans.Put(k, data, nil); err != nil {
		trans.Discard()
		return nil, fmt.Errorf("updating pending batch %s: %w", batchID, err)
	}
	return p, trans.Commit()
}

// DiscardPending drops a pending batch for good.
func (s *Store) DiscardPending(ctx context.Context, batchID string) error {
	k := key(pendingPrefix, batchID)
	exists, err := s.has(k)
	if err != nil {
		return fmt.Errorf("checking pending batch %s: %w", batchID, err)
	}
	if !exists {
		return fmt.Errorf("pending batch %s: %w", batchID, ErrNotFound)
	}
	return s.db.Delete(k, syncWrite)
}

// Backfill is a batch the ledger anchored but whose anchor could not be stored.
type Backfill struct {
	Anchor   *Anchor
	Readings []batch.Reading
	Error    string
}

type backfillRecord struct {
	Anchor   json.RawMessage `json:"anchor"`
	Readings []batch.Reading `json:"readings"`
	Error    string          `json:"error"`
}

// RecordBackfill remembers a failed anchor write and drops the batch from the
// pending queue, so the batch is not submitted to the ledger again.
func (s *Store) RecordBackfill(ctx context.Context, b Backfill) error {
	anchor, err := json.Marshal(b.Anchor)
	if err != nil {
		return fmt.Errorf("encoding anchor of %s: %w", b.Anchor.BatchID, err)
	}
	data, err := json.Marshal(backfillRecord{Anchor: anchor, Readings: b.Readings, Error: b.Error})
	if err != nil {
		return fmt.Errorf("encoding backfill entry %s: %w", b.Anchor.BatchID, err)
	}
	wb := new(leveldb.Batch)
	wb.Put(key(backfillPrefix, b.Anchor.BatchID), data)
	wb.Delete(key(pendingPrefix, b.Anchor.BatchID))
	if err := s.db.Write(wb, syncWrite); err != nil {
		return fmt.Errorf("recording backfill of %s: %w", b.Anchor.BatchID, err)
	}
	return nil
}

// ListBackfill returns all batches awaiting an anchor write.
func (s *Store) ListBackfill(ctx context.Context) ([]Backfill, error) {
	values, err := s.values(backfillPrefix)
	if err != nil {
		return nil, fmt.Errorf("reading backfill entries: %w", err)
	}
	entries := make([]Backfill, 0, len(values))
	for _, v := range values {
		dec := json.NewDecoder(bytes.NewReader(v))
		dec.UseNumber()
		var rec backfillRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decoding backfill entry: %w", err)
		}
		var anchor Anchor
		if err := json.Unmarshal(rec.Anchor, &anchor); err != nil {
			return nil, fmt.Errorf("decoding backfill anchor: %w", err)
		}
		entries = append(entries, Backfill{Anchor: &anchor, Readings: rec.Readings, Error: rec.Error})
	}
	return entries, nil
}

// DiscardBackfill drops a backfill entry, used once the anchor turned out to exist.
func (s *Store) DiscardBackfill(ctx context.Context, batchID string) error {
	return s.db.Delete(key(backfillPrefix, batchID), syncWrite)
}
