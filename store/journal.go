package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/spacemeshos/meterproof/batch"
	"github.com/spacemeshos/meterproof/logging"
)

var journalWriteLatencyMetric = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "meterproof",
	Subsystem: "journal",
	Name:      "batch_write_latency_seconds",
	Help:      "Latency of journal batch write operations",
	Buckets:   prometheus.ExponentialBuckets(0.001, 1.5, 20),
})

// journal durably records the readings of the open window. Appends are
// collected in a leveldb batch and persisted together, either when the batch
// is full or after the flush interval.
type journal struct {
	db *leveldb.DB

	// protects batch, pending and seq, flush may run on a timer goroutine.
	mu            sync.Mutex
	batch         *leveldb.Batch
	pending       []chan<- error
	seq           uint64
	flushInterval time.Duration
	maxBatchSize  int
}

func newJournal(db *leveldb.DB, flushInterval time.Duration, maxBatchSize int) (*journal, error) {
	j := &journal{
		db:            db,
		flushInterval: flushInterval,
		maxBatchSize:  maxBatchSize,
	}
	iter := db.NewIterator(util.BytesPrefix(journalPrefix), nil)
	defer iter.Release()
	if iter.Last() {
		if _, err := fmt.Sscanf(string(bytes.TrimPrefix(iter.Key(), journalPrefix)), "%d", &j.seq); err != nil {
			return nil, fmt.Errorf("parsing journal key %q: %w", iter.Key(), err)
		}
	}
	return j, iter.Error()
}

func journalKey(seq uint64) []byte {
	return key(journalPrefix, fmt.Sprintf("%020d", seq))
}

// AppendJournal records a reading of the open window.
// The returned channel receives the result once the reading is persisted.
// The caller must await it to make sure the reading survives a restart.
func (s *Store) AppendJournal(reading batch.Reading) (<-chan error, error) {
	return s.journal.append(reading)
}

func (j *journal) append(reading batch.Reading) (<-chan error, error) {
	data, err := json.Marshal(reading)
	if err != nil {
		return nil, fmt.Errorf("encoding reading: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.batch == nil {
		j.batch = leveldb.MakeBatch(j.maxBatchSize)
		time.AfterFunc(j.flushInterval, func() { j.flush() })
	}
	j.seq++
	j.batch.Put(journalKey(j.seq), data)
	done := make(chan error, 1)
	j.pending = append(j.pending, done)

	if j.batch.Len() >= j.maxBatchSize {
		j.flushLocked()
	}
	return done, nil
}

func (j *journal) flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flushLocked()
}

func (j *journal) flushLocked() error {
	if j.batch == nil || j.batch.Len() == 0 {
		return nil
	}
	logging.FromContext(context.Background()).Debug("flushing journal", zap.Int("num", len(j.pending)))
	start := time.Now()
	err := j.db.Write(j.batch, syncWrite)
	if err == nil {
		journalWriteLatencyMetric.Observe(time.Since(start).Seconds())
	}
	for _, done := range j.pending {
		done <- err
		close(done)
	}
	j.pending = nil
	j.batch = nil
	return err
}

// JournalReadings returns the readings of the open window in append order.
func (s *Store) JournalReadings() ([]batch.Reading, error) {
	if err := s.journal.flush(); err != nil {
		return nil, fmt.Errorf("flushing journal: %w", err)
	}
	values, err := s.values(journalPrefix)
	if err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}
	readings := make([]batch.Reading, 0, len(values))
	for _, v := range values {
		r, err := decodeReading(v)
		if err != nil {
			return nil, fmt.Errorf("decoding journaled reading: %w", err)
		}
		readings = append(readings, r)
	}
	return readings, nil
}

// SealWindow moves the open window into the pending queue as b.
// The journal is cleared and the pending entry created in one atomic write.
func (s *Store) SealWindow(b *batch.Batch) error {
	data, err := encodePending(PendingBatch{Batch: b})
	if err != nil {
		return err
	}

	j := s.journal
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.flushLocked(); err != nil {
		return fmt.Errorf("flushing journal: %w", err)
	}

	wb := new(leveldb.Batch)
	iter := s.db.NewIterator(util.BytesPrefix(journalPrefix), nil)
	for iter.Next() {
		wb.Delete(append([]byte{}, iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterating journal: %w", err)
	}
	wb.Put(key(pendingPrefix, b.ID), data)
	if err := s.db.Write(wb, syncWrite); err != nil {
		return fmt.Errorf("sealing window of batch %s: %w", b.ID, err)
	}
	return nil
}

func decodeReading(data []byte) (batch.Reading, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var r batch.Reading
	if err := dec.Decode(&r); err != nil {
		return nil, err
	}
	return r, nil
}
