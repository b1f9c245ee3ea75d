package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	xdr "github.com/nullstyle/go-xdr/xdr3"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/spacemeshos/meterproof/batch"
	"github.com/spacemeshos/meterproof/logging"
)

// Metadata is the summary of an anchored batch.
type Metadata struct {
	DeviceCount    int       `json:"device_count"`
	ReadingCount   int       `json:"reading_count"`
	TotalEnergyKWh float64   `json:"total_energy_kwh"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
}

func MetadataOf(s batch.Summary) Metadata {
	return Metadata{
		DeviceCount:    s.DeviceCount,
		ReadingCount:   s.ReadingCount,
		TotalEnergyKWh: s.TotalEnergyKWh,
		Start:          s.Start,
		End:            s.End,
	}
}

// Anchor links a batch to the ledger transaction that timestamped its digest.
// Anchors are append-only.
type Anchor struct {
	BatchID            string    `json:"batch_id"`
	TransactionID      string    `json:"transaction_id"`
	ConsensusTimestamp string    `json:"consensus_timestamp,omitempty"`
	Digest             string    `json:"data_hash"`
	ReadingsRoot       []byte    `json:"readings_root,omitempty"`
	Metadata           Metadata  `json:"batch_metadata"`
	CreatedAt          time.Time `json:"created_at"`
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (a *Anchor) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("batch_id", a.BatchID)
	enc.AddString("transaction_id", a.TransactionID)
	enc.AddString("digest", a.Digest)
	enc.AddInt("readings", a.Metadata.ReadingCount)
	return nil
}

// anchorRecord is the serialized form of an Anchor.
type anchorRecord struct {
	BatchID            string
	TransactionID      string
	ConsensusTimestamp string
	Digest             string
	ReadingsRoot       []byte
	DeviceCount        uint64
	ReadingCount       uint64
	TotalEnergyKWh     float64
	Start              int64
	End                int64
	CreatedAt          int64
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func serializeAnchor(a *Anchor) ([]byte, error) {
	rec := anchorRecord{
		BatchID:            a.BatchID,
		TransactionID:      a.TransactionID,
		ConsensusTimestamp: a.ConsensusTimestamp,
		Digest:             a.Digest,
		ReadingsRoot:       a.ReadingsRoot,
		DeviceCount:        uint64(a.Metadata.DeviceCount),
		ReadingCount:       uint64(a.Metadata.ReadingCount),
		TotalEnergyKWh:     a.Metadata.TotalEnergyKWh,
		Start:              unixNano(a.Metadata.Start),
		End:                unixNano(a.Metadata.End),
		CreatedAt:          unixNano(a.CreatedAt),
	}
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, rec); err != nil {
		return nil, fmt.Errorf("serialization failure: %w", err)
	}
	return buf.Bytes(), nil
}

func deserializeAnchor(data []byte) (*Anchor, error) {
	var rec anchorRecord
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to deserialize: %w", err)
	}
	return &Anchor{
		BatchID:            rec.BatchID,
		TransactionID:      rec.TransactionID,
		ConsensusTimestamp: rec.ConsensusTimestamp,
		Digest:             rec.Digest,
		ReadingsRoot:       rec.ReadingsRoot,
		Metadata: Metadata{
			DeviceCount:    int(rec.DeviceCount),
			ReadingCount:   int(rec.ReadingCount),
			TotalEnergyKWh: rec.TotalEnergyKWh,
			Start:          fromUnixNano(rec.Start),
			End:            fromUnixNano(rec.End),
		},
		CreatedAt: fromUnixNano(rec.CreatedAt),
	}, nil
}

// Content is one reading of an anchored batch.
type Content struct {
	BatchID   string        `json:"batch_id"`
	Position  int           `json:"position"`
	DeviceID  string        `json:"device_id"`
	Timestamp string        `json:"timestamp,omitempty"`
	Reading   batch.Reading `json:"reading"`
}

func contentKey(batchID string, position int) []byte {
	return key(contentPrefix, batchID, fmt.Sprintf("%08d", position))
}

// deviceKey indexes contents by device. Device ids are escaped so that they
// never contain the separator.
func deviceKey(deviceID, batchID string, position int) []byte {
	return key(devicePrefix, url.PathEscape(deviceID), batchID, fmt.Sprintf("%08d", position))
}

// SaveAnchor persists the contents of a batch and then its anchor.
// The anchor write is the commit point: contents without an anchor are
// reported by Orphans. Saving an anchor twice fails with ErrAnchorExists and
// leaves the first one untouched. A successful save also drops the batch from
// the pending and backfill queues.
func (s *Store) SaveAnchor(ctx context.Context, anchor *Anchor, readings []batch.Reading) error {
	anchorKey := key(anchorPrefix, anchor.BatchID)
	exists, err := s.has(anchorKey)
	if err != nil {
		return fmt.Errorf("checking anchor of %s: %w", anchor.BatchID, err)
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrAnchorExists, anchor.BatchID)
	}

	serialized, err := serializeAnchor(anchor)
	if err != nil {
		return fmt.Errorf("failed serializing anchor: %w", err)
	}

	contents := new(leveldb.Batch)
	for i, r := range readings {
		c := Content{
			BatchID:  anchor.BatchID,
			Position: i,
			DeviceID: r.DeviceID(),
			Reading:  r,
		}
		if ts, ok := r[batch.FieldTimestamp].(string); ok {
			c.Timestamp = ts
		}
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encoding content %d of %s: %w", i, anchor.BatchID, err)
		}
		contents.Put(contentKey(anchor.BatchID, i), data)
		contents.Put(deviceKey(c.DeviceID, anchor.BatchID, i), nil)
	}
	if err := s.db.Write(contents, syncWrite); err != nil {
		return fmt.Errorf("storing contents of %s: %w", anchor.BatchID, err)
	}

	trans, err := s.db.OpenTransaction()
	if err != nil {
		return err
	}
	exists, err = trans.Has(anchorKey, nil)
	switch {
	case err != nil:
		trans.Discard()
		return fmt.Errorf("checking anchor of %s: %w", anchor.BatchID, err)
	case exists:
		trans.Discard()
		return fmt.Errorf("%w: %s", ErrAnchorExists, anchor.BatchID)
	}
	if err := trans.Put(anchorKey, serialized, nil); err != nil {
		trans.Discard()
		return fmt.Errorf("storing anchor of %s: %w", anchor.BatchID, err)
	}
	if err := trans.Put(key(transactionPrefix, anchor.TransactionID), []byte(anchor.BatchID), nil); err != nil {
		trans.Discard()
		return fmt.Errorf("indexing transaction of %s: %w", anchor.BatchID, err)
	}
	if err := trans.Delete(key(pendingPrefix, anchor.BatchID), nil); err != nil {
		logging.FromContext(ctx).Warn("failed to drop pending batch", zap.String("batch_id", anchor.BatchID), zap.Error(err))
	}
	if err := trans.Delete(key(backfillPrefix, anchor.BatchID), nil); err != nil {
		logging.FromContext(ctx).Warn("failed to drop backfill entry", zap.String("batch_id", anchor.BatchID), zap.Error(err))
	}
	if err := trans.Commit(); err != nil {
		return fmt.Errorf("committing anchor of %s: %w", anchor.BatchID, err)
	}
	s.anchors.Add(anchor.BatchID, anchor)
	return nil
}

func (s *Store) GetAnchor(ctx context.Context, batchID string) (*Anchor, error) {
	if cached, ok := s.anchors.Get(batchID); ok {
		return cached.(*Anchor), nil
	}
	data, err := s.get(key(anchorPrefix, batchID))
	if err != nil {
		return nil, fmt.Errorf("get anchor for %s from DB: %w", batchID, err)
	}
	anchor, err := deserializeAnchor(data)
	if err != nil {
		return nil, err
	}
	s.anchors.Add(batchID, anchor)
	return anchor, nil
}

func (s *Store) AnchorByTransaction(ctx context.Context, transactionID string) (*Anchor, error) {
	batchID, err := s.get(key(transactionPrefix, transactionID))
	if err != nil {
		return nil, fmt.Errorf("get batch of transaction %s from DB: %w", transactionID, err)
	}
	return s.GetAnchor(ctx, string(batchID))
}

// ListAnchors returns up to limit anchors, newest first.
func (s *Store) ListAnchors(ctx context.Context, limit int) ([]*Anchor, error) {
	iter := s.db.NewIterator(util.BytesPrefix(anchorPrefix), nil)
	defer iter.Release()
	var anchors []*Anchor
	for ok := iter.Last(); ok && len(anchors) < limit; ok = iter.Prev() {
		anchor, err := deserializeAnchor(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("decoding anchor %q: %w", iter.Key(), err)
		}
		anchors = append(anchors, anchor)
	}
	return anchors, iter.Error()
}

// Totals summarizes everything anchored so far.
type Totals struct {
	Batches  int `json:"anchored_batches"`
	Readings int `json:"anchored_readings"`
	Devices  int `json:"unique_devices"`
}

// Totals counts anchored batches, their readings and the distinct devices
// that contributed to them.
func (s *Store) Totals(ctx context.Context) (*Totals, error) {
	totals := &Totals{}
	iter := s.db.NewIterator(util.BytesPrefix(anchorPrefix), nil)
	for iter.Next() {
		anchor, err := deserializeAnchor(iter.Value())
		if err != nil {
			iter.Release()
			return nil, fmt.Errorf("decoding anchor %q: %w", iter.Key(), err)
		}
		totals.Batches++
		totals.Readings += anchor.Metadata.ReadingCount
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterating anchors: %w", err)
	}

	// device keys are sorted, so each device is one contiguous run
	iter = s.db.NewIterator(util.BytesPrefix(devicePrefix), nil)
	defer iter.Release()
	var last string
	for iter.Next() {
		rest := strings.TrimPrefix(string(iter.Key()), string(devicePrefix))
		device := rest[:strings.IndexByte(rest, '/')]
		if device != last {
			totals.Devices++
			last = device
		}
	}
	return totals, iter.Error()
}

// BatchContents returns the readings of a batch in position order.
func (s *Store) BatchContents(ctx context.Context, batchID string) ([]Content, error) {
	values, err := s.values(key(contentPrefix, batchID, ""))
	if err != nil {
		return nil, fmt.Errorf("reading contents of %s: %w", batchID, err)
	}
	contents := make([]Content, 0, len(values))
	for _, v := range values {
		c, err := decodeContent(v)
		if err != nil {
			return nil, err
		}
		contents = append(contents, c)
	}
	return contents, nil
}

// DeviceContents returns up to limit anchored readings of a device, newest batch first.
func (s *Store) DeviceContents(ctx context.Context, deviceID string, limit int) ([]Content, error) {
	iter := s.db.NewIterator(util.BytesPrefix(key(devicePrefix, url.PathEscape(deviceID), "")), nil)
	defer iter.Release()
	var contents []Content
	for ok := iter.Last(); ok && len(contents) < limit; ok = iter.Prev() {
		parts := strings.Split(string(iter.Key()), "/")
		if len(parts) != 4 {
			continue
		}
		data, err := s.get(key(contentPrefix, parts[2], parts[3]))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading content %q: %w", iter.Key(), err)
		}
		c, err := decodeContent(data)
		if err != nil {
			return nil, err
		}
		contents = append(contents, c)
	}
	return contents, iter.Error()
}

// Orphans returns ids of batches whose contents were written but whose anchor
// never committed.
func (s *Store) Orphans(ctx context.Context) ([]string, error) {
	iter := s.db.NewIterator(util.BytesPrefix(contentPrefix), nil)
	defer iter.Release()
	var orphans []string
	var last string
	for iter.Next() {
		rest := strings.TrimPrefix(string(iter.Key()), string(contentPrefix))
		batchID := rest[:strings.LastIndexByte(rest, '/')]
		if batchID == last {
			continue
		}
		last = batchID
		anchored, err := s.has(key(anchorPrefix, batchID))
		if err != nil {
			return nil, fmt.Errorf("checking anchor of %s: %w", batchID, err)
		}
		if !anchored {
			orphans = append(orphans, batchID)
		}
	}
	return orphans, iter.Error()
}

func decodeContent(data []byte) (Content, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var c Content
	if err := dec.Decode(&c); err != nil {
		return Content{}, fmt.Errorf("decoding content: %w", err)
	}
	return c, nil
}
