// Package store persists everything the pipeline must not lose: the journal of
// the open window, sealed batches awaiting a receipt, proof anchors and the
// contents of anchored batches.
//
// All key spaces live in a single leveldb database:
//
//	a/<batch_id>             anchor (xdr)
//	c/<batch_id>/<position>  content of an anchored batch (json)
//	d/<device>/<batch_id>/<position>  device index of contents
//	t/<transaction_id>       batch id of a transaction
//	p/<batch_id>             pending batch (json)
//	b/<batch_id>             backfill entry, anchor write failed after a successful receipt (json)
//	j/<seq>                  journaled reading of the open window (json)
//	m/schema                 layout version, see Migrate
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrAnchorExists = errors.New("proof anchor already exists")
)

var (
	anchorPrefix      = []byte("a/")
	contentPrefix     = []byte("c/")
	transactionPrefix = []byte("t/")
	pendingPrefix     = []byte("p/")
	backfillPrefix    = []byte("b/")
	devicePrefix      = []byte("d/")
	journalPrefix     = []byte("j/")
)

type Store struct {
	db      *leveldb.DB
	anchors *lru.Cache

	journal *journal
}

type options struct {
	journalFlushInterval time.Duration
	maxJournalBatchSize  int
	anchorCacheSize      int
}

type OptionFunc func(*options)

// WithJournalFlushInterval sets how long journal appends are collected before
// being written together.
func WithJournalFlushInterval(interval time.Duration) OptionFunc {
	return func(o *options) {
		o.journalFlushInterval = interval
	}
}

func WithMaxJournalBatchSize(size int) OptionFunc {
	return func(o *options) {
		o.maxJournalBatchSize = size
	}
}

func WithAnchorCacheSize(size int) OptionFunc {
	return func(o *options) {
		o.anchorCacheSize = size
	}
}

func Open(dbdir string, opts ...OptionFunc) (*Store, error) {
	options := options{
		journalFlushInterval: time.Microsecond,
		maxJournalBatchSize:  1000,
		anchorCacheSize:      256,
	}
	for _, opt := range opts {
		opt(&options)
	}

	db, err := leveldb.OpenFile(dbdir, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database @ %s: %w", dbdir, err)
	}
	cache, err := lru.New(options.anchorCacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating anchor cache: %w", err)
	}
	j, err := newJournal(db, options.journalFlushInterval, options.maxJournalBatchSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{
		db:      db,
		anchors: cache,
		journal: j,
	}, nil
}

// Close flushes pending journal appends and closes the database.
func (s *Store) Close() error {
	var result *multierror.Error
	if err := s.journal.flush(); err != nil {
		result = multierror.Append(result, fmt.Errorf("flushing journal: %w", err))
	}
	if err := s.db.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing database: %w", err))
	}
	return result.ErrorOrNil()
}

func key(prefix []byte, parts ...string) []byte {
	k := append([]byte{}, prefix...)
	for i, p := range parts {
		if i > 0 {
			k = append(k, '/')
		}
		k = append(k, p...)
	}
	return k
}

func (s *Store) has(k []byte) (bool, error) {
	return s.db.Has(k, nil)
}

func (s *Store) get(k []byte) ([]byte, error) {
	data, err := s.db.Get(k, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return data, err
}

// values returns copies of all values under prefix, in key order.
func (s *Store) values(prefix []byte) ([][]byte, error) {
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	var values [][]byte
	for iter.Next() {
		values = append(values, append([]byte{}, iter.Value()...))
	}
	return values, iter.Error()
}

var syncWrite = &opt.WriteOptions{Sync: true}
