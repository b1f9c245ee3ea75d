package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/spacemeshos/meterproof/logging"
)

// SchemaVersion is the layout version written by this build.
const SchemaVersion = 1

var ErrNewerSchema = errors.New("database was written by a newer version")

var schemaKey = []byte("m/schema")

type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *leveldb.Transaction) error
}

var migrations = []migration{
	{version: 1, name: "rebuild transaction and device indexes", apply: reindex},
}

func (s *Store) schemaVersion() (int, error) {
	data, err := s.get(schemaKey)
	switch {
	case errors.Is(err, ErrNotFound):
		return 0, nil
	case err != nil:
		return 0, err
	}
	v, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("parsing schema version %q: %w", data, err)
	}
	return v, nil
}

// Migrate brings the database up to SchemaVersion. Every step runs in its own
// transaction together with the version bump.
func (s *Store) Migrate(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("migrations")
	current, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if current > SchemaVersion {
		return fmt.Errorf("%w: schema %d, supported %d", ErrNewerSchema, current, SchemaVersion)
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		logger.Info("migrating database", zap.Int("version", m.version), zap.String("step", m.name))
		tx, err := s.db.OpenTransaction()
		if err != nil {
			return fmt.Errorf("opening transaction: %w", err)
		}
		if err := m.apply(ctx, tx); err != nil {
			tx.Discard()
			return fmt.Errorf("migrating to schema %d: %w", m.version, err)
		}
		if err := tx.Put(schemaKey, []byte(strconv.Itoa(m.version)), nil); err != nil {
			tx.Discard()
			return fmt.Errorf("storing schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing schema %d: %w", m.version, err)
		}
		current = m.version
	}
	s.anchors.Purge()
	return nil
}

// reindex derives the transaction and device indexes from anchors and contents.
func reindex(ctx context.Context, tx *leveldb.Transaction) error {
	var anchors, contents int
	iter := tx.NewIterator(util.BytesPrefix(anchorPrefix), nil)
	for iter.Next() {
		anchor, err := deserializeAnchor(iter.Value())
		if err != nil {
			iter.Release()
			return fmt.Errorf("anchor %q: %w", iter.Key(), err)
		}
		if err := tx.Put(key(transactionPrefix, anchor.TransactionID), []byte(anchor.BatchID), nil); err != nil {
			iter.Release()
			return err
		}
		anchors++
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}

	iter = tx.NewIterator(util.BytesPrefix(contentPrefix), nil)
	defer iter.Release()
	for iter.Next() {
		c, err := decodeContent(iter.Value())
		if err != nil {
			return fmt.Errorf("content %q: %w", iter.Key(), err)
		}
		rest := strings.TrimPrefix(string(iter.Key()), string(contentPrefix))
		position, err := strconv.Atoi(rest[strings.LastIndexByte(rest, '/')+1:])
		if err != nil {
			return fmt.Errorf("content %q: %w", iter.Key(), err)
		}
		if err := tx.Put(deviceKey(c.DeviceID, c.BatchID, position), nil, nil); err != nil {
			return err
		}
		contents++
	}
	logging.FromContext(ctx).Info("rebuilt indexes", zap.Int("anchors", anchors), zap.Int("contents", contents))
	return iter.Error()
}
