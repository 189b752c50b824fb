package telemetry

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"sensorfabric/internal/model"
)

const keyPrefix = "telemetry/"

type storedRecord struct {
	NodeID     int            `cbor:"1,keyasint"`
	Payload    string         `cbor:"2,keyasint"`
	ReceivedAt int64          `cbor:"3,keyasint"`
	Reading    *model.Reading `cbor:"4,keyasint,omitempty"`
}

// BadgerStore keeps records in a Badger database keyed by node and arrival
// time, so a node's records are one ordered prefix scan.
type BadgerStore struct {
	db  *badger.DB
	seq atomic.Uint64
}

// OpenBadgerStore opens (or creates) the database in dir.
func OpenBadgerStore(dir string, logger *zap.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{logger.Named("badger").Sugar()}).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Append(rec model.TelemetryRecord) error {
	val, err := cbor.Marshal(storedRecord{
		NodeID:     rec.NodeID,
		Payload:    rec.Payload,
		ReceivedAt: rec.ReceivedAt.UnixNano(),
		Reading:    rec.Reading,
	})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	key := fmt.Sprintf("%s%010d/%020d/%08d", keyPrefix, rec.NodeID, rec.ReceivedAt.UnixNano(), s.seq.Add(1))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
}

func (s *BadgerStore) Records(nodeID int) ([]model.TelemetryRecord, error) {
	items, err := s.scan(fmt.Sprintf("%s%010d/", keyPrefix, nodeID))
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *BadgerStore) All() ([]model.TelemetryRecord, error) {
	items, err := s.scan(keyPrefix)
	if err != nil {
		return nil, err
	}
	sortByTime(items)
	return items, nil
}

func (s *BadgerStore) scan(prefix string) ([]model.TelemetryRecord, error) {
	var out []model.TelemetryRecord
	p := []byte(prefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			var sr storedRecord
			err := it.Item().Value(func(val []byte) error {
				return cbor.Unmarshal(val, &sr)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, model.TelemetryRecord{
				NodeID:     sr.NodeID,
				Payload:    sr.Payload,
				ReceivedAt: time.Unix(0, sr.ReceivedAt).UTC(),
				Reading:    sr.Reading,
			})
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}

// Infof is demoted to debug; badger reports every compaction at info.
func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.Debugf(format, args...)
}
