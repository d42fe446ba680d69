package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/rjboer/GoVNA/internal/logging"
)

const (
	recordPrefix  = "sweep/"
	summaryPrefix = "index/"
)

var ErrNotFound = errors.New("archive: record not found")

// Config holds store configuration.
type Config struct {
	// Path is the database directory; ignored when InMemory is set.
	Path     string
	InMemory bool
	// CompressionLevel 1 (fastest) to 4 (best).
	CompressionLevel int
	Logger           logging.Logger
}

// Store keeps sweep records in BadgerDB. Records are JSON, zstd compressed.
type Store struct {
	db      *badger.DB
	logger  logging.Logger
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Open opens or creates a store.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("archive path is required")
		}
		opts = badger.DefaultOptions(filepath.Join(cfg.Path, "badger"))
	}
	opts.Logger = badgerLogger{cfg.Logger}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encoderLevel(cfg.CompressionLevel)))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	return &Store{db: db, logger: cfg.Logger, encoder: encoder, decoder: decoder}, nil
}

func encoderLevel(level int) zstd.EncoderLevel {
	switch level {
	case 1:
		return zstd.SpeedFastest
	case 3:
		return zstd.SpeedBetterCompression
	case 4:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

// Put stores rec, assigning an ID if it has none, and returns the ID.
func (s *Store) Put(ctx context.Context, rec Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Created.IsZero() {
		rec.Created = time.Now()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	summary, err := json.Marshal(rec.summary())
	if err != nil {
		return "", fmt.Errorf("failed to marshal summary: %w", err)
	}
	compressed := s.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/4))

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(recordPrefix+rec.ID), compressed); err != nil {
			return err
		}
		return txn.Set([]byte(summaryPrefix+rec.ID), summary)
	})
	if err != nil {
		return "", fmt.Errorf("failed to write record %s: %w", rec.ID, err)
	}
	s.logger.Debug("sweep archived",
		logging.F("id", rec.ID),
		logging.F("points", len(rec.Points)),
		logging.F("bytes", len(compressed)),
	)
	return rec.ID, nil
}

// Get loads one record.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	var compressed []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(recordPrefix + id))
		if err != nil {
			return err
		}
		compressed, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to read record %s: %w", id, err)
	}

	raw, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return Record{}, fmt.Errorf("failed to decompress record %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal record %s: %w", id, err)
	}
	return rec, nil
}

// List returns the summaries of all records, oldest first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	var out []Summary
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(summaryPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var sum Summary
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sum)
			})
			if err != nil {
				return err
			}
			out = append(out, sum)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

// Delete removes a record. Deleting an unknown ID is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(recordPrefix + id)); err != nil {
			return err
		}
		return txn.Delete([]byte(summaryPrefix + id))
	})
}

// Close closes the database.
func (s *Store) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	return s.db.Close()
}

// badgerLogger routes BadgerDB's printf logging into the structured logger.
// Badger is chatty at info level, so that is demoted to debug.
type badgerLogger struct{ l logging.Logger }

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.l.Error(trim(format, args), logging.F("component", "badger"))
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.l.Warn(trim(format, args), logging.F("component", "badger"))
}

func (b badgerLogger) Infof(format string, args ...interface{}) {
	b.l.Debug(trim(format, args), logging.F("component", "badger"))
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {
	b.l.Debug(trim(format, args), logging.F("component", "badger"))
}

func trim(format string, args []interface{}) string {
	return strings.TrimSpace(fmt.Sprintf(format, args...))
}
