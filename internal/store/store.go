// Package store persists the users and messages collections as JSON
// documents in an embedded BadgerDB database.
//
// Keys are prefixed per collection:
//
//	users/<nicknameLower>                 unique index on the folded nickname
//	messages/<unix nanos, 19 digits>/<id> lexicographic order equals time order
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/Tyrowin/twis/internal/logging"
	"github.com/Tyrowin/twis/internal/metrics"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a write violates the unique nickname
	// index, including when it loses a race against a concurrent write.
	ErrConflict = errors.New("store: conflict")

	// ErrUnavailable is returned by every operation of a store whose
	// database could not be opened.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store is the document store shared by the auth service and the relay.
// All methods are safe for concurrent use.
type Store struct {
	db      *badger.DB
	openErr error
}

// Open opens (or creates) the database at path. When inMemory is set the
// path is ignored and nothing is written to disk.
func Open(path string, inMemory bool) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{})
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(badgerLogger{})
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store at %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Unavailable returns a Store whose operations all fail with ErrUnavailable.
// The server keeps running on it when the database cannot be opened, so
// requests fail one by one instead of the process halting.
func Unavailable(cause error) *Store {
	if cause == nil {
		cause = errors.New("no database")
	}
	return &Store{openErr: cause}
}

// Close releases the database. It is a no-op on an unavailable store.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db == nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, s.openErr)
	}
	return nil
}

func storageFailure(operation string, err error) error {
	metrics.StoreErrors.WithLabelValues(operation).Inc()
	return fmt.Errorf("%s: %w", operation, err)
}

// badgerLogger routes badger's internal logging through zerolog.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	logging.Error().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	logging.Warn().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	logging.Debug().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	logging.Debug().Str("component", "badger").Msgf(format, args...)
}
