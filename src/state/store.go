// Package state is the durable key/value store behind retention, cooldown,
// and "last known good" queries. It wraps BadgerDB so every call runs in its
// own transaction; concurrent callers never observe a partial write.
package state

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Error wraps a state store failure. Operations treat these as fatal: the
// system must not proceed without durable state recording.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("state %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("state %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsStateError reports whether err originated in the state store.
func IsStateError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

// KV is one key/value pair returned by ListPrefix.
type KV struct {
	Key   string
	Value string
}

// Store is a flat, ordered, string-keyed mapping on BadgerDB.
type Store struct {
	db *badger.DB
}

// Open opens (creating if needed) the store at dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{logger})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a throwaway store for tests.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(badgerLogger{nil})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return &Error{Op: "close", Err: err}
	}
	return nil
}

// Get returns the value for key and whether it was present.
func (s *Store) Get(key string) (string, bool, error) {
	var value string
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		value = string(raw)
		found = true
		return nil
	})
	if err != nil {
		return "", false, &Error{Op: "get", Key: key, Err: err}
	}
	return value, found, nil
}

// Set writes key=value in a single transaction.
func (s *Store) Set(key, value string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
	if err != nil {
		return &Error{Op: "set", Key: key, Err: err}
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return &Error{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// ListPrefix returns all pairs whose key starts with prefix, in key order.
func (s *Store) ListPrefix(prefix string) ([]KV, error) {
	var out []KV
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, KV{Key: string(item.Key()), Value: string(raw)})
		}
		return nil
	})
	if err != nil {
		return nil, &Error{Op: "list", Key: prefix, Err: err}
	}
	return out, nil
}

// SetTime stores a timestamp as RFC 3339 with nanoseconds.
func (s *Store) SetTime(key string, t time.Time) error {
	return s.Set(key, t.UTC().Format(time.RFC3339Nano))
}

// GetTime reads a timestamp written by SetTime.
func (s *Store) GetTime(key string) (time.Time, bool, error) {
	raw, ok, err := s.Get(key)
	if err != nil || !ok {
		return time.Time{}, ok, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, &Error{Op: "get", Key: key, Err: err}
	}
	return t, true, nil
}

// SetInt stores an integer value.
func (s *Store) SetInt(key string, v int64) error {
	return s.Set(key, strconv.FormatInt(v, 10))
}

// GetInt reads an integer written by SetInt.
func (s *Store) GetInt(key string) (int64, bool, error) {
	raw, ok, err := s.Get(key)
	if err != nil || !ok {
		return 0, ok, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, &Error{Op: "get", Key: key, Err: err}
	}
	return v, true, nil
}

// badgerLogger routes badger's internal logging to slog, or discards it when
// no logger is configured (tests).
type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	if b.l != nil {
		b.l.Error(fmt.Sprintf(format, args...))
	}
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	if b.l != nil {
		b.l.Warn(fmt.Sprintf(format, args...))
	}
}

func (b badgerLogger) Infof(format string, args ...interface{}) {
	if b.l != nil {
		b.l.Debug(fmt.Sprintf(format, args...))
	}
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {
	if b.l != nil {
		b.l.Debug(fmt.Sprintf(format, args...))
	}
}
