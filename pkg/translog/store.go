// Package translog implements the transfer log store: a durable, append-only
// record of every operation served to a client, backed by an embedded
// BadgerDB database.
//
// Entries are totally ordered by a monotonic sequence number assigned at
// append time and are never updated or deleted by the server. Compaction or
// retention, if ever needed, is an external concern.
package translog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// Operation identifies what a log entry records.
type Operation string

const (
	OpConnect    Operation = "CONNECT"
	OpDisconnect Operation = "DISCONNECT"
	OpList       Operation = "LIST"
	OpGet        Operation = "GET"
	OpPut        Operation = "PUT"
	OpRemove     Operation = "REMOVE"
	OpCut        Operation = "CUT"
)

// Outcome is the result of the logged operation.
type Outcome string

const (
	OutcomeOK     Outcome = "OK"
	OutcomeFailed Outcome = "FAILED"
)

// Entry is one immutable log record. Seq is assigned by Append and is
// strictly increasing for the lifetime of the database.
type Entry struct {
	Seq        uint64    `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
	Alias      string    `json:"alias"`
	Operation  Operation `json:"operation"`
	TargetPath string    `json:"target_path,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
}

// Filter narrows a Query. Zero values match everything.
type Filter struct {
	Alias     string
	Operation Operation
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Key namespace:
//
//	Data Type   Prefix   Key Format            Value
//	=====================================================
//	Log entry   "log:"   log:<8-byte BE seq>   Entry (JSON)
//
// Big-endian sequence keys make Badger's lexicographic iteration order equal
// insertion order, so Query never has to sort.
var keyPrefix = []byte("log:")

// seqKey is the Badger sequence used to allocate entry numbers.
var seqKey = []byte("seq:log")

// Store is the BadgerDB-backed transfer log. Safe for concurrent use;
// Badger serializes the underlying writes and each Append is one
// transaction.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Open opens (or creates) the log database at path. With syncWrites set,
// every Append is fsynced before it returns, which is what the server uses;
// tests may trade durability for speed.
func Open(path string, syncWrites bool) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None) // entries are tiny
	opts = opts.WithSyncWrites(syncWrites)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open translog at %s: %w", path, err)
	}

	// Bandwidth 1 keeps sequence numbers dense across restarts; log volume
	// is far too low for lease batching to matter.
	seq, err := db.GetSequence(seqKey, 1)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open translog sequence: %w", err)
	}

	return &Store{db: db, seq: seq}, nil
}

// Append durably writes one entry and returns it with its assigned
// sequence number. The write is atomic: readers either see the whole entry
// or nothing.
func (s *Store) Append(ctx context.Context, entry Entry) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	seq, err := s.seq.Next()
	if err != nil {
		return Entry{}, fmt.Errorf("allocate log sequence: %w", err)
	}
	entry.Seq = seq
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	value, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal log entry: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(seq), value)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("append log entry %d: %w", seq, err)
	}
	return entry, nil
}

// Query returns entries matching filter in insertion order.
func (s *Store) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	var entries []Entry

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var entry Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return fmt.Errorf("decode log entry: %w", err)
			}

			if !filter.matches(entry) {
				continue
			}
			entries = append(entries, entry)
			if filter.Limit > 0 && len(entries) >= filter.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Close releases the sequence lease and closes the database.
func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return fmt.Errorf("release translog sequence: %w", err)
	}
	return s.db.Close()
}

func (f Filter) matches(e Entry) bool {
	if f.Alias != "" && e.Alias != f.Alias {
		return false
	}
	if f.Operation != "" && e.Operation != f.Operation {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

func entryKey(seq uint64) []byte {
	key := make([]byte, len(keyPrefix)+8)
	copy(key, keyPrefix)
	binary.BigEndian.PutUint64(key[len(keyPrefix):], seq)
	return key
}
