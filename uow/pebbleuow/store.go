// Package pebbleuow stores versioned values in Pebble and writes them through
// units of work. Every value carries a version; a Batch only commits if the
// versions it expects still match, otherwise it fails with
// uow.ErrConcurrencyConflict.
package pebbleuow

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/fxsml/microprocessor/uow"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.New("pebbleuow: not found")

// ErrCorrupt is returned for stored values without a version header.
var ErrCorrupt = errors.New("pebbleuow: corrupt value")

const versionSize = 8

// Store is a versioned key-value store on top of a Pebble database.
type Store struct {
	db    *pebble.DB
	owned bool

	// mu serializes batch commits so version checks and writes are atomic.
	mu sync.Mutex
}

// Open opens or creates the database in dir.
func Open(dir string, opts *pebble.Options) (*Store, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("pebbleuow: open %s: %w", dir, err)
	}
	return &Store{db: db, owned: true}, nil
}

// New wraps an open database. Close leaves db open.
func New(db *pebble.DB) *Store {
	return &Store{db: db}
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if s == nil || s.db == nil || !s.owned {
		return nil
	}
	return s.db.Close()
}

// Get returns the value and version stored under key.
func (s *Store) Get(key []byte) ([]byte, uint64, error) {
	raw, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	defer closer.Close()
	return decode(raw)
}

// Version returns the version of key, 0 if it does not exist.
func (s *Store) Version(key []byte) (uint64, error) {
	_, version, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	return version, err
}

// Begin starts a batch of writes.
func (s *Store) Begin() *Batch {
	return &Batch{store: s}
}

func decode(raw []byte) ([]byte, uint64, error) {
	if len(raw) < versionSize {
		return nil, 0, ErrCorrupt
	}
	version := binary.BigEndian.Uint64(raw[:versionSize])
	value := make([]byte, len(raw)-versionSize)
	copy(value, raw[versionSize:])
	return value, version, nil
}

func encode(value []byte, version uint64) []byte {
	raw := make([]byte, versionSize+len(value))
	binary.BigEndian.PutUint64(raw, version)
	copy(raw[versionSize:], value)
	return raw
}

type write struct {
	key      []byte
	value    []byte
	expected uint64
	delete   bool
}

// Batch collects writes and commits them atomically when flushed. It
// implements uow.UnitOfWork.
type Batch struct {
	store *Store

	mu     sync.Mutex
	writes []write
}

var _ uow.UnitOfWork = (*Batch)(nil)

// Put stores value under key. expectedVersion is the version the key must
// still have at commit time, 0 for a key that must not exist yet.
func (b *Batch) Put(key, value []byte, expectedVersion uint64) {
	b.add(write{key: clone(key), value: clone(value), expected: expectedVersion})
}

// Delete removes key if it still has expectedVersion at commit time.
func (b *Batch) Delete(key []byte, expectedVersion uint64) {
	b.add(write{key: clone(key), expected: expectedVersion, delete: true})
}

func (b *Batch) add(w write) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes = append(b.writes, w)
}

// Len returns the number of pending writes.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.writes)
}

// RequiresFlush reports whether the batch holds uncommitted writes.
func (b *Batch) RequiresFlush() bool {
	return b.Len() > 0
}

// Flush checks the expected versions and commits all writes in one Pebble
// batch. Versions of written keys are incremented. Committed writes are
// dropped, so the batch can collect and flush further writes.
func (b *Batch) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.writes) == 0 {
		return nil
	}

	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	versions := make(map[string]uint64, len(b.writes))
	for _, w := range b.writes {
		current, ok := versions[string(w.key)]
		if !ok {
			v, err := s.Version(w.key)
			if err != nil {
				return err
			}
			current = v
		}
		if current != w.expected {
			return fmt.Errorf("%w: key %q has version %d, expected %d",
				uow.ErrConcurrencyConflict, w.key, current, w.expected)
		}
		if w.delete {
			if err := batch.Delete(w.key, nil); err != nil {
				return err
			}
			versions[string(w.key)] = 0
			continue
		}
		if err := batch.Set(w.key, encode(w.value, current+1), nil); err != nil {
			return err
		}
		versions[string(w.key)] = current + 1
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebbleuow: commit: %w", err)
	}
	b.writes = nil
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
