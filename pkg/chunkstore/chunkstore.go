// Package chunkstore is a random access store for large N-dimensional arrays.
//
// Arrays are split into fixed-size chunks, which are persisted in a badger
// key/value database. Recently used chunks are retained in an LRU read cache
// that is bounded both by byte size and by slot count.
//
// Concurrency rules:
//   - Readers never block each other.
//   - A write holds exclusive locks on every chunk it touches, for its whole duration.
//   - All chunks of a single write are committed in one transaction, so a failed
//     or cancelled write leaves no trace.
package chunkstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/dgraph-io/badger/v4"
	"github.com/golang/groupcache/lru"
)

const inMemoryMemTableSize = 128 << 20

var ErrStorageUnavailable = errors.New("Storage unavailable")
var ErrShapeMismatch = errors.New("Shape mismatch")
var ErrArrayNotFound = errors.New("Array not found")
var ErrArrayExists = errors.New("Array already exists with a different geometry")

// Settings of a Store
type Settings struct {
	CacheBytes int64 // Upper bound on the bytes held by the read cache
	CacheSlots int   // Upper bound on the number of chunks held by the read cache
	InMemory   bool  // Don't touch the disk (for tests and scratch stores)
	SyncWrites bool  // fsync on every commit
}

func DefaultSettings() Settings {
	return Settings{
		CacheBytes: 256 * 1024 * 1024,
		CacheSlots: 4096,
	}
}

// Stats are read cache statistics
type Stats struct {
	Hits        int64
	Misses      int64
	BytesCached int64
	Slots       int
}

// Store is a collection of chunked arrays inside one database
type Store struct {
	log      logs.Log
	path     string
	settings Settings
	db       *badger.DB

	arraysLock sync.Mutex
	arrays     map[string]*Array

	locksLock  sync.Mutex
	chunkLocks map[string]*chunkLock

	cacheLock  sync.Mutex
	cache      *lru.Cache
	cacheBytes int64
	hits       int64
	misses     int64
}

// Open or create a store at path
func Open(log logs.Log, path string, settings Settings) (*Store, error) {
	var opts badger.Options
	if settings.InMemory {
		// Everything counts against the transaction limit when nothing goes to the value log,
		// so a larger memtable is needed to write a band of big chunks in one go.
		opts = badger.DefaultOptions("").WithInMemory(true).WithMemTableSize(inMemoryMemTableSize)
	} else {
		if err := os.MkdirAll(path, 0770); err != nil {
			return nil, fmt.Errorf("%w: Failed to create chunk store directory '%v': %v", ErrStorageUnavailable, path, err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(&badgerLogger{log: log}).WithSyncWrites(settings.SyncWrites)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: Failed to open chunk store '%v': %v", ErrStorageUnavailable, path, err)
	}

	s := &Store{
		log:        log,
		path:       path,
		settings:   settings,
		db:         db,
		arrays:     map[string]*Array{},
		chunkLocks: map[string]*chunkLock{},
		cache:      lru.New(max(settings.CacheSlots, 1)),
	}
	s.cache.OnEvicted = func(key lru.Key, value any) {
		s.cacheBytes -= int64(len(value.([]byte)))
	}
	return s, nil
}

func (s *Store) Close() error {
	s.cacheLock.Lock()
	s.cache.Clear()
	s.cacheBytes = 0
	s.cacheLock.Unlock()
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Stats() Stats {
	s.cacheLock.Lock()
	defer s.cacheLock.Unlock()
	return Stats{
		Hits:        s.hits,
		Misses:      s.misses,
		BytesCached: s.cacheBytes,
		Slots:       s.cache.Len(),
	}
}

// CreateArray creates a new array, or returns the existing array if one with
// identical geometry already exists.
func (s *Store) CreateArray(name string, shape, chunkShape []int, dtype DType) (*Array, error) {
	meta := arrayMeta{Shape: shape, ChunkShape: chunkShape, DType: dtype}
	if err := meta.validate(); err != nil {
		return nil, fmt.Errorf("Invalid array '%v': %w", name, err)
	}

	s.arraysLock.Lock()
	defer s.arraysLock.Unlock()

	existing, err := s.loadMeta(name)
	if err == nil {
		if !existing.equal(&meta) {
			return nil, fmt.Errorf("%w: '%v'", ErrArrayExists, name)
		}
		return s.cachedArray(name, existing), nil
	} else if !errors.Is(err, ErrArrayNotFound) {
		return nil, err
	}

	raw, _ := json.Marshal(&meta)
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(name), raw)
	}); err != nil {
		return nil, fmt.Errorf("%w: Failed to write metadata for '%v': %v", ErrStorageUnavailable, name, err)
	}
	return s.cachedArray(name, &meta), nil
}

// OpenArray opens an existing array
func (s *Store) OpenArray(name string) (*Array, error) {
	s.arraysLock.Lock()
	defer s.arraysLock.Unlock()
	if a := s.arrays[name]; a != nil {
		return a, nil
	}
	meta, err := s.loadMeta(name)
	if err != nil {
		return nil, err
	}
	return s.cachedArray(name, meta), nil
}

// DeleteArray removes an array and all of its chunks
func (s *Store) DeleteArray(name string) error {
	s.arraysLock.Lock()
	defer s.arraysLock.Unlock()
	delete(s.arrays, name)
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(metaKey(name))
	}); err != nil {
		return fmt.Errorf("%w: Failed to delete array '%v': %v", ErrStorageUnavailable, name, err)
	}
	if err := s.db.DropPrefix(chunkPrefix(name)); err != nil {
		return fmt.Errorf("%w: Failed to delete array '%v': %v", ErrStorageUnavailable, name, err)
	}
	// Chunk keys don't carry a generation number, so stale entries must go
	s.cacheLock.Lock()
	s.cache.Clear()
	s.cacheBytes = 0
	s.cacheLock.Unlock()
	return nil
}

// ArrayNames returns the names of all arrays in the store, sorted
func (s *Store) ArrayNames() ([]string, error) {
	names := []string{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(metaPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, string(it.Item().Key()[len(metaPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) cachedArray(name string, meta *arrayMeta) *Array {
	if a := s.arrays[name]; a != nil {
		return a
	}
	a := newArray(s, name, meta)
	s.arrays[name] = a
	return a
}

func (s *Store) loadMeta(name string) (*arrayMeta, error) {
	var meta arrayMeta
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: '%v'", ErrArrayNotFound, name)
	} else if err != nil {
		return nil, fmt.Errorf("%w: Failed to read metadata for '%v': %v", ErrStorageUnavailable, name, err)
	}
	return &meta, nil
}

// badgerLogger routes badger's internal logging into our log.
// Badger is chatty at Info level, so that gets demoted to Debug.
type badgerLogger struct {
	log logs.Log
}

func (b *badgerLogger) Errorf(f string, v ...any)   { b.log.Errorf("badger: "+f, v...) }
func (b *badgerLogger) Warningf(f string, v ...any) { b.log.Warnf("badger: "+f, v...) }
func (b *badgerLogger) Infof(f string, v ...any)    { b.log.Debugf("badger: "+f, v...) }
func (b *badgerLogger) Debugf(f string, v ...any)   { b.log.Debugf("badger: "+f, v...) }
