package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/zeebo/blake3"
)

const checksumSize = 32

// badger refuses values above its value threshold (1 MB) in in-memory mode
const maxInMemoryValue = 512 * 1024

type chunkLock struct {
	sync.RWMutex
	refs int
}

// Read a region of the array. T must match the array's dtype.
// Chunks that have never been written read as zero.
func Read[T Element](ctx context.Context, a *Array, r Region) ([]T, error) {
	if err := a.checkRegion(r); err != nil {
		return nil, err
	}
	out := make([]T, r.Volume())
	if err := ReadInto(ctx, a, r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadInto is Read with a caller supplied buffer, which must have exactly r.Volume() elements
func ReadInto[T Element](ctx context.Context, a *Array, r Region, out []T) error {
	if err := checkElement[T](a); err != nil {
		return err
	}
	if err := a.checkRegion(r); err != nil {
		return err
	}
	if len(out) != r.Volume() {
		return fmt.Errorf("%w: buffer of %v elements for region %v", ErrShapeMismatch, len(out), r)
	}

	s := a.store
	chunks := a.chunksOf(r)
	keys := a.keysOf(chunks)
	unlock := s.lockChunks(keys, false)
	defer unlock()

	es := a.dtype.Size()
	outStrides := strides(r.Shape())
	chunkStrides := strides(a.chunkShape)
	last := len(r.Start) - 1

	for i, c := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := s.loadChunk(keys[i], a.chunkBytes)
		if err != nil {
			return err
		}
		cr := a.chunkRegion(c)
		box, _ := r.intersect(cr)
		n := box.Stop[last] - box.Start[last]
		forEachRow(box, func(idx []int) {
			oo := offset(idx, r.Start, outStrides)
			if data == nil {
				clear(out[oo : oo+n])
				return
			}
			co := offset(idx, cr.Start, chunkStrides)
			decode(out[oo:oo+n], data[co*es:(co+n)*es])
		})
	}
	return nil
}

// Write a region of the array. len(data) must equal r.Volume(), and T must match the array's dtype.
// The write is atomic. If it fails, or ctx is cancelled before the commit, no chunk is modified.
func Write[T Element](ctx context.Context, a *Array, r Region, data []T) error {
	if err := checkElement[T](a); err != nil {
		return err
	}
	if err := a.checkRegion(r); err != nil {
		return err
	}
	if len(data) != r.Volume() {
		return fmt.Errorf("%w: %v elements for region %v of shape %v", ErrShapeMismatch, len(data), r, r.Shape())
	}

	s := a.store
	chunks := a.chunksOf(r)
	keys := a.keysOf(chunks)
	unlock := s.lockChunks(keys, true)
	defer unlock()

	es := a.dtype.Size()
	inStrides := strides(r.Shape())
	chunkStrides := strides(a.chunkShape)
	last := len(r.Start) - 1

	// Build every new chunk in fresh memory. Cached buffers are shared with readers, so they are never modified.
	updated := make([][]byte, len(chunks))
	for i, c := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		cr := a.chunkRegion(c)
		box, _ := r.intersect(cr)
		buf := make([]byte, a.chunkBytes)
		if !coversChunk(box, cr, a.shape) {
			old, err := s.loadChunk(keys[i], a.chunkBytes)
			if err != nil {
				return err
			}
			copy(buf, old)
		}
		n := box.Stop[last] - box.Start[last]
		forEachRow(box, func(idx []int) {
			so := offset(idx, r.Start, inStrides)
			co := offset(idx, cr.Start, chunkStrides)
			encode(buf[co*es:(co+n)*es], data[so:so+n])
		})
		updated[i] = buf
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for i, buf := range updated {
			for part, value := range s.chunkValues(buf) {
				if err := txn.Set([]byte(partKey(keys[i], part)), value); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrTxnTooBig) {
		return fmt.Errorf("%w: Write of region %v to '%v' touches too many chunks for one transaction", ErrStorageUnavailable, r, a.name)
	} else if err != nil {
		return fmt.Errorf("%w: Failed to write region %v to '%v': %v", ErrStorageUnavailable, r, a.name, err)
	}

	for i, buf := range updated {
		s.cachePut(keys[i], buf)
	}
	return nil
}

func checkElement[T Element](a *Array) error {
	if dt := DTypeOf[T](); dt != a.dtype {
		return fmt.Errorf("%w: %v buffer for %v array '%v'", ErrShapeMismatch, dt, a.dtype, a.name)
	}
	return nil
}

// coversChunk is true if box covers every in-bounds element of the chunk
func coversChunk(box, chunk Region, shape []int) bool {
	for i := range box.Start {
		if box.Start[i] != chunk.Start[i] || box.Stop[i] != min(chunk.Stop[i], shape[i]) {
			return false
		}
	}
	return true
}

func (a *Array) keysOf(chunks []chunkCoord) []string {
	keys := make([]string, len(chunks))
	for i, c := range chunks {
		keys[i] = a.chunkKey(c)
	}
	return keys
}

// lockChunks takes a lock on every key, in ascending key order.
// Keys must already be sorted, which chunksOf guarantees.
func (s *Store) lockChunks(keys []string, exclusive bool) (unlock func()) {
	if !slices.IsSorted(keys) {
		panic("chunk keys must be sorted before locking")
	}
	s.locksLock.Lock()
	locks := make([]*chunkLock, len(keys))
	for i, k := range keys {
		l := s.chunkLocks[k]
		if l == nil {
			l = &chunkLock{}
			s.chunkLocks[k] = l
		}
		l.refs++
		locks[i] = l
	}
	s.locksLock.Unlock()

	for _, l := range locks {
		if exclusive {
			l.Lock()
		} else {
			l.RLock()
		}
	}

	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			if exclusive {
				locks[i].Unlock()
			} else {
				locks[i].RUnlock()
			}
		}
		s.locksLock.Lock()
		for i, k := range keys {
			locks[i].refs--
			if locks[i].refs == 0 {
				delete(s.chunkLocks, k)
			}
		}
		s.locksLock.Unlock()
	}
}

// loadChunk returns the raw bytes of a chunk, or nil if the chunk has never been written.
// The returned slice must not be modified.
func (s *Store) loadChunk(key string, size int) ([]byte, error) {
	s.cacheLock.Lock()
	if v, ok := s.cache.Get(key); ok {
		s.hits++
		s.cacheLock.Unlock()
		return v.([]byte), nil
	}
	s.misses++
	s.cacheLock.Unlock()

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		if value, err = item.ValueCopy(nil); err != nil {
			return err
		}
		// Chunks that don't fit into a single value continue in numbered parts
		for part := 1; len(value) < checksumSize+size; part++ {
			item, err := txn.Get([]byte(partKey(key, part)))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("Part %v is missing", part)
			} else if err != nil {
				return err
			}
			if err := item.Value(func(v []byte) error {
				value = append(value, v...)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("%w: Failed to read chunk '%v': %v", ErrStorageUnavailable, key, err)
	}

	if len(value) != checksumSize+size {
		return nil, fmt.Errorf("%w: Chunk '%v' has %v bytes, expected %v", ErrStorageUnavailable, key, len(value), checksumSize+size)
	}
	data := value[checksumSize:]
	sum := blake3.Sum256(data)
	if !bytes.Equal(sum[:], value[:checksumSize]) {
		return nil, fmt.Errorf("%w: Chunk '%v' is corrupt", ErrStorageUnavailable, key)
	}

	s.cachePut(key, data)
	return data, nil
}

// chunkValues returns the badger values of a chunk: its checksum followed by its bytes,
// split into parts when the store has a value size limit.
func (s *Store) chunkValues(buf []byte) [][]byte {
	sum := blake3.Sum256(buf)
	value := make([]byte, 0, checksumSize+len(buf))
	value = append(value, sum[:]...)
	value = append(value, buf...)
	if !s.settings.InMemory {
		return [][]byte{value}
	}
	parts := [][]byte{}
	for len(value) > maxInMemoryValue {
		parts = append(parts, value[:maxInMemoryValue])
		value = value[maxInMemoryValue:]
	}
	return append(parts, value)
}

// partKey is the badger key of part n of a chunk. Part 0 is the chunk key itself.
func partKey(key string, n int) string {
	if n == 0 {
		return key
	}
	return fmt.Sprintf("%v~%04d", key, n)
}

func (s *Store) cachePut(key string, data []byte) {
	s.cacheLock.Lock()
	defer s.cacheLock.Unlock()
	// Remove first, so that OnEvicted keeps the byte count honest
	s.cache.Remove(key)
	s.cache.Add(key, data)
	s.cacheBytes += int64(len(data))
	for s.cacheBytes > s.settings.CacheBytes && s.cache.Len() != 0 {
		s.cache.RemoveOldest()
	}
}

// forEachRow calls fn with the starting index of every contiguous run along the last axis of box.
// idx is reused between calls.
func forEachRow(box Region, fn func(idx []int)) {
	idx := slices.Clone(box.Start)
	last := len(idx) - 1
	for {
		fn(idx)
		d := last - 1
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < box.Stop[d] {
				break
			}
			idx[d] = box.Start[d]
		}
		if d < 0 {
			return
		}
	}
}

func offset(idx, origin, strides []int) int {
	o := 0
	for i := range idx {
		o += (idx[i] - origin[i]) * strides[i]
	}
	return o
}
