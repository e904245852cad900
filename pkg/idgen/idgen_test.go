package idgen

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocator(t *testing.T) {
	a := NewAllocator()
	id, err := a.Next()
	require.NoError(t, err)
	require.Equal(t, uint32(1), id)

	first, err := a.Reserve(10)
	require.NoError(t, err)
	require.Equal(t, uint32(2), first)
	require.Equal(t, uint32(11), a.Issued())

	// Separate allocators are independent
	b := NewAllocator()
	id, err = b.Next()
	require.NoError(t, err)
	require.Equal(t, uint32(1), id)
}

func TestAllocatorConcurrent(t *testing.T) {
	a := NewAllocator()
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[uint32]bool{}
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				id, err := a.Next()
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 8000)
	require.False(t, seen[0])
}

func TestAllocatorExhausted(t *testing.T) {
	a := NewAllocator()
	a.last.Store(math.MaxUint32 - 1)
	id, err := a.Next()
	require.NoError(t, err)
	require.Equal(t, uint32(math.MaxUint32), id)
	_, err = a.Next()
	require.ErrorIs(t, err, ErrExhausted)
	_, err = a.Reserve(5)
	require.ErrorIs(t, err, ErrExhausted)
	require.Equal(t, uint32(math.MaxUint32), a.Issued())
}
