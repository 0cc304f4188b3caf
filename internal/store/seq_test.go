package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitSeq(t *testing.T) {
	var s commitSeq
	assert.Zero(t, s.head())
	assert.Equal(t, int64(1), s.stamp())
	assert.Equal(t, int64(2), s.stamp())
	assert.Equal(t, int64(2), s.head())

	s.catchUp(1)
	assert.Equal(t, int64(2), s.head(), "a store behind the head changes nothing")
	s.catchUp(40)
	assert.Equal(t, int64(41), s.stamp())
}

func TestCommitSeq_ConcurrentStampsAreUnique(t *testing.T) {
	var s commitSeq
	var mu sync.Mutex
	stamps := map[int64]bool{}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				n := s.stamp()
				mu.Lock()
				stamps[n] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, stamps, 800)
	assert.Equal(t, int64(800), s.head())
}
