package comm

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockPartition(t *testing.T) {
	// 10 indices over 4 ranks: contiguous, covering, non-overlapping.
	var covered []int64
	for r := 0; r < 4; r++ {
		lo, hi := BlockPartition(10, 4, r)
		for i := lo; i < hi; i++ {
			covered = append(covered, i)
		}
	}
	require.Len(t, covered, 10)
	for i, v := range covered {
		assert.Equal(t, int64(i), v)
	}

	// More ranks than work leaves some ranks empty but loses nothing.
	total := int64(0)
	for r := 0; r < 8; r++ {
		lo, hi := BlockPartition(3, 8, r)
		total += hi - lo
	}
	assert.Equal(t, int64(3), total)
}

func TestSelf(t *testing.T) {
	c := NewSelf()
	assert.Equal(t, 0, c.Rank())
	assert.Equal(t, 1, c.Size())
	b, err := c.Broadcast(0, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), b)
	g, err := c.Gather(0, []byte("y"))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("y")}, g)
}

func TestGroupBroadcast(t *testing.T) {
	const n = 4
	comms := NewGroup(n)
	root := n - 1

	var wg sync.WaitGroup
	results := make([][]byte, n)
	for r := 0; r < n; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			var payload []byte
			if r == root {
				payload = []byte("metadata")
			}
			got, err := comms[r].Broadcast(root, payload)
			require.NoError(t, err)
			results[r] = got
		}()
	}
	wg.Wait()
	for r := 0; r < n; r++ {
		assert.Equal(t, []byte("metadata"), results[r])
	}
}

func TestGroupGather(t *testing.T) {
	const n = 3
	comms := NewGroup(n)

	var wg sync.WaitGroup
	var rootResult [][]byte
	for r := 0; r < n; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := comms[r].Gather(0, []byte(fmt.Sprintf("rank-%d", r)))
			require.NoError(t, err)
			if r == 0 {
				rootResult = got
			} else {
				assert.Nil(t, got)
			}
		}()
	}
	wg.Wait()
	require.Len(t, rootResult, n)
	for r := 0; r < n; r++ {
		assert.Equal(t, []byte(fmt.Sprintf("rank-%d", r)), rootResult[r])
	}
}

func TestBadRoot(t *testing.T) {
	c := NewSelf()
	_, err := c.Broadcast(3, nil)
	assert.Error(t, err)
}
