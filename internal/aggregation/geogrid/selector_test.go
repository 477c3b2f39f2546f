package geogrid

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidatesOf(pairs ...kc) map[CellKey]*Bucket {
	m := make(map[CellKey]*Bucket, len(pairs))
	for _, p := range pairs {
		m[p.key] = NewBucket(p.key, p.count, nil)
	}
	return m
}

func keysOf(bs []*Bucket) []kc {
	out := make([]kc, len(bs))
	for i, b := range bs {
		out[i] = kc{b.Key(), b.DocCount()}
	}
	return out
}

func TestSelectTop_SortPath(t *testing.T) {
	got := selectTop(candidatesOf(kc{1, 5}, kc{2, 7}, kc{3, 5}), 3)
	assert.Equal(t, []kc{{2, 7}, {3, 5}, {1, 5}}, keysOf(got))
}

func TestSelectTop_HeapPathMatchesSortPath(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	candidates := make(map[CellKey]*Bucket)
	for i := 0; i < 500; i++ {
		k := CellKey(rng.Int63n(1 << 20))
		candidates[k] = NewBucket(k, rng.Int63n(20), nil)
	}

	for _, size := range []int{1, 3, 10, 50} {
		require.Less(t, size, len(candidates)/heapThreshold, "size %d must take the heap path", size)
		heapPicked := selectTop(candidates, size)

		all := selectTop(candidates, len(candidates))
		assert.Equal(t, keysOf(all[:size]), keysOf(heapPicked), "size %d", size)
	}
}

func TestSelectTop_NonPositiveSize(t *testing.T) {
	c := candidatesOf(kc{1, 1})
	assert.Empty(t, selectTop(c, 0))
	assert.Empty(t, selectTop(c, -3))
	assert.NotNil(t, selectTop(c, 0))
}

func TestSelectTop_HugeSize(t *testing.T) {
	got := selectTop(candidatesOf(kc{1, 1}, kc{2, 2}), int(^uint(0)>>1))
	assert.Equal(t, []kc{{2, 2}, {1, 1}}, keysOf(got))
}

func TestMergeBuckets_ConservesCountsBeforeTruncation(t *testing.T) {
	a := grid("cells", 1, kc{1, 10})
	b := grid("cells", 1, kc{2, 9})
	c := grid("cells", 1, kc{2, 9})

	merged, err := mergeBuckets([]*GridResult{a, b, c}, true)
	require.NoError(t, err)

	require.Len(t, merged, 2)
	assert.Equal(t, int64(10), merged[1].DocCount())
	assert.Equal(t, int64(18), merged[2].DocCount())
}
