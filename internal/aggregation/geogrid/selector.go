package geogrid

import (
	"container/heap"
	"slices"
)

// heapThreshold is the candidate/size ratio above which selectTop keeps a
// bounded heap instead of sorting every candidate.
const heapThreshold = 4

// selectTop ranks candidates (doc count descending, key descending) and
// returns at most size of them in final order. The rank order is total, so
// the result does not depend on map iteration order.
func selectTop(candidates map[CellKey]*Bucket, size int) []*Bucket {
	if size <= 0 || len(candidates) == 0 {
		return []*Bucket{}
	}

	if size < len(candidates)/heapThreshold {
		return topK(candidates, size)
	}

	out := make([]*Bucket, 0, len(candidates))
	for _, b := range candidates {
		out = append(out, b)
	}
	slices.SortFunc(out, compareRank)
	if len(out) > size {
		out = out[:size]
	}
	return out
}

// rankHeap is a min-heap on rank: the root is the worst bucket kept so far.
type rankHeap []*Bucket

func (h rankHeap) Len() int            { return len(h) }
func (h rankHeap) Less(i, j int) bool  { return h[j].ranksBefore(h[i]) }
func (h rankHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *rankHeap) Push(x interface{}) { *h = append(*h, x.(*Bucket)) }
func (h *rankHeap) Pop() interface{} {
	old := *h
	n := len(old)
	b := old[n-1]
	*h = old[:n-1]
	return b
}

func topK(candidates map[CellKey]*Bucket, k int) []*Bucket {
	h := make(rankHeap, 0, k)
	for _, b := range candidates {
		if h.Len() < k {
			heap.Push(&h, b)
			continue
		}
		if b.ranksBefore(h[0]) {
			h[0] = b
			heap.Fix(&h, 0)
		}
	}

	out := make([]*Bucket, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(*Bucket)
	}
	return out
}
