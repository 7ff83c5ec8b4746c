package oppqueue

import (
	"math/big"
	"time"
)

type entry[T any] struct {
	value    T
	priority *big.Int
	queuedAt time.Time
	seq      uint64
	retries  uint16
}

// itemHeap is a max-heap on priority, older items first on ties.
type itemHeap[T any] []*entry[T]

func (h itemHeap[T]) Len() int { return len(h) }

func (h itemHeap[T]) Less(i, j int) bool {
	if c := h[i].priority.Cmp(h[j].priority); c != 0 {
		return c > 0
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap[T]) Push(x any) {
	*h = append(*h, x.(*entry[T])) //nolint:forcetypeassert
}

func (h *itemHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// lowest returns the index of the lowest priority item, the oldest one on ties.
// Returns -1 on an empty heap.
func (h itemHeap[T]) lowest() int {
	idx := -1
	for i, e := range h {
		if idx < 0 {
			idx = i
			continue
		}
		c := e.priority.Cmp(h[idx].priority)
		if c < 0 || (c == 0 && e.seq < h[idx].seq) {
			idx = i
		}
	}
	return idx
}
