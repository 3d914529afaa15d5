package broker

import "container/heap"

// unitHeap orders pending units by niceness, then by submission sequence.
type unitHeap []*unit

var _ heap.Interface = (*unitHeap)(nil)

func (h unitHeap) Len() int { return len(h) }

func (h unitHeap) Less(i, j int) bool {
	if h[i].niceness != h[j].niceness {
		return h[i].niceness < h[j].niceness
	}
	return h[i].seq < h[j].seq
}

func (h unitHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *unitHeap) Push(x any) {
	u := x.(*unit)
	u.index = len(*h)
	*h = append(*h, u)
}

func (h *unitHeap) Pop() any {
	old := *h
	n := len(old)
	u := old[n-1]
	old[n-1] = nil // let the unit be collected
	u.index = -1
	*h = old[:n-1]
	return u
}
