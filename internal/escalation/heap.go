package escalation

import "time"

// Kind is what a queue entry does when it fires.
type Kind int

const (
	KindEscalate Kind = iota
	KindExpire
)

func (k Kind) String() string {
	if k == KindExpire {
		return "expire"
	}
	return "escalate"
}

type entry struct {
	fireAt    time.Time
	seq       uint64
	requestID string
	kind      Kind
	tier      int
	index     int
}

// entryHeap orders entries by fire time, then by insertion order.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].fireAt.Before(h[j].fireAt)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
