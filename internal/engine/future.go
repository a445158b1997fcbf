package engine

import "sort"

// Handle identifies a scheduled future entry for cancellation.
type Handle uint64

// futureEntry is a deferred self-invocation keyed by
// (fireAt, insertionSeq). Insertion order breaks fire-time ties so
// draining is deterministic across participants.
type futureEntry struct {
	fireAt       uint64
	insertionSeq uint64
	objectID     string
	method       string
	args         []byte
	handle       Handle
	canceled     bool
	index        int
}

type futureQueue []*futureEntry

func (q futureQueue) Len() int { return len(q) }

func (q futureQueue) Less(i, j int) bool {
	if q[i].fireAt != q[j].fireAt {
		return q[i].fireAt < q[j].fireAt
	}
	return q[i].insertionSeq < q[j].insertionSeq
}

func (q futureQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *futureQueue) Push(x any) {
	entry := x.(*futureEntry)
	entry.index = len(*q)
	*q = append(*q, entry)
}

func (q *futureQueue) Pop() any {
	old := *q
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*q = old[:n-1]
	return entry
}

func (q futureQueue) peek() *futureEntry {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

// ordered returns the queue contents in firing order without mutating the
// heap. Used for snapshot serialization.
func (q futureQueue) ordered() []*futureEntry {
	out := make([]*futureEntry, len(q))
	copy(out, q)
	sort.Slice(out, func(i, j int) bool {
		if out[i].fireAt != out[j].fireAt {
			return out[i].fireAt < out[j].fireAt
		}
		return out[i].insertionSeq < out[j].insertionSeq
	})
	return out
}
