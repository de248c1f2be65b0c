package scheduler

import (
	"container/heap"

	"github.com/veranemoloko/attachment-fetcher/internal/domain"
)

// queue orders entries by priority, highest first, then by seq ascending.
// Fresh submissions take increasing seqs; retries take decreasing negative
// seqs so they run ahead of everything else in their priority bracket.
type queue []*entry

var _ heap.Interface = (*queue)(nil)

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

func (q *queue) push(e *entry) {
	heap.Push(q, e)
}

func (q *queue) pop() *entry {
	return heap.Pop(q).(*entry)
}

func (q *queue) remove(e *entry) bool {
	if e.index < 0 || e.index >= len(*q) || (*q)[e.index] != e {
		return false
	}
	heap.Remove(q, e.index)
	return true
}

func (q *queue) reprioritize(e *entry, p domain.Priority) {
	e.priority = p
	if e.index >= 0 && e.index < len(*q) && (*q)[e.index] == e {
		heap.Fix(q, e.index)
	}
}
