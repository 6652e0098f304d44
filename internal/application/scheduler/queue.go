package scheduler

import (
	"container/heap"
)

// readyQueue orders tasks by priority, highest first, then by creation
// sequence within a priority band
type readyQueue []*taskState

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	a, b := q[i].task, q[j].task
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Sequence < b.Sequence
}

func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *readyQueue) Push(x interface{}) {
	st := x.(*taskState)
	st.index = len(*q)
	*q = append(*q, st)
}

func (q *readyQueue) Pop() interface{} {
	old := *q
	n := len(old)
	st := old[n-1]
	old[n-1] = nil
	st.index = -1
	*q = old[:n-1]
	return st
}

func (q *readyQueue) push(st *taskState) {
	heap.Push(q, st)
}

func (q *readyQueue) pop() *taskState {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*taskState)
}

func (q *readyQueue) remove(st *taskState) {
	if st.index >= 0 && st.index < q.Len() && (*q)[st.index] == st {
		heap.Remove(q, st.index)
	}
}
