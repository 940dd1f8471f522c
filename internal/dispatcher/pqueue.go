package dispatcher

import (
	"container/heap"

	"github.com/jorviizheng/thr/internal/dispatcher/exchange"
)

// pqItem is one entry in a blocked-queue or bus-reinject priority queue,
// ordered by ascending SchedulingScore (lower score runs first).
type pqItem struct {
	ex    *exchange.RequestExchange
	index int
}

// priorityQueue implements container/heap.Interface over pqItem, the
// spec's "bounded priority queue of exchanges" primitive, used both for
// per-counter blocked queues and per-endpoint bus-reinject queues.
type priorityQueue struct {
	items []*pqItem
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{}
}

func (pq *priorityQueue) Len() int { return len(pq.items) }

func (pq *priorityQueue) Less(i, j int) bool {
	return pq.items[i].ex.SchedulingScore() < pq.items[j].ex.SchedulingScore()
}

func (pq *priorityQueue) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
	pq.items[i].index = i
	pq.items[j].index = j
}

func (pq *priorityQueue) Push(x interface{}) {
	item := x.(*pqItem)
	item.index = len(pq.items)
	pq.items = append(pq.items, item)
}

func (pq *priorityQueue) Pop() interface{} {
	old := pq.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	pq.items = old[:n-1]
	return item
}

// push adds ex to the queue.
func (pq *priorityQueue) push(ex *exchange.RequestExchange) {
	heap.Push(pq, &pqItem{ex: ex})
}

// pop removes and returns the highest-priority exchange, or nil if empty.
func (pq *priorityQueue) pop() *exchange.RequestExchange {
	if pq.Len() == 0 {
		return nil
	}
	item := heap.Pop(pq).(*pqItem)
	return item.ex
}

// drain removes and returns every exchange currently queued, in ascending
// score order, emptying the queue.
func (pq *priorityQueue) drain() []*exchange.RequestExchange {
	out := make([]*exchange.RequestExchange, 0, pq.Len())
	for pq.Len() > 0 {
		out = append(out, pq.pop())
	}
	return out
}

// removeByRequestID drops the entry whose request id matches, if present.
func (pq *priorityQueue) removeByRequestID(id string) bool {
	for i, item := range pq.items {
		if item.ex.ID == id {
			heap.Remove(pq, i)
			return true
		}
	}
	return false
}
