// Package jobs implements the priority-scheduled registry and worker
// engine driving long-running server operations to completion.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package jobs

import "container/heap"

// pendingQueue is a max-heap of Pending handles ordered by priority. A
// priority edit on an already-heaped handle rebuilds the whole heap rather
// than doing a decrease/increase-key fix-up; callers must not rely on FIFO
// order among equal priorities.
type pendingQueue struct {
	items []*handle
}

func (q *pendingQueue) Len() int { return len(q.items) }

func (q *pendingQueue) Less(i, j int) bool { return q.items[i].priority > q.items[j].priority }

func (q *pendingQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *pendingQueue) Push(x interface{}) { q.items = append(q.items, x.(*handle)) }

func (q *pendingQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	h := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return h
}

func (q *pendingQueue) push(h *handle) { heap.Push(q, h) }

func (q *pendingQueue) pop() *handle { return heap.Pop(q).(*handle) }

func (q *pendingQueue) empty() bool { return len(q.items) == 0 }

// rebuild restores heap order in place after a priority edit.
func (q *pendingQueue) rebuild() { heap.Init(q) }

// remove drops the handle with the given id, used by Pause/Cancel on a
// still-pending job.
func (q *pendingQueue) remove(id string) bool {
	for i, h := range q.items {
		if h.id == id {
			heap.Remove(q, i)
			return true
		}
	}
	return false
}
