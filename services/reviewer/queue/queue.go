// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue implements the priority work queue that feeds the batch
// dispatcher.
//
// The queue is a binary min-heap ordered by (priority, lastProcessed) with
// ties broken by insertion order, so equal-priority items dequeue FIFO.
// All operations are O(log n) except DequeueBatch, which is O(n log n) for
// n dequeued items.
package queue

import (
	"container/heap"
	"sync"

	"github.com/AleutianAI/reviewloop/services/reviewer/datatypes"
)

// WorkQueue is a thread-safe priority queue of pending work items.
//
// A given item ID appears in the queue at most once; enqueueing a duplicate
// is rejected. Dequeuing from an empty queue returns an empty batch, not an
// error, and UpdatePriority on an absent item is a no-op.
//
// Thread Safety: Safe for concurrent use.
type WorkQueue struct {
	mu    sync.Mutex
	items itemHeap
	byID  map[string]*queuedItem
	seq   uint64
}

// queuedItem is a heap node wrapping a work item with its heap bookkeeping.
type queuedItem struct {
	item  datatypes.WorkItem
	seq   uint64
	index int
}

// New creates an empty WorkQueue.
func New() *WorkQueue {
	return &WorkQueue{byID: make(map[string]*queuedItem)}
}

// Enqueue adds an item to the queue.
//
// Outputs:
//   - bool: False if an item with the same ID is already queued (the queue
//     is left unchanged), true otherwise.
func (q *WorkQueue) Enqueue(item datatypes.WorkItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[item.ID]; exists {
		return false
	}

	qi := &queuedItem{item: item, seq: q.seq}
	q.seq++
	q.byID[item.ID] = qi
	heap.Push(&q.items, qi)
	enqueuedTotal.Inc()
	depth.Set(float64(q.items.Len()))
	return true
}

// DequeueBatch removes and returns up to n items in priority order.
//
// Returns an empty slice when the queue is empty or n <= 0.
func (q *WorkQueue) DequeueBatch(n int) []datatypes.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 {
		return nil
	}

	batch := make([]datatypes.WorkItem, 0, min(n, q.items.Len()))
	for len(batch) < n && q.items.Len() > 0 {
		qi := heap.Pop(&q.items).(*queuedItem)
		delete(q.byID, qi.item.ID)
		batch = append(batch, qi.item)
	}
	depth.Set(float64(q.items.Len()))
	return batch
}

// Peek returns the highest-priority item without removing it.
//
// Outputs:
//   - datatypes.WorkItem: The head item (zero value when empty).
//   - bool: False when the queue is empty.
func (q *WorkQueue) Peek() (datatypes.WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return datatypes.WorkItem{}, false
	}
	return q.items[0].item, true
}

// UpdatePriority changes the priority of a queued item and re-heapifies.
//
// Updating an item not present in the queue is a no-op, not an error.
//
// Outputs:
//   - bool: True if the item was found and updated.
func (q *WorkQueue) UpdatePriority(id string, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qi, ok := q.byID[id]
	if !ok {
		return false
	}
	qi.item.Priority = priority
	heap.Fix(&q.items, qi.index)
	return true
}

// Len returns the number of queued items.
func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Contains reports whether an item with the given ID is queued.
func (q *WorkQueue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[id]
	return ok
}

// itemHeap implements heap.Interface ordered by
// (priority, lastProcessed, insertion sequence).
type itemHeap []*queuedItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.item.Priority != b.item.Priority {
		return a.item.Priority < b.item.Priority
	}
	// Zero LastProcessed (never processed) sorts first; otherwise oldest first.
	if !a.item.LastProcessed.Equal(b.item.LastProcessed) {
		return a.item.LastProcessed.Before(b.item.LastProcessed)
	}
	return a.seq < b.seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	qi := x.(*queuedItem)
	qi.index = len(*h)
	*h = append(*h, qi)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	qi := old[n-1]
	old[n-1] = nil
	qi.index = -1
	*h = old[:n-1]
	return qi
}
