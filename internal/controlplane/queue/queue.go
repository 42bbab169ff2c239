// Package queue orders pending work items by urgency tier and arrival.
package queue

import (
	"github.com/VerteraIO/agentplane/internal/controlplane/tasks"
)

// PriorityQueue keeps work items sorted by tier ascending, FIFO within a
// tier. Enqueue is an ordered insert (O(n)); Peek and Dequeue are O(1).
//
// PriorityQueue is not safe for concurrent use; the engine serializes access.
type PriorityQueue struct {
	items []tasks.WorkItem
}

func New() *PriorityQueue {
	return &PriorityQueue{}
}

// Enqueue inserts item after every queued item of the same or a more urgent
// tier. Out-of-range tiers are treated as tasks.DefaultUrgency.
func (q *PriorityQueue) Enqueue(item tasks.WorkItem) {
	if !item.Urgency.Valid() {
		item.Urgency = tasks.DefaultUrgency
	}
	// Scan from the tail: new items usually land at or near the end of their tier.
	i := len(q.items)
	for i > 0 && q.items[i-1].Urgency > item.Urgency {
		i--
	}
	q.items = append(q.items, tasks.WorkItem{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = item
}

// Peek returns the head without removing it.
func (q *PriorityQueue) Peek() (tasks.WorkItem, bool) {
	if len(q.items) == 0 {
		return tasks.WorkItem{}, false
	}
	return q.items[0], true
}

// Dequeue removes and returns the most urgent, oldest item.
func (q *PriorityQueue) Dequeue() (tasks.WorkItem, bool) {
	if len(q.items) == 0 {
		return tasks.WorkItem{}, false
	}
	head := q.items[0]
	q.items[0] = tasks.WorkItem{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return head, true
}

func (q *PriorityQueue) Len() int { return len(q.items) }

// Contains reports whether an item with the given id is queued.
func (q *PriorityQueue) Contains(id string) bool {
	return q.indexOf(id) >= 0
}

// Remove deletes the item with the given id, preserving the order of the rest.
func (q *PriorityQueue) Remove(id string) (tasks.WorkItem, bool) {
	i := q.indexOf(id)
	if i < 0 {
		return tasks.WorkItem{}, false
	}
	item := q.items[i]
	q.items = append(q.items[:i], q.items[i+1:]...)
	return item, true
}

// Items returns a copy of the queue in dequeue order.
func (q *PriorityQueue) Items() []tasks.WorkItem {
	out := make([]tasks.WorkItem, len(q.items))
	copy(out, q.items)
	return out
}

func (q *PriorityQueue) indexOf(id string) int {
	for i := range q.items {
		if q.items[i].ID == id {
			return i
		}
	}
	return -1
}
