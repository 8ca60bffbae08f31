package engine

import (
	"container/heap"
	"context"
	"sync"
)

// prioritySemaphore is a counting semaphore whose waiters are served in
// priority order: lower priority value first, FIFO among equal priorities.
// It bounds the number of tasks executing simultaneously process-wide while
// letting urgent work jump the queue.
type prioritySemaphore struct {
	mu      sync.Mutex
	slots   int
	waiters waiterHeap
	seq     uint64
}

type waiter struct {
	priority int
	seq      uint64
	ready    chan struct{}
	index    int
}

type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

func newPrioritySemaphore(slots int) *prioritySemaphore {
	if slots < 1 {
		slots = 1
	}
	return &prioritySemaphore{slots: slots}
}

// Acquire blocks until a slot is free or ctx is done. A cancelled waiter is
// removed from the queue; its slot is never consumed.
func (s *prioritySemaphore) Acquire(ctx context.Context, priority int) error {
	s.mu.Lock()
	if s.slots > 0 && s.waiters.Len() == 0 {
		s.slots--
		s.mu.Unlock()
		return nil
	}

	w := &waiter{priority: priority, seq: s.seq, ready: make(chan struct{})}
	s.seq++
	heap.Push(&s.waiters, w)
	s.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case <-w.ready:
			// Raced with Release: the slot was already handed to us; give
			// it back so it is not leaked.
			s.releaseLocked()
		default:
			if w.index >= 0 {
				heap.Remove(&s.waiters, w.index)
			}
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Release returns a slot, waking the highest-priority waiter if any.
func (s *prioritySemaphore) Release() {
	s.mu.Lock()
	s.releaseLocked()
	s.mu.Unlock()
}

func (s *prioritySemaphore) releaseLocked() {
	if s.waiters.Len() > 0 {
		w := heap.Pop(&s.waiters).(*waiter)
		close(w.ready)
		return
	}
	s.slots++
}

// Waiting returns the number of queued tasks.
func (s *prioritySemaphore) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.Len()
}
