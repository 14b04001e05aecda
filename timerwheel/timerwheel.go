// Package timerwheel implements the timer wheel (C10): a single hierarchical
// collection of expiring callbacks shared by fragment reassembly and
// conntrack idle eviction, run from one dedicated timer goroutine per
// process (5: "one timer thread").
package timerwheel

import (
	"container/heap"
	"sync"
	"time"
)

// Timer is an opaque handle returned by Alloc. Callbacks fire on the
// wheel's timer goroutine; they must be reentrant with respect to whatever
// conntrack entry they touch, acquiring that entry's lock themselves (4.6).
type Timer struct {
	cb func()

	mu         sync.Mutex
	generation uint64
	active     bool
	deadline   time.Time
}

type heapEntry struct {
	timer      *Timer
	generation uint64
	deadline   time.Time
}

type timerHeap []*heapEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*heapEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Wheel is the process-wide timer collection. Construct one with NewWheel
// and Stop it at process shutdown.
type Wheel struct {
	mu   sync.Mutex
	h    timerHeap
	wake chan struct{}
	done chan struct{}
	now  func() time.Time
}

// NewWheel starts the timer goroutine and returns a ready-to-use Wheel.
func NewWheel() *Wheel {
	w := &Wheel{
		h:    make(timerHeap, 0),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		now:  time.Now,
	}
	go w.run()
	return w
}

// Alloc allocates a new, unqueued timer bound to cb. Queue must be called
// before it will ever fire.
func (w *Wheel) Alloc(cb func()) *Timer {
	return &Timer{cb: cb}
}

// Queue arms t to fire secondsFromNow seconds in the future. Calling Queue
// on an already-queued timer re-anchors it to the new deadline, superseding
// any earlier pending firing (4.6, testable property 7).
func (w *Wheel) Queue(t *Timer, secondsFromNow float64) {
	t.mu.Lock()
	t.generation++
	t.active = true
	deadline := w.now().Add(time.Duration(secondsFromNow * float64(time.Second)))
	t.deadline = deadline
	gen := t.generation
	t.mu.Unlock()

	entry := &heapEntry{timer: t, generation: gen, deadline: deadline}
	w.mu.Lock()
	heap.Push(&w.h, entry)
	earliest := w.h[0] == entry
	w.mu.Unlock()

	if earliest {
		w.signal()
	}
}

// Dequeue cancels t. Any already-queued heap entries for t's prior
// generation are skipped lazily when popped.
func (w *Wheel) Dequeue(t *Timer) {
	t.mu.Lock()
	t.generation++
	t.active = false
	t.mu.Unlock()
}

// Cleanup releases t permanently: it is dequeued and its callback detached
// so it can never fire again, even if a stale heap entry is still pending.
func (w *Wheel) Cleanup(t *Timer) {
	w.Dequeue(t)
	t.mu.Lock()
	t.cb = nil
	t.mu.Unlock()
}

// Stop closes the channel the timer goroutine exits on and returns without
// waiting for it: a callback already running, or due in a firing pass
// under way, can still run after Stop returns.
func (w *Wheel) Stop() {
	close(w.done)
}

func (w *Wheel) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Wheel) run() {
	for {
		w.mu.Lock()
		var sleep time.Duration
		hasNext := len(w.h) > 0
		if hasNext {
			sleep = w.h[0].deadline.Sub(w.now())
		}
		w.mu.Unlock()

		var timerC <-chan time.Time
		if hasNext {
			if sleep < 0 {
				sleep = 0
			}
			timerC = time.After(sleep)
		}

		select {
		case <-w.done:
			return
		case <-w.wake:
			continue
		case <-timerC:
			w.fireDue()
		}
	}
}

func (w *Wheel) fireDue() {
	now := w.now()
	for {
		w.mu.Lock()
		if len(w.h) == 0 || w.h[0].deadline.After(now) {
			w.mu.Unlock()
			return
		}
		entry := heap.Pop(&w.h).(*heapEntry)
		w.mu.Unlock()

		entry.timer.mu.Lock()
		stale := entry.generation != entry.timer.generation || !entry.timer.active
		cb := entry.timer.cb
		if !stale {
			entry.timer.active = false
		}
		entry.timer.mu.Unlock()

		if !stale && cb != nil {
			cb()
		}
	}
}
