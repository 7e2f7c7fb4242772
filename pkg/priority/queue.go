// Package priority provides the two-lane queue feeding the pipeline:
// control traffic (cancel, flush, DTMF) rides the high lane ahead of
// media so an interrupt never waits behind buffered audio.
package priority

import (
	"sync"
	"sync/atomic"
)

type Stats struct {
	HighPush int64
	LowPush  int64
	HighPop  int64
	LowPop   int64
}

// PriorityQueue is a bounded two-lane queue with a single consumer.
// Pushes never block; Pop blocks until a frame arrives or the queue is
// closed.
type PriorityQueue struct {
	high chan any
	low  chan any
	done chan struct{}
	once sync.Once

	// streak counts consecutive high-lane pops. Single consumer, so a
	// plain int is fine.
	fairness int
	streak   int

	highPush atomic.Int64
	lowPush  atomic.Int64
	highPop  atomic.Int64
	lowPop   atomic.Int64
}

func New(highCap, lowCap, fairness int) *PriorityQueue {
	if fairness <= 0 {
		fairness = 3
	}
	return &PriorityQueue{
		high:     make(chan any, highCap),
		low:      make(chan any, lowCap),
		done:     make(chan struct{}),
		fairness: fairness,
	}
}

// TryPushHigh queues f on the control lane. False means the lane is
// full or the queue is closed; the caller decides whether to drop.
func (q *PriorityQueue) TryPushHigh(f any) bool {
	if q.closed() {
		return false
	}
	select {
	case q.high <- f:
		q.highPush.Add(1)
		return true
	default:
		return false
	}
}

// TryPushLow queues f on the media lane.
func (q *PriorityQueue) TryPushLow(f any) bool {
	if q.closed() {
		return false
	}
	select {
	case q.low <- f:
		q.lowPush.Add(1)
		return true
	default:
		return false
	}
}

// Pop returns the next frame, high lane first. After fairness
// consecutive high pops a ready low frame gets one slot, so a burst of
// control traffic cannot starve media indefinitely. Pop reports false
// once the queue is closed and drained.
func (q *PriorityQueue) Pop() (any, bool) {
	if q.fairness > 0 && q.streak >= q.fairness {
		select {
		case f := <-q.low:
			q.streak = 0
			q.lowPop.Add(1)
			return f, true
		default:
		}
	}
	select {
	case f := <-q.high:
		q.streak++
		q.highPop.Add(1)
		return f, true
	default:
	}
	select {
	case f := <-q.high:
		q.streak++
		q.highPop.Add(1)
		return f, true
	case f := <-q.low:
		q.streak = 0
		q.lowPop.Add(1)
		return f, true
	case <-q.done:
		return q.popLeftover()
	}
}

// popLeftover empties the backlog after Close so frames already queued
// still reach the pipeline before Pop reports exhaustion.
func (q *PriorityQueue) popLeftover() (any, bool) {
	select {
	case f := <-q.high:
		q.highPop.Add(1)
		return f, true
	default:
	}
	select {
	case f := <-q.low:
		q.lowPop.Add(1)
		return f, true
	default:
		return nil, false
	}
}

// Close releases a blocked Pop and rejects further pushes.
func (q *PriorityQueue) Close() {
	q.once.Do(func() { close(q.done) })
}

func (q *PriorityQueue) closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func (q *PriorityQueue) Stats() Stats {
	return Stats{
		HighPush: q.highPush.Load(),
		LowPush:  q.lowPush.Load(),
		HighPop:  q.highPop.Load(),
		LowPop:   q.lowPop.Load(),
	}
}
