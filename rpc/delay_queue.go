package rpc

import (
	"time"

	"github.com/ethereum/go-ethereum/common/prque"
)

// DelayQueue yields values once their deadline has passed, earliest deadline
// first. It is not safe for concurrent use.
type DelayQueue[T any] struct {
	queue *prque.Prque[int64, delayed[T]]
}

type delayed[T any] struct {
	value T
	at    time.Time
}

func NewDelayQueue[T any]() *DelayQueue[T] {
	return &DelayQueue[T]{queue: prque.New[int64, delayed[T]](nil)}
}

// InsertAt schedules v to expire at the given instant.
func (d *DelayQueue[T]) InsertAt(v T, at time.Time) {
	// prque pops the highest priority first
	d.queue.Push(delayed[T]{value: v, at: at}, -at.UnixNano())
}

// PopExpired removes and returns the value with the earliest deadline if
// that deadline is not after now.
func (d *DelayQueue[T]) PopExpired(now time.Time) (T, bool) {
	var zero T
	if d.queue.Empty() {
		return zero, false
	}

	next, _ := d.queue.Peek()
	if next.at.After(now) {
		return zero, false
	}

	d.queue.Pop()
	return next.value, true
}

// NextDeadline returns the earliest deadline in the queue.
func (d *DelayQueue[T]) NextDeadline() (time.Time, bool) {
	if d.queue.Empty() {
		return time.Time{}, false
	}
	next, _ := d.queue.Peek()
	return next.at, true
}

func (d *DelayQueue[T]) Len() int {
	return d.queue.Size()
}
