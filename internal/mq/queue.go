// Package mq implements the typed message queue that sits between producers
// (inspectors, the analyzer loop) and a single consumer goroutine.
//
// Entries are (tag, payload) pairs. Once pushed, the payload belongs to the
// queue until it is either popped by the consumer or destroyed by a cleanup
// pass, never both.
package mq

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when pushing onto a queue that was torn down.
var ErrClosed = errors.New("mq: queue closed")

// Message is one queued entry.
type Message[T any] struct {
	Tag     uint32
	Payload T
}

// UrgentWriter lets a cleanup pass re-inject retained entries while the queue
// lock is already held.
type UrgentWriter[T any] interface {
	PushUrgentLocked(tag uint32, payload T)
}

// Cleaner builds a classification context for each cleanup pass.
type Cleaner[T any] interface {
	PreCleanup() CleanupPass[T]
}

// CleanupPass is the per-pass state returned by Cleaner.PreCleanup.
//
// TryDestroy is called once per queued entry, front to back. Returning true
// means the pass took the entry (destroyed it or kept it aside) and the queue
// drops it without delivering it. PostCleanup runs last and reports how many
// entries were discarded.
type CleanupPass[T any] interface {
	TryDestroy(tag uint32, payload T) bool
	PostCleanup(w UrgentWriter[T]) int
}

// Stats are cumulative queue counters.
type Stats struct {
	Pushed        uint64
	Popped        uint64
	CleanupPasses uint64
	Discarded     uint64
}

// Option configures a Queue.
type Option[T any] func(*Queue[T])

// WithCancelTag makes Pop report "no message" when an entry with tag is popped.
func WithCancelTag[T any](tag uint32) Option[T] {
	return func(q *Queue[T]) {
		q.cancelTag = tag
		q.hasCancelTag = true
	}
}

// WithCleanupWatermark sets the depth above which a cleanup pass runs.
// Zero disables cleanup.
func WithCleanupWatermark[T any](n int) Option[T] {
	return func(q *Queue[T]) { q.watermark = n }
}

// WithCleaner registers the cleanup callbacks.
func WithCleaner[T any](c Cleaner[T]) Option[T] {
	return func(q *Queue[T]) { q.cleaner = c }
}

// WithDepthObserver registers fn to be told the queue depth after every change.
// fn runs with the queue lock held and must not call back into the queue.
func WithDepthObserver[T any](fn func(depth int)) Option[T] {
	return func(q *Queue[T]) { q.observe = fn }
}

// Queue is a blocking multi-producer, single-consumer queue.
type Queue[T any] struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []Message[T]
	head  int

	closed       bool
	cancelTag    uint32
	hasCancelTag bool
	watermark    int
	cleaner      Cleaner[T]
	observe      func(int)
	stats        Stats
}

// New builds an empty queue.
func New[T any](opts ...Option[T]) *Queue[T] {
	q := &Queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetCleaner replaces the cleanup callbacks and watermark.
func (q *Queue[T]) SetCleaner(c Cleaner[T], watermark int) {
	q.mu.Lock()
	q.cleaner = c
	q.watermark = watermark
	q.mu.Unlock()
}

// Len returns the number of queued entries.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

func (q *Queue[T]) lenLocked() int { return len(q.items) - q.head }

// Stats returns a snapshot of the cumulative counters.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Push appends an entry at the back.
func (q *Queue[T]) Push(tag uint32, payload T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, Message[T]{Tag: tag, Payload: payload})
	q.stats.Pushed++
	q.maybeCleanupLocked()
	q.notifyLocked()
	return nil
}

// PushUrgent puts an entry at the front so it is delivered next.
func (q *Queue[T]) PushUrgent(tag uint32, payload T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.PushUrgentLocked(tag, payload)
	q.stats.Pushed++
	q.notifyLocked()
	return nil
}

// PushUrgentLocked inserts at the front. The caller must hold the queue lock,
// which is only the case inside a CleanupPass.
func (q *Queue[T]) PushUrgentLocked(tag uint32, payload T) {
	m := Message[T]{Tag: tag, Payload: payload}
	if q.head > 0 {
		q.head--
		q.items[q.head] = m
		return
	}
	q.items = append(q.items, Message[T]{})
	copy(q.items[1:], q.items)
	q.items[0] = m
}

func (q *Queue[T]) notifyLocked() {
	if q.observe != nil {
		q.observe(q.lenLocked())
	}
	q.cond.Signal()
}

func (q *Queue[T]) maybeCleanupLocked() {
	if q.cleaner == nil || q.watermark <= 0 || q.lenLocked() <= q.watermark {
		return
	}
	pass := q.cleaner.PreCleanup()
	if pass == nil {
		return
	}

	kept := make([]Message[T], 0, q.lenLocked())
	for _, m := range q.items[q.head:] {
		if pass.TryDestroy(m.Tag, m.Payload) {
			continue
		}
		kept = append(kept, m)
	}
	clear(q.items)
	q.items = kept
	q.head = 0

	discarded := pass.PostCleanup(q)
	q.stats.CleanupPasses++
	if discarded > 0 {
		q.stats.Discarded += uint64(discarded)
	}
}

func (q *Queue[T]) popLocked() Message[T] {
	var zero Message[T]
	m := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 1024 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	q.stats.Popped++
	if q.observe != nil {
		q.observe(q.lenLocked())
	}
	return m
}

func (q *Queue[T]) deliver(m Message[T]) (Message[T], bool) {
	if q.hasCancelTag && m.Tag == q.cancelTag {
		return m, false
	}
	return m, true
}

// Pop blocks until an entry is available and returns it. It returns false
// when the cancel tag is popped or the queue is closed and empty.
func (q *Queue[T]) Pop() (Message[T], bool) {
	q.mu.Lock()
	for q.lenLocked() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.lenLocked() == 0 {
		q.mu.Unlock()
		return Message[T]{}, false
	}
	m := q.popLocked()
	q.mu.Unlock()
	return q.deliver(m)
}

// PopContext is Pop bounded by ctx. On cancellation it returns ctx.Err().
func (q *Queue[T]) PopContext(ctx context.Context) (Message[T], bool, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	for q.lenLocked() == 0 && !q.closed {
		if err := ctx.Err(); err != nil {
			q.mu.Unlock()
			return Message[T]{}, false, err
		}
		q.cond.Wait()
	}
	if q.lenLocked() == 0 {
		q.mu.Unlock()
		return Message[T]{}, false, nil
	}
	m := q.popLocked()
	q.mu.Unlock()
	m, ok := q.deliver(m)
	return m, ok, nil
}

// Poll returns the front entry without blocking.
func (q *Queue[T]) Poll() (Message[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lenLocked() == 0 {
		return Message[T]{}, false
	}
	return q.popLocked(), true
}

// Close tears the queue down and wakes a blocked consumer. Entries still
// queued can be reclaimed with Drain.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Closed reports whether Close was called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Drain removes and returns every queued entry.
func (q *Queue[T]) Drain() []Message[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message[T], q.lenLocked())
	copy(out, q.items[q.head:])
	clear(q.items)
	q.items = q.items[:0]
	q.head = 0
	if q.observe != nil {
		q.observe(0)
	}
	return out
}
