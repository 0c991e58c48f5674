package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/yardworks/duelyard/duelyard/structs"
)

// eventBuffer is a single-writer, multiple-reader, fixed-length concurrent
// buffer of events that have been published. The buffer is a linked list
// whose head is atomically updated; readers hold their own cursor into the
// list, so a slow reader never blocks the writer, it just hangs on to old
// items until it catches up.
type eventBuffer struct {
	size *int64

	head atomic.Value
	tail atomic.Value

	maxSize int64
}

// newEventBuffer creates an eventBuffer with the given maximum number of
// retained items.
func newEventBuffer(size int64) *eventBuffer {
	zero := int64(0)
	b := &eventBuffer{
		maxSize: size,
		size:    &zero,
	}

	item := newBufferItem(&structs.Events{})
	b.head.Store(item)
	b.tail.Store(item)

	return b
}

// Append a set of events. Must only be called from a single writer
// goroutine.
func (b *eventBuffer) Append(events *structs.Events) {
	b.appendItem(newBufferItem(events))
}

func (b *eventBuffer) appendItem(item *bufferItem) {
	// Link the new item onto the tail and wake readers parked on it.
	oldTail := b.Tail()
	oldTail.link.next.Store(item)
	close(oldTail.link.nextCh)

	b.tail.Store(item)
	atomic.AddInt64(b.size, 1)

	// Advance the head past items over the retention limit.
	for atomic.LoadInt64(b.size) > b.maxSize {
		b.advanceHead()
	}
}

func (b *eventBuffer) advanceHead() {
	old := b.Head()
	next := old.link.next.Load()
	b.head.Store(next)
	atomic.AddInt64(b.size, -1)
}

// Head returns the oldest retained item.
func (b *eventBuffer) Head() *bufferItem {
	return b.head.Load().(*bufferItem)
}

// Tail returns the most recently appended item. New subscriptions start
// here: they see only events published after subscribe.
func (b *eventBuffer) Tail() *bufferItem {
	return b.tail.Load().(*bufferItem)
}

// Len returns the number of retained items.
func (b *eventBuffer) Len() int {
	return int(atomic.LoadInt64(b.size))
}

// bufferItem is a single item in the buffer's linked list.
type bufferItem struct {
	// Events is the set of events this item carries.
	Events *structs.Events

	// Err is set on the sentinel item appended when the broker shuts
	// down; readers surface it and stop.
	Err error

	// link holds the next pointer and the channel that is closed when
	// next is set. It is never mutated once next is stored, which is what
	// makes lock-free reads safe.
	link *bufferLink

	createdAt time.Time
}

type bufferLink struct {
	next   atomic.Value
	nextCh chan struct{}
}

func newBufferItem(events *structs.Events) *bufferItem {
	return &bufferItem{
		Events:    events,
		link:      &bufferLink{nextCh: make(chan struct{})},
		createdAt: time.Now(),
	}
}

// Next blocks until the next item is available or one of the channels
// aborts the wait.
func (i *bufferItem) Next(ctx context.Context, forceClose <-chan struct{}) (*bufferItem, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-forceClose:
		return nil, fmt.Errorf("subscription closed")
	case <-i.link.nextCh:
	}

	nextRaw := i.link.next.Load()
	if nextRaw == nil {
		return nil, errors.New("buffer item links out of sync")
	}
	next := nextRaw.(*bufferItem)
	if next.Err != nil {
		return nil, next.Err
	}
	return next, nil
}

// NextNoBlock returns the next item if one is ready, else nil.
func (i *bufferItem) NextNoBlock() *bufferItem {
	nextRaw := i.link.next.Load()
	if nextRaw == nil {
		return nil
	}
	return nextRaw.(*bufferItem)
}
