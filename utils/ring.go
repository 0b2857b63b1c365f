package utils

import (
	"context"
	"sync"
)

// Ring is a MPSC circular queue of fixed-size records
type Ring struct {
	len        uint64
	objectSize uint64
	tail       uint64
	head       uint64
	data       []byte

	zero []byte
	mu   sync.Mutex
	wake chan struct{}
}

func NewRing(objectSize uint64, len uint64) *Ring {
	return &Ring{
		len:        len,
		objectSize: objectSize,
		data:       make([]byte, len*objectSize),
		zero:       make([]byte, objectSize),
		wake:       make(chan struct{}, 1),
	}
}

// ObjectSize is the fixed size of every record.
func (r *Ring) ObjectSize() uint64 {
	return r.objectSize
}

// Count returns the number of unread records.
func (r *Ring) Count() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.head - r.tail
}

func (r *Ring) slot(index uint64) []byte {
	from := (index % r.len) * r.objectSize
	return r.data[from : from+r.objectSize : from+r.objectSize]
}

// Push copies byte slice d to the next free record and wakes a waiting
// reader. It returns false if the ring is full.
func (r *Ring) Push(d []byte) bool {
	ret := r.PushNoWake(d)
	if ret {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}

	return ret
}

// PushNoWake stores the record without signalling readers blocked in
// PullWait; they pick it up on their next wakeup.
func (r *Ring) PushNoWake(d []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if uint64(len(d)) > r.objectSize {
		panic("object larger than Ring object size")
	}

	//if ring would be full
	if r.head-r.tail >= r.len {
		return false
	}

	b := r.slot(r.head)
	copy(b, d)
	if len(d) < len(b) {
		//zero out remaining data
		copy(b[len(d):], r.zero)
	}

	r.head++

	return true
}

// Pull returns a copy of the record at the tail and advances the tail, or
// nil when the ring is empty.
func (r *Ring) Pull() []byte {
	d := make([]byte, r.objectSize)
	if !r.PullTo(d) {
		return nil
	}
	return d
}

// Peek returns a copy of the record at the tail without advancing it.
func (r *Ring) Peek() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.head == r.tail {
		return nil
	}

	d := make([]byte, r.objectSize)
	copy(d, r.slot(r.tail))
	return d
}

// PullTo copies the next unread record to the destination byte slice
func (r *Ring) PullTo(d []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.head == r.tail {
		return false
	}

	copy(d, r.slot(r.tail))
	r.tail++

	return true
}

// PullWait blocks until a record is available or ctx is done.
func (r *Ring) PullWait(ctx context.Context) ([]byte, error) {
	d := make([]byte, r.objectSize)
	if err := r.PullToWait(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// PullToWait is PullWait into a caller supplied buffer.
func (r *Ring) PullToWait(ctx context.Context, d []byte) error {
	for {
		if r.PullTo(d) {
			return nil
		}

		select {
		case <-r.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
